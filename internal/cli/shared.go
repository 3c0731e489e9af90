package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/xdg"
)

// isTruthyEnv returns true for truthy environment variable values.
func isTruthyEnv(key string) bool {
	val := strings.TrimSpace(os.Getenv(key))
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// configPath returns the config file the command should use: --config when
// given, otherwise config.yaml under the XDG config directory.
func configPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("config"); strings.TrimSpace(p) != "" {
		return strings.TrimSpace(p), nil
	}
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return config.Path(dir), nil
}

// loadConfig reads the effective config: file values, then RELAY_* env
// overrides. An explicit --config file must exist; the default location is
// created with defaults on first use.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	if p, _ := cmd.Flags().GetString("config"); strings.TrimSpace(p) != "" {
		p = strings.TrimSpace(p)
		cfg, err := config.Load(p)
		if err != nil {
			return config.Config{}, "", fmt.Errorf("load %s: %w", p, err)
		}
		cfg.ApplyEnv()
		return cfg, p, nil
	}
	dir, err := xdg.ConfigDir()
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.LoadOrCreate(dir)
	if err != nil {
		return config.Config{}, "", err
	}
	cfg.ApplyEnv()
	return cfg, config.Path(dir), nil
}

// newLogger builds the process logger for cfg. --verbose forces debug.
func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, *slog.LevelVar, error) {
	level := cfg.Log.Level
	if isTruthyEnv("RELAY_VERBOSE") {
		level = "debug"
	}
	return logging.New(w, level, cfg.Log.Format)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return !errors.Is(err, fs.ErrNotExist)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
