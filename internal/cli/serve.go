package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (public listener, admin API and agent ports)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyServeFlags(cmd, &cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, level, err := newLogger(os.Stderr, cfg)
		if err != nil {
			return err
		}
		srv, err := relay.New(cfg, logger, level)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watch, _ := cmd.Flags().GetBool("watch"); watch && fileExists(path) {
			err := config.Watch(ctx, path, logger, func(next config.Config) {
				next.ApplyEnv()
				if isTruthyEnv("RELAY_VERBOSE") {
					next.Log.Level = "debug"
				}
				srv.Reload(next)
			})
			if err != nil {
				logger.Warn("config watch disabled", "path", path, "error", err)
			}
		}

		if err := srv.Listen(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "relay public on %s, admin on %s (config %s)\n", srv.PublicAddr(), srv.AdminAddr(), path)
		return srv.Serve(ctx)
	},
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("public-addr", "", "Public listen address (overrides public_addr)")
	cmd.Flags().String("admin-addr", "", "Admin API listen address (overrides admin_addr)")
	cmd.Flags().String("domain", "", "Base domain endpoints live under (overrides domain)")
	cmd.Flags().Int("max-sockets", 0, "Connections an agent may keep per endpoint (overrides max_sockets)")
	cmd.Flags().Bool("auto-create", false, "Create sessions on first public request for unknown endpoints")
	cmd.Flags().Bool("no-connect", false, "Refuse CONNECT requests")
	cmd.Flags().Bool("watch", true, "Reload log level and diagnostics when the config file changes")
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("public-addr") {
		cfg.PublicAddr, _ = f.GetString("public-addr")
	}
	if f.Changed("admin-addr") {
		cfg.AdminAddr, _ = f.GetString("admin-addr")
	}
	if f.Changed("domain") {
		cfg.Domain, _ = f.GetString("domain")
	}
	if f.Changed("max-sockets") {
		n, _ := f.GetInt("max-sockets")
		if n < 1 {
			return fmt.Errorf("--max-sockets must be positive, got %d", n)
		}
		cfg.MaxSockets = n
	}
	if f.Changed("auto-create") {
		cfg.Ingress.AutoCreate, _ = f.GetBool("auto-create")
	}
	if f.Changed("no-connect") {
		noConnect, _ := f.GetBool("no-connect")
		cfg.Connect.Enabled = !noConnect
	}
	cfg.ApplyDefaults()
	return nil
}
