package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"relay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relay configuration",
}

var configGetCmd = &cobra.Command{
	Use:               "get KEY",
	Short:             "Get a config value (dotted keys, e.g. rate_limit.burst)",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		val, err := getConfigField(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set KEY VALUE",
	Short:             "Set a config value in the config file",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := configPath(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadFileOrDefault(p)
		if err != nil {
			return err
		}
		next, err := setConfigField(cfg, args[0], args[1])
		if err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		return saveTo(p, next)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective config (file plus RELAY_* overrides) as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		b, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(b))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := configPath(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit config file in your editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := configPath(cmd)
		if err != nil {
			return err
		}
		if !fileExists(p) {
			if err := saveTo(p, config.Default()); err != nil {
				return err
			}
		}

		editorCmd := exec.Command(getEditor(), p)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			return err
		}
		cfg, err := config.Load(p)
		if err != nil {
			return err
		}
		return cfg.Validate()
	},
}

var configResetCmd = &cobra.Command{
	Use:               "reset [KEY]",
	Short:             "Reset config (or a specific key) to default values",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := configPath(cmd)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			if err := saveTo(p, config.Default()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Config reset to default values")
			return nil
		}

		key := args[0]
		def, err := getConfigField(config.Default(), key)
		if err != nil {
			return err
		}
		cfg, err := loadFileOrDefault(p)
		if err != nil {
			return err
		}
		next, err := setConfigField(cfg, key, def)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config key %q reset to %s\n", key, def)
		return saveTo(p, next)
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configResetCmd)
}

func loadFileOrDefault(p string) (config.Config, error) {
	if !fileExists(p) {
		return config.Default(), nil
	}
	return config.Load(p)
}

func saveTo(p string, cfg config.Config) error {
	if filepath.Base(p) == "config.yaml" {
		return config.Save(filepath.Dir(p), cfg)
	}
	b, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}

// configTree renders cfg as the nested map its YAML form decodes to, so
// fields can be addressed by their file keys.
func configTree(cfg config.Config) (map[string]any, error) {
	b, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	if err := yaml.Unmarshal(b, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func getConfigField(cfg config.Config, key string) (string, error) {
	tree, err := configTree(cfg)
	if err != nil {
		return "", err
	}
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("unknown key: %s", key)
		}
		if cur, ok = m[part]; !ok {
			return "", fmt.Errorf("unknown key: %s", key)
		}
	}
	if _, ok := cur.(map[string]any); ok {
		return "", fmt.Errorf("%s is a section; use one of its keys", key)
	}
	return fmt.Sprint(cur), nil
}

// setConfigField returns cfg with key set to val. val is read as a YAML
// scalar, so numbers, booleans and durations like 1.5s all work.
func setConfigField(cfg config.Config, key, val string) (config.Config, error) {
	tree, err := configTree(cfg)
	if err != nil {
		return cfg, err
	}
	parts := strings.Split(key, ".")
	m := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("unknown key: %s", key)
		}
		m = next
	}
	leaf := parts[len(parts)-1]
	if existing, ok := m[leaf]; !ok {
		return cfg, fmt.Errorf("unknown key: %s", key)
	} else if _, isSection := existing.(map[string]any); isSection {
		return cfg, fmt.Errorf("%s is a section; use one of its keys", key)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(val), &parsed); err != nil || parsed == nil {
		parsed = val
	}
	m[leaf] = parsed

	b, err := yaml.Marshal(tree)
	if err != nil {
		return cfg, err
	}
	next, err := config.Parse(b)
	if err != nil {
		return cfg, fmt.Errorf("set %s: %w", key, err)
	}
	return next, nil
}

func configKeys() []string {
	tree, err := configTree(config.Default())
	if err != nil {
		return nil
	}
	var keys []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			keys = append(keys, prefix+k)
		}
	}
	walk("", tree)
	sort.Strings(keys)
	return keys
}

func completeConfigKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, k := range configKeys() {
		if strings.HasPrefix(k, toComplete) {
			out = append(out, k)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// getEditor returns the user's preferred editor based on environment variables
// or a sensible default for the platform.
func getEditor() string {
	// Check VISUAL first (for full-screen editors)
	if editor := os.Getenv("VISUAL"); editor != "" {
		return editor
	}
	// Fall back to EDITOR
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	// Default to vi (available on virtually all Unix systems)
	return "vi"
}
