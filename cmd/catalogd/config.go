package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/storage/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting in config.yaml",
	Long: `Change a setting and write config.yaml.

Keys: installer_mode, extensions_dir, system_dir, index_url, index_kind,
log_level, log_file, http_timeout, install_timeout, script_timeout,
remote_check_interval, script_plugins, user_agent, rate_limit.capacity,
rate_limit.refill_ms

Examples:
  catalogd config set index_url https://example.org/index.json
  catalogd config set install_timeout 5m`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	cfg.InstallerModeStr = cfg.InstallerMode.String()

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if verbose {
		fmt.Fprintf(out, "# %s/%s\n", dir, config.FileName)
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	if err := setConfigValue(cfg, args[0], args[1]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(dir); err != nil {
		return err
	}

	if !jsonOutput {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", colorGreen("✓"), args[0], args[1])
	}
	return nil
}

// setConfigValue parses value into the field named by key
func setConfigValue(cfg *config.Config, key, value string) error {
	duration := func(dst *time.Duration) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	switch strings.ToLower(key) {
	case "installer_mode":
		switch value {
		case "system", "local":
			cfg.InstallerMode = domain.ParseInstallerMode(value)
		default:
			return fmt.Errorf("installer_mode must be system or local")
		}
	case "extensions_dir":
		cfg.ExtensionsDir = value
	case "system_dir":
		cfg.SystemDir = value
	case "index_url":
		cfg.IndexURL = value
	case "index_kind":
		cfg.IndexKind = value
	case "log_level":
		cfg.LogLevel = value
	case "log_file":
		cfg.LogFile = value
	case "http_timeout":
		return duration(&cfg.HTTPTimeout)
	case "install_timeout":
		return duration(&cfg.InstallTimeout)
	case "script_timeout":
		return duration(&cfg.ScriptTimeout)
	case "remote_check_interval":
		return duration(&cfg.RemoteCheckInterval)
	case "script_plugins":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("script_plugins: %w", err)
		}
		cfg.ScriptPlugins = b
	case "user_agent":
		cfg.UserAgent = value
	case "rate_limit.capacity":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("rate_limit.capacity: %w", err)
		}
		cfg.RateLimit.Capacity = int32(n)
	case "rate_limit.refill_ms":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("rate_limit.refill_ms: %w", err)
		}
		cfg.RateLimit.RefillMS = n
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}
