package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/novelshelf/catalogd/internal/core"
	"github.com/novelshelf/catalogd/internal/logger"
	"github.com/novelshelf/catalogd/internal/storage/config"
)

// ErrCancelled is returned when the user cancels an operation.
// When returned from a command, Execute exits with code 2.
var ErrCancelled = errors.New("cancelled")

var (
	version = "0.4.0"

	// Global flags
	configDir  string
	dataDir    string
	verbose    bool
	jsonOutput bool
	noColor    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "catalogd",
	Short: "catalogd - Catalog plugin runtime for novel sources",
	Long: `catalogd installs, loads and updates catalog plugins: native packages
and JavaScript or Lua script plugins that each expose one novel source.

Use subcommands for operations. Run 'catalogd --help' for available commands.`,
	Version:       version,
	SilenceUsage:  true, // Runtime errors should not print usage
	SilenceErrors: true, // We handle error output in Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory or config.yaml (default: ~/.config/catalogd)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default: ~/.local/share/catalogd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// colorEnabled returns true if colored output should be used (respects --no-color and NO_COLOR env).
func colorEnabled() bool {
	if noColor {
		return false
	}
	return os.Getenv("NO_COLOR") == ""
}

var (
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func colorGreen(s string) string {
	if !colorEnabled() {
		return s
	}
	return greenStyle.Render(s)
}

func colorRed(s string) string {
	if !colorEnabled() {
		return s
	}
	return redStyle.Render(s)
}

func colorYellow(s string) string {
	if !colorEnabled() {
		return s
	}
	return yellowStyle.Render(s)
}

// Execute runs the root command. Exit codes: 0 = success, 1 = error, 2 = user cancelled.
// When --json is set and an error occurs, prints {"error":"..."} to stdout before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			os.Exit(2)
		}
		if jsonOutput {
			fmt.Printf(`{"error":%q}`+"\n", err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// initService creates the core service and loads every installed catalog
func initService(ctx context.Context) (*core.Service, error) {
	cfg, err := getServiceConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	svc, err := core.NewService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("loading catalogs: %w", err)
	}
	if err := svc.WaitForScripts(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// getServiceConfig returns the service configuration with defaults.
func getServiceConfig() (core.ServiceConfig, error) {
	cfgDir, err := resolveConfigDir()
	if err != nil {
		return core.ServiceConfig{}, err
	}

	cfg := core.ServiceConfig{
		ConfigDir: cfgDir,
		DataDir:   dataDir,
	}
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return core.ServiceConfig{}, fmt.Errorf("home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, ".local", "share", "catalogd")
	}

	// An unreadable config surfaces again from NewService
	appConfig, err := config.Load(cfg.ConfigDir)
	if err != nil {
		appConfig = config.Default()
	}
	cfg.Log = newLogger(appConfig)

	return cfg, nil
}

// resolveConfigDir applies the --config flag or the default config directory
func resolveConfigDir() (string, error) {
	if configDir != "" {
		return config.ParseConfigPath(configDir)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "catalogd"), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logger.New(logger.Options{
		Level:   level,
		File:    cfg.LogFile,
		NoColor: !colorEnabled(),
	})
}

// parseSourceID parses a source id argument
func parseSourceID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid source id %q", s)
	}
	return id, nil
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// truncate shortens a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
