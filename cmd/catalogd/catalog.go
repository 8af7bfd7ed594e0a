package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/novelshelf/catalogd/internal/domain"
)

var reloadCmd = &cobra.Command{
	Use:   "reload <pkg>",
	Short: "Reload a catalog from disk",
	Long: `Drop the cached copy of an installed catalog and load it again, preferring
the locally installed package over the system one.`,
	Args: cobra.ExactArgs(1),
	RunE: runReload,
}

var pinCmd = &cobra.Command{
	Use:   "pin <source-id>",
	Short: "Pin or unpin a catalog",
	Long:  `Toggle the pin of a catalog. Pinned catalogs are listed first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPin,
}

var modeCmd = &cobra.Command{
	Use:   "mode [system|local]",
	Short: "Show or set the installer mode",
	Long: `Show or set where native packages are installed: through the system
package manager or into the extensions directory. Script plugins are always
installed locally.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"system", "local"},
	RunE:      runMode,
}

func init() {
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(modeCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	cat, err := service.Reload(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("reloading %s: %w", args[0], err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), newCatalogView(cat))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Reloaded %s %s (%d)\n", colorGreen("✓"), cat.Name, cat.VersionName, cat.SourceID)
	return nil
}

func runPin(cmd *cobra.Command, args []string) error {
	id, err := parseSourceID(args[0])
	if err != nil {
		return err
	}

	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	pinned, err := service.TogglePin(id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id, "pinned": pinned})
	}
	if pinned {
		fmt.Fprintf(cmd.OutOrStdout(), "Pinned %d\n", id)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Unpinned %d\n", id)
	}
	return nil
}

func runMode(cmd *cobra.Command, args []string) error {
	var mode domain.InstallerMode
	if len(args) == 1 {
		switch args[0] {
		case "system":
			mode = domain.InstallerSystem
		case "local":
			mode = domain.InstallerLocal
		default:
			return fmt.Errorf("unknown installer mode %q: want system or local", args[0])
		}
	}

	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	if len(args) == 1 {
		if err := service.SetInstallerMode(mode); err != nil {
			return fmt.Errorf("saving installer mode: %w", err)
		}
	}

	current := service.InstallerMode()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]string{"mode": current.String()})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installer mode: %s\n", current)
	return nil
}
