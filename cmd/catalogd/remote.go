package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/novelshelf/catalogd/internal/domain"
)

var (
	availableLang string
	refreshForce  bool
)

var availableCmd = &cobra.Command{
	Use:   "available",
	Short: "List catalogs in the index that are not installed",
	Long: `List the cached index entries that are not installed. Run 'catalogd refresh'
to update the cache.

Examples:
  catalogd available
  catalogd available --lang en`,
	Args: cobra.NoArgs,
	RunE: runAvailable,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the remote index cache",
	Long: `Fetch the configured index and replace the cached copy. The network is only
used when the last check is older than remote_check_interval, unless --force
is given.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

var updatesCmd = &cobra.Command{
	Use:   "updates",
	Short: "List installed catalogs with a newer version in the index",
	Args:  cobra.NoArgs,
	RunE:  runUpdates,
}

func init() {
	availableCmd.Flags().StringVarP(&availableLang, "lang", "l", "", "only show catalogs for this language")
	refreshCmd.Flags().BoolVarP(&refreshForce, "force", "f", false, "ignore the check interval")

	rootCmd.AddCommand(availableCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(updatesCmd)
}

func runAvailable(cmd *cobra.Command, args []string) error {
	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	remotes, err := service.Available(cmd.Context(), availableLang)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if remotes == nil {
			remotes = []domain.CatalogRemote{}
		}
		return printJSON(out, remotes)
	}
	if len(remotes) == 0 {
		fmt.Fprintln(out, "No catalogs available. Try 'catalogd refresh'.")
		return nil
	}
	printRemotes(out, remotes)
	return nil
}

func printRemotes(out io.Writer, remotes []domain.CatalogRemote) {
	w := newTable(out)
	fmt.Fprintln(w, "PKG\tNAME\tLANG\tVERSION\tTYPE")
	fmt.Fprintln(w, "---\t----\t----\t-------\t----")
	for _, r := range remotes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(r.PkgName, 40),
			truncate(r.Name, 30),
			r.Lang,
			r.VersionName,
			r.Kind(),
		)
	}
	w.Flush()
}

func runRefresh(cmd *cobra.Command, args []string) error {
	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	remotes, err := service.Refresh(cmd.Context(), refreshForce)
	if err != nil {
		if !errors.Is(err, domain.ErrIndexUnavailable) || len(remotes) == 0 {
			return fmt.Errorf("refreshing index: %w", err)
		}
		// Serving the cached copy
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", colorYellow("Warning:"), err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]int{"catalogs": len(remotes)})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d catalog(s) in the index\n", len(remotes))
	return nil
}

// updateView pairs an installed catalog with its newer index entry
type updateView struct {
	PkgName   string `json:"pkg"`
	Name      string `json:"name"`
	Installed string `json:"installed"`
	Available string `json:"available"`
}

func runUpdates(cmd *cobra.Command, args []string) error {
	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	remotes, err := service.CheckUpdates(cmd.Context())
	if err != nil {
		return fmt.Errorf("checking updates: %w", err)
	}

	views := make([]updateView, 0, len(remotes))
	for _, r := range remotes {
		v := updateView{PkgName: r.PkgName, Name: r.Name, Available: r.VersionName}
		if cat, ok := service.Store().GetByPkgName(r.PkgName); ok {
			v.Installed = cat.VersionName
		}
		views = append(views, v)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "All catalogs are up to date.")
		return nil
	}

	w := newTable(out)
	fmt.Fprintln(w, "PKG\tNAME\tINSTALLED\tAVAILABLE")
	fmt.Fprintln(w, "---\t----\t---------\t---------")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			truncate(v.PkgName, 40),
			truncate(v.Name, 30),
			v.Installed,
			colorGreen(v.Available),
		)
	}
	w.Flush()
	return nil
}
