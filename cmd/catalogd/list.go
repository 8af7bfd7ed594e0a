package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/novelshelf/catalogd/internal/domain"
)

var listKind string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed catalogs",
	Long: `List every loaded catalog, pinned catalogs first.

Examples:
  catalogd list
  catalogd list --kind script`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listKind, "kind", "k", "", "only show catalogs of this kind (system, local, script)")

	rootCmd.AddCommand(listCmd)
}

// catalogView is the JSON form of an installed catalog
type catalogView struct {
	SourceID    int64  `json:"id"`
	PkgName     string `json:"pkg"`
	Name        string `json:"name"`
	Lang        string `json:"lang"`
	VersionName string `json:"version"`
	VersionCode int32  `json:"code"`
	Kind        string `json:"kind"`
	Pinned      bool   `json:"pinned"`
	HasUpdate   bool   `json:"hasUpdate"`
	NSFW        bool   `json:"nsfw"`
}

func newCatalogView(c *domain.Catalog) catalogView {
	return catalogView{
		SourceID:    c.SourceID,
		PkgName:     c.PkgName,
		Name:        c.Name,
		Lang:        c.Lang,
		VersionName: c.VersionName,
		VersionCode: c.VersionCode,
		Kind:        c.Kind.String(),
		Pinned:      c.Pinned,
		HasUpdate:   c.HasUpdate,
		NSFW:        c.NSFW,
	}
}

func validKind(kind string) bool {
	switch kind {
	case "", "system", "local", "script":
		return true
	}
	return false
}

func runList(cmd *cobra.Command, args []string) error {
	kind := strings.ToLower(listKind)
	if !validKind(kind) {
		return fmt.Errorf("unknown kind %q: want system, local or script", listKind)
	}

	service, err := initService(cmd.Context())
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	var catalogs []*domain.Catalog
	for _, c := range service.Store().List() {
		if kind == "" || c.Kind.String() == kind {
			catalogs = append(catalogs, c)
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		views := make([]catalogView, 0, len(catalogs))
		for _, c := range catalogs {
			views = append(views, newCatalogView(c))
		}
		return printJSON(out, views)
	}

	if len(catalogs) == 0 {
		fmt.Fprintln(out, "No catalogs installed.")
		return nil
	}

	w := newTable(out)
	fmt.Fprintln(w, "ID\tNAME\tPKG\tLANG\tVERSION\tKIND\tFLAGS")
	fmt.Fprintln(w, "--\t----\t---\t----\t-------\t----\t-----")
	for _, c := range catalogs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.SourceID,
			truncate(c.Name, 30),
			truncate(c.PkgName, 40),
			c.Lang,
			c.VersionName,
			c.Kind,
			catalogFlags(c),
		)
	}
	w.Flush()

	if verbose {
		fmt.Fprintf(out, "\nTotal: %d catalog(s)\n", len(catalogs))
	}
	return nil
}

// catalogFlags summarizes pin, update and loading state
func catalogFlags(c *domain.Catalog) string {
	var flags []string
	if c.Pinned {
		flags = append(flags, "pinned")
	}
	if c.HasUpdate {
		flags = append(flags, colorYellow("update"))
	}
	if c.Stub {
		flags = append(flags, "loading")
	}
	if c.NSFW {
		flags = append(flags, "nsfw")
	}
	return strings.Join(flags, ",")
}
