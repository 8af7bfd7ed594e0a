package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/novelshelf/catalogd/internal/core"
	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/tui"
)

var (
	updateAll  bool
	noProgress bool
)

var installCmd = &cobra.Command{
	Use:   "install <pkg>...",
	Short: "Install catalogs from the index",
	Long: `Install one or more catalogs listed in the remote index. Script plugins are
always installed locally; native packages follow the installer mode.

Examples:
  catalogd install org.example.novelsite
  catalogd install org.example.one org.example.two --no-progress`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <pkg>...",
	Short: "Uninstall catalogs",
	Long: `Remove installed catalogs. Removing a local copy falls back to the system
package when one is installed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUninstall,
}

var updateCmd = &cobra.Command{
	Use:   "update [pkg]...",
	Short: "Update installed catalogs",
	Long: `Install the newer index version of the given catalogs, or of every
catalog with an update when --all is set.

Examples:
  catalogd update org.example.novelsite
  catalogd update --all`,
	RunE: runUpdate,
}

func init() {
	installCmd.Flags().BoolVar(&noProgress, "no-progress", false, "print plain progress lines instead of the progress view")
	updateCmd.Flags().BoolVarP(&updateAll, "all", "a", false, "update every catalog with a newer version")
	updateCmd.Flags().BoolVar(&noProgress, "no-progress", false, "print plain progress lines instead of the progress view")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(updateCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	service, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	if _, err := service.Refresh(ctx, false); err != nil && verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", colorYellow("Warning:"), err)
	}

	steps, err := installPackages(ctx, cmd, service, dedupe(args))
	if err != nil {
		return err
	}
	return reportSteps(cmd.OutOrStdout(), "Installed", steps)
}

// installPackages runs the installs, through the progress view when stdout
// is a terminal.
func installPackages(ctx context.Context, cmd *cobra.Command, service *core.Service, pkgs []string) ([]domain.InstallStep, error) {
	if jsonOutput || noProgress || !isTerminal(os.Stdout) {
		return installPlain(ctx, cmd.ErrOrStderr(), service, pkgs), nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var failed []domain.InstallStep
	streams := make(map[string]<-chan domain.InstallStep, len(pkgs))
	for _, pkg := range pkgs {
		ch, err := service.Install(ctx, pkg)
		if err != nil {
			failed = append(failed, domain.InstallStep{PkgName: pkg, State: domain.InstallError, Err: err})
			continue
		}
		streams[pkg] = ch
	}
	if len(streams) == 0 {
		return failed, nil
	}

	// The view outlives the installs it cancels, so it runs on the parent context
	steps, err := tui.Run(parent, streams, cancel, os.Stdout)
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("progress view: %w", err)
	}
	return append(failed, steps...), nil
}

// installPlain installs one package at a time, printing each step
func installPlain(ctx context.Context, progress io.Writer, service *core.Service, pkgs []string) []domain.InstallStep {
	var out []domain.InstallStep
	for _, pkg := range pkgs {
		ch, err := service.Install(ctx, pkg)
		if err != nil {
			out = append(out, domain.InstallStep{PkgName: pkg, State: domain.InstallError, Err: err})
			continue
		}
		last := domain.InstallStep{PkgName: pkg, State: domain.InstallIdle}
		for step := range ch {
			if !jsonOutput {
				printStep(progress, step)
			}
			last = step
		}
		out = append(out, last)
	}
	return out
}

func printStep(w io.Writer, step domain.InstallStep) {
	if step.State.IsFinished() {
		return
	}
	fmt.Fprintf(w, "  %s: %s\n", step.PkgName, step.State)
}

// stepView is the JSON form of a finished install or uninstall
type stepView struct {
	PkgName string `json:"pkg"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// reportSteps prints the outcome of every step and fails when any did
func reportSteps(out io.Writer, verb string, steps []domain.InstallStep) error {
	failures := 0
	views := make([]stepView, 0, len(steps))
	for _, s := range steps {
		v := stepView{PkgName: s.PkgName, State: string(s.State)}
		if s.Err != nil {
			v.Error = s.Err.Error()
		}
		if s.State != domain.InstallCompleted {
			failures++
		}
		views = append(views, v)
	}

	if jsonOutput {
		if err := printJSON(out, views); err != nil {
			return err
		}
	} else {
		for _, s := range steps {
			switch {
			case s.State == domain.InstallCompleted:
				fmt.Fprintf(out, "%s %s %s\n", colorGreen("✓"), verb, s.PkgName)
			case s.Err != nil:
				fmt.Fprintf(out, "%s %s: %v\n", colorRed("✗"), s.PkgName, s.Err)
			default:
				fmt.Fprintf(out, "%s %s: did not finish\n", colorRed("✗"), s.PkgName)
			}
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d package(s) failed", failures, len(steps))
	}
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	service, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	var steps []domain.InstallStep
	for _, pkg := range dedupe(args) {
		step := service.Uninstall(ctx, pkg)
		step.PkgName = pkg
		steps = append(steps, step)
	}
	return reportSteps(cmd.OutOrStdout(), "Uninstalled", steps)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if !updateAll && len(args) == 0 {
		return errors.New("specify packages to update or use --all")
	}
	if updateAll && len(args) > 0 {
		return errors.New("--all cannot be combined with package names")
	}

	ctx := cmd.Context()
	service, err := initService(ctx)
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer service.Close()

	if _, err := service.Refresh(ctx, false); err != nil && verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", colorYellow("Warning:"), err)
	}

	if !updateAll {
		steps, err := installPackages(ctx, cmd, service, dedupe(args))
		if err != nil {
			return err
		}
		return reportSteps(cmd.OutOrStdout(), "Updated", steps)
	}

	progress := cmd.ErrOrStderr()
	updated, err := service.UpdateAll(ctx, func(step domain.InstallStep) {
		if !jsonOutput {
			printStep(progress, step)
		}
	})

	if jsonOutput {
		result := map[string]any{"updated": updated}
		if err != nil {
			result["error"] = err.Error()
		}
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			return perr
		}
		return err
	}
	if updated == 0 && err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "All catalogs are up to date.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Updated %d catalog(s)\n", colorGreen("✓"), updated)
	return err
}

// isTerminal reports whether f is attached to a terminal
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// dedupe drops repeated arguments, keeping the first occurrence
func dedupe(args []string) []string {
	seen := make(map[string]bool, len(args))
	out := make([]string, 0, len(args))
	for _, a := range args {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
