package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/native"
)

var packOutput string

var packCmd = &cobra.Command{
	Use:   "pack <dir>",
	Short: "Build a native package archive",
	Long: `Pack a directory holding manifest.yaml, source.wasm and an optional icon.png
into a .cpkg archive that 'catalogd install' can serve from an index.

Examples:
  catalogd pack ./build
  catalogd pack ./build -o dist/org.example.novelsite.cpkg`,
	Args: cobra.ExactArgs(1),
	RunE: runPack,
}

func init() {
	packCmd.Flags().StringVarP(&packOutput, "output", "o", "", "archive path (default: <pkg>.cpkg)")

	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) (err error) {
	manifest, err := native.ReadManifest(args[0])
	if err != nil {
		return err
	}

	dest := packOutput
	if dest == "" {
		dest = manifest.Pkg + domain.PackageExt
	}
	if dir := filepath.Dir(dest); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output dir: %w", err)
		}
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	if err := native.Pack(args[0], f); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]string{"pkg": manifest.Pkg, "archive": dest})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Packed %s %s -> %s\n", colorGreen("✓"), manifest.Pkg, manifest.VersionName, dest)
	return nil
}
