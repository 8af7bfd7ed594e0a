package native

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/novelshelf/catalogd/internal/domain"
)

// maxEntrySize bounds a single unpacked file.
const maxEntrySize = 64 << 20

// Unpack extracts a .cpkg archive into destDir and returns its validated
// manifest. destDir is created if needed.
func Unpack(archivePath, destDir string) (*Manifest, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("creating destination directory: %w", err)
	}
	if err := extractZip(archivePath, destDir); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInstallFailed, err)
	}

	m, err := ReadManifest(destDir)
	if err != nil {
		if errors.Is(err, domain.ErrNotInstalled) {
			return nil, fmt.Errorf("%w: archive has no %s", domain.ErrInstallFailed, ManifestFile)
		}
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(destDir, ModuleFile)); err != nil {
		return nil, fmt.Errorf("%w: archive has no %s", domain.ErrInstallFailed, ModuleFile)
	}
	return m, nil
}

func extractZip(archivePath, destDir string) (err error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		if cerr := r.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing archive: %w", cerr)
		}
	}()

	for _, f := range r.File {
		if err := extractZipFile(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, destDir string) (err error) {
	destPath, err := sanitizePath(destDir, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}
	if f.UncompressedSize64 > maxEntrySize {
		return fmt.Errorf("%s exceeds %d bytes", f.Name, maxEntrySize)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s in archive: %w", f.Name, err)
	}
	defer func() {
		if cerr := rc.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing archive entry %s: %w", f.Name, cerr)
		}
	}()

	// Payloads are data, never executables
	outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", destPath, err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing file %s: %w", destPath, cerr)
		}
	}()

	if _, err = io.Copy(outFile, io.LimitReader(rc, maxEntrySize)); err != nil {
		return fmt.Errorf("writing file %s: %w", destPath, err)
	}
	return nil
}

// sanitizePath keeps extracted entries inside destDir.
func sanitizePath(destDir, name string) (string, error) {
	destPath := filepath.Join(destDir, filepath.Clean(name))
	root := filepath.Clean(destDir)
	if destPath != root && !strings.HasPrefix(destPath, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}
	return destPath, nil
}

// Pack writes the package directory srcDir as a .cpkg archive. Only the
// manifest, module and icon are included.
func Pack(srcDir string, w io.Writer) (err error) {
	if _, err := ReadManifest(srcDir); err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	defer func() {
		if cerr := zw.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("finishing archive: %w", cerr)
		}
	}()

	for _, name := range []string{ManifestFile, ModuleFile, IconFile} {
		data, err := os.ReadFile(filepath.Join(srcDir, name))
		if err != nil {
			if os.IsNotExist(err) && name == IconFile {
				continue
			}
			return fmt.Errorf("reading %s: %w", name, err)
		}
		fw, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
