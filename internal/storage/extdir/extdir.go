// Package extdir manages the app-private extensions directory: one
// subdirectory per package holding its payload, icon and metadata sidecar.
package extdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	stagingDir   = ".staging"
	trashDir     = ".trash"
	metaFile     = "meta.json"
	iconFile     = "icon.png"
	ManifestFile = "manifest.yaml"
)

// ErrInvalidPkgName is returned for package names that would escape the directory
var ErrInvalidPkgName = errors.New("invalid package name")

// Meta is the sidecar written next to every installed payload
type Meta struct {
	SourceID    int64  `json:"sourceId"`
	PkgName     string `json:"pkgName"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Lang        string `json:"lang"`
	VersionName string `json:"versionName"`
	VersionCode int32  `json:"versionCode"`
	IconURL     string `json:"iconUrl,omitempty"`
	NSFW        bool   `json:"nsfw,omitempty"`
	Site        string `json:"site,omitempty"`
	APIVersion  int    `json:"apiVersion,omitempty"`
}

// Dir is the extensions directory
type Dir struct {
	basePath string
}

// New creates a new extensions directory manager
func New(basePath string) *Dir {
	return &Dir{basePath: basePath}
}

// Path returns the root of the extensions directory
func (d *Dir) Path() string {
	return d.basePath
}

// ValidatePkgName rejects names that are empty, hidden or contain path elements
func ValidatePkgName(pkg string) error {
	if pkg == "" || strings.HasPrefix(pkg, ".") || strings.ContainsAny(pkg, `/\`) || strings.Contains(pkg, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidPkgName, pkg)
	}
	return nil
}

// PkgPath returns the directory of an installed package
func (d *Dir) PkgPath(pkg string) string {
	return filepath.Join(d.basePath, pkg)
}

// PayloadPath returns <pkg>/<pkg><ext>
func (d *Dir) PayloadPath(pkg, ext string) string {
	return filepath.Join(d.PkgPath(pkg), pkg+ext)
}

// IconPath returns the cached icon location of a package
func (d *Dir) IconPath(pkg string) string {
	return filepath.Join(d.PkgPath(pkg), iconFile)
}

// Exists checks if a package directory is present
func (d *Dir) Exists(pkg string) bool {
	info, err := os.Stat(d.PkgPath(pkg))
	return err == nil && info.IsDir()
}

// List returns the installed package names in lexical order
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing extensions: %w", err)
	}

	var pkgs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		pkgs = append(pkgs, e.Name())
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

// ScriptPayload returns the script file of a package, or "" when the package
// is not a script plugin.
func (d *Dir) ScriptPayload(pkg string, exts []string) string {
	for _, ext := range exts {
		p := d.PayloadPath(pkg, ext)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// IsNative reports whether the package holds an unpacked native manifest
func (d *Dir) IsNative(pkg string) bool {
	_, err := os.Stat(filepath.Join(d.PkgPath(pkg), ManifestFile))
	return err == nil
}

// Stage creates an empty staging directory for a package install.
// The caller either commits it or removes it.
func (d *Dir) Stage(pkg string) (string, error) {
	if err := ValidatePkgName(pkg); err != nil {
		return "", err
	}
	root := filepath.Join(d.basePath, stagingDir)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	staged, err := os.MkdirTemp(root, pkg+"-*")
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	return staged, nil
}

// Commit moves a staged directory into place, replacing any previous version.
// The old directory is only removed after the new one is in place.
func (d *Dir) Commit(pkg, staged string) error {
	sw, err := d.Swap(pkg, staged)
	if err != nil {
		return err
	}
	sw.Keep()
	return nil
}

// Swapped is a committed package whose previous version is still parked
// under the trash directory.
type Swapped struct {
	dir    *Dir
	pkg    string
	old    string
	closed bool
}

// Swap moves a staged directory into place like Commit but holds on to the
// previous version until Keep or Restore is called.
func (d *Dir) Swap(pkg, staged string) (*Swapped, error) {
	if err := ValidatePkgName(pkg); err != nil {
		return nil, err
	}
	target := d.PkgPath(pkg)
	sw := &Swapped{dir: d, pkg: pkg}

	if d.Exists(pkg) {
		trash := filepath.Join(d.basePath, trashDir)
		if err := os.MkdirAll(trash, 0755); err != nil {
			return nil, fmt.Errorf("creating trash dir: %w", err)
		}
		tmp, err := os.MkdirTemp(trash, pkg+"-*")
		if err != nil {
			return nil, fmt.Errorf("creating trash dir: %w", err)
		}
		sw.old = filepath.Join(tmp, pkg)
		if err := os.Rename(target, sw.old); err != nil {
			_ = os.RemoveAll(tmp)
			return nil, fmt.Errorf("moving old version aside: %w", err)
		}
	}

	if err := os.Rename(staged, target); err != nil {
		if sw.old != "" {
			_ = os.Rename(sw.old, target)
			_ = os.RemoveAll(filepath.Dir(sw.old))
		}
		return nil, fmt.Errorf("committing %s: %w", sw.pkg, err)
	}
	return sw, nil
}

// Keep drops the previous version.
func (s *Swapped) Keep() {
	if s.closed {
		return
	}
	s.closed = true
	if s.old != "" {
		_ = os.RemoveAll(filepath.Dir(s.old))
	}
}

// Restore puts the previous version back in place. Without one the new
// version is removed.
func (s *Swapped) Restore() error {
	if s.closed {
		return nil
	}
	s.closed = true

	target := s.dir.PkgPath(s.pkg)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("removing new version: %w", err)
	}
	if s.old == "" {
		return nil
	}
	if err := os.Rename(s.old, target); err != nil {
		return fmt.Errorf("restoring old version: %w", err)
	}
	_ = os.RemoveAll(filepath.Dir(s.old))
	return nil
}

// Delete removes an installed package
func (d *Dir) Delete(pkg string) error {
	if err := ValidatePkgName(pkg); err != nil {
		return err
	}
	if err := os.RemoveAll(d.PkgPath(pkg)); err != nil {
		return fmt.Errorf("deleting package: %w", err)
	}
	return nil
}

// Sweep removes leftovers of interrupted installs
func (d *Dir) Sweep() error {
	var errs []error
	for _, name := range []string{stagingDir, trashDir} {
		if err := os.RemoveAll(filepath.Join(d.basePath, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteMeta stores the metadata sidecar of a package directory
func WriteMeta(dir string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0644); err != nil {
		return fmt.Errorf("writing meta: %w", err)
	}
	return nil
}

// ReadMeta loads the metadata sidecar of an installed package
func (d *Dir) ReadMeta(pkg string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(d.PkgPath(pkg), metaFile))
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &meta, nil
}

// ListFiles returns all files of an installed package
func (d *Dir) ListFiles(pkg string) ([]string, error) {
	pkgPath := d.PkgPath(pkg)

	var files []string
	err := filepath.WalkDir(pkgPath, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(pkgPath, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing package files: %w", err)
	}

	return files, nil
}

// Size returns the total size of an installed package
func (d *Dir) Size(pkg string) (int64, error) {
	var total int64
	err := filepath.WalkDir(d.PkgPath(pkg), func(_ string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("calculating package size: %w", err)
	}

	return total, nil
}
