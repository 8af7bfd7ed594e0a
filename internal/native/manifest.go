package native

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/novelshelf/catalogd/internal/domain"
)

// Library versions a native package may be built against.
const (
	LibVersionMin = 2
	LibVersionMax = 2
)

// Files inside an unpacked .cpkg.
const (
	ManifestFile = "manifest.yaml"
	ModuleFile   = "source.wasm"
	IconFile     = "icon.png"
)

// Manifest describes a native catalog package.
type Manifest struct {
	Pkg         string `yaml:"pkg"`
	Name        string `yaml:"name"`
	VersionName string `yaml:"version_name"`
	VersionCode int32  `yaml:"version_code"`
	Lang        string `yaml:"lang"`
	NSFW        bool   `yaml:"nsfw"`
	Icon        string `yaml:"icon,omitempty"`
	Description string `yaml:"description,omitempty"`
	LibVersion  int    `yaml:"lib_version,omitempty"`
	SourceID    int64  `yaml:"source_id,omitempty"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing manifest: %v", domain.ErrInstallFailed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest reads the manifest of an unpacked package directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no manifest in %s", domain.ErrNotInstalled, dir)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// Validate checks required fields and the library version range.
func (m *Manifest) Validate() error {
	if m.Pkg == "" {
		return fmt.Errorf("%w: manifest has no pkg", domain.ErrInstallFailed)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: manifest of %s has no name", domain.ErrInstallFailed, m.Pkg)
	}

	v, err := m.ResolvedLibVersion()
	if err != nil {
		return err
	}
	if v < LibVersionMin || v > LibVersionMax {
		return fmt.Errorf("%w: %s built for lib %d, supported %d..%d",
			domain.ErrIncompatibleVersion, m.Pkg, v, LibVersionMin, LibVersionMax)
	}
	return nil
}

// ResolvedLibVersion returns lib_version, falling back to the major
// component of version_name.
func (m *Manifest) ResolvedLibVersion() (int, error) {
	if m.LibVersion > 0 {
		return m.LibVersion, nil
	}

	v := m.VersionName
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return 0, fmt.Errorf("%w: %s has unparsable version %q", domain.ErrIncompatibleVersion, m.Pkg, m.VersionName)
	}
	major, err := strconv.Atoi(strings.TrimPrefix(semver.Major(v), "v"))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrIncompatibleVersion, m.Pkg, err)
	}
	return major, nil
}

// ResolvedSourceID returns source_id, or the id derived from name and lang.
func (m *Manifest) ResolvedSourceID() int64 {
	if m.SourceID != 0 {
		return m.SourceID
	}
	return domain.GenerateSourceID(m.Name, m.Lang, 1)
}
