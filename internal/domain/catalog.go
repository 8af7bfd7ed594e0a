package domain

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"
)

// CatalogKind determines which loader produced a catalog and how it is uninstalled
type CatalogKind int

const (
	KindSystemInstalled  CatalogKind = iota // Registered with the host package manager
	KindLocallyInstalled                    // Unpacked into the extensions directory
	KindScriptPlugin                        // Script file evaluated in a sandbox
)

func (k CatalogKind) String() string {
	switch k {
	case KindSystemInstalled:
		return "system"
	case KindLocallyInstalled:
		return "local"
	case KindScriptPlugin:
		return "script"
	default:
		return "unknown"
	}
}

// ParseCatalogKind converts a string to CatalogKind
func ParseCatalogKind(s string) CatalogKind {
	switch s {
	case "local":
		return KindLocallyInstalled
	case "script":
		return KindScriptPlugin
	default:
		return KindSystemInstalled
	}
}

// Catalog is a loaded source together with its package metadata
type Catalog struct {
	SourceID    int64
	PkgName     string
	Name        string
	Description string
	Lang        string
	VersionName string
	VersionCode int32
	IconURL     string
	NSFW        bool
	Kind        CatalogKind
	Source      Source

	InstallDir string // Directory holding the payload, empty for system packages without one
	Pinned     bool   // User pinned this catalog to the top of listings
	HasUpdate  bool   // The remote index carries a newer VersionCode
	Stub       bool   // Placeholder shown while the real plugin loads
}

// Close releases the resources held by the catalog's source.
func (c *Catalog) Close() error {
	if c == nil || c.Source == nil {
		return nil
	}
	if closer, ok := c.Source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// IsScript reports whether the catalog is backed by a script plugin.
func (c *Catalog) IsScript() bool {
	return c.Kind == KindScriptPlugin
}

// Clone returns a shallow copy sharing the same Source.
func (c *Catalog) Clone() *Catalog {
	cp := *c
	return &cp
}

// GenerateSourceID derives a stable id from a source name and language.
// The same name/lang pair always yields the same id across installs.
func GenerateSourceID(name, lang string, versionID int) int64 {
	key := strings.ToLower(name) + "/" + lang + "/" + strconv.Itoa(versionID)
	sum := md5.Sum([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
}
