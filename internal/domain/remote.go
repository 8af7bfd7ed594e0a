package domain

import (
	"path"
	"strings"
)

// CatalogRemote describes an installable source from the remote index
type CatalogRemote struct {
	SourceID    int64  `json:"id" graphql:"sourceId"`
	PkgName     string `json:"pkg" graphql:"pkgName"`
	Name        string `json:"name" graphql:"name"`
	Description string `json:"description,omitempty" graphql:"description"`
	VersionName string `json:"version" graphql:"versionName"`
	VersionCode int32  `json:"code" graphql:"versionCode"`
	PkgURL      string `json:"url" graphql:"pkgUrl"`
	IconURL     string `json:"icon,omitempty" graphql:"iconUrl"`
	Lang        string `json:"lang" graphql:"lang"`
	NSFW        bool   `json:"nsfw,omitempty" graphql:"nsfw"`
}

// ScriptExtensions lists the payload extensions evaluated by the script engine
var ScriptExtensions = []string{".js", ".lua"}

// Kind infers the catalog kind from the package URL. Native packages report
// KindLocallyInstalled; the installer mode decides the final kind.
func (r CatalogRemote) Kind() CatalogKind {
	if IsScriptFile(r.PkgURL) {
		return KindScriptPlugin
	}
	return KindLocallyInstalled
}

// PayloadExt returns the file extension of the package payload.
func (r CatalogRemote) PayloadExt() string {
	u := r.PkgURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	ext := strings.ToLower(path.Ext(u))
	if ext == "" {
		return PackageExt
	}
	return ext
}

// PackageExt is the extension of native catalog packages
const PackageExt = ".cpkg"

// IsScriptFile reports whether name refers to a script plugin payload.
func IsScriptFile(name string) bool {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range ScriptExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
