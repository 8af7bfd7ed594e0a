package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/native"
	"github.com/novelshelf/catalogd/internal/pkgmgr"
	"github.com/novelshelf/catalogd/internal/script"
	"github.com/novelshelf/catalogd/internal/storage/extdir"
)

// ScriptEngines resolves the engine for a script payload.
type ScriptEngines interface {
	EngineFor(ext string) (script.Engine, error)
	Extensions() []string
}

// ClientProvider hands out per-source HTTP clients.
type ClientProvider interface {
	ClientFor(sourceID int64) *http.Client
	Default() *http.Client
}

// LoaderOptions configures a Loader. Packages, Native and Scripts may be nil
// to disable the matching kind of catalog.
type LoaderOptions struct {
	ExtDir   *extdir.Dir
	Packages pkgmgr.Manager
	Native   native.Loader
	Scripts  ScriptEngines
	Clients  ClientProvider
	Cookies  script.CookieJar
	Log      zerolog.Logger
}

// Loader turns installed packages into live catalogs.
type Loader struct {
	ext      *extdir.Dir
	packages pkgmgr.Manager
	native   native.Loader
	scripts  ScriptEngines
	clients  ClientProvider
	cookies  script.CookieJar
	log      zerolog.Logger
}

// NewLoader creates a Loader.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{
		ext:      opts.ExtDir,
		packages: opts.Packages,
		native:   opts.Native,
		scripts:  opts.Scripts,
		clients:  opts.Clients,
		cookies:  opts.Cookies,
		log:      opts.Log.With().Str("component", "loader").Logger(),
	}
}

// LoadAll loads every installed catalog: native packages from the extensions
// directory, system packages, then script plugins. A package present both
// locally and in the system directory is taken from the local copy.
// Failures are logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) []*domain.Catalog {
	cats := l.LoadNative(ctx)
	return appendUnique(cats, l.LoadScripts(ctx)...)
}

// LoadNative loads the local and system native packages.
func (l *Loader) LoadNative(ctx context.Context) []*domain.Catalog {
	var cats []*domain.Catalog

	local := make(map[string]bool)
	for _, pkg := range l.localPackages() {
		if !l.ext.IsNative(pkg) {
			continue
		}
		local[pkg] = true
		cat, err := l.loadNative(ctx, pkg, l.ext.PkgPath(pkg), domain.KindLocallyInstalled)
		if err != nil {
			l.log.Warn().Err(err).Str("pkg", pkg).Msg("skipping local catalog")
			continue
		}
		cats = appendUnique(cats, cat)
	}

	if l.packages == nil {
		return cats
	}
	installed, err := l.packages.Installed()
	if err != nil {
		l.log.Warn().Err(err).Msg("listing system packages")
		return cats
	}
	for _, p := range installed {
		if local[p.Name] {
			l.log.Debug().Str("pkg", p.Name).Msg("system package shadowed by local copy")
			continue
		}
		cat, err := l.loadNative(ctx, p.Name, p.Dir, domain.KindSystemInstalled)
		if err != nil {
			l.log.Warn().Err(err).Str("pkg", p.Name).Msg("skipping system catalog")
			continue
		}
		cats = appendUnique(cats, cat)
	}
	return cats
}

// LoadScripts loads every script plugin in the extensions directory.
func (l *Loader) LoadScripts(ctx context.Context) []*domain.Catalog {
	var cats []*domain.Catalog
	for _, pkg := range l.ScriptPackages() {
		cat, err := l.LoadScript(ctx, pkg)
		if err != nil {
			l.log.Warn().Err(err).Str("pkg", pkg).Msg("skipping script plugin")
			continue
		}
		cats = appendUnique(cats, cat)
	}
	return cats
}

// ScriptPackages lists the installed script plugins.
func (l *Loader) ScriptPackages() []string {
	if l.scripts == nil {
		return nil
	}
	var pkgs []string
	for _, pkg := range l.localPackages() {
		if l.ext.IsNative(pkg) {
			continue
		}
		if l.ext.ScriptPayload(pkg, l.scripts.Extensions()) != "" {
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs
}

// LoadLocal loads pkg from the extensions directory, whichever kind it is.
func (l *Loader) LoadLocal(ctx context.Context, pkg string) (*domain.Catalog, error) {
	if err := extdir.ValidatePkgName(pkg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotInstalled, err)
	}
	if !l.ext.Exists(pkg) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg)
	}
	if l.ext.IsNative(pkg) {
		return l.loadNative(ctx, pkg, l.ext.PkgPath(pkg), domain.KindLocallyInstalled)
	}
	return l.LoadScript(ctx, pkg)
}

// LoadSystem loads pkg from the host package manager.
func (l *Loader) LoadSystem(ctx context.Context, pkg string) (*domain.Catalog, error) {
	if l.packages == nil {
		return nil, fmt.Errorf("%w: %s: no package manager", domain.ErrNotInstalled, pkg)
	}
	p, ok := l.packages.Info(pkg)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg)
	}
	return l.loadNative(ctx, pkg, p.Dir, domain.KindSystemInstalled)
}

func (l *Loader) loadNative(ctx context.Context, pkg, dir string, kind domain.CatalogKind) (*domain.Catalog, error) {
	if l.native == nil {
		return nil, fmt.Errorf("%w: native catalogs disabled", domain.ErrEngineUnavailable)
	}
	inst, err := l.native.Load(ctx, pkg, dir)
	if err != nil {
		return nil, err
	}
	m := inst.Manifest()

	reload := func(ctx context.Context) (domain.Source, error) {
		return l.native.Load(ctx, pkg, dir)
	}

	cat := &domain.Catalog{
		SourceID:    inst.ID(),
		PkgName:     m.Pkg,
		Name:        m.Name,
		Description: m.Description,
		Lang:        m.Lang,
		VersionName: m.VersionName,
		VersionCode: m.VersionCode,
		IconURL:     m.Icon,
		NSFW:        m.NSFW,
		Kind:        kind,
		Source:      NewSafeSource(inst, reload, l.log),
		InstallDir:  dir,
	}
	if icon := filepath.Join(dir, native.IconFile); fileExists(icon) {
		cat.IconURL = icon
	}
	return cat, nil
}

// VerifyNative instantiates the native package unpacked in dir once and
// closes it again. Whatever the attempt compiled is dropped from the cache.
func (l *Loader) VerifyNative(ctx context.Context, pkg, dir string) error {
	if l.native == nil {
		return fmt.Errorf("%w: native catalogs disabled", domain.ErrEngineUnavailable)
	}
	defer l.native.ClearCache(pkg)

	inst, err := l.native.Load(ctx, pkg, dir)
	if err != nil {
		return err
	}
	return inst.Close()
}

// LoadScript evaluates the script plugin pkg.
func (l *Loader) LoadScript(ctx context.Context, pkg string) (*domain.Catalog, error) {
	src, meta, err := l.loadScriptSource(ctx, pkg)
	if err != nil {
		return nil, err
	}

	reload := func(ctx context.Context) (domain.Source, error) {
		src, _, err := l.loadScriptSource(ctx, pkg)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	cat := &domain.Catalog{
		SourceID:    src.ID(),
		PkgName:     pkg,
		Name:        meta.Name,
		Description: meta.Description,
		Lang:        meta.Lang,
		VersionName: meta.Version,
		IconURL:     meta.Icon,
		NSFW:        meta.NSFW,
		Kind:        domain.KindScriptPlugin,
		Source:      NewSafeSource(src, reload, l.log),
		InstallDir:  l.ext.PkgPath(pkg),
	}

	sidecar, err := l.ext.ReadMeta(pkg)
	switch {
	case err == nil:
		cat.VersionCode = sidecar.VersionCode
		if cat.Description == "" {
			cat.Description = sidecar.Description
		}
		if sidecar.SourceID != cat.SourceID || sidecar.Name != cat.Name {
			l.writeScriptMeta(cat, meta, sidecar.VersionCode)
		}
	case errors.Is(err, os.ErrNotExist):
		// Dropped in by hand; write the sidecar so the next start gets a stub.
		l.writeScriptMeta(cat, meta, 0)
	default:
		l.log.Debug().Err(err).Str("pkg", pkg).Msg("reading sidecar")
	}
	if icon := l.ext.IconPath(pkg); fileExists(icon) {
		cat.IconURL = icon
	}
	return cat, nil
}

// loadScriptSource evaluates the payload of pkg and binds its fetches to the
// rate limited client of the resulting source id.
func (l *Loader) loadScriptSource(ctx context.Context, pkg string) (*scriptSource, script.Metadata, error) {
	if l.scripts == nil {
		return nil, script.Metadata{}, fmt.Errorf("%w: script plugins disabled", domain.ErrEngineUnavailable)
	}
	payload := l.ext.ScriptPayload(pkg, l.scripts.Extensions())
	if payload == "" {
		return nil, script.Metadata{}, fmt.Errorf("%w: %s has no script payload", domain.ErrNotInstalled, pkg)
	}

	plugin, err := l.EvaluateScript(ctx, payload, pkg)
	if err != nil {
		return nil, script.Metadata{}, err
	}
	meta := plugin.Metadata()
	return &scriptSource{Plugin: plugin, id: ScriptSourceID(meta)}, meta, nil
}

// EvaluateScript loads the script at path in the engine for its extension.
// The caller owns the returned plugin.
func (l *Loader) EvaluateScript(ctx context.Context, path, pkg string) (script.Plugin, error) {
	if l.scripts == nil {
		return nil, fmt.Errorf("%w: script plugins disabled", domain.ErrEngineUnavailable)
	}
	engine, err := l.scripts.EngineFor(filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	bridge := script.NewHostBridge(l.defaultClient(), l.cookies,
		l.log.With().Str("plugin", pkg).Logger())
	plugin, err := engine.LoadPlugin(ctx, data, pkg, bridge)
	if err != nil {
		return nil, err
	}
	if l.clients != nil {
		bridge.Bind(l.clients.ClientFor(ScriptSourceID(plugin.Metadata())))
	}
	return plugin, nil
}

func (l *Loader) writeScriptMeta(cat *domain.Catalog, meta script.Metadata, versionCode int32) {
	err := extdir.WriteMeta(l.ext.PkgPath(cat.PkgName), extdir.Meta{
		SourceID:    cat.SourceID,
		PkgName:     cat.PkgName,
		Name:        cat.Name,
		Description: cat.Description,
		Lang:        cat.Lang,
		VersionName: cat.VersionName,
		VersionCode: versionCode,
		IconURL:     meta.Icon,
		NSFW:        cat.NSFW,
		Site:        meta.Site,
		APIVersion:  meta.APIVersion,
	})
	if err != nil {
		l.log.Debug().Err(err).Str("pkg", cat.PkgName).Msg("writing sidecar")
	}
}

// LoadStubs returns a placeholder for every script plugin that has a
// sidecar. Stubs fail every call with ErrSourceLoading.
func (l *Loader) LoadStubs() []*domain.Catalog {
	var cats []*domain.Catalog
	for _, pkg := range l.ScriptPackages() {
		meta, err := l.ext.ReadMeta(pkg)
		if err != nil {
			l.log.Debug().Err(err).Str("pkg", pkg).Msg("no sidecar, no stub")
			continue
		}
		stub := &stubSource{id: meta.SourceID, name: meta.Name, lang: meta.Lang}
		cats = appendUnique(cats, &domain.Catalog{
			SourceID:    meta.SourceID,
			PkgName:     pkg,
			Name:        meta.Name,
			Description: meta.Description,
			Lang:        meta.Lang,
			VersionName: meta.VersionName,
			VersionCode: meta.VersionCode,
			IconURL:     meta.IconURL,
			NSFW:        meta.NSFW,
			Kind:        domain.KindScriptPlugin,
			Source:      NewSafeSource(stub, nil, l.log),
			InstallDir:  l.ext.PkgPath(pkg),
			Stub:        true,
		})
	}
	return cats
}

// ClearCache drops cached compiled modules and manifests of pkg so the
// next load reads the payload from disk.
func (l *Loader) ClearCache(pkg string) {
	if l.native != nil {
		l.native.ClearCache(pkg)
	}
}

func (l *Loader) localPackages() []string {
	if l.ext == nil {
		return nil
	}
	pkgs, err := l.ext.List()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn().Err(err).Msg("listing extensions")
		}
		return nil
	}
	return pkgs
}

func (l *Loader) defaultClient() *http.Client {
	if l.clients == nil {
		return nil
	}
	return l.clients.Default()
}

// ScriptSourceID derives the source id of a script plugin from its
// declared id and language.
func ScriptSourceID(meta script.Metadata) int64 {
	return domain.GenerateSourceID(meta.ID, meta.Lang, 1)
}

// scriptSource adapts a script.Plugin to domain.Source.
type scriptSource struct {
	script.Plugin
	id int64
}

func (s *scriptSource) ID() int64    { return s.id }
func (s *scriptSource) Name() string { return s.Metadata().Name }
func (s *scriptSource) Lang() string { return s.Metadata().Lang }

// appendUnique appends the catalogs whose source id is not taken yet.
// Duplicates are closed.
func appendUnique(dst []*domain.Catalog, cats ...*domain.Catalog) []*domain.Catalog {
	seen := make(map[int64]bool, len(dst))
	for _, c := range dst {
		seen[c.SourceID] = true
	}
	for _, c := range cats {
		if seen[c.SourceID] {
			_ = c.Close()
			continue
		}
		seen[c.SourceID] = true
		dst = append(dst, c)
	}
	return dst
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
