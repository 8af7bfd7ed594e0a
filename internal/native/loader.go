// Package native loads catalog packages compiled to WebAssembly. Each
// package runs in its own wazero module instance and reaches the host only
// through the "catalog" host module.
package native

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/script"
)

// Instance is a loaded native package.
type Instance interface {
	domain.Source
	Manifest() Manifest
	IsLoaded() bool
	Close() error
}

// Loader instantiates native catalog packages.
type Loader interface {
	// Load instantiates the unpacked package pkg found in dir.
	Load(ctx context.Context, pkg, dir string) (Instance, error)
	// ClearCache forgets the compiled module and manifest of pkg.
	ClearCache(pkg string)
	Close(ctx context.Context) error
}

// BridgeFunc returns the host bridge for a package about to be loaded.
type BridgeFunc func(sourceID int64, m *Manifest) script.Bridge

// Options configures a WASMLoader.
type Options struct {
	Bridge  BridgeFunc
	Timeout time.Duration // Per call; script.DefaultTimeout when zero
	Log     zerolog.Logger
}

var _ Loader = (*WASMLoader)(nil)

// WASMLoader is the wazero-backed Loader.
type WASMLoader struct {
	runtime wazero.Runtime
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	cache  map[string]*cached // By package directory
	closed bool
}

type cached struct {
	pkg      string
	manifest *Manifest
	compiled wazero.CompiledModule
}

// NewLoader creates the runtime shared by every native package.
func NewLoader(ctx context.Context, opts Options) (*WASMLoader, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := registerHost(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to register host module: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = script.DefaultTimeout
	}

	return &WASMLoader{
		runtime: r,
		opts:    opts,
		log:     opts.Log.With().Str("component", "native").Logger(),
		cache:   make(map[string]*cached),
	}, nil
}

// Load implements Loader.
func (l *WASMLoader) Load(ctx context.Context, pkg, dir string) (Instance, error) {
	entry, err := l.prepare(ctx, pkg, dir)
	if err != nil {
		return nil, err
	}
	m, compiled := entry.manifest, entry.compiled

	sourceID := m.ResolvedSourceID()
	var bridge script.Bridge
	if l.opts.Bridge != nil {
		bridge = l.opts.Bridge(sourceID, m)
	}

	// Reactor modules only; a command's _start would run and exit.
	cfg := wazero.NewModuleConfig().
		WithName(pkg + "#" + uuid.NewString()).
		WithStartFunctions("_initialize")

	mod, err := l.runtime.InstantiateModule(withBridge(ctx, bridge), compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiating %s: %v", domain.ErrInstallFailed, pkg, err)
	}

	for _, name := range []string{exportAlloc, exportCall, exportAPIVersion} {
		if mod.ExportedFunction(name) == nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("%w: %s does not export %s", domain.ErrInstallFailed, pkg, name)
		}
	}
	if mod.Memory() == nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("%w: %s does not export %s", domain.ErrInstallFailed, pkg, exportMemory)
	}

	res, err := mod.ExportedFunction(exportAPIVersion).Call(ctx)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("%w: %s: %s: %v", domain.ErrInstallFailed, pkg, exportAPIVersion, err)
	}
	want, _ := m.ResolvedLibVersion()
	if got := int(int32(res[0])); got != want {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("%w: %s module reports api %d, manifest %d",
			domain.ErrIncompatibleVersion, pkg, got, want)
	}

	l.log.Debug().Str("pkg", pkg).Int64("source_id", sourceID).Msg("native catalog loaded")

	return &Source{
		id:       sourceID,
		manifest: *m,
		mod:      mod,
		bridge:   bridge,
		timeout:  l.opts.Timeout,
	}, nil
}

// prepare returns the manifest and compiled module of dir, reading and
// compiling them on first use.
func (l *WASMLoader) prepare(ctx context.Context, pkg, dir string) (*cached, error) {
	dir = filepath.Clean(dir)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("%w: native loader closed", domain.ErrEngineUnavailable)
	}
	if c, ok := l.cache[dir]; ok && c.pkg == pkg {
		return c, nil
	}

	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	if m.Pkg != pkg {
		return nil, fmt.Errorf("%w: manifest declares %q, expected %q", domain.ErrInstallFailed, m.Pkg, pkg)
	}

	code, err := os.ReadFile(filepath.Join(dir, ModuleFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s has no %s", domain.ErrNotInstalled, pkg, ModuleFile)
		}
		return nil, fmt.Errorf("reading module: %w", err)
	}
	compiled, err := l.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling %s: %v", domain.ErrInstallFailed, pkg, err)
	}

	c := &cached{pkg: pkg, manifest: m, compiled: compiled}
	l.cache[dir] = c
	return c, nil
}

// ClearCache implements Loader. Sources already loaded keep running.
func (l *WASMLoader) ClearCache(pkg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for dir, c := range l.cache {
		if c.pkg != pkg {
			continue
		}
		_ = c.compiled.Close(context.Background())
		delete(l.cache, dir)
	}
}

// Cached reports whether a compiled module for pkg is held.
func (l *WASMLoader) Cached(pkg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.cache {
		if c.pkg == pkg {
			return true
		}
	}
	return false
}

// Close releases the runtime and every module instantiated from it.
func (l *WASMLoader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.cache = make(map[string]*cached)
	return l.runtime.Close(ctx)
}
