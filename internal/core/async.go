package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
)

// MaxConcurrentLoads bounds how many script plugins evaluate at once.
const MaxConcurrentLoads = 4

// ScriptLoader loads script plugins one package at a time.
type ScriptLoader interface {
	ScriptPackages() []string
	LoadScript(ctx context.Context, pkg string) (*domain.Catalog, error)
}

// AsyncLoader evaluates script plugins in the background so startup only
// waits for their stubs.
type AsyncLoader struct {
	loader ScriptLoader
	locks  *KeyedMutex
	limit  int
	log    zerolog.Logger
}

// NewAsyncLoader creates an AsyncLoader. locks should be the installers'
// so a plugin is never loaded while it is being installed or uninstalled.
func NewAsyncLoader(loader ScriptLoader, locks *KeyedMutex, log zerolog.Logger) *AsyncLoader {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &AsyncLoader{
		loader: loader,
		locks:  locks,
		limit:  MaxConcurrentLoads,
		log:    log.With().Str("component", "async-loader").Logger(),
	}
}

// LoadScriptPluginsAsync loads every installed script plugin and calls
// onLoaded for each one that succeeds. The pkg lock is held from the
// evaluation through onLoaded, so calls for the same plugin never overlap
// and never interleave with an install or uninstall. The returned channel is closed once all loads have finished.
func (a *AsyncLoader) LoadScriptPluginsAsync(ctx context.Context, onLoaded func(*domain.Catalog)) <-chan struct{} {
	done := make(chan struct{})
	pkgs := a.loader.ScriptPackages()

	go func() {
		defer close(done)

		sem := make(chan struct{}, a.limit)
		var wg sync.WaitGroup

		for _, pkg := range pkgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				a.log.Debug().Msg("script loading cancelled")
				wg.Wait()
				return
			}

			wg.Add(1)
			go func(pkg string) {
				defer wg.Done()
				defer func() { <-sem }()
				a.load(ctx, pkg, onLoaded)
			}(pkg)
		}
		wg.Wait()
		a.log.Debug().Int("plugins", len(pkgs)).Msg("script plugins loaded")
	}()

	return done
}

func (a *AsyncLoader) load(ctx context.Context, pkg string, onLoaded func(*domain.Catalog)) {
	log := a.log.With().Str("pkg", pkg).Logger()

	unlock, err := a.locks.Lock(ctx, pkg)
	if err != nil {
		return
	}
	defer unlock()

	cat, err := a.loader.LoadScript(ctx, pkg)
	if err != nil {
		log.Warn().Err(err).Msg("loading script plugin")
		return
	}
	if ctx.Err() != nil {
		_ = cat.Close()
		return
	}
	onLoaded(cat)
}
