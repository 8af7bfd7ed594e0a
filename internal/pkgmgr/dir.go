package pkgmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/native"
	"github.com/novelshelf/catalogd/internal/storage/extdir"
)

// DirManager is a Manager backed by a packages directory. Packages that
// other tools drop into or remove from the directory are reported too,
// once Watch has been called.
type DirManager struct {
	dir *extdir.Dir
	log zerolog.Logger

	mu        sync.Mutex
	listeners map[uint64]func(Event)
	nextID    uint64
	pending   map[string]bool // Operations in flight; their fs events are ours
	known     map[string]bool
	watcher   *fsnotify.Watcher
	closed    bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

var _ Manager = (*DirManager)(nil)

// NewDirManager creates the manager, creating root if needed.
func NewDirManager(root string, log zerolog.Logger) (*DirManager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating packages dir: %w", err)
	}
	m := &DirManager{
		dir:       extdir.New(root),
		log:       log.With().Str("component", "pkgmgr").Logger(),
		listeners: make(map[uint64]func(Event)),
		pending:   make(map[string]bool),
		known:     make(map[string]bool),
		closeCh:   make(chan struct{}),
	}
	if err := m.dir.Sweep(); err != nil {
		m.log.Warn().Err(err).Msg("sweeping leftovers")
	}

	pkgs, err := m.dir.List()
	if err != nil {
		return nil, err
	}
	for _, p := range pkgs {
		m.known[p] = true
	}
	return m, nil
}

// Installed implements Manager.
func (m *DirManager) Installed() ([]Package, error) {
	names, err := m.dir.List()
	if err != nil {
		return nil, err
	}
	pkgs := make([]Package, 0, len(names))
	for _, name := range names {
		if !m.dir.IsNative(name) {
			continue
		}
		pkgs = append(pkgs, Package{Name: name, Dir: m.dir.PkgPath(name)})
	}
	return pkgs, nil
}

// Info implements Manager.
func (m *DirManager) Info(pkg string) (Package, bool) {
	if extdir.ValidatePkgName(pkg) != nil || !m.dir.IsNative(pkg) {
		return Package{}, false
	}
	return Package{Name: pkg, Dir: m.dir.PkgPath(pkg)}, true
}

// Install implements Manager.
func (m *DirManager) Install(ctx context.Context, pkg, archivePath string) error {
	if err := extdir.ValidatePkgName(pkg); err != nil {
		return err
	}
	if err := m.begin(pkg); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.install(ctx, pkg, archivePath)
		m.end(pkg, err == nil)
		if err != nil {
			m.log.Warn().Err(err).Str("pkg", pkg).Msg("install failed")
			m.emit(Event{Kind: EventInstallFailed, Pkg: pkg, Err: err})
			return
		}
		m.log.Info().Str("pkg", pkg).Msg("package installed")
		m.emit(Event{Kind: EventInstalled, Pkg: pkg})
	}()
	return nil
}

func (m *DirManager) install(ctx context.Context, pkg, archivePath string) error {
	staged, err := m.dir.Stage(pkg)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staged)
		}
	}()

	manifest, err := native.Unpack(archivePath, staged)
	if err != nil {
		return err
	}
	if manifest.Pkg != pkg {
		return fmt.Errorf("%w: archive holds %q, not %q", domain.ErrInstallFailed, manifest.Pkg, pkg)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.dir.Commit(pkg, staged); err != nil {
		return err
	}
	committed = true
	return nil
}

// Uninstall implements Manager.
func (m *DirManager) Uninstall(ctx context.Context, pkg string) error {
	if err := extdir.ValidatePkgName(pkg); err != nil {
		return err
	}
	if !m.dir.Exists(pkg) {
		return fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg)
	}
	if err := m.begin(pkg); err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := ctx.Err()
		if err == nil {
			err = m.dir.Delete(pkg)
		}
		m.end(pkg, false)
		if err != nil {
			m.emit(Event{Kind: EventUninstallFailed, Pkg: pkg, Err: err})
			return
		}
		m.log.Info().Str("pkg", pkg).Msg("package uninstalled")
		m.emit(Event{Kind: EventUninstalled, Pkg: pkg})
	}()
	return nil
}

func (m *DirManager) begin(pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("package manager closed")
	}
	if m.pending[pkg] {
		return fmt.Errorf("operation on %s already in progress", pkg)
	}
	m.pending[pkg] = true
	return nil
}

func (m *DirManager) end(pkg string, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, pkg)
	if present {
		m.known[pkg] = true
	} else {
		delete(m.known, pkg)
	}
}

// Subscribe implements Manager.
func (m *DirManager) Subscribe(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Listeners returns the number of subscribed listeners.
func (m *DirManager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *DirManager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Watch starts reporting packages added or removed by other tools.
func (m *DirManager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("package manager closed")
	}
	if m.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(m.dir.Path()); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", m.dir.Path(), err)
	}
	m.watcher = w

	m.wg.Add(1)
	go m.processLoop(w)
	return nil
}

func (m *DirManager) processLoop(w *fsnotify.Watcher) {
	defer m.wg.Done()

	for {
		select {
		case <-m.closeCh:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			m.handleFSEvent(w, ev)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// handleFSEvent maps directory changes to package events. A package
// counts as installed once its manifest exists.
func (m *DirManager) handleFSEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	root := m.dir.Path()
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	pkg := parts[0]
	if strings.HasPrefix(pkg, ".") {
		return
	}

	m.mu.Lock()
	busy := m.pending[pkg]
	known := m.known[pkg]
	m.mu.Unlock()
	if busy {
		return
	}

	switch {
	case len(parts) == 1 && ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// The manifest may not be written yet.
			_ = w.Add(ev.Name)
			m.maybeInstalled(pkg, known)
		}

	case len(parts) == 1 && (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)):
		if known && !m.dir.Exists(pkg) {
			m.end(pkg, false)
			m.emit(Event{Kind: EventUninstalled, Pkg: pkg, External: true})
		}

	case len(parts) == 2 && parts[1] == native.ManifestFile &&
		(ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write)):
		m.maybeInstalled(pkg, known)
	}
}

func (m *DirManager) maybeInstalled(pkg string, known bool) {
	if known || !m.dir.IsNative(pkg) {
		return
	}
	m.end(pkg, true)
	m.log.Info().Str("pkg", pkg).Msg("package appeared")
	m.emit(Event{Kind: EventInstalled, Pkg: pkg, External: true})
}

// Close stops the watcher and waits for in-flight operations.
func (m *DirManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closeCh)
	w := m.watcher
	m.mu.Unlock()

	m.wg.Wait()

	if w != nil {
		return w.Close()
	}
	return nil
}
