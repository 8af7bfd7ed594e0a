package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
)

// CatalogLoader is what the Store needs to (re)load a single package.
type CatalogLoader interface {
	LoadLocal(ctx context.Context, pkg string) (*domain.Catalog, error)
	LoadSystem(ctx context.Context, pkg string) (*domain.Catalog, error)
	ClearCache(pkg string)
}

// PinStore persists the set of pinned source ids.
type PinStore interface {
	PinnedCatalogs() ([]int64, error)
	SetPinnedCatalogs(ids []int64) error
}

// ChangeKind is the kind of an installation change reported from outside
// the Store.
type ChangeKind int

const (
	SystemInstall ChangeKind = iota
	SystemUninstall
	LocalInstall
	LocalUninstall
)

func (k ChangeKind) String() string {
	switch k {
	case SystemInstall:
		return "system-install"
	case SystemUninstall:
		return "system-uninstall"
	case LocalInstall:
		return "local-install"
	case LocalUninstall:
		return "local-uninstall"
	default:
		return "unknown"
	}
}

// InstallationChange is a package appearing or disappearing.
type InstallationChange struct {
	Kind ChangeKind
	Pkg  string
}

// snapshot is an immutable view of the Store. Readers load it without
// locking; writers build a new one and swap it in.
type snapshot struct {
	byID  map[int64]*domain.Catalog
	byPkg map[string]*domain.Catalog
	list  []*domain.Catalog // Pinned first, then by name
}

// Store holds the live catalogs, at most one per source id.
type Store struct {
	snap atomic.Pointer[snapshot]

	mu      sync.Mutex // Serializes writers
	pinned  map[int64]bool
	remotes map[string]int32 // Newest known VersionCode by pkg

	loader CatalogLoader
	pins   PinStore
	log    zerolog.Logger

	subsMu sync.Mutex
	subs   map[chan []*domain.Catalog]struct{}
}

// NewStore creates an empty Store. pins may be nil to keep pins in memory.
func NewStore(loader CatalogLoader, pins PinStore, log zerolog.Logger) *Store {
	s := &Store{
		pinned:  make(map[int64]bool),
		remotes: make(map[string]int32),
		loader:  loader,
		pins:    pins,
		log:     log.With().Str("component", "store").Logger(),
		subs:    make(map[chan []*domain.Catalog]struct{}),
	}
	if pins != nil {
		ids, err := pins.PinnedCatalogs()
		if err != nil {
			s.log.Warn().Err(err).Msg("loading pinned catalogs")
		}
		for _, id := range ids {
			s.pinned[id] = true
		}
	}
	s.snap.Store(buildSnapshot(nil))
	return s
}

// Get returns the catalog with the given source id.
func (s *Store) Get(id int64) (*domain.Catalog, bool) {
	c, ok := s.snap.Load().byID[id]
	return c, ok
}

// GetByPkgName returns the catalog installed as pkg.
func (s *Store) GetByPkgName(pkg string) (*domain.Catalog, bool) {
	c, ok := s.snap.Load().byPkg[pkg]
	return c, ok
}

// List returns the catalogs, pinned first and then by name.
func (s *Store) List() []*domain.Catalog {
	list := s.snap.Load().list
	out := make([]*domain.Catalog, len(list))
	copy(out, list)
	return out
}

// Len returns the number of live catalogs.
func (s *Store) Len() int {
	return len(s.snap.Load().list)
}

// Subscribe returns a channel that receives the catalog list now and after
// every change. A slow reader only sees the latest list. The channel is
// closed when ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan []*domain.Catalog {
	ch := make(chan []*domain.Catalog, 1)
	ch <- s.List()

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch
}

func (s *Store) publish() {
	list := s.List()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		// Drop the stale value, if any, so the newest one always fits.
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

// Put adds or replaces catalogs. An entry with the same source id or the
// same pkg is evicted and its source closed.
func (s *Store) Put(cats ...*domain.Catalog) {
	if len(cats) == 0 {
		return
	}
	s.mu.Lock()
	evicted := s.update(func(byID map[int64]*domain.Catalog) []*domain.Catalog {
		var out []*domain.Catalog
		for _, c := range cats {
			out = append(out, s.insert(byID, c)...)
		}
		return out
	})
	s.mu.Unlock()

	closeAll(evicted, s.log)
	s.publish()
}

// insert places c into byID and returns the entries it displaced.
func (s *Store) insert(byID map[int64]*domain.Catalog, c *domain.Catalog) []*domain.Catalog {
	c = c.Clone()
	c.Pinned = s.pinned[c.SourceID]
	c.HasUpdate = s.hasUpdate(c)

	var evicted []*domain.Catalog
	if old, ok := byID[c.SourceID]; ok && old.Source != c.Source {
		evicted = append(evicted, old)
	}
	for id, old := range byID {
		if id != c.SourceID && old.PkgName == c.PkgName {
			delete(byID, id)
			evicted = append(evicted, old)
		}
	}
	byID[c.SourceID] = c
	return evicted
}

// Remove evicts the catalog with the given id and closes its source.
func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	evicted := s.update(func(byID map[int64]*domain.Catalog) []*domain.Catalog {
		old, ok := byID[id]
		if !ok {
			return nil
		}
		delete(byID, id)
		return []*domain.Catalog{old}
	})
	s.mu.Unlock()

	if len(evicted) == 0 {
		return false
	}
	closeAll(evicted, s.log)
	s.publish()
	return true
}

// RemoveByPkgName evicts the catalog installed as pkg.
func (s *Store) RemoveByPkgName(pkg string) bool {
	c, ok := s.GetByPkgName(pkg)
	if !ok {
		return false
	}
	return s.Remove(c.SourceID)
}

// Close evicts every catalog.
func (s *Store) Close() {
	s.mu.Lock()
	evicted := s.update(func(byID map[int64]*domain.Catalog) []*domain.Catalog {
		out := make([]*domain.Catalog, 0, len(byID))
		for id, c := range byID {
			out = append(out, c)
			delete(byID, id)
		}
		return out
	})
	s.mu.Unlock()
	closeAll(evicted, s.log)
	s.publish()
}

// TogglePin flips the pinned flag of a catalog and persists the pin set.
// It returns the new state.
func (s *Store) TogglePin(id int64) (bool, error) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.publish()
	}()

	if _, ok := s.snap.Load().byID[id]; !ok {
		return false, fmt.Errorf("%w: source %d", domain.ErrCatalogNotFound, id)
	}

	pinned := !s.pinned[id]
	if pinned {
		s.pinned[id] = true
	} else {
		delete(s.pinned, id)
	}

	if s.pins != nil {
		ids := make([]int64, 0, len(s.pinned))
		for pid := range s.pinned {
			ids = append(ids, pid)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if err := s.pins.SetPinnedCatalogs(ids); err != nil {
			return pinned, fmt.Errorf("saving pinned catalogs: %w", err)
		}
	}

	s.update(func(byID map[int64]*domain.Catalog) []*domain.Catalog {
		c := byID[id].Clone()
		c.Pinned = pinned
		byID[id] = c
		return nil
	})
	return pinned, nil
}

// SetRemoteVersions records the newest VersionCode per pkg from the remote
// index and recomputes HasUpdate on every catalog.
func (s *Store) SetRemoteVersions(remotes []domain.CatalogRemote) {
	s.mu.Lock()
	s.remotes = make(map[string]int32, len(remotes))
	for _, r := range remotes {
		if r.VersionCode > s.remotes[r.PkgName] {
			s.remotes[r.PkgName] = r.VersionCode
		}
	}
	s.update(func(byID map[int64]*domain.Catalog) []*domain.Catalog {
		for id, c := range byID {
			if has := s.hasUpdate(c); has != c.HasUpdate {
				c = c.Clone()
				c.HasUpdate = has
				byID[id] = c
			}
		}
		return nil
	})
	s.mu.Unlock()
	s.publish()
}

// Updatable returns the catalogs with a newer remote version.
func (s *Store) Updatable() []*domain.Catalog {
	var out []*domain.Catalog
	for _, c := range s.snap.Load().list {
		if c.HasUpdate {
			out = append(out, c)
		}
	}
	return out
}

// hasUpdate must be called with s.mu held.
func (s *Store) hasUpdate(c *domain.Catalog) bool {
	code, ok := s.remotes[c.PkgName]
	return ok && code > c.VersionCode
}

// Reload reloads pkg from disk, local copy first, then the system one.
// If neither loads, the current entry stays live.
func (s *Store) Reload(ctx context.Context, pkg string) (*domain.Catalog, error) {
	s.loader.ClearCache(pkg)

	cat, localErr := s.loader.LoadLocal(ctx, pkg)
	if localErr != nil {
		var sysErr error
		cat, sysErr = s.loader.LoadSystem(ctx, pkg)
		if sysErr != nil {
			return nil, fmt.Errorf("reloading %s: %w", pkg, errors.Join(localErr, sysErr))
		}
	}
	s.Put(cat)
	c, _ := s.Get(cat.SourceID)
	return c, nil
}

// HandleInstallationChange applies a package change made outside the
// Store. A local copy of a package always wins over the system one.
func (s *Store) HandleInstallationChange(ctx context.Context, change InstallationChange) error {
	log := s.log.With().Str("pkg", change.Pkg).Stringer("change", change.Kind).Logger()
	current, exists := s.GetByPkgName(change.Pkg)

	switch change.Kind {
	case SystemInstall:
		if exists && current.Kind != domain.KindSystemInstalled {
			log.Debug().Msg("local copy wins, ignoring system install")
			return nil
		}
		s.loader.ClearCache(change.Pkg)
		cat, err := s.loader.LoadSystem(ctx, change.Pkg)
		if err != nil {
			return fmt.Errorf("loading system package %s: %w", change.Pkg, err)
		}
		s.Put(cat)

	case SystemUninstall:
		if !exists || current.Kind != domain.KindSystemInstalled {
			return nil
		}
		s.Remove(current.SourceID)

	case LocalInstall:
		s.loader.ClearCache(change.Pkg)
		cat, err := s.loader.LoadLocal(ctx, change.Pkg)
		if err != nil {
			return fmt.Errorf("loading local package %s: %w", change.Pkg, err)
		}
		s.Put(cat)

	case LocalUninstall:
		if exists && current.Kind != domain.KindSystemInstalled {
			s.Remove(current.SourceID)
		}
		s.loader.ClearCache(change.Pkg)
		cat, err := s.loader.LoadSystem(ctx, change.Pkg)
		if err != nil {
			if !errors.Is(err, domain.ErrNotInstalled) {
				log.Warn().Err(err).Msg("falling back to system package")
			}
			return nil
		}
		s.Put(cat)

	default:
		return fmt.Errorf("unknown installation change %d", change.Kind)
	}
	return nil
}

// update copies the current snapshot, lets fn mutate the copy and swaps
// it in. It returns whatever fn returns. Must be called with s.mu held.
func (s *Store) update(fn func(byID map[int64]*domain.Catalog) []*domain.Catalog) []*domain.Catalog {
	cur := s.snap.Load()
	byID := make(map[int64]*domain.Catalog, len(cur.byID))
	for id, c := range cur.byID {
		byID[id] = c
	}
	out := fn(byID)
	s.snap.Store(buildSnapshot(byID))
	return out
}

func buildSnapshot(byID map[int64]*domain.Catalog) *snapshot {
	snap := &snapshot{
		byID:  byID,
		byPkg: make(map[string]*domain.Catalog, len(byID)),
		list:  make([]*domain.Catalog, 0, len(byID)),
	}
	if snap.byID == nil {
		snap.byID = make(map[int64]*domain.Catalog)
	}
	for _, c := range snap.byID {
		snap.byPkg[c.PkgName] = c
		snap.list = append(snap.list, c)
	}
	sort.Slice(snap.list, func(i, j int) bool {
		a, b := snap.list[i], snap.list[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name); an != bn {
			return an < bn
		}
		return a.SourceID < b.SourceID
	})
	return snap
}

func closeAll(cats []*domain.Catalog, log zerolog.Logger) {
	for _, c := range cats {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("pkg", c.PkgName).Msg("closing evicted catalog")
		}
	}
}
