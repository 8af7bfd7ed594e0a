package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelshelf/catalogd/internal/core"
	"github.com/novelshelf/catalogd/internal/domain"
)

// fakeCatalogLoader serves catalogs from in-memory maps keyed by pkg.
type fakeCatalogLoader struct {
	mu      sync.Mutex
	local   map[string]*domain.Catalog
	system  map[string]*domain.Catalog
	cleared []string
}

func newFakeCatalogLoader() *fakeCatalogLoader {
	return &fakeCatalogLoader{
		local:  make(map[string]*domain.Catalog),
		system: make(map[string]*domain.Catalog),
	}
}

func (l *fakeCatalogLoader) LoadLocal(_ context.Context, pkg string) (*domain.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.local[pkg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg)
	}
	return c.Clone(), nil
}

func (l *fakeCatalogLoader) LoadSystem(_ context.Context, pkg string) (*domain.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.system[pkg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg)
	}
	return c.Clone(), nil
}

func (l *fakeCatalogLoader) ClearCache(pkg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleared = append(l.cleared, pkg)
}

// memPins is an in-memory PinStore.
type memPins struct {
	ids   []int64
	saves int
	err   error
}

func (p *memPins) PinnedCatalogs() ([]int64, error) { return p.ids, nil }

func (p *memPins) SetPinnedCatalogs(ids []int64) error {
	p.saves++
	if p.err != nil {
		return p.err
	}
	p.ids = append([]int64(nil), ids...)
	return nil
}

func testCatalog(id int64, pkg, name string, kind domain.CatalogKind) (*domain.Catalog, *fakeSource) {
	src := newFakeSource(id, name)
	return &domain.Catalog{
		SourceID:    id,
		PkgName:     pkg,
		Name:        name,
		Lang:        "en",
		VersionCode: 1,
		Kind:        kind,
		Source:      src,
	}, src
}

func names(cats []*domain.Catalog) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c.Name
	}
	return out
}

func TestStore_PutKeepsOneCatalogPerSourceID(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())

	first, firstSrc := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	second, _ := testCatalog(1, "org.a", "A v2", domain.KindLocallyInstalled)
	store.Put(first)
	store.Put(second)

	assert.Equal(t, 1, store.Len())
	got, ok := store.Get(1)
	require.True(t, ok)
	assert.Equal(t, "A v2", got.Name)
	assert.Equal(t, 1, firstSrc.Closed(), "evicted source is closed")
}

func TestStore_PutReplacesSamePkg(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())

	old, oldSrc := testCatalog(1, "org.a", "A", domain.KindScriptPlugin)
	renamed, _ := testCatalog(2, "org.a", "A renamed", domain.KindScriptPlugin)
	store.Put(old)
	store.Put(renamed)

	assert.Equal(t, 1, store.Len())
	_, ok := store.Get(1)
	assert.False(t, ok)
	got, ok := store.GetByPkgName("org.a")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.SourceID)
	assert.Equal(t, 1, oldSrc.Closed())
}

func TestStore_PutSameSourceDoesNotClose(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())

	cat, src := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	store.Put(cat)
	store.Put(cat)

	assert.Equal(t, 0, src.Closed())
}

func TestStore_ListOrdering(t *testing.T) {
	pins := &memPins{ids: []int64{3}}
	store := core.NewStore(newFakeCatalogLoader(), pins, zerolog.Nop())

	a, _ := testCatalog(1, "org.a", "beta", domain.KindLocallyInstalled)
	b, _ := testCatalog(2, "org.b", "Alpha", domain.KindLocallyInstalled)
	c, _ := testCatalog(3, "org.c", "zeta", domain.KindLocallyInstalled)
	store.Put(a, b, c)

	assert.Equal(t, []string{"zeta", "Alpha", "beta"}, names(store.List()))
	got, _ := store.Get(3)
	assert.True(t, got.Pinned)
}

func TestStore_TogglePin(t *testing.T) {
	pins := &memPins{}
	store := core.NewStore(newFakeCatalogLoader(), pins, zerolog.Nop())

	a, _ := testCatalog(5, "org.a", "A", domain.KindLocallyInstalled)
	b, _ := testCatalog(2, "org.b", "B", domain.KindLocallyInstalled)
	store.Put(a, b)

	pinned, err := store.TogglePin(5)
	require.NoError(t, err)
	assert.True(t, pinned)
	pinned, err = store.TogglePin(2)
	require.NoError(t, err)
	assert.True(t, pinned)
	assert.Equal(t, []int64{2, 5}, pins.ids)

	pinned, err = store.TogglePin(5)
	require.NoError(t, err)
	assert.False(t, pinned)
	assert.Equal(t, []int64{2}, pins.ids)

	got, _ := store.Get(2)
	assert.True(t, got.Pinned)
	assert.Equal(t, "B", store.List()[0].Name)

	_, err = store.TogglePin(99)
	assert.ErrorIs(t, err, domain.ErrCatalogNotFound)
	assert.Equal(t, 3, pins.saves)
}

func TestStore_TogglePinSaveError(t *testing.T) {
	pins := &memPins{err: errors.New("disk full")}
	store := core.NewStore(newFakeCatalogLoader(), pins, zerolog.Nop())
	a, _ := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	store.Put(a)

	_, err := store.TogglePin(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestStore_Subscribe(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	ch := store.Subscribe(ctx)
	assert.Empty(t, <-ch, "current list is delivered first")

	a, _ := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	b, _ := testCatalog(2, "org.b", "B", domain.KindLocallyInstalled)
	store.Put(a)
	store.Put(b)

	// A slow reader only sees the newest list.
	assert.Equal(t, []string{"A", "B"}, names(<-ch))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStore_SetRemoteVersions(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
	a, _ := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	b, _ := testCatalog(2, "org.b", "B", domain.KindLocallyInstalled)
	store.Put(a, b)

	store.SetRemoteVersions([]domain.CatalogRemote{
		{PkgName: "org.a", VersionCode: 2},
		{PkgName: "org.b", VersionCode: 1},
	})

	updatable := store.Updatable()
	require.Len(t, updatable, 1)
	assert.Equal(t, "org.a", updatable[0].PkgName)

	// Catalogs put later pick up the known remote versions.
	c, _ := testCatalog(3, "org.c", "C", domain.KindLocallyInstalled)
	store.SetRemoteVersions([]domain.CatalogRemote{{PkgName: "org.c", VersionCode: 9}})
	store.Put(c)
	got, _ := store.Get(3)
	assert.True(t, got.HasUpdate)
	got, _ = store.Get(1)
	assert.False(t, got.HasUpdate)
}

func TestStore_RemoveAndClose(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
	a, aSrc := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	b, bSrc := testCatalog(2, "org.b", "B", domain.KindLocallyInstalled)
	store.Put(a, b)

	assert.True(t, store.RemoveByPkgName("org.a"))
	assert.False(t, store.Remove(1))
	assert.Equal(t, 1, aSrc.Closed())

	store.Close()
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, bSrc.Closed())
}

func TestStore_Reload(t *testing.T) {
	loader := newFakeCatalogLoader()
	store := core.NewStore(loader, nil, zerolog.Nop())

	old, oldSrc := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	store.Put(old)

	updated, _ := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	updated.VersionCode = 2
	loader.local["org.a"] = updated

	got, err := store.Reload(context.Background(), "org.a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.VersionCode)
	assert.Equal(t, []string{"org.a"}, loader.cleared)
	assert.Equal(t, 1, oldSrc.Closed())
}

func TestStore_ReloadFailureKeepsOldCatalog(t *testing.T) {
	store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())

	old, oldSrc := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
	store.Put(old)

	_, err := store.Reload(context.Background(), "org.a")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotInstalled)

	got, ok := store.Get(1)
	require.True(t, ok)
	assert.Same(t, oldSrc, got.Source.(*fakeSource))
	assert.Equal(t, 0, oldSrc.Closed())
}

func TestStore_HandleInstallationChange(t *testing.T) {
	ctx := context.Background()

	t.Run("system install", func(t *testing.T) {
		loader := newFakeCatalogLoader()
		store := core.NewStore(loader, nil, zerolog.Nop())
		loader.system["org.a"], _ = testCatalog(1, "org.a", "A", domain.KindSystemInstalled)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.SystemInstall, Pkg: "org.a"}))
		got, ok := store.GetByPkgName("org.a")
		require.True(t, ok)
		assert.Equal(t, domain.KindSystemInstalled, got.Kind)
	})

	t.Run("system install loses to local copy", func(t *testing.T) {
		loader := newFakeCatalogLoader()
		store := core.NewStore(loader, nil, zerolog.Nop())
		local, _ := testCatalog(1, "org.a", "A local", domain.KindLocallyInstalled)
		store.Put(local)
		loader.system["org.a"], _ = testCatalog(1, "org.a", "A system", domain.KindSystemInstalled)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.SystemInstall, Pkg: "org.a"}))
		got, _ := store.GetByPkgName("org.a")
		assert.Equal(t, "A local", got.Name)
	})

	t.Run("system uninstall", func(t *testing.T) {
		store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
		sys, src := testCatalog(1, "org.a", "A", domain.KindSystemInstalled)
		store.Put(sys)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.SystemUninstall, Pkg: "org.a"}))
		assert.Equal(t, 0, store.Len())
		assert.Equal(t, 1, src.Closed())
	})

	t.Run("system uninstall keeps local copy", func(t *testing.T) {
		store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
		local, _ := testCatalog(1, "org.a", "A", domain.KindLocallyInstalled)
		store.Put(local)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.SystemUninstall, Pkg: "org.a"}))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("local install replaces system copy", func(t *testing.T) {
		loader := newFakeCatalogLoader()
		store := core.NewStore(loader, nil, zerolog.Nop())
		sys, sysSrc := testCatalog(1, "org.a", "A system", domain.KindSystemInstalled)
		store.Put(sys)
		loader.local["org.a"], _ = testCatalog(1, "org.a", "A local", domain.KindLocallyInstalled)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.LocalInstall, Pkg: "org.a"}))
		got, _ := store.GetByPkgName("org.a")
		assert.Equal(t, "A local", got.Name)
		assert.Equal(t, 1, sysSrc.Closed())
		assert.Contains(t, loader.cleared, "org.a")
	})

	t.Run("local install failure", func(t *testing.T) {
		store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
		err := store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.LocalInstall, Pkg: "org.a"})
		assert.ErrorIs(t, err, domain.ErrNotInstalled)
	})

	t.Run("local uninstall falls back to system copy", func(t *testing.T) {
		loader := newFakeCatalogLoader()
		store := core.NewStore(loader, nil, zerolog.Nop())
		local, localSrc := testCatalog(1, "org.a", "A local", domain.KindLocallyInstalled)
		store.Put(local)
		loader.system["org.a"], _ = testCatalog(1, "org.a", "A system", domain.KindSystemInstalled)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.LocalUninstall, Pkg: "org.a"}))
		got, ok := store.GetByPkgName("org.a")
		require.True(t, ok)
		assert.Equal(t, "A system", got.Name)
		assert.Equal(t, 1, localSrc.Closed())
	})

	t.Run("local uninstall without system copy", func(t *testing.T) {
		store := core.NewStore(newFakeCatalogLoader(), nil, zerolog.Nop())
		local, _ := testCatalog(1, "org.a", "A", domain.KindScriptPlugin)
		store.Put(local)

		require.NoError(t, store.HandleInstallationChange(ctx, core.InstallationChange{Kind: core.LocalUninstall, Pkg: "org.a"}))
		assert.Equal(t, 0, store.Len())
	})
}

func TestChangeKind_String(t *testing.T) {
	assert.Equal(t, "system-install", core.SystemInstall.String())
	assert.Equal(t, "local-uninstall", core.LocalUninstall.String())
	assert.Equal(t, "unknown", core.ChangeKind(42).String())
}
