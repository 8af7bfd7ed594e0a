package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/storage/db"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, database.Close())
	})
	return database
}

func TestNew_RunsMigrations(t *testing.T) {
	database := setupTestDB(t)

	for _, table := range []string{"remote_catalogs", "preferences", "rate_buckets", "cookies"} {
		var count int
		err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, table)
	}

	version, err := database.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestOpen_ReopenKeepsSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, first.SetPref("k", "v"))
	require.NoError(t, first.Close())
	assert.FileExists(t, filepath.Join(dir, db.FileName))

	second, err := db.Open(dir)
	require.NoError(t, err)
	defer second.Close()

	v, ok, err := second.GetPref("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestRemoteCatalogs_ReplaceWholesale(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	first := []domain.CatalogRemote{
		{SourceID: 1, PkgName: "io.shelf.royalroad", Name: "Royal Road", VersionName: "2.1", VersionCode: 3, PkgURL: "https://x/rr.cpkg", Lang: "en"},
		{SourceID: 2, PkgName: "io.shelf.wuxia", Name: "Wuxia World", VersionName: "2.0", VersionCode: 1, PkgURL: "https://x/wuxia.js", Lang: "en", NSFW: true, IconURL: "https://x/w.png"},
	}
	require.NoError(t, database.ReplaceRemoteCatalogs(ctx, first))

	got, err := database.GetRemoteCatalogs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Royal Road", got[0].Name)
	assert.True(t, got[1].NSFW)
	assert.Equal(t, "https://x/w.png", got[1].IconURL)

	second := []domain.CatalogRemote{
		{SourceID: 3, PkgName: "io.shelf.scribble", Name: "Scribble Hub", VersionName: "2.0", VersionCode: 1, PkgURL: "https://x/sh.cpkg", Lang: "en"},
	}
	require.NoError(t, database.ReplaceRemoteCatalogs(ctx, second))

	got, err = database.GetRemoteCatalogs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "io.shelf.scribble", got[0].PkgName)

	_, err = database.GetRemoteCatalog(ctx, "io.shelf.royalroad")
	assert.ErrorIs(t, err, domain.ErrCatalogNotFound)

	one, err := database.GetRemoteCatalog(ctx, "io.shelf.scribble")
	require.NoError(t, err)
	assert.Equal(t, int64(3), one.SourceID)
}

func TestPreferences(t *testing.T) {
	database := setupTestDB(t)

	_, ok, err := database.GetPref("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mode, err := database.InstallerMode(domain.InstallerLocal)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallerLocal, mode)

	require.NoError(t, database.SetInstallerMode(domain.InstallerSystem))
	mode, err = database.InstallerMode(domain.InstallerLocal)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallerSystem, mode)

	require.NoError(t, database.SetPinnedCatalogs([]int64{9, 3, 9}))
	pinned, err := database.PinnedCatalogs()
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, pinned)

	require.NoError(t, database.SetLastListing(3, "latest"))
	listing, err := database.LastListing(3)
	require.NoError(t, err)
	assert.Equal(t, "latest", listing)

	empty, err := database.LastListing(4)
	require.NoError(t, err)
	assert.Empty(t, empty)

	last, err := database.LastRemoteCheck()
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, database.SetLastRemoteCheck(now))
	last, err = database.LastRemoteCheck()
	require.NoError(t, err)
	assert.True(t, now.Equal(last))

	require.NoError(t, database.DeletePref("installer_mode"))
	mode, err = database.InstallerMode(domain.InstallerLocal)
	require.NoError(t, err)
	assert.Equal(t, domain.InstallerLocal, mode)
}

func TestBuckets(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	state, err := database.LoadBucket(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, database.SaveBucket(ctx, 7, "5;1000;4;1700000000000"))
	require.NoError(t, database.SaveBucket(ctx, 7, "5;1000;3;1700000001000"))

	state, err = database.LoadBucket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "5;1000;3;1700000001000", state)
}

func TestCookies(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)

	require.NoError(t, database.SaveCookies(ctx, []db.StoredCookie{
		{Domain: "example.com", Path: "/", Name: "session", Value: "abc", Secure: true},
		{Domain: "example.com", Path: "/", Name: "pref", Value: "dark", Expires: time.Now().Add(time.Hour)},
	}))

	cookies, err := database.LoadCookies(ctx)
	require.NoError(t, err)
	assert.Len(t, cookies, 2)

	// An already expired cookie deletes the stored one
	require.NoError(t, database.SaveCookies(ctx, []db.StoredCookie{
		{Domain: "example.com", Path: "/", Name: "pref", Value: "", Expires: time.Now().Add(-time.Hour)},
	}))
	cookies, err = database.LoadCookies(ctx)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "session", cookies[0].Name)
	assert.True(t, cookies[0].Secure)

	require.NoError(t, database.ClearCookies(ctx, "example.com"))
	cookies, err = database.LoadCookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookies)
}
