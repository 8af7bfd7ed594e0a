//go:build !noscript

package core_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelshelf/catalogd/internal/core"
	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/native"
	"github.com/novelshelf/catalogd/internal/pkgmgr"
	"github.com/novelshelf/catalogd/internal/script"
	"github.com/novelshelf/catalogd/internal/storage/extdir"
)

type installEnv struct {
	ext        *extdir.Dir
	native     *fakeNative
	loader     *core.Loader
	store      *core.Store
	installers *core.Installers
	server     *httptest.Server
}

// newInstallEnv wires the real loader and store over a fake native
// runtime. packages may be nil.
func newInstallEnv(t *testing.T, packages pkgmgr.Manager, timeout time.Duration) *installEnv {
	t.Helper()
	env := &installEnv{
		ext:    extdir.New(t.TempDir()),
		native: newFakeNative(),
	}
	env.loader = core.NewLoader(core.LoaderOptions{
		ExtDir:   env.ext,
		Packages: packages,
		Native:   env.native,
		Scripts:  script.NewRouter(script.Options{Log: zerolog.Nop()}),
		Log:      zerolog.Nop(),
	})
	env.store = core.NewStore(env.loader, nil, zerolog.Nop())
	t.Cleanup(env.store.Close)

	env.installers = core.NewInstallers(core.InstallerOptions{
		ExtDir:   env.ext,
		Packages: packages,
		Loader:   env.loader,
		Store:    env.store,
		Timeout:  timeout,
		Log:      zerolog.Nop(),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/org.s.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(jsPlugin("s", "Script", "1.0")))
	})
	mux.HandleFunc("/org.s-v2.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(jsPlugin("s", "Script", "2.0")))
	})
	mux.HandleFunc("/broken.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("module.exports = {{{"))
	})
	mux.HandleFunc("/org.n.cpkg", func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildArchive(t, "org.n", "Native", 3))
	})
	mux.HandleFunc("/org.n-v4.cpkg", func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildArchive(t, "org.n", "Native", 4))
	})
	mux.HandleFunc("/other.cpkg", func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildArchive(t, "org.other", "Other", 1))
	})
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func (e *installEnv) remote(pkg, path string, code int32) domain.CatalogRemote {
	return domain.CatalogRemote{
		PkgName:     pkg,
		Name:        pkg,
		VersionCode: code,
		PkgURL:      e.server.URL + path,
		Lang:        "en",
	}
}

func TestInstallers_InstallerFor(t *testing.T) {
	env := newInstallEnv(t, newFakeManager(t), 0)
	scriptRemote := env.remote("org.s", "/org.s.js", 1)
	nativeRemote := env.remote("org.n", "/org.n.cpkg", 1)

	assert.Same(t, env.installers.Local, env.installers.InstallerFor(scriptRemote, domain.InstallerSystem))
	assert.Same(t, env.installers.System, env.installers.InstallerFor(nativeRemote, domain.InstallerSystem))
	assert.Same(t, env.installers.Local, env.installers.InstallerFor(nativeRemote, domain.InstallerLocal))

	noSystem := newInstallEnv(t, nil, 0)
	assert.Nil(t, noSystem.installers.System)
	assert.Same(t, noSystem.installers.Local, noSystem.installers.InstallerFor(nativeRemote, domain.InstallerSystem))

	assert.Same(t, env.installers.System, env.installers.UninstallerFor(&domain.Catalog{Kind: domain.KindSystemInstalled}))
	assert.Same(t, env.installers.Local, env.installers.UninstallerFor(&domain.Catalog{Kind: domain.KindScriptPlugin}))
}

func TestLocalInstaller_InstallScript(t *testing.T) {
	env := newInstallEnv(t, nil, 0)
	remote := env.remote("org.s", "/org.s.js", 7)

	steps := collect(env.installers.Local.Install(context.Background(), remote))
	assert.Equal(t, []domain.InstallState{
		domain.InstallDownloading,
		domain.InstallInstalling,
		domain.InstallCompleted,
	}, states(steps))

	cat, ok := env.store.GetByPkgName("org.s")
	require.True(t, ok)
	assert.Equal(t, domain.KindScriptPlugin, cat.Kind)
	assert.Equal(t, int32(7), cat.VersionCode)
	assert.Equal(t, "1.0", cat.VersionName)

	meta, err := env.ext.ReadMeta("org.s")
	require.NoError(t, err)
	assert.Equal(t, cat.SourceID, meta.SourceID)

	content, err := cat.Source.GetChapterContent(context.Background(), "/c/1")
	require.NoError(t, err)
	assert.Equal(t, "1.0:/c/1", content)
}

func TestLocalInstaller_UpdateReplacesCatalog(t *testing.T) {
	env := newInstallEnv(t, nil, 0)
	ctx := context.Background()

	require.Equal(t, domain.InstallCompleted, core.LastStep(env.installers.Local.Install(ctx, env.remote("org.s", "/org.s.js", 1))).State)
	old, _ := env.store.GetByPkgName("org.s")

	require.Equal(t, domain.InstallCompleted, core.LastStep(env.installers.Local.Install(ctx, env.remote("org.s", "/org.s-v2.js", 2))).State)
	cat, _ := env.store.GetByPkgName("org.s")
	assert.Equal(t, "2.0", cat.VersionName)
	assert.Equal(t, 1, env.store.Len())

	_, err := old.Source.PopularNovels(ctx, 1, nil)
	assert.ErrorIs(t, err, domain.ErrPluginClosed, "replaced catalog is closed")
}

func TestLocalInstaller_BadPayloadKeepsOldCatalog(t *testing.T) {
	env := newInstallEnv(t, nil, 0)
	ctx := context.Background()

	require.Equal(t, domain.InstallCompleted, core.LastStep(env.installers.Local.Install(ctx, env.remote("org.s", "/org.s.js", 1))).State)

	steps := collect(env.installers.Local.Install(ctx, env.remote("org.s", "/broken.js", 2)))
	require.NotEmpty(t, steps)
	last := steps[len(steps)-1]
	assert.Equal(t, domain.InstallError, last.State)
	assert.ErrorIs(t, last.Err, domain.ErrInstallFailed)

	cat, ok := env.store.GetByPkgName("org.s")
	require.True(t, ok)
	assert.Equal(t, "1.0", cat.VersionName)
	content, err := cat.Source.GetChapterContent(ctx, "/c/1")
	require.NoError(t, err)
	assert.Equal(t, "1.0:/c/1", content)

	data, err := os.ReadFile(env.ext.PayloadPath("org.s", ".js"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `version: "1.0"`)
}

func TestLocalInstaller_InstallNative(t *testing.T) {
	env := newInstallEnv(t, nil, 0)

	step := core.LastStep(env.installers.Local.Install(context.Background(), env.remote("org.n", "/org.n.cpkg", 3)))
	require.Equal(t, domain.InstallCompleted, step.State, "%v", step.Err)

	cat, ok := env.store.GetByPkgName("org.n")
	require.True(t, ok)
	assert.Equal(t, domain.KindLocallyInstalled, cat.Kind)
	assert.Equal(t, int32(3), cat.VersionCode)
	assert.True(t, env.ext.IsNative("org.n"))
}

func TestLocalInstaller_UnloadableNativeKeepsOldVersion(t *testing.T) {
	env := newInstallEnv(t, nil, 0)
	ctx := context.Background()

	step := core.LastStep(env.installers.Local.Install(ctx, env.remote("org.n", "/org.n.cpkg", 3)))
	require.Equal(t, domain.InstallCompleted, step.State, "%v", step.Err)

	env.native.mu.Lock()
	env.native.fail = errors.New("corrupt module")
	env.native.mu.Unlock()

	step = core.LastStep(env.installers.Local.Install(ctx, env.remote("org.n", "/org.n-v4.cpkg", 4)))
	assert.Equal(t, domain.InstallError, step.State)
	assert.ErrorIs(t, step.Err, domain.ErrInstallFailed)

	m, err := native.ReadManifest(env.ext.PkgPath("org.n"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), m.VersionCode, "old payload stays on disk")

	cat, ok := env.store.GetByPkgName("org.n")
	require.True(t, ok)
	assert.Equal(t, int32(3), cat.VersionCode)

	env.native.mu.Lock()
	env.native.fail = nil
	env.native.mu.Unlock()

	cat, err = env.loader.LoadLocal(ctx, "org.n")
	require.NoError(t, err)
	assert.Equal(t, int32(3), cat.VersionCode)
}

func TestLocalInstaller_ArchiveForOtherPkg(t *testing.T) {
	env := newInstallEnv(t, nil, 0)

	step := core.LastStep(env.installers.Local.Install(context.Background(), env.remote("org.n", "/other.cpkg", 1)))
	assert.Equal(t, domain.InstallError, step.State)
	assert.ErrorIs(t, step.Err, domain.ErrInstallFailed)
	assert.False(t, env.ext.Exists("org.n"))
	assert.False(t, env.ext.Exists("org.other"))
}

func TestLocalInstaller_DownloadFailure(t *testing.T) {
	env := newInstallEnv(t, nil, 0)

	steps := collect(env.installers.Local.Install(context.Background(), env.remote("org.s", "/missing.js", 1)))
	assert.Equal(t, []domain.InstallState{domain.InstallDownloading, domain.InstallError}, states(steps))
	assert.ErrorIs(t, steps[1].Err, domain.ErrDownloadFailed)
	assert.Equal(t, 0, env.store.Len())
}

func TestLocalInstaller_Uninstall(t *testing.T) {
	sys := newFakeManager(t)
	env := newInstallEnv(t, sys, 0)
	ctx := context.Background()

	step := env.installers.Local.Uninstall(ctx, "org.none")
	assert.Equal(t, domain.InstallError, step.State)
	assert.ErrorIs(t, step.Err, domain.ErrNotInstalled)

	// Removing the local copy falls back to the system one.
	sys.put(t, "org.n", "Native system", 2)
	require.Equal(t, domain.InstallCompleted, core.LastStep(env.installers.Local.Install(ctx, env.remote("org.n", "/org.n.cpkg", 3))).State)
	cat, _ := env.store.GetByPkgName("org.n")
	require.Equal(t, domain.KindLocallyInstalled, cat.Kind)

	step = env.installers.Local.Uninstall(ctx, "org.n")
	require.Equal(t, domain.InstallCompleted, step.State)
	assert.False(t, env.ext.Exists("org.n"))

	cat, ok := env.store.GetByPkgName("org.n")
	require.True(t, ok)
	assert.Equal(t, domain.KindSystemInstalled, cat.Kind)
	assert.Equal(t, "Native system", cat.Name)
}

func TestSystemInstaller_InstallAndUninstall(t *testing.T) {
	mgr, err := pkgmgr.NewDirManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	env := newInstallEnv(t, mgr, 0)
	ctx := context.Background()

	steps := collect(env.installers.System.Install(ctx, env.remote("org.n", "/org.n.cpkg", 3)))
	require.Equal(t, []domain.InstallState{
		domain.InstallDownloading,
		domain.InstallInstalling,
		domain.InstallCompleted,
	}, states(steps), "%v", steps)

	cat, ok := env.store.GetByPkgName("org.n")
	require.True(t, ok)
	assert.Equal(t, domain.KindSystemInstalled, cat.Kind)
	assert.Equal(t, int32(3), cat.VersionCode)
	assert.Equal(t, 0, mgr.Listeners())

	step := env.installers.System.Uninstall(ctx, "org.n")
	require.Equal(t, domain.InstallCompleted, step.State, "%v", step.Err)
	assert.Equal(t, 0, env.store.Len())
	_, ok = mgr.Info("org.n")
	assert.False(t, ok)

	step = env.installers.System.Uninstall(ctx, "org.n")
	assert.ErrorIs(t, step.Err, domain.ErrNotInstalled)
}

func TestSystemInstaller_CancelStopsStream(t *testing.T) {
	sys := newFakeManager(t)
	env := newInstallEnv(t, sys, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := env.installers.System.Install(ctx, env.remote("org.n", "/org.n.cpkg", 3))

	select {
	case req := <-sys.requests:
		assert.Equal(t, "install:org.n", req)
	case <-time.After(5 * time.Second):
		t.Fatal("package manager never asked")
	}
	assert.Equal(t, 1, sys.Listeners())
	cancel()

	steps := collect(out)
	assert.Equal(t, []domain.InstallState{domain.InstallDownloading, domain.InstallInstalling}, states(steps))
	assert.Equal(t, 0, sys.Listeners())
	assert.Equal(t, 0, env.store.Len())
}

func TestSystemInstaller_Timeout(t *testing.T) {
	sys := newFakeManager(t)
	env := newInstallEnv(t, sys, 200*time.Millisecond)

	steps := collect(env.installers.System.Install(context.Background(), env.remote("org.n", "/org.n.cpkg", 3)))
	require.NotEmpty(t, steps)
	last := steps[len(steps)-1]
	assert.Equal(t, domain.InstallError, last.State)
	assert.ErrorIs(t, last.Err, domain.ErrInstallFailed)
	assert.Equal(t, 0, sys.Listeners())
}

func TestSystemInstaller_UnloadableNativeNeverReachesManager(t *testing.T) {
	sys := newFakeManager(t)
	sys.put(t, "org.n", "Native system", 3)
	env := newInstallEnv(t, sys, 0)
	env.native.fail = errors.New("corrupt module")

	step := core.LastStep(env.installers.System.Install(context.Background(), env.remote("org.n", "/org.n-v4.cpkg", 4)))
	assert.Equal(t, domain.InstallError, step.State)
	assert.ErrorIs(t, step.Err, domain.ErrInstallFailed)
	assert.Empty(t, sys.requests, "package manager is never asked")

	m, err := native.ReadManifest(filepath.Join(sys.root, "org.n"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), m.VersionCode)
}

func TestSystemInstaller_FailureEvent(t *testing.T) {
	sys := newFakeManager(t)
	sys.respond = func(op, pkg, _ string) *pkgmgr.Event {
		return &pkgmgr.Event{Kind: pkgmgr.EventInstallFailed, Pkg: pkg, Err: assert.AnError}
	}
	env := newInstallEnv(t, sys, 0)

	step := core.LastStep(env.installers.System.Install(context.Background(), env.remote("org.n", "/org.n.cpkg", 3)))
	assert.Equal(t, domain.InstallError, step.State)
	assert.ErrorIs(t, step.Err, domain.ErrInstallFailed)
	assert.ErrorIs(t, step.Err, assert.AnError)
}

func TestInstallCatalog_UsesMode(t *testing.T) {
	sys := newFakeManager(t)
	env := newInstallEnv(t, sys, 0)
	mode := domain.InstallerLocal
	install := core.NewInstallCatalog(env.installers, func() domain.InstallerMode { return mode })
	uninstall := core.NewUninstallCatalog(env.installers)
	ctx := context.Background()

	step := core.LastStep(install.Await(ctx, env.remote("org.n", "/org.n.cpkg", 3)))
	require.Equal(t, domain.InstallCompleted, step.State)
	assert.Empty(t, sys.requests, "local mode never reaches the package manager")

	cat, _ := env.store.GetByPkgName("org.n")
	step = uninstall.Await(ctx, cat)
	require.Equal(t, domain.InstallCompleted, step.State)
	assert.Equal(t, 0, env.store.Len())
}

func TestLastStep_CancelledStream(t *testing.T) {
	ch := make(chan domain.InstallStep, 2)
	ch <- domain.InstallStep{PkgName: "org.a", State: domain.InstallDownloading}
	close(ch)

	step := core.LastStep(ch)
	assert.Equal(t, domain.InstallIdle, step.State)
	assert.Equal(t, "org.a", step.PkgName)
}

// gatedScriptLoader holds every LoadScript until gate is closed.
type gatedScriptLoader struct {
	core.ScriptLoader
	entered chan struct{}
	gate    chan struct{}
}

func (l *gatedScriptLoader) LoadScript(ctx context.Context, pkg string) (*domain.Catalog, error) {
	l.entered <- struct{}{}
	<-l.gate
	return l.ScriptLoader.LoadScript(ctx, pkg)
}

func TestAsyncLoader_UninstallWaitsForBackgroundLoad(t *testing.T) {
	env := newInstallEnv(t, nil, 0)
	ctx := context.Background()
	require.Equal(t, domain.InstallCompleted, core.LastStep(env.installers.Local.Install(ctx, env.remote("org.s", "/org.s.js", 1))).State)

	locks := core.NewKeyedMutex()
	local := core.NewLocalInstaller(core.InstallerOptions{
		ExtDir: env.ext,
		Loader: env.loader,
		Store:  env.store,
		Locks:  locks,
		Log:    zerolog.Nop(),
	})
	gated := &gatedScriptLoader{ScriptLoader: env.loader, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	async := core.NewAsyncLoader(gated, locks, zerolog.Nop())

	done := async.LoadScriptPluginsAsync(ctx, func(c *domain.Catalog) { env.store.Put(c) })
	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("background load never started")
	}

	uninstalled := make(chan domain.InstallStep, 1)
	go func() { uninstalled <- local.Uninstall(ctx, "org.s") }()
	assert.Never(t, func() bool { return len(uninstalled) > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	close(gated.gate)
	<-done
	step := <-uninstalled
	require.Equal(t, domain.InstallCompleted, step.State, "%v", step.Err)

	_, ok := env.store.GetByPkgName("org.s")
	assert.False(t, ok, "uninstalled plugin is not brought back")
	assert.False(t, env.ext.Exists("org.s"))
}

func TestLocalInstaller_CancelRemovesPartialFiles(t *testing.T) {
	env := newInstallEnv(t, nil, 0)

	started := make(chan struct{})
	release := make(chan struct{})
	stalling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Write([]byte("module.exports = {"))
		w.(http.Flusher).Flush()
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(stalling.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote := domain.CatalogRemote{PkgName: "org.s", Name: "org.s", VersionCode: 1, PkgURL: stalling.URL + "/org.s.js", Lang: "en"}
	out := env.installers.Local.Install(ctx, remote)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}
	cancel()

	steps := collect(out)
	for _, s := range steps {
		assert.NotEqual(t, domain.InstallCompleted, s.State)
	}

	staging, err := os.ReadDir(filepath.Join(env.ext.Path(), ".staging"))
	require.NoError(t, err)
	assert.Empty(t, staging, "partial download is removed")
	assert.False(t, env.ext.Exists("org.s"))
	assert.NoDirExists(t, env.ext.PkgPath("org.s"))
}
