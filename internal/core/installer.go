package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/native"
	"github.com/novelshelf/catalogd/internal/pkgmgr"
	"github.com/novelshelf/catalogd/internal/script"
	"github.com/novelshelf/catalogd/internal/storage/extdir"
)

// DefaultInstallTimeout bounds each download and each package manager wait
// when no timeout is configured.
const DefaultInstallTimeout = 2 * time.Minute

// Installer installs and uninstalls catalogs.
type Installer interface {
	// Install streams the progress of installing remote. The channel is
	// closed after the finished step, or without one once ctx is done.
	Install(ctx context.Context, remote domain.CatalogRemote) <-chan domain.InstallStep
	// Uninstall removes pkg and its catalog.
	Uninstall(ctx context.Context, pkg string) domain.InstallStep
}

// InstallLoader is what the installers need from the Loader.
type InstallLoader interface {
	CatalogLoader
	EvaluateScript(ctx context.Context, path, pkg string) (script.Plugin, error)
	VerifyNative(ctx context.Context, pkg, dir string) error
}

// InstallerOptions configures the installers. Locks should be shared by
// every installer so operations on one pkg never overlap.
type InstallerOptions struct {
	ExtDir     *extdir.Dir
	Packages   pkgmgr.Manager
	Loader     InstallLoader
	Store      *Store
	Downloader *Downloader
	Timeout    time.Duration
	Locks      *KeyedMutex
	Log        zerolog.Logger
}

type installDeps struct {
	ext        *extdir.Dir
	packages   pkgmgr.Manager
	loader     InstallLoader
	store      *Store
	downloader *Downloader
	timeout    time.Duration
	locks      *KeyedMutex
	log        zerolog.Logger
}

func newInstallDeps(opts InstallerOptions, component string) installDeps {
	d := installDeps{
		ext:        opts.ExtDir,
		packages:   opts.Packages,
		loader:     opts.Loader,
		store:      opts.Store,
		downloader: opts.Downloader,
		timeout:    opts.Timeout,
		locks:      opts.Locks,
		log:        opts.Log.With().Str("component", component).Logger(),
	}
	if d.timeout <= 0 {
		d.timeout = DefaultInstallTimeout
	}
	if d.locks == nil {
		d.locks = NewKeyedMutex()
	}
	if d.downloader == nil {
		d.downloader = NewDownloader(nil, 0)
	}
	return d
}

// Installers picks the strategy for a remote.
type Installers struct {
	Local  *LocalInstaller
	System *SystemInstaller // Nil without a package manager
}

// NewInstallers creates both strategies over one set of options.
func NewInstallers(opts InstallerOptions) *Installers {
	if opts.Locks == nil {
		opts.Locks = NewKeyedMutex()
	}
	i := &Installers{Local: NewLocalInstaller(opts)}
	if opts.Packages != nil {
		i.System = NewSystemInstaller(opts)
	}
	return i
}

// InstallerFor returns the installer for remote under mode. Script plugins
// always install locally.
func (i *Installers) InstallerFor(remote domain.CatalogRemote, mode domain.InstallerMode) Installer {
	if remote.Kind() == domain.KindScriptPlugin || mode == domain.InstallerLocal || i.System == nil {
		return i.Local
	}
	return i.System
}

// UninstallerFor returns the installer that owns an installed catalog.
func (i *Installers) UninstallerFor(cat *domain.Catalog) Installer {
	if cat.Kind == domain.KindSystemInstalled && i.System != nil {
		return i.System
	}
	return i.Local
}

// run drives one install on its own goroutine: lock the pkg, then body.
func (d *installDeps) run(ctx context.Context, pkg string, body func(ctx context.Context, f *installFlow) error) <-chan domain.InstallStep {
	out := make(chan domain.InstallStep, 4)

	go func() {
		defer close(out)

		f, err := newInstallFlow(ctx, pkg, out)
		if err != nil {
			d.log.Error().Err(err).Msg("building install flow")
			select {
			case out <- domain.InstallStep{PkgName: pkg, State: domain.InstallError, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		defer f.stop()

		unlock, err := d.locks.Lock(ctx, pkg)
		if err != nil {
			return
		}
		defer unlock()

		f.start()
		if err := body(ctx, f); err != nil {
			if ctx.Err() == nil {
				d.log.Warn().Err(err).Str("pkg", pkg).Msg("install failed")
			}
			f.fail(err)
			return
		}
		f.installed()
	}()

	return out
}

// download fetches rawURL into dest, bounded by the install timeout.
func (d *installDeps) download(ctx context.Context, rawURL, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.downloader.Download(ctx, rawURL, dest, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %s", domain.ErrDownloadFailed, d.timeout)
		}
		return err
	}
	d.log.Debug().Str("url", rawURL).Int64("bytes", res.Size).Str("md5", res.Checksum).Msg("downloaded")
	return nil
}

// fetchIcon caches the icon of remote in dir unless the package ships one.
func (d *installDeps) fetchIcon(ctx context.Context, remote domain.CatalogRemote, dir string) {
	dest := filepath.Join(dir, native.IconFile)
	if remote.IconURL == "" || fileExists(dest) {
		return
	}
	u, err := url.Parse(remote.IconURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	if err := d.download(ctx, remote.IconURL, dest); err != nil {
		d.log.Debug().Err(err).Str("pkg", remote.PkgName).Msg("caching icon")
	}
}

// LocalInstaller unpacks catalogs into the extensions directory.
type LocalInstaller struct {
	installDeps
}

// NewLocalInstaller creates the local-file strategy.
func NewLocalInstaller(opts InstallerOptions) *LocalInstaller {
	return &LocalInstaller{installDeps: newInstallDeps(opts, "local-installer")}
}

// Install implements Installer.
func (i *LocalInstaller) Install(ctx context.Context, remote domain.CatalogRemote) <-chan domain.InstallStep {
	return i.run(ctx, remote.PkgName, func(ctx context.Context, f *installFlow) error {
		return i.install(ctx, remote, f)
	})
}

func (i *LocalInstaller) install(ctx context.Context, remote domain.CatalogRemote, f *installFlow) error {
	pkg := remote.PkgName
	log := i.log.With().Str("pkg", pkg).Str("op", uuid.NewString()).Logger()

	staged, err := i.ext.Stage(pkg)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staged)
		}
	}()

	payload := filepath.Join(staged, pkg+remote.PayloadExt())
	log.Debug().Str("url", remote.PkgURL).Msg("downloading")
	if err := i.download(ctx, remote.PkgURL, payload); err != nil {
		return err
	}
	f.downloaded()

	var meta extdir.Meta
	if remote.Kind() == domain.KindScriptPlugin {
		meta, err = i.verifyScript(ctx, remote, payload)
	} else {
		meta, err = i.unpackNative(remote, payload, staged)
		if err == nil {
			err = i.verifyNative(ctx, pkg, staged)
		}
	}
	if err != nil {
		return err
	}

	i.fetchIcon(ctx, remote, staged)
	if err := extdir.WriteMeta(staged, meta); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	sw, err := i.ext.Swap(pkg, staged)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}
	committed = true

	i.loader.ClearCache(pkg)
	cat, err := i.loader.LoadLocal(ctx, pkg)
	if err != nil {
		if rerr := sw.Restore(); rerr != nil {
			log.Error().Err(rerr).Msg("restoring previous version")
		}
		i.loader.ClearCache(pkg)
		return fmt.Errorf("%w: loading %s: %w", domain.ErrInstallFailed, pkg, err)
	}
	sw.Keep()
	i.store.Put(cat)
	log.Info().Int64("source_id", cat.SourceID).Str("version", cat.VersionName).Msg("catalog installed")
	return nil
}

// verifyScript evaluates a downloaded script once and returns its sidecar.
func (i *LocalInstaller) verifyScript(ctx context.Context, remote domain.CatalogRemote, payload string) (extdir.Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	plugin, err := i.loader.EvaluateScript(ctx, payload, remote.PkgName)
	if err != nil {
		return extdir.Meta{}, fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}
	defer plugin.Close()

	m := plugin.Metadata()
	return extdir.Meta{
		SourceID:    ScriptSourceID(m),
		PkgName:     remote.PkgName,
		Name:        m.Name,
		Description: firstNonEmpty(m.Description, remote.Description),
		Lang:        m.Lang,
		VersionName: firstNonEmpty(m.Version, remote.VersionName),
		VersionCode: remote.VersionCode,
		IconURL:     firstNonEmpty(m.Icon, remote.IconURL),
		NSFW:        m.NSFW || remote.NSFW,
		Site:        m.Site,
		APIVersion:  m.APIVersion,
	}, nil
}

// verifyNative instantiates the package unpacked in dir before it may
// replace an installed version.
func (d *installDeps) verifyNative(ctx context.Context, pkg, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.loader.VerifyNative(ctx, pkg, dir); err != nil {
		if errors.Is(err, domain.ErrInstallFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}
	return nil
}

func (i *LocalInstaller) unpackNative(remote domain.CatalogRemote, archive, staged string) (extdir.Meta, error) {
	m, err := native.Unpack(archive, staged)
	if err != nil {
		return extdir.Meta{}, err
	}
	if m.Pkg != remote.PkgName {
		return extdir.Meta{}, fmt.Errorf("%w: archive holds %q, not %q", domain.ErrInstallFailed, m.Pkg, remote.PkgName)
	}
	return extdir.Meta{
		SourceID:    m.ResolvedSourceID(),
		PkgName:     m.Pkg,
		Name:        m.Name,
		Description: m.Description,
		Lang:        m.Lang,
		VersionName: m.VersionName,
		VersionCode: m.VersionCode,
		IconURL:     firstNonEmpty(m.Icon, remote.IconURL),
		NSFW:        m.NSFW,
	}, nil
}

// Uninstall implements Installer.
func (i *LocalInstaller) Uninstall(ctx context.Context, pkg string) domain.InstallStep {
	unlock, err := i.locks.Lock(ctx, pkg)
	if err != nil {
		return failedStep(pkg, err)
	}
	defer unlock()

	if extdir.ValidatePkgName(pkg) != nil || !i.ext.Exists(pkg) {
		return failedStep(pkg, fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg))
	}
	if err := i.ext.Delete(pkg); err != nil {
		return failedStep(pkg, err)
	}
	if err := i.store.HandleInstallationChange(ctx, InstallationChange{Kind: LocalUninstall, Pkg: pkg}); err != nil {
		i.log.Warn().Err(err).Str("pkg", pkg).Msg("updating store after uninstall")
	}
	i.log.Info().Str("pkg", pkg).Msg("catalog uninstalled")
	return domain.InstallStep{PkgName: pkg, State: domain.InstallCompleted}
}

// SystemInstaller hands packages to the host package manager.
type SystemInstaller struct {
	installDeps
}

// NewSystemInstaller creates the package-manager strategy. opts.Packages
// must be set.
func NewSystemInstaller(opts InstallerOptions) *SystemInstaller {
	return &SystemInstaller{installDeps: newInstallDeps(opts, "system-installer")}
}

// Install implements Installer.
func (i *SystemInstaller) Install(ctx context.Context, remote domain.CatalogRemote) <-chan domain.InstallStep {
	return i.run(ctx, remote.PkgName, func(ctx context.Context, f *installFlow) error {
		return i.install(ctx, remote, f)
	})
}

func (i *SystemInstaller) install(ctx context.Context, remote domain.CatalogRemote, f *installFlow) error {
	pkg := remote.PkgName
	log := i.log.With().Str("pkg", pkg).Str("op", uuid.NewString()).Logger()

	staged, err := i.ext.Stage(pkg)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}
	defer os.RemoveAll(staged)

	archive := filepath.Join(staged, pkg+domain.PackageExt)
	log.Debug().Str("url", remote.PkgURL).Msg("downloading")
	if err := i.download(ctx, remote.PkgURL, archive); err != nil {
		return err
	}
	f.downloaded()

	check := filepath.Join(staged, "check")
	m, err := native.Unpack(archive, check)
	if err != nil {
		return err
	}
	if m.Pkg != pkg {
		return fmt.Errorf("%w: archive holds %q, not %q", domain.ErrInstallFailed, m.Pkg, pkg)
	}
	if err := i.verifyNative(ctx, pkg, check); err != nil {
		return err
	}

	ev, err := i.await(ctx, pkg, pkgmgr.EventInstalled, pkgmgr.EventInstallFailed, func(ctx context.Context) error {
		return i.packages.Install(ctx, pkg, archive)
	})
	if err != nil {
		return err
	}
	if ev.Kind == pkgmgr.EventInstallFailed {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, ev.Err)
	}

	if err := i.store.HandleInstallationChange(ctx, InstallationChange{Kind: SystemInstall, Pkg: pkg}); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInstallFailed, err)
	}
	log.Info().Msg("catalog installed")
	return nil
}

// await subscribes for the outcome of pkg, runs start and waits for one of
// the two event kinds. The subscription is removed on every path.
func (i *SystemInstaller) await(ctx context.Context, pkg string, ok, failed pkgmgr.EventKind, start func(context.Context) error) (pkgmgr.Event, error) {
	events := make(chan pkgmgr.Event, 1)
	cancel := i.packages.Subscribe(func(ev pkgmgr.Event) {
		if ev.Pkg != pkg || (ev.Kind != ok && ev.Kind != failed) {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	waitCtx, stop := context.WithTimeout(ctx, i.timeout)
	defer stop()

	if err := start(waitCtx); err != nil {
		return pkgmgr.Event{}, err
	}

	select {
	case ev := <-events:
		return ev, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return pkgmgr.Event{}, ctx.Err()
		}
		return pkgmgr.Event{}, fmt.Errorf("%w: no answer from package manager after %s", domain.ErrInstallFailed, i.timeout)
	}
}

// Uninstall implements Installer.
func (i *SystemInstaller) Uninstall(ctx context.Context, pkg string) domain.InstallStep {
	unlock, err := i.locks.Lock(ctx, pkg)
	if err != nil {
		return failedStep(pkg, err)
	}
	defer unlock()

	if _, ok := i.packages.Info(pkg); !ok {
		return failedStep(pkg, fmt.Errorf("%w: %s", domain.ErrNotInstalled, pkg))
	}

	ev, err := i.await(ctx, pkg, pkgmgr.EventUninstalled, pkgmgr.EventUninstallFailed, func(ctx context.Context) error {
		return i.packages.Uninstall(ctx, pkg)
	})
	if err != nil {
		return failedStep(pkg, err)
	}
	if ev.Kind == pkgmgr.EventUninstallFailed {
		return failedStep(pkg, ev.Err)
	}

	if err := i.store.HandleInstallationChange(ctx, InstallationChange{Kind: SystemUninstall, Pkg: pkg}); err != nil {
		i.log.Warn().Err(err).Str("pkg", pkg).Msg("updating store after uninstall")
	}
	i.log.Info().Str("pkg", pkg).Msg("catalog uninstalled")
	return domain.InstallStep{PkgName: pkg, State: domain.InstallCompleted}
}

func failedStep(pkg string, err error) domain.InstallStep {
	return domain.InstallStep{PkgName: pkg, State: domain.InstallError, Err: err}
}

// Install flow states and events. Both finished states have no outgoing
// transitions.
const (
	flowIdle        = "idle"
	flowDownloading = "downloading"
	flowInstalling  = "installing"
	flowCompleted   = "completed"
	flowError       = "error"

	evtStart      = "START"
	evtDownloaded = "DOWNLOADED"
	evtInstalled  = "INSTALLED"
	evtFail       = "FAIL"
)

type flowContext struct {
	Err error
}

// installFlow turns the progress of one install into InstallSteps.
type installFlow struct {
	pkg    string
	ctx    context.Context
	out    chan<- domain.InstallStep
	interp *statekit.Interpreter[flowContext]
	last   domain.InstallState
	err    error
}

func newInstallFlow(ctx context.Context, pkg string, out chan<- domain.InstallStep) (*installFlow, error) {
	f := &installFlow{pkg: pkg, ctx: ctx, out: out, last: domain.InstallIdle}

	machine, err := statekit.NewMachine[flowContext]("install-flow").
		WithInitial(flowIdle).
		WithContext(flowContext{}).
		WithAction("recordError", func(c *flowContext, e statekit.Event) {
			if err, ok := e.Payload.(error); ok {
				c.Err = err
				f.err = err
			}
		}).
		State(flowIdle).
		On(evtStart).Target(flowDownloading).
		On(evtFail).Target(flowError).Done().
		State(flowDownloading).
		On(evtDownloaded).Target(flowInstalling).
		On(evtFail).Target(flowError).Done().
		State(flowInstalling).
		On(evtInstalled).Target(flowCompleted).
		On(evtFail).Target(flowError).Done().
		State(flowCompleted).Done().
		State(flowError).
		OnEntry("recordError").Done().
		Build()
	if err != nil {
		return nil, err
	}

	f.interp = statekit.NewInterpreter(machine)
	f.interp.Start()
	return f, nil
}

func (f *installFlow) start()      { f.send(evtStart, nil) }
func (f *installFlow) downloaded() { f.send(evtDownloaded, nil) }
func (f *installFlow) installed()  { f.send(evtInstalled, nil) }
func (f *installFlow) fail(err error) {
	f.send(evtFail, err)
}

func (f *installFlow) stop() {
	f.interp.Stop()
}

// State returns the current position of the flow.
func (f *installFlow) State() domain.InstallState {
	return domain.InstallState(f.interp.State().Value)
}

func (f *installFlow) send(event statekit.EventType, payload any) {
	f.interp.Send(statekit.Event{Type: event, Payload: payload})

	state := f.State()
	if state == f.last {
		return
	}
	f.last = state

	step := domain.InstallStep{PkgName: f.pkg, State: state}
	if state == domain.InstallError {
		step.Err = f.err
	}
	// A cancelled stream emits nothing further.
	if f.ctx.Err() != nil {
		return
	}
	select {
	case f.out <- step:
	case <-f.ctx.Done():
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
