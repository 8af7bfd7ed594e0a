package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/index/gqlindex"
	"github.com/novelshelf/catalogd/internal/index/jsonindex"
	"github.com/novelshelf/catalogd/internal/native"
	"github.com/novelshelf/catalogd/internal/network"
	"github.com/novelshelf/catalogd/internal/pkgmgr"
	"github.com/novelshelf/catalogd/internal/ratelimit"
	"github.com/novelshelf/catalogd/internal/script"
	"github.com/novelshelf/catalogd/internal/storage/config"
	"github.com/novelshelf/catalogd/internal/storage/db"
	"github.com/novelshelf/catalogd/internal/storage/extdir"
)

// ServiceConfig holds configuration for the core service
type ServiceConfig struct {
	ConfigDir string // Directory for configuration files
	DataDir   string // Directory for the database, extensions and system packages
	Log       zerolog.Logger
}

// Service is the main orchestrator for catalog operations
type Service struct {
	config   *config.Config
	db       *db.DB
	log      zerolog.Logger
	packages *pkgmgr.DirManager
	native   *native.WASMLoader
	loader   *Loader
	store    *Store
	async    *AsyncLoader
	remotes  *RemoteRepository

	installers *Installers
	install    *InstallCatalog
	uninstall  *UninstallCatalog
	updater    *Updater

	mu          sync.Mutex
	scriptsDone <-chan struct{}
	unsubscribe func()

	configDir string
	dataDir   string
}

// NewService creates a new core service instance. Catalogs are not loaded
// until Start.
func NewService(ctx context.Context, cfg ServiceConfig) (s *Service, err error) {
	log := cfg.Log

	// Load configuration
	appConfig, err := config.Load(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s = &Service{
		config:    appConfig,
		db:        database,
		log:       log,
		configDir: cfg.ConfigDir,
		dataDir:   cfg.DataDir,
	}
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	cookies, err := network.NewCookieStore(ctx, database, log)
	if err != nil {
		return nil, fmt.Errorf("restoring cookies: %w", err)
	}

	limiter := ratelimit.NewLimiter(database, ratelimit.Limits{
		Capacity:   appConfig.RateLimit.Capacity,
		RefillRate: time.Duration(appConfig.RateLimit.RefillMS) * time.Millisecond,
	}, log, ratelimit.WithOverrides(sourceLimits(appConfig)))

	clients := network.NewFactory(network.FactoryOptions{
		Jar:       cookies,
		Limiter:   limiter,
		Timeout:   appConfig.HTTPTimeout,
		UserAgent: appConfig.UserAgent,
	})

	s.packages, err = pkgmgr.NewDirManager(s.SystemDir(), log)
	if err != nil {
		return nil, fmt.Errorf("opening system packages: %w", err)
	}

	s.native, err = native.NewLoader(ctx, native.Options{
		Bridge: func(sourceID int64, m *native.Manifest) script.Bridge {
			return script.NewHostBridge(clients.ClientFor(sourceID), cookies,
				log.With().Str("plugin", m.Pkg).Logger())
		},
		Timeout: appConfig.ScriptTimeout,
		Log:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("starting native runtime: %w", err)
	}

	ext := extdir.New(s.ExtensionsDir())
	if err := ext.Sweep(); err != nil {
		log.Warn().Err(err).Msg("sweeping extensions dir")
	}

	loaderOpts := LoaderOptions{
		ExtDir:   ext,
		Packages: s.packages,
		Native:   s.native,
		Clients:  clients,
		Cookies:  cookies,
		Log:      log,
	}
	if appConfig.ScriptPlugins {
		loaderOpts.Scripts = script.NewRouter(script.Options{Timeout: appConfig.ScriptTimeout, Log: log})
	}
	s.loader = NewLoader(loaderOpts)
	s.store = NewStore(s.loader, database, log)
	locks := NewKeyedMutex()
	s.async = NewAsyncLoader(s.loader, locks, log)

	s.installers = NewInstallers(InstallerOptions{
		ExtDir:     ext,
		Packages:   s.packages,
		Loader:     s.loader,
		Store:      s.store,
		Downloader: NewDownloader(clients.Default(), 0),
		Timeout:    appConfig.InstallTimeout,
		Locks:      locks,
		Log:        log,
	})
	s.install = NewInstallCatalog(s.installers, s.InstallerMode)
	s.uninstall = NewUninstallCatalog(s.installers)

	var indexes []IndexClient
	switch {
	case appConfig.IndexURL == "":
	case appConfig.IndexKind == config.IndexGraphQL:
		indexes = append(indexes, gqlindex.NewClient(clients.Default(), appConfig.IndexURL, native.LibVersionMin))
	default:
		indexes = append(indexes, jsonindex.NewClient(clients.Default(), appConfig.IndexURL))
	}
	s.remotes = NewRemoteRepository(database, s.store, appConfig.RemoteCheckInterval, log, indexes...)
	s.updater = NewUpdater(s.remotes, s.install)

	return s, nil
}

func sourceLimits(cfg *config.Config) map[int64]ratelimit.Limits {
	out := make(map[int64]ratelimit.Limits)
	for id, entry := range cfg.SourceLimits() {
		out[id] = ratelimit.Limits{
			Capacity:   entry.Capacity,
			RefillRate: time.Duration(entry.RefillMS) * time.Millisecond,
		}
	}
	return out
}

// Start loads the native catalogs and the script stubs, then evaluates the
// script plugins in the background. Catalog changes made by other tools in
// the system packages directory are applied to the Store from here on.
func (s *Service) Start(ctx context.Context) error {
	s.store.Put(s.loader.LoadNative(ctx)...)
	s.store.Put(s.loader.LoadStubs()...)

	if _, err := s.remotes.Cached(ctx); err != nil {
		s.log.Debug().Err(err).Msg("no cached remote index")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.scriptsDone = s.async.LoadScriptPluginsAsync(ctx, func(cat *domain.Catalog) {
		s.store.Put(cat)
	})

	if s.unsubscribe == nil {
		s.unsubscribe = s.packages.Subscribe(func(ev pkgmgr.Event) {
			s.forwardPackageEvent(ctx, ev)
		})
	}
	return nil
}

// forwardPackageEvent applies a change made outside catalogd. Our own
// installs update the Store themselves.
func (s *Service) forwardPackageEvent(ctx context.Context, ev pkgmgr.Event) {
	if !ev.External {
		return
	}
	var change InstallationChange
	switch ev.Kind {
	case pkgmgr.EventInstalled:
		change = InstallationChange{Kind: SystemInstall, Pkg: ev.Pkg}
	case pkgmgr.EventUninstalled:
		change = InstallationChange{Kind: SystemUninstall, Pkg: ev.Pkg}
	default:
		return
	}
	if err := s.store.HandleInstallationChange(ctx, change); err != nil {
		s.log.Warn().Err(err).Str("pkg", ev.Pkg).Msg("applying package change")
	}
}

// Watch starts watching the system packages directory.
func (s *Service) Watch() error {
	return s.packages.Watch()
}

// WaitForScripts blocks until the background script loading of Start has
// finished or ctx is done.
func (s *Service) WaitForScripts(ctx context.Context) error {
	s.mu.Lock()
	done := s.scriptsDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases resources held by the service
func (s *Service) Close() error {
	var errs []error

	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()

	if s.store != nil {
		s.store.Close()
	}
	if s.packages != nil {
		errs = append(errs, s.packages.Close())
	}
	if s.native != nil {
		errs = append(errs, s.native.Close(context.Background()))
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Config returns the loaded configuration
func (s *Service) Config() *config.Config {
	return s.config
}

// ConfigDir returns the configuration directory
func (s *Service) ConfigDir() string {
	return s.configDir
}

// DB returns the database
func (s *Service) DB() *db.DB {
	return s.db
}

// Store returns the live catalogs
func (s *Service) Store() *Store {
	return s.store
}

// Remotes returns the remote index repository
func (s *Service) Remotes() *RemoteRepository {
	return s.remotes
}

// ExtensionsDir returns the app-private extensions directory
func (s *Service) ExtensionsDir() string {
	return s.dirOr(s.config.ExtensionsDir, "extensions")
}

// SystemDir returns the directory of the host package manager
func (s *Service) SystemDir() string {
	return s.dirOr(s.config.SystemDir, "system-packages")
}

func (s *Service) dirOr(configured, name string) string {
	if configured == "" {
		return filepath.Join(s.dataDir, name)
	}
	if strings.HasPrefix(configured, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, configured[2:])
		}
	}
	return configured
}

// Catalog returns the live catalog with the given source id
func (s *Service) Catalog(id int64) (*domain.Catalog, error) {
	cat, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: source %d", domain.ErrCatalogNotFound, id)
	}
	return cat, nil
}

// Source returns the capability surface of a live catalog
func (s *Service) Source(id int64) (domain.Source, error) {
	cat, err := s.Catalog(id)
	if err != nil {
		return nil, err
	}
	return cat.Source, nil
}

// InstallerMode returns the stored installer mode, falling back to the
// configured one.
func (s *Service) InstallerMode() domain.InstallerMode {
	mode, err := s.db.InstallerMode(s.config.InstallerMode)
	if err != nil {
		s.log.Warn().Err(err).Msg("reading installer mode")
		return s.config.InstallerMode
	}
	return mode
}

// SetInstallerMode stores the installer mode preference
func (s *Service) SetInstallerMode(mode domain.InstallerMode) error {
	return s.db.SetInstallerMode(mode)
}

// Install installs pkg from the cached remote index
func (s *Service) Install(ctx context.Context, pkg string) (<-chan domain.InstallStep, error) {
	remote, err := s.remotes.Get(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return s.install.Await(ctx, remote), nil
}

// InstallRemote installs the given index entry
func (s *Service) InstallRemote(ctx context.Context, remote domain.CatalogRemote) <-chan domain.InstallStep {
	return s.install.Await(ctx, remote)
}

// Uninstall removes the catalog installed as pkg
func (s *Service) Uninstall(ctx context.Context, pkg string) domain.InstallStep {
	cat, ok := s.store.GetByPkgName(pkg)
	if !ok {
		// Not loaded, but possibly still on disk.
		cat = &domain.Catalog{PkgName: pkg, Kind: domain.KindLocallyInstalled}
		if _, sys := s.packages.Info(pkg); sys {
			cat.Kind = domain.KindSystemInstalled
		}
	}
	return s.uninstall.Await(ctx, cat)
}

// Reload reloads a single catalog from disk
func (s *Service) Reload(ctx context.Context, pkg string) (*domain.Catalog, error) {
	return s.store.Reload(ctx, pkg)
}

// TogglePin pins or unpins a catalog
func (s *Service) TogglePin(id int64) (bool, error) {
	return s.store.TogglePin(id)
}

// Refresh updates the remote index cache
func (s *Service) Refresh(ctx context.Context, force bool) ([]domain.CatalogRemote, error) {
	return s.remotes.Refresh(ctx, force)
}

// Available returns the cached index entries that are not installed,
// optionally limited to one language.
func (s *Service) Available(ctx context.Context, lang string) ([]domain.CatalogRemote, error) {
	notInstalled, _, err := s.remotes.Diff(ctx)
	if err != nil {
		return nil, err
	}
	if lang == "" {
		return notInstalled, nil
	}
	var out []domain.CatalogRemote
	for _, r := range notInstalled {
		if strings.EqualFold(r.Lang, lang) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CheckUpdates returns the index entries newer than the installed catalogs
func (s *Service) CheckUpdates(ctx context.Context) ([]domain.CatalogRemote, error) {
	return s.updater.CheckUpdates(ctx)
}

// UpdateAll installs every available update
func (s *Service) UpdateAll(ctx context.Context, progress func(domain.InstallStep)) (int, error) {
	return s.updater.UpdateAll(ctx, progress)
}

// LastListing returns the listing last used with a source, "popular" when
// none was recorded.
func (s *Service) LastListing(sourceID int64) string {
	listing, err := s.db.LastListing(sourceID)
	if err != nil || listing == "" {
		return ListingPopular
	}
	return listing
}

// SetLastListing records the listing used with a source
func (s *Service) SetLastListing(sourceID int64, listing string) error {
	switch listing {
	case ListingPopular, ListingLatest:
	default:
		return fmt.Errorf("unknown listing %q", listing)
	}
	return s.db.SetLastListing(sourceID, listing)
}

// Listings a source can be browsed with.
const (
	ListingPopular = "popular"
	ListingLatest  = "latest"
)
