package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/storage/extdir"
)

// IndexClient fetches the list of installable catalogs from a remote index.
type IndexClient interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.CatalogRemote, error)
}

// RemoteCache persists the last fetched index.
type RemoteCache interface {
	ReplaceRemoteCatalogs(ctx context.Context, remotes []domain.CatalogRemote) error
	GetRemoteCatalogs(ctx context.Context) ([]domain.CatalogRemote, error)
	LastRemoteCheck() (time.Time, error)
	SetLastRemoteCheck(t time.Time) error
}

// RemoteRepository keeps the remote index cache fresh and compares it with
// the installed catalogs.
type RemoteRepository struct {
	clients  []IndexClient
	cache    RemoteCache
	store    *Store
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRemoteRepository creates a repository. Refreshes within interval of
// the previous one are served from the cache.
func NewRemoteRepository(cache RemoteCache, store *Store, interval time.Duration, log zerolog.Logger, clients ...IndexClient) *RemoteRepository {
	return &RemoteRepository{
		clients:  clients,
		cache:    cache,
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "remote").Logger(),
	}
}

// SetClock replaces the clock used for the refresh throttle.
func (r *RemoteRepository) SetClock(now func() time.Time) {
	r.now = now
}

// Refresh fetches every index unless the last check is younger than the
// configured interval and force is false. Index failures are joined; the
// cache is only replaced when at least one index answered.
func (r *RemoteRepository) Refresh(ctx context.Context, force bool) ([]domain.CatalogRemote, error) {
	if !force && r.fresh() {
		r.log.Debug().Msg("remote index is fresh, using cache")
		return r.Cached(ctx)
	}
	if len(r.clients) == 0 {
		return nil, fmt.Errorf("%w: no index configured", domain.ErrIndexUnavailable)
	}

	var (
		merged  []domain.CatalogRemote
		errs    []error
		answers int
	)
	for _, c := range r.clients {
		remotes, err := c.Fetch(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		answers++
		merged = append(merged, remotes...)
	}

	if answers == 0 {
		cached, cacheErr := r.Cached(ctx)
		return cached, errors.Join(append([]error{domain.ErrIndexUnavailable}, append(errs, cacheErr)...)...)
	}

	remotes := r.normalize(merged)
	if err := r.cache.ReplaceRemoteCatalogs(ctx, remotes); err != nil {
		return remotes, fmt.Errorf("caching remote index: %w", err)
	}
	if err := r.cache.SetLastRemoteCheck(r.now()); err != nil {
		r.log.Warn().Err(err).Msg("saving last remote check")
	}
	if r.store != nil {
		r.store.SetRemoteVersions(remotes)
	}

	r.log.Info().Int("catalogs", len(remotes)).Msg("remote index refreshed")
	return remotes, errors.Join(errs...)
}

func (r *RemoteRepository) fresh() bool {
	if r.interval <= 0 {
		return false
	}
	last, err := r.cache.LastRemoteCheck()
	if err != nil || last.IsZero() {
		return false
	}
	return r.now().Sub(last) < r.interval
}

// normalize drops invalid entries and keeps the newest entry per pkg.
func (r *RemoteRepository) normalize(remotes []domain.CatalogRemote) []domain.CatalogRemote {
	byPkg := make(map[string]domain.CatalogRemote, len(remotes))
	for _, rc := range remotes {
		if err := extdir.ValidatePkgName(rc.PkgName); err != nil || rc.PkgURL == "" {
			r.log.Debug().Str("pkg", rc.PkgName).Msg("skipping invalid index entry")
			continue
		}
		if prev, ok := byPkg[rc.PkgName]; ok && prev.VersionCode >= rc.VersionCode {
			continue
		}
		byPkg[rc.PkgName] = rc
	}

	out := make([]domain.CatalogRemote, 0, len(byPkg))
	for _, rc := range byPkg {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PkgName < out[j].PkgName })
	return out
}

// Cached returns the cached index without touching the network.
func (r *RemoteRepository) Cached(ctx context.Context) ([]domain.CatalogRemote, error) {
	remotes, err := r.cache.GetRemoteCatalogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading remote cache: %w", err)
	}
	if r.store != nil {
		r.store.SetRemoteVersions(remotes)
	}
	return remotes, nil
}

// Get returns the cached index entry for pkg.
func (r *RemoteRepository) Get(ctx context.Context, pkg string) (domain.CatalogRemote, error) {
	remotes, err := r.cache.GetRemoteCatalogs(ctx)
	if err != nil {
		return domain.CatalogRemote{}, fmt.Errorf("reading remote cache: %w", err)
	}
	for _, rc := range remotes {
		if rc.PkgName == pkg {
			return rc, nil
		}
	}
	return domain.CatalogRemote{}, fmt.Errorf("%w: %s is not in the index", domain.ErrCatalogNotFound, pkg)
}

// Diff splits the cached index into catalogs that are not installed and
// catalogs whose installed version is older.
func (r *RemoteRepository) Diff(ctx context.Context) (notInstalled, updatable []domain.CatalogRemote, err error) {
	remotes, err := r.Cached(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, rc := range remotes {
		cat, ok := r.store.GetByPkgName(rc.PkgName)
		switch {
		case !ok:
			notInstalled = append(notInstalled, rc)
		case rc.VersionCode > cat.VersionCode:
			updatable = append(updatable, rc)
		}
	}
	return notInstalled, updatable, nil
}
