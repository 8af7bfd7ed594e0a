package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/novelshelf/catalogd/internal/domain"
)

// Updater checks for and applies catalog updates
type Updater struct {
	remotes *RemoteRepository
	install *InstallCatalog
}

// NewUpdater creates a new updater
func NewUpdater(remotes *RemoteRepository, install *InstallCatalog) *Updater {
	return &Updater{
		remotes: remotes,
		install: install,
	}
}

// CheckUpdates returns the index entries newer than the installed catalogs
func (u *Updater) CheckUpdates(ctx context.Context) ([]domain.CatalogRemote, error) {
	_, updatable, err := u.remotes.Diff(ctx)
	return updatable, err
}

// UpdateAll installs every available update one after another. progress,
// if set, receives every step. Failures do not stop the run; they are
// joined into the returned error.
func (u *Updater) UpdateAll(ctx context.Context, progress func(domain.InstallStep)) (int, error) {
	updates, err := u.CheckUpdates(ctx)
	if err != nil {
		return 0, err
	}

	var (
		updated int
		errs    []error
	)
	for _, remote := range updates {
		select {
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return updated, errors.Join(errs...)
		default:
		}

		var last domain.InstallStep
		for step := range u.install.Await(ctx, remote) {
			if progress != nil {
				progress(step)
			}
			last = step
		}

		switch {
		case last.State == domain.InstallCompleted:
			updated++
		case last.Err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", remote.PkgName, last.Err))
		default:
			errs = append(errs, fmt.Errorf("%s: install did not finish", remote.PkgName))
		}
	}

	if len(errs) > 0 {
		return updated, fmt.Errorf("update had %d failure(s): %w", len(errs), errors.Join(errs...))
	}
	return updated, nil
}
