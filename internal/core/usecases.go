package core

import (
	"context"

	"github.com/novelshelf/catalogd/internal/domain"
)

// ModeFunc returns the installer mode currently in effect.
type ModeFunc func() domain.InstallerMode

// InstallCatalog installs a remote catalog with the strategy the current
// installer mode selects.
type InstallCatalog struct {
	installers *Installers
	mode       ModeFunc
}

// NewInstallCatalog creates the use case. A nil mode means system mode.
func NewInstallCatalog(installers *Installers, mode ModeFunc) *InstallCatalog {
	if mode == nil {
		mode = func() domain.InstallerMode { return domain.InstallerSystem }
	}
	return &InstallCatalog{installers: installers, mode: mode}
}

// Await starts the install and returns its progress stream.
func (u *InstallCatalog) Await(ctx context.Context, remote domain.CatalogRemote) <-chan domain.InstallStep {
	return u.installers.InstallerFor(remote, u.mode()).Install(ctx, remote)
}

// UninstallCatalog removes an installed catalog with the strategy that
// installed it.
type UninstallCatalog struct {
	installers *Installers
}

// NewUninstallCatalog creates the use case.
func NewUninstallCatalog(installers *Installers) *UninstallCatalog {
	return &UninstallCatalog{installers: installers}
}

// Await uninstalls cat and returns the finished step.
func (u *UninstallCatalog) Await(ctx context.Context, cat *domain.Catalog) domain.InstallStep {
	return u.installers.UninstallerFor(cat).Uninstall(ctx, cat.PkgName)
}

// LastStep drains steps and returns the finished one. It returns an Idle
// step when the stream closed early, as a cancelled one does.
func LastStep(steps <-chan domain.InstallStep) domain.InstallStep {
	var last domain.InstallStep
	for step := range steps {
		last = step
	}
	if !last.IsFinished() {
		return domain.InstallStep{PkgName: last.PkgName, State: domain.InstallIdle}
	}
	return last
}
