// Package pkgmgr adapts the host package manager: the place where
// system-wide catalog packages are registered. Install and Uninstall are
// asynchronous and report their outcome through subscribed listeners.
package pkgmgr

import (
	"context"
	"fmt"
)

// EventKind is the outcome reported for a package operation
type EventKind int

const (
	EventInstalled EventKind = iota
	EventInstallFailed
	EventUninstalled
	EventUninstallFailed
)

func (k EventKind) String() string {
	switch k {
	case EventInstalled:
		return "installed"
	case EventInstallFailed:
		return "install-failed"
	case EventUninstalled:
		return "uninstalled"
	case EventUninstallFailed:
		return "uninstall-failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to listeners when a package changes
type Event struct {
	Kind EventKind
	Pkg  string
	Err  error // Set for the failure kinds

	// External is set when another tool changed the packages directory.
	External bool
}

// Package is a system-installed package
type Package struct {
	Name string
	Dir  string
}

// Manager is the host package manager contract
type Manager interface {
	// Installed lists the registered packages
	Installed() ([]Package, error)
	// Info returns a single registered package
	Info(pkg string) (Package, bool)
	// Install registers the .cpkg at archivePath. It returns once the
	// request is accepted; the outcome arrives as an event.
	Install(ctx context.Context, pkg, archivePath string) error
	// Uninstall unregisters pkg; the outcome arrives as an event.
	Uninstall(ctx context.Context, pkg string) error
	// Subscribe adds a listener. The returned func removes it and may be
	// called more than once.
	Subscribe(fn func(Event)) (cancel func())
}
