package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotInstalled            = errors.New("catalog not installed")
	ErrIncompatibleVersion     = errors.New("incompatible catalog version")
	ErrDownloadFailed          = errors.New("download failed")
	ErrInstallFailed           = errors.New("install failed")
	ErrSandboxEvaluationFailed = errors.New("script evaluation failed")
	ErrEngineUnavailable       = errors.New("script engine unavailable on this platform")
	ErrRateLimited             = errors.New("rate limited, retry later")
	ErrCatalogNotFound         = errors.New("catalog not found")
	ErrSourceLoading           = errors.New("source is still loading")
	ErrPluginClosed            = errors.New("plugin closed")
	ErrIndexUnavailable        = errors.New("remote index unavailable")
)

// SourceError is a failure of a single capability call on one source.
type SourceError struct {
	SourceID int64
	Op       string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %d: %s: %v", e.SourceID, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
