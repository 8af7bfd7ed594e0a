package script

import (
	"context"
	"fmt"

	"github.com/novelshelf/catalogd/internal/domain"
)

// UnavailableEngine stands in where no script engine is compiled in.
// It fails with domain.ErrEngineUnavailable so callers can tell
// "cannot execute" apart from "no results".
type UnavailableEngine struct {
	Reason string
}

func (e UnavailableEngine) Name() string { return "unavailable" }

// LoadPlugin always fails.
func (e UnavailableEngine) LoadPlugin(_ context.Context, _ []byte, pluginID string, _ Bridge) (Plugin, error) {
	if e.Reason == "" {
		return nil, fmt.Errorf("%w: cannot load %s", domain.ErrEngineUnavailable, pluginID)
	}
	return nil, fmt.Errorf("%w: cannot load %s: %s", domain.ErrEngineUnavailable, pluginID, e.Reason)
}
