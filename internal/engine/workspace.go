package engine

import (
	"context"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/workspace"
)

// Normalized streams workspace paths folded back into the overlay.
func (e *Engine) Normalized() <-chan workspace.NormalizedEvent {
	return e.normalizer.Events()
}

// ScanWorkspace normalizes every pending change in a profile's workspace
// mirror and returns how many paths changed.
func (e *Engine) ScanWorkspace(ctx context.Context, profile string) (int, error) {
	if _, err := e.profiles.Get(ctx, profile); err != nil {
		return 0, err
	}
	return e.normalizer.Scan(ctx, profile)
}

// WatchWorkspace normalizes edits to a profile's workspace mirror as they
// happen. It scans once, then blocks until ctx is done.
func (e *Engine) WatchWorkspace(ctx context.Context, profile string, debounce time.Duration) error {
	if _, err := e.ScanWorkspace(ctx, profile); err != nil {
		return err
	}
	return workspace.NewWatcher(e.normalizer, debounce, e.logger).Run(ctx, profile)
}
