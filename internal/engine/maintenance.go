package engine

import (
	"context"
	"errors"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/gc"
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// CollectGarbage deletes blobs that have been unreferenced for at least
// grace. A negative grace uses the configured grace period.
func (e *Engine) CollectGarbage(ctx context.Context, grace time.Duration) (*gc.Report, error) {
	if grace < 0 {
		grace = e.settings.GC.GracePeriod
	}
	return e.collector.Collect(ctx, grace)
}

// RunGarbageCollector runs the collector periodically until ctx is done.
// It returns immediately when gc.interval is zero.
func (e *Engine) RunGarbageCollector(ctx context.Context) {
	if e.settings.GC.Interval <= 0 {
		return
	}
	e.collector.Run(ctx, e.settings.GC.Interval, e.settings.GC.GracePeriod)
}

// Status summarizes the data root.
func (e *Engine) Status(ctx context.Context) (*StatusResult, error) {
	res := &StatusResult{
		Root:     e.paths.Root,
		BasePath: e.settings.BasePath,
		Mode:     e.settings.OverlayMode,
	}

	err := e.db.View(ctx, func(tx *index.Tx) error {
		rows, err := tx.ListProfiles()
		if err != nil {
			return err
		}
		res.Profiles = len(rows)

		res.Blobs, err = tx.Stats()
		return err
	})
	if err != nil {
		return nil, err
	}

	free, err := e.fs.FreeSpace(e.paths.Root)
	if err != nil {
		e.logger.Debug("free space unavailable", "error", err)
	}
	res.FreeBytes = free

	return res, nil
}

// Check re-hashes every stored blob and compares refcounts with the
// entries that reference them.
func (e *Engine) Check(ctx context.Context) (*CheckResult, error) {
	var blobs []index.Blob
	err := e.db.View(ctx, func(tx *index.Tx) error {
		var err error
		blobs, err = tx.ListBlobs()
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &CheckResult{}
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.verify(b.Hash); err != nil {
			switch {
			case errors.Is(err, apperr.ErrNotFound):
				res.Missing = append(res.Missing, b.Hash)
			case errors.Is(err, apperr.ErrIntegrity):
				res.Corrupt = append(res.Corrupt, b.Hash)
			default:
				return nil, err
			}
			e.logger.Warn("blob failed verification", "hash", b.Hash, "error", err)
			continue
		}
		res.Checked++
	}

	res.Refcounts, err = e.db.CheckRefcounts(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) verify(h string) error {
	unlock := e.blobs.Lock(h)
	defer unlock()
	return e.blobs.Verify(h)
}
