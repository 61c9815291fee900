// Package gc reclaims blobs that no overlay entry references.
//
// A blob becomes collectable once its reference count has been zero for
// longer than the grace period. The collector re-checks that condition in
// the same transaction that deletes the row, while holding the blob's
// per-hash lock, so a blob re-referenced during the scan always survives.
// It never takes profile locks and never blocks overlay mutations.
package gc

import (
	"context"
	"io/fs"
	"log/slog"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// Report summarizes one collection.
type Report struct {
	// Scanned is the number of unreferenced blobs past the grace period
	Scanned int `json:"scanned"`

	// Deleted is the number of blobs removed
	Deleted int `json:"deleted"`

	// Skipped is the number of candidates re-referenced before deletion
	Skipped int `json:"skipped"`

	// Orphans is the number of unregistered blob files removed
	Orphans int `json:"orphans"`

	BytesFreed int64 `json:"bytes_freed"`
}

// Collector deletes unreferenced blobs.
type Collector struct {
	db     *index.DB
	blobs  *blobstore.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Collector.
func New(db *index.DB, blobs *blobstore.Store, clk clock.Clock, logger *slog.Logger) *Collector {
	return &Collector{
		db:     db,
		blobs:  blobs,
		clock:  clk,
		logger: logger,
	}
}

// Collect deletes every blob whose reference count has been zero since
// before now-grace, then sweeps blob files older than grace that have no
// index row.
func (c *Collector) Collect(ctx context.Context, grace time.Duration) (*Report, error) {
	cutoff := c.clock.Now().Add(-grace)
	report := &Report{}

	var candidates []index.Blob
	if err := c.db.View(ctx, func(tx *index.Tx) error {
		var err error
		candidates, err = tx.ListCollectable(cutoff)
		return err
	}); err != nil {
		return nil, err
	}
	report.Scanned = len(candidates)

	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		deleted, err := c.collect(ctx, b.Hash, cutoff)
		if err != nil {
			return report, err
		}
		if !deleted {
			report.Skipped++
			continue
		}
		report.Deleted++
		report.BytesFreed += b.Size
	}

	if err := c.sweepOrphans(ctx, cutoff, report); err != nil {
		return report, err
	}

	c.logger.Info("garbage collection finished",
		"scanned", report.Scanned,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"orphans", report.Orphans,
		"bytes_freed", report.BytesFreed,
	)
	return report, nil
}

// collect deletes one blob if it is still collectable.
func (c *Collector) collect(ctx context.Context, h string, cutoff time.Time) (bool, error) {
	unlock := c.blobs.Lock(h)
	defer unlock()

	var deleted bool
	if err := c.db.Update(ctx, func(tx *index.Tx) error {
		var err error
		deleted, err = tx.DeleteBlobIfCollectable(h, cutoff)
		return err
	}); err != nil {
		return false, err
	}
	if !deleted {
		c.logger.Debug("blob re-referenced, skipping", "hash", h)
		return false, nil
	}

	if err := c.blobs.Delete(h); err != nil {
		return true, err
	}
	c.logger.Debug("collected blob", "hash", h)
	return true, nil
}

// sweepOrphans removes blob files left without a row, for example by a
// crash between writing the file and registering it.
func (c *Collector) sweepOrphans(ctx context.Context, cutoff time.Time, report *Report) error {
	type orphan struct {
		hash string
		size int64
	}
	var found []orphan
	if err := c.blobs.Walk(func(h string, info fs.FileInfo) error {
		if info.ModTime().Before(cutoff) {
			found = append(found, orphan{hash: h, size: info.Size()})
		}
		return nil
	}); err != nil {
		return err
	}

	for _, o := range found {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed, err := c.removeIfUnregistered(ctx, o.hash)
		if err != nil {
			return err
		}
		if removed {
			report.Orphans++
			report.BytesFreed += o.size
		}
	}
	return nil
}

func (c *Collector) removeIfUnregistered(ctx context.Context, h string) (bool, error) {
	unlock := c.blobs.Lock(h)
	defer unlock()

	var registered bool
	if err := c.db.View(ctx, func(tx *index.Tx) error {
		b, err := tx.GetBlob(h)
		registered = b != nil
		return err
	}); err != nil {
		return false, err
	}
	if registered {
		return false, nil
	}

	c.logger.Warn("removing orphan blob file", "hash", h)
	return true, c.blobs.Delete(h)
}

// Run collects every interval until ctx is done. Errors are logged and the
// loop continues.
func (c *Collector) Run(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx, grace); err != nil && ctx.Err() == nil {
				c.logger.Error("garbage collection failed", "error", err)
			}
		}
	}
}
