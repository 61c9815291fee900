// Package engine provides the core business logic for deltaruntime operations.
//
// The engine package acts as the orchestration layer between CLI commands and
// the lower-level components. It wires one SQLite overlay index, one blob
// store and one lock table into the resolver, planner, builder and collector
// so every caller shares the same lock order.
//
// Key components:
//   - Engine: Main orchestrator that coordinates all operations
//   - Profiles: create, rename, delete and open profile workspaces
//   - Overlay: the virtual file tree and its five mutations
//   - Runtime: plan and build runtimes with progress streaming
//   - Maintenance: garbage collection, integrity checks and bootstrap
package engine

import (
	"log/slog"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/builder"
	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/gc"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/keylock"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
	"github.com/danieljhkim/deltaruntime/internal/planner"
	"github.com/danieljhkim/deltaruntime/internal/profiles"
	"github.com/danieljhkim/deltaruntime/internal/workspace"
)

// Engine orchestrates all deltaruntime operations.
// It is the main API surface called by the CLI.
type Engine struct {
	paths    *config.Paths
	settings *config.Settings
	fs       fsops.FS
	clock    clock.Clock
	logger   *slog.Logger

	db         *index.DB
	locks      *keylock.Locker
	blobs      *blobstore.Store
	overlay    *overlay.Overlay
	profiles   *profiles.Manager
	planner    *planner.Planner
	builder    *builder.Builder
	collector  *gc.Collector
	mirror     *workspace.Mirror
	normalizer *workspace.Normalizer
}

// New opens the overlay index under paths and creates an Engine with the
// given dependencies. Leftover staging directories from interrupted builds
// are removed before New returns.
func New(
	paths *config.Paths,
	settings *config.Settings,
	fsys fsops.FS,
	clk clock.Clock,
	logger *slog.Logger,
) (*Engine, error) {
	if err := paths.EnsureDirectories(); err != nil {
		return nil, apperr.IO(err, "create data root")
	}

	db, err := index.Open(paths.Index, clk)
	if err != nil {
		return nil, err
	}

	locks := keylock.New()
	blobs, err := blobstore.New(paths.Blobs, db, fsys, locks, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ov := overlay.New(settings.BasePath, db, blobs, fsys, locks, logger)
	mirror := workspace.NewMirror(paths, db, blobs, fsys, logger)
	ov.SetObserver(mirror)

	plans := planner.New(settings.BasePath, paths, db, fsys, logger)

	e := &Engine{
		paths:      paths,
		settings:   settings,
		fs:         fsys,
		clock:      clk,
		logger:     logger,
		db:         db,
		locks:      locks,
		blobs:      blobs,
		overlay:    ov,
		profiles:   profiles.NewManager(paths, db, fsys, locks, logger),
		planner:    plans,
		builder:    builder.New(settings.BasePath, paths, plans, blobs, fsys, locks, clk, logger, builder.OptionsFromSettings(settings)),
		collector:  gc.New(db, blobs, clk, logger),
		mirror:     mirror,
		normalizer: workspace.NewNormalizer(paths, ov, db, fsys, logger),
	}

	if n, err := e.builder.CleanupStaging(); err != nil {
		logger.Warn("failed to clean up staging directories", "error", err)
	} else if n > 0 {
		logger.Info("removed interrupted builds", "count", n)
	}

	return e, nil
}

// Close releases the overlay index.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Paths returns the data root layout.
func (e *Engine) Paths() *config.Paths {
	return e.paths
}

// Settings returns the loaded settings.
func (e *Engine) Settings() *config.Settings {
	return e.settings
}
