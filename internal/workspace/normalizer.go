package workspace

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/hash"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
)

// normalizedBuffer is the capacity of the normalized event stream.
const normalizedBuffer = 64

// NormalizedEvent reports that an edited workspace file was stored.
type NormalizedEvent struct {
	Profile string `json:"profile"`
	Path    string `json:"path"`
}

// Normalizer imports edits made in workspace directories into the overlay.
type Normalizer struct {
	paths  *config.Paths
	ov     *overlay.Overlay
	db     *index.DB
	fs     fsops.FS
	hasher hash.Hasher
	logger *slog.Logger
	events chan NormalizedEvent
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(paths *config.Paths, ov *overlay.Overlay, db *index.DB, fsys fsops.FS, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		paths:  paths,
		ov:     ov,
		db:     db,
		fs:     fsys,
		hasher: hash.NewBlake3Hasher(),
		logger: logger,
		events: make(chan NormalizedEvent, normalizedBuffer),
	}
}

// Events returns the normalized stream. Events are dropped while the
// buffer is full.
func (n *Normalizer) Events() <-chan NormalizedEvent {
	return n.events
}

// Scan normalizes every regular file in a profile's workspace directory
// and returns how many changed the overlay.
func (n *Normalizer) Scan(ctx context.Context, profile string) (int, error) {
	dir := n.paths.WorkspaceDir(profile)
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, apperr.NotFound("workspace directory of profile %q", profile)
		}
		return 0, apperr.IO(err, "scan workspace directory")
	}

	changed := 0
	var errs []error
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		ok, err := n.Normalize(ctx, profile, rel)
		if err != nil {
			n.logger.Warn("failed to normalize workspace file", "profile", profile, "path", rel, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// Normalize stores the workspace copy of rel if it differs from what the
// overlay holds for that path. A file shadowing a base file becomes an
// override; a new file becomes a workspace addition. It reports whether
// the overlay changed.
func (n *Normalizer) Normalize(ctx context.Context, profile, rel string) (bool, error) {
	rel, err := fsops.CleanRelPath(rel)
	if err != nil {
		return false, err
	}
	if rel == "" || hasHiddenComponent(rel) {
		return false, nil
	}

	abs := filepath.Join(n.paths.WorkspaceDir(profile), filepath.FromSlash(rel))
	info, err := n.fs.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperr.IO(err, "stat workspace file")
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}

	sum, err := n.hasher.HashFile(abs)
	if err != nil {
		return false, apperr.IO(err, "hash workspace file")
	}

	var entry *index.Entry
	if err := n.db.View(ctx, func(tx *index.Tx) error {
		var err error
		entry, err = tx.GetEntry(profile, rel)
		return err
	}); err != nil {
		return false, err
	}

	switch {
	case entry != nil && entry.Kind == index.KindTombstone:
		n.logger.Warn("ignoring workspace file at deleted path", "profile", profile, "path", rel)
		return false, nil
	case entry != nil && entry.Hash == sum:
		return false, nil
	case entry == nil:
		if baseSum, err := n.hasher.HashFile(n.ov.BasePath(rel)); err == nil && baseSum == sum {
			return false, nil
		}
	}

	f, err := os.Open(abs)
	if err != nil {
		return false, apperr.IO(err, "open workspace file")
	}
	defer f.Close()

	if err := n.ov.ImportWorkspaceFile(ctx, profile, rel, f); err != nil {
		return false, err
	}

	n.logger.Info("workspace file normalized", "profile", profile, "path", rel, "hash", sum[:8])
	select {
	case n.events <- NormalizedEvent{Profile: profile, Path: rel}:
	default:
		n.logger.Debug("normalized event dropped", "profile", profile, "path", rel)
	}
	return true, nil
}

// Removed handles a file deleted from the workspace directory: a workspace
// addition is deleted and an override is reverted. Paths that still exist
// or have no workspace entry are ignored.
func (n *Normalizer) Removed(ctx context.Context, profile, rel string) error {
	rel, err := fsops.CleanRelPath(rel)
	if err != nil {
		return err
	}
	if rel == "" || hasHiddenComponent(rel) {
		return nil
	}

	abs := filepath.Join(n.paths.WorkspaceDir(profile), filepath.FromSlash(rel))
	if ok, _ := n.fs.Exists(abs); ok {
		return nil
	}

	node, err := n.ov.Resolve(ctx, profile, rel)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}

	switch node.Source {
	case overlay.SourceWorkspace:
		if node.IsDirectory {
			return nil
		}
		err = n.ov.DeleteWorkspaceFile(ctx, profile, rel)
	case overlay.SourceWorkspaceOverride:
		err = n.ov.RevertToOriginal(ctx, profile, rel)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	n.logger.Info("workspace file removed", "profile", profile, "path", rel, "source", node.Source)
	return nil
}

func hasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if isHidden(part) {
			return true
		}
	}
	return false
}
