// Package workspace keeps a profile's editable on-disk mirror and the
// overlay index in step.
//
// Each profile's workspace directory holds writable copies of its overlay
// file entries. The Mirror pushes index changes out to that directory; the
// Normalizer pulls edits made there back into the blob store, and the
// Watcher drives the Normalizer from filesystem events.
//
// Key components:
//   - Mirror: exports entries and follows overlay changes (overlay.Observer)
//   - Normalizer: hashes edited files into blobs and reports each change
//   - Watcher: fsnotify watch with debounce feeding the Normalizer
package workspace

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/hash"
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// Mirror writes overlay file entries into profile workspace directories.
type Mirror struct {
	paths  *config.Paths
	db     *index.DB
	blobs  *blobstore.Store
	fs     fsops.FS
	hasher hash.Hasher
	logger *slog.Logger
}

// NewMirror creates a Mirror.
func NewMirror(paths *config.Paths, db *index.DB, blobs *blobstore.Store, fsys fsops.FS, logger *slog.Logger) *Mirror {
	return &Mirror{
		paths:  paths,
		db:     db,
		blobs:  blobs,
		fs:     fsys,
		hasher: hash.NewBlake3Hasher(),
		logger: logger,
	}
}

// Export brings a profile's workspace directory in line with its entries:
// every file entry gets a writable copy and files without an entry are
// removed. Hidden files are left alone. It returns the directory.
func (m *Mirror) Export(ctx context.Context, profile string) (string, error) {
	var entries []index.Entry
	if err := m.db.View(ctx, func(tx *index.Tx) error {
		if _, err := tx.MustGetProfile(profile); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListEntries(profile)
		return err
	}); err != nil {
		return "", err
	}

	dir := m.paths.WorkspaceDir(profile)
	if err := m.fs.MkdirAll(dir, 0755); err != nil {
		return "", apperr.IO(err, "create workspace directory")
	}

	want := make(map[string]bool)
	for _, e := range entries {
		if e.Kind != index.KindFile {
			continue
		}
		want[e.Path] = true
		if err := m.place(dir, e); err != nil {
			return "", err
		}
	}

	var stale []string
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
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if !want[filepath.ToSlash(rel)] {
			stale = append(stale, p)
		}
		return nil
	})
	if err != nil {
		return "", apperr.IO(err, "scan workspace directory")
	}
	for _, p := range stale {
		if err := m.fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return "", apperr.IO(err, "remove stale workspace file")
		}
	}

	m.logger.Debug("workspace exported", "profile", profile, "files", len(want), "removed", len(stale))
	return dir, nil
}

// OverlayChanged syncs one path of the mirror after an overlay mutation.
// Failures are logged; the index stays authoritative.
func (m *Mirror) OverlayChanged(ctx context.Context, profile, path string) {
	if err := m.Sync(ctx, profile, path); err != nil {
		m.logger.Warn("failed to update workspace mirror", "profile", profile, "path", path, "error", err)
	}
}

// Sync makes the mirror copy of path match its entry.
func (m *Mirror) Sync(ctx context.Context, profile, path string) error {
	var entry *index.Entry
	if err := m.db.View(ctx, func(tx *index.Tx) error {
		var err error
		entry, err = tx.GetEntry(profile, path)
		return err
	}); err != nil {
		return err
	}

	dir := m.paths.WorkspaceDir(profile)
	if entry != nil && entry.Kind == index.KindFile {
		return m.place(dir, *entry)
	}

	dst := filepath.Join(dir, filepath.FromSlash(path))
	info, err := m.fs.Lstat(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.IO(err, "stat workspace file")
	}
	if info.IsDir() {
		return nil
	}
	return apperr.IO(m.fs.Remove(dst), "remove workspace file %s", path)
}

// place writes a writable copy of e's blob unless the mirror already holds
// the same bytes.
func (m *Mirror) place(dir string, e index.Entry) error {
	dst := filepath.Join(dir, filepath.FromSlash(e.Path))
	if info, err := m.fs.Lstat(dst); err == nil && info.Mode().IsRegular() {
		if h, err := m.hasher.HashFile(dst); err == nil && h == e.Hash {
			return nil
		}
	}
	return m.blobs.Copy(e.Hash, dst)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
