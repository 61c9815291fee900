// Package overlay implements the Overlay Resolver and the overlay mutations.
//
// A profile's logical tree is the base tree with its overlay entries laid on
// top: a file entry adds or overrides a path with blob content, a tombstone
// hides a base path (and, for a directory, everything below it). Provenance
// follows strict precedence: an entry always shadows the base.
//
// Key components:
//   - Resolve: one level of the logical tree with per-node provenance
//   - Copy/Delete/Revert/Restore/Write: transactional entry and refcount changes
//   - DebugBlob: diagnostic description of a path's blob
package overlay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/keylock"
	"github.com/danieljhkim/deltaruntime/internal/profiles"
)

// Source is the provenance of a resolved path.
type Source string

const (
	// SourceBase is served from the base tree.
	SourceBase Source = "Base"

	// SourceWorkspace is a workspace addition with no base file underneath.
	SourceWorkspace Source = "Workspace"

	// SourceWorkspaceOverride is a workspace file shadowing a base file.
	SourceWorkspaceOverride Source = "WorkspaceOverride"

	// SourceTombstone is a deleted base path.
	SourceTombstone Source = "Tombstone"
)

// Observer is notified after an overlay mutation commits.
type Observer interface {
	OverlayChanged(ctx context.Context, profile, path string)
}

// Overlay resolves and mutates profile overlays.
type Overlay struct {
	base     string
	fs       fsops.FS
	db       *index.DB
	blobs    *blobstore.Store
	locks    *keylock.Locker
	logger   *slog.Logger
	observer Observer
}

// New creates an Overlay over the base tree at base.
func New(base string, db *index.DB, blobs *blobstore.Store, fsys fsops.FS, locks *keylock.Locker, logger *slog.Logger) *Overlay {
	return &Overlay{
		base:   base,
		fs:     fsys,
		db:     db,
		blobs:  blobs,
		locks:  locks,
		logger: logger,
	}
}

// SetObserver registers the post-commit observer.
func (o *Overlay) SetObserver(obs Observer) {
	o.observer = obs
}

// BaseDir returns the base tree root.
func (o *Overlay) BaseDir() string {
	return o.base
}

// LockProfile serializes overlay mutations of one profile.
func (o *Overlay) LockProfile(profile string) func() {
	return o.locks.Lock(profiles.MutationKey(profile))
}

// BasePath returns the filesystem path of a virtual path in the base tree.
func (o *Overlay) BasePath(virtualPath string) string {
	return filepath.Join(o.base, filepath.FromSlash(virtualPath))
}

// baseStat follows symlinks in the base tree. A missing path returns nil.
func (o *Overlay) baseStat(virtualPath string) (os.FileInfo, error) {
	info, err := o.fs.Stat(o.BasePath(virtualPath))
	if err != nil {
		if os.IsNotExist(err) || isNotDir(err) {
			return nil, nil
		}
		return nil, apperr.IO(err, "stat base %s", virtualPath)
	}
	return info, nil
}

// baseHasFile reports whether the base tree has a regular file at path.
func (o *Overlay) baseHasFile(virtualPath string) (bool, error) {
	info, err := o.baseStat(virtualPath)
	if err != nil || info == nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// state is the classification of one path inside a transaction.
type state struct {
	source Source
	entry  *index.Entry
	base   os.FileInfo
}

// classify determines the current provenance of a non-root path. It fails
// with NotFound for paths that do not exist in the logical tree, including
// paths beneath a tombstoned directory.
func (o *Overlay) classify(tx *index.Tx, profile, p string) (*state, error) {
	if err := o.checkNotUnderTombstone(tx, profile, p); err != nil {
		return nil, err
	}

	entry, err := tx.GetEntry(profile, p)
	if err != nil {
		return nil, err
	}
	base, err := o.baseStat(p)
	if err != nil {
		return nil, err
	}

	st := &state{entry: entry, base: base}
	if st.resolve(false) {
		return st, nil
	}

	n, err := tx.CountEntriesUnder(profile, p, index.KindFile)
	if err != nil {
		return nil, err
	}
	if n == 0 || !st.resolve(true) {
		return nil, apperr.NotFound("path %q", p)
	}
	return st, nil
}

// resolve sets the source from the entry and base info. hasDescendants
// reports file entries beneath the path. It returns false if the path does
// not exist in the logical tree.
func (st *state) resolve(hasDescendants bool) bool {
	switch {
	case st.entry != nil && st.entry.Kind == index.KindTombstone:
		st.source = SourceTombstone
	case st.entry != nil:
		st.source = SourceWorkspace
		if st.base != nil && st.base.Mode().IsRegular() {
			st.source = SourceWorkspaceOverride
		}
	case st.base != nil:
		st.source = SourceBase
	case hasDescendants:
		st.source = SourceWorkspace
	default:
		return false
	}
	return true
}

func (st *state) isDir() bool {
	if st.entry != nil && st.entry.Kind == index.KindFile {
		return false
	}
	if st.base != nil {
		return st.base.IsDir()
	}
	// Exists only through entries beneath it.
	return st.entry == nil
}

func (o *Overlay) checkNotUnderTombstone(tx *index.Tx, profile, p string) error {
	for _, parent := range fsops.Parents(p) {
		e, err := tx.GetEntry(profile, parent)
		if err != nil {
			return err
		}
		if e != nil && e.Kind == index.KindTombstone {
			return apperr.NotFound("path %q is inside deleted directory %q", p, parent)
		}
	}
	return nil
}

func (o *Overlay) notify(ctx context.Context, profile, p string) {
	if o.observer != nil {
		o.observer.OverlayChanged(ctx, profile, p)
	}
}

// isNotDir reports a lookup through a path component that is a file.
func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}

// cleanPath validates a virtual path that must not be the root.
func cleanPath(p string) (string, error) {
	cleaned, err := fsops.CleanRelPath(p)
	if err != nil {
		return "", apperr.Validation("%v", err)
	}
	if cleaned == "" {
		return "", apperr.Validation("operation not allowed on the tree root")
	}
	return cleaned, nil
}
