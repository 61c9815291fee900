package overlay

import (
	"context"
	"errors"
	"io"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// mutation runs fn under the profile's mutation scope after validating the
// path and the profile, then notifies the observer if fn succeeded.
func (o *Overlay) mutation(ctx context.Context, op, profile, virtualPath string, fn func(p string) error) error {
	p, err := cleanPath(virtualPath)
	if err != nil {
		return err
	}

	unlock := o.LockProfile(profile)
	defer unlock()

	if err := o.db.View(ctx, func(tx *index.Tx) error {
		_, err := tx.MustGetProfile(profile)
		return err
	}); err != nil {
		return err
	}

	if err := fn(p); err != nil {
		o.logger.Debug("overlay mutation rejected", "op", op, "profile", profile, "path", p, "error", err)
		return err
	}

	o.logger.Info("overlay updated", "op", op, "profile", profile, "path", p)
	o.notify(ctx, profile, p)
	return nil
}

// current classifies p in its own read transaction.
func (o *Overlay) current(ctx context.Context, profile, p string) (*state, error) {
	var st *state
	err := o.db.View(ctx, func(tx *index.Tx) error {
		var err error
		st, err = o.classify(tx, profile, p)
		return err
	})
	return st, err
}

// CopyToWorkspace stores the base file's bytes as a blob and publishes a
// WorkspaceOverride entry for it. The path must currently resolve to a
// base file.
func (o *Overlay) CopyToWorkspace(ctx context.Context, profile, virtualPath string) error {
	return o.mutation(ctx, "copy", profile, virtualPath, func(p string) error {
		st, err := o.current(ctx, profile, p)
		if err != nil {
			return err
		}
		if st.source != SourceBase {
			return apperr.Validation("%q is %s, only base files can be copied to the workspace", p, st.source)
		}
		if !st.base.Mode().IsRegular() {
			return apperr.Validation("%q is not a regular file", p)
		}

		_, err = o.blobs.PutFile(ctx, o.BasePath(p), func(tx *index.Tx, b blobstore.Blob) error {
			if e, err := tx.GetEntry(profile, p); err != nil {
				return err
			} else if e != nil {
				return apperr.Validation("%q already has an overlay entry", p)
			}
			if err := tx.IncrementRef(b.Hash); err != nil {
				return err
			}
			return tx.PutEntry(index.Entry{Profile: profile, Path: p, Kind: index.KindFile, Hash: b.Hash})
		})
		return err
	})
}

// DeleteWorkspaceFile removes a pure workspace addition.
func (o *Overlay) DeleteWorkspaceFile(ctx context.Context, profile, virtualPath string) error {
	return o.mutation(ctx, "delete-workspace", profile, virtualPath, func(p string) error {
		return o.removeFileEntry(ctx, profile, p, SourceWorkspace)
	})
}

// RevertToOriginal removes a workspace override, making the base file
// visible again.
func (o *Overlay) RevertToOriginal(ctx context.Context, profile, virtualPath string) error {
	return o.mutation(ctx, "revert", profile, virtualPath, func(p string) error {
		return o.removeFileEntry(ctx, profile, p, SourceWorkspaceOverride)
	})
}

// DeleteVirtualFile hides a base path behind a tombstone, or removes a
// workspace entry (deleting an addition, reverting an override). The path
// is classified in the same transaction that changes it.
func (o *Overlay) DeleteVirtualFile(ctx context.Context, profile, virtualPath string) error {
	return o.mutation(ctx, "delete", profile, virtualPath, func(p string) error {
		return o.db.Update(ctx, func(tx *index.Tx) error {
			st, err := o.classify(tx, profile, p)
			if err != nil {
				return err
			}

			switch st.source {
			case SourceWorkspace, SourceWorkspaceOverride:
				if st.entry == nil {
					return apperr.Validation("%q is a workspace directory; delete its files instead", p)
				}
				return dropFileEntry(tx, profile, p, st.entry)
			case SourceTombstone:
				return apperr.Validation("%q is already deleted", p)
			}

			if st.base.IsDir() {
				n, err := tx.CountEntriesUnder(profile, p, index.KindFile)
				if err != nil {
					return err
				}
				if n > 0 {
					return apperr.Validation("directory %q contains %d workspace files; remove them first", p, n)
				}
				// Tombstones below are subsumed by the directory tombstone.
				under, err := tx.ListEntriesUnder(profile, p)
				if err != nil {
					return err
				}
				for _, e := range under {
					if _, err := tx.DeleteEntry(profile, e.Path); err != nil {
						return err
					}
				}
			}
			return tx.PutEntry(index.Entry{Profile: profile, Path: p, Kind: index.KindTombstone})
		})
	})
}

// RestoreDeletedFile removes a tombstone, making the base path visible again.
func (o *Overlay) RestoreDeletedFile(ctx context.Context, profile, virtualPath string) error {
	return o.mutation(ctx, "restore", profile, virtualPath, func(p string) error {
		return o.db.Update(ctx, func(tx *index.Tx) error {
			st, err := o.classify(tx, profile, p)
			if err != nil {
				return err
			}
			if st.source != SourceTombstone {
				return apperr.Validation("%q is %s, only deleted paths can be restored", p, st.source)
			}
			_, err = tx.DeleteEntry(profile, p)
			return err
		})
	})
}

// WriteWorkspaceFile stores r as the content of a workspace path. The path
// must be an existing workspace file (addition or override) or a new path
// absent from both the overlay and the base tree.
func (o *Overlay) WriteWorkspaceFile(ctx context.Context, profile, virtualPath string, r io.Reader) error {
	return o.mutation(ctx, "write", profile, virtualPath, func(p string) error {
		return o.write(ctx, profile, p, r, false)
	})
}

// ImportWorkspaceFile is WriteWorkspaceFile that also accepts a base file,
// turning it into a workspace override of the given content in one step.
func (o *Overlay) ImportWorkspaceFile(ctx context.Context, profile, virtualPath string, r io.Reader) error {
	return o.mutation(ctx, "import", profile, virtualPath, func(p string) error {
		return o.write(ctx, profile, p, r, true)
	})
}

func (o *Overlay) write(ctx context.Context, profile, p string, r io.Reader, allowBase bool) error {
	if err := o.checkWritable(ctx, profile, p, allowBase); err != nil {
		return err
	}

	_, err := o.blobs.Put(ctx, r, func(tx *index.Tx, b blobstore.Blob) error {
		old, err := tx.GetEntry(profile, p)
		if err != nil {
			return err
		}
		if old != nil && old.Kind != index.KindFile {
			return apperr.Validation("%q is deleted; restore it first", p)
		}
		if old != nil && old.Hash == b.Hash {
			return nil
		}

		if err := tx.IncrementRef(b.Hash); err != nil {
			return err
		}
		if err := tx.PutEntry(index.Entry{Profile: profile, Path: p, Kind: index.KindFile, Hash: b.Hash}); err != nil {
			return err
		}
		if old != nil {
			return tx.DecrementRef(old.Hash)
		}
		return nil
	})
	return err
}

// checkWritable validates that p can hold workspace content.
func (o *Overlay) checkWritable(ctx context.Context, profile, p string, allowBase bool) error {
	st, err := o.current(ctx, profile, p)
	if err == nil {
		switch {
		case st.isDir():
			return apperr.Validation("%q is a directory", p)
		case st.source == SourceBase && !allowBase:
			return apperr.Validation("%q is a base file; copy it to the workspace first", p)
		case st.source == SourceTombstone:
			return apperr.Validation("%q is deleted; restore it first", p)
		}
		return nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	// New path: every ancestor must be a directory in the logical tree.
	return o.db.View(ctx, func(tx *index.Tx) error {
		for _, parent := range fsops.Parents(p) {
			e, err := tx.GetEntry(profile, parent)
			if err != nil {
				return err
			}
			if e != nil && e.Kind == index.KindTombstone {
				return apperr.Validation("%q is inside deleted directory %q", p, parent)
			}
			if e != nil {
				return apperr.Validation("%q is a file, not a directory", parent)
			}
			info, err := o.baseStat(parent)
			if err != nil {
				return err
			}
			if info != nil && !info.IsDir() {
				return apperr.Validation("%q is a file, not a directory", parent)
			}
		}
		return nil
	})
}

// removeFileEntry deletes the file entry at p, which must currently have
// the source want, and releases its blob reference in the same transaction.
func (o *Overlay) removeFileEntry(ctx context.Context, profile, p string, want Source) error {
	return o.db.Update(ctx, func(tx *index.Tx) error {
		st, err := o.classify(tx, profile, p)
		if err != nil {
			return err
		}
		if st.source != want || st.entry == nil {
			switch want {
			case SourceWorkspace:
				return apperr.Validation("%q is %s, only workspace additions can be deleted", p, st.source)
			default:
				return apperr.Validation("%q is %s, only workspace overrides can be reverted", p, st.source)
			}
		}
		return dropFileEntry(tx, profile, p, st.entry)
	})
}

// dropFileEntry deletes a file entry and releases its blob reference.
func dropFileEntry(tx *index.Tx, profile, p string, e *index.Entry) error {
	if _, err := tx.DeleteEntry(profile, p); err != nil {
		return err
	}
	return tx.DecrementRef(e.Hash)
}
