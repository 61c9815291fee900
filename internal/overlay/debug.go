package overlay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/index"

	"github.com/dustin/go-humanize"
)

// DebugBlob describes how a path is backed: its overlay entry, the blob's
// location, size and reference count, and whether the stored bytes still
// hash to their key.
func (o *Overlay) DebugBlob(ctx context.Context, profile, virtualPath string) (string, error) {
	p, err := cleanPath(virtualPath)
	if err != nil {
		return "", err
	}

	var (
		st   *state
		blob *index.Blob
		refs int64
	)
	err = o.db.View(ctx, func(tx *index.Tx) error {
		if _, err := tx.MustGetProfile(profile); err != nil {
			return err
		}
		st, err = o.classify(tx, profile, p)
		if err != nil {
			return err
		}
		if st.entry == nil || st.entry.Kind != index.KindFile {
			return nil
		}
		if blob, err = tx.GetBlob(st.entry.Hash); err != nil {
			return err
		}
		refs, err = tx.CountReferences(st.entry.Hash)
		return err
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%-12s %s\n", label+":", value)
	}

	line("Profile", profile)
	line("Path", p)
	line("Source", string(st.source))

	switch {
	case st.source == SourceTombstone:
		line("Entry", "tombstone (hides base path)")
		line("Base", o.BasePath(p))
		return b.String(), nil
	case st.entry == nil:
		line("Entry", "none")
		line("Base", o.BasePath(p))
		return b.String(), nil
	}

	h := st.entry.Hash
	line("Entry", "file, updated "+humanize.Time(st.entry.UpdatedAt))
	line("Hash", h)
	line("Blob path", o.blobs.Path(h))

	if blob == nil {
		line("Index", "MISSING blob record")
	} else {
		line("Size", fmt.Sprintf("%s (%d bytes)", humanize.IBytes(uint64(blob.Size)), blob.Size))
		line("Refcount", fmt.Sprintf("%d (entries referencing: %d)", blob.RefCount, refs))
		if blob.ZeroSince != nil {
			line("Zero since", blob.ZeroSince.Format(time.RFC3339))
		}
	}

	present, err := o.blobs.Has(h)
	if err != nil {
		return "", err
	}
	if !present {
		line("On disk", "MISSING")
		return b.String(), nil
	}
	line("On disk", "yes")

	if err := o.blobs.Verify(h); err != nil {
		line("Integrity", "FAILED: "+err.Error())
	} else {
		line("Integrity", "ok")
	}

	return b.String(), nil
}
