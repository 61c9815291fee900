package index

import (
	"database/sql"
	"errors"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
)

// Blob is the reference-count record of a stored blob.
type Blob struct {
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	RefCount int64  `json:"refcount"`

	// ZeroSince is when the count last dropped to zero (or the blob was
	// registered unreferenced). Nil while referenced.
	ZeroSince *time.Time `json:"zero_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

const blobColumns = `hash, size, refcount, zero_since, created_at`

// GetBlob returns the blob record, or nil if the blob is not registered.
func (t *Tx) GetBlob(hash string) (*Blob, error) {
	row := t.tx.QueryRow(`SELECT `+blobColumns+` FROM blobs WHERE hash = ?`, hash)
	b, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IO(err, "get blob %s", hash)
	}
	return b, nil
}

// RegisterBlob records a stored blob. New blobs start unreferenced; an
// existing unreferenced blob has its grace period restarted.
func (t *Tx) RegisterBlob(hash string, size int64) error {
	now := toNanos(t.now)
	_, err := t.tx.Exec(`
		INSERT INTO blobs (hash, size, refcount, zero_since, created_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			zero_since = CASE WHEN blobs.refcount = 0 THEN excluded.zero_since ELSE NULL END
	`, hash, size, now, now)
	return apperr.IO(err, "register blob %s", hash)
}

// IncrementRef adds one reference. Fails with NotFound if the blob is not
// registered (for example, collected since it was stored).
func (t *Tx) IncrementRef(hash string) error {
	res, err := t.tx.Exec(`UPDATE blobs SET refcount = refcount + 1, zero_since = NULL WHERE hash = ?`, hash)
	if err != nil {
		return apperr.IO(err, "increment ref %s", hash)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("blob %s", hash)
	}
	return nil
}

// DecrementRef removes one reference, starting the grace period when the
// count reaches zero.
func (t *Tx) DecrementRef(hash string) error {
	res, err := t.tx.Exec(`
		UPDATE blobs SET
			refcount = refcount - 1,
			zero_since = CASE WHEN refcount = 1 THEN ? ELSE zero_since END
		WHERE hash = ? AND refcount > 0
	`, toNanos(t.now), hash)
	if err != nil {
		return apperr.IO(err, "decrement ref %s", hash)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	b, err := t.GetBlob(hash)
	if err != nil {
		return err
	}
	if b == nil {
		return apperr.NotFound("blob %s", hash)
	}
	return apperr.Integrity("refcount of blob %s is already zero", hash)
}

// ListCollectable returns unreferenced blobs whose count has been zero
// since at or before cutoff, ordered by hash.
func (t *Tx) ListCollectable(cutoff time.Time) ([]Blob, error) {
	return t.queryBlobs(`SELECT `+blobColumns+` FROM blobs
		WHERE refcount = 0 AND zero_since IS NOT NULL AND zero_since <= ?
		ORDER BY hash`, toNanos(cutoff))
}

// ListBlobs returns every registered blob ordered by hash.
func (t *Tx) ListBlobs() ([]Blob, error) {
	return t.queryBlobs(`SELECT ` + blobColumns + ` FROM blobs ORDER BY hash`)
}

// DeleteBlobIfCollectable removes the blob record only if it is still
// unreferenced and past cutoff. It reports whether the row was deleted.
func (t *Tx) DeleteBlobIfCollectable(hash string, cutoff time.Time) (bool, error) {
	res, err := t.tx.Exec(`DELETE FROM blobs
		WHERE hash = ? AND refcount = 0 AND zero_since IS NOT NULL AND zero_since <= ?`,
		hash, toNanos(cutoff))
	if err != nil {
		return false, apperr.IO(err, "delete blob %s", hash)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BlobStats summarizes the blob table.
type BlobStats struct {
	Count        int64 `json:"count"`
	Bytes        int64 `json:"bytes"`
	Unreferenced int64 `json:"unreferenced"`
}

// Stats returns blob table totals.
func (t *Tx) Stats() (BlobStats, error) {
	var s BlobStats
	err := t.tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(refcount = 0), 0) FROM blobs`).
		Scan(&s.Count, &s.Bytes, &s.Unreferenced)
	return s, apperr.IO(err, "blob stats")
}

func (t *Tx) queryBlobs(query string, args ...any) ([]Blob, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, apperr.IO(err, "list blobs")
	}
	defer rows.Close()

	var blobs []Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, apperr.IO(err, "scan blob")
		}
		blobs = append(blobs, *b)
	}
	return blobs, apperr.IO(rows.Err(), "iterate blobs")
}

func scanBlob(s scanner) (*Blob, error) {
	var b Blob
	var zero sql.NullInt64
	var created int64

	if err := s.Scan(&b.Hash, &b.Size, &b.RefCount, &zero, &created); err != nil {
		return nil, err
	}
	if zero.Valid {
		z := fromNanos(zero.Int64)
		b.ZeroSince = &z
	}
	b.CreatedAt = fromNanos(created)
	return &b, nil
}
