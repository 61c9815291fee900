package index

import (
	"database/sql"
	"errors"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
)

// Kind is the type of an overlay entry.
type Kind string

const (
	// KindFile maps a path to a blob (a workspace addition or override).
	KindFile Kind = "file"

	// KindTombstone hides the base path (and, for directories, its subtree).
	KindTombstone Kind = "tombstone"
)

// Entry is one overlay entry of a profile.
type Entry struct {
	Profile   string    `json:"profile"`
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	Hash      string    `json:"hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const entryColumns = `profile, path, kind, hash, updated_at`

// GetEntry returns the entry at path, or nil if none exists.
func (t *Tx) GetEntry(profile, path string) (*Entry, error) {
	row := t.tx.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE profile = ? AND path = ?`, profile, path)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IO(err, "get entry %s", path)
	}
	return e, nil
}

// ListEntries returns every entry of a profile ordered by path.
func (t *Tx) ListEntries(profile string) ([]Entry, error) {
	return t.queryEntries(`SELECT `+entryColumns+` FROM entries WHERE profile = ? ORDER BY path`, profile)
}

// ListEntriesUnder returns the entries strictly beneath dir ("" is the
// root) ordered by path.
func (t *Tx) ListEntriesUnder(profile, dir string) ([]Entry, error) {
	if dir == "" {
		return t.ListEntries(profile)
	}
	return t.queryEntries(
		`SELECT `+entryColumns+` FROM entries WHERE profile = ? AND substr(path, 1, length(?)) = ? ORDER BY path`,
		profile, dir+"/", dir+"/")
}

// CountEntriesUnder counts entries of the given kind strictly beneath dir.
func (t *Tx) CountEntriesUnder(profile, dir string, kind Kind) (int, error) {
	var n int
	err := t.tx.QueryRow(
		`SELECT COUNT(*) FROM entries WHERE profile = ? AND kind = ? AND substr(path, 1, length(?)) = ?`,
		profile, string(kind), dir+"/", dir+"/").Scan(&n)
	if err != nil {
		return 0, apperr.IO(err, "count entries under %s", dir)
	}
	return n, nil
}

// PutEntry inserts or replaces an entry, stamping it with the transaction time.
func (t *Tx) PutEntry(e Entry) error {
	var hash sql.NullString
	if e.Kind == KindFile {
		if e.Hash == "" {
			return apperr.Validation("file entry %s has no hash", e.Path)
		}
		hash = sql.NullString{String: e.Hash, Valid: true}
	}

	_, err := t.tx.Exec(`
		INSERT INTO entries (profile, path, kind, hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(profile, path) DO UPDATE SET
			kind = excluded.kind,
			hash = excluded.hash,
			updated_at = excluded.updated_at
	`, e.Profile, e.Path, string(e.Kind), hash, toNanos(t.now))
	return apperr.IO(err, "put entry %s", e.Path)
}

// DeleteEntry removes the entry at path. It reports whether a row existed.
func (t *Tx) DeleteEntry(profile, path string) (bool, error) {
	res, err := t.tx.Exec(`DELETE FROM entries WHERE profile = ? AND path = ?`, profile, path)
	if err != nil {
		return false, apperr.IO(err, "delete entry %s", path)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEntries removes every entry of a profile.
func (t *Tx) DeleteEntries(profile string) error {
	_, err := t.tx.Exec(`DELETE FROM entries WHERE profile = ?`, profile)
	return apperr.IO(err, "delete entries of %s", profile)
}

// CountReferences returns how many file entries across all profiles point at hash.
func (t *Tx) CountReferences(hash string) (int64, error) {
	var n int64
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM entries WHERE kind = 'file' AND hash = ?`, hash).Scan(&n)
	if err != nil {
		return 0, apperr.IO(err, "count references to %s", hash)
	}
	return n, nil
}

func (t *Tx) queryEntries(query string, args ...any) ([]Entry, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, apperr.IO(err, "list entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.IO(err, "scan entry")
		}
		entries = append(entries, *e)
	}
	return entries, apperr.IO(rows.Err(), "iterate entries")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var kind string
	var hash sql.NullString
	var updated int64

	if err := s.Scan(&e.Profile, &e.Path, &kind, &hash, &updated); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Hash = hash.String
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}
