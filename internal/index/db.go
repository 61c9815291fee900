// Package index provides the persistent Overlay Index.
//
// A single SQLite database (pure Go, modernc.org/sqlite) holds three tables:
// profiles, overlay entries and blob reference counts. Keeping entries and
// refcounts in one database lets every overlay mutation change both inside
// one transaction, so a crash can never leave an entry pointing at a blob
// whose count does not include it.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/clock"

	_ "modernc.org/sqlite"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// DB wraps the SQLite overlay index.
type DB struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (or creates) the index at dbPath.
func Open(dbPath string, clk clock.Clock) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Transactions serialize on a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	idx := &DB{db: db, clock: clk}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return idx, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	var version int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("index schema %d is newer than supported schema %d", version, schemaVersion)
	}

	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			name        TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			last_used   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			profile    TEXT NOT NULL,
			path       TEXT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('file', 'tombstone')),
			hash       TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (profile, path)
		);
		CREATE INDEX IF NOT EXISTS entries_hash ON entries (hash);

		CREATE TABLE IF NOT EXISTS blobs (
			hash       TEXT PRIMARY KEY,
			size       INTEGER NOT NULL,
			refcount   INTEGER NOT NULL DEFAULT 0 CHECK (refcount >= 0),
			zero_since INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS blobs_unreferenced ON blobs (refcount, zero_since);
	`)
	if err != nil {
		return err
	}

	_, err = d.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// Tx is an index transaction. Every method runs inside it.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now returns the timestamp shared by every write in the transaction.
func (t *Tx) Now() time.Time {
	return t.now
}

// Update runs fn in a read-write transaction, committing if fn returns nil.
func (d *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	return d.run(ctx, false, fn)
}

// View runs fn in a transaction that is always rolled back.
func (d *DB) View(ctx context.Context, fn func(*Tx) error) error {
	return d.run(ctx, true, fn)
}

func (d *DB) run(ctx context.Context, readOnly bool, fn func(*Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.IO(err, "begin index transaction")
	}

	tx := &Tx{tx: sqlTx, now: d.clock.Now()}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if readOnly {
		_ = sqlTx.Rollback()
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.IO(err, "commit index transaction")
	}
	return nil
}

// RefMismatch describes a blob whose stored refcount differs from the
// number of entries referencing it.
type RefMismatch struct {
	Hash     string `json:"hash"`
	RefCount int64  `json:"refcount"`
	Entries  int64  `json:"entries"`
}

// CheckRefcounts compares every blob's refcount with the entries that
// reference it. Entries pointing at unregistered blobs are reported with
// RefCount -1.
func (d *DB) CheckRefcounts(ctx context.Context) ([]RefMismatch, error) {
	var out []RefMismatch
	err := d.View(ctx, func(tx *Tx) error {
		rows, err := tx.tx.Query(`
			SELECT b.hash, b.refcount, COUNT(e.hash)
			FROM blobs b LEFT JOIN entries e ON e.hash = b.hash AND e.kind = 'file'
			GROUP BY b.hash
			HAVING b.refcount != COUNT(e.hash)
			UNION ALL
			SELECT e.hash, -1, COUNT(*)
			FROM entries e LEFT JOIN blobs b ON b.hash = e.hash
			WHERE e.kind = 'file' AND b.hash IS NULL
			GROUP BY e.hash
			ORDER BY 1
		`)
		if err != nil {
			return apperr.IO(err, "check refcounts")
		}
		defer rows.Close()

		for rows.Next() {
			var m RefMismatch
			if err := rows.Scan(&m.Hash, &m.RefCount, &m.Entries); err != nil {
				return apperr.IO(err, "scan refcount row")
			}
			out = append(out, m)
		}
		return apperr.IO(rows.Err(), "iterate refcounts")
	})
	return out, err
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
