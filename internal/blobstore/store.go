// Package blobstore implements the content-addressed Blob Store.
//
// Blob bytes live under <dir>/blake3/<hash[0:2]>/<hash> and are never
// modified once written. Reference counts live in the overlay index so that
// they change in the same transaction as the overlay entries that cause
// them. A per-hash lock, shared with the garbage collector, orders blob
// ingestion against deletion.
//
// Key components:
//   - Put: stream, hash, dedup and register a blob, optionally running the
//     caller's index changes in the registering transaction
//   - Open / Verify: read back with integrity checking
//   - Link / Copy: materialize a blob at a filesystem path
package blobstore

import (
	"bytes"
	"context"
	gohash "hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/hash"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/keylock"
)

// Blob identifies stored content.
type Blob struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Store is the content-addressed blob store.
type Store struct {
	root   string
	tmp    string
	fs     fsops.FS
	db     *index.DB
	locks  *keylock.Locker
	logger *slog.Logger
}

// New creates a Store rooted at dir, creating its layout.
func New(dir string, db *index.DB, fsys fsops.FS, locks *keylock.Locker, logger *slog.Logger) (*Store, error) {
	s := &Store{
		root:   filepath.Join(dir, hash.Algorithm),
		tmp:    filepath.Join(dir, "tmp"),
		fs:     fsys,
		db:     db,
		locks:  locks,
		logger: logger,
	}
	for _, d := range []string{s.root, s.tmp} {
		if err := fsys.MkdirAll(d, 0755); err != nil {
			return nil, apperr.IO(err, "create blob directory %s", d)
		}
	}
	return s, nil
}

// Path returns where the blob with the given hash is stored.
func (s *Store) Path(h string) string {
	return filepath.Join(s.root, h[:2], h)
}

// Lock holds the per-hash scope shared by ingestion and collection.
func (s *Store) Lock(h string) func() {
	return s.locks.Lock("blob:" + h)
}

// Put stores the bytes read from r and registers the blob. Identical
// content is stored once. When fn is non-nil it runs in the registering
// transaction while the blob cannot be collected, so callers can add a
// reference and publish an entry atomically with registration.
func (s *Store) Put(ctx context.Context, r io.Reader, fn func(tx *index.Tx, b Blob) error) (Blob, error) {
	tmp, err := os.CreateTemp(s.tmp, "ingest-*")
	if err != nil {
		return Blob{}, apperr.IO(err, "create ingest file")
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
	}()

	h := hash.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return Blob{}, apperr.IO(err, "write ingest file")
	}
	if err := tmp.Sync(); err != nil {
		return Blob{}, apperr.IO(err, "sync ingest file")
	}
	if err := tmp.Close(); err != nil {
		return Blob{}, apperr.IO(err, "close ingest file")
	}

	b := Blob{Hash: hash.Encode(h), Size: size}

	unlock := s.Lock(b.Hash)
	defer unlock()

	final := s.Path(b.Hash)
	exists, err := s.fs.Exists(final)
	if err != nil {
		return Blob{}, apperr.IO(err, "stat blob %s", b.Hash)
	}
	if !exists {
		if err := s.fs.MkdirAll(filepath.Dir(final), 0755); err != nil {
			return Blob{}, apperr.IO(err, "create blob shard")
		}
		if err := os.Chmod(tmpPath, 0444); err != nil {
			return Blob{}, apperr.IO(err, "seal blob %s", b.Hash)
		}
		if err := s.fs.Rename(tmpPath, final); err != nil {
			return Blob{}, apperr.IO(err, "publish blob %s", b.Hash)
		}
		s.logger.Debug("stored blob", "hash", b.Hash, "size", size)
	} else {
		s.logger.Debug("deduplicated blob", "hash", b.Hash)
	}

	err = s.db.Update(ctx, func(tx *index.Tx) error {
		if err := tx.RegisterBlob(b.Hash, b.Size); err != nil {
			return err
		}
		if fn != nil {
			return fn(tx, b)
		}
		return nil
	})
	if err != nil {
		return Blob{}, err
	}
	return b, nil
}

// PutBytes stores data.
func (s *Store) PutBytes(ctx context.Context, data []byte, fn func(tx *index.Tx, b Blob) error) (Blob, error) {
	return s.Put(ctx, bytes.NewReader(data), fn)
}

// PutFile stores the contents of the file at path.
func (s *Store) PutFile(ctx context.Context, path string, fn func(tx *index.Tx, b Blob) error) (Blob, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{}, apperr.NotFound("file %s", path)
		}
		return Blob{}, apperr.IO(err, "open %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return s.Put(ctx, f, fn)
}

// Has reports whether the blob's bytes are present.
func (s *Store) Has(h string) (bool, error) {
	if !hash.Valid(h) {
		return false, nil
	}
	return s.fs.Exists(s.Path(h))
}

// Open returns a reader over the blob's bytes. The reader fails with an
// IntegrityError at EOF if the bytes do not hash to h.
func (s *Store) Open(h string) (io.ReadCloser, error) {
	if !hash.Valid(h) {
		return nil, apperr.Validation("malformed blob hash %q", h)
	}
	f, err := os.Open(s.Path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("blob %s", h)
		}
		return nil, apperr.IO(err, "open blob %s", h)
	}
	return &verifyingReader{f: f, h: hash.New(), want: h}, nil
}

// Verify re-hashes the stored bytes.
func (s *Store) Verify(h string) error {
	rc, err := s.Open(h)
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Link materializes the blob at dst, hardlinking when possible and copying
// otherwise. The linked file shares the blob's read-only inode.
func (s *Store) Link(h, dst string) (fsops.LinkMethod, error) {
	src, err := s.existing(h)
	if err != nil {
		return "", err
	}
	method, err := s.fs.Link(src, dst)
	if err != nil {
		return "", apperr.IO(err, "link blob %s", h)
	}
	return method, nil
}

// Copy writes an independent, writable copy of the blob to dst.
func (s *Store) Copy(h, dst string) error {
	src, err := s.existing(h)
	if err != nil {
		return err
	}
	return apperr.IO(s.fs.CopyFile(src, dst), "copy blob %s", h)
}

// Delete removes the blob's bytes. Callers must hold Lock(h) and have
// already removed the blob's index row. Shard directories are kept since
// a concurrent Put of another hash may be publishing into the same one.
func (s *Store) Delete(h string) error {
	if !hash.Valid(h) {
		return apperr.Validation("malformed blob hash %q", h)
	}
	p := s.Path(h)
	if err := os.Chmod(p, 0644); err != nil && !os.IsNotExist(err) {
		return apperr.IO(err, "unseal blob %s", h)
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperr.IO(err, "delete blob %s", h)
	}
	return nil
}

// Walk calls fn for every blob file on disk.
func (s *Store) Walk(fn func(h string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !hash.Valid(name) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(name, info)
	})
}

// IncrementRef adds a reference to a registered blob.
func (s *Store) IncrementRef(ctx context.Context, h string) error {
	return s.db.Update(ctx, func(tx *index.Tx) error { return tx.IncrementRef(h) })
}

// DecrementRef drops a reference to a registered blob.
func (s *Store) DecrementRef(ctx context.Context, h string) error {
	return s.db.Update(ctx, func(tx *index.Tx) error { return tx.DecrementRef(h) })
}

// RefCount returns the blob's current reference count.
func (s *Store) RefCount(ctx context.Context, h string) (int64, error) {
	var n int64
	err := s.db.View(ctx, func(tx *index.Tx) error {
		b, err := tx.GetBlob(h)
		if err != nil {
			return err
		}
		if b == nil {
			return apperr.NotFound("blob %s", h)
		}
		n = b.RefCount
		return nil
	})
	return n, err
}

func (s *Store) existing(h string) (string, error) {
	if !hash.Valid(h) {
		return "", apperr.Validation("malformed blob hash %q", h)
	}
	p := s.Path(h)
	ok, err := s.fs.Exists(p)
	if err != nil {
		return "", apperr.IO(err, "stat blob %s", h)
	}
	if !ok {
		return "", apperr.NotFound("blob %s", h)
	}
	return p, nil
}

type verifyingReader struct {
	f    *os.File
	h    gohash.Hash
	want string
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n > 0 {
		_, _ = r.h.Write(p[:n])
	}
	if err == io.EOF {
		if got := hash.Encode(r.h); got != r.want {
			return n, apperr.Integrity("blob %s hashes to %s", r.want, got)
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.f.Close()
}
