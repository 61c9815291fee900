package workspace

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/hash"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/keylock"
	"github.com/danieljhkim/deltaruntime/internal/logging"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseFiles = map[string]string{
	"gta_sa.exe":        "MZ executable",
	"data/handling.cfg": "mass 1500",
}

type fixture struct {
	ov     *overlay.Overlay
	db     *index.DB
	mirror *Mirror
	norm   *Normalizer
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	base := filepath.Join(root, "base")
	for rel, content := range baseFiles {
		p := filepath.Join(base, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	paths := config.NewPaths(filepath.Join(root, "data"))
	require.NoError(t, paths.EnsureDirectories())
	require.NoError(t, os.MkdirAll(paths.WorkspaceDir("Vanilla"), 0755))

	db, err := index.Open(paths.Index, clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fsys := fsops.NewRealFS()
	locks := keylock.New()
	blobs, err := blobstore.New(paths.Blobs, db, fsys, locks, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, db.Update(context.Background(), func(tx *index.Tx) error {
		_, err := tx.InsertProfile("Vanilla", "")
		return err
	}))

	ov := overlay.New(base, db, blobs, fsys, locks, logging.Discard())
	mirror := NewMirror(paths, db, blobs, fsys, logging.Discard())
	ov.SetObserver(mirror)

	return &fixture{
		ov:     ov,
		db:     db,
		mirror: mirror,
		norm:   NewNormalizer(paths, ov, db, fsys, logging.Discard()),
		dir:    paths.WorkspaceDir("Vanilla"),
	}
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func (f *fixture) source(t *testing.T, rel string) overlay.Source {
	t.Helper()
	n, err := f.ov.Resolve(context.Background(), "Vanilla", rel)
	require.NoError(t, err)
	return n.Source
}

func (f *fixture) entryHash(t *testing.T, rel string) string {
	t.Helper()
	var h string
	require.NoError(t, f.db.View(context.Background(), func(tx *index.Tx) error {
		e, err := tx.GetEntry("Vanilla", rel)
		if e != nil {
			h = e.Hash
		}
		return err
	}))
	return h
}

func TestMirror_FollowsOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ov.CopyToWorkspace(ctx, "Vanilla", "data/handling.cfg"))
	assert.Equal(t, "mass 1500", f.read(t, "data/handling.cfg"))

	info, err := os.Stat(filepath.Join(f.dir, "data", "handling.cfg"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0200, "mirror copies are writable")

	require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", "data/handling.cfg", bytes.NewBufferString("mass 1")))
	assert.Equal(t, "mass 1", f.read(t, "data/handling.cfg"))

	require.NoError(t, f.ov.RevertToOriginal(ctx, "Vanilla", "data/handling.cfg"))
	assert.NoFileExists(t, filepath.Join(f.dir, "data", "handling.cfg"))
}

func TestMirror_Export(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", "mods/a.asi", bytes.NewBufferString("a")))
	require.NoError(t, os.RemoveAll(f.dir))
	f.write(t, "stray.txt", "not in the overlay")
	f.write(t, ".hidden", "kept")

	dir, err := f.mirror.Export(ctx, "Vanilla")
	require.NoError(t, err)
	assert.Equal(t, f.dir, dir)
	assert.Equal(t, "a", f.read(t, "mods/a.asi"))
	assert.NoFileExists(t, filepath.Join(f.dir, "stray.txt"))
	assert.FileExists(t, filepath.Join(f.dir, ".hidden"))

	_, err = f.mirror.Export(ctx, "Ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestNormalizer_Scan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", "mods/a.asi", bytes.NewBufferString("v1")))

	// An edited addition, an edited base file, an unmodified base file and
	// a new file.
	f.write(t, "mods/a.asi", "v2")
	f.write(t, "data/handling.cfg", "mass 9000")
	f.write(t, "gta_sa.exe", baseFiles["gta_sa.exe"])
	f.write(t, "readme.txt", "new")
	f.write(t, ".cache/tmp", "ignored")

	n, err := f.norm.Scan(ctx, "Vanilla")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, hash.HashBytes([]byte("v2")), f.entryHash(t, "mods/a.asi"))
	assert.Equal(t, overlay.SourceWorkspaceOverride, f.source(t, "data/handling.cfg"))
	assert.Equal(t, hash.HashBytes([]byte("mass 9000")), f.entryHash(t, "data/handling.cfg"))
	assert.Equal(t, overlay.SourceBase, f.source(t, "gta_sa.exe"))
	assert.Equal(t, overlay.SourceWorkspace, f.source(t, "readme.txt"))
	assert.Equal(t, "mass 9000", f.read(t, "data/handling.cfg"), "mirror keeps the edit")

	var got []string
	for len(f.norm.Events()) > 0 {
		got = append(got, (<-f.norm.Events()).Path)
	}
	assert.ElementsMatch(t, []string{"mods/a.asi", "data/handling.cfg", "readme.txt"}, got)

	n, err = f.norm.Scan(ctx, "Vanilla")
	require.NoError(t, err)
	assert.Zero(t, n, "second scan finds nothing new")

	mismatches, err := f.db.CheckRefcounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestNormalizer_Removed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", "mods/a.asi", bytes.NewBufferString("a")))
	require.NoError(t, f.ov.CopyToWorkspace(ctx, "Vanilla", "data/handling.cfg"))

	require.NoError(t, os.Remove(filepath.Join(f.dir, "mods", "a.asi")))
	require.NoError(t, os.Remove(filepath.Join(f.dir, "data", "handling.cfg")))

	require.NoError(t, f.norm.Removed(ctx, "Vanilla", "mods/a.asi"))
	require.NoError(t, f.norm.Removed(ctx, "Vanilla", "data/handling.cfg"))
	require.NoError(t, f.norm.Removed(ctx, "Vanilla", "never/existed"))

	_, err := f.ov.Resolve(ctx, "Vanilla", "mods/a.asi")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, overlay.SourceBase, f.source(t, "data/handling.cfg"))
}

func TestWatcher_NormalizesEdits(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWatcher(f.norm, 20*time.Millisecond, logging.Discard())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "Vanilla") }()

	want := hash.HashBytes([]byte("watched"))
	require.Eventually(t, func() bool {
		// Rewrite until the watch is established.
		p := filepath.Join(f.dir, "mods", "w.asi")
		_ = os.MkdirAll(filepath.Dir(p), 0755)
		_ = os.WriteFile(p, []byte("watched"), 0644)

		var h string
		_ = f.db.View(context.Background(), func(tx *index.Tx) error {
			e, err := tx.GetEntry("Vanilla", "mods/w.asi")
			if e != nil {
				h = e.Hash
			}
			return err
		})
		return h == want
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case ev := <-f.norm.Events():
		assert.Equal(t, "mods/w.asi", ev.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no normalized event")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
