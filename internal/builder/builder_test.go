package builder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
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
	"github.com/danieljhkim/deltaruntime/internal/manifest"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
	"github.com/danieljhkim/deltaruntime/internal/planner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseFiles = map[string]string{
	"gta_sa.exe":        "MZ executable",
	"data/handling.cfg": "mass 1500",
	"data/water.dat":    "water",
}

type fixture struct {
	builder *Builder
	ov      *overlay.Overlay
	blobs   *blobstore.Store
	paths   *config.Paths
	base    string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()

	base := filepath.Join(dir, "base")
	for rel, content := range baseFiles {
		p := filepath.Join(base, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	paths := config.NewPaths(filepath.Join(dir, "data"))
	require.NoError(t, paths.EnsureDirectories())

	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	db, err := index.Open(paths.Index, clk)
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

	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.KeepBuilds == 0 {
		opts.KeepBuilds = 5
	}
	if opts.ProbeFile == "" {
		opts.ProbeFile = "gta_sa.exe"
	}

	plans := planner.New(base, paths, db, fsys, logging.Discard())
	return &fixture{
		builder: New(base, paths, plans, blobs, fsys, locks, clk, logging.Discard(), opts),
		ov:      overlay.New(base, db, blobs, fsys, locks, logging.Discard()),
		blobs:   blobs,
		paths:   paths,
		base:    base,
	}
}

// linkHookFS runs onLink before every Link with the 1-based call count.
type linkHookFS struct {
	fsops.FS
	calls  atomic.Int32
	onLink func(n int)
}

func (h *linkHookFS) Link(src, dst string) (fsops.LinkMethod, error) {
	if h.onLink != nil {
		h.onLink(int(h.calls.Add(1)))
	}
	return h.FS.Link(src, dst)
}

// hookLinks routes the builder's links through onLink.
func (f *fixture) hookLinks(onLink func(n int)) {
	f.builder.fs = &linkHookFS{FS: f.builder.fs, onLink: onLink}
}

// addBaseFiles adds n more files to the base tree.
func (f *fixture) addBaseFiles(t *testing.T, n int) {
	t.Helper()
	dir := filepath.Join(f.base, "models")
	require.NoError(t, os.MkdirAll(dir, 0755))
	for i := 0; i < n; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("car%02d.dff", i)), []byte(fmt.Sprint("model ", i)), 0644))
	}
}

// otherProcess returns a builder sharing f's data root but none of its
// in-process state.
func (f *fixture) otherProcess() *Builder {
	bd := f.builder
	return New(bd.base, bd.paths, bd.planner, bd.blobs, fsops.NewRealFS(), keylock.New(), bd.clock, logging.Discard(), bd.opts)
}

// snapshot reads every file under the profile's current runtime.
func (f *fixture) snapshot(t *testing.T) map[string]string {
	t.Helper()
	root := f.paths.CurrentRuntime("Vanilla")
	out := make(map[string]string)
	err := filepath.WalkDir(root+string(filepath.Separator), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func drain(b *Build) []Progress {
	var events []Progress
	for p := range b.Events() {
		events = append(events, p)
	}
	return events
}

func (f *fixture) build(t *testing.T) (*Build, []Progress) {
	t.Helper()
	b, err := f.builder.Start(context.Background(), "Vanilla")
	require.NoError(t, err)
	return b, drain(b)
}

func (f *fixture) currentTarget(t *testing.T) string {
	t.Helper()
	target, err := os.Readlink(f.paths.CurrentRuntime("Vanilla"))
	require.NoError(t, err)
	return target
}

func stagingDirs(t *testing.T, runtimeDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(runtimeDir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestBuild_VanillaScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.ov.CopyToWorkspace(ctx, "Vanilla", "data/handling.cfg"))
	require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", "data/handling.cfg", strings.NewReader("mass 9000")))

	b, events := f.build(t)
	require.NotEmpty(t, events)

	terminal := events[len(events)-1]
	assert.True(t, terminal.Completed)
	assert.Empty(t, terminal.Error)
	assert.Equal(t, PhaseComplete, terminal.Phase)
	assert.Equal(t, 3, terminal.TotalFiles)
	assert.Equal(t, 3, terminal.FilesProcessed)
	for _, p := range events[:len(events)-1] {
		assert.False(t, p.Completed, "only the last event is terminal")
		assert.Equal(t, b.ID, p.BuildID)
	}

	order := map[Phase]int{PhasePlanning: 1, PhaseLinking: 2, PhaseFinalizing: 3, PhaseComplete: 4}
	last := 0
	for _, p := range events {
		assert.GreaterOrEqual(t, order[p.Phase], last, "phase %s out of order", p.Phase)
		last = order[p.Phase]
	}

	res, err := b.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Plan.TotalFiles)
	assert.Equal(t, 2, res.Plan.BaseFiles)
	assert.Equal(t, 1, res.Plan.BlobFiles)
	assert.Equal(t, int64(3), res.Hardlinks+res.Copies)

	assert.Equal(t, filepath.Join("builds", b.ID), f.currentTarget(t))
	data, err := os.ReadFile(filepath.Join(f.paths.CurrentRuntime("Vanilla"), "data", "handling.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "mass 9000", string(data))

	m, err := manifest.Read(manifest.PathFor(f.paths.BuildsDir("Vanilla"), b.ID))
	require.NoError(t, err)
	assert.Len(t, m.Files, 3)

	base, err := os.ReadFile(filepath.Join(f.base, "data", "handling.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "mass 1500", string(base), "base tree is never written")
	assert.Empty(t, stagingDirs(t, f.paths.RuntimeDir("Vanilla")))
}

func TestBuild_CopyMode(t *testing.T) {
	f := newFixture(t, Options{Mode: config.ModeCopy})

	b, _ := f.build(t)
	res, err := b.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Copies)
	assert.Zero(t, res.Hardlinks)

	info, err := os.Stat(filepath.Join(res.Dir, "gta_sa.exe"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0200, "copies are writable")
}

func TestBuild_ConcurrentRequestConflicts(t *testing.T) {
	f := newFixture(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.builder.linkingHook = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	first, err := f.builder.Start(context.Background(), "Vanilla")
	require.NoError(t, err)
	<-entered

	_, err = f.builder.Start(context.Background(), "Vanilla")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "second build: %v", err)

	close(release)
	events := drain(first)
	assert.Equal(t, PhaseComplete, events[len(events)-1].Phase)

	f.builder.linkingHook = nil
	again, err := f.builder.Start(context.Background(), "Vanilla")
	require.NoError(t, err, "lock is released once the build finishes")
	_, err = again.Wait()
	require.NoError(t, err)
}

func TestBuild_CancelKeepsPreviousRuntime(t *testing.T) {
	f := newFixture(t, Options{})

	first, _ := f.build(t)
	_, err := first.Wait()
	require.NoError(t, err)
	before := f.currentTarget(t)

	f.builder.linkingHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	b, err := f.builder.Start(context.Background(), "Vanilla")
	require.NoError(t, err)
	b.Cancel()

	events := drain(b)
	terminal := events[len(events)-1]
	assert.Equal(t, PhaseFailed, terminal.Phase)
	assert.True(t, terminal.Completed)
	assert.Equal(t, "canceled", terminal.Error)

	_, err = b.Wait()
	assert.True(t, errors.Is(err, ErrCanceled))

	assert.Equal(t, before, f.currentTarget(t))
	data, err := os.ReadFile(filepath.Join(f.paths.CurrentRuntime("Vanilla"), "gta_sa.exe"))
	require.NoError(t, err)
	assert.Equal(t, "MZ executable", string(data))
	assert.Empty(t, stagingDirs(t, f.paths.RuntimeDir("Vanilla")))
	assert.NoDirExists(t, filepath.Join(f.paths.BuildsDir("Vanilla"), b.ID))
}

func TestBuild_CancelMidLinking(t *testing.T) {
	f := newFixture(t, Options{Workers: 1})
	f.addBaseFiles(t, 10)

	first, _ := f.build(t)
	_, err := first.Wait()
	require.NoError(t, err)
	before := f.currentTarget(t)
	files := f.snapshot(t)
	require.Len(t, files, 13)

	reached := make(chan struct{})
	resume := make(chan struct{})
	f.hookLinks(func(n int) {
		if n == 5 {
			close(reached)
			<-resume
		}
	})

	b, err := f.builder.Start(context.Background(), "Vanilla")
	require.NoError(t, err)
	<-reached
	b.Cancel()
	close(resume)

	_, err = b.Wait()
	assert.True(t, errors.Is(err, ErrCanceled), "got %v", err)
	assert.Greater(t, b.Last().FilesProcessed, 0, "canceled after some files were linked")
	assert.Less(t, b.Last().FilesProcessed, 13)

	assert.Equal(t, before, f.currentTarget(t))
	assert.Equal(t, files, f.snapshot(t), "previous runtime is untouched")
	assert.Empty(t, stagingDirs(t, f.paths.RuntimeDir("Vanilla")))
	assert.NoDirExists(t, filepath.Join(f.paths.BuildsDir("Vanilla"), b.ID))
	assert.NoFileExists(t, manifest.PathFor(f.paths.BuildsDir("Vanilla"), b.ID))
}

func TestBuild_OtherProcessCannotStartOrClean(t *testing.T) {
	f := newFixture(t, Options{Workers: 1})
	f.addBaseFiles(t, 10)
	other := f.otherProcess()

	var (
		removed  int
		cleanErr error
		startErr error
	)
	f.hookLinks(func(n int) {
		if n == 7 {
			removed, cleanErr = other.CleanupStaging()
			_, startErr = other.Start(context.Background(), "Vanilla")
		}
	})

	b, events := f.build(t)
	res, err := b.Wait()
	require.NoError(t, err)

	require.NoError(t, cleanErr)
	assert.Zero(t, removed, "staging of a running build is kept")
	assert.True(t, errors.Is(startErr, apperr.ErrConflict), "second process build: %v", startErr)

	assert.Equal(t, 13, events[len(events)-1].FilesProcessed)
	assert.Len(t, f.snapshot(t), res.Plan.TotalFiles)
}

func TestBuild_StagingRemovedMidBuildIsNotPublished(t *testing.T) {
	f := newFixture(t, Options{Workers: 1})
	f.addBaseFiles(t, 10)

	first, _ := f.build(t)
	_, err := first.Wait()
	require.NoError(t, err)
	before := f.currentTarget(t)

	runtimeDir := f.paths.RuntimeDir("Vanilla")
	f.hookLinks(func(n int) {
		if n != 7 {
			return
		}
		entries, _ := os.ReadDir(runtimeDir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), stagingPrefix) {
				_ = os.RemoveAll(filepath.Join(runtimeDir, e.Name()))
			}
		}
	})

	b, _ := f.build(t)
	_, err = b.Wait()
	assert.True(t, errors.Is(err, apperr.ErrIntegrity), "got %v", err)
	assert.Equal(t, before, f.currentTarget(t))
	assert.Empty(t, stagingDirs(t, runtimeDir))
}

func TestBuild_ProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, Options{Workers: 8})
	f.addBaseFiles(t, 40)

	_, events := f.build(t)
	last := 0
	var lastBytes int64
	for _, p := range events {
		assert.GreaterOrEqual(t, p.FilesProcessed, last, "files_processed went backwards")
		assert.GreaterOrEqual(t, p.BytesProcessed, lastBytes, "bytes_processed went backwards")
		last, lastBytes = p.FilesProcessed, p.BytesProcessed
	}
	assert.Equal(t, 43, last)
}

func TestBuild_LinkFailureAborts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, _ := f.build(t)
	_, err := first.Wait()
	require.NoError(t, err)
	before := f.currentTarget(t)

	require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", "mods/new.asi", strings.NewReader("mod")))
	blobPath := f.blobs.Path(hash.HashBytes([]byte("mod")))
	require.NoError(t, os.Chmod(blobPath, 0644))
	require.NoError(t, os.Remove(blobPath))

	b, events := f.build(t)
	terminal := events[len(events)-1]
	assert.Equal(t, PhaseFailed, terminal.Phase)
	assert.NotEmpty(t, terminal.Error)

	_, err = b.Wait()
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
	assert.Equal(t, before, f.currentTarget(t))
	assert.Empty(t, stagingDirs(t, f.paths.RuntimeDir("Vanilla")))
}

func TestBuild_UnchangedAndPrune(t *testing.T) {
	f := newFixture(t, Options{KeepBuilds: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		b, _ := f.build(t)
		res, err := b.Wait()
		require.NoError(t, err)
		ids = append(ids, b.ID)
		if i > 0 {
			assert.Equal(t, 3, res.Plan.Count(planner.OpUnchanged), "build %d", i)
			assert.Equal(t, ids[i-1], res.Plan.PreviousBuild)
		}
	}

	entries, err := os.ReadDir(f.paths.BuildsDir("Vanilla"))
	require.NoError(t, err)
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	assert.Len(t, dirs, 2)
	assert.Contains(t, dirs, ids[2], "current build is kept")
	assert.NoFileExists(t, manifest.PathFor(f.paths.BuildsDir("Vanilla"), ids[0]))
}

func TestBuild_PreflightFailures(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		mutate  func(f *fixture)
		wantErr error
	}{
		{
			name:    "missing base",
			mutate:  func(f *fixture) { require.NoError(t, os.RemoveAll(f.base)) },
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "insufficient free space",
			opts:    Options{MinFreeBytes: math.MaxUint64},
			wantErr: apperr.ErrIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			if tt.mutate != nil {
				tt.mutate(f)
			}

			b, events := f.build(t)
			require.Len(t, events, 1, "preflight fails before planning")
			assert.Equal(t, PhaseFailed, events[0].Phase)

			_, err := b.Wait()
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			_, err = os.Lstat(f.paths.CurrentRuntime("Vanilla"))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestBuild_SlowConsumerGetsTerminal(t *testing.T) {
	f := newFixture(t, Options{Workers: 8})
	ctx := context.Background()

	for i := 0; i < 3*eventBuffer; i++ {
		require.NoError(t, f.ov.WriteWorkspaceFile(ctx, "Vanilla", fmt.Sprintf("mods/m%03d.txt", i), strings.NewReader(fmt.Sprint(i))))
	}

	b, err := f.builder.Start(ctx, "Vanilla")
	require.NoError(t, err)
	<-b.Done()

	events := drain(b)
	assert.LessOrEqual(t, len(events), eventBuffer)
	terminal := events[len(events)-1]
	assert.True(t, terminal.Completed)
	assert.Equal(t, terminal.TotalFiles, terminal.FilesProcessed)
}

func TestCleanupStaging(t *testing.T) {
	f := newFixture(t, Options{})

	stale := filepath.Join(f.paths.RuntimeDir("Vanilla"), stagingPrefix+"dead")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "data"), 0755))
	kept := filepath.Join(f.paths.BuildsDir("Vanilla"), "b1")
	require.NoError(t, os.MkdirAll(kept, 0755))

	n, err := f.builder.CleanupStaging()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, kept)
}

func TestCleanupStaging_SkipsLockedProfile(t *testing.T) {
	f := newFixture(t, Options{})

	stale := filepath.Join(f.paths.RuntimeDir("Vanilla"), stagingPrefix+"live")
	require.NoError(t, os.MkdirAll(stale, 0755))

	unlock, ok, err := keylock.TryLockFile(f.paths.BuildLock("Vanilla"))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.builder.CleanupStaging()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, stale)

	_, err = f.builder.Start(context.Background(), "Vanilla")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

	unlock()
	n, err = f.builder.CleanupStaging()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
