// Package builder materializes runtime plans into launchable directories.
//
// A build runs off the caller's path in its own goroutine and moves through
// idle, planning, linking, finalizing and complete, or failed from any
// step. Files are linked into runtimes/<profile>/staging-<id>; the staging
// directory is then renamed to builds/<id> and the profile's "current"
// symlink is swapped to it atomically, so the application never observes a
// half-built tree. Failures and cancellation discard the staging directory
// and leave the previous build current.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/blobstore"
	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/keylock"
	"github.com/danieljhkim/deltaruntime/internal/manifest"
	"github.com/danieljhkim/deltaruntime/internal/planner"
	"github.com/danieljhkim/deltaruntime/internal/profiles"
)

// stagingPrefix names in-progress build directories.
const stagingPrefix = "staging-"

// Options configures the builder.
type Options struct {
	// Mode is config.ModeHardlink or config.ModeCopy
	Mode string

	// Workers is the number of concurrent link operations
	Workers int

	// KeepBuilds is how many published builds to retain per profile
	KeepBuilds int

	// MinFreeBytes is the free space required before a build starts
	MinFreeBytes uint64

	// ProbeFile is a base-relative file used for the link capability probe
	ProbeFile string
}

// OptionsFromSettings maps settings onto builder options.
func OptionsFromSettings(s *config.Settings) Options {
	return Options{
		Mode:         s.OverlayMode,
		Workers:      s.Build.Workers,
		KeepBuilds:   s.Build.KeepBuilds,
		MinFreeBytes: s.Build.MinFreeBytes,
		ProbeFile:    s.Executable,
	}
}

// Builder runs runtime builds.
type Builder struct {
	base    string
	paths   *config.Paths
	planner *planner.Planner
	blobs   *blobstore.Store
	fs      fsops.FS
	locks   *keylock.Locker
	clock   clock.Clock
	logger  *slog.Logger
	opts    Options

	// linkingHook runs at the start of the linking phase when set.
	linkingHook func(ctx context.Context) error
}

// New creates a Builder.
func New(
	base string,
	paths *config.Paths,
	plans *planner.Planner,
	blobs *blobstore.Store,
	fsys fsops.FS,
	locks *keylock.Locker,
	clk clock.Clock,
	logger *slog.Logger,
	opts Options,
) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.KeepBuilds <= 0 {
		opts.KeepBuilds = 1
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeHardlink
	}
	return &Builder{
		base:    base,
		paths:   paths,
		planner: plans,
		blobs:   blobs,
		fs:      fsys,
		locks:   locks,
		clock:   clk,
		logger:  logger,
		opts:    opts,
	}
}

// Start begins a build of profile and returns immediately. It fails with
// ConflictError if a build of the same profile is already in flight in this
// or another process; every later failure is reported as the build's
// terminal event.
func (bd *Builder) Start(ctx context.Context, profile string) (*Build, error) {
	if err := bd.fs.MkdirAll(bd.paths.RuntimeDir(profile), 0755); err != nil {
		return nil, apperr.IO(err, "create runtime directory")
	}
	unlock, ok, err := profiles.LockBuild(bd.locks, bd.paths, profile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("a runtime build is already in progress for profile %q", profile)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	b := newBuild(uuid.NewString(), profile, cancel)

	go func() {
		res, err := bd.run(ctx, b)
		unlock()
		b.finish(res, err)
	}()
	return b, nil
}

func (bd *Builder) run(ctx context.Context, b *Build) (*Result, error) {
	logger := bd.logger.With("profile", b.Profile, "build_id", b.ID)
	start := bd.clock.Now()
	logger.Info("runtime build started")

	res, err := bd.execute(ctx, b, logger)
	if err != nil {
		if ctx.Err() != nil {
			err = ErrCanceled
		}
		logger.Error("runtime build failed", "phase", b.Phase(), "error", err)
		return nil, err
	}

	res.Duration = clock.Since(bd.clock, start)
	logger.Info("runtime build completed",
		"files", res.Plan.TotalFiles,
		"hardlinks", res.Hardlinks,
		"copies", res.Copies,
		"duration", res.Duration,
	)
	return res, nil
}

func (bd *Builder) execute(ctx context.Context, b *Build, logger *slog.Logger) (*Result, error) {
	if err := bd.preflight(b.Profile); err != nil {
		return nil, err
	}

	b.emit(Progress{Phase: PhasePlanning})
	plan, err := bd.planner.ComputePlan(ctx, b.Profile)
	if err != nil {
		return nil, err
	}
	logger.Debug("plan ready", "plan", plan.String())

	staging := filepath.Join(bd.paths.RuntimeDir(b.Profile), stagingPrefix+b.ID)
	if err := bd.fs.MkdirAll(staging, 0755); err != nil {
		return nil, apperr.IO(err, "create staging directory")
	}
	published := false
	defer func() {
		if !published {
			if err := bd.fs.RemoveAll(staging); err != nil {
				logger.Warn("failed to discard staging directory", "dir", staging, "error", err)
			}
		}
	}()

	res := &Result{BuildID: b.ID, Plan: plan}
	if err := bd.link(ctx, b, plan, staging, res); err != nil {
		return nil, err
	}

	b.emit(Progress{
		Phase:          PhaseFinalizing,
		FilesProcessed: plan.TotalFiles,
		TotalFiles:     plan.TotalFiles,
		BytesProcessed: plan.TotalBytes,
		TotalBytes:     plan.TotalBytes,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := verifyStaging(staging, plan.TotalFiles); err != nil {
		return nil, err
	}
	if err := bd.publish(b, plan, staging, res); err != nil {
		return nil, err
	}
	published = true

	if err := bd.prune(b.Profile, b.ID); err != nil {
		logger.Warn("failed to prune old builds", "error", err)
	}
	return res, nil
}

// preflight verifies the environment once before any file operation.
func (bd *Builder) preflight(profile string) error {
	info, err := bd.fs.Stat(bd.base)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.Validation("base path %s does not exist", bd.base)
		}
		return apperr.IO(err, "stat base path")
	}
	if !info.IsDir() {
		return apperr.Validation("base path %s is not a directory", bd.base)
	}

	runtimeDir := bd.paths.RuntimeDir(profile)
	if err := bd.fs.MkdirAll(runtimeDir, 0755); err != nil {
		return apperr.IO(err, "create runtime directory")
	}
	probe := filepath.Join(runtimeDir, ".write-probe")
	if err := bd.fs.AtomicWrite(probe, nil, 0644); err != nil {
		return apperr.IO(err, "data root is not writable")
	}
	_ = bd.fs.Remove(probe)

	free, err := bd.fs.FreeSpace(runtimeDir)
	if err != nil {
		return apperr.IO(err, "check free space")
	}
	if free < bd.opts.MinFreeBytes {
		return apperr.IO(
			fmt.Errorf("%s available, %s required", humanize.IBytes(free), humanize.IBytes(bd.opts.MinFreeBytes)),
			"insufficient free space on %s", runtimeDir,
		)
	}

	if bd.opts.Mode == config.ModeHardlink && bd.opts.ProbeFile != "" {
		src := filepath.Join(bd.base, filepath.FromSlash(bd.opts.ProbeFile))
		if ok, _ := bd.fs.Exists(src); ok {
			if err := fsops.ProbeLink(bd.fs, src, runtimeDir); err != nil {
				return apperr.IO(err, "link capability check failed (set overlay_mode: copy to build without hardlinks)")
			}
		}
	}
	return nil
}

func (bd *Builder) link(ctx context.Context, b *Build, plan *planner.Plan, staging string, res *Result) error {
	b.emit(Progress{Phase: PhaseLinking, TotalFiles: plan.TotalFiles, TotalBytes: plan.TotalBytes})
	if bd.linkingHook != nil {
		if err := bd.linkingHook(ctx); err != nil {
			return err
		}
	}

	var hardlinks, copies atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bd.opts.Workers)
	for _, op := range plan.Operations {
		if op.Type == planner.OpRemove {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			method, err := bd.materialize(plan, op, staging)
			if err != nil {
				return err
			}
			if method == fsops.MethodHardlink {
				hardlinks.Add(1)
			} else {
				copies.Add(1)
			}
			b.advance(Progress{
				Phase:       PhaseLinking,
				TotalFiles:  plan.TotalFiles,
				TotalBytes:  plan.TotalBytes,
				CurrentFile: op.Path,
			}, op.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.Hardlinks = hardlinks.Load()
	res.Copies = copies.Load()
	return nil
}

// materialize places one plan file into the staging directory.
func (bd *Builder) materialize(plan *planner.Plan, op planner.Operation, staging string) (fsops.LinkMethod, error) {
	dst := filepath.Join(staging, filepath.FromSlash(op.Path))

	// Hardlinks of an unchanged file share the source inode, so the
	// previous build's link is reused. Copies are always taken from the
	// source since the application may have modified its copy.
	if op.Type == planner.OpUnchanged && plan.PreviousBuild != "" && bd.opts.Mode == config.ModeHardlink {
		prev := filepath.Join(bd.paths.BuildsDir(plan.Profile), plan.PreviousBuild, filepath.FromSlash(op.Path))
		if method, err := bd.fs.Link(prev, dst); err == nil {
			return method, nil
		}
		_ = bd.fs.Remove(dst)
	}

	switch op.Source {
	case manifest.SourceBlob:
		unlock := bd.blobs.Lock(op.Hash)
		defer unlock()
		if bd.opts.Mode == config.ModeCopy {
			if err := bd.blobs.Copy(op.Hash, dst); err != nil {
				return "", err
			}
			return fsops.MethodCopy, nil
		}
		return bd.blobs.Link(op.Hash, dst)

	case manifest.SourceBase:
		src := filepath.Join(bd.base, filepath.FromSlash(op.Path))
		if bd.opts.Mode == config.ModeCopy {
			if err := bd.fs.CopyFile(src, dst); err != nil {
				return "", apperr.IO(err, "copy %s", op.Path)
			}
			return fsops.MethodCopy, nil
		}
		method, err := bd.fs.Link(src, dst)
		if err != nil {
			return "", apperr.IO(err, "link %s", op.Path)
		}
		return method, nil
	}
	return "", apperr.Validation("operation %s on %s has no source", op.Type, op.Path)
}

// verifyStaging fails unless staging holds exactly want files.
func verifyStaging(staging string, want int) error {
	n := 0
	err := filepath.WalkDir(staging, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		return apperr.IO(err, "verify staging directory")
	}
	if n != want {
		return apperr.Integrity("staging directory holds %d of %d planned files", n, want)
	}
	return nil
}

// publish writes the manifest, moves staging into builds/ and swaps the
// current link.
func (bd *Builder) publish(b *Build, plan *planner.Plan, staging string, res *Result) error {
	buildsDir := bd.paths.BuildsDir(b.Profile)
	if err := bd.fs.MkdirAll(buildsDir, 0755); err != nil {
		return apperr.IO(err, "create builds directory")
	}

	manifestPath := manifest.PathFor(buildsDir, b.ID)
	if err := manifest.Write(bd.fs, manifestPath, &manifest.Manifest{
		Profile:   b.Profile,
		BuildID:   b.ID,
		CreatedAt: bd.clock.Now(),
		Files:     plan.Files(),
	}); err != nil {
		return err
	}

	dir := filepath.Join(buildsDir, b.ID)
	if err := bd.fs.Rename(staging, dir); err != nil {
		_ = bd.fs.Remove(manifestPath)
		return apperr.IO(err, "move staging directory into place")
	}

	// The link is relative so renaming the profile keeps it valid.
	current := bd.paths.CurrentRuntime(b.Profile)
	if err := bd.fs.ReplaceSymlink(filepath.Join("builds", b.ID), current); err != nil {
		_ = bd.fs.RemoveAll(dir)
		_ = bd.fs.Remove(manifestPath)
		return apperr.IO(err, "swap current runtime")
	}

	res.Dir = dir
	res.Current = current
	return nil
}

// prune removes published builds beyond KeepBuilds, oldest first. The
// current build is always kept.
func (bd *Builder) prune(profile, current string) error {
	buildsDir := bd.paths.BuildsDir(profile)
	entries, err := bd.fs.ReadDir(buildsDir)
	if err != nil {
		return err
	}

	type build struct {
		id      string
		modTime int64
	}
	var builds []build
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		builds = append(builds, build{id: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(builds, func(i, j int) bool {
		if builds[i].modTime != builds[j].modTime {
			return builds[i].modTime > builds[j].modTime
		}
		return builds[i].id > builds[j].id
	})

	keep := bd.opts.KeepBuilds - 1
	if len(builds) <= keep {
		return nil
	}
	var errs []error
	for _, old := range builds[keep:] {
		if err := bd.fs.RemoveAll(filepath.Join(buildsDir, old.id)); err != nil {
			errs = append(errs, err)
			continue
		}
		_ = bd.fs.Remove(manifest.PathFor(buildsDir, old.id))
		bd.logger.Debug("pruned build", "profile", profile, "build_id", old.id)
	}
	return errors.Join(errs...)
}

// CleanupStaging removes staging directories left behind by interrupted
// builds. Profiles whose build slot is held, here or by another process,
// are skipped.
func (bd *Builder) CleanupStaging() (int, error) {
	profileDirs, err := bd.fs.ReadDir(bd.paths.Runtimes)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperr.IO(err, "read runtimes directory")
	}

	removed := 0
	for _, pd := range profileDirs {
		if !pd.IsDir() {
			continue
		}
		unlock, ok, err := profiles.LockBuild(bd.locks, bd.paths, pd.Name())
		if err != nil {
			bd.logger.Warn("failed to lock runtime directory", "profile", pd.Name(), "error", err)
			continue
		}
		if !ok {
			bd.logger.Debug("build in flight, keeping staging", "profile", pd.Name())
			continue
		}
		removed += bd.removeStaging(filepath.Join(bd.paths.Runtimes, pd.Name()))
		unlock()
	}
	return removed, nil
}

func (bd *Builder) removeStaging(dir string) int {
	entries, err := bd.fs.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := bd.fs.RemoveAll(path); err != nil {
			bd.logger.Warn("failed to remove stale staging directory", "dir", path, "error", err)
			continue
		}
		bd.logger.Info("removed stale staging directory", "dir", path)
		removed++
	}
	return removed
}
