package planner

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/manifest"
)

// Planner computes runtime plans from the base tree and the overlay index.
type Planner struct {
	base   string
	paths  *config.Paths
	db     *index.DB
	fs     fsops.FS
	logger *slog.Logger
}

// New creates a Planner over the base tree at base.
func New(base string, paths *config.Paths, db *index.DB, fsys fsops.FS, logger *slog.Logger) *Planner {
	return &Planner{
		base:   base,
		paths:  paths,
		db:     db,
		fs:     fsys,
		logger: logger,
	}
}

// desired is one file the runtime should contain.
type desired struct {
	source manifest.Source
	hash   string
	size   int64
}

// ComputePlan generates a deterministic plan for a profile's runtime.
func (p *Planner) ComputePlan(ctx context.Context, profile string) (*Plan, error) {
	var (
		files      = make(map[string]desired)
		tombstones = make(map[string]bool)
	)

	// Overlay entries are read in one snapshot.
	err := p.db.View(ctx, func(tx *index.Tx) error {
		if _, err := tx.MustGetProfile(profile); err != nil {
			return err
		}
		entries, err := tx.ListEntries(profile)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Kind == index.KindTombstone {
				tombstones[e.Path] = true
				continue
			}
			b, err := tx.GetBlob(e.Hash)
			if err != nil {
				return err
			}
			if b == nil {
				return apperr.Integrity("entry %s references unregistered blob %s", e.Path, e.Hash)
			}
			files[e.Path] = desired{source: manifest.SourceBlob, hash: e.Hash, size: b.Size}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.walkBase(ctx, tombstones, func(rel string, size int64) {
		if _, shadowed := files[rel]; !shadowed {
			files[rel] = desired{source: manifest.SourceBase, size: size}
		}
	}); err != nil {
		return nil, err
	}

	prevID, prev, err := manifest.Current(p.fs, p.paths.RuntimeDir(profile))
	if err != nil {
		return nil, err
	}
	var previous map[string]manifest.File
	if prev != nil {
		previous = prev.Lookup()
	} else {
		prevID = ""
	}

	plan := NewPlan(profile, prevID)
	for _, rel := range sortedKeys(files, previous) {
		want, ok := files[rel]
		if !ok {
			plan.AddOperation(Operation{Type: OpRemove, Path: rel, Size: previous[rel].Size})
			continue
		}

		op := Operation{Path: rel, Source: want.source, Hash: want.hash, Size: want.size}
		switch {
		case sameSource(previous[rel], want):
			op.Type = OpUnchanged
		case want.source == manifest.SourceBlob:
			op.Type = OpLinkFromBlob
		default:
			op.Type = OpLinkFromBase
		}
		plan.AddOperation(op)
	}

	p.logger.Debug("computed runtime plan",
		"profile", profile,
		"total_files", plan.TotalFiles,
		"unchanged", plan.Count(OpUnchanged),
		"remove", plan.Count(OpRemove),
	)
	return plan, nil
}

// walkBase visits every regular file of the base tree that is not hidden
// by a tombstone. Symlinked files and directories are followed.
func (p *Planner) walkBase(ctx context.Context, tombstones map[string]bool, fn func(rel string, size int64)) error {
	root, err := filepath.EvalSymlinks(p.base)
	if err != nil {
		return apperr.IO(err, "resolve base path")
	}

	type dir struct{ rel, real string }
	stack := []dir{{"", root}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := p.fs.ReadDir(filepath.Join(p.base, filepath.FromSlash(cur.rel)))
		if err != nil {
			return apperr.IO(err, "read base directory %q", cur.rel)
		}

		for _, d := range entries {
			rel := path.Join(cur.rel, d.Name())
			if tombstones[rel] {
				continue
			}
			abs := filepath.Join(p.base, filepath.FromSlash(rel))

			if d.IsDir() {
				stack = append(stack, dir{rel, filepath.Join(cur.real, d.Name())})
				continue
			}

			info, err := p.fs.Stat(abs)
			if err != nil {
				if os.IsNotExist(err) {
					p.logger.Warn("skipping dangling base symlink", "path", rel)
					continue
				}
				return apperr.IO(err, "stat base file %q", rel)
			}

			// Symlinked directories are walked like the overlay resolves
			// them, unless they point back at an ancestor.
			if info.IsDir() {
				target, err := filepath.EvalSymlinks(abs)
				if err != nil {
					return apperr.IO(err, "resolve base symlink %q", rel)
				}
				if isAncestor(target, cur.real) {
					p.logger.Warn("skipping base symlink loop", "path", rel, "target", target)
					continue
				}
				stack = append(stack, dir{rel, target})
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}
			fn(rel, info.Size())
		}
	}
	return nil
}

// isAncestor reports whether dir is a or lies below it.
func isAncestor(a, dir string) bool {
	rel, err := filepath.Rel(a, dir)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sameSource(prev manifest.File, want desired) bool {
	if prev.Path == "" || prev.Source != want.source || prev.Size != want.size {
		return false
	}
	return prev.Hash == want.hash
}

func sortedKeys(files map[string]desired, previous map[string]manifest.File) []string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	for k := range previous {
		if _, ok := files[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
