package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
)

// DefaultDebounce is how long a workspace must be quiet before pending
// changes are normalized.
const DefaultDebounce = 200 * time.Millisecond

// Watcher feeds filesystem events from a workspace directory to a
// Normalizer.
type Watcher struct {
	norm     *Normalizer
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(norm *Normalizer, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{norm: norm, debounce: debounce, logger: logger}
}

// Run watches a profile's workspace directory until ctx is done. Changes
// are batched until the directory has been quiet for the debounce period.
func (w *Watcher) Run(ctx context.Context, profile string) error {
	root := w.norm.paths.WorkspaceDir(profile)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.IO(err, "create workspace watcher")
	}
	defer fsw.Close()

	if err := w.addTree(fsw, root); err != nil {
		return err
	}
	w.logger.Info("watching workspace", "profile", profile, "dir", root)

	pending := make(map[string]bool)
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("workspace watcher error", "profile", profile, "error", err)

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil || rel == "." || hasHiddenComponent(filepath.ToSlash(rel)) {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					// Files created before the watch was added are picked up by walking.
					if err := w.addTree(fsw, ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
					}
					w.markTree(root, ev.Name, pending)
					flush = time.After(w.debounce)
					continue
				}
			}
			pending[filepath.ToSlash(rel)] = true
			flush = time.After(w.debounce)

		case <-flush:
			flush = nil
			w.process(ctx, profile, pending)
			pending = make(map[string]bool)
		}
	}
}

func (w *Watcher) process(ctx context.Context, profile string, pending map[string]bool) {
	for rel := range pending {
		abs := filepath.Join(w.norm.paths.WorkspaceDir(profile), filepath.FromSlash(rel))
		info, err := os.Lstat(abs)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			if _, err := w.norm.Normalize(ctx, profile, rel); err != nil {
				w.logger.Warn("failed to normalize workspace file", "profile", profile, "path", rel, "error", err)
			}
		case os.IsNotExist(err):
			if err := w.norm.Removed(ctx, profile, rel); err != nil {
				w.logger.Warn("failed to apply workspace removal", "profile", profile, "path", rel, "error", err)
			}
		}
	}
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return apperr.IO(err, "watch %s", p)
		}
		return nil
	})
}

// markTree queues every file under dir.
func (w *Watcher) markTree(root, dir string, pending map[string]bool) {
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if rel, err := filepath.Rel(root, p); err == nil && !hasHiddenComponent(filepath.ToSlash(rel)) {
			pending[filepath.ToSlash(rel)] = true
		}
		return nil
	})
}
