// Package profiles manages the profile lifecycle.
//
// A profile is a named, independent overlay over the shared base tree. Its
// row and overlay entries live in the index; on disk it owns
// profiles/<name>/workspace (the editable mirror), profiles/<name>/saves and
// runtimes/<name> (built runtimes).
//
// Key components:
//   - Manager: create, list, get, rename, delete and touch profiles
//   - ValidateName: profile name rules shared with the CLI
//   - MutationKey / BuildKey: keylock scopes shared with overlay and builder
//   - LockBuild: the build slot, held across processes
package profiles

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/index"
	"github.com/danieljhkim/deltaruntime/internal/keylock"
)

// LockBuild takes a profile's build slot without waiting: the in-process
// BuildKey and the runtime directory's lock file, which other deltaruntime
// processes honor too. ok is false while a build holds the slot. A profile
// without a runtime directory only takes the in-process key.
func LockBuild(locks *keylock.Locker, paths *config.Paths, name string) (unlock func(), ok bool, err error) {
	unlockKey, ok := locks.TryLock(BuildKey(name))
	if !ok {
		return nil, false, nil
	}
	unlockFile, ok, err := keylock.TryLockFile(paths.BuildLock(name))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return unlockKey, true, nil
	case err != nil:
		unlockKey()
		return nil, false, apperr.IO(err, "lock runtime directory of %q", name)
	case !ok:
		unlockKey()
		return nil, false, nil
	}
	return func() {
		unlockFile()
		unlockKey()
	}, true, nil
}

// invalidNameChars may not appear in profile names.
const invalidNameChars = `/\:*?"<>|`

// MaxNameLength bounds profile names.
const MaxNameLength = 64

// MutationKey is the keylock scope serializing a profile's overlay mutations.
func MutationKey(name string) string {
	return "profile:" + name
}

// BuildKey is the keylock scope held while a profile's runtime is building.
func BuildKey(name string) string {
	return "build:" + name
}

// ValidateName checks a profile name.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return apperr.Validation("profile name cannot be empty")
	case name != strings.TrimSpace(name):
		return apperr.Validation("profile name cannot start or end with whitespace")
	case name == "." || name == "..":
		return apperr.Validation("profile name %q is reserved", name)
	case strings.ContainsAny(name, invalidNameChars):
		return apperr.Validation("profile name %q contains invalid characters (%s)", name, invalidNameChars)
	case len(name) > MaxNameLength:
		return apperr.Validation("profile name is longer than %d characters", MaxNameLength)
	}
	for _, r := range name {
		if r < 0x20 {
			return apperr.Validation("profile name contains control characters")
		}
	}
	return nil
}

// Info describes a profile.
type Info struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	WorkspaceDir string    `json:"workspace_dir"`
	SavesDir     string    `json:"saves_dir"`
	RuntimeDir   string    `json:"runtime_dir"`

	// Files is the number of workspace file entries
	Files int `json:"files"`

	// Tombstones is the number of deleted base paths
	Tombstones int `json:"tombstones"`
}

// Manager manages profiles.
type Manager struct {
	paths  *config.Paths
	fs     fsops.FS
	db     *index.DB
	locks  *keylock.Locker
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(paths *config.Paths, db *index.DB, fsys fsops.FS, locks *keylock.Locker, logger *slog.Logger) *Manager {
	return &Manager{
		paths:  paths,
		fs:     fsys,
		db:     db,
		locks:  locks,
		logger: logger,
	}
}

func (m *Manager) info(tx *index.Tx, p *index.Profile) (*Info, error) {
	entries, err := tx.ListEntries(p.Name)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Name:         p.Name,
		Description:  p.Description,
		CreatedAt:    p.CreatedAt,
		LastUsed:     p.LastUsed,
		WorkspaceDir: m.paths.WorkspaceDir(p.Name),
		SavesDir:     m.paths.SavesDir(p.Name),
		RuntimeDir:   m.paths.RuntimeDir(p.Name),
	}
	for _, e := range entries {
		if e.Kind == index.KindTombstone {
			info.Tombstones++
		} else {
			info.Files++
		}
	}
	return info, nil
}

// List returns all profiles, most recently used first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := m.db.View(ctx, func(tx *index.Tx) error {
		rows, err := tx.ListProfiles()
		if err != nil {
			return err
		}
		out = make([]Info, 0, len(rows))
		for i := range rows {
			info, err := m.info(tx, &rows[i])
			if err != nil {
				return err
			}
			out = append(out, *info)
		}
		return nil
	})
	return out, err
}

// Get returns one profile.
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	var out *Info
	err := m.db.View(ctx, func(tx *index.Tx) error {
		p, err := tx.MustGetProfile(name)
		if err != nil {
			return err
		}
		out, err = m.info(tx, p)
		return err
	})
	return out, err
}

// Create creates a profile and its directories.
func (m *Manager) Create(ctx context.Context, name, description string) (*Info, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(MutationKey(name))
	defer unlock()

	for _, dir := range []string{m.paths.WorkspaceDir(name), m.paths.SavesDir(name), m.paths.RuntimeDir(name)} {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return nil, apperr.IO(err, "create profile directory %s", dir)
		}
	}

	var out *Info
	err := m.db.Update(ctx, func(tx *index.Tx) error {
		p, err := tx.InsertProfile(name, description)
		if err != nil {
			return err
		}
		out, err = m.info(tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("profile created", "profile", name)
	return out, nil
}

// Rename renames a profile, its entries and its directories. Fails with
// ConflictError while the profile's runtime is building.
func (m *Manager) Rename(ctx context.Context, oldName, newName string) (*Info, error) {
	if err := ValidateName(newName); err != nil {
		return nil, err
	}
	if oldName == newName {
		return m.Get(ctx, oldName)
	}

	release, err := m.lockForRemoval(oldName)
	if err != nil {
		return nil, err
	}
	defer release()

	unlockNew := m.locks.Lock(MutationKey(newName))
	defer unlockNew()

	if err := m.db.View(ctx, func(tx *index.Tx) error {
		if _, err := tx.MustGetProfile(oldName); err != nil {
			return err
		}
		taken, err := tx.GetProfile(newName)
		if err != nil {
			return err
		}
		if taken != nil {
			return apperr.Validation("profile %q already exists", newName)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	moves := [][2]string{
		{m.paths.ProfileDir(oldName), m.paths.ProfileDir(newName)},
		{m.paths.RuntimeDir(oldName), m.paths.RuntimeDir(newName)},
	}
	var done [][2]string
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			_ = m.fs.Rename(done[i][1], done[i][0])
		}
	}
	for _, mv := range moves {
		exists, err := m.fs.Exists(mv[0])
		if err != nil {
			undo()
			return nil, apperr.IO(err, "stat %s", mv[0])
		}
		if !exists {
			continue
		}
		if taken, _ := m.fs.Exists(mv[1]); taken {
			undo()
			return nil, apperr.Validation("directory %s already exists", mv[1])
		}
		if err := m.fs.Rename(mv[0], mv[1]); err != nil {
			undo()
			return nil, apperr.IO(err, "rename %s", mv[0])
		}
		done = append(done, mv)
	}

	var out *Info
	err = m.db.Update(ctx, func(tx *index.Tx) error {
		if err := tx.RenameProfile(oldName, newName); err != nil {
			return err
		}
		if err := tx.TouchProfile(newName); err != nil {
			return err
		}
		p, err := tx.MustGetProfile(newName)
		if err != nil {
			return err
		}
		out, err = m.info(tx, p)
		return err
	})
	if err != nil {
		undo()
		return nil, err
	}

	m.logger.Info("profile renamed", "profile", oldName, "new_name", newName)
	return out, nil
}

// Delete removes a profile: every blob reference it held is released in
// the same transaction that drops its entries, then its directories are
// removed. Fails with ConflictError while the profile's runtime is building.
func (m *Manager) Delete(ctx context.Context, name string) error {
	release, err := m.lockForRemoval(name)
	if err != nil {
		return err
	}
	defer release()

	var released int
	err = m.db.Update(ctx, func(tx *index.Tx) error {
		if _, err := tx.MustGetProfile(name); err != nil {
			return err
		}
		entries, err := tx.ListEntries(name)
		if err != nil {
			return err
		}
		if err := tx.DeleteEntries(name); err != nil {
			return err
		}
		for _, e := range entries {
			if e.Kind != index.KindFile {
				continue
			}
			if err := tx.DecrementRef(e.Hash); err != nil {
				return err
			}
			released++
		}
		return tx.DeleteProfile(name)
	})
	if err != nil {
		return err
	}

	for _, dir := range []string{m.paths.ProfileDir(name), m.paths.RuntimeDir(name)} {
		if err := m.fs.RemoveAll(dir); err != nil {
			m.logger.Warn("failed to remove profile directory", "profile", name, "dir", dir, "error", err)
		}
	}

	m.logger.Info("profile deleted", "profile", name, "released_refs", released)
	return nil
}

// Touch records that a profile was used.
func (m *Manager) Touch(ctx context.Context, name string) error {
	return m.db.Update(ctx, func(tx *index.Tx) error {
		return tx.TouchProfile(name)
	})
}

// EnsureDirs recreates a profile's directories if missing.
func (m *Manager) EnsureDirs(name string) error {
	for _, dir := range []string{m.paths.WorkspaceDir(name), m.paths.SavesDir(name)} {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return apperr.IO(err, "create profile directory %s", dir)
		}
	}
	return nil
}

// lockForRemoval takes the build slot (failing fast if a build is running)
// and the mutation scope of a profile.
func (m *Manager) lockForRemoval(name string) (func(), error) {
	unlockBuild, ok, err := LockBuild(m.locks, m.paths, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("a runtime build is in progress for profile %q", name)
	}
	unlockMut := m.locks.Lock(MutationKey(name))
	return func() {
		unlockMut()
		unlockBuild()
	}, nil
}
