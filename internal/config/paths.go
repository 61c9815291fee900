// Package config manages the deltaruntime data root layout and settings.
//
// The data root holds every mutable byte the engine owns: the blob store,
// per-profile workspaces and saves, built runtimes, logs, the SQLite overlay
// index and settings.yaml. The default root is ~/.deltaruntime and can be
// overridden with the DELTARUNTIME_ROOT environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// RootEnv is the environment variable overriding the data root.
const RootEnv = "DELTARUNTIME_ROOT"

// Paths contains all the filesystem paths used by deltaruntime.
type Paths struct {
	// Root is the base directory for all data (default: ~/.deltaruntime)
	Root string

	// Blobs is the content-addressed blob store directory
	Blobs string

	// Profiles contains one directory per profile (workspace/ and saves/)
	Profiles string

	// Runtimes contains one directory per profile with built runtimes
	Runtimes string

	// Logs is the directory for log files
	Logs string

	// Index is the path to the SQLite overlay index
	Index string

	// Settings is the path to settings.yaml
	Settings string
}

// NewPaths returns the layout rooted at root.
func NewPaths(root string) *Paths {
	return &Paths{
		Root:     root,
		Blobs:    filepath.Join(root, "blobs"),
		Profiles: filepath.Join(root, "profiles"),
		Runtimes: filepath.Join(root, "runtimes"),
		Logs:     filepath.Join(root, "logs"),
		Index:    filepath.Join(root, "index.db"),
		Settings: filepath.Join(root, "settings.yaml"),
	}
}

// DefaultPaths returns the default paths for deltaruntime.
// Paths can be overridden with environment variables:
// - DELTARUNTIME_ROOT: Override the root directory
func DefaultPaths() (*Paths, error) {
	root := os.Getenv(RootEnv)
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		root = filepath.Join(home, ".deltaruntime")
	}

	return NewPaths(root), nil
}

// EnsureDirectories creates all necessary directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.Root,
		p.Blobs,
		p.Profiles,
		p.Runtimes,
		p.Logs,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ProfileDir returns the directory of a profile.
func (p *Paths) ProfileDir(name string) string {
	return filepath.Join(p.Profiles, name)
}

// WorkspaceDir returns the editable workspace mirror of a profile.
func (p *Paths) WorkspaceDir(name string) string {
	return filepath.Join(p.Profiles, name, "workspace")
}

// SavesDir returns the saves directory of a profile.
func (p *Paths) SavesDir(name string) string {
	return filepath.Join(p.Profiles, name, "saves")
}

// RuntimeDir returns the directory holding a profile's builds.
func (p *Paths) RuntimeDir(name string) string {
	return filepath.Join(p.Runtimes, name)
}

// BuildLock returns the lock file held while a profile's runtime builds.
func (p *Paths) BuildLock(name string) string {
	return filepath.Join(p.Runtimes, name, ".build.lock")
}

// BuildsDir returns the directory holding a profile's published builds.
func (p *Paths) BuildsDir(name string) string {
	return filepath.Join(p.Runtimes, name, "builds")
}

// CurrentRuntime returns the path of the active runtime link for a profile.
// This is the directory the target application is launched from.
func (p *Paths) CurrentRuntime(name string) string {
	return filepath.Join(p.Runtimes, name, "current")
}
