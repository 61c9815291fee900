// Package manifest records what a published runtime contains.
//
// Each build under runtimes/<profile>/builds/<id> has a sibling
// <id>.manifest.json.zst written before the build becomes current. The
// planner compares the desired file set against the current build's
// manifest to classify files as unchanged or removed.
package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
)

// Version is the manifest format version.
const Version = 1

// Suffix is appended to a build ID to form its manifest file name.
const Suffix = ".manifest.json.zst"

// Source is where a runtime file's bytes came from.
type Source string

const (
	SourceBase Source = "base"
	SourceBlob Source = "blob"
)

// File is one materialized file.
type File struct {
	Path   string `json:"path"`
	Source Source `json:"source"`

	// Hash is the blob hash for blob-sourced files
	Hash string `json:"hash,omitempty"`

	Size int64 `json:"size"`
}

// Manifest describes one published build.
type Manifest struct {
	Version   int       `json:"version"`
	Profile   string    `json:"profile"`
	BuildID   string    `json:"build_id"`
	CreatedAt time.Time `json:"created_at"`
	Files     []File    `json:"files"`
}

// Lookup indexes files by path.
func (m *Manifest) Lookup() map[string]File {
	out := make(map[string]File, len(m.Files))
	for _, f := range m.Files {
		out[f.Path] = f
	}
	return out
}

// PathFor returns the manifest path for a build in buildsDir.
func PathFor(buildsDir, buildID string) string {
	return filepath.Join(buildsDir, buildID+Suffix)
}

// Write encodes m as zstd-compressed JSON and writes it atomically.
// Files are sorted by path first.
func Write(fsys fsops.FS, path string, m *Manifest) error {
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	if m.Version == 0 {
		m.Version = Version
	}

	data, err := json.Marshal(m)
	if err != nil {
		return apperr.IO(err, "encode manifest")
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return apperr.IO(err, "create zstd encoder")
	}
	defer enc.Close()

	if err := fsys.AtomicWrite(path, enc.EncodeAll(data, nil), 0644); err != nil {
		return apperr.IO(err, "write manifest %s", path)
	}
	return nil
}

// Read loads a manifest. Fails with NotFound if the file does not exist.
func Read(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("manifest %s", path)
		}
		return nil, apperr.IO(err, "read manifest %s", path)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperr.IO(err, "create zstd decoder")
	}
	defer dec.Close()

	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, apperr.Integrity("manifest %s: %v", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.Integrity("manifest %s: %v", path, err)
	}
	if m.Version > Version {
		return nil, apperr.Validation("manifest %s has unsupported version %d", path, m.Version)
	}
	return &m, nil
}

// CurrentLink is the name of the symlink selecting a profile's active build.
const CurrentLink = "current"

// Current returns the build ID that runtimeDir/current points at and its
// manifest. It returns "" and a nil manifest when nothing has been
// published or the current build has no readable manifest.
func Current(fsys fsops.FS, runtimeDir string) (string, *Manifest, error) {
	target, err := fsys.Readlink(filepath.Join(runtimeDir, CurrentLink))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, apperr.IO(err, "read current runtime link")
	}

	id := filepath.Base(target)
	m, err := Read(PathFor(filepath.Join(runtimeDir, "builds"), id))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrIntegrity) {
			return id, nil, nil
		}
		return id, nil, err
	}
	return id, m, nil
}
