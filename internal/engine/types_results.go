package engine

import (
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// InitResult represents the result of bootstrapping a data root.
type InitResult struct {
	// Root is the data root directory
	Root string `json:"root"`

	// SettingsPath is where settings.yaml was written
	SettingsPath string `json:"settings_path"`

	// BasePath is the validated base installation
	BasePath string `json:"base_path"`

	// Mode is the overlay mode written to settings
	Mode string `json:"mode"`

	// FreeBytes is the free space observed on the data root
	FreeBytes uint64 `json:"free_bytes"`

	// Warnings are non-fatal problems found while validating
	Warnings []string `json:"warnings,omitempty"`
}

// StatusResult summarizes the data root.
type StatusResult struct {
	Root     string `json:"root"`
	BasePath string `json:"base_path"`
	Mode     string `json:"mode"`
	Profiles int    `json:"profiles"`

	// Blobs holds blob table totals
	Blobs index.BlobStats `json:"blobs"`

	// FreeBytes is the free space on the data root
	FreeBytes uint64 `json:"free_bytes"`
}

// CheckResult is the outcome of an integrity check.
type CheckResult struct {
	// Checked is the number of blobs whose bytes were re-hashed
	Checked int `json:"checked"`

	// Corrupt lists blobs whose bytes no longer match their hash
	Corrupt []string `json:"corrupt,omitempty"`

	// Missing lists registered blobs with no file in the store
	Missing []string `json:"missing,omitempty"`

	// Refcounts lists blobs whose refcount disagrees with the index
	Refcounts []index.RefMismatch `json:"refcounts,omitempty"`
}

// OK reports whether the check found no problems.
func (r *CheckResult) OK() bool {
	return len(r.Corrupt) == 0 && len(r.Missing) == 0 && len(r.Refcounts) == 0
}
