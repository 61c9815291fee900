package planner

import (
	"fmt"

	"github.com/danieljhkim/deltaruntime/internal/manifest"
)

// OpType is the kind of a plan operation.
type OpType string

// Operation type constants
const (
	OpLinkFromBase OpType = "link_from_base"
	OpLinkFromBlob OpType = "link_from_blob"
	OpRemove       OpType = "remove"
	OpUnchanged    OpType = "unchanged"
)

// Plan is the set of operations that materializes a profile's runtime.
type Plan struct {
	// Profile is the profile the plan was computed for
	Profile string `json:"profile"`

	// PreviousBuild is the ID of the build the plan was classified against
	PreviousBuild string `json:"previous_build,omitempty"`

	// TotalFiles is the number of files the runtime will contain
	TotalFiles int `json:"total_files"`

	// TotalBytes is the combined size of those files
	TotalBytes int64 `json:"total_bytes"`

	// BaseFiles and BlobFiles split TotalFiles by source
	BaseFiles int `json:"base_files"`
	BlobFiles int `json:"blob_files"`

	// Operations is sorted by path
	Operations []Operation `json:"operations"`
}

// Operation is a single file of the plan.
type Operation struct {
	// Type is the operation type
	Type OpType `json:"type"`

	// Path is the virtual path, relative to the runtime root
	Path string `json:"path"`

	// Source is where the bytes come from; empty for removals
	Source manifest.Source `json:"source,omitempty"`

	// Hash is the blob hash for blob-sourced files
	Hash string `json:"hash,omitempty"`

	// Size is the file size in bytes
	Size int64 `json:"size"`
}

// NewPlan creates a new empty Plan.
func NewPlan(profile, previousBuild string) *Plan {
	return &Plan{
		Profile:       profile,
		PreviousBuild: previousBuild,
		Operations:    []Operation{},
	}
}

// AddOperation adds an operation to the plan and updates the totals.
func (p *Plan) AddOperation(op Operation) {
	p.Operations = append(p.Operations, op)
	if op.Type == OpRemove {
		return
	}
	p.TotalFiles++
	p.TotalBytes += op.Size
	switch op.Source {
	case manifest.SourceBase:
		p.BaseFiles++
	case manifest.SourceBlob:
		p.BlobFiles++
	}
}

// Count returns the number of operations of the given type.
func (p *Plan) Count(t OpType) int {
	n := 0
	for _, op := range p.Operations {
		if op.Type == t {
			n++
		}
	}
	return n
}

// Files returns the manifest entries the plan materializes.
func (p *Plan) Files() []manifest.File {
	out := make([]manifest.File, 0, p.TotalFiles)
	for _, op := range p.Operations {
		if op.Type == OpRemove {
			continue
		}
		out = append(out, manifest.File{Path: op.Path, Source: op.Source, Hash: op.Hash, Size: op.Size})
	}
	return out
}

// String summarizes the plan.
func (p *Plan) String() string {
	return fmt.Sprintf("%d files (%d base, %d blob), %d unchanged, %d removed",
		p.TotalFiles, p.BaseFiles, p.BlobFiles, p.Count(OpUnchanged), p.Count(OpRemove))
}
