package engine

import "errors"

var (
	// ErrNotInitialized indicates settings.yaml is missing from the data root.
	ErrNotInitialized = errors.New("deltaruntime is not initialized (run 'deltaruntime init --base <dir>')")

	// ErrAlreadyInitialized indicates init was run against an existing data root.
	ErrAlreadyInitialized = errors.New("deltaruntime is already initialized")
)
