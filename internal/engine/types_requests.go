package engine

// InitRequest represents a request to bootstrap a data root.
type InitRequest struct {
	// BasePath is the immutable base installation
	BasePath string

	// Mode is the overlay mode ("hardlink" or "copy")
	Mode string

	// Executable overrides the file that must exist in BasePath
	Executable string

	// Force re-initializes an existing data root
	Force bool
}
