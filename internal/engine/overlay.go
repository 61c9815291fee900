package engine

import (
	"context"
	"io"

	"github.com/danieljhkim/deltaruntime/internal/overlay"
)

// GetVirtualFileTree resolves one level of a profile's logical tree. An
// empty path resolves the root.
func (e *Engine) GetVirtualFileTree(ctx context.Context, profile, path string) (*overlay.Node, error) {
	return e.overlay.Resolve(ctx, profile, path)
}

// CopyToWorkspace turns a base file into a workspace override.
func (e *Engine) CopyToWorkspace(ctx context.Context, profile, path string) error {
	return e.overlay.CopyToWorkspace(ctx, profile, path)
}

// DeleteWorkspaceFile removes a workspace-only file.
func (e *Engine) DeleteWorkspaceFile(ctx context.Context, profile, path string) error {
	return e.overlay.DeleteWorkspaceFile(ctx, profile, path)
}

// RevertToOriginal drops an override so the base file shows through again.
func (e *Engine) RevertToOriginal(ctx context.Context, profile, path string) error {
	return e.overlay.RevertToOriginal(ctx, profile, path)
}

// DeleteVirtualFile hides a path from the logical tree.
func (e *Engine) DeleteVirtualFile(ctx context.Context, profile, path string) error {
	return e.overlay.DeleteVirtualFile(ctx, profile, path)
}

// RestoreDeletedFile removes a tombstone.
func (e *Engine) RestoreDeletedFile(ctx context.Context, profile, path string) error {
	return e.overlay.RestoreDeletedFile(ctx, profile, path)
}

// WriteWorkspaceFile stores r as the content of a workspace file.
func (e *Engine) WriteWorkspaceFile(ctx context.Context, profile, path string, r io.Reader) error {
	return e.overlay.WriteWorkspaceFile(ctx, profile, path, r)
}

// DebugBlobCache describes the blob behind a path.
func (e *Engine) DebugBlobCache(ctx context.Context, profile, path string) (string, error) {
	return e.overlay.DebugBlob(ctx, profile, path)
}
