// Package fsops provides filesystem operations with safety guarantees.
//
// All filesystem mutations in deltaruntime go through the FS interface, which
// provides abstractions for common operations along with virtual path
// validation so overlay paths can never escape the tree they address.
//
// Key features:
//   - Hardlinks with a copy fallback when linking is unsupported
//   - Atomic writes and atomic symlink replacement using temp + rename
//   - Free space and link capability checks for build preflight
//   - Testable via the FS interface
package fsops

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LinkMethod reports how a file was materialized.
type LinkMethod string

const (
	// MethodHardlink means the destination shares the source's inode.
	MethodHardlink LinkMethod = "hardlink"

	// MethodCopy means the destination is an independent copy.
	MethodCopy LinkMethod = "copy"
)

// FS provides an abstraction for filesystem operations.
// All filesystem mutations in deltaruntime must go through this interface.
type FS interface {
	// Lstat returns file info without following symlinks.
	Lstat(path string) (os.FileInfo, error)

	// Stat returns file info, following symlinks.
	Stat(path string) (os.FileInfo, error)

	// ReadDir lists a directory sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)

	// Readlink reads the target of a symlink.
	Readlink(path string) (string, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm os.FileMode) error

	// Remove removes a file or empty directory.
	Remove(path string) error

	// RemoveAll removes a path and all its contents.
	RemoveAll(path string) error

	// Rename moves oldpath to newpath.
	Rename(oldpath, newpath string) error

	// Link materializes src at dst with a hardlink, falling back to a copy
	// when the filesystem cannot link (cross-device, unsupported).
	Link(src, dst string) (LinkMethod, error)

	// CopyFile copies a regular file from src to dst, creating parents.
	CopyFile(src, dst string) error

	// AtomicWrite writes data to path atomically using temp file + rename.
	AtomicWrite(path string, data []byte, perm os.FileMode) error

	// ReplaceSymlink points link at target atomically.
	ReplaceSymlink(target, link string) error

	// Exists checks if a path exists.
	Exists(path string) (bool, error)

	// FreeSpace returns the bytes available to unprivileged users on the
	// filesystem holding path.
	FreeSpace(path string) (uint64, error)
}

// RealFS implements FS using actual OS operations.
type RealFS struct{}

// NewRealFS creates a new RealFS.
func NewRealFS() *RealFS {
	return &RealFS{}
}

// Lstat returns file info without following symlinks.
func (fs *RealFS) Lstat(path string) (os.FileInfo, error) {
	return os.Lstat(path)
}

// Stat returns file info, following symlinks.
func (fs *RealFS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// ReadDir lists a directory sorted by name.
func (fs *RealFS) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// Readlink reads the target of a symlink.
func (fs *RealFS) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

// MkdirAll creates a directory and all parent directories.
func (fs *RealFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Remove removes a file or empty directory.
func (fs *RealFS) Remove(path string) error {
	return os.Remove(path)
}

// RemoveAll removes a path and all its contents.
func (fs *RealFS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Rename moves oldpath to newpath.
func (fs *RealFS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Link materializes src at dst with a hardlink, falling back to a copy.
func (fs *RealFS) Link(src, dst string) (LinkMethod, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	err := os.Link(src, dst)
	if err == nil {
		return MethodHardlink, nil
	}
	if !linkUnsupported(err) {
		return "", fmt.Errorf("failed to link %s: %w", dst, err)
	}

	if err := fs.CopyFile(src, dst); err != nil {
		return "", err
	}
	return MethodCopy, nil
}

// CopyFile copies a regular file from src to dst.
// Follows symlinks to copy the target content, not the symlink itself.
func (fs *RealFS) CopyFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if srcInfo.IsDir() {
		return fmt.Errorf("cannot copy directory %q as a file", src)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		_ = srcFile.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Blob files are read-only; copies must be writable by the owner.
	mode := srcInfo.Mode().Perm() | 0200
	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer func() {
		_ = dstFile.Close()
	}()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	return dstFile.Sync()
}

// AtomicWrite writes data to path atomically using temp file + rename.
func (fs *RealFS) AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Create temp file in the same directory as target
	tmpFile, err := os.CreateTemp(dir, ".deltaruntime-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	tmpFile = nil
	return nil
}

// ReplaceSymlink points link at target atomically. A reader resolving link
// observes either the old target or the new one, never a missing link.
func (fs *RealFS) ReplaceSymlink(target, link string) error {
	dir := filepath.Dir(link)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(link)+".swap")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to swap symlink: %w", err)
	}
	return nil
}

// Exists checks if a path exists.
func (fs *RealFS) Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// FreeSpace returns the bytes available on the filesystem holding path.
func (fs *RealFS) FreeSpace(path string) (uint64, error) {
	return freeSpace(path)
}

// ProbeLink checks that src can be hardlinked into dir by creating and
// removing a throwaway link.
func ProbeLink(fs FS, src, dir string) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create probe directory: %w", err)
	}
	probe := filepath.Join(dir, ".link-probe")
	_ = fs.Remove(probe)

	if err := os.Link(src, probe); err != nil {
		return fmt.Errorf("hardlinks from %s into %s are not supported: %w", filepath.Dir(src), dir, err)
	}
	return fs.Remove(probe)
}
