// Package storage abstracts the place text resources live.
//
// A Backend addresses resources by slash-separated relative paths under a
// configured root. Implementations target the local filesystem (any
// afero.Fs) or S3-compatible object stores (subpackage s3). The interface
// is intentionally minimal: open for random access, existence checks,
// recursive listing, atomic publication, and removal.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the requested path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists indicates a no-overwrite Put hit an existing path.
	ErrExists = errors.New("path exists")

	// ErrInvalidPath indicates a path that is empty, absolute, or would
	// escape the storage root.
	ErrInvalidPath = errors.New("invalid path: escapes storage root")
)

// File is an open, read-only handle to a stored resource.
//
// ReadAt must be safe for concurrent use at different offsets; Size and
// ModTime report the values observed when the file was opened. Backends
// are not required to snapshot: callers must finish reading before the
// path is removed or replaced (the pool's drain discipline guarantees
// this ordering).
type File interface {
	io.ReaderAt
	io.Closer

	// Size returns the content length in bytes.
	Size() int64

	// ModTime returns the last modification time.
	ModTime() time.Time
}

// Backend abstracts the underlying resource store.
//
// All paths are relative, slash-separated, and interpreted under the
// backend's root. Implementations must reject traversal outside the root
// with ErrInvalidPath.
type Backend interface {
	// Open opens the path for random-access reads.
	// Returns ErrNotFound if the path does not exist.
	Open(ctx context.Context, name string) (File, error)

	// Exists reports whether the path exists.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns the relative paths of all regular files under prefix,
	// sorted. Entries under dot-directories are skipped. An empty prefix
	// lists the whole root. A missing prefix yields an empty list.
	List(ctx context.Context, prefix string) ([]string, error)

	// Put publishes the reader's content at the path, creating missing
	// parent directories. Publication is atomic: a concurrent Open never
	// observes a partially written file. With overwrite false, an
	// existing path fails with ErrExists; with overwrite true the old
	// content is replaced.
	Put(ctx context.Context, name string, r io.Reader, overwrite bool) error

	// Remove deletes the path. Returns ErrNotFound if it does not exist.
	Remove(ctx context.Context, name string) error

	// RemoveAll deletes the prefix and everything under it. Removing a
	// missing prefix is not an error.
	RemoveAll(ctx context.Context, prefix string) error
}

// CleanPath validates and normalizes a relative file path. It returns
// ErrInvalidPath for empty, absolute, or root-escaping paths.
func CleanPath(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// CleanPrefix validates and normalizes a relative directory prefix. An
// empty prefix denotes the root and is valid.
func CleanPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	cleaned := path.Clean(strings.ReplaceAll(prefix, "\\", "/"))
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
