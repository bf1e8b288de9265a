package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// fsBackend implements Backend on an afero filesystem.
//
// Consistency: immediate read-after-write on local filesystems. Atomicity:
// Put writes to a temp file in the destination directory and renames it
// into place.
type fsBackend struct {
	fsys afero.Fs
}

// NewFS creates a filesystem-backed Backend rooted at the given directory
// of fsys. The directory must exist. Pass afero.NewOsFs() for the real
// filesystem or afero.NewMemMapFs() for tests.
func NewFS(fsys afero.Fs, root string) (Backend, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("storage: base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: base directory %q is not a directory", root)
	}
	return &fsBackend{fsys: afero.NewBasePathFs(fsys, root)}, nil
}

// fsFile wraps an open afero.File with the stat fields captured at open.
type fsFile struct {
	afero.File
	size    int64
	modTime time.Time
}

func (f *fsFile) Size() int64        { return f.size }
func (f *fsFile) ModTime() time.Time { return f.modTime }

func (b *fsBackend) Open(_ context.Context, name string) (File, error) {
	cleaned, err := CleanPath(name)
	if err != nil {
		return nil, err
	}
	f, err := b.fsys.Open(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: open %s: %w", cleaned, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("storage: stat %s: %w", cleaned, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, ErrNotFound
	}
	return &fsFile{File: f, size: info.Size(), modTime: info.ModTime()}, nil
}

func (b *fsBackend) Exists(_ context.Context, name string) (bool, error) {
	cleaned, err := CleanPath(name)
	if err != nil {
		return false, err
	}
	info, err := b.fsys.Stat(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", cleaned, err)
	}
	return !info.IsDir(), nil
}

func (b *fsBackend) List(_ context.Context, prefix string) ([]string, error) {
	cleaned, err := CleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	start := "."
	if cleaned != "" {
		start = cleaned
	}

	var paths []string
	err = afero.Walk(b.fsys, start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		base := filepath.Base(p)
		if info.IsDir() {
			if p != start && strings.HasPrefix(base, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, filepath.ToSlash(strings.TrimPrefix(p, "./")))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (b *fsBackend) Put(_ context.Context, name string, r io.Reader, overwrite bool) error {
	cleaned, err := CleanPath(name)
	if err != nil {
		return err
	}
	if !overwrite {
		exists, err := afero.Exists(b.fsys, cleaned)
		if err != nil {
			return fmt.Errorf("storage: stat %s: %w", cleaned, err)
		}
		if exists {
			return ErrExists
		}
	}

	dir := filepath.Dir(cleaned)
	if err := b.fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	// Temp file in the destination directory so the rename stays on one
	// filesystem and remains atomic.
	tmp, err := afero.TempFile(b.fsys, dir, ".textsurf-put-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = b.fsys.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", cleaned, err)
	}
	if err := tmp.Close(); err != nil {
		_ = b.fsys.Remove(tmpName)
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	_ = b.fsys.Chmod(tmpName, 0o644)

	if err := b.fsys.Rename(tmpName, cleaned); err != nil {
		// MemMapFs refuses to rename over an existing file; OsFs replaces
		// atomically. Fall back to remove-then-rename for such filesystems.
		if overwrite {
			_ = b.fsys.Remove(cleaned)
			if err2 := b.fsys.Rename(tmpName, cleaned); err2 == nil {
				return nil
			}
		}
		_ = b.fsys.Remove(tmpName)
		return fmt.Errorf("storage: rename %s: %w", cleaned, err)
	}
	return nil
}

func (b *fsBackend) Remove(_ context.Context, name string) error {
	cleaned, err := CleanPath(name)
	if err != nil {
		return err
	}
	if err := b.fsys.Remove(cleaned); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: remove %s: %w", cleaned, err)
	}
	return nil
}

func (b *fsBackend) RemoveAll(_ context.Context, prefix string) error {
	cleaned, err := CleanPrefix(prefix)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return ErrInvalidPath
	}
	if err := b.fsys.RemoveAll(cleaned); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove all %s: %w", cleaned, err)
	}
	return nil
}
