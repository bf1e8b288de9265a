package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newMemBackend(t *testing.T) Backend {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll("/corpus", 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := NewFS(fsys, "/corpus")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// -----------------------------------------------------------------------------
// Path validation
// -----------------------------------------------------------------------------

func TestCleanPath_RejectsEscapes(t *testing.T) {
	for _, name := range []string{"", "/abs/path", "..", "../x", "a/../../x", "."} {
		if _, err := CleanPath(name); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("CleanPath(%q): expected ErrInvalidPath, got %v", name, err)
		}
	}
}

func TestCleanPath_NormalizesSeparators(t *testing.T) {
	got, err := CleanPath(`sub\file.txt`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sub/file.txt" {
		t.Errorf("expected sub/file.txt, got %q", got)
	}
}

func TestCleanPrefix_EmptyMeansRoot(t *testing.T) {
	for _, p := range []string{"", "."} {
		got, err := CleanPrefix(p)
		if err != nil {
			t.Fatal(err)
		}
		if got != "" {
			t.Errorf("CleanPrefix(%q) = %q, expected empty", p, got)
		}
	}
	if _, err := CleanPrefix("../x"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Put semantics
// -----------------------------------------------------------------------------

func TestFSBackend_Put_NoOverwrite(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	if err := b.Put(ctx, "a/b.txt", strings.NewReader("hello"), false); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	err := b.Put(ctx, "a/b.txt", strings.NewReader("world"), false)
	if !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	f, err := b.Open(ctx, "a/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data := make([]byte, f.Size())
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("content overwritten: got %q", data)
	}
}

func TestFSBackend_Put_Overwrite(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	if err := b.Put(ctx, "a.txt", strings.NewReader("one"), false); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "a.txt", strings.NewReader("two"), true); err != nil {
		t.Fatalf("overwrite Put failed: %v", err)
	}

	f, err := b.Open(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Size() != 3 {
		t.Fatalf("expected size 3, got %d", f.Size())
	}
	data := make([]byte, 3)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Errorf("expected 'two', got %q", data)
	}
}

func TestFSBackend_Put_LeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	if err := b.Put(ctx, "sub/x.txt", bytes.NewReader([]byte("body")), false); err != nil {
		t.Fatal(err)
	}
	paths, err := b.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range paths {
		if strings.Contains(p, ".textsurf-put-") {
			t.Errorf("temp file left behind: %s", p)
		}
	}
	if len(paths) != 1 || paths[0] != "sub/x.txt" {
		t.Errorf("unexpected listing: %v", paths)
	}
}

// -----------------------------------------------------------------------------
// Open / Exists / Remove
// -----------------------------------------------------------------------------

func TestFSBackend_Open_NotFound(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	if _, err := b.Open(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSBackend_Open_ReadAt(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	if err := b.Put(ctx, "r.txt", strings.NewReader("hello world"), false); err != nil {
		t.Fatal(err)
	}
	f, err := b.Open(ctx, "r.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 6); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf) != "world" {
		t.Errorf("expected 'world', got %q", buf)
	}
	if f.Size() != 11 {
		t.Errorf("expected size 11, got %d", f.Size())
	}
	if f.ModTime().IsZero() {
		t.Error("expected non-zero mtime")
	}
}

func TestFSBackend_Remove(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	if err := b.Put(ctx, "d.txt", strings.NewReader("x"), false); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(ctx, "d.txt"); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(ctx, "d.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	exists, err := b.Exists(ctx, "d.txt")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("file still exists after Remove")
	}
}

func TestFSBackend_RemoveAll(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	for _, p := range []string{"pre/a.txt", "pre/sub/b.txt", "other/c.txt"} {
		if err := b.Put(ctx, p, strings.NewReader("x"), false); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.RemoveAll(ctx, "pre"); err != nil {
		t.Fatal(err)
	}
	paths, err := b.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "other/c.txt" {
		t.Errorf("unexpected listing after RemoveAll: %v", paths)
	}
	// Removing a missing prefix is not an error.
	if err := b.RemoveAll(ctx, "pre"); err != nil {
		t.Fatal(err)
	}
}

// -----------------------------------------------------------------------------
// Listing
// -----------------------------------------------------------------------------

func TestFSBackend_List_SkipsDotDirectories(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	for _, p := range []string{
		"/corpus/a.txt",
		"/corpus/sub/b.txt",
		"/corpus/.git/objects/c.txt",
	} {
		if err := afero.WriteFile(fsys, p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	b, err := NewFS(fsys, "/corpus")
	if err != nil {
		t.Fatal(err)
	}

	paths, err := b.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "sub/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, expected %q", i, paths[i], want[i])
		}
	}
}

func TestFSBackend_List_Prefix(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend(t)

	for _, p := range []string{"x/a.txt", "x/y/b.txt", "z/c.txt"} {
		if err := b.Put(ctx, p, strings.NewReader("x"), false); err != nil {
			t.Fatal(err)
		}
	}
	paths, err := b.List(ctx, "x")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"x/a.txt", "x/y/b.txt"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, expected %q", i, paths[i], want[i])
		}
	}

	// Missing prefix yields an empty list, not an error.
	paths, err = b.List(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("expected empty list, got %v", paths)
	}
}

func TestNewFS_RequiresExistingDir(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if _, err := NewFS(fsys, "/nope"); err == nil {
		t.Error("expected error for missing base directory")
	}
}
