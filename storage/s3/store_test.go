package s3

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knaw-huc/textsurf/storage"
)

// -----------------------------------------------------------------------------
// Unit tests for the S3 store
// These use the mock client and don't require real S3/LocalStack/MinIO.
// -----------------------------------------------------------------------------

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{Bucket: "test"})
	if err == nil {
		t.Error("expected error for nil client")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(NewMockS3Client(), Config{})
	if err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestNew_PrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix   string
		expected string
	}{
		{"", ""},
		{"corpus", "corpus/"},
		{"corpus/", "corpus/"},
		{"a/b", "a/b/"},
	}

	for _, tt := range tests {
		store, err := New(NewMockS3Client(), Config{Bucket: "test", Prefix: tt.prefix})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if store.prefix != tt.expected {
			t.Errorf("prefix %q: expected %q, got %q", tt.prefix, tt.expected, store.prefix)
		}
	}
}

// -----------------------------------------------------------------------------
// Put tests
// -----------------------------------------------------------------------------

func TestStore_Put_NoOverwrite(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if err := store.Put(ctx, "docs/a.txt", bytes.NewReader([]byte("hello")), false); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	err := store.Put(ctx, "docs/a.txt", bytes.NewReader([]byte("world")), false)
	if !errors.Is(err, storage.ErrExists) {
		t.Errorf("expected ErrExists, got: %v", err)
	}
}

func TestStore_Put_Overwrite(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if err := store.Put(ctx, "a.txt", bytes.NewReader([]byte("one")), false); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "a.txt", bytes.NewReader([]byte("three")), true); err != nil {
		t.Fatalf("overwrite Put failed: %v", err)
	}

	f, err := store.Open(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Size() != 5 {
		t.Errorf("expected size 5, got %d", f.Size())
	}
	data := make([]byte, 5)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(data) != "three" {
		t.Errorf("expected 'three', got %q", data)
	}
}

func TestStore_Put_ErrInvalidPath(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	for _, name := range []string{"", "..", "../x", "/abs"} {
		err := store.Put(ctx, name, bytes.NewReader([]byte("x")), false)
		if !errors.Is(err, storage.ErrInvalidPath) {
			t.Errorf("path %q: expected ErrInvalidPath, got: %v", name, err)
		}
	}
}

func TestStore_Put_TempFileCleanup(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	tmpDir := t.TempDir()
	var tmpName string
	store.createTemp = func() (*os.File, error) {
		f, err := os.CreateTemp(tmpDir, "textsurf-s3-*")
		if err == nil {
			tmpName = f.Name()
		}
		return f, err
	}

	if err := store.Put(ctx, "a.txt", bytes.NewReader([]byte("x")), false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmpName); !os.IsNotExist(err) {
		t.Errorf("temp file %s not cleaned up", filepath.Base(tmpName))
	}
}

// -----------------------------------------------------------------------------
// Open / ReadAt tests
// -----------------------------------------------------------------------------

func TestStore_Open_NotFound(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if _, err := store.Open(ctx, "missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestStore_Open_ReadAt(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if err := store.Put(ctx, "r.txt", strings.NewReader("hello world"), false); err != nil {
		t.Fatal(err)
	}
	f, err := store.Open(ctx, "r.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if f.Size() != 11 {
		t.Errorf("expected size 11, got %d", f.Size())
	}
	if f.ModTime().IsZero() {
		t.Error("expected non-zero mtime")
	}

	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 6); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf) != "world" {
		t.Errorf("expected 'world', got %q", buf)
	}
}

func TestStore_ReadAt_BeyondEOF(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if err := store.Put(ctx, "r.txt", strings.NewReader("hello"), false); err != nil {
		t.Fatal(err)
	}
	f, err := store.Open(ctx, "r.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// Offset past EOF.
	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 100)
	if n != 0 || err != io.EOF {
		t.Errorf("expected (0, EOF), got (%d, %v)", n, err)
	}

	// Range extending past EOF returns the available bytes with EOF.
	n, err = f.ReadAt(buf, 3)
	if n != 2 || err != io.EOF {
		t.Errorf("expected (2, EOF), got (%d, %v)", n, err)
	}
	if string(buf[:n]) != "lo" {
		t.Errorf("expected 'lo', got %q", buf[:n])
	}
}

func TestStore_RequestsPerOperation(t *testing.T) {
	ctx := t.Context()
	mock := NewMockS3Client()
	store, _ := New(mock, Config{Bucket: "test"})

	if err := store.Put(ctx, "r.txt", strings.NewReader("hello world"), false); err != nil {
		t.Fatal(err)
	}
	if mock.PutObjectCalls != 1 {
		t.Errorf("PutObjectCalls = %d, expected 1", mock.PutObjectCalls)
	}

	f, err := store.Open(ctx, "r.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if mock.HeadObjectCalls != 1 {
		t.Errorf("HeadObjectCalls = %d after Open, expected 1", mock.HeadObjectCalls)
	}

	// Each ReadAt is a single ranged GetObject; size and mtime are served
	// from the handle, never re-fetched.
	buf := make([]byte, 5)
	for _, off := range []int64{0, 3, 6} {
		if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
			t.Fatalf("ReadAt at %d: %v", off, err)
		}
		_ = f.Size()
		_ = f.ModTime()
	}
	if mock.GetObjectCalls != 3 {
		t.Errorf("GetObjectCalls = %d after 3 reads, expected 3", mock.GetObjectCalls)
	}
	if mock.HeadObjectCalls != 1 {
		t.Errorf("HeadObjectCalls = %d after reads, expected 1", mock.HeadObjectCalls)
	}
}

// -----------------------------------------------------------------------------
// Exists / Remove tests
// -----------------------------------------------------------------------------

func TestStore_Exists(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	exists, err := store.Exists(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("expected false for missing object")
	}

	if err := store.Put(ctx, "a.txt", strings.NewReader("x"), false); err != nil {
		t.Fatal(err)
	}
	exists, err = store.Exists(ctx, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("expected true after Put")
	}
}

func TestStore_Remove(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	if err := store.Put(ctx, "d.txt", strings.NewReader("x"), false); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(ctx, "d.txt"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(ctx, "d.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestStore_RemoveAll(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test", Prefix: "corpus"})

	for _, name := range []string{
		"pre/a.txt",
		"pre/a.txt.index",
		"pre/sub/b.txt",
		"pre-other/c.txt",
		"other.txt",
	} {
		if err := store.Put(ctx, name, strings.NewReader("x"), false); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.RemoveAll(ctx, "pre"); err != nil {
		t.Fatal(err)
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"other.txt", "pre-other/c.txt"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, expected %q", i, keys[i], want[i])
		}
	}

	// Removing a missing prefix is not an error.
	if err := store.RemoveAll(ctx, "pre"); err != nil {
		t.Fatal(err)
	}
}

// -----------------------------------------------------------------------------
// List tests
// -----------------------------------------------------------------------------

func TestStore_List_DirectoryBoundary(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test"})

	for _, name := range []string{"pre/a.txt", "pre-other.txt", "pre"} {
		if err := store.Put(ctx, name, strings.NewReader("x"), false); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := store.List(ctx, "pre")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"pre", "pre/a.txt"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, expected %q", i, keys[i], want[i])
		}
	}
}

func TestStore_List_SkipsDotDirectories(t *testing.T) {
	ctx := t.Context()
	store, _ := New(NewMockS3Client(), Config{Bucket: "test", Prefix: "corpus"})

	for _, name := range []string{"a.txt", "sub/b.txt", ".cache/c.txt", "sub/.hidden/d.txt"} {
		if err := store.Put(ctx, name, strings.NewReader("x"), false); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "sub/b.txt"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, expected %q", i, keys[i], want[i])
		}
	}
}
