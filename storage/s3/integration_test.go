package s3

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/knaw-huc/textsurf/storage"
)

// flagIntegration gates integration tests that require a running S3 service.
// Pass -integration to enable.
var flagIntegration = flag.Bool("integration", false, "run integration tests (requires an S3-compatible service)")

// Integration tests for S3-compatible backends.
//
// To run against MinIO:
//
//	docker run -p 9000:9000 minio/minio server /data
//	go test ./storage/s3/... -integration
func skipIfNoS3(t *testing.T) {
	t.Helper()
	if !*flagIntegration {
		t.Skip("skipping integration test; use -integration to enable")
	}
}

// s3Backend describes an S3-compatible backend for table-driven tests.
type s3Backend struct {
	name      string
	newClient func(context.Context) (*s3.Client, error)
}

var s3Backends = []s3Backend{
	{"MinIO", newMinIOClient},
}

// newMinIOClient creates an S3 client for MinIO (integration tests only).
func newMinIOClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("minioadmin", "minioadmin", ""),
	})
}

// setupTestBucket creates a unique bucket and registers cleanup via t.Cleanup.
func setupTestBucket(t *testing.T, backend s3Backend) *Store {
	t.Helper()
	skipIfNoS3(t)

	ctx := t.Context()
	client, err := backend.newClient(ctx)
	if err != nil {
		t.Fatalf("failed to create %s client: %v", backend.name, err)
	}

	bucket := fmt.Sprintf("textsurf-test-%d", time.Now().UnixNano())

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx := context.Background()
		out, _ := client.ListObjectsV2(cleanupCtx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
		for _, obj := range out.Contents {
			_, _ = client.DeleteObject(cleanupCtx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
		}
		_, _ = client.DeleteBucket(cleanupCtx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	store, err := New(client, Config{Bucket: bucket})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// -----------------------------------------------------------------------------
// Store integration tests
// -----------------------------------------------------------------------------

func TestIntegration_WriteListRead(t *testing.T) {
	for _, backend := range s3Backends {
		t.Run(backend.name, func(t *testing.T) {
			store := setupTestBucket(t, backend)
			ctx := t.Context()

			content := "hello world"
			key := "docs/file.txt"

			if err := store.Put(ctx, key, strings.NewReader(content), false); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			keys, err := store.List(ctx, "docs")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if !slices.Contains(keys, key) {
				t.Errorf("expected key %q in list, got %v", key, keys)
			}

			f, err := store.Open(ctx, key)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer f.Close()
			if f.Size() != int64(len(content)) {
				t.Errorf("expected size %d, got %d", len(content), f.Size())
			}
			data := make([]byte, 5)
			if _, err := f.ReadAt(data, 6); err != nil && err != io.EOF {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if string(data) != "world" {
				t.Errorf("expected 'world', got %q", data)
			}
		})
	}
}

func TestIntegration_ConditionalPut(t *testing.T) {
	for _, backend := range s3Backends {
		t.Run(backend.name, func(t *testing.T) {
			store := setupTestBucket(t, backend)
			ctx := t.Context()

			if err := store.Put(ctx, "a.txt", strings.NewReader("one"), false); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			err := store.Put(ctx, "a.txt", strings.NewReader("two"), false)
			if !errors.Is(err, storage.ErrExists) {
				t.Errorf("expected ErrExists, got: %v", err)
			}
			if err := store.Put(ctx, "a.txt", strings.NewReader("two"), true); err != nil {
				t.Fatalf("overwrite Put failed: %v", err)
			}
		})
	}
}

func TestIntegration_RemoveAll(t *testing.T) {
	for _, backend := range s3Backends {
		t.Run(backend.name, func(t *testing.T) {
			store := setupTestBucket(t, backend)
			ctx := t.Context()

			for _, key := range []string{"pre/a.txt", "pre/sub/b.txt", "other.txt"} {
				if err := store.Put(ctx, key, strings.NewReader("x"), false); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
			}
			if err := store.RemoveAll(ctx, "pre"); err != nil {
				t.Fatalf("RemoveAll failed: %v", err)
			}
			keys, err := store.List(ctx, "")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(keys) != 1 || keys[0] != "other.txt" {
				t.Errorf("expected [other.txt], got %v", keys)
			}
		})
	}
}
