// Package s3 provides an S3-compatible storage backend for textsurf.
//
// It works against AWS S3, MinIO, LocalStack, Cloudflare R2, and other
// S3-compatible object stores. Documents are read with ranged GETs, so
// serving a small selection from a large text never downloads the whole
// object. Put spools to a local temp file first and uses a conditional
// PutObject (If-None-Match) for no-overwrite semantics.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/knaw-huc/textsurf/storage"
)

// removeAllConcurrency bounds the parallel DeleteObject calls issued by
// RemoveAll.
const removeAllConcurrency = 8

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing
	// slash added if missing).
	Prefix string
}

// Store implements storage.Backend on an S3-compatible object store.
type Store struct {
	client     API
	bucket     string
	prefix     string
	createTemp func() (*os.File, error) // temp file factory for Put spooling
}

// New creates an S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use github.com/aws/aws-sdk-go-v2/config to load configuration.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	client := s3.NewFromConfig(cfg)
//	store, err := s3store.New(client, s3store.Config{Bucket: "my-bucket"})
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     prefix,
		createTemp: func() (*os.File, error) { return os.CreateTemp("", "textsurf-s3-*") },
	}, nil
}

// fullKey validates a relative path and prepends the store prefix.
func (s *Store) fullKey(name string) (string, error) {
	cleaned, err := storage.CleanPath(name)
	if err != nil {
		return "", err
	}
	return s.prefix + cleaned, nil
}

// Open returns a random-access handle to the object at name.
// Returns storage.ErrNotFound if the object does not exist.
//
// The returned File reads the object with HTTP Range requests and is safe
// for concurrent ReadAt calls.
func (s *Store) Open(ctx context.Context, name string) (storage.File, error) {
	key, err := s.fullKey(name)
	if err != nil {
		return nil, err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("s3: head object: %w", err)
	}

	return &object{
		client:  s.client,
		bucket:  s.bucket,
		key:     key,
		size:    aws.ToInt64(head.ContentLength),
		modTime: aws.ToTime(head.LastModified),
		baseCtx: ctx,
	}, nil
}

// object implements storage.File using S3 range reads.
// It is safe for concurrent use.
type object struct {
	client  API
	bucket  string
	key     string
	size    int64
	modTime time.Time
	baseCtx context.Context
}

func (o *object) Size() int64        { return o.size }
func (o *object) ModTime() time.Time { return o.modTime }
func (o *object) Close() error       { return nil }

// ReadAt implements io.ReaderAt with a ranged GetObject per call.
func (o *object) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("s3: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= o.size {
		return 0, io.EOF
	}

	// S3 Range header format: "bytes=start-end" (inclusive).
	end := off + int64(len(p)) - 1
	rangeHeader := fmt.Sprintf("bytes=%d-%d", off, end)

	out, err := o.client.GetObject(o.baseCtx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		// InvalidRange means the offset is beyond EOF.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	n, err = io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Partial read: the requested range extends beyond EOF.
		err = io.EOF
	}
	return n, err
}

// Exists reports whether the object at name exists.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	key, err := s.fullKey(name)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, key)
}

// List returns the relative keys of all objects under prefix, sorted.
// Keys under dot-directories are skipped. Pagination is handled
// automatically; all matching keys are returned.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	cleaned, err := storage.CleanPrefix(prefix)
	if err != nil {
		return nil, err
	}

	all, err := s.listRaw(ctx, s.prefix+cleaned)
	if err != nil {
		return nil, err
	}

	keys := all[:0]
	for _, key := range all {
		// An S3 prefix is a plain string prefix; keep only real children
		// of the directory (or the key itself), so "pre" never matches
		// "pre-other.txt".
		if cleaned != "" && key != cleaned && !strings.HasPrefix(key, cleaned+"/") {
			continue
		}
		if underDotDir(key) {
			continue
		}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys, nil
}

// underDotDir reports whether any directory component of the key starts
// with a dot. Mirrors the filesystem backend, which prunes dot-directories
// while walking.
func underDotDir(key string) bool {
	segs := strings.Split(key, "/")
	for _, seg := range segs[:len(segs)-1] {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// Put writes the reader's content to name.
//
// The content is spooled to a local temp file first so the upload has a
// known length and stays O(1) in memory. With overwrite false the upload
// is conditional (If-None-Match) and an existing object fails with
// storage.ErrExists.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, overwrite bool) error {
	key, err := s.fullKey(name)
	if err != nil {
		return err
	}

	tmp, err := s.createTemp()
	if err != nil {
		return fmt.Errorf("s3: creating temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("s3: writing temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("s3: seeking temp file: %w", err)
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	}
	if !overwrite {
		in.IfNoneMatch = aws.String("*")
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "412", "ConditionalRequestConflict", "409":
				return storage.ErrExists
			}
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// Remove deletes the object at name.
// Returns storage.ErrNotFound if the object does not exist.
func (s *Store) Remove(ctx context.Context, name string) error {
	key, err := s.fullKey(name)
	if err != nil {
		return err
	}

	// S3 DeleteObject is idempotent and does not report missing keys, so
	// check existence first to honor the Backend contract.
	exists, err := s.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("s3: checking existence: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3: delete object: %w", err)
	}
	return nil
}

// RemoveAll deletes every object under prefix, including objects the
// filtered List hides. Removing a missing prefix is not an error. Deletes
// are issued concurrently.
func (s *Store) RemoveAll(ctx context.Context, prefix string) error {
	cleaned, err := storage.CleanPrefix(prefix)
	if err != nil {
		return err
	}
	if cleaned == "" {
		return storage.ErrInvalidPath
	}

	all, err := s.listRaw(ctx, s.prefix+cleaned)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(removeAllConcurrency)
	for _, key := range all {
		if key != cleaned && !strings.HasPrefix(key, cleaned+"/") {
			continue
		}
		fullKey := s.prefix + key
		g.Go(func() error {
			if _, err := s.client.DeleteObject(gctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(fullKey),
			}); err != nil {
				return fmt.Errorf("s3: delete object %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// listRaw returns relative keys under fullPrefix without any filtering.
func (s *Store) listRaw(ctx context.Context, fullPrefix string) ([]string, error) {
	var keys []string
	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list objects: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, strings.TrimPrefix(*obj.Key, s.prefix))
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return keys, nil
}

// exists checks if an object exists (internal helper).
func (s *Store) exists(ctx context.Context, fullKey string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// mockObject holds a stored object with the metadata HeadObject reports.
type mockObject struct {
	data    []byte
	modTime time.Time
}

// MockS3Client is a test double for API.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string]*mockObject

	// Call counters for test assertions
	PutObjectCalls  int
	GetObjectCalls  int
	HeadObjectCalls int
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string]*mockObject)}
}

// PutObject implements API.PutObject for testing.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutObjectCalls++

	// Handle If-None-Match: "*" (conditional no-overwrite write)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.objects[key] = &mockObject{data: data, modTime: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	obj, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}
	data := obj.data

	// Handle range requests
	if params.Range != nil {
		rangeStr := aws.ToString(params.Range)
		var start, end int64
		_, _ = fmt.Sscanf(rangeStr, "bytes=%d-%d", &start, &end)

		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(data))),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.HeadObjectCalls++
	obj, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modTime),
	}, nil
}

// DeleteObject implements API.DeleteObject for testing.
func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()

	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 implements API.ListObjectsV2 for testing.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var contents []types.Object
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			k := key
			contents = append(contents, types.Object{Key: &k})
		}
	}

	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
