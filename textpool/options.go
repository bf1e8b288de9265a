package textpool

import (
	"log/slog"
	"time"
)

const (
	defaultExtension   = "txt"
	defaultUnloadAfter = 10 * time.Minute
	defaultSweepEvery  = time.Minute
	defaultChunkChars  = 16 * 1024
)

type config struct {
	extension   string
	unloadAfter time.Duration
	sweepEvery  time.Duration
	writable    bool
	credential  string
	withLines   bool
	indexFiles  bool
	chunkChars  int64
	stride      int64
	logger      *slog.Logger
	now         func() time.Time
}

func defaultConfig() config {
	return config{
		extension:   defaultExtension,
		unloadAfter: defaultUnloadAfter,
		sweepEvery:  defaultSweepEvery,
		withLines:   true,
		indexFiles:  true,
		chunkChars:  defaultChunkChars,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// Option configures a Pool.
type Option func(*config)

// WithExtension sets the default filename extension, without the dot,
// appended to identifiers whose last segment has none. Empty disables
// extension fallback entirely.
func WithExtension(ext string) Option {
	return func(c *config) { c.extension = ext }
}

// WithUnloadAfter sets the idle interval after which an unreferenced
// resource is evicted. Zero disables eviction.
func WithUnloadAfter(d time.Duration) Option {
	return func(c *config) { c.unloadAfter = d }
}

// WithSweepInterval sets how often the background sweeper scans for
// idle resources.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepEvery = d }
}

// WithWritable enables the mutating operations. By default the pool is
// read-only and Put and Remove fail with ErrForbidden.
func WithWritable() Option {
	return func(c *config) { c.writable = true }
}

// WithCredential requires the given token on mutating operations.
func WithCredential(token string) Option {
	return func(c *config) { c.credential = token }
}

// WithoutLines disables the line index. Resources load faster and use
// less memory, but line addressing fails validation.
func WithoutLines() Option {
	return func(c *config) { c.withLines = false }
}

// WithoutIndexFiles disables sidecar index persistence. Every load
// scans the resource from scratch.
func WithoutIndexFiles() Option {
	return func(c *config) { c.indexFiles = false }
}

// WithChunkChars sets the number of chars materialized per read chunk
// when streaming a selection.
func WithChunkChars(n int64) Option {
	return func(c *config) { c.chunkChars = n }
}

// WithStride sets the char stride of the offset index.
func WithStride(n int64) Option {
	return func(c *config) { c.stride = n }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithNow overrides the clock used for idle accounting.
func WithNow(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}
