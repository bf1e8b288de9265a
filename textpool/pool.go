// Package textpool maintains a bounded pool of indexed text resources
// over a storage backend and serves char and line range selections from
// them.
//
// A resource loads on first access: a single scan builds its offset and
// line indexes, after which any selection is arithmetic plus a bounded
// read. Loads are single-flight per resource. A background sweeper
// evicts resources idle past a configurable interval. Mutations
// serialize behind a coordinator that drains in-flight readers before
// touching storage and holds late-arriving reads until the write
// lands, so a reader never observes a half-replaced resource and a
// mutation that has returned is visible to every later read.
package textpool

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/knaw-huc/textsurf/storage"
	"github.com/knaw-huc/textsurf/textindex"
)

// Pool caches loaded text resources by their resolved storage path.
type Pool struct {
	backend storage.Backend
	cfg     config
	log     *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	// mutMu serializes Put and Remove. Reads never take it; they wait
	// on mut when one covers their identifier.
	mutMu sync.Mutex
	mut   *mutation // in-flight mutation, guarded by mu

	sweepDone chan struct{}
}

// New creates a pool over backend. The pool is read-only unless
// WithWritable is given.
func New(backend storage.Backend, opts ...Option) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("textpool: nil backend")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chunkChars <= 0 {
		cfg.chunkChars = defaultChunkChars
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		backend: backend,
		cfg:     cfg,
		log:     cfg.logger,
		baseCtx: ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	if cfg.unloadAfter > 0 && cfg.sweepEvery > 0 {
		p.sweepDone = make(chan struct{})
		go p.sweep()
	}
	return p, nil
}

// Close stops the sweeper and evicts every resource, draining in-flight
// readers. Operations on a closed pool fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	if p.sweepDone != nil {
		<-p.sweepDone
	}
	p.Flush(true)
	return nil
}

// ----------------------------------------------------------------------------
// Read operations
// ----------------------------------------------------------------------------

// Fetch resolves spec against the resource named by id and returns a
// streaming selection. The resource stays referenced until the
// selection is closed, which keeps eviction and mutation off it.
func (p *Pool) Fetch(ctx context.Context, id string, spec RangeSpec) (*Selection, error) {
	name, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	e, err := p.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	sp, err := resolveSpan(spec, e.text)
	if err != nil {
		p.release(e)
		return nil, err
	}
	if spec.ExpectMD5 != "" {
		if err := p.verifyMD5(e.text, sp, spec.ExpectMD5); err != nil {
			p.release(e)
			return nil, err
		}
	}
	return newSelection(p, e, sp), nil
}

// Stat describes a loaded resource.
type Stat struct {
	Bytes    int64
	Chars    int64
	Checksum string
	ModTime  time.Time
}

// Stat reports the resource's size, char count, content checksum and
// modification time, loading it if needed.
func (p *Pool) Stat(ctx context.Context, id string) (Stat, error) {
	name, err := normalizeID(id)
	if err != nil {
		return Stat{}, err
	}
	e, err := p.acquire(ctx, name)
	if err != nil {
		return Stat{}, err
	}
	defer p.release(e)
	return Stat{
		Bytes:    e.text.SizeBytes(),
		Chars:    e.text.CharCount(),
		Checksum: e.text.Checksum(),
		ModTime:  e.text.ModTime(),
	}, nil
}

// List returns the servable identifiers under prefix, sorted and
// de-duplicated. Hidden files and sidecar indexes are elided, and the
// default extension is stripped from the result.
func (p *Pool) List(ctx context.Context, prefix string) ([]string, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	cleaned, err := storage.CleanPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	if hiddenPath(cleaned) {
		return nil, fmt.Errorf("%w: hidden path", ErrForbidden)
	}
	names, err := p.backend.List(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasSuffix(name, textindex.SidecarSuffix) || hiddenPath(name) {
			continue
		}
		ids = append(ids, p.identifierFor(name))
	}
	sort.Strings(ids)

	// A file and its extension-qualified twin strip to the same
	// identifier; report it once.
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Mutations
// ----------------------------------------------------------------------------

// Put stores body as the content of id. With overwrite false, an
// existing resource fails with ErrConflict. The body must be valid
// UTF-8; it is checked while spooling so invalid content never reaches
// storage. Any cached entry for id is drained and evicted before the
// write, and reads arriving mid-write wait for it, so a Put that has
// returned is visible to every later read.
func (p *Pool) Put(ctx context.Context, id string, body io.Reader, overwrite bool, cred string) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.authorize(cred); err != nil {
		return err
	}
	name, err := normalizeID(id)
	if err != nil {
		return err
	}

	p.mutMu.Lock()
	defer p.mutMu.Unlock()

	target, err := p.resolveWrite(ctx, name)
	if err != nil {
		return err
	}
	if !overwrite {
		ok, err := p.backend.Exists(ctx, target)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrConflict, id)
		}
	}

	m := p.beginMutation(p.cacheKeys(name), "")
	defer p.endMutation(m)
	p.invalidate(name)

	err = p.backend.Put(ctx, target, &utf8Reader{r: body}, overwrite)
	switch {
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%w: %s", ErrConflict, id)
	case err != nil:
		return fmt.Errorf("put %s: %w", id, err)
	}
	p.log.Info("text stored", "name", target, "overwrite", overwrite)
	return nil
}

// Remove deletes the resource named by id, or a whole subtree when id
// ends with a slash. Cached entries are drained and evicted before
// storage is touched, and reads arriving mid-removal wait for it;
// sidecar indexes go with their texts.
func (p *Pool) Remove(ctx context.Context, id string, cred string) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.authorize(cred); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrNotFound)
	}
	if strings.HasSuffix(id, "/") {
		return p.removeTree(ctx, strings.TrimSuffix(id, "/"))
	}
	name, err := normalizeID(id)
	if err != nil {
		return err
	}

	p.mutMu.Lock()
	defer p.mutMu.Unlock()

	target, err := p.resolveRead(ctx, name)
	if err != nil {
		return err
	}

	m := p.beginMutation(p.cacheKeys(name), "")
	defer p.endMutation(m)
	p.invalidate(name)

	if err := p.backend.Remove(ctx, target); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if err := p.backend.Remove(ctx, target+textindex.SidecarSuffix); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.log.Debug("sidecar remove failed", "name", target, "err", err)
	}
	p.log.Info("text removed", "name", target)
	return nil
}

func (p *Pool) removeTree(ctx context.Context, prefix string) error {
	cleaned, err := storage.CleanPrefix(prefix)
	if err != nil || cleaned == "" {
		return fmt.Errorf("%w: %s/", ErrNotFound, prefix)
	}
	if hiddenPath(cleaned) {
		return fmt.Errorf("%w: hidden path", ErrForbidden)
	}

	p.mutMu.Lock()
	defer p.mutMu.Unlock()

	names, err := p.backend.List(ctx, cleaned)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: %s/", ErrNotFound, prefix)
	}

	m := p.beginMutation(nil, cleaned)
	defer p.endMutation(m)

	// Drain every loaded entry under the subtree before touching
	// storage, so in-flight reads finish against intact files.
	p.mu.RLock()
	var victims []*entry
	for key, e := range p.entries {
		if key == cleaned || strings.HasPrefix(key, cleaned+"/") {
			victims = append(victims, e)
		}
	}
	p.mu.RUnlock()
	for _, e := range victims {
		p.drainAndEvict(e)
	}

	if err := p.backend.RemoveAll(ctx, cleaned); err != nil {
		return fmt.Errorf("remove %s/: %w", prefix, err)
	}
	p.log.Info("subtree removed", "prefix", cleaned, "texts", len(names))
	return nil
}

// mutation is the identifier span a mutation is writing, published so
// the read path waits for the write instead of re-loading whatever
// intermediate state the backend is in. At most one is in flight;
// mutMu serializes them.
type mutation struct {
	keys   []string // exact cache keys, for single-resource mutations
	prefix string   // subtree root, for subtree removal
	done   chan struct{}
}

func (m *mutation) covers(key string) bool {
	if m.prefix != "" {
		return key == m.prefix || strings.HasPrefix(key, m.prefix+"/")
	}
	for _, k := range m.keys {
		if key == k {
			return true
		}
	}
	return false
}

// beginMutation publishes an in-flight mutation for the read path to
// wait on. It must be called before the mutation invalidates entries:
// a read then either sees the mutation and waits, or its placeholder
// is already in the map where invalidate drains it.
func (p *Pool) beginMutation(keys []string, prefix string) *mutation {
	m := &mutation{keys: keys, prefix: prefix, done: make(chan struct{})}
	p.mu.Lock()
	p.mut = m
	p.mu.Unlock()
	return m
}

func (p *Pool) endMutation(m *mutation) {
	p.mu.Lock()
	p.mut = nil
	p.mu.Unlock()
	close(m.done)
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) authorize(cred string) error {
	if !p.cfg.writable {
		return fmt.Errorf("%w: pool is read-only", ErrForbidden)
	}
	if p.cfg.credential == "" {
		return nil
	}
	if cred == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(cred), []byte(p.cfg.credential)) != 1 {
		return fmt.Errorf("%w: bad credential", ErrForbidden)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Identifier resolution
// ----------------------------------------------------------------------------

// normalizeID validates and normalizes an identifier. Escaping paths,
// hidden segments and sidecar names all resolve to nothing.
func normalizeID(id string) (string, error) {
	name, err := storage.CleanPath(id)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if hiddenPath(name) || strings.HasSuffix(name, textindex.SidecarSuffix) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return name, nil
}

// resolveRead maps an identifier to its storage path: the literal path
// when it exists, otherwise the extension-qualified one.
func (p *Pool) resolveRead(ctx context.Context, id string) (string, error) {
	ok, err := p.backend.Exists(ctx, id)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	if ext := p.cfg.extension; ext != "" {
		qualified := id + "." + ext
		ok, err := p.backend.Exists(ctx, qualified)
		if err != nil {
			return "", err
		}
		if ok {
			return qualified, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// resolveWrite picks the storage path a mutation targets. A resource
// already at the literal path keeps it; otherwise identifiers whose
// last segment carries no extension get the default one, matching what
// a later read resolves.
func (p *Pool) resolveWrite(ctx context.Context, id string) (string, error) {
	ok, err := p.backend.Exists(ctx, id)
	if err != nil {
		return "", err
	}
	if ok || p.cfg.extension == "" || lastSegmentHasDot(id) {
		return id, nil
	}
	return id + "." + p.cfg.extension, nil
}

// identifierFor maps a storage path back to the identifier clients use.
func (p *Pool) identifierFor(name string) string {
	if ext := p.cfg.extension; ext != "" {
		if id, ok := strings.CutSuffix(name, "."+ext); ok && id != "" {
			return id
		}
	}
	return name
}

func hiddenPath(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func lastSegmentHasDot(id string) bool {
	seg := id
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		seg = id[i+1:]
	}
	return strings.Contains(seg, ".")
}

// ----------------------------------------------------------------------------
// UTF-8 screening
// ----------------------------------------------------------------------------

// utf8Reader passes the wrapped stream through unchanged while checking
// that it is well-formed UTF-8, carrying partial runes across Read
// boundaries. The first malformed sequence fails the read.
type utf8Reader struct {
	r       io.Reader
	pending []byte
}

func (v *utf8Reader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		if verr := v.validate(p[:n]); verr != nil {
			return 0, verr
		}
	}
	if err == io.EOF && len(v.pending) > 0 {
		return n, fmt.Errorf("truncated multibyte sequence: %w", textindex.ErrNotText)
	}
	return n, err
}

func (v *utf8Reader) validate(b []byte) error {
	if len(v.pending) > 0 {
		for len(b) > 0 && !utf8.FullRune(v.pending) && len(v.pending) < utf8.UTFMax {
			v.pending = append(v.pending, b[0])
			b = b[1:]
		}
		if !utf8.FullRune(v.pending) {
			if len(v.pending) >= utf8.UTFMax {
				return fmt.Errorf("malformed multibyte sequence: %w", textindex.ErrNotText)
			}
			return nil // ran out of input, keep carrying
		}
		if r, size := utf8.DecodeRune(v.pending); r == utf8.RuneError && size == 1 {
			return fmt.Errorf("malformed multibyte sequence: %w", textindex.ErrNotText)
		}
		v.pending = v.pending[:0]
	}
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(b) {
				// Rune split across reads; finish it next time.
				v.pending = append(v.pending[:0], b...)
				return nil
			}
			return fmt.Errorf("malformed byte sequence: %w", textindex.ErrNotText)
		}
		b = b[size:]
	}
	return nil
}
