package textpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knaw-huc/textsurf/storage"
	"github.com/knaw-huc/textsurf/textindex"
)

// ----------------------------------------------------------------------------
// Entry lifecycle
// ----------------------------------------------------------------------------

type entryState int

const (
	stateLoading entryState = iota
	stateReady
	stateInvalid
)

// entry is one cached resource. Its name is the resolved storage path,
// which doubles as the cache key. Lifecycle: loading, then ready, then
// invalid; an invalid entry is removed from the map and gone is closed.
// A failed load goes straight from loading to invalid with err set, so
// every caller waiting on that load sees the failure.
type entry struct {
	name string

	mu         sync.Mutex
	drained    *sync.Cond // on mu, broadcast when readers drops to zero
	state      entryState
	text       *textindex.Text
	err        error
	readers    int
	lastAccess time.Time

	ready chan struct{} // closed when the load completes either way
	gone  chan struct{} // closed when the entry leaves the pool
}

func newEntry(name string, now time.Time) *entry {
	e := &entry{
		name:       name,
		state:      stateLoading,
		lastAccess: now,
		ready:      make(chan struct{}),
		gone:       make(chan struct{}),
	}
	e.drained = sync.NewCond(&e.mu)
	return e
}

// maxAcquireAttempts bounds how often acquire re-examines an identifier
// whose entry keeps getting invalidated under it. Past the bound the
// caller gets ErrBusy rather than an unbounded wait.
const maxAcquireAttempts = 4

// acquire returns the entry for an already-normalized identifier with a
// reader reference held. On a cold hit it resolves the identifier and
// loads the resource; concurrent callers for the same resource wait on
// the one in-flight load instead of starting their own.
func (p *Pool) acquire(ctx context.Context, id string) (*entry, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		e, load, err := p.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if load {
			return p.load(e)
		}

		e.mu.Lock()
		switch e.state {
		case stateReady:
			e.readers++
			e.lastAccess = p.cfg.now()
			e.mu.Unlock()
			return e, nil

		case stateLoading:
			ready := e.ready
			e.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			e.mu.Lock()
			err := e.err
			e.mu.Unlock()
			if err != nil {
				return nil, err
			}
			// Loaded fine; re-examine on the next attempt.

		case stateInvalid:
			gone := e.gone
			e.mu.Unlock()
			select {
			case <-gone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBusy, id)
}

// lookup finds a live entry for id, trying the literal key and the
// extension-qualified key. On a miss it resolves the identifier against
// the backend and registers a loading placeholder; load reports whether
// the caller owns that load. A miss covered by an in-flight mutation
// waits the mutation out and resolves fresh, so the placeholder never
// captures content the mutation is about to replace.
func (p *Pool) lookup(ctx context.Context, id string) (e *entry, load bool, err error) {
	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return nil, false, ErrClosed
		}
		if e := p.entries[id]; e != nil {
			p.mu.RUnlock()
			return e, false, nil
		}
		if ext := p.cfg.extension; ext != "" {
			if e := p.entries[id+"."+ext]; e != nil {
				p.mu.RUnlock()
				return e, false, nil
			}
		}
		p.mu.RUnlock()

		name, err := p.resolveRead(ctx, id)
		if err != nil {
			return nil, false, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, ErrClosed
		}
		if m := p.mut; m != nil && (m.covers(id) || m.covers(name)) {
			p.mu.Unlock()
			select {
			case <-m.done:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			continue
		}
		if e := p.entries[name]; e != nil {
			p.mu.Unlock()
			return e, false, nil
		}
		e = newEntry(name, p.cfg.now())
		p.entries[name] = e
		p.mu.Unlock()
		return e, true, nil
	}
}

// load builds the text for a freshly registered placeholder and admits
// the owning caller as its first reader. On failure the placeholder is
// evicted so the next request starts clean, and the error reaches every
// waiter.
func (p *Pool) load(e *entry) (*entry, error) {
	tx, err := p.openText(e.name)

	e.mu.Lock()
	if err != nil {
		err = fmt.Errorf("load %s: %w", e.name, err)
		e.err = err
		e.state = stateInvalid
		close(e.ready)
		e.mu.Unlock()
		p.removeEntry(e)
		return nil, err
	}
	e.state = stateReady
	e.text = tx
	e.readers = 1
	e.lastAccess = p.cfg.now()
	close(e.ready)
	e.mu.Unlock()

	p.log.Info("text loaded", "name", e.name, "chars", tx.CharCount(), "bytes", tx.SizeBytes())
	return e, nil
}

// openText opens the backing file and builds or restores its index. It
// runs on the pool's own context: a load serves every waiter, not just
// the request that happened to trigger it, and backends may keep using
// the context for reads after Open returns.
func (p *Pool) openText(name string) (*textindex.Text, error) {
	f, err := p.backend.Open(p.baseCtx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}

	var opts []textindex.Option
	if !p.cfg.withLines {
		opts = append(opts, textindex.WithoutLines())
	}
	if p.cfg.stride > 0 {
		opts = append(opts, textindex.WithStride(p.cfg.stride))
	}

	if p.cfg.indexFiles {
		if tx, ok := textindex.LoadSidecar(p.baseCtx, p.backend, name, f, opts...); ok {
			p.log.Debug("index restored from sidecar", "name", name)
			return tx, nil
		}
	}
	tx, err := textindex.Open(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	if p.cfg.indexFiles {
		if err := tx.StoreSidecar(p.baseCtx, p.backend, name); err != nil {
			p.log.Debug("sidecar write failed", "name", name, "err", err)
		}
	}
	return tx, nil
}

func (p *Pool) release(e *entry) {
	e.mu.Lock()
	e.readers--
	e.lastAccess = p.cfg.now()
	if e.readers == 0 {
		e.drained.Broadcast()
	}
	e.mu.Unlock()
}

// removeEntry takes e out of the map, if it is still the registered
// entry for its name, and closes gone. Every removal path funnels
// through here exactly once per entry.
func (p *Pool) removeEntry(e *entry) {
	p.mu.Lock()
	if p.entries[e.name] == e {
		delete(p.entries, e.name)
	}
	p.mu.Unlock()
	close(e.gone)
}

// ----------------------------------------------------------------------------
// Invalidation and eviction
// ----------------------------------------------------------------------------

// invalidate drains and evicts any live entry that could serve id.
func (p *Pool) invalidate(id string) {
	for _, key := range p.cacheKeys(id) {
		p.mu.RLock()
		e := p.entries[key]
		p.mu.RUnlock()
		if e != nil {
			p.drainAndEvict(e)
		}
	}
}

// cacheKeys lists the storage paths an identifier may be cached under.
func (p *Pool) cacheKeys(id string) []string {
	keys := []string{id}
	if ext := p.cfg.extension; ext != "" {
		keys = append(keys, id+"."+ext)
	}
	return keys
}

// drainAndEvict invalidates e, waits for in-flight readers to finish,
// and removes it. New acquirers admitted after the invalid mark see the
// entry disappear and retry against the map. Reports whether this call
// performed the eviction.
func (p *Pool) drainAndEvict(e *entry) bool {
	e.mu.Lock()
	for e.state == stateLoading {
		ready := e.ready
		e.mu.Unlock()
		<-ready
		e.mu.Lock()
	}
	if e.state == stateInvalid {
		e.mu.Unlock()
		<-e.gone
		return false
	}
	e.state = stateInvalid
	for e.readers > 0 {
		e.drained.Wait()
	}
	tx := e.text
	e.text = nil
	e.mu.Unlock()

	if tx != nil {
		tx.Close()
	}
	p.removeEntry(e)
	return true
}

// evictIdle evicts e if it is ready, unreferenced, and idle past the
// configured interval. Busy entries are skipped, never waited on.
func (p *Pool) evictIdle(e *entry) bool {
	if p.cfg.unloadAfter <= 0 {
		return false
	}
	e.mu.Lock()
	if e.state != stateReady || e.readers > 0 || p.cfg.now().Sub(e.lastAccess) < p.cfg.unloadAfter {
		e.mu.Unlock()
		return false
	}
	e.state = stateInvalid
	tx := e.text
	e.text = nil
	e.mu.Unlock()

	if tx != nil {
		tx.Close()
	}
	p.removeEntry(e)
	return true
}

// Flush evicts resources from the pool and returns their names, sorted.
// With force it evicts everything, draining in-flight readers first;
// otherwise only resources idle past the configured interval go, and
// busy ones are left alone.
func (p *Pool) Flush(force bool) []string {
	p.mu.RLock()
	es := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		es = append(es, e)
	}
	p.mu.RUnlock()

	var out []string
	for _, e := range es {
		if force {
			if p.drainAndEvict(e) {
				out = append(out, e.name)
			}
		} else if p.evictIdle(e) {
			out = append(out, e.name)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) sweep() {
	defer close(p.sweepDone)
	t := time.NewTicker(p.cfg.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-t.C:
			if n := len(p.Flush(false)); n > 0 {
				p.log.Info("unloaded idle texts", "count", n)
			}
		}
	}
}
