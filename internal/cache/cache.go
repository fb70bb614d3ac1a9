// Package cache implements the LRUCache of spec.md §4.4: a bounded map
// from CacheKey to cached response bytes with byte-budgeted LRU eviction
// and single-flight coordination of concurrent fills for the same key.
//
// golang.org/x/sync/singleflight is deliberately not used here: its
// closure-based Do(key, fn) call can't support a waiter observing partial
// progress while a fill streams to the original client, nor a distinct
// Abandon outcome separate from an error. The coordination below is
// hand-rolled in the same style as the teacher's mutex-guarded
// LatencyTable, trading Do's ergonomics for the explicit Miss/Pending/Hit/
// Abandon contract spec.md requires.
package cache

import (
	"container/list"
	"sync"
)

// Outcome is the result kind of a Lookup.
type Outcome int

const (
	Hit Outcome = iota
	Pending
	Miss
)

// Result is returned by Lookup. Exactly one of Response, Wait, or Fill is
// meaningful, selected by Outcome.
type Result struct {
	Outcome  Outcome
	Response []byte      // valid when Outcome == Hit
	Fill     *FillHandle // valid when Outcome == Miss: caller becomes producer
	wait     func() ([]byte, bool)
}

// Wait blocks until the in-flight producer for this key resolves, valid
// only when Outcome == Pending. ok is true if the producer succeeded
// (Hit), false if it failed or abandoned (the caller should treat this as
// a Miss and may retry Lookup to become the next producer).
func (r Result) Wait() (response []byte, ok bool) {
	return r.wait()
}

// FillHandle is held by the single caller responsible for producing a
// response for a Miss. Exactly one of Complete or Abandon must be called.
type FillHandle struct {
	key   Key
	cache *Cache
	inf   *inflight
}

// Complete inserts data as the cached response for this key (unless it
// exceeds max_entry_bytes, in which case the fill is treated as Abandon)
// and wakes any waiters.
func (f *FillHandle) Complete(data []byte) {
	f.cache.resolve(f.inf, data)
}

// Abandon marks this fill as failed or non-cacheable; waiters observe a
// Miss and may become the next producer.
func (f *FillHandle) Abandon() {
	f.cache.resolve(f.inf, nil)
}

// MaxEntryBytes returns the owning cache's max_entry_bytes, so callers can
// decide how much of a response to buffer before giving up on caching it
// (spec.md §4.6 state 5).
func (f *FillHandle) MaxEntryBytes() int64 {
	return f.cache.maxEntryBytes
}

type entry struct {
	key  Key
	data []byte
	elem *list.Element
}

type inflight struct {
	key     Key
	waiters []chan struct{}
}

// Cache is the LRUCache. The zero value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	capacityBytes int64
	maxEntryBytes int64

	sizeSum int64
	order   *list.List // front = most recently used
	entries map[Key]*entry
	pending map[Key]*inflight
}

// New constructs a Cache with the given byte budgets (spec.md §4.4:
// "Configured by capacity_bytes and max_entry_bytes").
func New(capacityBytes, maxEntryBytes int64) *Cache {
	return &Cache{
		capacityBytes: capacityBytes,
		maxEntryBytes: maxEntryBytes,
		order:         list.New(),
		entries:       make(map[Key]*entry),
		pending:       make(map[Key]*inflight),
	}
}

// Lookup implements lookup(key) of spec.md §4.4. On Hit it also performs
// the recency update (touch) inline, since every hit is followed
// immediately by a recency bump in this implementation — there is no
// observable state between the two.
func (c *Cache) Lookup(key Key) Result {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		c.order.MoveToFront(e.elem)
		resp := e.data
		c.mu.Unlock()
		return Result{Outcome: Hit, Response: resp}
	}

	if inf, ok := c.pending[key]; ok {
		ch := make(chan struct{})
		inf.waiters = append(inf.waiters, ch)
		c.mu.Unlock()
		return Result{Outcome: Pending, wait: func() ([]byte, bool) {
			<-ch
			c.mu.Lock()
			defer c.mu.Unlock()
			if e, ok := c.entries[key]; ok {
				return e.data, true
			}
			return nil, false
		}}
	}

	inf := &inflight{key: key}
	c.pending[key] = inf
	c.mu.Unlock()
	return Result{Outcome: Miss, Fill: &FillHandle{key: key, cache: c, inf: inf}}
}

// resolve is complete(fill_handle, response_bytes | Abandon) of spec.md
// §4.4. data == nil means Abandon.
func (c *Cache) resolve(inf *inflight, data []byte) {
	c.mu.Lock()
	delete(c.pending, inf.key)

	if data != nil && int64(len(data)) <= c.maxEntryBytes {
		c.insertLocked(inf.key, data)
	}

	waiters := inf.waiters
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// insertLocked inserts data for key, evicting least-recently-used entries
// (ties broken by oldest insertion, which container/list's back-to-front
// order already preserves) until size_sum + len(data) <= capacity_bytes.
// Must be called with c.mu held.
func (c *Cache) insertLocked(key Key, data []byte) {
	size := int64(len(data))
	if size > c.capacityBytes {
		return // can never fit regardless of eviction
	}
	if existing, ok := c.entries[key]; ok {
		c.sizeSum -= int64(len(existing.data))
		c.order.Remove(existing.elem)
		delete(c.entries, key)
	}
	for c.sizeSum+size > c.capacityBytes && c.order.Len() > 0 {
		back := c.order.Back()
		victim := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.entries, victim.key)
		c.sizeSum -= int64(len(victim.data))
	}
	e := &entry{key: key, data: data}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	c.sizeSum += size
}

// Len returns the number of cached entries (for tests and diagnostics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeSum returns the current total cached byte size.
func (c *Cache) SizeSum() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeSum
}
