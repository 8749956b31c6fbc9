// Package tilecache implements the bounded, reference-counted decoded-tile
// cache described in spec.md §4.3: an LRU store keyed by TileFingerprint
// whose entries remain valid for outstanding readers even across
// concurrent eviction. Each Cache is independent; there is no shared
// process-wide instance, and internal/czi creates one Cache per pyramid
// level, so levels do not share a byte budget.
//
// The LRU bookkeeping (recency ordering, oldest-first eviction) is
// delegated to hashicorp/golang-lru, same as the teacher's dependency
// graph exercises via Echoflaresat-spacecam's tiled-TIFF reader — but
// golang-lru has no notion of a live reference, so this package layers a
// refcounted EntryRef on top and drives byte-size eviction manually
// instead of relying on golang-lru's entry-count capacity.
package tilecache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize is the floor for a slide's cache budget when the
// computed 2×4×maxTileW×maxTileH figure is smaller, per spec.md §4.3.
const DefaultCacheSize int64 = 32 << 20 // 32 MiB

// TileFingerprint is the cache key described in spec.md §3: a level
// identity token (typically the *Level pointer itself, so that two levels
// sharing a downsample integer never alias), a tile id, and a plane index.
type TileFingerprint struct {
	LevelIdentity any
	TileID        int64
	Plane         int32
}

// DefaultSize computes the default cache budget for a slide given its
// largest tile dimensions, per spec.md §4.3.
func DefaultSize(maxTileW, maxTileH int) int64 {
	computed := int64(2 * 4 * maxTileW * maxTileH)
	if computed > DefaultCacheSize {
		return computed
	}
	return DefaultCacheSize
}

type entry struct {
	data []byte
	refs int32
}

// EntryRef is a live, read-only handle on a cached buffer. The buffer it
// points to remains valid until Release is called, even if the cache has
// since evicted or replaced the key that produced it.
type EntryRef struct {
	e *entry
}

// Bytes returns the decoded tile bytes. Valid until Release.
func (r *EntryRef) Bytes() []byte {
	return r.e.data
}

// Release drops one reference. Once every reference on an entry is
// released and the entry has been evicted or replaced, nothing else in
// this package points at its buffer and it becomes eligible for
// collection; a still-resident entry stays in the LRU index.
func (r *EntryRef) Release() {
	atomic.AddInt32(&r.e.refs, -1)
}

// Cache is a bounded, thread-safe, reference-counted tile cache.
type Cache struct {
	mu         sync.Mutex
	lru        *lru.Cache
	budget     int64
	totalBytes int64
}

// New creates a cache with the given byte budget. Insertions beyond the
// budget evict least-recently-used entries first.
func New(budget int64) *Cache {
	// golang-lru is capacity-bounded by entry count; this cache's actual
	// bound is the byte budget enforced in Put, so the underlying LRU is
	// given an effectively unbounded entry count and never evicts on its
	// own.
	l, _ := lru.New(1 << 30)
	return &Cache{lru: l, budget: budget}
}

// Get acquires a read reference to the entry at key, if resident, and
// moves it to the front of the LRU order.
func (c *Cache) Get(key TileFingerprint) (*EntryRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	atomic.AddInt32(&e.refs, 1)
	return &EntryRef{e: e}, true
}

// Put inserts data under key, replacing any existing entry there. The
// previous entry (if any) is retired: it is removed from the LRU index
// immediately, but any EntryRef already issued against it stays valid
// until that caller releases it, since the caller holds the *entry
// directly rather than going back through the map. Put returns a live
// reference to the new entry.
func (c *Cache) Put(key TileFingerprint, data []byte) *EntryRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		oe := old.(*entry)
		c.totalBytes -= int64(len(oe.data))
		c.lru.Remove(key)
	}

	e := &entry{data: data, refs: 1}
	c.lru.Add(key, e)
	c.totalBytes += int64(len(data))

	for c.totalBytes > c.budget {
		_, v, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		oe := v.(*entry)
		c.totalBytes -= int64(len(oe.data))
	}

	return &EntryRef{e: e}
}

// Len reports the number of entries currently indexed by the LRU (not
// counting entries retired by a replacing Put but still held by an
// outstanding EntryRef).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
