// Package cache provides the bounded in-memory answer cache.
//
// The cache is keyed by request fingerprints (see internal/answer) and holds
// at most a fixed number of finalized answers. Recency is tracked on both
// reads and writes, so the entry evicted under pressure is always the least
// recently touched one.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Key identifies a cached answer. Keys are hex-encoded request fingerprints.
type Key string

// Entry is one finalized answer.
type Entry struct {
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Event describes a cache transition, reported through the optional hook.
type Event string

const (
	EventHit   Event = "hit"
	EventMiss  Event = "miss"
	EventStore Event = "store"
	EventEvict Event = "evict"
)

// Stats is a point-in-time snapshot of the cache counters. Counters are
// cumulative for the process lifetime and survive Clear.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type cacheItem struct {
	key   Key
	entry Entry
}

// AnswerCache is a strict-capacity LRU map from request fingerprints to
// answers. All methods are safe for concurrent use.
type AnswerCache struct {
	mu        sync.Mutex
	capacity  int
	entries   map[Key]*list.Element
	order     *list.List // front = most recently used
	hits      uint64
	misses    uint64
	evictions uint64
	hook      func(Event, Key)
}

// New returns an empty cache bounded at capacity entries.
func New(capacity int) *AnswerCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &AnswerCache{
		capacity: capacity,
		entries:  make(map[Key]*list.Element, capacity),
		order:    list.New(),
	}
}

// SetEventHook registers fn to be called after each hit, miss, store and
// eviction. The hook runs outside the cache lock and must be cheap; it is
// meant for metrics, not for control flow.
func (c *AnswerCache) SetEventHook(fn func(Event, Key)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = fn
}

// Get returns the entry stored under key and marks it most recently used.
func (c *AnswerCache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	hook := c.hook
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		if hook != nil {
			hook(EventMiss, key)
		}
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	entry := el.Value.(*cacheItem).entry
	c.verifyLocked()
	c.mu.Unlock()
	if hook != nil {
		hook(EventHit, key)
	}
	return entry, true
}

// Put stores entry under key. An existing key is overwritten in place and
// refreshed; a new key may evict the least recently used entry first.
func (c *AnswerCache) Put(key Key, entry Entry) {
	c.mu.Lock()
	hook := c.hook
	var evicted Key
	var hasEvicted bool
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheItem).entry = entry
		c.order.MoveToFront(el)
	} else {
		if c.order.Len() >= c.capacity {
			oldest := c.order.Back()
			if oldest != nil {
				item := oldest.Value.(*cacheItem)
				delete(c.entries, item.key)
				c.order.Remove(oldest)
				c.evictions++
				evicted = item.key
				hasEvicted = true
			}
		}
		c.entries[key] = c.order.PushFront(&cacheItem{key: key, entry: entry})
	}
	c.verifyLocked()
	c.mu.Unlock()
	if hook != nil {
		if hasEvicted {
			hook(EventEvict, evicted)
		}
		hook(EventStore, key)
	}
}

// Clear drops every entry and returns how many were dropped. Counters are
// not reset. Use it after a re-index or prompt change makes cached answers
// untrustworthy.
func (c *AnswerCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := len(c.entries)
	c.entries = make(map[Key]*list.Element, c.capacity)
	c.order.Init()
	c.verifyLocked()
	return dropped
}

// Len returns the current number of cached entries.
func (c *AnswerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *AnswerCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// verifyLocked panics if the index and the recency list disagree or the
// bound is breached. Either means a bug in the cache itself, never a bad
// request, so it is not reported as an error to callers.
func (c *AnswerCache) verifyLocked() {
	if len(c.entries) != c.order.Len() || len(c.entries) > c.capacity {
		panic(fmt.Sprintf("answer cache invariant violated: %d indexed, %d ordered, capacity %d",
			len(c.entries), c.order.Len(), c.capacity))
	}
}
