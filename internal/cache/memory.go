package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
)

// memEntry stores a cached result together with its insertion time.
type memEntry struct {
	fp         string
	result     chat.Result
	insertedAt time.Time
}

// MemoryCache is an in-process FIFO cache with a size cap and a lazy
// freshness check.
//
// It is safe for concurrent use. A single mutex serialises Lookup, Store and
// Clear so that evict-then-insert is one atomic step and the cap can never be
// exceeded by racing writers.
type MemoryCache struct {
	settings

	mu    sync.Mutex
	order *list.List // front = oldest inserted
	items map[string]*list.Element
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache(opts ...Option) *MemoryCache {
	return &MemoryCache{
		settings: newSettings(opts),
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Lookup returns the result for fp when present and fresh. Stale entries are
// left in place; the next Store for fp overwrites them.
func (c *MemoryCache) Lookup(_ context.Context, fp string) (chat.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fp]
	if !ok {
		return chat.Result{}, false
	}
	e := el.Value.(*memEntry)
	if !c.fresh(e.insertedAt) {
		return chat.Result{}, false
	}
	return e.result, true
}

// Store inserts result under fp. Re-storing an existing fingerprint replaces
// it and makes it the newest entry without evicting anything else.
func (c *MemoryCache) Store(_ context.Context, fp string, result chat.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if el, ok := c.items[fp]; ok {
		e := el.Value.(*memEntry)
		e.result = result
		e.insertedAt = now
		c.order.MoveToBack(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*memEntry).fp)
		}
	}

	c.items[fp] = c.order.PushBack(&memEntry{fp: fp, result: result, insertedAt: now})
}

// Clear removes all entries.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been overwritten).
func (c *MemoryCache) Len(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
