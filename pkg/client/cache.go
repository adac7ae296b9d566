// Package client implements the embedding interface a host object-database
// layer drives: load/store/begin/vote/finish/abort plus the bounded object
// cache invalidated by the primary master's broadcasts.
package client

import (
	"container/list"
	"sync"

	"github.com/e42s/neoppod/pkg/neo/ids"
)

// entry is one cached revision: the newest serial this Client has observed
// for OID and the bytes committed at that serial.
type entry struct {
	oid    ids.OID
	serial ids.TID
	data   []byte
}

// Cache is a bounded LRU keyed by OID, guarded by a single mutex acquired
// briefly around lookup/insert/invalidate per spec.md §5 "Shared state".
// It never stores a revision older than one it already holds: an
// InvalidateObjects for a tid it hasn't heard of yet still evicts, since the
// caller's next Load will refill with the latest committed data.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[ids.OID]*list.Element
}

// NewCache returns an empty Cache bounded to capacity entries. A
// non-positive capacity disables eviction (unbounded growth), used by
// tests and by embeddings that front their own bound.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[ids.OID]*list.Element),
	}
}

// Get returns the cached (serial, data) for oid, if present, moving it to
// the front of the recency list.
func (c *Cache) Get(oid ids.OID) (serial ids.TID, data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.items[oid]
	if !found {
		return 0, nil, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*entry)
	return e.serial, e.data, true
}

// Put inserts or refreshes the cached revision for oid, evicting the least
// recently used entry if this insert pushes the cache over capacity. A
// serial older than the one already cached leaves the cached bytes as they
// are.
func (c *Cache) Put(oid ids.OID, serial ids.TID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[oid]; ok {
		if e := el.Value.(*entry); serial >= e.serial {
			e.serial = serial
			e.data = data
		}
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{oid: oid, serial: serial, data: data})
	c.items[oid] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).oid)
		}
	}
}

// Evict removes oid from the cache unconditionally, the action taken on
// every InvalidateObjects entry regardless of whether this Client ever
// cached it.
func (c *Cache) Evict(oid ids.OID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[oid]; ok {
		c.ll.Remove(el)
		delete(c.items, oid)
	}
}

// Len reports the number of cached entries, exported for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
