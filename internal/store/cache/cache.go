// Package cache implements the optional in-memory LRU of recently read
// message payloads named in spec.md §4.F ("Message cache"): bounded by byte
// size, keyed by msg-id, with its own refcount.
package cache

import (
	"container/list"
	"sync"

	"github.com/axiomq/store/internal/store/msgid"
)

// DefaultMaxBytes is the default byte-size bound (spec.md §4.F: "bounded by
// byte size (e.g. 10 MiB)").
const DefaultMaxBytes = 10 * 1024 * 1024

type entry struct {
	id       msgid.ID
	payload  []byte
	refcount int64
}

// Cache is a byte-bounded LRU of message payloads, with a per-entry
// refcount distinct from MsgLoc's refcount: spec.md §9 Design Notes (b)
// requires that "the source's message cache refcount is decremented
// silently on a miss (catch-and-ignore)"; that permissive behaviour is
// retained here by Release.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	ll       *list.List
	index    map[msgid.ID]*list.Element
}

// New returns an empty Cache bounded at |maxBytes|.
func New(maxBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		index:    make(map[msgid.ID]*list.Element),
	}
}

// Get returns the cached payload for |id|, promoting it to most-recently-used.
func (c *Cache) Get(id msgid.ID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var el, ok = c.index[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).payload, true
}

// Insert adds or replaces the cached payload for |id|, evicting
// least-recently-used entries until the cache fits within maxBytes.
func (c *Cache) Insert(id msgid.ID, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		var e = el.Value.(*entry)
		c.curBytes += int64(len(payload)) - int64(len(e.payload))
		e.payload = payload
		c.ll.MoveToFront(el)
	} else {
		var e = &entry{id: id, payload: payload}
		c.index[id] = c.ll.PushFront(e)
		c.curBytes += int64(len(payload))
	}
	c.evict()
}

// Bump increments the cache refcount of |id|, used when the caller knows a
// message is likely to be delivered again (spec.md §4.F: "Messages whose
// MsgLoc refcount exceeds 1 are eagerly cached because they are likely to be
// delivered again").
func (c *Cache) Bump(id msgid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		el.Value.(*entry).refcount++
	}
}

// Release decrements the cache refcount of |id|, evicting it once the count
// reaches zero. A miss (|id| absent) is silently ignored, per spec.md §9
// Design Notes (b).
func (c *Cache) Release(id msgid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var el, ok = c.index[id]
	if !ok {
		return // Permissive: catch-and-ignore on miss.
	}
	var e = el.Value.(*entry)
	e.refcount--
	if e.refcount <= 0 {
		c.removeElement(el)
	}
}

// Remove forcibly evicts |id| regardless of refcount, used when the
// underlying message is destroyed (MsgLoc refcount reaches zero).
func (c *Cache) Remove(id msgid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[id]; ok {
		c.removeElement(el)
	}
}

// Bytes returns the current total bytes held by the cache.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

func (c *Cache) evict() {
	for c.curBytes > c.maxBytes {
		var back = c.ll.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	var e = el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.index, e.id)
	c.curBytes -= int64(len(e.payload))
}
