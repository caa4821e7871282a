package segment

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultReadCacheSize is the default cap on open read descriptors
// (spec.md §4.A: "Read handles are LRU-cached; cap e.g. 256 open
// descriptors"), mirroring the style of broker/client.RouteCache.
const DefaultReadCacheSize = 256

// ReadCache caches open *File read handles for non-current segments, evicting
// the least-recently-used handle once the cache exceeds its configured size.
type ReadCache struct {
	dir   string
	cache *lru.Cache
	mu    sync.Mutex
}

// NewReadCache returns a ReadCache rooted at |dir| with room for |size|
// open handles.
func NewReadCache(dir string, size int) *ReadCache {
	var cache, err = lru.NewWithEvict(size, func(_ interface{}, v interface{}) {
		_ = v.(*File).Close()
	})
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &ReadCache{dir: dir, cache: cache}
}

// Get returns an open read handle for segment |n|, opening and caching one
// if not already present.
func (rc *ReadCache) Get(n Number) (*File, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if v, ok := rc.cache.Get(n); ok {
		return v.(*File), nil
	}
	var f, err = OpenForRead(rc.dir, n)
	if err != nil {
		return nil, err
	}
	rc.cache.Add(n, f)
	return f, nil
}

// Evict closes and removes segment |n|'s cached handle, if any. Used by the
// compactor before mutating or deleting a segment's backing file
// (spec.md §4.E step 2a: "Close cached read handles for both files").
func (rc *ReadCache) Evict(n Number) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cache.Remove(n)
}

// Purge closes and removes every cached handle.
func (rc *ReadCache) Purge() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.cache.Purge()
}
