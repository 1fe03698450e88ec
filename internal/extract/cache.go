package extract

import (
	"container/list"
	"context"
	"crypto/sha256"
	"slices"
	"sync"
)

// Cache is an LRU cache of embeddings keyed by the SHA-256 of the image bytes.
type Cache struct {
	capacity int
	entries  map[[sha256.Size]byte]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   [sha256.Size]byte
	value []float32
}

// NewCache creates a cache holding at most capacity embeddings.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[[sha256.Size]byte]*list.Element),
		lru:      list.New(),
	}
}

// Get returns a copy of the cached embedding for data if present.
func (c *Cache) Get(data []byte) ([]float32, bool) {
	key := sha256.Sum256(data)
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return slices.Clone(elem.Value.(*cacheEntry).value), true
	}
	return nil, false
}

// Set stores the embedding for data, evicting the least recently used entry if at capacity.
func (c *Cache) Set(data []byte, value []float32) {
	if c.capacity <= 0 {
		return
	}
	key := sha256.Sum256(data)
	value = slices.Clone(value)
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.entries[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached embeddings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CachedExtractor consults a Cache before delegating to the wrapped extractor.
type CachedExtractor struct {
	Extractor
	cache *Cache
}

// WithCache wraps ext so repeated images skip inference. A nil cache returns ext unchanged.
func WithCache(ext Extractor, cache *Cache) Extractor {
	if cache == nil {
		return ext
	}
	return &CachedExtractor{Extractor: ext, cache: cache}
}

// Extract returns the cached embedding or computes and caches it.
func (c *CachedExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if v, ok := c.cache.Get(data); ok {
		return v, nil
	}
	v, err := c.Extractor.Extract(ctx, data)
	if err != nil {
		return nil, err
	}
	c.cache.Set(data, v)
	return v, nil
}
