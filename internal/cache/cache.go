package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// BlockSize is the granularity of remote package reads
	BlockSize = 1 << 20

	// DefaultBlocks bounds the cache when no size is configured
	DefaultBlocks = 64
)

// Stats counts cache lookups
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a bounded, least-recently-used cache of fixed-size blocks keyed
// by block index
type Cache struct {
	mu     sync.Mutex
	blocks *lru.Cache[int64, []byte]
	stats  Stats
}

// New creates a cache holding at most size blocks
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultBlocks
	}

	c := &Cache{}
	blocks, err := lru.NewWithEvict(size, func(int64, []byte) {
		c.mu.Lock()
		c.stats.Evictions++
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	c.blocks = blocks
	return c, nil
}

// Get returns the block's data, or nil if it is not cached
func (c *Cache) Get(block int64) []byte {
	data, ok := c.blocks.Get(block)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.stats.Hits++
	return data
}

// Set stores a block, evicting the least recently used one when full
func (c *Cache) Set(block int64, data []byte) {
	c.blocks.Add(block, data)
}

// Len returns the number of cached blocks
func (c *Cache) Len() int {
	return c.blocks.Len()
}

// Stats returns a snapshot of the lookup counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
