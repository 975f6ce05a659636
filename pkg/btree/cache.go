package btree

import (
	lru "github.com/hashicorp/golang-lru"
)

// CachedReader keeps the most recently read blocks in memory
type CachedReader struct {
	src   BlockReader
	cache *lru.Cache
}

// NewCachedReader wraps src with an LRU of size blocks
func NewCachedReader(src BlockReader, size int) (*CachedReader, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedReader{src: src, cache: cache}, nil
}

// ReadBlock returns a cached block or reads it from the underlying reader.
// The returned slice is shared and must not be modified.
func (c *CachedReader) ReadBlock(addr uint64) ([]byte, error) {
	if v, ok := c.cache.Get(addr); ok {
		return v.([]byte), nil
	}
	data, err := c.src.ReadBlock(addr)
	if err != nil {
		return nil, err
	}
	c.cache.Add(addr, data)
	return data, nil
}

// Purge drops all cached blocks
func (c *CachedReader) Purge() {
	c.cache.Purge()
}
