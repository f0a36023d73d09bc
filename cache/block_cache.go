package cache

import (
	"expvar"
	"fmt"
)

// BlockCache is a typed wrapper around the generic LRUCache that caches
// decompressed data blocks, keyed by the owning table's id and the block's
// offset within that file.
type BlockCache struct {
	lru *LRUCache
}

// NewBlockCache returns a block cache that holds up to capacity blocks.
// capacity <= 0 disables caching (every Get misses, every Put is a no-op).
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{lru: NewLRUCache(capacity, nil, nil, nil)}
}

// Get returns the cached block data for (tableID, offset), if present.
func (bc *BlockCache) Get(tableID, offset uint64) ([]byte, bool) {
	v, ok := bc.lru.Get(blockKey(tableID, offset))
	if !ok {
		return nil, false
	}
	data, ok := v.([]byte)
	return data, ok
}

// Put caches block data for (tableID, offset).
func (bc *BlockCache) Put(tableID, offset uint64, data []byte) {
	bc.lru.Put(blockKey(tableID, offset), data)
}

// Len returns the number of cached blocks.
func (bc *BlockCache) Len() int { return bc.lru.Len() }

// Clear evicts every cached block, e.g. when a table is deleted outright.
func (bc *BlockCache) Clear() { bc.lru.Clear() }

// HitRate reports the cache's hit rate, if metrics were wired with SetMetrics.
func (bc *BlockCache) HitRate() float64 { return bc.lru.GetHitRate() }

// SetMetrics wires expvar counters for hit/miss tracking.
func (bc *BlockCache) SetMetrics(hits, misses *expvar.Int) {
	bc.lru.SetMetrics(hits, misses)
}

func blockKey(tableID, offset uint64) string {
	return fmt.Sprintf("%d:%d", tableID, offset)
}
