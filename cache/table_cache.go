package cache

import (
	"fmt"
	"io"
	"sync"
)

// TableCache caches open table file handles, keyed by table id, so repeated
// point lookups and compaction inputs do not reopen the same file over and
// over. It holds an io.Closer rather than a concrete reader type to avoid
// depending on the sstable package; callers type-assert the value they get
// back.
type TableCache struct {
	mu  sync.Mutex
	lru *LRUCache
}

// NewTableCache returns a table cache that holds up to capacity open files.
// Evicted entries are closed automatically.
func NewTableCache(capacity int) *TableCache {
	tc := &TableCache{}
	tc.lru = NewLRUCache(capacity, tc.onEvicted, nil, nil)
	return tc
}

func (tc *TableCache) onEvicted(_ string, value interface{}) {
	if closer, ok := value.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Get returns the cached handle for tableID, if present.
func (tc *TableCache) Get(tableID uint64) (io.Closer, bool) {
	v, ok := tc.lru.Get(tableKey(tableID))
	if !ok {
		return nil, false
	}
	closer, ok := v.(io.Closer)
	return closer, ok
}

// GetOrOpen returns the cached handle for tableID, opening and caching a new
// one via open if it is not already present. open is called at most once
// per miss, under the cache's lock, so concurrent misses for the same table
// do not race to open duplicate handles.
func (tc *TableCache) GetOrOpen(tableID uint64, open func() (io.Closer, error)) (io.Closer, error) {
	if closer, ok := tc.Get(tableID); ok {
		return closer, nil
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if closer, ok := tc.Get(tableID); ok {
		return closer, nil
	}
	closer, err := open()
	if err != nil {
		return nil, fmt.Errorf("open table %d: %w", tableID, err)
	}
	tc.lru.Put(tableKey(tableID), closer)
	return closer, nil
}

// Evict removes and closes the cached handle for tableID, if present; used
// when a table file is deleted by compaction.
func (tc *TableCache) Evict(tableID uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if closer, ok := tc.Get(tableID); ok {
		tc.onEvicted(tableKey(tableID), closer)
	}
	tc.lru.mu.Lock()
	if elem, ok := tc.lru.cacheItems[tableKey(tableID)]; ok {
		tc.lru.lruList.Remove(elem)
		delete(tc.lru.cacheItems, tableKey(tableID))
	}
	tc.lru.mu.Unlock()
}

// Len returns the number of cached handles.
func (tc *TableCache) Len() int { return tc.lru.Len() }

// Clear closes and evicts every cached handle.
func (tc *TableCache) Clear() { tc.lru.Clear() }

func tableKey(tableID uint64) string {
	return fmt.Sprintf("table:%d", tableID)
}
