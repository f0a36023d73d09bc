package memtable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/sstable"
	"github.com/INLOpen/skiplist"
)

// entryKey wraps an encoded internal key so it can be used as the skiplist's
// comparable key type while ordering is driven by comparator, not ==.
type entryKey struct {
	ik []byte
}

type entryValue struct {
	value []byte // nil for a tombstone
}

// --- GC-friendly pools for entryKey/entryValue, avoiding a fresh heap
// allocation per insert under sustained write load. ---

type entryKeyPool struct {
	mu     sync.Mutex
	items  []*entryKey
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newEntryKeyPool(size int) *entryKeyPool {
	return &entryKeyPool{items: make([]*entryKey, 0, size)}
}

func (p *entryKeyPool) Get() *entryKey {
	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		p.misses.Add(1)
		return &entryKey{}
	}
	p.hits.Add(1)
	item := p.items[len(p.items)-1]
	p.items = p.items[:len(p.items)-1]
	p.mu.Unlock()
	return item
}

func (p *entryKeyPool) Put(k *entryKey) {
	k.ik = nil
	p.mu.Lock()
	p.items = append(p.items, k)
	p.mu.Unlock()
}

type entryValuePool struct {
	mu     sync.Mutex
	items  []*entryValue
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newEntryValuePool(size int) *entryValuePool {
	return &entryValuePool{items: make([]*entryValue, 0, size)}
}

func (p *entryValuePool) Get() *entryValue {
	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		p.misses.Add(1)
		return &entryValue{}
	}
	p.hits.Add(1)
	item := p.items[len(p.items)-1]
	p.items = p.items[:len(p.items)-1]
	p.mu.Unlock()
	return item
}

func (p *entryValuePool) Put(e *entryValue) {
	e.value = nil
	p.mu.Lock()
	p.items = append(p.items, e)
	p.mu.Unlock()
}

var (
	keyPool   = newEntryKeyPool(16384)
	valuePool = newEntryValuePool(16384)
)

func comparator(a, b *entryKey) int {
	return core.CompareInternalKeys(a.ik, b.ik)
}

// sizeOf estimates the bytes an entry with this internal key and value
// contributes to the memtable's tracked size.
func sizeOf(ik, value []byte) int64 {
	return int64(len(ik) + len(value))
}

// Memtable is a concurrent ordered multiset over internal keys:
// insertions encode the internal key once; lookups scan forward from a
// user key's lower bound in descending-sequence order and return the first
// entry visible at the caller's snapshot sequence.
type Memtable struct {
	mu           sync.RWMutex
	data         *skiplist.SkipList[*entryKey, *entryValue]
	sizeBytes    int64
	threshold    int64
	CreationTime time.Time
}

// NewMemtable creates an empty Memtable that reports full once its tracked
// size reaches threshold bytes.
func NewMemtable(threshold int64) *Memtable {
	return &Memtable{
		data:         skiplist.NewWithComparator[*entryKey, *entryValue](comparator),
		threshold:    threshold,
		CreationTime: time.Now(),
	}
}

// Put inserts (userKey, seq, kind, value) as one internal-key entry. value
// must be nil when kind is core.KindTombstone.
func (m *Memtable) Put(userKey []byte, seq uint64, kind core.EntryKind, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ik := core.EncodeInternalKey(userKey, seq, kind)

	newKey := keyPool.Get()
	newKey.ik = ik
	newVal := valuePool.Get()
	newVal.value = value

	// Internal keys are unique per (user key, sequence): the comparator never
	// reports two distinct writes as equal, so Insert always adds a new node.
	m.data.Insert(newKey, newVal)
	m.sizeBytes += sizeOf(ik, value)
	return nil
}

// Get looks up userKey as of snapshot sequence seq: the first entry with
// sequence <= seq is authoritative. found reports whether such an entry
// exists (true even for a tombstone); kind distinguishes value from
// tombstone.
func (m *Memtable) Get(userKey []byte, seq uint64) (value []byte, kind core.EntryKind, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target := keyPool.Get()
	target.ik = core.EncodeInternalKey(userKey, seq, core.KindTombstone)
	defer keyPool.Put(target)

	node, ok := m.data.Seek(target)
	if !ok {
		return nil, 0, false
	}
	foundKey := node.Key()
	if !core.SameUserKey(foundKey.ik, target.ik) {
		return nil, 0, false
	}
	// The comparator sorts sequence descending for a fixed user key, so
	// Seek landing on this user key guarantees its sequence <= seq.
	entry := node.Value()
	k := core.Kind(foundKey.ik)
	if k == core.KindTombstone {
		return nil, k, true
	}
	return entry.value, k, true
}

// Size returns the estimated number of bytes held by the memtable.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull reports whether Size has reached the configured threshold.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.threshold
}

// Len returns the number of internal-key entries in the memtable.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// NewIterator returns an unpositioned iterator over every internal-key
// entry in ascending internal-key order (user key ascending, then
// sequence descending); call SeekToFirst or Seek before reading. The
// caller must Close it to release the memtable's read lock.
func (m *Memtable) NewIterator() *Iterator {
	m.mu.RLock()
	return &Iterator{mu: &m.mu, iter: m.data.NewIterator()}
}

// FlushToSSTable writes every internal-key entry, in order, to writer. This
// is used to flush an immutable memtable to a new table file; compaction is
// responsible for dropping obsolete versions and tombstones later.
func (m *Memtable) FlushToSSTable(writer *sstable.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	iter := m.data.NewIterator()
	for iter.Next() {
		k := iter.Key()
		v := iter.Value()
		if err := writer.Add(k.ik, v.value); err != nil {
			return fmt.Errorf("flush memtable entry to sstable writer: %w", err)
		}
	}
	return nil
}

// Close releases the memtable's entries back to their pools. Call only
// after the memtable has been flushed and is no longer reachable by
// readers.
func (m *Memtable) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return
	}
	m.data.Range(func(key *entryKey, value *entryValue) bool {
		keyPool.Put(key)
		valuePool.Put(value)
		return true
	})
	m.data = nil
	m.sizeBytes = 0
}

// Iterator walks a Memtable's entries in ascending internal-key order. It
// satisfies core.InternalIterator (SeekToFirst/Seek/Next/Valid/Key/Value/
// Error/Close), the same shape as sstable.TableIterator, so the merging
// iterator can treat memtable and table iterators uniformly.
type Iterator struct {
	mu    *sync.RWMutex
	iter  *skiplist.Iterator[*entryKey, *entryValue]
	valid bool
}

var _ core.InternalIterator = (*Iterator)(nil)

// SeekToFirst positions the iterator at the memtable's smallest internal
// key.
func (it *Iterator) SeekToFirst() {
	it.valid = it.iter.First()
}

// Seek positions the iterator at the first entry whose internal key is >=
// target.
func (it *Iterator) Seek(target []byte) {
	it.valid = it.iter.Seek(&entryKey{ik: target})
}

// Next advances to the next entry, returning false once exhausted.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	it.valid = it.iter.Next()
	return it.valid
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the full encoded internal key at the current position.
func (it *Iterator) Key() []byte { return it.iter.Key().ik }

// Value returns the raw value at the current position (nil for a
// tombstone).
func (it *Iterator) Value() []byte { return it.iter.Value().value }

// Error always returns nil; the in-memory skip list cannot fail.
func (it *Iterator) Error() error { return nil }

// Close releases the memtable's read lock acquired by NewIterator.
func (it *Iterator) Close() error {
	it.mu.RUnlock()
	return nil
}
