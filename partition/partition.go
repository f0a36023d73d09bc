package partition

// partition.go implements one partition's (column family's) write-path
// state: a mutable memtable plus zero or more immutable ones awaiting
// flush, all sharing the engine-wide WAL and sequence counter. Every
// partition gets its own pair of memtables so one partition's write volume
// never blocks another's reads or flushes.

import (
	"sync"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/memtable"
)

// Partition holds one column family's in-memory write path: the active
// memtable accepting writes and any immutable memtables awaiting flush.
// On-disk state (per-level file lists) lives in the manifest.Version
// looked up by ID; a Partition itself never touches the manifest.
type Partition struct {
	mu sync.RWMutex

	id   uint32
	name string

	writeBufferBytes int64
	mutable          *memtable.Memtable
	immutable        []*memtable.Memtable
}

// New returns a Partition with a fresh, empty mutable memtable.
func New(id uint32, name string, writeBufferBytes int64) *Partition {
	return &Partition{
		id:               id,
		name:             name,
		writeBufferBytes: writeBufferBytes,
		mutable:          memtable.NewMemtable(writeBufferBytes),
	}
}

// ID returns the partition's integer identifier.
func (p *Partition) ID() uint32 { return p.id }

// Name returns the partition's name.
func (p *Partition) Name() string { return p.name }

// Mutable returns the partition's active memtable.
func (p *Partition) Mutable() *memtable.Memtable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mutable
}

// Immutables returns a snapshot of the memtables awaiting flush, oldest
// first.
func (p *Partition) Immutables() []*memtable.Memtable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*memtable.Memtable, len(p.immutable))
	copy(out, p.immutable)
	return out
}

// NeedsRotate reports whether the active memtable has reached its size
// threshold and should be frozen.
func (p *Partition) NeedsRotate() bool {
	return p.Mutable().IsFull()
}

// Rotate freezes the active memtable as an immutable one awaiting flush
// and installs a fresh empty mutable memtable in its place, returning the
// frozen one. The pointer swap itself must happen under the caller's
// write-serializing lock so no write lands in the memtable being frozen
// after it's already on its way to the immutable list; Rotate only does
// the swap, it does not take that lock itself.
func (p *Partition) Rotate() *memtable.Memtable {
	p.mu.Lock()
	defer p.mu.Unlock()
	frozen := p.mutable
	p.immutable = append(p.immutable, frozen)
	p.mutable = memtable.NewMemtable(p.writeBufferBytes)
	return frozen
}

// RemoveImmutable drops flushed from the immutable list once its flush's
// version edit is durable. A no-op if flushed is not present.
func (p *Partition) RemoveImmutable(flushed *memtable.Memtable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.immutable {
		if m == flushed {
			p.immutable = append(p.immutable[:i:i], p.immutable[i+1:]...)
			return
		}
	}
}

// Get consults the active memtable, then each immutable memtable newest
// first. found is true even for a tombstone so callers can stop without
// falling through to on-disk levels.
func (p *Partition) Get(userKey []byte, seq uint64) (value []byte, kind core.EntryKind, found bool) {
	p.mu.RLock()
	mutable := p.mutable
	immutable := append([]*memtable.Memtable(nil), p.immutable...)
	p.mu.RUnlock()

	if value, kind, found := mutable.Get(userKey, seq); found {
		return value, kind, true
	}
	for i := len(immutable) - 1; i >= 0; i-- {
		if value, kind, found := immutable[i].Get(userKey, seq); found {
			return value, kind, true
		}
	}
	return nil, 0, false
}
