package iterator

// iterator.go implements the k-way merging iterator that backs reads across
// an arbitrary number of overlapping sources (memtables and table files):
// a container/heap min-heap orders every source by internal key, and each
// step pops the top, advances it, pushes it back, then drains everything
// else sharing that key so only the newest version survives. A tombstone
// always wins its key and is always suppressed from the merged output.

import (
	"container/heap"

	"github.com/INLOpen/rucksdb/core"
)

// Source pairs a child iterator with its merge priority. Lower priority
// values are newer sources; the newest sequence of a user key wins first,
// and only an exact (user key, sequence) tie goes to the lower value —
// e.g. the active memtable is priority 0, the immutable memtables next,
// then table files from level 0 upward.
type Source struct {
	Iter     core.InternalIterator
	Priority int
}

// MergingIterator merges Sources into a single ascending view over user
// keys: for each distinct user key it yields the entry from the
// highest-priority source with the newest sequence, and silently drops
// keys whose winning entry is a tombstone.
type MergingIterator struct {
	sources []Source
	h       mergeHeap

	key   []byte
	value []byte
	valid bool
	err   error
}

// NewMergingIterator returns a MergingIterator over sources. Call
// SeekToFirst or Seek before reading.
func NewMergingIterator(sources []Source) *MergingIterator {
	return &MergingIterator{sources: sources}
}

var _ core.InternalIterator = (*MergingIterator)(nil)

// SeekToFirst positions every source at its first entry and rebuilds the
// heap from scratch.
func (m *MergingIterator) SeekToFirst() {
	m.h = m.h[:0]
	m.err = nil
	for _, s := range m.sources {
		s.Iter.SeekToFirst()
		m.pushSource(s.Priority, s.Iter)
	}
	heap.Init(&m.h)
	m.settle()
}

// Seek positions every source at its first entry with key >= target and
// rebuilds the heap from scratch.
func (m *MergingIterator) Seek(target []byte) {
	m.h = m.h[:0]
	m.err = nil
	for _, s := range m.sources {
		s.Iter.Seek(target)
		m.pushSource(s.Priority, s.Iter)
	}
	heap.Init(&m.h)
	m.settle()
}

// pushSource records src's current entry on the heap, or records its
// error, or does nothing if src is exhausted.
func (m *MergingIterator) pushSource(priority int, src core.InternalIterator) {
	if err := src.Error(); err != nil {
		m.err = err
		return
	}
	if !src.Valid() {
		return
	}
	heap.Push(&m.h, &mergeItem{
		src:      src,
		priority: priority,
		key:      append([]byte(nil), src.Key()...),
		value:    append([]byte(nil), src.Value()...),
	})
}

// advancePastCurrentKey pops and advances every heap item whose user key
// equals the current top's, pushing each back if its source has more
// data. This is the "advance-through-duplicates" rule: it yields
// at-most-one surviving entry per user key, drawn from whichever source
// had it at the smallest (user key, sequence, priority).
func (m *MergingIterator) advancePastCurrentKey() {
	if m.h.Len() == 0 {
		return
	}
	currentUserKey := append([]byte(nil), core.UserKey(m.h[0].key)...)
	for m.h.Len() > 0 && core.CompareUserKeys(core.UserKey(m.h[0].key), currentUserKey) == 0 {
		item := heap.Pop(&m.h).(*mergeItem)
		if item.src.Next() {
			m.pushSource(item.priority, item.src)
		} else if err := item.src.Error(); err != nil {
			m.err = err
		}
	}
}

// settle positions the iterator at the next visible entry: it drops
// tombstones (and all other sources sharing their key) until the heap's
// top is a value entry or the heap is empty.
func (m *MergingIterator) settle() bool {
	for {
		if m.err != nil {
			m.valid = false
			return false
		}
		if m.h.Len() == 0 {
			m.valid = false
			m.key, m.value = nil, nil
			return false
		}
		top := m.h[0]
		if core.Kind(top.key) == core.KindTombstone {
			m.advancePastCurrentKey()
			continue
		}
		m.key = top.key
		m.value = top.value
		m.valid = true
		return true
	}
}

// Next advances past the current user key (across every source that
// shares it) and settles on the next visible entry.
func (m *MergingIterator) Next() bool {
	if !m.valid {
		return false
	}
	m.advancePastCurrentKey()
	return m.settle()
}

// Valid reports whether the iterator is positioned at an entry.
func (m *MergingIterator) Valid() bool { return m.valid }

// Key returns the current entry's internal key.
func (m *MergingIterator) Key() []byte { return m.key }

// Value returns the current entry's value.
func (m *MergingIterator) Value() []byte { return m.value }

// Error returns the first error observed from any source.
func (m *MergingIterator) Error() error { return m.err }

// Close closes every source iterator, returning the first error.
func (m *MergingIterator) Close() error {
	var firstErr error
	for _, s := range m.sources {
		if err := s.Iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EmptyIterator is a core.InternalIterator with no entries, used where a
// partition or level has no children to merge.
type EmptyIterator struct{}

var _ core.InternalIterator = EmptyIterator{}

func (EmptyIterator) SeekToFirst()  {}
func (EmptyIterator) Seek(_ []byte) {}
func (EmptyIterator) Next() bool    { return false }
func (EmptyIterator) Valid() bool   { return false }
func (EmptyIterator) Key() []byte   { return nil }
func (EmptyIterator) Value() []byte { return nil }
func (EmptyIterator) Error() error  { return nil }
func (EmptyIterator) Close() error  { return nil }
