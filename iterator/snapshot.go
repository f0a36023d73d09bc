package iterator

// snapshot.go adds the one capability the merging iterator itself does not
// need but a snapshotted get or new_iterator does: hiding every entry
// whose sequence is newer than a pinned snapshot before it ever reaches the
// merge. A SnapshotIterator is just another InternalIterator a Source can
// wrap, so MergingIterator needs no snapshot-awareness of its own: each
// source already looks, to the merge, as if no write after the snapshot
// had ever happened.

import "github.com/INLOpen/rucksdb/core"

// SnapshotIterator wraps src, skipping every internal key whose sequence
// exceeds ceiling. Since internal keys sort a fixed user key's versions by
// descending sequence, skipping forward past entries above the ceiling
// always lands on that source's newest surviving version for the next user
// key, never an older one out of order.
type SnapshotIterator struct {
	src     core.InternalIterator
	ceiling uint64
}

// NewSnapshotIterator returns a SnapshotIterator over src. ceiling is
// typically a pinned snapshot sequence.
func NewSnapshotIterator(src core.InternalIterator, ceiling uint64) *SnapshotIterator {
	return &SnapshotIterator{src: src, ceiling: ceiling}
}

var _ core.InternalIterator = (*SnapshotIterator)(nil)

func (s *SnapshotIterator) SeekToFirst() {
	s.src.SeekToFirst()
	s.skipAboveCeiling()
}

func (s *SnapshotIterator) Seek(target []byte) {
	s.src.Seek(target)
	s.skipAboveCeiling()
}

func (s *SnapshotIterator) Next() bool {
	if !s.src.Next() {
		return false
	}
	return s.skipAboveCeiling()
}

// skipAboveCeiling advances src past any run of entries newer than the
// ceiling, returning whether a visible entry remains.
func (s *SnapshotIterator) skipAboveCeiling() bool {
	for s.src.Valid() && core.Sequence(s.src.Key()) > s.ceiling {
		if !s.src.Next() {
			return false
		}
	}
	return s.src.Valid()
}

func (s *SnapshotIterator) Valid() bool   { return s.src.Valid() }
func (s *SnapshotIterator) Key() []byte   { return s.src.Key() }
func (s *SnapshotIterator) Value() []byte { return s.src.Value() }
func (s *SnapshotIterator) Error() error  { return s.src.Error() }
func (s *SnapshotIterator) Close() error  { return s.src.Close() }
