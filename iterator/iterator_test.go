package iterator

import (
	"testing"

	"github.com/INLOpen/rucksdb/core"
	"github.com/stretchr/testify/require"
)

// sliceIterator is a minimal core.InternalIterator over a pre-sorted slice
// of internal keys, used to exercise MergingIterator without depending on
// the memtable or sstable packages.
type sliceIterator struct {
	entries []sliceEntry
	pos     int
	started bool
}

type sliceEntry struct {
	key   []byte
	value []byte
}

func newSliceIterator(entries []sliceEntry) *sliceIterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (s *sliceIterator) SeekToFirst() {
	s.pos = 0
	s.started = true
}

func (s *sliceIterator) Seek(target []byte) {
	s.started = true
	for i, e := range s.entries {
		if core.CompareInternalKeys(e.key, target) >= 0 {
			s.pos = i
			return
		}
	}
	s.pos = len(s.entries)
}

func (s *sliceIterator) Next() bool {
	if !s.started {
		return false
	}
	s.pos++
	return s.Valid()
}

func (s *sliceIterator) Valid() bool { return s.pos >= 0 && s.pos < len(s.entries) }
func (s *sliceIterator) Key() []byte { return s.entries[s.pos].key }
func (s *sliceIterator) Value() []byte {
	return s.entries[s.pos].value
}
func (s *sliceIterator) Error() error { return nil }
func (s *sliceIterator) Close() error { return nil }

func ik(userKey string, seq uint64, kind core.EntryKind) []byte {
	return core.EncodeInternalKey([]byte(userKey), seq, kind)
}

func collect(t *testing.T, m *MergingIterator) (keys []string, values []string) {
	t.Helper()
	for m.SeekToFirst(); m.Valid(); m.Next() {
		keys = append(keys, string(core.UserKey(m.Key())))
		values = append(values, string(m.Value()))
	}
	require.NoError(t, m.Error())
	return keys, values
}

func TestMergingIteratorMergesDisjointSources(t *testing.T) {
	a := newSliceIterator([]sliceEntry{
		{ik("a", 1, core.KindValue), []byte("a1")},
		{ik("c", 1, core.KindValue), []byte("c1")},
	})
	b := newSliceIterator([]sliceEntry{
		{ik("b", 1, core.KindValue), []byte("b1")},
	})

	m := NewMergingIterator([]Source{{Iter: a, Priority: 0}, {Iter: b, Priority: 1}})
	keys, values := collect(t, m)
	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.Equal(t, []string{"a1", "b1", "c1"}, values)
}

func TestMergingIteratorNewerSequenceWinsAcrossSources(t *testing.T) {
	older := newSliceIterator([]sliceEntry{
		{ik("key", 1, core.KindValue), []byte("old")},
	})
	newer := newSliceIterator([]sliceEntry{
		{ik("key", 5, core.KindValue), []byte("new")},
	})

	// Priority shouldn't matter here: sequence alone should pick "new".
	m := NewMergingIterator([]Source{{Iter: older, Priority: 0}, {Iter: newer, Priority: 1}})
	keys, values := collect(t, m)
	require.Equal(t, []string{"key"}, keys)
	require.Equal(t, []string{"new"}, values)
}

func TestMergingIteratorHigherPriorityWinsOnExactTie(t *testing.T) {
	lowPriority := newSliceIterator([]sliceEntry{
		{ik("key", 5, core.KindValue), []byte("low-priority")},
	})
	highPriority := newSliceIterator([]sliceEntry{
		{ik("key", 5, core.KindValue), []byte("high-priority")},
	})

	m := NewMergingIterator([]Source{
		{Iter: lowPriority, Priority: 5},
		{Iter: highPriority, Priority: 0},
	})
	_, values := collect(t, m)
	require.Equal(t, []string{"high-priority"}, values)
}

func TestMergingIteratorSuppressesTombstones(t *testing.T) {
	newer := newSliceIterator([]sliceEntry{
		{ik("deleted", 5, core.KindTombstone), nil},
	})
	older := newSliceIterator([]sliceEntry{
		{ik("deleted", 1, core.KindValue), []byte("stale")},
		{ik("kept", 1, core.KindValue), []byte("kept-value")},
	})

	m := NewMergingIterator([]Source{{Iter: newer, Priority: 0}, {Iter: older, Priority: 1}})
	keys, values := collect(t, m)
	require.Equal(t, []string{"kept"}, keys)
	require.Equal(t, []string{"kept-value"}, values)
}

func TestMergingIteratorSeekSkipsEarlierKeys(t *testing.T) {
	a := newSliceIterator([]sliceEntry{
		{ik("a", 1, core.KindValue), []byte("a1")},
		{ik("b", 1, core.KindValue), []byte("b1")},
		{ik("c", 1, core.KindValue), []byte("c1")},
	})

	m := NewMergingIterator([]Source{{Iter: a, Priority: 0}})
	m.Seek(ik("b", 1, core.KindTombstone))
	require.True(t, m.Valid())
	require.Equal(t, "b", string(core.UserKey(m.Key())))
}

func TestMergingIteratorEmptySources(t *testing.T) {
	m := NewMergingIterator(nil)
	m.SeekToFirst()
	require.False(t, m.Valid())
	require.NoError(t, m.Error())
}

func TestEmptyIteratorIsAlwaysInvalid(t *testing.T) {
	var e EmptyIterator
	e.SeekToFirst()
	require.False(t, e.Valid())
	e.Seek([]byte("x"))
	require.False(t, e.Valid())
	require.False(t, e.Next())
	require.Nil(t, e.Key())
	require.Nil(t, e.Value())
	require.NoError(t, e.Error())
	require.NoError(t, e.Close())
}
