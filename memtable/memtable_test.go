package memtable

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/INLOpen/rucksdb/compressors"
	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/sstable"
	"github.com/stretchr/testify/require"
)

func TestMemtablePutThenGetLatestVersion(t *testing.T) {
	mt := NewMemtable(1 << 20)

	require.NoError(t, mt.Put([]byte("key1"), 1, core.KindValue, []byte("val1")))
	require.NoError(t, mt.Put([]byte("key1"), 2, core.KindValue, []byte("val2")))

	value, kind, found := mt.Get([]byte("key1"), 10)
	require.True(t, found)
	require.Equal(t, core.KindValue, kind)
	require.Equal(t, "val2", string(value))
}

func TestMemtableGetRespectsSnapshotSequence(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("key1"), 1, core.KindValue, []byte("v1")))
	require.NoError(t, mt.Put([]byte("key1"), 3, core.KindValue, []byte("v3")))
	require.NoError(t, mt.Put([]byte("key1"), 5, core.KindValue, []byte("v5")))

	value, _, found := mt.Get([]byte("key1"), 4)
	require.True(t, found)
	require.Equal(t, "v3", string(value))

	value, _, found = mt.Get([]byte("key1"), 1)
	require.True(t, found)
	require.Equal(t, "v1", string(value))

	_, _, found = mt.Get([]byte("key1"), 0)
	require.False(t, found)
}

func TestMemtableGetSeesTombstone(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("key1"), 1, core.KindValue, []byte("v1")))
	require.NoError(t, mt.Put([]byte("key1"), 2, core.KindTombstone, nil))

	_, kind, found := mt.Get([]byte("key1"), 10)
	require.True(t, found)
	require.Equal(t, core.KindTombstone, kind)

	value, kind, found := mt.Get([]byte("key1"), 1)
	require.True(t, found)
	require.Equal(t, core.KindValue, kind)
	require.Equal(t, "v1", string(value))
}

func TestMemtableGetMissingKey(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("key1"), 1, core.KindValue, []byte("v1")))

	_, _, found := mt.Get([]byte("key2"), 10)
	require.False(t, found)
}

func TestMemtableSizeAccumulates(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.Equal(t, int64(0), mt.Size())

	require.NoError(t, mt.Put([]byte("key1"), 1, core.KindValue, []byte("value1")))
	first := mt.Size()
	require.Greater(t, first, int64(0))

	require.NoError(t, mt.Put([]byte("key2"), 2, core.KindValue, []byte("value2Longer")))
	require.Greater(t, mt.Size(), first)
}

func TestMemtableIsFull(t *testing.T) {
	mt := NewMemtable(64)
	i := 0
	for !mt.IsFull() {
		key := []byte(fmt.Sprintf("key%d", i))
		require.NoError(t, mt.Put(key, uint64(i+1), core.KindValue, []byte("some-value")))
		i++
		require.Less(t, i, 1000, "memtable never became full")
	}
	require.True(t, mt.IsFull())
}

func TestMemtableIteratorOrdersAscendingByUserKeyThenSequenceDescending(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("b"), 1, core.KindValue, []byte("b1")))
	require.NoError(t, mt.Put([]byte("a"), 2, core.KindValue, []byte("a2")))
	require.NoError(t, mt.Put([]byte("a"), 1, core.KindValue, []byte("a1")))
	require.NoError(t, mt.Put([]byte("c"), 1, core.KindValue, []byte("c1")))

	iter := mt.NewIterator()
	defer iter.Close()

	var gotUserKeys []string
	var gotSeqs []uint64
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		uk := core.UserKey(iter.Key())
		gotUserKeys = append(gotUserKeys, string(uk))
		gotSeqs = append(gotSeqs, core.Sequence(iter.Key()))
	}

	require.Equal(t, []string{"a", "a", "b", "c"}, gotUserKeys)
	require.Equal(t, []uint64{2, 1, 1, 1}, gotSeqs)
}

func TestMemtableIteratorIncludesEveryVersionAndTombstone(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("apple"), 1, core.KindValue, []byte("red")))
	require.NoError(t, mt.Put([]byte("apple"), 2, core.KindTombstone, nil))
	require.NoError(t, mt.Put([]byte("apple"), 3, core.KindValue, []byte("green")))

	iter := mt.NewIterator()
	defer iter.Close()

	var kinds []core.EntryKind
	var seqs []uint64
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		kinds = append(kinds, core.Kind(iter.Key()))
		seqs = append(seqs, core.Sequence(iter.Key()))
	}

	require.Equal(t, []uint64{3, 2, 1}, seqs)
	require.Equal(t, []core.EntryKind{core.KindValue, core.KindTombstone, core.KindValue}, kinds)
}

func TestMemtableFlushToSSTableWritesEveryEntryInOrder(t *testing.T) {
	mt := NewMemtable(1 << 20)
	require.NoError(t, mt.Put([]byte("apple"), 1, core.KindValue, []byte("red")))
	require.NoError(t, mt.Put([]byte("banana"), 2, core.KindValue, []byte("yellow")))
	require.NoError(t, mt.Put([]byte("banana"), 3, core.KindTombstone, nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	w, err := sstable.NewWriter(sstable.WriterOptions{
		FilePath:   path,
		BitsPerKey: 10,
		Compressor: &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	require.NoError(t, mt.FlushToSSTable(w))
	require.NoError(t, w.Finish())

	r, err := sstable.Open(sstable.ReaderOptions{FilePath: path, ID: 1})
	require.NoError(t, err)
	defer r.Close()

	val, found, err := r.Get(context.Background(), []byte("apple"), 10)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "red", string(val))

	_, found, err = r.Get(context.Background(), []byte("banana"), 10)
	require.NoError(t, err)
	require.False(t, found, "latest banana entry is a tombstone")

	val, found, err = r.Get(context.Background(), []byte("banana"), 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "yellow", string(val))
}

func TestMemtableCloseReturnsEntriesToPoolsWithoutPanicking(t *testing.T) {
	mt := NewMemtable(1 << 20)
	for i := 0; i < 10; i++ {
		require.NoError(t, mt.Put([]byte(fmt.Sprintf("key-%d", i)), uint64(i+1), core.KindValue, []byte("v")))
	}
	mt.Close()
	require.Equal(t, int64(0), mt.Size())
	// A second Close must be a no-op, not a panic.
	mt.Close()
}
