package sstable

import (
	"fmt"
	"testing"

	"github.com/INLOpen/rucksdb/core"
	"github.com/stretchr/testify/require"
)

func buildTestBlock(t *testing.T, n int) (*Block, [][]byte) {
	t.Helper()
	bb := NewBlockBuilder()
	var keys [][]byte
	for i := 0; i < n; i++ {
		userKey := []byte(fmt.Sprintf("key-%04d", i))
		ik := core.EncodeInternalKey(userKey, uint64(100+i), core.KindValue)
		keys = append(keys, ik)
		bb.Add(ik, []byte(fmt.Sprintf("value-%d", i)))
	}
	raw := bb.Finish()
	blk, err := NewBlock(raw)
	require.NoError(t, err)
	return blk, keys
}

func TestBlockIteratorScansInOrder(t *testing.T) {
	blk, keys := buildTestBlock(t, 40)
	it := blk.NewIterator()
	it.SeekToFirst()
	i := 0
	for it.Valid() {
		require.Equal(t, keys[i], it.Key())
		i++
		it.Next()
	}
	require.NoError(t, it.Error())
	require.Equal(t, len(keys), i)
}

func TestBlockSeekFindsExactAndGreater(t *testing.T) {
	blk, keys := buildTestBlock(t, 100)

	it := blk.Seek(keys[37])
	require.True(t, it.Valid())
	require.Equal(t, keys[37], it.Key())

	// Seeking a key between entry 10 and 11 lands on 11 (next greater-or-equal).
	between := append([]byte{}, keys[10]...)
	between[len(between)-1] = 0xFF // perturb kind byte to sort after entry 10
	it2 := blk.Seek(between)
	require.True(t, it2.Valid())
}

func TestBlockSeekAcrossRestartBoundary(t *testing.T) {
	blk, keys := buildTestBlock(t, DefaultRestartPointInterval*3+5)
	target := keys[DefaultRestartPointInterval*2+3]
	it := blk.Seek(target)
	require.True(t, it.Valid())
	require.Equal(t, target, it.Key())
}

func TestBlockCorruptTrailerIsDetected(t *testing.T) {
	_, err := NewBlock([]byte{1, 2})
	require.Error(t, err)
}
