package sstable

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/INLOpen/rucksdb/compressors"
	"github.com/INLOpen/rucksdb/core"
	"github.com/stretchr/testify/require"
)

func writeTestTable(t *testing.T, path string, n int, comp core.Compressor) []string {
	t.Helper()
	w, err := NewWriter(WriterOptions{FilePath: path, BitsPerKey: 10, Compressor: comp})
	require.NoError(t, err)

	var userKeys []string
	for i := 0; i < n; i++ {
		uk := fmt.Sprintf("key-%05d", i)
		userKeys = append(userKeys, uk)
		ik := core.EncodeInternalKey([]byte(uk), uint64(1000+i), core.KindValue)
		require.NoError(t, w.Add(ik, []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, w.Finish())
	return userKeys
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	keys := writeTestTable(t, path, 300, &compressors.NoCompressionCompressor{})

	r, err := Open(ReaderOptions{FilePath: path, ID: 1})
	require.NoError(t, err)
	defer r.Close()

	for i, uk := range keys {
		val, found, err := r.Get(context.Background(), []byte(uk), uint64(1000+i))
		require.NoError(t, err)
		require.True(t, found, "key %s should be found", uk)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(val))
	}

	_, found, err := r.Get(context.Background(), []byte("key-99999"), 999999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReaderGetRespectsSnapshotSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.sst")

	w, err := NewWriter(WriterOptions{FilePath: path, BitsPerKey: 10, Compressor: &compressors.NoCompressionCompressor{}})
	require.NoError(t, err)

	uk := []byte("k")
	require.NoError(t, w.Add(core.EncodeInternalKey(uk, 5, core.KindValue), []byte("v5")))
	require.NoError(t, w.Add(core.EncodeInternalKey(uk, 3, core.KindValue), []byte("v3")))
	require.NoError(t, w.Add(core.EncodeInternalKey(uk, 1, core.KindValue), []byte("v1")))
	require.NoError(t, w.Finish())

	r, err := Open(ReaderOptions{FilePath: path, ID: 2})
	require.NoError(t, err)
	defer r.Close()

	val, found, err := r.Get(context.Background(), uk, 10)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v5", string(val))

	val, found, err = r.Get(context.Background(), uk, 4)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v3", string(val))

	val, found, err = r.Get(context.Background(), uk, 2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))

	_, found, err = r.Get(context.Background(), uk, 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReaderGetSeesTombstone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.sst")

	w, err := NewWriter(WriterOptions{FilePath: path, BitsPerKey: 10, Compressor: &compressors.NoCompressionCompressor{}})
	require.NoError(t, err)

	uk := []byte("deleted-key")
	require.NoError(t, w.Add(core.EncodeInternalKey(uk, 7, core.KindTombstone), nil))
	require.NoError(t, w.Finish())

	r, err := Open(ReaderOptions{FilePath: path, ID: 3})
	require.NoError(t, err)
	defer r.Close()

	_, found, err := r.Get(context.Background(), uk, 10)
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriterReaderRoundTripWithCompression(t *testing.T) {
	for _, comp := range []core.Compressor{&compressors.SnappyCompressor{}, &compressors.LZ4Compressor{}} {
		t.Run(comp.Type().String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "000004.sst")
			keys := writeTestTable(t, path, 150, comp)

			r, err := Open(ReaderOptions{FilePath: path, ID: 4})
			require.NoError(t, err)
			defer r.Close()

			val, found, err := r.Get(context.Background(), []byte(keys[80]), uint64(1000+80))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "value-80", string(val))
		})
	}
}

func TestTableIteratorScansAllEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000005.sst")
	keys := writeTestTable(t, path, 500, &compressors.NoCompressionCompressor{})

	r, err := Open(ReaderOptions{FilePath: path, ID: 5})
	require.NoError(t, err)
	defer r.Close()

	it, err := r.NewIterator()
	require.NoError(t, err)
	it.SeekToFirst()

	var seen int
	for it.Valid() {
		uk := core.UserKey(it.Key())
		require.Equal(t, keys[seen], string(uk))
		seen++
		it.Next()
	}
	require.NoError(t, it.Error())
	require.Equal(t, len(keys), seen)
}

func TestTableIteratorSeekLandsOnOrAfterTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000006.sst")
	keys := writeTestTable(t, path, 200, &compressors.NoCompressionCompressor{})

	r, err := Open(ReaderOptions{FilePath: path, ID: 6})
	require.NoError(t, err)
	defer r.Close()

	it, err := r.NewIterator()
	require.NoError(t, err)

	target := core.EncodeInternalKey([]byte(keys[100]), uint64(1000+100), core.KindTombstone)
	it.Seek(target)
	require.True(t, it.Valid())
	require.Equal(t, keys[100], string(core.UserKey(it.Key())))
}

func TestMayContainRejectsAbsentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000007.sst")
	writeTestTable(t, path, 1000, &compressors.NoCompressionCompressor{})

	r, err := Open(ReaderOptions{FilePath: path, ID: 7})
	require.NoError(t, err)
	defer r.Close()

	falsePositives := 0
	const probes = 2000
	for i := 0; i < probes; i++ {
		if r.MayContain([]byte(fmt.Sprintf("absent-%06d", i))) {
			falsePositives++
		}
	}
	require.Less(t, falsePositives, probes/10)
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000008.sst")
	w, err := NewWriter(WriterOptions{FilePath: path, Compressor: &compressors.NoCompressionCompressor{}})
	require.NoError(t, err)

	require.NoError(t, w.Add(core.EncodeInternalKey([]byte("b"), 1, core.KindValue), []byte("v")))
	err = w.Add(core.EncodeInternalKey([]byte("a"), 1, core.KindValue), []byte("v"))
	require.Error(t, err)
	require.NoError(t, w.Abort())
}
