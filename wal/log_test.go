package wal

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTripSmallRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")

	w, err := NewWriter(path)
	require.NoError(t, err)

	records := [][]byte{
		[]byte("first record"),
		[]byte(""),
		[]byte("third record, a bit longer than the others"),
	}
	for _, r := range records {
		require.NoError(t, w.AddRecord(r, false))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	for _, want := range records {
		got, err := r.ReadRecord()
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, got), "want %q got %q", want, got)
	}
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
	require.False(t, r.Corrupted())
}

func TestWriterReaderRoundTripSpansMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.log")

	w, err := NewWriter(path)
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), BlockSize*3+500)
	require.NoError(t, w.AddRecord(big, false))
	require.NoError(t, w.AddRecord([]byte("trailer"), false))
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadRecord()
	require.NoError(t, err)
	require.True(t, bytes.Equal(big, got))

	got, err = r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "trailer", string(got))

	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriterReaderManyRecordsCrossingBlockBoundaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.log")

	w, err := NewWriter(path)
	require.NoError(t, err)

	var want [][]byte
	for i := 0; i < 2000; i++ {
		rec := bytes.Repeat([]byte{byte(i)}, (i%50)+1)
		want = append(want, rec)
		require.NoError(t, w.AddRecord(rec, false))
	}
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	for i, rec := range want {
		got, err := r.ReadRecord()
		require.NoError(t, err, "record %d", i)
		require.True(t, bytes.Equal(rec, got), "record %d mismatch", i)
	}
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}
