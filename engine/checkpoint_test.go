package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointReopensWithSameData(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(0, []byte("a"), []byte("1"), WriteOptions{}))
	require.NoError(t, e.Put(0, []byte("b"), []byte("2"), WriteOptions{}))

	ckptDir := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, e.Checkpoint(ckptDir))

	opts := testOptions()
	opts.ErrorIfExists = false
	opts.CreateIfMissing = false
	e2, err := Open(ckptDir, opts, nil)
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get(0, []byte("a"), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = e2.Get(0, []byte("b"), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestIncrementalCheckpointSkipsBaselineFiles(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(0, []byte("a"), []byte("1"), WriteOptions{}))

	base := filepath.Join(t.TempDir(), "base")
	require.NoError(t, e.Checkpoint(base))

	require.NoError(t, e.Put(0, []byte("b"), []byte("2"), WriteOptions{}))
	require.NoError(t, e.ForceFlush(context.Background()))

	incr := filepath.Join(t.TempDir(), "incr")
	require.NoError(t, e.CreateIncrementalCheckpoint(incr, e.vs.ManifestPath()))

	opts := testOptions()
	opts.CreateIfMissing = false
	e2, err := Open(incr, opts, nil)
	require.NoError(t, err)
	defer e2.Close()

	v, err := e2.Get(0, []byte("b"), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestStatisticsSnapshotTracksOperations(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put(0, []byte("a"), []byte("1"), WriteOptions{}))
	_, err = e.Get(0, []byte("a"), ReadOptions{})
	require.NoError(t, err)

	snap := e.StatisticsSnapshot()
	require.GreaterOrEqual(t, snap.WriteOps, uint64(1))
	require.GreaterOrEqual(t, snap.ReadOps, uint64(1))
}

func TestGetPropertyReportsFileCounts(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	v, err := e.GetProperty(0, "total-files")
	require.NoError(t, err)
	require.Equal(t, "0", v)

	require.NoError(t, e.Put(0, []byte("a"), []byte("1"), WriteOptions{}))
	require.NoError(t, e.ForceFlush(context.Background()))

	v, err = e.GetProperty(0, "num-files-at-level0")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	_, err = e.GetProperty(0, "not-a-real-property")
	require.Error(t, err)
}

func TestCompactRangeMergesOverlappingFiles(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put(0, []byte{byte('a' + i)}, []byte("v"), WriteOptions{}))
		require.NoError(t, e.ForceFlush(context.Background()))
	}

	before, err := e.GetProperty(0, "num-files-at-level0")
	require.NoError(t, err)
	require.Equal(t, "3", before)

	require.NoError(t, e.CompactRange(0, nil, nil))

	v, err := e.Get(0, []byte("a"), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}
