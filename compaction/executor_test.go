package compaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/rucksdb/compressors"
	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/sstable"
	"github.com/stretchr/testify/require"
)

// writeTable builds a table file at dir/<id>.sst containing entries, which
// must already be in ascending internal-key order, and returns its metadata.
func writeTable(t *testing.T, dir string, id uint64, entries [][2][]byte) *manifest.FileMetadata {
	t.Helper()
	w, err := sstable.NewWriter(sstable.WriterOptions{
		FilePath:   sstable.FileName(dir, id),
		Compressor: &compressors.NoCompressionCompressor{},
	})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e[0], e[1]))
	}
	require.NoError(t, w.Finish())
	return &manifest.FileMetadata{ID: id, Smallest: entries[0][0], Largest: entries[len(entries)-1][0]}
}

func entry(key string, seq uint64, kind core.EntryKind, value string) [2][]byte {
	return [2][]byte{core.EncodeInternalKey([]byte(key), seq, kind), []byte(value)}
}

func readAllValues(t *testing.T, dir string, id uint64) map[string]string {
	t.Helper()
	r, err := sstable.Open(sstable.ReaderOptions{FilePath: sstable.FileName(dir, id), ID: id})
	require.NoError(t, err)
	defer r.Close()
	it, err := r.NewIterator()
	require.NoError(t, err)
	out := map[string]string{}
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out[string(core.UserKey(it.Key()))] = string(it.Value())
	}
	require.NoError(t, it.Error())
	return out
}

func newExecutorForTest(dir string, minSnapshotSeq uint64) *Executor {
	return NewExecutor(Options{
		Dir:            dir,
		Compressor:     &compressors.NoCompressionCompressor{},
		MinSnapshotSeq: minSnapshotSeq,
	})
}

func TestExecutorRunDropsTombstonesNotNeededBelowTarget(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.CreateNew(dir, manifest.Options{})
	require.NoError(t, err)
	defer vs.Close()

	fileA := writeTable(t, dir, 1, [][2][]byte{
		entry("a", 1, core.KindValue, "v1"),
		entry("b", 2, core.KindTombstone, ""),
	})

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := &Task{Level: 1, Inputs: []*manifest.FileMetadata{fileA}, TargetLevel: 2, NewCompactPointer: fileA.Largest}

	ex := newExecutorForTest(dir, 0)
	edit, err := ex.Run(context.Background(), vs, 0, v, task)
	require.NoError(t, err)
	require.Len(t, edit.NewFiles, 1)

	got := readAllValues(t, dir, edit.NewFiles[0].Meta.ID)
	require.Equal(t, map[string]string{"a": "v1"}, got, "tombstone for b should be dropped: no lower level holds an older version")

	require.Len(t, edit.DeletedFiles, 1)
	require.Equal(t, uint64(1), edit.DeletedFiles[0].FileID)
	require.Len(t, edit.CompactPointers, 1)
	require.Equal(t, fileA.Largest, edit.CompactPointers[0].Key)
}

func TestExecutorRunKeepsSnapshotVisibleOlderVersion(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.CreateNew(dir, manifest.Options{})
	require.NoError(t, err)
	defer vs.Close()

	fileA := writeTable(t, dir, 1, [][2][]byte{entry("a", 5, core.KindValue, "v5")})
	fileB := writeTable(t, dir, 2, [][2][]byte{entry("a", 2, core.KindValue, "v2")})

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := &Task{
		Level:             0,
		Inputs:            []*manifest.FileMetadata{fileA, fileB},
		TargetLevel:       1,
		NewCompactPointer: []byte("a"),
	}

	ex := newExecutorForTest(dir, 3) // a snapshot at seq 3 must still see "a"@2
	edit, err := ex.Run(context.Background(), vs, 0, v, task)
	require.NoError(t, err)
	require.Len(t, edit.NewFiles, 1)

	r, err := sstable.Open(sstable.ReaderOptions{FilePath: sstable.FileName(dir, edit.NewFiles[0].Meta.ID), ID: edit.NewFiles[0].Meta.ID})
	require.NoError(t, err)
	defer r.Close()

	valNewest, foundNewest, err := r.Get(context.Background(), []byte("a"), 10)
	require.NoError(t, err)
	require.True(t, foundNewest)
	require.Equal(t, "v5", string(valNewest))

	valAtSnapshot, foundAtSnapshot, err := r.Get(context.Background(), []byte("a"), 3)
	require.NoError(t, err)
	require.True(t, foundAtSnapshot)
	require.Equal(t, "v2", string(valAtSnapshot), "version visible to a snapshot at seq 3 must survive compaction")
}

func TestExecutorRunDropsVersionsOlderThanEveryLiveSnapshot(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.CreateNew(dir, manifest.Options{})
	require.NoError(t, err)
	defer vs.Close()

	fileA := writeTable(t, dir, 1, [][2][]byte{
		entry("a", 5, core.KindValue, "v5"),
		entry("a", 2, core.KindValue, "v2"),
	})

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := &Task{Level: 0, Inputs: []*manifest.FileMetadata{fileA}, TargetLevel: 1, NewCompactPointer: []byte("a")}

	ex := newExecutorForTest(dir, 0) // no live snapshot: only the newest version survives
	edit, err := ex.Run(context.Background(), vs, 0, v, task)
	require.NoError(t, err)
	require.Len(t, edit.NewFiles, 1)

	got := readAllValues(t, dir, edit.NewFiles[0].Meta.ID)
	require.Equal(t, map[string]string{"a": "v5"}, got)
}

func TestExecutorRunDeletesInputsFromBothLevels(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.CreateNew(dir, manifest.Options{})
	require.NoError(t, err)
	defer vs.Close()

	fileA := writeTable(t, dir, 1, [][2][]byte{entry("a", 1, core.KindValue, "va")})
	fileB := writeTable(t, dir, 2, [][2][]byte{entry("c", 1, core.KindValue, "vc")})

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := &Task{
		Level:             0,
		Inputs:            []*manifest.FileMetadata{fileA},
		NextInputs:        []*manifest.FileMetadata{fileB},
		TargetLevel:       1,
		NewCompactPointer: []byte("a"),
	}

	ex := newExecutorForTest(dir, 0)
	edit, err := ex.Run(context.Background(), vs, 0, v, task)
	require.NoError(t, err)

	require.Len(t, edit.DeletedFiles, 2)
	levels := map[int]bool{}
	for _, d := range edit.DeletedFiles {
		levels[d.Level] = true
	}
	require.True(t, levels[0])
	require.True(t, levels[1])
}

func TestExecutorRunAbortsAndLeavesNoPartialOutputsOnFailure(t *testing.T) {
	dir := t.TempDir()
	vs, err := manifest.CreateNew(dir, manifest.Options{})
	require.NoError(t, err)
	defer vs.Close()

	fileA := writeTable(t, dir, 1, [][2][]byte{entry("a", 1, core.KindValue, "va")})

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := &Task{Level: 0, Inputs: []*manifest.FileMetadata{fileA}, TargetLevel: 1, NewCompactPointer: []byte("a")}

	ex := NewExecutor(Options{Dir: dir, Compressor: nil}) // forces sstable.NewWriter to fail on first Add
	_, err = ex.Run(context.Background(), vs, 0, v, task)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, de := range entries {
		require.NotEqual(t, ".tmp", filepath.Ext(de.Name()), "no partial output should remain after an aborted compaction")
	}
}
