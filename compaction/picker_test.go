package compaction

import (
	"context"
	"testing"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/stretchr/testify/require"
)

func ik(key string, seq uint64) []byte {
	return core.EncodeInternalKey([]byte(key), seq, core.KindValue)
}

func newTestVersionSet(t *testing.T) *manifest.VersionSet {
	t.Helper()
	vs, err := manifest.CreateNew(t.TempDir(), manifest.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func TestPickLevelPrefersHighestScoringLevel(t *testing.T) {
	vs := newTestVersionSet(t)

	// Five L0 files: score = 5/4 = 1.25 > 1.0.
	var newFiles []manifest.NewFileEntry
	for i := uint64(1); i <= 5; i++ {
		newFiles = append(newFiles, manifest.NewFileEntry{
			PartitionID: 0, Level: 0,
			Meta: manifest.FileMetadata{ID: i, Smallest: ik("a", i), Largest: ik("b", i)},
		})
	}
	require.NoError(t, vs.LogAndApply(context.Background(), &manifest.VersionEdit{NewFiles: newFiles}))

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	level, ok := PickLevel(v)
	require.True(t, ok)
	require.Equal(t, 0, level)
}

func TestPickLevelReturnsFalseWhenNothingExceedsThreshold(t *testing.T) {
	vs := newTestVersionSet(t)
	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	_, ok = PickLevel(v)
	require.False(t, ok, "an empty version has no level needing compaction")
}

func TestPickLevelScoresByBytesForLevelsAboveZero(t *testing.T) {
	vs := newTestVersionSet(t)
	// L1 target is BaseTargetBytes; one file exceeding it scores > 1.0.
	require.NoError(t, vs.LogAndApply(context.Background(), &manifest.VersionEdit{
		NewFiles: []manifest.NewFileEntry{
			{PartitionID: 0, Level: 1, Meta: manifest.FileMetadata{
				ID: 1, Size: uint64(BaseTargetBytes) + 1, Smallest: ik("a", 1), Largest: ik("z", 1),
			}},
		},
	}))

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	level, ok := PickLevel(v)
	require.True(t, ok)
	require.Equal(t, 1, level)
}

func TestPickFilesLevelZeroExpandsOverlappingFiles(t *testing.T) {
	vs := newTestVersionSet(t)
	require.NoError(t, vs.LogAndApply(context.Background(), &manifest.VersionEdit{
		NewFiles: []manifest.NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: manifest.FileMetadata{ID: 1, Smallest: ik("a", 1), Largest: ik("m", 1)}},
			{PartitionID: 0, Level: 0, Meta: manifest.FileMetadata{ID: 2, Smallest: ik("k", 1), Largest: ik("z", 1)}},
		},
	}))

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := PickFiles(v, 0, nil)
	require.NotNil(t, task)
	require.Len(t, task.Inputs, 2, "overlapping L0 files must both be pulled in")
	require.Equal(t, 1, task.TargetLevel)
}

func TestPickFilesLevelOnePullsOneFileAndOverlappingNext(t *testing.T) {
	vs := newTestVersionSet(t)
	require.NoError(t, vs.LogAndApply(context.Background(), &manifest.VersionEdit{
		NewFiles: []manifest.NewFileEntry{
			{PartitionID: 0, Level: 1, Meta: manifest.FileMetadata{ID: 1, Smallest: ik("a", 1), Largest: ik("m", 1)}},
			{PartitionID: 0, Level: 2, Meta: manifest.FileMetadata{ID: 2, Smallest: ik("c", 1), Largest: ik("e", 1)}},
			{PartitionID: 0, Level: 2, Meta: manifest.FileMetadata{ID: 3, Smallest: ik("x", 1), Largest: ik("y", 1)}},
		},
	}))

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := PickFiles(v, 1, nil)
	require.NotNil(t, task)
	require.Len(t, task.Inputs, 1)
	require.Equal(t, uint64(1), task.Inputs[0].ID)
	require.Len(t, task.NextInputs, 1, "only the overlapping L2 file should be pulled in")
	require.Equal(t, uint64(2), task.NextInputs[0].ID)
}

func TestPickFilesRoundRobinsPastCompactPointer(t *testing.T) {
	vs := newTestVersionSet(t)
	require.NoError(t, vs.LogAndApply(context.Background(), &manifest.VersionEdit{
		NewFiles: []manifest.NewFileEntry{
			{PartitionID: 0, Level: 1, Meta: manifest.FileMetadata{ID: 1, Smallest: ik("a", 1), Largest: ik("b", 1)}},
			{PartitionID: 0, Level: 1, Meta: manifest.FileMetadata{ID: 2, Smallest: ik("c", 1), Largest: ik("d", 1)}},
		},
	}))

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	task := PickFiles(v, 1, ik("b", 1))
	require.NotNil(t, task)
	require.Equal(t, uint64(2), task.Inputs[0].ID, "past the compact pointer, the picker should move to the next file")
}

func TestPickFilesReturnsNilForEmptyLevel(t *testing.T) {
	vs := newTestVersionSet(t)
	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()

	require.Nil(t, PickFiles(v, 0, nil))
}
