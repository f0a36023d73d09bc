package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateNewInitializesDefaultPartition(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	parts := vs.ListPartitions()
	require.Len(t, parts, 1)
	require.Equal(t, uint32(0), parts[0].ID)
	require.Equal(t, "default", parts[0].Name)

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()
	require.Equal(t, 0, v.TotalFiles())

	_, err = os.Stat(filepath.Join(dir, "current"))
	require.NoError(t, err)
}

func TestLogAndApplyAddsFilesToCurrentVersion(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	edit := &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 10, Size: 100, Smallest: ik("a", 1), Largest: ik("m", 1)}},
		},
	}
	require.NoError(t, vs.LogAndApply(context.Background(), edit))

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()
	require.Equal(t, 1, v.TotalFiles())
	require.Equal(t, uint64(10), v.Files(0)[0].ID)
}

func TestLogAndApplyObsoletesSupersededVersionFiles(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 1, Smallest: ik("a", 1), Largest: ik("m", 1)}},
		},
	}))
	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		DeletedFiles: []DeletedFileEntry{{PartitionID: 0, Level: 0, FileID: 1}},
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 2, Smallest: ik("a", 1), Largest: ik("m", 1)}},
		},
	}))

	obsolete := vs.DrainObsoleteFiles()
	require.Len(t, obsolete, 1)
	require.Equal(t, uint64(1), obsolete[0].ID)

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()
	require.Equal(t, 1, v.TotalFiles())
	require.Equal(t, uint64(2), v.Files(0)[0].ID)
}

func TestVersionSetRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 10, Size: 100, Smallest: ik("a", 1), Largest: ik("m", 1)}},
		},
	}))
	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		PartitionsCreated: []PartitionCreateEntry{{ID: 1, Name: "logs"}},
	}))
	vs.SetLastSequence(999)
	require.NoError(t, vs.Close())

	recovered, err := Recover(dir, Options{})
	require.NoError(t, err)
	defer recovered.Close()

	require.Equal(t, uint64(999), recovered.LastSequence())

	parts := recovered.ListPartitions()
	require.Len(t, parts, 2)

	v, ok := recovered.Current(0)
	require.True(t, ok)
	defer v.Unref()
	require.Equal(t, 1, v.TotalFiles())
	require.Equal(t, uint64(10), v.Files(0)[0].ID)

	id, ok := recovered.LookupPartitionByName("logs")
	require.True(t, ok)
	require.Equal(t, uint32(1), id)
}

func TestVersionSetRecoverContinuesAppendingToSameManifest(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, vs.Close())

	recovered, err := Recover(dir, Options{})
	require.NoError(t, err)
	defer recovered.Close()

	require.NoError(t, recovered.LogAndApply(context.Background(), &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 20, Smallest: ik("a", 1), Largest: ik("z", 1)}},
		},
	}))

	v, ok := recovered.Current(0)
	require.True(t, ok)
	defer v.Unref()
	require.Equal(t, 1, v.TotalFiles())
}

func TestCompactPointerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		CompactPointers: []CompactPointerEntry{{PartitionID: 0, Level: 2, Key: ik("mid", 5)}},
	}))

	require.Equal(t, ik("mid", 5), vs.CompactPointer(0, 2))
}

func TestCompactManifestRewritesManifestAndPreservesState(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 10, Smallest: ik("a", 1), Largest: ik("m", 1)}},
		},
	}))

	oldPath, err := vs.CompactManifest()
	require.NoError(t, err)
	require.FileExists(t, oldPath)

	v, ok := vs.Current(0)
	require.True(t, ok)
	defer v.Unref()
	require.Equal(t, 1, v.TotalFiles())

	require.NoError(t, vs.Close())

	recovered, err := Recover(dir, Options{})
	require.NoError(t, err)
	defer recovered.Close()

	rv, ok := recovered.Current(0)
	require.True(t, ok)
	defer rv.Unref()
	require.Equal(t, 1, rv.TotalFiles())
	require.Equal(t, uint64(10), rv.Files(0)[0].ID)
}

func TestReferencedReflectsCurrentVersions(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	require.False(t, vs.Referenced(10))

	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 10, Smallest: ik("a", 1), Largest: ik("m", 1)}},
		},
	}))
	require.True(t, vs.Referenced(10))
}

func TestDropPartitionRemovesItFromListings(t *testing.T) {
	dir := t.TempDir()
	vs, err := CreateNew(dir, Options{})
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		PartitionsCreated: []PartitionCreateEntry{{ID: 1, Name: "logs"}},
	}))
	require.NoError(t, vs.LogAndApply(context.Background(), &VersionEdit{
		PartitionsDropped: []uint32{1},
	}))

	_, ok := vs.LookupPartitionByName("logs")
	require.False(t, ok)

	parts := vs.ListPartitions()
	require.Len(t, parts, 1)
	require.Equal(t, uint32(0), parts[0].ID)
}
