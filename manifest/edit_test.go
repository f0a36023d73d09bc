package manifest

import (
	"testing"

	"github.com/INLOpen/rucksdb/core"
	"github.com/stretchr/testify/require"
)

func TestVersionEditEncodeDecodeRoundTrip(t *testing.T) {
	edit := &VersionEdit{
		ComparatorName:    "bytewise",
		HasComparator:     true,
		LogNumber:         7,
		HasLogNumber:      true,
		NextFileNumber:    42,
		HasNextFileNumber: true,
		LastSequence:      1000,
		HasLastSequence:   true,
		CompactPointers: []CompactPointerEntry{
			{PartitionID: 0, Level: 1, Key: []byte("pointer-key")},
		},
		DeletedFiles: []DeletedFileEntry{
			{PartitionID: 0, Level: 0, FileID: 5},
		},
		NewFiles: []NewFileEntry{
			{
				PartitionID: 0,
				Level:       1,
				Meta: FileMetadata{
					ID:       6,
					Size:     2048,
					Smallest: []byte("aaa"),
					Largest:  []byte("zzz"),
				},
			},
		},
		PartitionsCreated: []PartitionCreateEntry{{ID: 1, Name: "logs"}},
		PartitionsDropped: []uint32{2},
	}

	got, err := DecodeVersionEdit(edit.Encode())
	require.NoError(t, err)

	require.Equal(t, edit.ComparatorName, got.ComparatorName)
	require.True(t, got.HasComparator)
	require.Equal(t, edit.LogNumber, got.LogNumber)
	require.Equal(t, edit.NextFileNumber, got.NextFileNumber)
	require.Equal(t, edit.LastSequence, got.LastSequence)
	require.Equal(t, edit.CompactPointers, got.CompactPointers)
	require.Equal(t, edit.DeletedFiles, got.DeletedFiles)
	require.Equal(t, edit.NewFiles, got.NewFiles)
	require.Equal(t, edit.PartitionsCreated, got.PartitionsCreated)
	require.Equal(t, edit.PartitionsDropped, got.PartitionsDropped)
}

func TestVersionEditEncodeEmptyEdit(t *testing.T) {
	edit := &VersionEdit{}
	got, err := DecodeVersionEdit(edit.Encode())
	require.NoError(t, err)
	require.False(t, got.HasComparator)
	require.False(t, got.HasLogNumber)
	require.False(t, got.HasNextFileNumber)
	require.False(t, got.HasLastSequence)
	require.Empty(t, got.NewFiles)
	require.Empty(t, got.DeletedFiles)
}

func TestVersionEditDecodeUnknownTagIsCorruption(t *testing.T) {
	var buf []byte
	buf = appendTag(buf, Tag(99))
	buf = append(buf, 0x01)

	_, err := DecodeVersionEdit(buf)
	require.ErrorIs(t, err, core.ErrCorruption)
}

func TestVersionEditDecodeTruncatedPayloadIsCorruption(t *testing.T) {
	var buf []byte
	buf = appendTag(buf, TagNewFile)
	// Only the partition id, missing level/id/size/smallest/largest.
	buf = append(buf, 0x00)

	_, err := DecodeVersionEdit(buf)
	require.ErrorIs(t, err, core.ErrCorruption)
}

func TestVersionEditMultipleNewFilesAcrossPartitions(t *testing.T) {
	edit := &VersionEdit{
		NewFiles: []NewFileEntry{
			{PartitionID: 0, Level: 0, Meta: FileMetadata{ID: 1, Size: 10, Smallest: []byte("a"), Largest: []byte("b")}},
			{PartitionID: 1, Level: 2, Meta: FileMetadata{ID: 2, Size: 20, Smallest: []byte("c"), Largest: []byte("d")}},
		},
	}
	got, err := DecodeVersionEdit(edit.Encode())
	require.NoError(t, err)
	require.Len(t, got.NewFiles, 2)
	require.Equal(t, uint32(0), got.NewFiles[0].PartitionID)
	require.Equal(t, uint32(1), got.NewFiles[1].PartitionID)
}
