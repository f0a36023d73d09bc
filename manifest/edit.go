package manifest

// edit.go encodes and decodes the version edit format: a delta naming the
// next file number, the last sequence, per-level files to add or delete,
// partition create/drop entries, and per-level compaction pointers. Tags
// are assigned a fixed number each and must only ever be extended by
// appending a new tag number, never by reusing one, so an old manifest log
// always decodes correctly even after the format grows new fields.

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/rucksdb/core"
)

// Tag identifies the kind of a single field within an encoded VersionEdit.
type Tag uint32

const (
	TagComparator      Tag = 1
	TagLogNumber       Tag = 2
	TagNextFileNumber  Tag = 3
	TagLastSequence    Tag = 4
	TagCompactPointer  Tag = 5
	TagDeletedFile     Tag = 6
	TagNewFile         Tag = 7
	TagPartitionCreate Tag = 8
	TagPartitionDrop   Tag = 9
)

// FileMetadata describes one on-disk table file: a monotonic file id, its
// byte size, and its smallest/largest internal keys.
type FileMetadata struct {
	ID       uint64
	Size     uint64
	Smallest []byte
	Largest  []byte
}

// NewFileEntry is one "add this file at this level, in this partition"
// delta.
type NewFileEntry struct {
	PartitionID uint32
	Level       int
	Meta        FileMetadata
}

// DeletedFileEntry is one "remove this file id from this level, in this
// partition" delta.
type DeletedFileEntry struct {
	PartitionID uint32
	Level       int
	FileID      uint64
}

// CompactPointerEntry records the last key compacted out of a level, so the
// picker can round-robin through a level's files across repeated
// compactions instead of always starting at the smallest key.
type CompactPointerEntry struct {
	PartitionID uint32
	Level       int
	Key         []byte
}

// PartitionCreateEntry names a newly created partition (column family).
type PartitionCreateEntry struct {
	ID   uint32
	Name string
}

// VersionEdit is a delta applied to a VersionSet. Every field is optional
// except where noted; HasXxx flags distinguish "not present in this edit"
// from the zero value, since 0 is a legitimate log/file number
// only on the very first edit.
type VersionEdit struct {
	ComparatorName    string
	HasComparator     bool
	LogNumber         uint64
	HasLogNumber      bool
	NextFileNumber    uint64
	HasNextFileNumber bool
	LastSequence      uint64
	HasLastSequence   bool

	CompactPointers   []CompactPointerEntry
	DeletedFiles      []DeletedFileEntry
	NewFiles          []NewFileEntry
	PartitionsCreated []PartitionCreateEntry
	PartitionsDropped []uint32
}

// Encode serializes e as a sequence of tag+payload records.
func (e *VersionEdit) Encode() []byte {
	var buf []byte

	if e.HasComparator {
		buf = appendTag(buf, TagComparator)
		buf = appendString(buf, e.ComparatorName)
	}
	if e.HasLogNumber {
		buf = appendTag(buf, TagLogNumber)
		buf = binary.AppendUvarint(buf, e.LogNumber)
	}
	if e.HasNextFileNumber {
		buf = appendTag(buf, TagNextFileNumber)
		buf = binary.AppendUvarint(buf, e.NextFileNumber)
	}
	if e.HasLastSequence {
		buf = appendTag(buf, TagLastSequence)
		buf = binary.AppendUvarint(buf, e.LastSequence)
	}
	for _, cp := range e.CompactPointers {
		buf = appendTag(buf, TagCompactPointer)
		buf = binary.AppendUvarint(buf, uint64(cp.PartitionID))
		buf = binary.AppendUvarint(buf, uint64(cp.Level))
		buf = appendBytes(buf, cp.Key)
	}
	for _, df := range e.DeletedFiles {
		buf = appendTag(buf, TagDeletedFile)
		buf = binary.AppendUvarint(buf, uint64(df.PartitionID))
		buf = binary.AppendUvarint(buf, uint64(df.Level))
		buf = binary.AppendUvarint(buf, df.FileID)
	}
	for _, nf := range e.NewFiles {
		buf = appendTag(buf, TagNewFile)
		buf = binary.AppendUvarint(buf, uint64(nf.PartitionID))
		buf = binary.AppendUvarint(buf, uint64(nf.Level))
		buf = binary.AppendUvarint(buf, nf.Meta.ID)
		buf = binary.AppendUvarint(buf, nf.Meta.Size)
		buf = appendBytes(buf, nf.Meta.Smallest)
		buf = appendBytes(buf, nf.Meta.Largest)
	}
	for _, pc := range e.PartitionsCreated {
		buf = appendTag(buf, TagPartitionCreate)
		buf = binary.AppendUvarint(buf, uint64(pc.ID))
		buf = appendString(buf, pc.Name)
	}
	for _, id := range e.PartitionsDropped {
		buf = appendTag(buf, TagPartitionDrop)
		buf = binary.AppendUvarint(buf, uint64(id))
	}
	return buf
}

// DecodeVersionEdit parses a payload produced by Encode. An unknown tag is
// treated as corruption rather than silently skipped; the tag space is
// only ever extended by appending, never by reusing a number.
func DecodeVersionEdit(payload []byte) (*VersionEdit, error) {
	e := &VersionEdit{}
	r := &byteReader{buf: payload}

	for !r.done() {
		tagVal, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("decode version edit tag: %w", err)
		}
		switch Tag(tagVal) {
		case TagComparator:
			s, err := r.str()
			if err != nil {
				return nil, fmt.Errorf("decode comparator name: %w", err)
			}
			e.ComparatorName, e.HasComparator = s, true
		case TagLogNumber:
			v, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode log number: %w", err)
			}
			e.LogNumber, e.HasLogNumber = v, true
		case TagNextFileNumber:
			v, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode next file number: %w", err)
			}
			e.NextFileNumber, e.HasNextFileNumber = v, true
		case TagLastSequence:
			v, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode last sequence: %w", err)
			}
			e.LastSequence, e.HasLastSequence = v, true
		case TagCompactPointer:
			pid, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode compact pointer partition: %w", err)
			}
			lvl, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode compact pointer level: %w", err)
			}
			key, err := r.bytes()
			if err != nil {
				return nil, fmt.Errorf("decode compact pointer key: %w", err)
			}
			e.CompactPointers = append(e.CompactPointers, CompactPointerEntry{
				PartitionID: uint32(pid), Level: int(lvl), Key: key,
			})
		case TagDeletedFile:
			pid, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode deleted file partition: %w", err)
			}
			lvl, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode deleted file level: %w", err)
			}
			fid, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode deleted file id: %w", err)
			}
			e.DeletedFiles = append(e.DeletedFiles, DeletedFileEntry{
				PartitionID: uint32(pid), Level: int(lvl), FileID: fid,
			})
		case TagNewFile:
			pid, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode new file partition: %w", err)
			}
			lvl, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode new file level: %w", err)
			}
			fid, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode new file id: %w", err)
			}
			size, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode new file size: %w", err)
			}
			smallest, err := r.bytes()
			if err != nil {
				return nil, fmt.Errorf("decode new file smallest key: %w", err)
			}
			largest, err := r.bytes()
			if err != nil {
				return nil, fmt.Errorf("decode new file largest key: %w", err)
			}
			e.NewFiles = append(e.NewFiles, NewFileEntry{
				PartitionID: uint32(pid),
				Level:       int(lvl),
				Meta:        FileMetadata{ID: fid, Size: size, Smallest: smallest, Largest: largest},
			})
		case TagPartitionCreate:
			id, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode partition create id: %w", err)
			}
			name, err := r.str()
			if err != nil {
				return nil, fmt.Errorf("decode partition create name: %w", err)
			}
			e.PartitionsCreated = append(e.PartitionsCreated, PartitionCreateEntry{ID: uint32(id), Name: name})
		case TagPartitionDrop:
			id, err := r.uvarint()
			if err != nil {
				return nil, fmt.Errorf("decode partition drop id: %w", err)
			}
			e.PartitionsDropped = append(e.PartitionsDropped, uint32(id))
		default:
			return nil, fmt.Errorf("unknown version edit tag %d: %w", tagVal, core.ErrCorruption)
		}
	}
	return e, nil
}

func appendTag(dst []byte, t Tag) []byte {
	return binary.AppendUvarint(dst, uint64(t))
}

func appendString(dst []byte, s string) []byte {
	return appendBytes(dst, []byte(s))
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// byteReader is a minimal cursor over a varint/length-prefixed buffer,
// local to this package so edit.go has no dependency beyond encoding/binary.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) done() bool { return r.pos >= len(r.buf) }

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("truncated varint: %w", core.ErrCorruption)
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("truncated byte field: %w", core.ErrCorruption)
	}
	out := append([]byte(nil), r.buf[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return out, nil
}

func (r *byteReader) str() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
