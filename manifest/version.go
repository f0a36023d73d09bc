package manifest

// version.go implements the immutable per-partition Version: a
// reference-counted vector of levels, each a list of file metadata sorted
// by smallest key. A Version is never mutated after publication; VersionSet
// builds a new one by applying a VersionEdit to the previous one, so
// readers holding an older Version keep seeing a consistent file set until
// they release it, even while compaction publishes newer ones underneath
// them.

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/INLOpen/rucksdb/core"
)

// MaxLevel is the deepest level index a Version carries: levels
// 0..MaxLevel inclusive, 8 levels total.
const MaxLevel = 7

// Version is an immutable snapshot of one partition's per-level file sets.
// Callers obtain one via VersionSet.Current, hold it for the lifetime of a
// read or iterator, and must call Unref exactly once when done.
type Version struct {
	levels   [MaxLevel + 1][]*FileMetadata
	refs     atomic.Int32
	obsolete func(*Version) // called once refs drops to zero
}

// newVersion returns a Version with an initial reference count of 1.
func newVersion(obsolete func(*Version)) *Version {
	v := &Version{obsolete: obsolete}
	v.refs.Store(1)
	return v
}

// Ref increments the reference count; call before handing a Version to a
// second holder (e.g. an iterator capturing it alongside the reader that
// already holds it).
func (v *Version) Ref() *Version {
	v.refs.Add(1)
	return v
}

// Unref decrements the reference count, invoking the obsolete callback
// (set by the owning VersionSet, used to schedule file deletion) once it
// reaches zero.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 && v.obsolete != nil {
		v.obsolete(v)
	}
}

// Files returns the file list for level, which callers must not mutate.
func (v *Version) Files(level int) []*FileMetadata {
	if level < 0 || level > MaxLevel {
		return nil
	}
	return v.levels[level]
}

// NumLevels returns the number of levels a Version always carries.
func (v *Version) NumLevels() int { return MaxLevel + 1 }

// TotalFiles returns the number of files across every level.
func (v *Version) TotalFiles() int {
	n := 0
	for _, l := range v.levels {
		n += len(l)
	}
	return n
}

// TotalBytes returns the summed size of every file across every level.
func (v *Version) TotalBytes() int64 {
	var n int64
	for _, l := range v.levels {
		for _, f := range l {
			n += int64(f.Size)
		}
	}
	return n
}

// LevelBytes returns the summed size of files in level.
func (v *Version) LevelBytes(level int) int64 {
	var n int64
	for _, f := range v.Files(level) {
		n += int64(f.Size)
	}
	return n
}

// OverlappingFiles returns every file at level whose [Smallest, Largest]
// internal-key range intersects [begin, end]. Either bound may be nil,
// meaning unbounded on that side. Used by the compaction picker to expand
// a candidate file set and by compact_range to select inputs.
func (v *Version) OverlappingFiles(level int, begin, end []byte) []*FileMetadata {
	var out []*FileMetadata
	for _, f := range v.Files(level) {
		if begin != nil && core.CompareInternalKeys(f.Largest, begin) < 0 {
			continue
		}
		if end != nil && core.CompareInternalKeys(f.Smallest, end) > 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// clone returns a shallow copy of v's level lists (file pointers are
// shared, never mutated in place) suitable as the starting point for
// applying an edit.
func (v *Version) clone(obsolete func(*Version)) *Version {
	nv := newVersion(obsolete)
	if v == nil {
		return nv
	}
	for i := range v.levels {
		nv.levels[i] = append([]*FileMetadata(nil), v.levels[i]...)
	}
	return nv
}

// applyEditForPartition mutates nv (a clone not yet published) in place:
// removes DeletedFiles, adds NewFiles, and re-sorts each touched level by
// smallest key, since every level above 0 holds a non-overlapping,
// key-sorted union of files. Level 0 is sorted by file id instead, in the
// order files were added, since its files may overlap in key range.
func (nv *Version) applyEditForPartition(partitionID uint32, edit *VersionEdit) {
	deleted := make(map[int]map[uint64]bool)
	for _, df := range edit.DeletedFiles {
		if df.PartitionID != partitionID {
			continue
		}
		if deleted[df.Level] == nil {
			deleted[df.Level] = make(map[uint64]bool)
		}
		deleted[df.Level][df.FileID] = true
	}
	for lvl, ids := range deleted {
		if lvl < 0 || lvl > MaxLevel {
			continue
		}
		kept := nv.levels[lvl][:0:0]
		for _, f := range nv.levels[lvl] {
			if !ids[f.ID] {
				kept = append(kept, f)
			}
		}
		nv.levels[lvl] = kept
	}

	touched := make(map[int]bool)
	for _, nf := range edit.NewFiles {
		if nf.PartitionID != partitionID {
			continue
		}
		if nf.Level < 0 || nf.Level > MaxLevel {
			continue
		}
		meta := nf.Meta
		nv.levels[nf.Level] = append(nv.levels[nf.Level], &meta)
		touched[nf.Level] = true
	}
	for lvl := range deleted {
		touched[lvl] = true
	}

	for lvl := range touched {
		if lvl == 0 {
			sort.Slice(nv.levels[lvl], func(i, j int) bool {
				return nv.levels[lvl][i].ID < nv.levels[lvl][j].ID
			})
		} else {
			sort.Slice(nv.levels[lvl], func(i, j int) bool {
				return bytes.Compare(nv.levels[lvl][i].Smallest, nv.levels[lvl][j].Smallest) < 0
			})
		}
	}
}
