package compaction

// picker.go selects which level to compact and which files to pull in.
// Level 0 is scored by file count (it allows key overlap between files, so
// reads have to check every one), every other level by how far its total
// size has grown past its target; whichever level scores highest above 1.0
// gets compacted next, walking its files round-robin via a stored compact
// pointer.

import (
	"bytes"
	"sort"

	"github.com/INLOpen/rucksdb/manifest"
)

// BaseTargetBytes and TargetSizeFactor fix the geometric growth of each
// level's target size: level 1 targets 10 MiB, each level below it ten
// times larger than the one above.
const (
	BaseTargetBytes  int64 = 10 << 20
	TargetSizeFactor int64 = 10
	l0ScoreDivisor         = 4
)

// TargetBytes returns level's target size in bytes. Level 0 has no byte
// target (it is scored by file count); callers must not call this for
// level 0.
func TargetBytes(level int) int64 {
	target := BaseTargetBytes
	for i := 1; i < level; i++ {
		target *= TargetSizeFactor
	}
	return target
}

// levelScore computes a level's compaction score: file count over 4 for
// level 0, total bytes over target bytes for level >= 1.
func levelScore(level int, v *manifest.Version) float64 {
	if level == 0 {
		return float64(len(v.Files(0))) / float64(l0ScoreDivisor)
	}
	target := TargetBytes(level)
	if target <= 0 {
		return 0
	}
	return float64(v.LevelBytes(level)) / float64(target)
}

// PickLevel returns the level with the highest score, provided that score
// exceeds 1.0; ties are broken toward the lower level number. ok is false
// if no level needs compaction.
func PickLevel(v *manifest.Version) (level int, ok bool) {
	bestScore := 1.0
	bestLevel := -1
	for lvl := 0; lvl < v.NumLevels()-1; lvl++ {
		score := levelScore(lvl, v)
		if score > bestScore {
			bestScore = score
			bestLevel = lvl
		}
	}
	if bestLevel < 0 {
		return 0, false
	}
	return bestLevel, true
}

// Task describes one compaction: the files pulled from level and the
// overlapping files pulled from level+1, to be merged and rewritten into
// level+1.
type Task struct {
	Level             int
	Inputs            []*manifest.FileMetadata // from Level
	NextInputs        []*manifest.FileMetadata // from Level+1, overlapping Inputs' key range
	TargetLevel       int
	NewCompactPointer []byte
}

// PickFiles selects the input file set for a compaction of level: start
// from one file chosen round-robin via the level's stored compact pointer
// (the smallest key greater than the last compacted key, or the first file
// if no pointer is recorded), expand within the same level only for level 0
// (since level >= 1 is already non-overlapping), then pull every
// overlapping file from the next level.
func PickFiles(v *manifest.Version, level int, compactPointer []byte) *Task {
	files := v.Files(level)
	if len(files) == 0 {
		return nil
	}

	start := pickStartFile(files, level, compactPointer)
	if start == nil {
		return nil
	}

	var inputs []*manifest.FileMetadata
	if level == 0 {
		// start's own range always overlaps itself, so this always
		// includes at least start.
		inputs = v.OverlappingFiles(0, start.Smallest, start.Largest)
	} else {
		inputs = []*manifest.FileMetadata{start}
	}

	smallest, largest := inputs[0].Smallest, inputs[0].Largest
	for _, f := range inputs[1:] {
		if bytes.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if bytes.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}

	nextLevel := level + 1
	nextInputs := v.OverlappingFiles(nextLevel, smallest, largest)

	newPointer := largest
	return &Task{
		Level:             level,
		Inputs:            inputs,
		NextInputs:        nextInputs,
		TargetLevel:       nextLevel,
		NewCompactPointer: newPointer,
	}
}

// pickStartFile chooses the round-robin starting file for level: the first
// file (by the level's natural order, see manifest.Version.applyEditForPartition)
// whose smallest key is greater than compactPointer, wrapping around to the
// first file in the level if every file is <= compactPointer or no pointer
// has been recorded yet.
func pickStartFile(files []*manifest.FileMetadata, level int, compactPointer []byte) *manifest.FileMetadata {
	if compactPointer == nil {
		return files[0]
	}
	if level == 0 {
		// Level 0 is sorted by file id, not key (files may overlap), but the
		// compact pointer still records a key: walk in id order for the
		// first file whose range starts past it, wrapping to the oldest
		// file if every file has already been passed.
		for _, f := range files {
			if bytes.Compare(f.Smallest, compactPointer) > 0 {
				return f
			}
		}
		return files[0]
	}
	idx := sort.Search(len(files), func(i int) bool {
		return bytes.Compare(files[i].Smallest, compactPointer) > 0
	})
	if idx == len(files) {
		return files[0]
	}
	return files[idx]
}
