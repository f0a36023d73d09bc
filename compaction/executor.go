package compaction

// executor.go runs one compaction task: merges the selected input files,
// drops obsolete tombstones and superseded versions where it's safe to,
// rotates output writers at a per-file size cap, and produces the
// manifest.VersionEdit that publishes the result. A failed attempt aborts
// every partial output file and leaves the previous version untouched. The
// merge itself is a container/heap k-way merge like the one in
// iterator.MergingIterator, but specialized here to preserve multiple
// versions of a key instead of collapsing them, since compaction must keep
// any version a still-open snapshot could read.

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/rucksdb/cache"
	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/sstable"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OutputFileCap is the per-file size target output writers rotate at
// (≈ 2 MiB), keeping any single compaction output small enough that a
// later read doesn't have to pull a huge file off disk for one key.
const OutputFileCap int64 = 2 << 20

// Options configures an Executor.
type Options struct {
	Dir            string
	Compressor     core.Compressor
	BitsPerKey     int
	BlockCache     *cache.BlockCache
	Logger         *slog.Logger
	Tracer         trace.Tracer
	MinSnapshotSeq uint64 // 0 means no active snapshot holds an old version alive
}

// Executor runs compaction tasks for one partition.
type Executor struct {
	dir            string
	compressor     core.Compressor
	bitsPerKey     int
	blockCache     *cache.BlockCache
	logger         *slog.Logger
	tracer         trace.Tracer
	minSnapshotSeq atomic.Uint64
}

// NewExecutor returns an Executor over opts.
func NewExecutor(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "compaction.Executor")
	}
	e := &Executor{
		dir:        opts.Dir,
		compressor: opts.Compressor,
		bitsPerKey: opts.BitsPerKey,
		blockCache: opts.BlockCache,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
	}
	e.minSnapshotSeq.Store(opts.MinSnapshotSeq)
	return e
}

// SetMinSnapshotSeq updates the sequence floor below which a tombstone or
// superseded value must still be kept because some open snapshot might read
// it. Safe to call while other compactions run concurrently; it takes
// effect for compactions starting after the call.
func (e *Executor) SetMinSnapshotSeq(seq uint64) {
	e.minSnapshotSeq.Store(seq)
}

// Run executes task against partitionID's current version v, allocating new
// file numbers from vs, and returns the VersionEdit to publish. It does not
// call vs.LogAndApply itself and does not delete the input files; the
// caller does both only after confirming the edit committed, so the
// manifest and the files on disk never diverge even if the process dies
// mid-compaction.
func (e *Executor) Run(ctx context.Context, vs *manifest.VersionSet, partitionID uint32, v *manifest.Version, task *Task) (*manifest.VersionEdit, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "compaction.Executor.Run")
		span.SetAttributes(attribute.Int("compaction.level", task.Level), attribute.Int("compaction.inputs", len(task.Inputs)+len(task.NextInputs)))
		defer span.End()
	}

	readers, closeReaders, err := e.openInputs(task)
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer closeReaders()

	bottommost := task.TargetLevel >= v.NumLevels()-1

	writers, finish, abort := e.newOutputRotator(partitionID, vs, task.TargetLevel)

	if err := e.mergeInto(ctx, readers, v, task, bottommost, writers); err != nil {
		abort()
		return nil, recordErr(span, fmt.Errorf("merge compaction inputs: %w", err))
	}

	newFiles, err := finish()
	if err != nil {
		abort()
		return nil, recordErr(span, fmt.Errorf("finish compaction outputs: %w", err))
	}

	edit := &manifest.VersionEdit{
		CompactPointers: []manifest.CompactPointerEntry{
			{PartitionID: partitionID, Level: task.Level, Key: task.NewCompactPointer},
		},
	}
	for _, f := range task.Inputs {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{PartitionID: partitionID, Level: task.Level, FileID: f.ID})
	}
	for _, f := range task.NextInputs {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{PartitionID: partitionID, Level: task.TargetLevel, FileID: f.ID})
	}
	for _, nf := range newFiles {
		edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{PartitionID: partitionID, Level: task.TargetLevel, Meta: *nf})
	}

	return edit, nil
}

func (e *Executor) openInputs(task *Task) ([]*sstable.Reader, func(), error) {
	var readers []*sstable.Reader
	closeAll := func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}
	for _, f := range append(append([]*manifest.FileMetadata{}, task.Inputs...), task.NextInputs...) {
		r, err := sstable.Open(sstable.ReaderOptions{
			FilePath:   sstable.FileName(e.dir, f.ID),
			ID:         f.ID,
			BlockCache: e.blockCache,
			Tracer:     e.tracer,
			Logger:     e.logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open input table %d: %w", f.ID, err)
		}
		readers = append(readers, r)
	}
	return readers, closeAll, nil
}

// taggedWriter pairs an output table writer with the file number it was
// allocated under, since sstable.Writer itself doesn't carry one.
type taggedWriter struct {
	id     uint64
	writer *sstable.Writer
}

// outputRotator streams Add calls into a sequence of sstable.Writer,
// starting a new one whenever the current one reaches OutputFileCap.
type outputRotator struct {
	dir         string
	vs          *manifest.VersionSet
	targetLevel int
	compressor  core.Compressor
	bitsPerKey  int
	tracer      trace.Tracer
	logger      *slog.Logger
	current     *taggedWriter
	allOutputs  []*taggedWriter
}

func (e *Executor) newOutputRotator(partitionID uint32, vs *manifest.VersionSet, targetLevel int) (*outputRotator, func() ([]*manifest.FileMetadata, error), func()) {
	or := &outputRotator{
		dir:         e.dir,
		vs:          vs,
		targetLevel: targetLevel,
		compressor:  e.compressor,
		bitsPerKey:  e.bitsPerKey,
		tracer:      e.tracer,
		logger:      e.logger,
	}
	finish := func() ([]*manifest.FileMetadata, error) {
		if or.current != nil {
			if err := or.closeCurrent(); err != nil {
				return nil, err
			}
		}
		var metas []*manifest.FileMetadata
		for _, tw := range or.allOutputs {
			metas = append(metas, &manifest.FileMetadata{
				ID:       tw.id,
				Size:     uint64(tw.writer.CurrentSize()),
				Smallest: tw.writer.SmallestKey(),
				Largest:  tw.writer.LargestKey(),
			})
		}
		return metas, nil
	}
	abort := func() {
		// Every output, finished or not, is still partial until the
		// version edit naming it commits; remove them all on failure.
		if or.current != nil {
			_ = or.current.writer.Abort()
		}
		for _, tw := range or.allOutputs {
			_ = tw.writer.Abort()
		}
	}
	return or, finish, abort
}

func (or *outputRotator) closeCurrent() error {
	if or.current == nil {
		return nil
	}
	if err := or.current.writer.Finish(); err != nil {
		return err
	}
	or.allOutputs = append(or.allOutputs, or.current)
	or.current = nil
	return nil
}

func (or *outputRotator) add(ik, value []byte) error {
	if or.current != nil && or.current.writer.CurrentSize() >= OutputFileCap {
		if err := or.closeCurrent(); err != nil {
			return err
		}
	}
	if or.current == nil {
		id := or.vs.NextFileNumber()
		w, err := sstable.NewWriter(sstable.WriterOptions{
			FilePath:   sstable.FileName(or.dir, id),
			BitsPerKey: or.bitsPerKey,
			Compressor: or.compressor,
			Tracer:     or.tracer,
			Logger:     or.logger,
		})
		if err != nil {
			return fmt.Errorf("open compaction output writer: %w", err)
		}
		or.current = &taggedWriter{id: id, writer: w}
	}
	return or.current.writer.Add(ik, value)
}

// mergeInto performs the k-way merge over readers' entries, in ascending
// internal-key order, dropping superseded versions and obsolete tombstones
// where it's safe to, and streams survivors into or.
func (e *Executor) mergeInto(ctx context.Context, readers []*sstable.Reader, v *manifest.Version, task *Task, bottommost bool, or *outputRotator) error {
	minSnapshotSeq := e.minSnapshotSeq.Load()
	h := &tableMergeHeap{}
	for _, r := range readers {
		it, err := r.NewIterator()
		if err != nil {
			return fmt.Errorf("open table iterator for %d: %w", r.ID(), err)
		}
		it.SeekToFirst()
		if it.Valid() {
			heap.Push(h, &tableMergeItem{iter: it, key: append([]byte(nil), it.Key()...), value: append([]byte(nil), it.Value()...)})
		} else if err := it.Error(); err != nil {
			return fmt.Errorf("iterate table %d: %w", r.ID(), err)
		}
	}

	var currentUserKey []byte
	keptNewestForKey := false
	keptSnapshotVersionForKey := false

	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := heap.Pop(h).(*tableMergeItem)
		ik, value := item.key, item.value

		userKey := core.UserKey(ik)
		seq := core.Sequence(ik)
		kind := core.Kind(ik)

		isNewKey := currentUserKey == nil || !bytesEqual(userKey, currentUserKey)
		if isNewKey {
			currentUserKey = append([]byte(nil), userKey...)
			keptNewestForKey = false
			keptSnapshotVersionForKey = false
		}

		keep := false
		switch {
		case !keptNewestForKey:
			// This is the newest version of userKey in this merge.
			keptNewestForKey = true
			visibleToAll := minSnapshotSeq == 0 || seq <= minSnapshotSeq
			if kind == core.KindTombstone {
				// A tombstone above the snapshot floor still hides older
				// versions from newer readers, so only one every reader sees
				// may be dropped.
				keep = !visibleToAll || !bottommostSafeToDropTombstone(v, task, userKey, bottommost)
			} else {
				keep = true
			}
			if visibleToAll {
				keptSnapshotVersionForKey = true
			}
		case keptSnapshotVersionForKey:
			// The version every live snapshot reads for this key has already
			// been settled (kept, or a tombstone dropped together with all it
			// shadows); every older version is invisible to any live
			// snapshot and to the newest version itself.
			keep = false
		default:
			// The newest version's sequence sits above minSnapshotSeq, and no
			// version at or below the floor has been kept yet: some live
			// snapshot could be pinned anywhere between the newest version
			// and the floor, so every version down to and including the
			// first one at or below the floor must survive.
			keep = true
			if seq <= minSnapshotSeq {
				keptSnapshotVersionForKey = true
			}
		}

		if keep {
			if err := or.add(ik, value); err != nil {
				return fmt.Errorf("write compaction output: %w", err)
			}
		}

		if item.iter.Next() {
			heap.Push(h, &tableMergeItem{iter: item.iter, key: append([]byte(nil), item.iter.Key()...), value: append([]byte(nil), item.iter.Value()...)})
		} else if err := item.iter.Error(); err != nil {
			return fmt.Errorf("iterate compaction input: %w", err)
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bottommostSafeToDropTombstone reports whether a tombstone for userKey can
// be dropped: true when the target level is the bottommost level, or no
// file in any level below the target level could hold an older version of
// userKey.
func bottommostSafeToDropTombstone(v *manifest.Version, task *Task, userKey []byte, bottommost bool) bool {
	if bottommost {
		return true
	}
	point := core.EncodeInternalKey(userKey, 0, core.KindTombstone)
	for lvl := task.TargetLevel + 1; lvl < v.NumLevels(); lvl++ {
		if len(v.OverlappingFiles(lvl, point, point)) > 0 {
			return false
		}
	}
	return true
}

type tableMergeItem struct {
	iter  *sstable.TableIterator
	key   []byte
	value []byte
}

type tableMergeHeap []*tableMergeItem

func (h tableMergeHeap) Len() int { return len(h) }
func (h tableMergeHeap) Less(i, j int) bool {
	return core.CompareInternalKeys(h[i].key, h[j].key) < 0
}
func (h tableMergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *tableMergeHeap) Push(x any)   { *h = append(*h, x.(*tableMergeItem)) }
func (h *tableMergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func recordErr(span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
