package engine

// compact.go implements the background compaction scheduler: one
// semaphore.Weighted slot per concurrently-running compaction, and a
// per-(partition,level) busy set so at most one compaction touches a given
// level at a time. After acquiring a slot the worker rechecks that level's
// score before actually starting, since another compaction may have
// already lowered it while this one waited for a slot. Scheduling policy
// lives here rather than in compaction.Executor so that package's merge
// logic stays untangled from when and how often it gets invoked.

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/INLOpen/rucksdb/compaction"
	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/partition"
	"github.com/INLOpen/rucksdb/sstable"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// internalRangeBounds converts a [begin, end) user-key range into the
// internal-key bounds manifest.Version.OverlappingFiles expects: the
// smallest possible encoding of begin (so any real entry for that key is
// included) and the largest possible encoding of end.
func internalRangeBounds(begin, end []byte) (lo, hi []byte) {
	if begin != nil {
		lo = core.EncodeInternalKey(begin, math.MaxUint64, core.KindValue)
	}
	if end != nil {
		hi = core.EncodeInternalKey(end, 0, core.KindValue)
	}
	return lo, hi
}

// compactKey identifies one (partition, level) compaction slot for the
// activeCompactions busy set.
type compactKey struct {
	partitionID uint32
	level       int
}

// signalCompaction wakes compactionLoop without blocking.
func (e *Engine) signalCompaction() {
	select {
	case e.compactWorkCh <- struct{}{}:
	default:
	}
}

// compactionLoop periodically, and whenever a flush signals it, checks
// every partition for a level worth compacting and fans ready work out
// bounded by compactionSem.
func (e *Engine) compactionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-e.compactWorkCh:
			e.scheduleReadyCompactions()
		case <-ticker.C:
			e.scheduleReadyCompactions()
		}
	}
}

// scheduleReadyCompactions scans every partition for a level PickLevel
// judges worth compacting and launches one goroutine per ready
// (partition,level) pair, bounded by compactionSem.
func (e *Engine) scheduleReadyCompactions() {
	for _, p := range e.partitions.List() {
		v, ok := e.vs.Current(p.ID())
		if !ok {
			continue
		}
		level, ok := compaction.PickLevel(v)
		v.Unref()
		if !ok {
			continue
		}

		key := compactKey{partitionID: p.ID(), level: level}
		e.compactionMu.Lock()
		busy := e.activeCompactions[key]
		if !busy {
			e.activeCompactions[key] = true
		}
		e.compactionMu.Unlock()
		if busy {
			continue
		}

		if !e.compactionSem.TryAcquire(1) {
			e.compactionMu.Lock()
			delete(e.activeCompactions, key)
			e.compactionMu.Unlock()
			continue
		}

		e.wg.Add(1)
		go e.runCompaction(p, key)
	}
}

// runCompaction rechecks key's score once compactionSem's slot is held
// (another goroutine may have already compacted it away while this one
// waited), then runs and publishes the compaction if it's still warranted.
func (e *Engine) runCompaction(p *partition.Partition, key compactKey) {
	defer e.wg.Done()
	defer e.compactionSem.Release(1)
	defer func() {
		e.compactionMu.Lock()
		delete(e.activeCompactions, key)
		e.compactionMu.Unlock()
	}()

	ctx := context.Background()
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.runCompaction")
		span.SetAttributes(attribute.Int64("partition_id", int64(key.partitionID)), attribute.Int("level", key.level))
		defer span.End()
	}

	v, ok := e.vs.Current(key.partitionID)
	if !ok {
		return
	}
	defer v.Unref()

	level, ok := compaction.PickLevel(v)
	if !ok || level != key.level {
		// Another compaction already relieved this level, or it no
		// longer scores highest; nothing left to do this round.
		return
	}

	task := compaction.PickFiles(v, level, e.vs.CompactPointer(key.partitionID, level))
	if task == nil {
		return
	}

	e.compactor.SetMinSnapshotSeq(e.minOpenSnapshotSeq())
	edit, err := e.compactor.Run(ctx, e.vs, key.partitionID, v, task)
	if err != nil {
		e.logger.Error("compaction run failed", "partition_id", key.partitionID, "level", level, "error", err)
		return
	}

	if err := e.vs.LogAndApply(ctx, edit); err != nil {
		// The freshly-written output files are now unreferenced:
		// DrainObsoleteFiles/the next directory sweep will never see them
		// because the edit they'd have come from never committed, so
		// remove them directly.
		for _, nf := range edit.NewFiles {
			_ = os.Remove(sstable.FileName(e.dir, nf.Meta.ID))
		}
		e.logger.Error("apply compaction version edit", "partition_id", key.partitionID, "level", level, "error", err)
		return
	}

	e.stats.observeCompaction()
	e.reclaimObsoleteFiles()
	e.signalCompaction()
}

// reclaimObsoleteFiles deletes every file the manifest's version chain no
// longer references and evicts it from the table cache.
func (e *Engine) reclaimObsoleteFiles() {
	for _, f := range e.vs.DrainObsoleteFiles() {
		if e.vs.Referenced(f.ID) {
			// A superseded Version shared this file with a current one.
			continue
		}
		e.tableCache.Evict(f.ID)
		if err := os.Remove(sstable.FileName(e.dir, f.ID)); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("remove obsolete table file", "file", f.ID, "error", err)
		}
	}
}

// CompactRange forces every level overlapping [begin, end) in partitionID
// to compact down, one level at a time, regardless of PickLevel's score.
// A nil begin or end means "from the first/to the last key".
func (e *Engine) CompactRange(partitionID uint32, begin, end []byte) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	if _, ok := e.partitions.Get(partitionID); !ok {
		return fmt.Errorf("unknown partition %d: %w", partitionID, core.ErrInvalidArgument)
	}

	lo, hi := internalRangeBounds(begin, end)
	for level := 0; level < manifest.MaxLevel; level++ {
		v, ok := e.vs.Current(partitionID)
		if !ok {
			return nil
		}
		overlapping := v.OverlappingFiles(level, lo, hi)
		v.Unref()
		if len(overlapping) == 0 {
			continue
		}

		key := compactKey{partitionID: partitionID, level: level}
		e.compactionMu.Lock()
		for e.activeCompactions[key] {
			e.compactionMu.Unlock()
			time.Sleep(10 * time.Millisecond)
			e.compactionMu.Lock()
		}
		e.activeCompactions[key] = true
		e.compactionMu.Unlock()

		err := e.compactRangeOnce(partitionID, level, begin, end)

		e.compactionMu.Lock()
		delete(e.activeCompactions, key)
		e.compactionMu.Unlock()

		if err != nil {
			return err
		}
	}
	return nil
}

// compactRangeOnce runs a single manually-driven compaction of every file
// in level overlapping [begin,end), ignoring the picker's compact-pointer
// bookkeeping (a manual range compaction isn't part of the round-robin).
func (e *Engine) compactRangeOnce(partitionID uint32, level int, begin, end []byte) error {
	v, ok := e.vs.Current(partitionID)
	if !ok {
		return nil
	}
	defer v.Unref()

	lo, hi := internalRangeBounds(begin, end)
	inputs := v.OverlappingFiles(level, lo, hi)
	if len(inputs) == 0 {
		return nil
	}
	task := &compaction.Task{
		Level:       level,
		Inputs:      inputs,
		NextInputs:  v.OverlappingFiles(level+1, inputs[0].Smallest, inputs[len(inputs)-1].Largest),
		TargetLevel: level + 1,
	}

	ctx := context.Background()
	e.compactor.SetMinSnapshotSeq(e.minOpenSnapshotSeq())
	edit, err := e.compactor.Run(ctx, e.vs, partitionID, v, task)
	if err != nil {
		return fmt.Errorf("compact range partition %d level %d: %w", partitionID, level, err)
	}
	if err := e.vs.LogAndApply(ctx, edit); err != nil {
		for _, nf := range edit.NewFiles {
			_ = os.Remove(sstable.FileName(e.dir, nf.Meta.ID))
		}
		return fmt.Errorf("apply compact range version edit: %w", err)
	}
	e.reclaimObsoleteFiles()
	return nil
}
