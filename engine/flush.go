package engine

// flush.go implements the background flush half of the write path. Because
// every partition shares one WAL and one sequence counter, a memtable
// overflowing in any single partition has to freeze every other
// non-empty partition's active memtable too, all under the same WAL
// generation — otherwise the WAL couldn't be rotated until every partition
// happened to overflow on its own. The flush worker drains frozen
// memtables into SSTables and retires each WAL generation once every
// memtable tagged with it has flushed.

import (
	"context"
	"fmt"
	"os"

	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/memtable"
	"github.com/INLOpen/rucksdb/partition"
	"github.com/INLOpen/rucksdb/sstable"
	"github.com/INLOpen/rucksdb/wal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// walGeneration names one retired WAL file and counts how many immutable
// memtables across all partitions still owe it a flush before it can be
// deleted and vs's LogNumber advanced past it.
type walGeneration struct {
	logNum    uint64
	path      string
	remaining int32
}

// rotateLocked freezes every partition's non-empty active memtable under
// one WAL generation and opens a fresh WAL file for subsequent writes. The
// caller must hold writeMu.
func (e *Engine) rotateLocked() error {
	oldLogNum := e.walFileNum
	newLogNum := e.vs.NextFileNumber()

	gen := &walGeneration{logNum: oldLogNum, path: e.walPath(oldLogNum)}

	var frozen int32
	for _, p := range e.partitions.List() {
		if p.Mutable().Len() == 0 {
			continue
		}
		m := p.Rotate()
		e.genMu.Lock()
		e.memtableGen[m] = gen
		e.genMu.Unlock()
		frozen++
	}
	gen.remaining = frozen

	newWriter, err := wal.NewWriter(e.walPath(newLogNum))
	if err != nil {
		return fmt.Errorf("open wal file %06d.log: %w", newLogNum, err)
	}
	if err := e.walWriter.Close(); err != nil {
		e.logger.Warn("close rotated-out wal file", "file", oldLogNum, "error", err)
	}
	e.walWriter = newWriter
	e.walFileNum = newLogNum

	if frozen == 0 {
		// No memtable references the old file; safe to retire it now
		// instead of waiting for a flush that will never come.
		e.retireWALFile(gen)
		return nil
	}

	e.genMu.Lock()
	e.generations = append(e.generations, gen)
	e.genMu.Unlock()
	e.signalFlush()
	return nil
}

// signalFlush wakes flushLoop without blocking if it is already busy or a
// wakeup is already pending.
func (e *Engine) signalFlush() {
	select {
	case e.flushWorkCh <- struct{}{}:
	default:
	}
}

// notifyFlushDone closes the current flushDoneCh and installs a new one,
// releasing every writer parked in applyBackpressure's L0StopWritesTrigger
// wait.
func (e *Engine) notifyFlushDone() {
	e.flushDoneMu.Lock()
	old := e.flushDoneCh
	e.flushDoneCh = make(chan struct{})
	e.flushDoneMu.Unlock()
	close(old)
}

func (e *Engine) flushDoneSignal() <-chan struct{} {
	e.flushDoneMu.Lock()
	defer e.flushDoneMu.Unlock()
	return e.flushDoneCh
}

// flushLoop drains flushWorkCh until the engine is closed, flushing every
// partition's pending immutable memtables on each wakeup.
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdownCh:
			return
		case <-e.flushWorkCh:
			if err := e.flushOnce(context.Background()); err != nil {
				e.logger.Error("background flush failed", "error", err)
			}
		}
	}
}

// flushOnce flushes every immutable memtable currently queued across every
// partition, oldest first. Returns on the first error so a retriable
// failure (disk full, say) is retried on the next wakeup rather than
// losing track of partially-flushed work.
func (e *Engine) flushOnce(ctx context.Context) error {
	for _, p := range e.partitions.List() {
		for _, m := range p.Immutables() {
			if err := e.flushMemtable(ctx, p, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushMemtable writes one immutable memtable out as a new level-0 table
// file, durably records it via a version edit, then retires the memtable
// and (if it was the last one owing a generation) its WAL file.
func (e *Engine) flushMemtable(ctx context.Context, p *partition.Partition, m *memtable.Memtable) error {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.flushMemtable")
		span.SetAttributes(attribute.Int64("partition_id", int64(p.ID())))
		defer span.End()
	}

	if m.Len() == 0 {
		p.RemoveImmutable(m)
		e.releaseGenRef(m)
		m.Close()
		return nil
	}

	id := e.vs.NextFileNumber()
	w, err := sstable.NewWriter(sstable.WriterOptions{
		FilePath:   sstable.FileName(e.dir, id),
		BitsPerKey: e.opts.FilterBitsPerKey,
		Compressor: e.compressor,
		Tracer:     e.tracer,
		Logger:     e.logger,
	})
	if err != nil {
		return fmt.Errorf("open sstable writer for file %06d: %w", id, err)
	}
	if err := m.FlushToSSTable(w); err != nil {
		_ = w.Abort()
		return fmt.Errorf("flush memtable to file %06d: %w", id, err)
	}
	if err := w.Finish(); err != nil {
		_ = w.Abort()
		return fmt.Errorf("finish sstable file %06d: %w", id, err)
	}

	edit := &manifest.VersionEdit{
		NewFiles: []manifest.NewFileEntry{{
			PartitionID: p.ID(),
			Level:       0,
			Meta: manifest.FileMetadata{
				ID:       id,
				Size:     uint64(w.CurrentSize()),
				Smallest: w.SmallestKey(),
				Largest:  w.LargestKey(),
			},
		}},
	}
	if err := e.vs.LogAndApply(ctx, edit); err != nil {
		// A failed LogAndApply is unrecoverable in place: the file we just
		// wrote is already durable, but without a manifest record of it
		// the store can no longer make safe progress.
		e.closed.Store(true)
		return fmt.Errorf("apply flush version edit for file %06d: %w", id, err)
	}

	p.RemoveImmutable(m)
	e.releaseGenRef(m)
	m.Close()
	e.stats.observeFlush()
	e.notifyFlushDone()
	e.signalCompaction()
	return nil
}

// releaseGenRef decrements the WAL generation m belonged to, retiring it
// once the last memtable it covers has flushed.
func (e *Engine) releaseGenRef(m *memtable.Memtable) {
	e.genMu.Lock()
	gen, ok := e.memtableGen[m]
	if ok {
		delete(e.memtableGen, m)
	}
	e.genMu.Unlock()
	if !ok {
		return
	}
	gen.remaining--
	if gen.remaining == 0 {
		e.retireWALFile(gen)
	}
}

// retireWALFile advances vs's LogNumber past gen (once no older generation
// is still pending) and deletes gen's WAL file. Deleting gen's file is safe
// regardless of older generations' status: each WAL file's data is
// independent, and gen's own data is already durable in the SSTables the
// flushes above just wrote.
func (e *Engine) retireWALFile(gen *walGeneration) {
	e.genMu.Lock()
	for i, g := range e.generations {
		if g == gen {
			e.generations = append(e.generations[:i:i], e.generations[i+1:]...)
			break
		}
	}
	newLogNumber := e.walFileNum
	if len(e.generations) > 0 {
		newLogNumber = e.generations[0].logNum
	}
	e.genMu.Unlock()

	if err := e.vs.LogAndApply(context.Background(), &manifest.VersionEdit{LogNumber: newLogNumber, HasLogNumber: true}); err != nil {
		e.logger.Error("advance wal log number past retired generation", "file", gen.logNum, "error", err)
		return
	}
	if err := os.Remove(gen.path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("remove retired wal file", "path", gen.path, "error", err)
	}
}

// ForceFlush rotates every partition's active memtable (even if not yet
// full) and flushes everything immutable, synchronously. Used by Close and
// by Checkpoint to produce a consistent on-disk snapshot.
func (e *Engine) ForceFlush(ctx context.Context) error {
	e.writeMu.Lock()
	err := e.rotateLocked()
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("rotate memtables for force flush: %w", err)
	}
	return e.flushOnce(ctx)
}
