package engine

// write.go implements the foreground write path: put, delete, and the
// atomic multi-op write they both funnel through, plus the L0
// back-pressure policy that slows or blocks writers once a partition's
// level 0 accumulates too many files. Every write — however many
// partitions it touches — allocates its sequence number, appends to the
// WAL, and inserts into each touched partition's memtable under one
// critical section, so a write is durable and visible atomically across
// partitions or not at all.

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/wal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriteOptions configures one write.
type WriteOptions struct {
	// Sync fsyncs the WAL record before the write returns, regardless of
	// Options.SyncWrites.
	Sync bool
}

// Put writes key/value into partitionID.
func (e *Engine) Put(partitionID uint32, key, value []byte, opts WriteOptions) error {
	return e.Write([]wal.Op{{PartitionID: partitionID, Kind: core.KindValue, Key: key, Value: value}}, opts)
}

// Delete writes a tombstone for key into partitionID.
func (e *Engine) Delete(partitionID uint32, key []byte, opts WriteOptions) error {
	return e.Write([]wal.Op{{PartitionID: partitionID, Kind: core.KindTombstone, Key: key}}, opts)
}

// Write applies ops as one atomic batch: every op is assigned a
// consecutive sequence number, appended to the WAL as a single record, and
// inserted into its partition's mutable memtable, all before Write returns.
// Ops against different partitions may appear in the same call; they still
// share one WAL record and one sequence span.
func (e *Engine) Write(ops []wal.Op, opts WriteOptions) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { e.stats.observeWrite(time.Since(start)) }()

	touched := make(map[uint32]struct{}, len(ops))
	for _, op := range ops {
		if _, ok := e.partitions.Get(op.PartitionID); !ok {
			return fmt.Errorf("unknown partition %d: %w", op.PartitionID, core.ErrInvalidArgument)
		}
		touched[op.PartitionID] = struct{}{}
	}
	for pid := range touched {
		if err := e.applyBackpressure(context.Background(), pid); err != nil {
			return err
		}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.tracer != nil {
		var span trace.Span
		_, span = e.tracer.Start(context.Background(), "engine.Write")
		span.SetAttributes(attribute.Int("ops", len(ops)))
		defer span.End()
	}

	firstSeq := e.seq.Load() + 1
	payload := wal.EncodeBatch(firstSeq, ops)
	if err := e.walWriter.AddRecord(payload, opts.Sync || e.opts.SyncWrites); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}

	for i, op := range ops {
		seq := firstSeq + uint64(i)
		p, _ := e.partitions.Get(op.PartitionID)
		if err := p.Mutable().Put(op.Key, seq, op.Kind, op.Value); err != nil {
			return fmt.Errorf("insert into memtable: %w", err)
		}
	}

	lastSeq := firstSeq + uint64(len(ops)) - 1
	e.seq.Store(lastSeq)
	e.vs.SetLastSequence(lastSeq)

	var needsRotate bool
	for pid := range touched {
		p, _ := e.partitions.Get(pid)
		if p.NeedsRotate() {
			needsRotate = true
			break
		}
	}
	if needsRotate {
		if err := e.rotateLocked(); err != nil {
			return fmt.Errorf("rotate memtables: %w", err)
		}
	}
	return nil
}

// applyBackpressure implements level-0 write throttling: at or above
// L0StopWritesTrigger files, the write blocks until a flush completes;
// between the slowdown and stop triggers, it sleeps briefly instead of
// proceeding at full speed.
func (e *Engine) applyBackpressure(ctx context.Context, partitionID uint32) error {
	for {
		v, ok := e.vs.Current(partitionID)
		if !ok {
			return nil
		}
		n := len(v.Files(0))
		v.Unref()

		switch {
		case e.opts.L0StopWritesTrigger > 0 && n >= e.opts.L0StopWritesTrigger:
			select {
			case <-e.flushDoneSignal():
				continue
			case <-e.shutdownCh:
				return core.ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		case e.opts.L0SlowdownTrigger > 0 && n >= e.opts.L0SlowdownTrigger:
			time.Sleep(time.Millisecond)
			return nil
		default:
			return nil
		}
	}
}
