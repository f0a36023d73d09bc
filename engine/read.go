package engine

// read.go implements the read path: get and new_iterator, both built over
// the same source list (mutable memtable, immutable memtables, then each
// level's table files, each wrapped to respect a read's snapshot ceiling)
// fed into iterator.MergingIterator.
//
// Get seeks the merge to the synthetic internal key that sorts before
// every real version of the requested user key (max sequence, KindValue)
// rather than composing per-level sstable.Reader.Get calls: a Get hitting
// a tombstone in one level is indistinguishable from a miss, so composing
// across levels that way could incorrectly fall through to a stale value
// underneath a deleted one. The merge already resolves that correctly.

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/iterator"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/sstable"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReadOptions configures one read.
type ReadOptions struct {
	// Snapshot, if non-nil, restricts the read to the state as of when the
	// snapshot was taken.
	Snapshot *Snapshot
}

func (e *Engine) readCeiling(opts ReadOptions) uint64 {
	if opts.Snapshot != nil {
		return opts.Snapshot.seq
	}
	return e.currentSequence()
}

// Get returns the value stored for key in partitionID, or core.ErrNotFound
// if it has no value visible at the read's ceiling (never written, or the
// newest visible write is a tombstone).
func (e *Engine) Get(partitionID uint32, key []byte, opts ReadOptions) ([]byte, error) {
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	start := time.Now()
	defer func() { e.stats.observeGet(time.Since(start)) }()

	if e.tracer != nil {
		var span trace.Span
		_, span = e.tracer.Start(context.Background(), "engine.Get")
		span.SetAttributes(attribute.Int64("partition_id", int64(partitionID)))
		defer span.End()
	}

	sources, v, err := e.buildSources(partitionID, e.readCeiling(opts))
	if err != nil {
		return nil, err
	}
	if v != nil {
		defer v.Unref()
	}

	it := iterator.NewMergingIterator(sources)
	defer it.Close()

	target := core.EncodeInternalKey(key, math.MaxUint64, core.KindValue)
	it.Seek(target)
	if !it.Valid() || !core.SameUserKey(it.Key(), target) {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), it.Value()...), nil
}

// Iterator is a snapshot-consistent, ascending view over one partition's
// user keys. The caller must call Close to release the underlying
// manifest.Version reference.
type Iterator struct {
	merge *iterator.MergingIterator
	v     *manifest.Version
}

// NewIterator returns an Iterator over partitionID as of the read's
// ceiling.
func (e *Engine) NewIterator(partitionID uint32, opts ReadOptions) (*Iterator, error) {
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	sources, v, err := e.buildSources(partitionID, e.readCeiling(opts))
	if err != nil {
		return nil, err
	}
	return &Iterator{merge: iterator.NewMergingIterator(sources), v: v}, nil
}

// SeekToFirst positions the iterator at the smallest user key.
func (it *Iterator) SeekToFirst() { it.merge.SeekToFirst() }

// Seek positions the iterator at the smallest user key >= target.
func (it *Iterator) Seek(target []byte) {
	it.merge.Seek(core.EncodeInternalKey(target, math.MaxUint64, core.KindValue))
}

// Next advances to the next user key.
func (it *Iterator) Next() bool { return it.merge.Next() }

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.merge.Valid() }

// Key returns the current entry's user key.
func (it *Iterator) Key() []byte { return core.UserKey(it.merge.Key()) }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.merge.Value() }

// Error returns the first error observed while iterating.
func (it *Iterator) Error() error { return it.merge.Error() }

// Close releases the iterator's sources and its manifest.Version
// reference.
func (it *Iterator) Close() error {
	err := it.merge.Close()
	if it.v != nil {
		it.v.Unref()
	}
	return err
}

// buildSources assembles partitionID's full read-path source list: the
// active memtable at priority 0, immutable memtables next (newest first),
// then every on-disk file level 0 upward, each wrapped to hide entries
// above ceiling. The returned *manifest.Version is Ref'd for the caller
// and must be Unref'd (nil if partitionID has no recorded files yet).
func (e *Engine) buildSources(partitionID uint32, ceiling uint64) ([]iterator.Source, *manifest.Version, error) {
	p, ok := e.partitions.Get(partitionID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown partition %d: %w", partitionID, core.ErrInvalidArgument)
	}

	var sources []iterator.Source
	priority := 0

	sources = append(sources, iterator.Source{
		Iter:     iterator.NewSnapshotIterator(p.Mutable().NewIterator(), ceiling),
		Priority: priority,
	})
	priority++

	immutables := p.Immutables()
	for i := len(immutables) - 1; i >= 0; i-- {
		sources = append(sources, iterator.Source{
			Iter:     iterator.NewSnapshotIterator(immutables[i].NewIterator(), ceiling),
			Priority: priority,
		})
		priority++
	}

	v, ok := e.vs.Current(partitionID)
	if !ok {
		return sources, nil, nil
	}

	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			reader, err := e.openTable(f.ID)
			if err != nil {
				v.Unref()
				return nil, nil, fmt.Errorf("open table file %06d: %w", f.ID, err)
			}
			it, err := reader.NewIterator()
			if err != nil {
				v.Unref()
				return nil, nil, fmt.Errorf("open table iterator for file %06d: %w", f.ID, err)
			}
			sources = append(sources, iterator.Source{
				Iter:     iterator.NewSnapshotIterator(it, ceiling),
				Priority: priority,
			})
			priority++
		}
	}
	return sources, v, nil
}

// openTable returns the cached *sstable.Reader for fileID, opening and
// caching it if this is the first reference since startup or since it was
// last evicted.
func (e *Engine) openTable(fileID uint64) (*sstable.Reader, error) {
	closer, err := e.tableCache.GetOrOpen(fileID, func() (io.Closer, error) {
		return sstable.Open(sstable.ReaderOptions{
			FilePath:   sstable.FileName(e.dir, fileID),
			ID:         fileID,
			BlockCache: e.blockCache,
			Tracer:     e.tracer,
			Logger:     e.logger,
		})
	})
	if err != nil {
		return nil, err
	}
	return closer.(*sstable.Reader), nil
}
