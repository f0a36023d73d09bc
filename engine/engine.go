// Package engine ties every on-disk component of this repository (wal,
// memtable, sstable, manifest, compaction, partition) into the single
// public front end callers see: open/put/get/delete/write/new_iterator/
// snapshot/create_partition/drop_partition/checkpoint/compact_range/
// get_property/statistics. Open follows a fixed startup sequence — acquire
// the directory lock, recover or create the manifest, then replay the WAL —
// and every background worker it starts is stopped, in the same order, by
// Close.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/rucksdb/cache"
	"github.com/INLOpen/rucksdb/compaction"
	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/memtable"
	"github.com/INLOpen/rucksdb/partition"
	"github.com/INLOpen/rucksdb/sys"
	"github.com/INLOpen/rucksdb/wal"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

const lockFileName = "LOCK"

// Engine is the open handle on one data directory. All methods are safe
// for concurrent use once Open returns.
type Engine struct {
	dir  string
	opts Options

	logger *slog.Logger
	tracer trace.Tracer

	lockRelease func() error

	vs         *manifest.VersionSet
	partitions *partition.Set

	blockCache *cache.BlockCache
	tableCache *cache.TableCache
	compressor core.Compressor
	compactor  *compaction.Executor

	// writeMu serializes sequence allocation, the WAL append, and the
	// memtable insert for one write: one foreground-writer critical
	// section at a time, so sequence order always matches WAL order.
	writeMu    sync.Mutex
	walWriter  *wal.Writer
	walFileNum uint64
	seq        atomic.Uint64

	// generations tracks, oldest first, every WAL file a still-unflushed
	// immutable memtable might reference; see flush.go.
	genMu       sync.Mutex
	generations []*walGeneration
	memtableGen map[*memtable.Memtable]*walGeneration

	flushWorkCh chan struct{}
	flushDoneMu sync.Mutex
	flushDoneCh chan struct{}

	compactWorkCh     chan struct{}
	compactionMu      sync.Mutex
	activeCompactions map[compactKey]bool
	compactionSem     *semaphore.Weighted

	snapshotsMu        sync.Mutex
	openSnapshots      map[uint64]uint64 // handle -> pinned sequence
	nextSnapshotHandle uint64

	stats *Statistics

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// Open opens (or creates) a store at dir. descriptors names any additional
// partitions to ensure exist beyond the always-present "default" partition.
func Open(dir string, opts Options, descriptors []PartitionDescriptor) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "engine.Engine")
	}
	logger := opts.Logger
	tracer := buildTracer(opts.TracerProvider)

	compressor, err := opts.compressor()
	if err != nil {
		return nil, err
	}

	fresh, err := prepareDataDir(dir, opts)
	if err != nil {
		return nil, err
	}

	release, err := sys.AcquireFileLock(filepath.Join(dir, lockFileName), 0, 0, sys.DefaultLockStaleTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire data directory lock: %w", err)
	}
	opened := false
	defer func() {
		if !opened {
			_ = release()
		}
	}()

	manifestOpts := manifest.Options{Logger: logger, Tracer: tracer}
	var vs *manifest.VersionSet
	if fresh {
		vs, err = manifest.CreateNew(dir, manifestOpts)
	} else {
		vs, err = manifest.Recover(dir, manifestOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("open version set: %w", err)
	}

	parts, err := loadPartitions(vs, opts, descriptors)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:               dir,
		opts:              opts,
		logger:            logger,
		tracer:            tracer,
		lockRelease:       release,
		vs:                vs,
		partitions:        parts,
		blockCache:        cache.NewBlockCache(opts.BlockCacheBlocks),
		tableCache:        cache.NewTableCache(opts.TableCacheFiles),
		compressor:        compressor,
		flushWorkCh:       make(chan struct{}, 1),
		flushDoneCh:       make(chan struct{}),
		compactWorkCh:     make(chan struct{}, 1),
		activeCompactions: make(map[compactKey]bool),
		compactionSem:     semaphore.NewWeighted(int64(max(1, opts.MaxConcurrentCompactions))),
		openSnapshots:     make(map[uint64]uint64),
		memtableGen:       make(map[*memtable.Memtable]*walGeneration),
		shutdownCh:        make(chan struct{}),
		stats:             newStatistics(),
	}
	e.compactor = compaction.NewExecutor(compaction.Options{
		Dir:        dir,
		Compressor: compressor,
		BitsPerKey: opts.FilterBitsPerKey,
		BlockCache: e.blockCache,
		Logger:     logger,
		Tracer:     tracer,
	})

	if err := e.recoverWAL(fresh); err != nil {
		return nil, fmt.Errorf("recover write-ahead log: %w", err)
	}

	opened = true
	e.wg.Add(2)
	go e.flushLoop()
	go e.compactionLoop()
	e.startStatsCollector(10 * time.Second)
	return e, nil
}

// prepareDataDir validates dir against CreateIfMissing/ErrorIfExists and
// reports whether dir holds no store yet (fresh == true).
func prepareDataDir(dir string, opts Options) (fresh bool, err error) {
	info, statErr := os.Stat(dir)
	switch {
	case statErr == nil && !info.IsDir():
		return false, fmt.Errorf("%s is not a directory: %w", dir, core.ErrInvalidArgument)
	case statErr != nil && !os.IsNotExist(statErr):
		return false, fmt.Errorf("stat data directory %s: %w", dir, statErr)
	case statErr != nil:
		if !opts.CreateIfMissing {
			return false, fmt.Errorf("data directory %s does not exist: %w", dir, core.ErrInvalidArgument)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create data directory %s: %w", dir, err)
		}
		return true, nil
	}

	_, currentErr := os.Stat(filepath.Join(dir, "current"))
	switch {
	case currentErr == nil:
		if opts.ErrorIfExists {
			return false, fmt.Errorf("data directory %s already holds a store: %w", dir, core.ErrInvalidArgument)
		}
		return false, nil
	case os.IsNotExist(currentErr):
		return true, nil
	default:
		return false, fmt.Errorf("stat current pointer: %w", currentErr)
	}
}

// loadPartitions builds the in-memory partition.Set from vs's recorded
// partitions, then ensures every descriptor not already present is
// created, durably, before Open returns.
func loadPartitions(vs *manifest.VersionSet, opts Options, descriptors []PartitionDescriptor) (*partition.Set, error) {
	parts := partition.NewSet()
	var maxID uint32
	for _, pi := range vs.ListPartitions() {
		parts.Register(partition.New(pi.ID, pi.Name, opts.WriteBufferBytes))
		if pi.ID > maxID {
			maxID = pi.ID
		}
	}
	parts.Seed(maxID)

	for _, d := range descriptors {
		if _, ok := parts.GetByName(d.Name); ok {
			continue
		}
		id := parts.AllocateID()
		wb := d.WriteBufferBytes
		if wb <= 0 {
			wb = opts.WriteBufferBytes
		}
		edit := &manifest.VersionEdit{PartitionsCreated: []manifest.PartitionCreateEntry{{ID: id, Name: d.Name}}}
		if err := vs.LogAndApply(context.Background(), edit); err != nil {
			return nil, fmt.Errorf("create partition %q: %w", d.Name, err)
		}
		parts.Register(partition.New(id, d.Name, wb))
	}
	return parts, nil
}

// Close stops the background workers, flushes every outstanding memtable,
// and releases the directory lock. Close is idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.shutdownCh)
	e.wg.Wait()
	e.stopStatsCollector()

	_ = e.ForceFlush(context.Background())

	var firstErr error
	e.writeMu.Lock()
	if e.walWriter != nil {
		if err := e.walWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.writeMu.Unlock()

	if err := e.vs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.lockRelease != nil {
		if err := e.lockRelease(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildTracer(tp trace.TracerProvider) trace.Tracer {
	if tp != nil {
		return tp.Tracer("github.com/INLOpen/rucksdb/engine")
	}
	return noop.NewTracerProvider().Tracer("")
}

// currentSequence returns the highest sequence number any completed write
// has been assigned, for use as a read or snapshot ceiling.
func (e *Engine) currentSequence() uint64 { return e.seq.Load() }

// walPath returns the path of WAL file fileNum within the engine's data
// directory, following the "%06d.log" convention sstable.FileName uses for
// table files.
func (e *Engine) walPath(fileNum uint64) string {
	return walFileName(e.dir, fileNum)
}

func walFileName(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", fileNum))
}
