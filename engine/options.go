package engine

// options.go collects the tunables Open accepts: the recognized
// create/error/buffer/cache/compression/filter/sync/subcompaction knobs,
// plus the ambient logging/tracing fields every long-lived component in
// this repo threads through. FromConfig translates config.Config, the
// YAML-backed surface, into this struct field by field.

import (
	"fmt"

	"github.com/INLOpen/rucksdb/compressors"
	"github.com/INLOpen/rucksdb/config"
	"github.com/INLOpen/rucksdb/core"

	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// SubcompactionOptions mirrors config.SubcompactionConfig: whether a large
// compaction task may be split into independent, concurrently-run pieces,
// and the minimum input size before that is worth doing. The engine carries
// these values but does not read them; every compaction task runs as one
// piece.
type SubcompactionOptions struct {
	Enabled  bool
	MinBytes int64
}

// Options configures Open. DefaultOptions returns every tunable set to a
// workable value; Open itself fills in only a nil Logger and a nil
// TracerProvider, and uses every other field as given.
type Options struct {
	// CreateIfMissing creates the data directory and an empty store if dir
	// does not already hold one.
	CreateIfMissing bool
	// ErrorIfExists fails Open if dir already holds a store.
	ErrorIfExists bool

	// WriteBufferBytes is the size threshold, per partition, at which the
	// active memtable is frozen and rotated.
	WriteBufferBytes int64
	// BlockCacheBlocks bounds the shared data-block cache's entry count.
	BlockCacheBlocks int
	// TableCacheFiles bounds the shared open-table-handle cache's entry
	// count.
	TableCacheFiles int
	// Compression selects the SSTable block compressor.
	Compression core.CompressionType
	// FilterBitsPerKey sizes each table's bloom filter; 0 disables it.
	FilterBitsPerKey int
	// SyncWrites fsyncs every WAL record before a write returns.
	SyncWrites bool

	Subcompaction SubcompactionOptions

	// L0SlowdownTrigger and L0StopWritesTrigger implement the level-0
	// back-pressure policy: at or above the slowdown trigger, writes sleep
	// in short increments; at or above the stop trigger, writes block until
	// a flush completes.
	L0SlowdownTrigger int
	L0StopWritesTrigger int

	// MaxConcurrentCompactions bounds how many (partition, level) pairs may
	// compact at once across the whole engine.
	MaxConcurrentCompactions int

	Logger *slog.Logger
	// TracerProvider builds the engine's tracer. A nil provider falls back
	// to noop.NewTracerProvider(), never blocking startup on a
	// collector that isn't there.
	TracerProvider trace.TracerProvider
}

// PartitionDescriptor names an additional partition to create at Open time
// if it doesn't already exist in a recovered store, beyond the always
// present id-0 "default" partition manifest.CreateNew seeds.
type PartitionDescriptor struct {
	Name             string
	WriteBufferBytes int64 // 0 means inherit Options.WriteBufferBytes
}

// DefaultOptions returns a usable Options with every tunable set to a
// reasonable default; FromConfig overlays this with whatever a config
// file specifies.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing:          true,
		WriteBufferBytes:         4 << 20,
		BlockCacheBlocks:         1024,
		TableCacheFiles:          512,
		Compression:              core.CompressionSnappy,
		FilterBitsPerKey:         10,
		L0SlowdownTrigger:        8,
		L0StopWritesTrigger:      16,
		MaxConcurrentCompactions: 4,
	}
}

// FromConfig translates a loaded config.Config into Options. The logger and
// tracer provider are left for the caller to set afterward, since building
// them (log file handles, OTLP exporters) is an I/O-bearing concern config
// itself stays free of.
func FromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()
	if cfg == nil {
		return opts, nil
	}

	opts.CreateIfMissing = cfg.Engine.CreateIfMissing
	opts.ErrorIfExists = cfg.Engine.ErrorIfExists
	if cfg.Engine.WriteBufferBytes > 0 {
		opts.WriteBufferBytes = cfg.Engine.WriteBufferBytes
	}
	if cfg.Engine.BlockCacheBlocks > 0 {
		opts.BlockCacheBlocks = cfg.Engine.BlockCacheBlocks
	}
	if cfg.Engine.TableCacheFiles > 0 {
		opts.TableCacheFiles = cfg.Engine.TableCacheFiles
	}
	opts.SyncWrites = cfg.Engine.SyncWrites
	if cfg.Engine.FilterBitsPerKey > 0 {
		opts.FilterBitsPerKey = cfg.Engine.FilterBitsPerKey
	}
	opts.Subcompaction = SubcompactionOptions{
		Enabled:  cfg.Engine.Subcompaction.Enabled,
		MinBytes: cfg.Engine.Subcompaction.MinBytes,
	}

	switch cfg.Engine.Compression {
	case "", "snappy":
		opts.Compression = core.CompressionSnappy
	case "lz4":
		opts.Compression = core.CompressionLZ4
	case "none":
		opts.Compression = core.CompressionNone
	default:
		return Options{}, fmt.Errorf("unknown compression %q: %w", cfg.Engine.Compression, core.ErrInvalidArgument)
	}

	return opts, nil
}

// compressor builds the core.Compressor named by opts.Compression.
func (o Options) compressor() (core.Compressor, error) {
	switch o.Compression {
	case core.CompressionNone:
		return &compressors.NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return compressors.NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return compressors.NewLz4Compressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %v: %w", o.Compression, core.ErrInvalidArgument)
	}
}
