package sstable

// writer.go streams a sorted sequence of internal-key entries into a
// complete on-disk table file: one open data block at a time, a filter
// block built from every user key seen, a meta-index block, an index
// block, and a fixed footer. Writes go to a temp file, renamed into place
// only on Finish, so a crash mid-write never leaves a half-written file
// where a reader would look for it; Abort discards the temp file outright.

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/filter"
	"github.com/INLOpen/rucksdb/sys"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WriterOptions configures a new table writer.
type WriterOptions struct {
	FilePath   string
	BlockSize  int
	BitsPerKey int // bloom filter bits per key; 0 disables the filter block
	Compressor core.Compressor
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Writer builds one immutable table file.
type Writer struct {
	mu sync.Mutex

	filePath string
	file     sys.FileHandle
	offset   int64

	blockSize  int
	bitsPerKey int
	compressor core.Compressor
	tracer     trace.Tracer
	logger     *slog.Logger

	dataBlock    *BlockBuilder
	indexBuilder *IndexBuilder
	filterBuild  *filter.Builder

	lastKey     []byte
	lastBlkLast []byte // last key written to the block currently open
	smallestKey []byte
	largestKey  []byte
	numEntries  int

	finished bool
}

// NewWriter creates a writer that streams blocks into a temporary file,
// renamed to its final ".sst" name on Finish.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "sstable.Writer")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("sstable.NewWriter: compressor is required: %w", core.ErrInvalidArgument)
	}

	tmpPath := opts.FilePath + ".tmp"
	f, err := sys.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create temp sstable file %s: %w", tmpPath, err)
	}

	return &Writer{
		filePath:     tmpPath,
		file:         f,
		blockSize:    opts.BlockSize,
		bitsPerKey:   opts.BitsPerKey,
		compressor:   opts.Compressor,
		tracer:       opts.Tracer,
		logger:       opts.Logger,
		dataBlock:    NewBlockBuilder(),
		indexBuilder: NewIndexBuilder(),
		filterBuild:  filter.NewBuilder(),
	}, nil
}

// Add appends one entry. ik must be strictly greater than the previously
// added internal key; violating that is a fatal core.ErrInvalidArgument.
func (w *Writer) Add(ik, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return fmt.Errorf("sstable.Writer: Add after Finish: %w", core.ErrInvalidArgument)
	}
	if w.lastKey != nil && core.CompareInternalKeys(ik, w.lastKey) <= 0 {
		return fmt.Errorf("sstable.Writer: out-of-order key: %w", core.ErrInvalidArgument)
	}

	if w.smallestKey == nil {
		w.smallestKey = append([]byte(nil), ik...)
	}
	w.largestKey = append(w.largestKey[:0:0], ik...)
	w.lastKey = append(w.lastKey[:0:0], ik...)

	w.filterBuild.Add(core.UserKey(ik))

	w.dataBlock.Add(ik, value)
	w.lastBlkLast = w.largestKey
	w.numEntries++

	if w.dataBlock.EstimatedSize() >= w.blockSize {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

// flushDataBlock compresses and writes the currently open data block, then
// records its handle in the index, keyed by the last key it contains.
func (w *Writer) flushDataBlock() error {
	if w.dataBlock.Empty() {
		return nil
	}
	raw := w.dataBlock.Finish()
	handle, err := w.writeBlock(raw)
	if err != nil {
		return fmt.Errorf("flush data block: %w", err)
	}
	w.indexBuilder.Add(w.lastBlkLast, handle)
	w.dataBlock.Reset()
	return nil
}

// writeBlock compresses raw (falling back to none if compression does not
// shrink it), appends the compression-type byte and an IEEE CRC-32 checksum
// (not crc32c) of (payload||compression byte), and writes the result at the writer's
// current offset, returning its handle.
func (w *Writer) writeBlock(raw []byte) (BlockHandle, error) {
	payload, compType, err := compressBlock(w.compressor, raw)
	if err != nil {
		return BlockHandle{}, err
	}

	checksum := crc32.ChecksumIEEE(append(append([]byte{}, payload...), byte(compType)))

	offset := w.offset
	if _, err := w.file.Write(payload); err != nil {
		return BlockHandle{}, fmt.Errorf("write block payload: %w", err)
	}
	w.offset += int64(len(payload))
	trailer := make([]byte, 0, blockTrailerSize)
	trailer = append(trailer, byte(compType))
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], checksum)
	trailer = append(trailer, crcBuf[:]...)
	if _, err := w.file.Write(trailer); err != nil {
		return BlockHandle{}, fmt.Errorf("write block trailer: %w", err)
	}
	w.offset += int64(len(trailer))

	return BlockHandle{Offset: uint64(offset), Size: uint64(len(payload) + blockTrailerSize)}, nil
}

func compressBlock(c core.Compressor, raw []byte) ([]byte, core.CompressionType, error) {
	if c.Type() == core.CompressionNone {
		return raw, core.CompressionNone, nil
	}
	compressed, err := c.Compress(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("compress block: %w", err)
	}
	if len(compressed) >= len(raw) {
		return raw, core.CompressionNone, nil
	}
	return compressed, c.Type(), nil
}

// Finish flushes the last data block, writes the filter/meta-index/index
// blocks and the footer, syncs, closes, and atomically renames the file to
// its final ".sst" name.
func (w *Writer) Finish() error {
	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "sstable.Writer.Finish")
		defer span.End()
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finished {
		return nil
	}
	w.finished = true

	if err := w.flushDataBlock(); err != nil {
		w.abortLocked()
		return recordErr(span, err)
	}

	filterHandle, err := w.writeBlock(w.filterBuild.Finish(filterBitsPerKey(w.bitsPerKey)))
	if err != nil {
		w.abortLocked()
		return recordErr(span, fmt.Errorf("write filter block: %w", err))
	}

	meta := NewMetaIndexBuilder()
	meta.Add(MetaIndexFilterKey, filterHandle)
	metaHandle, err := w.writeBlock(meta.Finish())
	if err != nil {
		w.abortLocked()
		return recordErr(span, fmt.Errorf("write meta-index block: %w", err))
	}

	indexHandle, err := w.writeBlock(w.indexBuilder.Finish())
	if err != nil {
		w.abortLocked()
		return recordErr(span, fmt.Errorf("write index block: %w", err))
	}

	footer := Footer{MetaIndexHandle: metaHandle, IndexHandle: indexHandle}.Encode()
	if _, err := w.file.Write(footer); err != nil {
		w.abortLocked()
		return recordErr(span, fmt.Errorf("write footer: %w", err))
	}
	w.offset += int64(len(footer))

	if err := w.file.Sync(); err != nil {
		w.abortLocked()
		return recordErr(span, fmt.Errorf("sync sstable file: %w", err))
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("error closing sstable file after write", "error", err)
	}

	finalPath := w.filePath[:len(w.filePath)-len(filepath.Ext(w.filePath))]
	var renameErr error
	for attempt := 0; attempt < 5; attempt++ {
		renameErr = os.Rename(w.filePath, finalPath)
		if renameErr == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if renameErr != nil {
		return recordErr(span, fmt.Errorf("rename %s to %s: %w", w.filePath, finalPath, renameErr))
	}
	w.filePath = finalPath
	if span != nil {
		span.SetAttributes(attribute.String("sstable.path", finalPath), attribute.Int("sstable.entries", w.numEntries))
	}
	return nil
}

// Abort closes the writer and removes its temporary file. Call it whenever
// Add or a surrounding operation fails before Finish.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortLocked()
}

func (w *Writer) abortLocked() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if w.filePath == "" {
		return nil
	}
	err := sys.Remove(w.filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp sstable file %s: %w", w.filePath, err)
	}
	w.filePath = ""
	return nil
}

// FilePath returns the writer's current file path (temp path before Finish,
// final path after).
func (w *Writer) FilePath() string { return w.filePath }

// CurrentSize returns the number of bytes written to the file so far,
// excluding the filter/meta-index/index/footer written at Finish.
func (w *Writer) CurrentSize() int64 { return w.offset }

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() int { return w.numEntries }

// SmallestKey and LargestKey return the smallest/largest internal keys
// added so far, or nil if none have been added yet.
func (w *Writer) SmallestKey() []byte { return w.smallestKey }
func (w *Writer) LargestKey() []byte  { return w.largestKey }

func filterBitsPerKey(configured int) int {
	if configured <= 0 {
		return 10
	}
	return configured
}

func recordErr(span trace.Span, err error) error {
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
