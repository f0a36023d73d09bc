package sstable

// reader.go implements the point-lookup algorithm: footer -> meta-index ->
// filter -> index -> block (through the cache) -> block iterator seek ->
// user-key/visibility check. The bloom filter lets most misses return
// without ever touching the data block; the block cache lets repeat hits
// skip decompression entirely.

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/rucksdb/cache"
	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/filter"
	"github.com/INLOpen/rucksdb/sys"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reader gives read access to one immutable table file.
type Reader struct {
	mu       sync.RWMutex
	file     sys.FileHandle
	filePath string
	id       uint64
	size     int64

	index     *Index
	metaIndex *MetaIndex
	filter    filter.Filter

	smallestKey []byte
	largestKey  []byte

	blockCache *cache.BlockCache
	tracer     trace.Tracer
	logger     *slog.Logger

	closed atomic.Bool
}

// ReaderOptions configures Open.
type ReaderOptions struct {
	FilePath   string
	ID         uint64
	BlockCache *cache.BlockCache
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Open opens a table file and loads its footer, meta-index, filter, and
// index blocks into memory; data blocks are read lazily through the cache.
func Open(opts ReaderOptions) (r *Reader, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "sstable.Reader")
	}
	file, err := sys.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open sstable file %s: %w", opts.FilePath, err)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
		}
	}()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat sstable file %s: %w", opts.FilePath, err)
	}
	size := stat.Size()
	if size < int64(FooterSize) {
		return nil, fmt.Errorf("sstable file %s smaller than footer (%d bytes): %w", opts.FilePath, size, ErrCorrupted)
	}

	footerBuf := make([]byte, FooterSize)
	if _, err = file.ReadAt(footerBuf, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("read footer of %s: %w", opts.FilePath, err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, fmt.Errorf("decode footer of %s: %w", opts.FilePath, err)
	}

	metaRaw, err := readRawBlock(file, footer.MetaIndexHandle)
	if err != nil {
		return nil, fmt.Errorf("read meta-index block of %s: %w", opts.FilePath, err)
	}
	metaIndex, err := LoadMetaIndex(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("load meta-index of %s: %w", opts.FilePath, err)
	}

	var flt filter.Filter
	if fh, ok := metaIndex.Get(MetaIndexFilterKey); ok {
		filterRaw, err := readRawBlock(file, fh)
		if err != nil {
			return nil, fmt.Errorf("read filter block of %s: %w", opts.FilePath, err)
		}
		flt = filter.Decode(filterRaw)
	}

	indexRaw, err := readRawBlock(file, footer.IndexHandle)
	if err != nil {
		return nil, fmt.Errorf("read index block of %s: %w", opts.FilePath, err)
	}
	index, err := LoadIndex(indexRaw)
	if err != nil {
		return nil, fmt.Errorf("load index of %s: %w", opts.FilePath, err)
	}

	r = &Reader{
		file:       file,
		filePath:   opts.FilePath,
		id:         opts.ID,
		size:       size,
		index:      index,
		metaIndex:  metaIndex,
		filter:     flt,
		blockCache: opts.BlockCache,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
	}

	if err := r.loadKeyBounds(); err != nil {
		return nil, fmt.Errorf("load key bounds of %s: %w", opts.FilePath, err)
	}

	return r, nil
}

// loadKeyBounds reads the first and last data block once, at open time, to
// learn the table's smallest and largest internal keys.
func (r *Reader) loadKeyBounds() error {
	it := r.index.NewIterator()
	it.SeekToFirst()
	if !it.Valid() {
		return nil
	}
	firstHandle, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return err
	}
	firstBlock, err := r.readBlock(firstHandle)
	if err != nil {
		return err
	}
	firstIt := firstBlock.NewIterator()
	firstIt.SeekToFirst()
	if firstIt.Valid() {
		r.smallestKey = append([]byte(nil), firstIt.Key()...)
	}

	var lastSeparator []byte
	for it.Valid() {
		lastSeparator = it.Key()
		it.Next()
	}
	if lastSeparator != nil {
		r.largestKey = append([]byte(nil), lastSeparator...)
	}
	return nil
}

// readRawBlock reads and decompresses a block directly, bypassing the cache;
// used for the one-time meta-index/filter/index blocks at Open.
func readRawBlock(file sys.FileHandle, h BlockHandle) ([]byte, error) {
	payload, compType, err := readBlockTrailer(file, h)
	if err != nil {
		return nil, err
	}
	return decompressPayload(payload, compType)
}

// readBlockTrailer reads the bytes at h and validates the checksum,
// returning the (possibly compressed) payload and its compression type.
func readBlockTrailer(file sys.FileHandle, h BlockHandle) ([]byte, core.CompressionType, error) {
	if h.Size < uint64(blockTrailerSize) {
		return nil, 0, fmt.Errorf("block handle size %d smaller than trailer: %w", h.Size, ErrCorrupted)
	}
	buf := make([]byte, h.Size)
	if _, err := file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, 0, fmt.Errorf("read block at offset %d: %w", h.Offset, err)
	}
	payloadLen := len(buf) - blockTrailerSize
	payload := buf[:payloadLen]
	compType := core.CompressionType(buf[payloadLen])
	storedChecksum := leUint32(buf[payloadLen+1:])

	check := crc32.ChecksumIEEE(append(append([]byte{}, payload...), buf[payloadLen]))
	if check != storedChecksum {
		return nil, 0, fmt.Errorf("checksum mismatch for block at offset %d: %w", h.Offset, ErrCorrupted)
	}
	return payload, compType, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func decompressPayload(payload []byte, compType core.CompressionType) ([]byte, error) {
	compressor, err := GetCompressor(compType)
	if err != nil {
		return nil, fmt.Errorf("get decompressor: %w", err)
	}
	if compType == core.CompressionNone {
		return payload, nil
	}
	rc, err := compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("decompress block: %w", err)
	}
	defer rc.Close()
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if _, err := io.Copy(buf, rc); err != nil {
		return nil, fmt.Errorf("copy decompressed block: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// readBlock reads a data block through the block cache, keyed by table id
// and block offset.
func (r *Reader) readBlock(h BlockHandle) (*Block, error) {
	if r.blockCache != nil {
		if raw, ok := r.blockCache.Get(r.id, h.Offset); ok {
			return NewBlock(raw)
		}
	}

	if r.file == nil {
		return nil, ErrClosed
	}
	payload, compType, err := readBlockTrailer(r.file, h)
	if err != nil {
		return nil, err
	}
	raw, err := decompressPayload(payload, compType)
	if err != nil {
		return nil, err
	}

	if r.blockCache != nil {
		cached := make([]byte, len(raw))
		copy(cached, raw)
		r.blockCache.Put(r.id, h.Offset, cached)
	}
	return NewBlock(raw)
}

// MayContain reports whether userKey could be present, consulting the
// filter block; callers skip the table entirely when this returns false.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.Contains(userKey)
}

// Get returns the value visible to seq for userKey: the entry with the
// highest sequence number <= seq, unless that entry is a tombstone.
func (r *Reader) Get(ctx context.Context, userKey []byte, seq uint64) (value []byte, found bool, err error) {
	if r.closed.Load() {
		return nil, false, ErrClosed
	}
	var span trace.Span
	if r.tracer != nil {
		_, span = r.tracer.Start(ctx, "sstable.Reader.Get")
		span.SetAttributes(attribute.Int64("sstable.id", int64(r.id)))
		defer span.End()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.file == nil {
		return nil, false, ErrClosed
	}

	if !r.MayContain(userKey) {
		return nil, false, nil
	}
	if r.smallestKey != nil && core.CompareUserKeys(userKey, core.UserKey(r.smallestKey)) < 0 {
		return nil, false, nil
	}
	if r.largestKey != nil && core.CompareUserKeys(userKey, core.UserKey(r.largestKey)) > 0 {
		return nil, false, nil
	}

	target := core.EncodeInternalKey(userKey, seq, core.KindTombstone)
	handle, ok := r.index.Find(target)
	if !ok {
		return nil, false, nil
	}

	block, err := r.readBlock(handle)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, false, fmt.Errorf("read data block: %w", err)
	}

	it := block.Seek(target)
	if !it.Valid() {
		return nil, false, nil
	}
	if !core.SameUserKey(it.Key(), target) {
		return nil, false, nil
	}
	if core.Kind(it.Key()) == core.KindTombstone {
		return nil, false, nil
	}
	val := append([]byte(nil), it.Value()...)
	return val, true, nil
}

// NewIterator returns a table-level iterator over all entries.
func (r *Reader) NewIterator() (*TableIterator, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return newTableIterator(r), nil
}

// SmallestKey and LargestKey return the table's internal key bounds.
func (r *Reader) SmallestKey() []byte { return r.smallestKey }
func (r *Reader) LargestKey() []byte  { return r.largestKey }

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// ID returns the table's identifier.
func (r *Reader) ID() uint64 { return r.id }

// FilePath returns the path to the underlying file.
func (r *Reader) FilePath() string { return r.filePath }

// Close closes the underlying file handle. Idempotent.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
