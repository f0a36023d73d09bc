package sstable

// block.go implements the sorted-block codec: prefix-compressed entries
// with a restart point every DefaultRestartPointInterval entries, followed
// by a restart-offset array and entry count. Entries here are keyed by the
// full internal key (user key + sequence + kind, core.AppendInternalKey);
// the block codec itself never looks inside the key, so the same code also
// serves the index block, whose "values" are block handles.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// restartOffsetSize is the width of each entry in the trailing restart array.
const restartOffsetSize = 4

// BlockBuilder accumulates entries for a single block, sharing key prefixes
// with the previous entry except at restart points.
type BlockBuilder struct {
	buf              bytes.Buffer
	restarts         []uint32
	restartInterval  int
	entriesSinceRestart int
	lastKey          []byte
	finished         bool
}

// NewBlockBuilder returns a builder using the default restart interval.
func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{restartInterval: DefaultRestartPointInterval}
}

// Reset clears the builder so it can be reused for the next block.
func (bb *BlockBuilder) Reset() {
	bb.buf.Reset()
	bb.restarts = bb.restarts[:0]
	bb.entriesSinceRestart = 0
	bb.lastKey = bb.lastKey[:0]
	bb.finished = false
}

// EstimatedSize returns the approximate uncompressed size of the block built
// so far, including the not-yet-written trailer.
func (bb *BlockBuilder) EstimatedSize() int {
	return bb.buf.Len() + len(bb.restarts)*restartOffsetSize + 4
}

// Empty reports whether any entry has been added since the last Reset.
func (bb *BlockBuilder) Empty() bool {
	return bb.buf.Len() == 0
}

// Add appends an entry. Keys must be added in strictly ascending order;
// the caller (table writer) is responsible for enforcing that and
// surfacing core.ErrInvalidArgument otherwise — this builder trusts its input.
func (bb *BlockBuilder) Add(key, value []byte) {
	shared := 0
	if bb.entriesSinceRestart < bb.restartInterval && bb.buf.Len() > 0 {
		shared = sharedPrefixLen(bb.lastKey, key)
	} else {
		bb.restarts = append(bb.restarts, uint32(bb.buf.Len()))
		bb.entriesSinceRestart = 0
	}
	nonshared := len(key) - shared

	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], uint64(shared))
	bb.buf.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(nonshared))
	bb.buf.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(value)))
	bb.buf.Write(varintBuf[:n])
	bb.buf.Write(key[shared:])
	bb.buf.Write(value)

	bb.lastKey = append(bb.lastKey[:0], key...)
	bb.entriesSinceRestart++
}

// Finish emits the entries followed by the restart-offset array and count.
// The first restart point (offset 0) is always present even for an empty
// block, so seek_to_first never fails.
func (bb *BlockBuilder) Finish() []byte {
	if !bb.finished {
		if len(bb.restarts) == 0 {
			bb.restarts = append(bb.restarts, 0)
		}
		for _, r := range bb.restarts {
			var b [restartOffsetSize]byte
			binary.LittleEndian.PutUint32(b[:], r)
			bb.buf.Write(b[:])
		}
		var cnt [4]byte
		binary.LittleEndian.PutUint32(cnt[:], uint32(len(bb.restarts)))
		bb.buf.Write(cnt[:])
		bb.finished = true
	}
	return bb.buf.Bytes()
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Block is the read-side view of a decoded, decompressed block payload
// (entries + restart array + count — the outer compression/checksum
// trailer is stripped by the caller before constructing a Block).
type Block struct {
	entriesData []byte
	restarts    []uint32
}

// NewBlock parses the restart trailer of blockData and returns a Block ready
// for iteration. It does not copy blockData.
func NewBlock(blockData []byte) (*Block, error) {
	if len(blockData) < 4 {
		return nil, fmt.Errorf("block too small (%d bytes): %w", len(blockData), ErrCorrupted)
	}
	numRestarts := binary.LittleEndian.Uint32(blockData[len(blockData)-4:])
	trailerSize := 4 + int(numRestarts)*restartOffsetSize
	if trailerSize > len(blockData) {
		return nil, fmt.Errorf("block restart trailer (%d bytes) exceeds block size (%d): %w", trailerSize, len(blockData), ErrCorrupted)
	}
	restartsStart := len(blockData) - trailerSize
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(blockData[restartsStart+i*restartOffsetSize:])
	}
	return &Block{
		entriesData: blockData[:restartsStart],
		restarts:    restarts,
	}, nil
}

// NewIterator returns a fresh iterator over the block, unpositioned.
func (b *Block) NewIterator() *BlockIterator {
	return &BlockIterator{block: b}
}

// Seek positions it at the first entry whose key is >= target, using a
// binary search over restart points followed by a linear scan.
func (b *Block) Seek(target []byte) *BlockIterator {
	it := b.NewIterator()
	it.Seek(target)
	return it
}

// BlockIterator scans a Block's entries in order, reconstructing keys from
// shared-prefix compression as it goes.
type BlockIterator struct {
	block   *Block
	offset  int // byte offset into block.entriesData of the NEXT entry to read
	valid   bool
	key     []byte
	value   []byte
	err     error
}

// SeekToFirst positions the iterator at the first entry in the block.
func (it *BlockIterator) SeekToFirst() {
	it.offset = 0
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	it.err = nil
	it.Next()
}

// Seek positions the iterator at the first entry whose key is >= target.
func (it *BlockIterator) Seek(target []byte) {
	restarts := it.block.restarts
	// Binary search for the last restart point whose stored key is <= target.
	lo, hi := 0, len(restarts)
	for lo < hi {
		mid := (lo + hi) / 2
		k, ok := it.peekRestartKey(restarts[mid])
		if !ok {
			hi = mid
			continue
		}
		if bytes.Compare(k, target) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	startIdx := 0
	if lo > 0 {
		startIdx = lo - 1
	}
	it.offset = int(restarts[startIdx])
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	it.err = nil

	for it.Next() {
		if bytes.Compare(it.key, target) >= 0 {
			return
		}
	}
}

// peekRestartKey reads just the key stored at a restart point (restart
// points always store their key with zero shared prefix).
func (it *BlockIterator) peekRestartKey(offset uint32) ([]byte, bool) {
	r := bytes.NewReader(it.block.entriesData[offset:])
	shared, err := binary.ReadUvarint(r)
	if err != nil || shared != 0 {
		return nil, false
	}
	nonshared, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, false
	}
	if _, err := binary.ReadUvarint(r); err != nil { // value length
		return nil, false
	}
	key := make([]byte, nonshared)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, false
	}
	return key, true
}

// Next advances to the next entry. Returns false at end of block or on error.
func (it *BlockIterator) Next() bool {
	if it.err != nil {
		return false
	}
	data := it.block.entriesData
	if it.offset >= len(data) {
		it.valid = false
		return false
	}
	r := bytes.NewReader(data[it.offset:])
	shared, err := binary.ReadUvarint(r)
	if err != nil {
		it.err = fmt.Errorf("block iterator: shared len: %w", ErrCorrupted)
		return false
	}
	nonshared, err := binary.ReadUvarint(r)
	if err != nil {
		it.err = fmt.Errorf("block iterator: nonshared len: %w", ErrCorrupted)
		return false
	}
	valueLen, err := binary.ReadUvarint(r)
	if err != nil {
		it.err = fmt.Errorf("block iterator: value len: %w", ErrCorrupted)
		return false
	}
	if shared > uint64(len(it.key)) {
		it.err = fmt.Errorf("block iterator: shared prefix longer than previous key: %w", ErrCorrupted)
		return false
	}
	newKey := make([]byte, shared+nonshared)
	copy(newKey, it.key[:shared])
	if _, err := io.ReadFull(r, newKey[shared:]); err != nil {
		it.err = fmt.Errorf("block iterator: unshared key bytes: %w", ErrCorrupted)
		return false
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		it.err = fmt.Errorf("block iterator: value bytes: %w", ErrCorrupted)
		return false
	}

	consumed := len(data[it.offset:]) - r.Len()
	it.offset += consumed
	it.key = newKey
	it.value = value
	it.valid = true
	return true
}

// Valid reports whether the iterator is positioned at an entry.
func (it *BlockIterator) Valid() bool { return it.valid }

// Key returns the current entry's key.
func (it *BlockIterator) Key() []byte { return it.key }

// Value returns the current entry's value.
func (it *BlockIterator) Value() []byte { return it.value }

// Error returns any error encountered during iteration; decoding errors
// are never swallowed.
func (it *BlockIterator) Error() error { return it.err }
