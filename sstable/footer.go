package sstable

// footer.go implements the filter+index+footer codec: a varint-encoded
// block handle, a fixed 48-byte footer ending in the magic number, and the
// meta-index block that names the filter block's handle.

import (
	"encoding/binary"
	"fmt"
)

// BlockHandle locates a block within a table file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// EncodeTo appends the varint encoding of h to dst and returns the result.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, h.Offset)
	dst = binary.AppendUvarint(dst, h.Size)
	return dst
}

// DecodeBlockHandle reads a varint-encoded block handle from the front of
// src and returns it along with the number of bytes consumed.
func DecodeBlockHandle(src []byte) (BlockHandle, int, error) {
	offset, n1 := binary.Uvarint(src)
	if n1 <= 0 {
		return BlockHandle{}, 0, fmt.Errorf("decode block handle offset: %w", ErrCorrupted)
	}
	size, n2 := binary.Uvarint(src[n1:])
	if n2 <= 0 {
		return BlockHandle{}, 0, fmt.Errorf("decode block handle size: %w", ErrCorrupted)
	}
	return BlockHandle{Offset: offset, Size: size}, n1 + n2, nil
}

// Footer is the fixed-size trailer of a table file.
type Footer struct {
	MetaIndexHandle BlockHandle
	IndexHandle     BlockHandle
}

// Encode returns a new FooterSize-byte slice holding both block handles,
// zero padding, and MagicNumber in the last 8 bytes.
func (f Footer) Encode() []byte {
	buf := make([]byte, 0, FooterSize)
	buf = f.MetaIndexHandle.EncodeTo(buf)
	buf = f.IndexHandle.EncodeTo(buf)
	if len(buf) > FooterSize-8 {
		panic("sstable: footer handles exceed fixed footer size")
	}
	out := make([]byte, FooterSize)
	copy(out, buf)
	binary.LittleEndian.PutUint64(out[FooterSize-8:], MagicNumber)
	return out
}

// DecodeFooter parses a FooterSize-byte trailer.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, fmt.Errorf("footer must be exactly %d bytes, got %d: %w", FooterSize, len(buf), ErrCorrupted)
	}
	magic := binary.LittleEndian.Uint64(buf[FooterSize-8:])
	if magic != MagicNumber {
		return Footer{}, fmt.Errorf("bad footer magic %#x, want %#x: %w", magic, MagicNumber, ErrCorrupted)
	}
	metaHandle, n1, err := DecodeBlockHandle(buf)
	if err != nil {
		return Footer{}, fmt.Errorf("decode meta-index handle: %w", err)
	}
	indexHandle, _, err := DecodeBlockHandle(buf[n1:])
	if err != nil {
		return Footer{}, fmt.Errorf("decode index handle: %w", err)
	}
	return Footer{MetaIndexHandle: metaHandle, IndexHandle: indexHandle}, nil
}
