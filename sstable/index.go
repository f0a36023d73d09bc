package sstable

// index.go: the index block (one entry per data block, keyed by a separator
// key in [largestKeyOfBlock, smallestKeyOfNextBlock), value = block handle)
// and the meta-index block (maps a fixed string to a block handle; today the
// only entry is "filter.bloomfilter"), both encoded with the same block
// codec as data blocks.

import (
	"bytes"
	"fmt"
)

// IndexBuilder accumulates (separator key, data block handle) pairs as the
// table writer finishes each data block.
type IndexBuilder struct {
	bb *BlockBuilder
}

// NewIndexBuilder returns an empty index builder.
func NewIndexBuilder() *IndexBuilder {
	return &IndexBuilder{bb: NewBlockBuilder()}
}

// Add records that handle locates the data block whose largest key is <=
// separatorKey and whose next sibling's smallest key is > separatorKey.
func (ib *IndexBuilder) Add(separatorKey []byte, handle BlockHandle) {
	ib.bb.Add(separatorKey, handle.EncodeTo(nil))
}

// Finish serializes the index block.
func (ib *IndexBuilder) Finish() []byte {
	return ib.bb.Finish()
}

// Index is the read-side view of a loaded index block.
type Index struct {
	block *Block
}

// LoadIndex parses a decompressed index block.
func LoadIndex(raw []byte) (*Index, error) {
	b, err := NewBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return &Index{block: b}, nil
}

// Find returns the handle of the data block that may contain ik: the first
// index entry whose separator key is >= ik.
func (idx *Index) Find(ik []byte) (BlockHandle, bool) {
	it := idx.block.Seek(ik)
	if !it.Valid() {
		return BlockHandle{}, false
	}
	h, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return BlockHandle{}, false
	}
	return h, true
}

// NewIterator returns an iterator over (separator key, block handle) pairs,
// used by the table iterator to walk blocks in order.
func (idx *Index) NewIterator() *BlockIterator {
	return idx.block.NewIterator()
}

// MetaIndexBuilder builds the small string->handle map block.
type MetaIndexBuilder struct {
	bb *BlockBuilder
}

// NewMetaIndexBuilder returns an empty meta-index builder.
func NewMetaIndexBuilder() *MetaIndexBuilder {
	return &MetaIndexBuilder{bb: NewBlockBuilder()}
}

// Add records that the block named key (e.g. MetaIndexFilterKey) is at handle.
func (mb *MetaIndexBuilder) Add(key string, handle BlockHandle) {
	mb.bb.Add([]byte(key), handle.EncodeTo(nil))
}

// Finish serializes the meta-index block.
func (mb *MetaIndexBuilder) Finish() []byte {
	return mb.bb.Finish()
}

// MetaIndex is the read-side view of a loaded meta-index block.
type MetaIndex struct {
	block *Block
}

// LoadMetaIndex parses a decompressed meta-index block.
func LoadMetaIndex(raw []byte) (*MetaIndex, error) {
	b, err := NewBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("load meta-index: %w", err)
	}
	return &MetaIndex{block: b}, nil
}

// Get looks up a named block's handle, e.g. MetaIndexFilterKey.
func (mi *MetaIndex) Get(name string) (BlockHandle, bool) {
	it := mi.block.Seek([]byte(name))
	if !it.Valid() || !bytes.Equal(it.Key(), []byte(name)) {
		return BlockHandle{}, false
	}
	h, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return BlockHandle{}, false
	}
	return h, true
}
