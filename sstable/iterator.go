package sstable

// iterator.go: the table-level iterator pairs a cursor over the index block
// with a cursor over the data block it currently points at, crossing block
// boundaries transparently. This is the per-table leaf that feeds into the
// engine's merging iterator; data blocks load lazily, through the block
// cache, only as the cursor actually reaches them.

import (
	"fmt"

	"github.com/INLOpen/rucksdb/core"
)

// TableIterator walks every entry of a table file in internal-key order.
type TableIterator struct {
	reader *Reader

	indexIter *BlockIterator
	dataIter  *BlockIterator

	err   error
	valid bool
}

var _ core.InternalIterator = (*TableIterator)(nil)

func newTableIterator(r *Reader) *TableIterator {
	return &TableIterator{
		reader:    r,
		indexIter: r.index.NewIterator(),
	}
}

// SeekToFirst positions the iterator at the table's first entry.
func (it *TableIterator) SeekToFirst() {
	it.indexIter.SeekToFirst()
	it.loadDataBlockAtIndex()
	if it.dataIter != nil {
		it.dataIter.SeekToFirst()
	}
	it.skipEmptyDataBlocksForward()
}

// Seek positions the iterator at the first entry whose internal key is >=
// target.
func (it *TableIterator) Seek(target []byte) {
	it.indexIter.Seek(target)
	it.loadDataBlockAtIndex()
	if it.dataIter != nil {
		it.dataIter.Seek(target)
	}
	it.skipEmptyDataBlocksForward()
}

// loadDataBlockAtIndex loads the data block the index cursor currently
// points at, or clears the data cursor if the index is exhausted.
func (it *TableIterator) loadDataBlockAtIndex() {
	if !it.indexIter.Valid() {
		it.dataIter = nil
		it.valid = false
		return
	}
	handle, _, err := DecodeBlockHandle(it.indexIter.Value())
	if err != nil {
		it.err = fmt.Errorf("decode index entry: %w", err)
		it.valid = false
		return
	}
	block, err := it.reader.readBlock(handle)
	if err != nil {
		it.err = fmt.Errorf("read data block: %w", err)
		it.valid = false
		return
	}
	it.dataIter = block.NewIterator()
}

// skipEmptyDataBlocksForward advances the index cursor past any data block
// whose cursor landed past its end, and recomputes validity.
func (it *TableIterator) skipEmptyDataBlocksForward() {
	for {
		if it.err != nil {
			it.valid = false
			return
		}
		if it.dataIter != nil && it.dataIter.Valid() {
			it.valid = true
			return
		}
		if it.dataIter != nil && it.dataIter.Error() != nil {
			it.err = it.dataIter.Error()
			it.valid = false
			return
		}
		it.indexIter.Next()
		if !it.indexIter.Valid() {
			it.dataIter = nil
			it.valid = false
			return
		}
		it.loadDataBlockAtIndex()
		if it.dataIter != nil {
			it.dataIter.SeekToFirst()
		}
	}
}

// Next advances to the next entry, crossing a block boundary if needed.
func (it *TableIterator) Next() bool {
	if !it.valid {
		return false
	}
	it.dataIter.Next()
	it.skipEmptyDataBlocksForward()
	return it.valid
}

// Valid reports whether the iterator is positioned at an entry.
func (it *TableIterator) Valid() bool { return it.valid }

// Key returns the current entry's internal key.
func (it *TableIterator) Key() []byte { return it.dataIter.Key() }

// Value returns the current entry's value.
func (it *TableIterator) Value() []byte { return it.dataIter.Value() }

// Error returns the first error encountered, if any.
func (it *TableIterator) Error() error { return it.err }

// Close releases the iterator. Blocks are not pooled, so this is a no-op
// today; it exists so callers can treat TableIterator like other iterators
// that do own closeable resources.
func (it *TableIterator) Close() error { return nil }
