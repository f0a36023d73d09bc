package iterator

// heap.go implements container/heap.Interface over the merging iterator's
// per-source cursors, ordering them by (user key, sequence, source
// priority) over internal keys so the newest version of a key always
// surfaces first regardless of which source holds it.

import (
	"bytes"

	"github.com/INLOpen/rucksdb/core"
)

// mergeItem is one child iterator's current position, cached so the heap
// can compare entries without re-querying an iterator that has already
// advanced past them.
type mergeItem struct {
	src      core.InternalIterator
	priority int
	key      []byte
	value    []byte
}

// mergeHeap is a min-heap of mergeItem ordered by user key ascending, then
// sequence descending, then priority ascending: on an exact tie, the
// source with the smaller Priority value wins.
type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := bytes.Compare(core.UserKey(a.key), core.UserKey(b.key)); c != 0 {
		return c < 0
	}
	if seqA, seqB := core.Sequence(a.key), core.Sequence(b.key); seqA != seqB {
		return seqA > seqB
	}
	return a.priority < b.priority
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*mergeItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
