package partition

// set.go implements the in-memory half of the partition set: a concurrent
// id -> partition and name -> id map. The durable half (create/drop
// version edits) is issued by the engine through manifest.VersionSet, which
// owns id/name bookkeeping for on-disk state; Set mirrors that map shape
// for the in-memory write path so the engine never has to reach into
// manifest internals to find a partition's memtables.

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/rucksdb/core"
)

// Set holds every live partition's in-memory write state, keyed by id and
// by name.
type Set struct {
	mu     sync.RWMutex
	byID   map[uint32]*Partition
	byName map[string]uint32

	nextID atomic.Uint32
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		byID:   make(map[uint32]*Partition),
		byName: make(map[string]uint32),
	}
}

// Seed advances the id allocator past every id already in use, for use
// right after recovery replays existing PartitionCreateEntry records.
func (s *Set) Seed(maxUsedID uint32) {
	for {
		cur := s.nextID.Load()
		if maxUsedID < cur {
			return
		}
		if s.nextID.CompareAndSwap(cur, maxUsedID+1) {
			return
		}
	}
}

// AllocateID hands out the next unused partition id for create_partition.
func (s *Set) AllocateID() uint32 {
	return s.nextID.Add(1) - 1
}

// Register adds p to the set. It returns core.ErrInvalidArgument if p's id
// or name is already registered.
func (s *Set) Register(p *Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.ID()]; exists {
		return fmt.Errorf("partition id %d already registered: %w", p.ID(), core.ErrInvalidArgument)
	}
	if _, exists := s.byName[p.Name()]; exists {
		return fmt.Errorf("partition name %q already registered: %w", p.Name(), core.ErrInvalidArgument)
	}
	s.byID[p.ID()] = p
	s.byName[p.Name()] = p.ID()
	return nil
}

// Get returns the partition registered under id.
func (s *Set) Get(id uint32) (*Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// GetByName returns the partition registered under name.
func (s *Set) GetByName(name string) (*Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// List returns every registered partition, ordered by id.
func (s *Set) List() []*Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Partition, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Drop removes id from the set. Set only stops serving writes/reads for
// the dropped partition; it does not touch the on-disk files it owned.
func (s *Set) Drop(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byName, p.Name())
}
