package engine

// partitions.go implements the partition (column family) lifecycle
// operations: create, drop, and list, layered over
// partition.Set/manifest.VersionEdit's PartitionsCreated/PartitionsDropped
// so each change to the partition set is durable before it's visible.

import (
	"context"
	"fmt"

	"github.com/INLOpen/rucksdb/core"
	"github.com/INLOpen/rucksdb/manifest"
	"github.com/INLOpen/rucksdb/partition"
)

// PartitionInfo describes one existing partition.
type PartitionInfo struct {
	ID   uint32
	Name string
}

// CreatePartition durably creates a new partition named name. writeBufferBytes
// of 0 inherits Options.WriteBufferBytes.
func (e *Engine) CreatePartition(name string, writeBufferBytes int64) (uint32, error) {
	if e.closed.Load() {
		return 0, core.ErrClosed
	}
	if name == "" {
		return 0, fmt.Errorf("partition name must not be empty: %w", core.ErrInvalidArgument)
	}
	if _, ok := e.partitions.GetByName(name); ok {
		return 0, fmt.Errorf("partition %q already exists: %w", name, core.ErrInvalidArgument)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	id := e.partitions.AllocateID()
	edit := &manifest.VersionEdit{PartitionsCreated: []manifest.PartitionCreateEntry{{ID: id, Name: name}}}
	if err := e.vs.LogAndApply(context.Background(), edit); err != nil {
		return 0, fmt.Errorf("create partition %q: %w", name, err)
	}

	wb := writeBufferBytes
	if wb <= 0 {
		wb = e.opts.WriteBufferBytes
	}
	if err := e.partitions.Register(partition.New(id, name, wb)); err != nil {
		return 0, fmt.Errorf("register partition %q: %w", name, err)
	}
	return id, nil
}

// DropPartition drops partitionID, discarding its memtables and marking
// every file it owns as no longer referenced. The partition's data is not
// retrievable afterward. Its table files are deleted by the cleanup pass
// this call runs, or, if a reader still holds the partition's last
// Version, by the cleanup after a later compaction once it is released.
func (e *Engine) DropPartition(partitionID uint32) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	if partitionID == 0 {
		return fmt.Errorf("the default partition cannot be dropped: %w", core.ErrInvalidArgument)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, ok := e.partitions.Get(partitionID); !ok {
		return fmt.Errorf("unknown partition %d: %w", partitionID, core.ErrInvalidArgument)
	}

	edit := &manifest.VersionEdit{PartitionsDropped: []uint32{partitionID}}
	if err := e.vs.LogAndApply(context.Background(), edit); err != nil {
		return fmt.Errorf("drop partition %d: %w", partitionID, err)
	}

	e.partitions.Drop(partitionID)
	e.reclaimObsoleteFiles()
	return nil
}

// ListPartitions returns every currently registered partition.
func (e *Engine) ListPartitions() []PartitionInfo {
	parts := e.partitions.List()
	out := make([]PartitionInfo, 0, len(parts))
	for _, p := range parts {
		out = append(out, PartitionInfo{ID: p.ID(), Name: p.Name()})
	}
	return out
}
