package wal

// batch.go encodes/decodes the logical record payload for a write batch:
// header [sequence:8|count:4], then count operations
// [partition_id:4|kind:1|key_len:4|key|value_len:4?|value?], value parts
// absent for tombstones. Sequences within the batch are sequence,
// sequence+1, ....

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/rucksdb/core"
)

// Op is one mutation within a write batch.
type Op struct {
	PartitionID uint32
	Kind        core.EntryKind
	Key         []byte
	Value       []byte // nil for KindTombstone
}

// EncodeBatch serializes firstSeq and ops into one logical record payload.
// Op i is implicitly assigned sequence firstSeq+i.
func EncodeBatch(firstSeq uint64, ops []Op) []byte {
	size := 8 + 4
	for _, op := range ops {
		size += 4 + 1 + 4 + len(op.Key)
		if op.Kind != core.KindTombstone {
			size += 4 + len(op.Value)
		}
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], firstSeq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(ops)))

	n := 12
	for _, op := range ops {
		binary.LittleEndian.PutUint32(buf[n:n+4], op.PartitionID)
		n += 4
		buf[n] = byte(op.Kind)
		n++
		binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(op.Key)))
		n += 4
		n += copy(buf[n:], op.Key)
		if op.Kind != core.KindTombstone {
			binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(op.Value)))
			n += 4
			n += copy(buf[n:], op.Value)
		}
	}
	return buf[:n]
}

// DecodedBatch is the result of parsing one write-batch record.
type DecodedBatch struct {
	FirstSeq uint64
	Ops      []Op
}

// DecodeBatch parses a payload produced by EncodeBatch.
func DecodeBatch(payload []byte) (DecodedBatch, error) {
	if len(payload) < 12 {
		return DecodedBatch{}, fmt.Errorf("wal batch payload too short (%d bytes): %w", len(payload), core.ErrCorruption)
	}
	firstSeq := binary.LittleEndian.Uint64(payload[0:8])
	count := binary.LittleEndian.Uint32(payload[8:12])

	ops := make([]Op, 0, count)
	n := 12
	for i := uint32(0); i < count; i++ {
		if n+4+1+4 > len(payload) {
			return DecodedBatch{}, fmt.Errorf("wal batch truncated before op %d header: %w", i, core.ErrCorruption)
		}
		partitionID := binary.LittleEndian.Uint32(payload[n : n+4])
		n += 4
		kind := core.EntryKind(payload[n])
		n++
		keyLen := binary.LittleEndian.Uint32(payload[n : n+4])
		n += 4
		if n+int(keyLen) > len(payload) {
			return DecodedBatch{}, fmt.Errorf("wal batch truncated reading key of op %d: %w", i, core.ErrCorruption)
		}
		key := payload[n : n+int(keyLen)]
		n += int(keyLen)

		var value []byte
		if kind != core.KindTombstone {
			if n+4 > len(payload) {
				return DecodedBatch{}, fmt.Errorf("wal batch truncated before value length of op %d: %w", i, core.ErrCorruption)
			}
			valLen := binary.LittleEndian.Uint32(payload[n : n+4])
			n += 4
			if n+int(valLen) > len(payload) {
				return DecodedBatch{}, fmt.Errorf("wal batch truncated reading value of op %d: %w", i, core.ErrCorruption)
			}
			value = payload[n : n+int(valLen)]
			n += int(valLen)
		}

		ops = append(ops, Op{PartitionID: partitionID, Kind: kind, Key: key, Value: value})
	}

	return DecodedBatch{FirstSeq: firstSeq, Ops: ops}, nil
}
