package wal

import (
	"bytes"
	"testing"

	"github.com/INLOpen/rucksdb/core"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBatchRoundTrip(t *testing.T) {
	ops := []Op{
		{PartitionID: 0, Kind: core.KindValue, Key: []byte("alpha"), Value: []byte("1")},
		{PartitionID: 0, Kind: core.KindTombstone, Key: []byte("beta")},
		{PartitionID: 2, Kind: core.KindValue, Key: []byte("gamma"), Value: []byte("")},
	}

	payload := EncodeBatch(100, ops)
	decoded, err := DecodeBatch(payload)
	require.NoError(t, err)

	require.Equal(t, uint64(100), decoded.FirstSeq)
	require.Len(t, decoded.Ops, len(ops))
	for i, want := range ops {
		got := decoded.Ops[i]
		require.Equal(t, want.PartitionID, got.PartitionID)
		require.Equal(t, want.Kind, got.Kind)
		require.True(t, bytes.Equal(want.Key, got.Key))
		if want.Kind == core.KindTombstone {
			require.Empty(t, got.Value)
		} else {
			require.True(t, bytes.Equal(want.Value, got.Value))
		}
	}
}

func TestEncodeDecodeBatchEmpty(t *testing.T) {
	payload := EncodeBatch(7, nil)
	decoded, err := DecodeBatch(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(7), decoded.FirstSeq)
	require.Empty(t, decoded.Ops)
}

func TestDecodeBatchRejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeBatch([]byte{1, 2, 3})
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrCorruption)
}

func TestDecodeBatchRejectsTruncatedKey(t *testing.T) {
	ops := []Op{{PartitionID: 0, Kind: core.KindValue, Key: []byte("longkey"), Value: []byte("v")}}
	payload := EncodeBatch(1, ops)
	// Cut the value (1 byte), its length (4 bytes) and the last 3 key bytes.
	truncated := payload[:len(payload)-8]
	_, err := DecodeBatch(truncated)
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrCorruption)
}

func TestDecodeBatchRejectsTruncatedValue(t *testing.T) {
	ops := []Op{{PartitionID: 0, Kind: core.KindValue, Key: []byte("k"), Value: []byte("longvalue")}}
	payload := EncodeBatch(1, ops)
	truncated := payload[:len(payload)-3]
	_, err := DecodeBatch(truncated)
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrCorruption)
}

func TestDecodeBatchRejectsCountExceedingPayload(t *testing.T) {
	payload := EncodeBatch(1, []Op{{PartitionID: 0, Kind: core.KindValue, Key: []byte("a"), Value: []byte("b")}})
	// Overstate the op count in the header without adding more op bytes.
	payload[8] = 99
	_, err := DecodeBatch(payload)
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrCorruption)
}
