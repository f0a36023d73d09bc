package partition

import (
	"testing"

	"github.com/INLOpen/rucksdb/core"
	"github.com/stretchr/testify/require"
)

func TestPartitionGetConsultsMutableThenImmutableNewestFirst(t *testing.T) {
	p := New(0, "default", 1<<20)

	require.NoError(t, p.Mutable().Put([]byte("a"), 1, core.KindValue, []byte("v1")))
	frozen := p.Rotate()
	require.NoError(t, p.Mutable().Put([]byte("a"), 2, core.KindValue, []byte("v2")))

	value, kind, found := p.Get([]byte("a"), 10)
	require.True(t, found)
	require.Equal(t, core.KindValue, kind)
	require.Equal(t, "v2", string(value), "the active memtable's version must win over the frozen one")

	frozen.Close()
}

func TestPartitionGetFallsBackToImmutableWhenKeyNotInMutable(t *testing.T) {
	p := New(0, "default", 1<<20)
	require.NoError(t, p.Mutable().Put([]byte("a"), 1, core.KindValue, []byte("v1")))
	p.Rotate()

	value, kind, found := p.Get([]byte("a"), 10)
	require.True(t, found)
	require.Equal(t, core.KindValue, kind)
	require.Equal(t, "v1", string(value))
}

func TestPartitionGetMissingKeyNotFound(t *testing.T) {
	p := New(0, "default", 1<<20)
	_, _, found := p.Get([]byte("missing"), 10)
	require.False(t, found)
}

func TestPartitionRotateFreezesAndInstallsFreshMutable(t *testing.T) {
	p := New(0, "default", 1<<20)
	require.NoError(t, p.Mutable().Put([]byte("a"), 1, core.KindValue, []byte("v1")))

	frozen := p.Rotate()
	require.Equal(t, 1, frozen.Len())
	require.Equal(t, 0, p.Mutable().Len())
	require.Len(t, p.Immutables(), 1)
}

func TestPartitionRemoveImmutableDropsFlushedMemtable(t *testing.T) {
	p := New(0, "default", 1<<20)
	frozen := p.Rotate()
	require.Len(t, p.Immutables(), 1)

	p.RemoveImmutable(frozen)
	require.Empty(t, p.Immutables())
}

func TestPartitionNeedsRotateReflectsSizeThreshold(t *testing.T) {
	p := New(0, "default", 4)
	require.False(t, p.NeedsRotate())
	require.NoError(t, p.Mutable().Put([]byte("a"), 1, core.KindValue, []byte("v")))
	require.True(t, p.NeedsRotate())
}
