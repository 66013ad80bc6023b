package slab_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mazarin-core/internal/hal/simhal"
	"mazarin-core/internal/pmm"
	"mazarin-core/internal/slab"
)

func newAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()
	h, err := simhal.New(4 << 20) // 4 MiB
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	alloc, err := pmm.New(h, pmm.Config{
		Nodes:      []pmm.NodeConfig{{Start: 0, End: 1024}},
		DMALimit:   16,
		DMA32Limit: 1024,
		Debug:      true,
	})
	require.NoError(t, err)
	return alloc
}

// §8 scenario 2: 1000 allocations from a 64-byte cache-line-aligned
// cache, freeing every other one leaves in-use at 500, and the cache's
// allocs-frees invariant holds throughout.
func TestCacheInUseInvariant(t *testing.T) {
	alloc := newAllocator(t)
	cache := slab.New(alloc, "demo", 64, 64, slab.FlagHWCacheAlign, nil)

	objs := make([]*slab.Object, 1000)
	for i := range objs {
		obj, err := cache.Alloc(0)
		require.NoError(t, err)
		objs[i] = obj
	}

	allocs, frees, inUse := cache.Stats()
	require.EqualValues(t, 1000, allocs)
	require.EqualValues(t, 0, frees)
	require.Equal(t, 1000, inUse)

	for i := 0; i < len(objs); i += 2 {
		require.NoError(t, cache.Free(objs[i]))
	}

	allocs, frees, inUse = cache.Stats()
	require.EqualValues(t, 1000, allocs)
	require.EqualValues(t, 500, frees)
	require.Equal(t, 500, inUse)
	require.Equal(t, int(allocs)-int(frees), inUse)

	reused, err := cache.Alloc(0)
	require.NoError(t, err)
	require.Len(t, reused.Bytes, 64)
}

func TestObjectIsSizeAligned(t *testing.T) {
	alloc := newAllocator(t)
	cache := slab.New(alloc, "aligned", 24, 64, slab.FlagHWCacheAlign, nil)

	obj, err := cache.Alloc(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(obj.Bytes), 24)
	require.Len(t, obj.Bytes, 64, "a 24-byte object rounds up to the 64-byte alignment")
}

// §8: with POISON enabled, a freshly freed object reads the poison
// pattern everywhere except at the embedded freelist pointer.
func TestPoisonOnFree(t *testing.T) {
	alloc := newAllocator(t)
	cache := slab.New(alloc, "poisoned", 32, 8, slab.FlagPoison, nil)

	obj, err := cache.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, cache.Free(obj))

	for i := 4; i < len(obj.Bytes); i++ {
		require.Equal(t, byte(0x6b), obj.Bytes[i], "byte %d should be poisoned", i)
	}
}

func TestRedZoneRoundTripsCleanly(t *testing.T) {
	alloc := newAllocator(t)
	cache := slab.New(alloc, "redzoned", 16, 8, slab.FlagRedZone, nil)

	obj, err := cache.Alloc(0)
	require.NoError(t, err)
	for i := range obj.Bytes {
		obj.Bytes[i] = byte(i)
	}
	require.NoError(t, cache.Free(obj), "an object that never touches its guard bytes frees cleanly")
}
