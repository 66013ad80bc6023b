package pmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mazarin-core/internal/hal/simhal"
	"mazarin-core/internal/pmm"
)

func newAllocator(t *testing.T, debug bool) *pmm.Allocator {
	t.Helper()
	h, err := simhal.New(1 << 20) // 1 MiB, 256 frames
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	alloc, err := pmm.New(h, pmm.Config{
		Nodes:      []pmm.NodeConfig{{Start: 0, End: 256}},
		DMALimit:   16,
		DMA32Limit: 256,
		Debug:      debug,
	})
	require.NoError(t, err)
	return alloc
}

// Disjointness and coalescence: allocate several runs, free them all,
// and check the freed pieces merge back into the order-5 run they were
// split from (§8 "After freeing everything ever allocated... full
// coalescence").
func TestAllocFreeCoalescesFully(t *testing.T) {
	alloc := newAllocator(t, true)

	var frames []pmm.FrameNum
	for i := 0; i < 8; i++ {
		f, err := alloc.AllocFrames(2, pmm.FlagZoneNormal, 0)
		require.NoError(t, err)
		frames = append(frames, f)
	}

	seen := make(map[pmm.FrameNum]bool)
	for _, f := range frames {
		for p := f; p < f+4; p++ {
			require.False(t, seen[p], "frame %d allocated twice", p)
			seen[p] = true
		}
	}

	for _, f := range frames {
		alloc.FreeFrames(f, 2)
	}

	// The eight order-2 runs were carved out of frames 16..47 (the
	// order-4 run at 16 and the order-5 run at 32). If coalescence
	// worked, frames 32..63 are one order-5 run again and an order-5
	// request finds it first; without coalescence that request would
	// split the order-6 run at 64 instead.
	big, err := alloc.AllocFrames(5, pmm.FlagZoneNormal, 0)
	require.NoError(t, err)
	require.Equal(t, pmm.FrameNum(32), big)
	require.Equal(t, pmm.StateAllocated, alloc.State(big))
	alloc.FreeFrames(big, 5)
}

func TestDoubleFreePanicsUnderDebug(t *testing.T) {
	alloc := newAllocator(t, true)

	f, err := alloc.AllocFrames(0, pmm.FlagZoneNormal, 0)
	require.NoError(t, err)
	alloc.FreeFrames(f, 0)

	require.Panics(t, func() {
		alloc.FreeFrames(f, 0)
	})
}

func TestDoubleFreeQuarantinesWithoutDebug(t *testing.T) {
	alloc := newAllocator(t, false)

	f, err := alloc.AllocFrames(0, pmm.FlagZoneNormal, 0)
	require.NoError(t, err)
	alloc.FreeFrames(f, 0)

	require.NotPanics(t, func() {
		alloc.FreeFrames(f, 0)
	})
	require.Equal(t, pmm.StatePoisoned, alloc.State(f))
}

func TestZeroedAllocationIsZeroFilled(t *testing.T) {
	alloc := newAllocator(t, true)

	f, err := alloc.AllocFrames(3, pmm.FlagZoneNormal|pmm.FlagZeroed, 0)
	require.NoError(t, err)
	defer alloc.FreeFrames(f, 3)

	bytes := alloc.Bytes(f, 3)
	require.Equal(t, byte(0), bytes[0])
	require.Equal(t, byte(0), bytes[len(bytes)-1])
	require.Zero(t, alloc.PhysAddr(f) % (8 * pmm.PageSize))
}

func TestRefCountTracksSharedOwners(t *testing.T) {
	alloc := newAllocator(t, true)

	f, err := alloc.AllocFrames(0, pmm.FlagZoneNormal, 0)
	require.NoError(t, err)

	alloc.Ref(f) // baseline owner
	require.EqualValues(t, 1, alloc.RefCount(f))

	alloc.Ref(f) // second owner (e.g. a fork)
	require.EqualValues(t, 2, alloc.RefCount(f))

	require.EqualValues(t, 1, alloc.Unref(f, 0))
	require.Equal(t, pmm.StateAllocated, alloc.State(f))

	require.EqualValues(t, 0, alloc.Unref(f, 0))
	require.Equal(t, pmm.StateFree, alloc.State(f))
}
