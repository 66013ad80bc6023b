package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mazarin-core/internal/hal/simhal"
	"mazarin-core/internal/pmm"
	"mazarin-core/internal/vmm"
)

func newAllocator(t *testing.T) *pmm.Allocator {
	t.Helper()
	h, err := simhal.New(4 << 20)
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

// §8: mapping n pages at consecutive virtual addresses and translating
// every offset within them recovers each page's physical frame address
// plus that same offset.
func TestMapTranslateRoundTrip(t *testing.T) {
	alloc := newAllocator(t)
	as, err := vmm.NewAddressSpace(alloc)
	require.NoError(t, err)

	const n = 3
	vaddr := uintptr(0x0000_2000_0000_0000)
	frames := make([]pmm.FrameNum, n)
	for i := 0; i < n; i++ {
		f, err := alloc.AllocFrames(0, pmm.FlagZoneNormal, 0)
		require.NoError(t, err)
		frames[i] = f
		require.NoError(t, as.Map(vaddr+uintptr(i)*pmm.PageSize, f, vmm.ProtRead|vmm.ProtWrite, vmm.VMAPrivate))
	}

	for i := 0; i < n; i++ {
		want := pmm.FrameToAddr(frames[i])
		for k := uintptr(0); k < pmm.PageSize; k += 511 {
			got, ok := as.Translate(vaddr + uintptr(i)*pmm.PageSize + k)
			require.True(t, ok)
			require.Equal(t, want+k, got)
		}
	}
}

func TestUnmapIsIdempotent(t *testing.T) {
	alloc := newAllocator(t)
	as, err := vmm.NewAddressSpace(alloc)
	require.NoError(t, err)

	vaddr, err := as.Mmap(0, pmm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.VMAPrivate|vmm.VMAAnonymous, nil, 0)
	require.NoError(t, err)

	require.NoError(t, as.Unmap(vaddr, pmm.PageSize))
	require.NoError(t, as.Unmap(vaddr, pmm.PageSize))

	_, ok := as.Translate(vaddr)
	require.False(t, ok)
	require.Nil(t, as.VMAFor(vaddr))
}

// §8 fork semantics: the first write on either side of a COW fork
// breaks the sharing, and from then on each address space sees only
// its own writes.
func TestForkCOWIsolation(t *testing.T) {
	alloc := newAllocator(t)
	parent, err := vmm.NewAddressSpace(alloc)
	require.NoError(t, err)

	vaddr, err := parent.Mmap(0, pmm.PageSize, vmm.ProtRead|vmm.ProtWrite, vmm.VMAPrivate|vmm.VMAAnonymous, nil, 0)
	require.NoError(t, err)
	require.NoError(t, vmm.PageFault(parent, vaddr, true))

	addr, ok := parent.Translate(vaddr)
	require.True(t, ok)
	alloc.Bytes(pmm.AddrToFrame(addr), 0)[0] = 0xAA

	child, err := parent.Fork()
	require.NoError(t, err)

	require.NoError(t, vmm.PageFault(parent, vaddr, true))
	parentAddr, ok := parent.Translate(vaddr)
	require.True(t, ok)
	alloc.Bytes(pmm.AddrToFrame(parentAddr), 0)[0] = 0xBB

	require.NoError(t, vmm.PageFault(child, vaddr, true))
	childAddr, ok := child.Translate(vaddr)
	require.True(t, ok)
	alloc.Bytes(pmm.AddrToFrame(childAddr), 0)[0] = 0xCC

	require.NotEqual(t, pmm.AddrToFrame(parentAddr), pmm.AddrToFrame(childAddr),
		"breaking COW must give each side its own frame")
	require.Equal(t, byte(0xBB), alloc.Bytes(pmm.AddrToFrame(parentAddr), 0)[0])
	require.Equal(t, byte(0xCC), alloc.Bytes(pmm.AddrToFrame(childAddr), 0)[0])
}
