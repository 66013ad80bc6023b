package slab

import (
	"math/bits"

	"mazarin-core/internal/pmm"
)

// sizeClasses are the fixed kmalloc size classes (§4.2).
var sizeClasses = [...]uintptr{8, 16, 32, 64, 96, 128, 192, 256, 512, 1024, 2048, 4096, 8192}

const maxSizeClass = 8192

// Heap is a kmalloc/kfree-style general-purpose allocator: one Cache
// per fixed size class, with allocations above the largest class
// served directly by pmm (§4.2).
type Heap struct {
	alloc   *pmm.Allocator
	classes [len(sizeClasses)]*Cache
}

// NewHeap builds the fixed set of size-class caches over alloc.
func NewHeap(alloc *pmm.Allocator) *Heap {
	h := &Heap{alloc: alloc}
	for i, sz := range sizeClasses {
		h.classes[i] = New(alloc, classCacheName(sz), sz, 8, 0, nil)
	}
	return h
}

func classCacheName(sz uintptr) string {
	return "kmalloc-" + itoa(sz)
}

func itoa(n uintptr) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Block is a kmalloc allocation: either a slab Object or a direct pmm
// frame run, tracked so Free knows how to release it without needing
// address-range bookkeeping.
type Block struct {
	Bytes []byte

	obj        *Object
	cache      *Cache
	directFrame pmm.FrameNum
	directOrder int
	direct      bool
}

// Alloc returns size bytes, routing through the matching size-class
// cache, or directly to pmm with order = ceil(log2(size/4096)) above
// the largest class (§4.2).
func (h *Heap) Alloc(size int, flags Flags) (*Block, error) {
	if size <= maxSizeClass {
		for i, sz := range sizeClasses {
			if uintptr(size) <= sz {
				c := h.classes[i]
				obj, err := c.Alloc(flags)
				if err != nil {
					return nil, err
				}
				return &Block{Bytes: obj.Bytes[:size], obj: obj, cache: c}, nil
			}
		}
	}

	order := directOrder(size)
	frame, err := h.alloc.AllocFrames(order, pmm.FlagZoneNormal|pmm.FlagRefillOK, 0)
	if err != nil {
		return nil, err
	}
	buf := h.alloc.Bytes(frame, order)
	if flags&FlagZeroed != 0 {
		clear(buf)
	}
	return &Block{Bytes: buf[:size], direct: true, directFrame: frame, directOrder: order}, nil
}

func directOrder(size int) int {
	frames := (size + pmm.PageSize - 1) / pmm.PageSize
	if frames <= 1 {
		return 0
	}
	return bits.Len(uint(frames - 1))
}

// Free releases a Block obtained from Alloc.
func (h *Heap) Free(b *Block) error {
	if b.direct {
		h.alloc.FreeFrames(b.directFrame, b.directOrder)
		return nil
	}
	return b.cache.Free(b.obj)
}
