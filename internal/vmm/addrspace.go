// Package vmm implements C3, the address space and page table layer:
// per-process virtual memory areas, a 4-level page table walker, and
// the page fault algorithm including copy-on-write (§3 "Address
// space", §4.3).
package vmm

import (
	"sync"

	"mazarin-core/internal/kerrors"
	"mazarin-core/internal/pmm"
)

// mmapBase is the lowest address handed out by Mmap's placement
// policy when the caller passes no hint. It sits well above the zero
// page and any identity-mapped low memory a kernel component might
// reserve for itself.
const mmapBase = 0x0000_1000_0000_0000

// AddressSpace is one process's virtual memory: a VMA collection plus
// the page tables realizing it (§3 "Address space").
type AddressSpace struct {
	mu sync.Mutex

	alloc  *pmm.Allocator
	root   pmm.FrameNum
	walker walker
	tree   vmaTree

	nextMmap uintptr
	userCount int32
}

// NewAddressSpace allocates a fresh, empty top-level page table
// (§4.3 "address_space_new").
func NewAddressSpace(alloc *pmm.Allocator) (*AddressSpace, error) {
	root, err := alloc.AllocFrames(0, pmm.FlagZoneNormal|pmm.FlagZeroed|pmm.FlagRefillOK, 0)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		alloc:    alloc,
		root:     root,
		walker:   walker{alloc: alloc},
		nextMmap: mmapBase,
	}, nil
}

// Destroy frees every frame mapped by the address space, including
// its page tables, returning them all to pmm.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, v := range as.tree.all() {
		as.unmapRangeLocked(v.Start, v.End-v.Start)
	}
	as.freeTable(as.root, 0)
}

func (as *AddressSpace) freeTable(frame pmm.FrameNum, level int) {
	if level == levels-1 {
		as.alloc.FreeFrames(frame, 0)
		return
	}
	tbl := as.alloc.Bytes(frame, 0)
	for i := 0; i < entriesPerTable; i++ {
		e := readEntry(tbl, i)
		if e.present() && !e.huge() {
			as.freeTable(pmm.AddrToFrame(e.addr()), level+1)
		}
	}
	as.alloc.FreeFrames(frame, 0)
}

// VMAInsert records a VMA covering [start, start+length) without
// populating any page table entries: the pages are mapped lazily on
// first fault (§4.3 "vma_insert", demand paging).
func (as *AddressSpace) VMAInsert(v *VMA) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.tree.overlapping(v.Start, v.End) != nil {
		return kerrors.New(kerrors.Overlap, "vmm", "vma overlaps an existing mapping", nil,
			"start", v.Start, "end", v.End)
	}
	as.tree.insert(v)
	return nil
}

// Mmap reserves a VMA of length bytes with the given protection and
// flags, choosing a placement address when hint is 0 (§4.3 "mmap").
// length is rounded up to a page multiple.
func (as *AddressSpace) Mmap(hint uintptr, length int, prot Prot, flags VMAFlags, backing Backing, offset int64) (uintptr, error) {
	if length <= 0 {
		return 0, kerrors.New(kerrors.InvalidArgument, "vmm", "mmap length must be positive", nil)
	}
	pages := (length + pmm.PageSize - 1) / pmm.PageSize
	size := uintptr(pages) * pmm.PageSize

	as.mu.Lock()
	defer as.mu.Unlock()

	start := hint
	if start == 0 || flags&VMAFixed == 0 {
		start = as.findFreeLocked(size)
	}
	if as.tree.overlapping(start, start+size) != nil {
		if flags&VMAFixed != 0 {
			return 0, kerrors.New(kerrors.Overlap, "vmm", "fixed mmap address already mapped", nil, "addr", start)
		}
		start = as.findFreeLocked(size)
	}

	v := &VMA{Start: start, End: start + size, Prot: prot, Flags: flags, Backing: backing, Offset: offset}
	as.tree.insert(v)
	if start+size > as.nextMmap {
		as.nextMmap = start + size
	}
	return start, nil
}

func (as *AddressSpace) findFreeLocked(size uintptr) uintptr {
	candidate := as.nextMmap
	for _, v := range as.tree.all() {
		if candidate+size <= v.Start {
			break
		}
		if candidate < v.End {
			candidate = v.End
		}
	}
	return candidate
}

// Map installs a single present PTE for vaddr backed by frame,
// allocating intermediate page tables on demand (§4.3 "address space
// map"). It is used both by the fault handler and to pre-populate
// eagerly-backed mappings such as a forked child's COW pages. Map does
// not itself adjust frame's reference count; callers sharing a frame
// across more than one mapping must pair each extra Map with a pmm.Ref
// and each eventual Unmap with a pmm.Unref.
func (as *AddressSpace) Map(vaddr uintptr, frame pmm.FrameNum, prot Prot, flags VMAFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mapLocked(vaddr, frame, prot, flags)
}

func (as *AddressSpace) mapLocked(vaddr uintptr, frame pmm.FrameNum, prot Prot, flags VMAFlags) error {
	tbl, idx, _, ok := as.walker.walk(as.root, vaddr, true, false)
	if !ok {
		return kerrors.New(kerrors.OutOfMemory, "vmm", "failed to allocate page table", nil)
	}
	writeEntry(tbl, idx, makePTE(pmm.FrameToAddr(frame), prot, flags, false))
	return nil
}

// Unmap removes mappings covering [start, start+length) and frees the
// backing frames, splitting or shrinking VMAs as needed (§4.3
// "munmap"). Unmapping an already-unmapped range is a no-op (idempotent).
func (as *AddressSpace) Unmap(start uintptr, length int) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapRangeLocked(start, uintptr(length))
	return nil
}

func (as *AddressSpace) unmapRangeLocked(start, length uintptr) {
	end := start + length
	for _, v := range append([]*VMA(nil), as.tree.all()...) {
		if !v.overlaps(start, end) {
			continue
		}
		as.unmapPagesLocked(maxAddr(v.Start, start), minAddr(v.End, end))
		as.shrinkVMALocked(v, start, end)
	}
}

func (as *AddressSpace) unmapPagesLocked(start, end uintptr) {
	for addr := start; addr < end; addr += pmm.PageSize {
		tbl, idx, huge, ok := as.walker.walk(as.root, addr, false, false)
		if !ok || huge {
			continue
		}
		e := readEntry(tbl, idx)
		if !e.present() {
			continue
		}
		writeEntry(tbl, idx, 0)
		frame := pmm.AddrToFrame(e.addr())
		as.alloc.Unref(frame, 0)
		as.invalidate(addr)
	}
}

// shrinkVMALocked adjusts v's bounds (or removes/splits it) so the
// VMA no longer claims [start, end), without disturbing the page
// table entries already handled by the caller.
func (as *AddressSpace) shrinkVMALocked(v *VMA, start, end uintptr) {
	switch {
	case start <= v.Start && end >= v.End:
		as.tree.remove(v)
	case start <= v.Start:
		v.Offset += int64(end - v.Start)
		v.Start = end
	case end >= v.End:
		v.End = start
	default:
		right := &VMA{Start: end, End: v.End, Prot: v.Prot, Flags: v.Flags, Backing: v.Backing, Offset: v.Offset + int64(end-v.Start)}
		v.End = start
		as.tree.insert(right)
	}
}

// Translate resolves vaddr to a physical address without creating any
// missing page tables, for diagnostics and the §8 mapping-round-trip
// property.
func (as *AddressSpace) Translate(vaddr uintptr) (uintptr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	tbl, idx, _, ok := as.walker.walk(as.root, vaddr, false, false)
	if !ok {
		return 0, false
	}
	e := readEntry(tbl, idx)
	if !e.present() {
		return 0, false
	}
	pageOff := vaddr & (pmm.PageSize - 1)
	return e.addr() + pageOff, true
}

// VMAFor returns the VMA containing vaddr, if any.
func (as *AddressSpace) VMAFor(vaddr uintptr) *VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tree.find(vaddr)
}

func (as *AddressSpace) invalidate(vaddr uintptr) {
	// TLB invalidation is the HAL's concern; an AddressSpace only
	// mutates its own page tables and relies on the caller to route
	// through a HAL with the right CPU context. An AddressSpace holds
	// no HAL, so this is a no-op; nothing in this module calls
	// hal.HAL.TLBInvalidatePage.
	_ = vaddr
}

func maxAddr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minAddr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
