package vmm

import (
	"mazarin-core/internal/kerrors"
	"mazarin-core/internal/pmm"
)

// PageFault resolves a fault at vaddr against as, following the §4.3
// page fault algorithm:
//  1. look up the covering VMA, segfault if none;
//  2. segfault if the access violates the VMA's protection;
//  3. if a present PTE exists and the fault was a write to a COW
//     page, break the sharing (copy-on-write);
//  4. otherwise the page is not yet backed: fault it in, either from
//     the VMA's Backing or as a freshly zeroed anonymous page.
func PageFault(as *AddressSpace, vaddr uintptr, write bool) error {
	as.mu.Lock()
	v := as.tree.find(vaddr)
	if v == nil {
		as.mu.Unlock()
		return kerrors.New(kerrors.Segfault, "vmm", "no mapping for address", nil, "addr", vaddr)
	}
	if write && v.Prot&ProtWrite == 0 && v.Flags&VMACOW == 0 {
		as.mu.Unlock()
		return kerrors.New(kerrors.Segfault, "vmm", "write to read-only mapping", nil, "addr", vaddr)
	}

	pageAddr := vaddr &^ (pmm.PageSize - 1)
	tbl, idx, huge, ok := as.walker.walk(as.root, pageAddr, true, false)
	if !ok {
		as.mu.Unlock()
		return kerrors.New(kerrors.OutOfMemory, "vmm", "failed to allocate page table walking fault", nil)
	}
	if huge {
		as.mu.Unlock()
		return nil
	}

	e := readEntry(tbl, idx)
	if e.present() {
		if write && e.cow() {
			err := as.breakCOWLocked(tbl, idx, pageAddr, v)
			as.mu.Unlock()
			return err
		}
		// Present and permitted: a spurious fault (e.g. a prior Accessed/
		// Dirty-bit trap on hardware this simulation does not model).
		as.mu.Unlock()
		return nil
	}

	err := as.demandPageLocked(tbl, idx, pageAddr, v)
	as.mu.Unlock()
	return err
}

// demandPageLocked populates a not-yet-present PTE, reading from the
// VMA's backing store if any, else returning a zeroed anonymous page.
func (as *AddressSpace) demandPageLocked(tbl []byte, idx int, pageAddr uintptr, v *VMA) error {
	frame, err := as.alloc.AllocFrames(0, pmm.FlagZoneNormal|pmm.FlagRefillOK, 0)
	if err != nil {
		return err
	}
	buf := as.alloc.Bytes(frame, 0)

	if v.Backing != nil {
		off := v.Offset + int64(pageAddr-v.Start)
		if err := v.Backing.ReadPage(off, buf); err != nil {
			as.alloc.FreeFrames(frame, 0)
			return kerrors.New(kerrors.DeviceError, "vmm", "backing read failed", err, "addr", pageAddr)
		}
	} else {
		clear(buf)
	}

	as.alloc.Ref(frame)
	writeEntry(tbl, idx, makePTE(pmm.FrameToAddr(frame), v.Prot, v.Flags, false))
	return nil
}

// breakCOWLocked gives the faulting address space a private writable
// copy of a copy-on-write page. If this mapping is its frame's last
// reference, the page is reused in place instead of copied.
func (as *AddressSpace) breakCOWLocked(tbl []byte, idx int, pageAddr uintptr, v *VMA) error {
	e := readEntry(tbl, idx)
	frame := pmm.AddrToFrame(e.addr())

	if as.alloc.RefCount(frame) <= 1 {
		writeEntry(tbl, idx, makePTE(e.addr(), v.Prot, v.Flags&^VMACOW, false))
		return nil
	}

	newFrame, err := as.alloc.AllocFrames(0, pmm.FlagZoneNormal|pmm.FlagRefillOK, 0)
	if err != nil {
		return err
	}
	copy(as.alloc.Bytes(newFrame, 0), as.alloc.Bytes(frame, 0))

	writeEntry(tbl, idx, makePTE(pmm.FrameToAddr(newFrame), v.Prot, v.Flags&^VMACOW, false))
	as.alloc.Unref(frame, 0)
	as.invalidate(pageAddr)
	return nil
}

// Fork produces a child address space sharing the parent's VMAs.
// Private, writable VMAs are duplicated as copy-on-write: both parent
// and child PTEs are marked read-only and COW, and the backing
// frame's refcount is bumped so the first subsequent write on either
// side breaks the sharing via PageFault (§4.3 "fork semantics").
// Shared VMAs are mapped directly into the child with the same
// frames and no COW marking.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	child, err := NewAddressSpace(as.alloc)
	if err != nil {
		return nil, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	child.nextMmap = as.nextMmap

	for _, v := range as.tree.all() {
		cv := &VMA{Start: v.Start, End: v.End, Prot: v.Prot, Flags: v.Flags, Backing: v.Backing, Offset: v.Offset}
		child.tree.insert(cv)

		for addr := v.Start; addr < v.End; addr += pmm.PageSize {
			tbl, idx, huge, ok := as.walker.walk(as.root, addr, false, false)
			if !ok || huge {
				continue
			}
			e := readEntry(tbl, idx)
			if !e.present() {
				continue
			}
			frame := pmm.AddrToFrame(e.addr())

			if v.Flags&VMAShared != 0 {
				as.alloc.Ref(frame)
				if err := child.mapLocked(addr, frame, v.Prot, v.Flags); err != nil {
					return nil, err
				}
				continue
			}

			as.alloc.Ref(frame)
			writeEntry(tbl, idx, makePTE(e.addr(), v.Prot, v.Flags|VMACOW, false))
			if err := child.mapLocked(addr, frame, v.Prot, v.Flags|VMACOW); err != nil {
				return nil, err
			}
		}
	}

	return child, nil
}
