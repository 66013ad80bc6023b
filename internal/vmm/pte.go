package vmm

import (
	"encoding/binary"

	"mazarin-core/internal/pmm"
	"mazarin-core/internal/vmm/ptebits"
)

// PTE bit positions. The hot page-fault and walk paths manipulate
// these directly with shifts rather than through ptebits' reflection-
// based pack/unpack, which is reserved for introspection (§3
// "Page-table entry").
const (
	bitPresent  = 1 << 0
	bitWritable = 1 << 1
	bitUser     = 1 << 2
	bitPWT      = 1 << 3
	bitPCD      = 1 << 4
	bitAccessed = 1 << 5
	bitDirty    = 1 << 6
	bitHuge     = 1 << 7
	bitGlobal   = 1 << 8
	bitCOW      = 1 << 9 // synthetic, software-available
	bitNX       = 1 << 63

	addrMask = 0x000f_ffff_ffff_f000 // bits 12..51

	entriesPerTable = 512
	tableBytes      = entriesPerTable * 8
	levels          = 4
)

// pte is a raw 64-bit page-table entry.
type pte uint64

func (p pte) present() bool  { return p&bitPresent != 0 }
func (p pte) writable() bool { return p&bitWritable != 0 }
func (p pte) user() bool     { return p&bitUser != 0 }
func (p pte) cow() bool      { return p&bitCOW != 0 }
func (p pte) huge() bool     { return p&bitHuge != 0 }
func (p pte) addr() uintptr  { return uintptr(p) & addrMask }

func makePTE(addr uintptr, prot Prot, flags VMAFlags, huge bool) pte {
	v := pte(uintptr(addr) & addrMask)
	v |= bitPresent
	if prot&ProtWrite != 0 {
		v |= bitWritable
	}
	if prot&ProtUser != 0 {
		v |= bitUser
	}
	if prot&ProtExec == 0 {
		v |= bitNX
	}
	if huge {
		v |= bitHuge
	}
	if flags&VMACOW != 0 {
		v |= bitCOW
		v &^= bitWritable
	}
	return v
}

// decode renders a PTE's software-visible bits via ptebits, for
// logging and tests.
func decode(p pte) ptebits.PTEFlags {
	var f ptebits.PTEFlags
	packed := uint64(0)
	if p.present() {
		packed |= 1 << 0
	}
	if p.writable() {
		packed |= 1 << 1
	}
	if p.user() {
		packed |= 1 << 2
	}
	if p&bitPWT != 0 {
		packed |= 1 << 3
	}
	if p&bitPCD != 0 {
		packed |= 1 << 4
	}
	if p&bitAccessed != 0 {
		packed |= 1 << 5
	}
	if p&bitDirty != 0 {
		packed |= 1 << 6
	}
	if p.huge() {
		packed |= 1 << 7
	}
	if p&bitGlobal != 0 {
		packed |= 1 << 8
	}
	if p.cow() {
		packed |= 1 << 9
	}
	if p&bitNX != 0 {
		packed |= 1 << 10
	}
	_ = ptebits.Unpack(packed, &f)
	return f
}

// tableIndex extracts the 9-bit index for level (0 = top level, 3 =
// the leaf page-table level) out of a 48-bit canonical vaddr.
func tableIndex(level int, vaddr uintptr) int {
	shift := uint(12 + (levels-1-level)*9)
	return int((vaddr >> shift) & 0x1ff)
}

func readEntry(table []byte, idx int) pte {
	return pte(binary.LittleEndian.Uint64(table[idx*8 : idx*8+8]))
}

func writeEntry(table []byte, idx int, p pte) {
	binary.LittleEndian.PutUint64(table[idx*8:idx*8+8], uint64(p))
}

// walker resolves vaddr through the 4-level hierarchy rooted at root,
// allocating intermediate tables from alloc when create is true.
// walk's huge argument requests stopping at the PD level (2 MiB pages).
type walker struct {
	alloc *pmm.Allocator
}

// walk returns the table bytes and index of the leaf entry for vaddr,
// and whether a huge (2 MiB) mapping was found/requested.
func (w *walker) walk(root pmm.FrameNum, vaddr uintptr, create, huge bool) (table []byte, idx int, foundHuge bool, ok bool) {
	cur := root
	stopLevel := levels - 1
	if huge {
		stopLevel = levels - 2
	}

	for level := 0; level < stopLevel; level++ {
		tbl := w.alloc.Bytes(cur, 0)
		i := tableIndex(level, vaddr)
		e := readEntry(tbl, i)

		if e.huge() {
			return tbl, i, true, true
		}

		if !e.present() {
			if !create {
				return nil, 0, false, false
			}
			child, err := w.alloc.AllocFrames(0, pmm.FlagZoneNormal|pmm.FlagZeroed|pmm.FlagRefillOK, 0)
			if err != nil {
				return nil, 0, false, false
			}
			np := pte(uintptr(child)*pmm.PageSize) & addrMask
			np |= bitPresent | bitWritable | bitUser
			writeEntry(tbl, i, np)
			e = np
		}

		cur = pmm.AddrToFrame(e.addr())
	}

	tbl := w.alloc.Bytes(cur, 0)
	return tbl, tableIndex(stopLevel, vaddr), huge, true
}
