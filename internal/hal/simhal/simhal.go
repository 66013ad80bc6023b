// Package simhal is the default HAL implementation used by the test
// harness and the cmd/kernelsim demo binary: a simulated platform
// backed by an anonymous mmap arena standing in for physical RAM and
// DMA-coherent memory, the way dswarbrick-smart and canonical-snapd
// both reach for golang.org/x/sys/unix instead of hand-rolling raw OS
// primitives. Real architecture ports (x86-64, ARM64) would supply a
// different hal.HAL behind the same interface; that assembly glue is
// out of scope for the core (§1).
package simhal

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"mazarin-core/internal/hal"
)

// MMIODevice lets a simulated peripheral (the NVMe backend, principally)
// register a window of the MMIO address space and handle reads/writes
// itself, the way a real device's register file would respond to bus
// cycles. offset is relative to the device's registered base.
type MMIODevice interface {
	MMIORead(offset uintptr, width hal.MMIOWidth) uint64
	MMIOWrite(offset uintptr, width hal.MMIOWidth, value uint64)
}

type mmioWindow struct {
	base uintptr
	size uintptr
	dev  MMIODevice
}

// HAL is a simulated platform: one mmap-backed physical arena for DMA
// allocation, a dispatch table for MMIO windows, and stdlib-backed
// clock/sleep/lock primitives.
type HAL struct {
	mu       sync.Mutex
	arena    []byte
	freeList []region // free regions within arena; DMAFree appends, unsorted and unmerged
	windows  []mmioWindow
	boot     time.Time
}

type region struct {
	off, size int
}

// New allocates a simulated physical arena of arenaSize bytes via an
// anonymous mmap, mirroring how a driver obtains DMA-coherent memory
// from the platform rather than from the Go heap.
func New(arenaSize int) (*HAL, error) {
	buf, err := unix.Mmap(-1, 0, arenaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &HAL{
		arena:    buf,
		freeList: []region{{off: 0, size: arenaSize}},
		boot:     time.Now(),
	}, nil
}

// Close releases the simulated arena.
func (h *HAL) Close() error {
	return unix.Munmap(h.arena)
}

// RegisterMMIO installs a simulated device's register window at base.
// Reads/writes within [base, base+size) dispatch to dev.
func (h *HAL) RegisterMMIO(base uintptr, size uintptr, dev MMIODevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows = append(h.windows, mmioWindow{base: base, size: size, dev: dev})
}

func (h *HAL) findWindow(addr uintptr) (mmioWindow, bool) {
	for _, w := range h.windows {
		if addr >= w.base && addr < w.base+w.size {
			return w, true
		}
	}
	return mmioWindow{}, false
}

func (h *HAL) MMIORead(addr uintptr, width hal.MMIOWidth) uint64 {
	h.mu.Lock()
	w, ok := h.findWindow(addr)
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return w.dev.MMIORead(addr-w.base, width)
}

func (h *HAL) MMIOWrite(addr uintptr, width hal.MMIOWidth, value uint64) {
	h.mu.Lock()
	w, ok := h.findWindow(addr)
	h.mu.Unlock()
	if !ok {
		return
	}
	w.dev.MMIOWrite(addr-w.base, width, value)
}

// DMAAlloc carves size bytes (rounded up to an 8-byte alignment) out of
// the simulated arena using a simple first-fit free list.
func (h *HAL) DMAAlloc(size int) (*hal.DMARegion, error) {
	if size <= 0 {
		return nil, hal.ErrInvalidSize
	}
	aligned := (size + 7) &^ 7

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range h.freeList {
		if r.size >= aligned {
			off := r.off
			if r.size == aligned {
				h.freeList = append(h.freeList[:i], h.freeList[i+1:]...)
			} else {
				h.freeList[i] = region{off: off + aligned, size: r.size - aligned}
			}
			for j := off; j < off+aligned; j++ {
				h.arena[j] = 0
			}
			return &hal.DMARegion{
				Virt:  uintptr(off),
				Phys:  uintptr(off),
				Size:  aligned,
				Bytes: h.arena[off : off+aligned],
			}, nil
		}
	}
	return nil, hal.ErrOutOfDMA
}

// BytesAt returns a view over size bytes of the simulated arena at
// absolute physical offset phys. It exists only for simulated
// peripherals (simnvme, principally) that must resolve a guest-
// supplied physical address (a PRP entry, say) back into the shared
// arena the way a real device's DMA engine would walk the bus; it has
// no counterpart in the abstract hal.HAL contract.
func (h *HAL) BytesAt(phys uintptr, size int) []byte {
	return h.arena[phys : phys+uintptr(size)]
}

func (h *HAL) DMATranslate(virt uintptr) (uintptr, bool) {
	if virt >= uintptr(len(h.arena)) {
		return 0, false
	}
	return virt, true
}

func (h *HAL) DMAFree(r *hal.DMARegion) {
	if r == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freeList = append(h.freeList, region{off: int(r.Phys), size: r.Size})
}

func (h *HAL) Now() int64 { return time.Since(h.boot).Nanoseconds() }

func (h *HAL) IRQSaveDisable() uintptr { return 0 }
func (h *HAL) IRQRestore(uintptr)      {}

func (h *HAL) Sleep(d time.Duration) { time.Sleep(d) }

func (h *HAL) TLBInvalidatePage(uintptr) {}
func (h *HAL) TLBInvalidateAll()         {}

func (h *HAL) NewSpinlock() hal.Spinlock { return &mutexLock{} }
func (h *HAL) NewMutex() hal.Mutex       { return &mutexLock{} }

type mutexLock struct{ m sync.Mutex }

func (l *mutexLock) Lock()   { l.m.Lock() }
func (l *mutexLock) Unlock() { l.m.Unlock() }

var _ hal.HAL = (*HAL)(nil)
