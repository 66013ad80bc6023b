// Package pcibus implements a hotplug.BusIterator over a PCIe ECAM
// configuration window, generalizing iansmith-mazarin's
// findBochsDisplay bus/slot/function scan (which special-cased one
// vendor/device id pair) into a full bus walk feeding C6.
package pcibus

import (
	"mazarin-core/internal/driver"
	"mazarin-core/internal/hal"
	"mazarin-core/internal/hotplug"
)

const (
	offVendorID = 0x00
	offDeviceID = 0x02
	offClass    = 0x08 // revision id (1 byte) + prog-if + subclass + class, low to high
	offHeader   = 0x0E

	headerMultiFunction = 0x80

	maxBus  = 1
	maxSlot = 32
	maxFunc = 8
)

// Iterator scans an ECAM window rooted at Base for present functions.
// One Scan call walks the full configured bus range.
type Iterator struct {
	H    hal.HAL
	Base uintptr
	// Buses bounds how many bus numbers are scanned; defaults to 1
	// (bus 0 only) when zero, matching common virtual-machine layouts.
	Buses uint8
}

func (it *Iterator) ecamAddr(bus, slot, fn uint8, offset uint16) uintptr {
	return it.Base + uintptr(bus)<<20 + uintptr(slot)<<15 + uintptr(fn)<<12 + uintptr(offset)
}

// Scan implements hotplug.BusIterator.
func (it *Iterator) Scan() ([]hotplug.BusEntry, error) {
	buses := it.Buses
	if buses == 0 {
		buses = maxBus
	}

	var out []hotplug.BusEntry
	for bus := uint8(0); bus < buses; bus++ {
		for slot := uint8(0); slot < maxSlot; slot++ {
			multi := false
			for fn := uint8(0); fn < maxFunc; fn++ {
				if fn > 0 && !multi {
					break
				}
				vendor := uint16(it.H.MMIORead(it.ecamAddr(bus, slot, fn, offVendorID), hal.Width16))
				if vendor == 0xffff {
					continue
				}
				if fn == 0 {
					header := uint8(it.H.MMIORead(it.ecamAddr(bus, slot, fn, offHeader), hal.Width8))
					multi = header&headerMultiFunction != 0
				}

				device := uint16(it.H.MMIORead(it.ecamAddr(bus, slot, fn, offDeviceID), hal.Width16))
				classWord := uint32(it.H.MMIORead(it.ecamAddr(bus, slot, fn, offClass), hal.Width32))

				out = append(out, hotplug.BusEntry{
					Addr:      hotplug.BusAddress{Bus: bus, Device: slot, Function: fn},
					VendorID:  vendor,
					ProductID: device,
					Class: driver.ClassTriple{
						ProgIF:   uint8(classWord >> 8),
						Subclass: uint8(classWord >> 16),
						Class:    uint8(classWord >> 24),
					},
				})
			}
		}
	}
	return out, nil
}

var _ hotplug.BusIterator = (*Iterator)(nil)
