// Package slab implements C2, the slab/object-cache allocator layered
// on pmm: fixed-size object caches with full/partial/empty slab
// migration, plus a kmalloc-style general allocator with fixed
// size classes (§3 "Slab cache", §4.2).
package slab

import (
	"encoding/binary"
	"sync"

	"mazarin-core/internal/kerrors"
	"mazarin-core/internal/pmm"
)

// Flags configure a Cache (§4.2).
type Flags uint8

const (
	// FlagHWCacheAlign aligns objects to a cache-line boundary.
	FlagHWCacheAlign Flags = 1 << iota
	// FlagPoison fills freed objects with a sentinel byte, except at
	// the embedded freelist pointer.
	FlagPoison
	// FlagRedZone adds guard bytes before and after each object.
	FlagRedZone
	// FlagTrackCaller is accepted but records nothing: a Cache keeps no
	// allocation-site information.
	FlagTrackCaller
	// FlagZeroed zeroes the returned object and overrides FlagPoison's
	// pre-fill on alloc.
	FlagZeroed
)

const (
	poisonByte  = 0x6b // matches the conventional Linux SLAB poison value
	cacheLine   = 64
	redZoneSize = 8
	redZoneByte = 0xa5
)

// Slab is one or more contiguous frames from pmm, divided into
// fixed-size objects linked by an embedded freelist.
type Slab struct {
	cache     *Cache
	frame     pmm.FrameNum
	order     int8
	storage   []byte
	objects   int
	freeHead  int32 // index of first free object, or -1
	inUse     int
	next, prev *Slab
}

// list identifies which of a cache's three slab lists a Slab is on.
type list int

const (
	listFull list = iota
	listPartial
	listEmpty
)

// Object is a handle to a live allocation: its bytes, plus enough
// back-reference to validate and free it.
type Object struct {
	Bytes []byte
	slab  *Slab
	index int
}

// Cache is C2's named allocator for one fixed object size.
type Cache struct {
	mu sync.Mutex

	name  string
	size  uintptr
	align uintptr
	flags Flags
	ctor  func([]byte)

	objSize        uintptr // size rounded up to align, plus red zones
	objectsPerSlab int
	slabOrder      int8

	lists [3]*Slab // doubly linked list heads for full/partial/empty
	where map[*Slab]list

	alloc *pmm.Allocator

	allocCount, freeCount uint64
}

// New creates a cache for fixed-size objects backed by alloc (§4.2
// "cache_create").
func New(alloc *pmm.Allocator, name string, size, align uintptr, flags Flags, ctor func([]byte)) *Cache {
	if align == 0 {
		align = 8
	}
	if flags&FlagHWCacheAlign != 0 && align < cacheLine {
		align = cacheLine
	}

	objSize := alignUp(size, align)
	if flags&FlagRedZone != 0 {
		objSize += 2 * redZoneSize
	}
	// The embedded freelist pointer overlays the first 4 bytes of a
	// free object's payload; every object must be large enough to
	// hold it.
	if objSize < 4 {
		objSize = 4
	}

	c := &Cache{
		name: name, size: size, align: align, flags: flags, ctor: ctor,
		objSize: objSize, alloc: alloc,
		where: make(map[*Slab]list),
	}
	c.slabOrder, c.objectsPerSlab = pickSlabShape(objSize)
	return c
}

func alignUp(n, align uintptr) uintptr {
	if align == 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// pickSlabShape chooses the smallest pmm order whose frames hold at
// least a handful of objects, capped at pmm.MaxOrder.
func pickSlabShape(objSize uintptr) (int8, int) {
	for order := int8(0); order <= pmm.MaxOrder; order++ {
		span := uintptr(1<<uint(order)) * pmm.PageSize
		n := int(span / objSize)
		if n >= 8 || order == pmm.MaxOrder {
			if n < 1 {
				n = 1
			}
			return order, n
		}
	}
	return pmm.MaxOrder, 1
}

// Alloc returns an object from the cache's partial list, or from a
// freshly allocated slab if none is partial (§4.2 "cache_alloc").
func (c *Cache) Alloc(flags Flags) (*Object, error) {
	c.mu.Lock()

	s := c.lists[listPartial]
	if s == nil {
		// Allocating a new slab calls into pmm; release the cache lock
		// across that call so C2 -> C1 is never held across a lock-order
		// inversion (§5).
		c.mu.Unlock()
		ns, err := c.newSlab()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.pushList(ns, listPartial)
		s = ns
	}

	idx := s.freeHead
	objOff := int(idx) * int(c.objSize)
	obj := s.storage[objOff : objOff+int(c.objSize)]

	s.freeHead = int32(binary.LittleEndian.Uint32(obj[:4]))
	s.inUse++

	if s.freeHead == -1 || s.inUse == s.objects {
		c.moveList(s, listFull)
	}
	c.allocCount++
	c.mu.Unlock()

	payload := objPayload(obj, c.flags)
	if flags&FlagZeroed != 0 {
		clear(payload)
	} else if c.ctor != nil {
		c.ctor(payload)
	}
	if c.flags&FlagRedZone != 0 {
		writeRedZones(obj)
	}

	return &Object{Bytes: payload, slab: s, index: int(idx)}, nil
}

// Free returns obj to its cache (§4.2 "cache_free").
func (c *Cache) Free(obj *Object) error {
	s := obj.slab
	if s.cache != c {
		return kerrors.New(kerrors.InvalidArgument, "slab", "object does not belong to this cache", nil)
	}

	raw := s.storage[obj.index*int(c.objSize) : (obj.index+1)*int(c.objSize)]
	if c.flags&FlagRedZone != 0 {
		if !checkRedZones(raw) {
			return kerrors.New(kerrors.InvalidArgument, "slab", "red zone corrupted", nil, "cache", c.name)
		}
	}
	if c.flags&FlagPoison != 0 {
		poisonPayload(objPayload(raw, c.flags))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wasFull := s.inUse == s.objects
	binary.LittleEndian.PutUint32(raw[:4], uint32(int32(s.freeHead)))
	s.freeHead = int32(obj.index)
	s.inUse--
	c.freeCount++

	switch {
	case wasFull:
		c.moveList(s, listPartial)
	case s.inUse == 0:
		c.moveList(s, listEmpty)
		c.reclaimEmpty(s)
	}
	return nil
}

// reclaimEmpty returns an empty slab's frames to pmm provided at least
// one partial slab remains for the cache (§4.2 "background policy").
func (c *Cache) reclaimEmpty(s *Slab) {
	if c.lists[listPartial] == nil {
		return
	}
	c.unlink(s)
	delete(c.where, s)
	c.alloc.FreeFrames(s.frame, int(s.order))
}

func (c *Cache) newSlab() (*Slab, error) {
	frame, err := c.alloc.AllocFrames(int(c.slabOrder), pmm.FlagZoneNormal|pmm.FlagRefillOK, 0)
	if err != nil {
		return nil, err
	}
	storage := c.alloc.Bytes(frame, int(c.slabOrder))

	s := &Slab{cache: c, frame: frame, order: c.slabOrder, storage: storage, objects: c.objectsPerSlab}
	for i := 0; i < s.objects; i++ {
		off := i * int(c.objSize)
		next := int32(i + 1)
		if i == s.objects-1 {
			next = -1
		}
		binary.LittleEndian.PutUint32(storage[off:off+4], uint32(next))
	}
	s.freeHead = 0
	return s, nil
}

func (c *Cache) pushList(s *Slab, l list) {
	s.next = c.lists[l]
	s.prev = nil
	if c.lists[l] != nil {
		c.lists[l].prev = s
	}
	c.lists[l] = s
	c.where[s] = l
}

func (c *Cache) unlink(s *Slab) {
	l := c.where[s]
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		c.lists[l] = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
}

func (c *Cache) moveList(s *Slab, to list) {
	c.unlink(s)
	c.pushList(s, to)
}

// Stats reports counters used by the §8 testable property that
// allocations minus frees equals the sum of in-use counts.
func (c *Cache) Stats() (allocs, frees uint64, inUse int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range []list{listFull, listPartial, listEmpty} {
		for s := c.lists[l]; s != nil; s = s.next {
			inUse += s.inUse
		}
	}
	return c.allocCount, c.freeCount, inUse
}

func objPayload(raw []byte, flags Flags) []byte {
	if flags&FlagRedZone != 0 {
		return raw[redZoneSize : len(raw)-redZoneSize]
	}
	return raw
}

func writeRedZones(raw []byte) {
	for i := 0; i < redZoneSize; i++ {
		raw[i] = redZoneByte
		raw[len(raw)-1-i] = redZoneByte
	}
}

func checkRedZones(raw []byte) bool {
	for i := 0; i < redZoneSize; i++ {
		if raw[i] != redZoneByte || raw[len(raw)-1-i] != redZoneByte {
			return false
		}
	}
	return true
}

func poisonPayload(payload []byte) {
	// Leave the first 4 bytes alone: they hold the embedded freelist
	// link, which Free writes there once poisoning is done.
	for i := 4; i < len(payload); i++ {
		payload[i] = poisonByte
	}
}
