package nvme

import (
	"time"

	"mazarin-core/internal/kerrors"
	"mazarin-core/internal/pmm"
)

// ReadBlocks issues a single Read command on q for nblocks starting at
// lba on namespace nsid, using alloc to obtain a PRP1-addressable
// bounce buffer, and copies the result into dst. dst must be at least
// nblocks*blockLen bytes (§4.5 scenario 4: "a single-block read of
// LBA 0").
func ReadBlocks(q *QueuePair, alloc *pmm.Allocator, nsid uint32, lba uint64, nblocks, blockLen int, dst []byte, timeout time.Duration) error {
	order := orderForBytes(nblocks * blockLen)
	frame, err := alloc.AllocFrames(order, pmm.FlagZoneNormal, 0)
	if err != nil {
		return err
	}
	defer alloc.FreeFrames(frame, order)

	cmd := Command{
		Opcode: OpRead,
		NSID:   nsid,
		PRP1:   uint64(alloc.PhysAddr(frame)),
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  uint32(nblocks - 1),
	}
	resp, err := q.SubmitSync(cmd, timeout)
	if err != nil {
		return err
	}
	if resp.StatusCode != 0 {
		return kerrors.New(kerrors.DeviceError, "nvme", "read failed", nil, "status", resp.StatusCode, "lba", lba)
	}
	copy(dst, alloc.Bytes(frame, order)[:nblocks*blockLen])
	return nil
}

// WriteBlocks is ReadBlocks' counterpart: it copies src into a bounce
// buffer and issues a single Write command.
func WriteBlocks(q *QueuePair, alloc *pmm.Allocator, nsid uint32, lba uint64, nblocks, blockLen int, src []byte, timeout time.Duration) error {
	order := orderForBytes(nblocks * blockLen)
	frame, err := alloc.AllocFrames(order, pmm.FlagZoneNormal, 0)
	if err != nil {
		return err
	}
	defer alloc.FreeFrames(frame, order)

	copy(alloc.Bytes(frame, order), src[:nblocks*blockLen])

	cmd := Command{
		Opcode: OpWrite,
		NSID:   nsid,
		PRP1:   uint64(alloc.PhysAddr(frame)),
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  uint32(nblocks - 1),
	}
	resp, err := q.SubmitSync(cmd, timeout)
	if err != nil {
		return err
	}
	if resp.StatusCode != 0 {
		return kerrors.New(kerrors.DeviceError, "nvme", "write failed", nil, "status", resp.StatusCode, "lba", lba)
	}
	return nil
}

func orderForBytes(n int) int {
	order := 0
	size := pmm.PageSize
	for size < n {
		size <<= 1
		order++
	}
	return order
}
