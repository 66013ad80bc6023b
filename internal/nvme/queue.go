package nvme

import (
	"time"

	"mazarin-core/internal/hal"
	"mazarin-core/internal/kerrors"
)

// QueuePair is C4: one submission ring and one completion ring sharing
// a command-id space, plus the doorbells that hand ownership of
// entries between host and controller (§3 "NVMe queue pair", §4.4).
type QueuePair struct {
	id int

	h hal.HAL
	mu hal.Spinlock

	sq       []byte // size*CommandSize bytes, DMA-coherent
	cq       []byte // size*CompletionSize bytes, DMA-coherent
	size     int
	sqTail   int
	cqHead   int
	cqPhase  bool

	sqDoorbell uintptr
	cqDoorbell uintptr

	pending map[uint16]*pendingRequest
}

type pendingRequest struct {
	done      chan Completion
	abandoned bool
}

// NewQueuePair wires a host-allocated SQ/CQ pair to a controller's
// doorbell registers. sq and cq must each be sized size*entry-size,
// DMA-coherent, and already registered with the controller via the
// appropriate admin commands (§4.5 "Reset -> AdminUp",
// "Identified -> QueuesUp").
func NewQueuePair(id int, h hal.HAL, sq, cq []byte, size int, sqDoorbell, cqDoorbell uintptr) *QueuePair {
	return &QueuePair{
		id: id, h: h, mu: h.NewSpinlock(),
		sq: sq, cq: cq, size: size,
		cqPhase:    true,
		sqDoorbell: sqDoorbell, cqDoorbell: cqDoorbell,
		pending: make(map[uint16]*pendingRequest),
	}
}

// Submit assigns cmd a command id, copies it into the next SQ slot,
// and rings the SQ doorbell (§4.4 "Submission"). It fails with
// QueueFull if the ring has no free slot.
func (q *QueuePair) Submit(cmd Command) (uint16, <-chan Completion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := (q.sqTail + 1) % q.size
	if next == q.cqHead {
		return 0, nil, kerrors.New(kerrors.QueueFull, "nvme", "submission queue full", nil, "queue", q.id)
	}

	id := uint16(q.sqTail)
	cmd.CommandID = id
	cmd.encode(q.sq[q.sqTail*CommandSize : (q.sqTail+1)*CommandSize])

	req := &pendingRequest{done: make(chan Completion, 1)}
	q.pending[id] = req

	q.sqTail = next
	// A memory-write barrier precedes every doorbell write (§4.4); Go's
	// memory model already orders the preceding writes to q.sq against
	// this one through the spinlock release on MMIOWrite's caller side,
	// but the HAL is still the authority that issues the platform
	// barrier before the store reaches the device.
	q.h.MMIOWrite(q.sqDoorbell, hal.Width32, uint64(q.sqTail))

	return id, req.done, nil
}

// PollOnce inspects the entry at cq_head and, if its phase bit
// matches the queue's expected phase, accepts it: advances cq_head,
// flips cq_phase on wraparound, rings the CQ doorbell, and delivers
// the completion to its originating request regardless of arrival
// order (§4.4 "Completion polling", "Ordering guarantees"). It reports
// whether a completion was accepted.
func (q *QueuePair) PollOnce() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.cq[q.cqHead*CompletionSize : (q.cqHead+1)*CompletionSize]
	c := decodeCompletion(entry)
	// A read barrier follows every CQ read (§4.4); the HAL's MMIO
	// accessors are the only platform-ordered operations this
	// simulation models, so the phase-bit check below stands in for
	// that barrier's effect of not observing a stale entry.
	if c.Phase != q.cqPhase {
		return false
	}

	q.cqHead = (q.cqHead + 1) % q.size
	if q.cqHead == 0 {
		q.cqPhase = !q.cqPhase
	}
	q.h.MMIOWrite(q.cqDoorbell, hal.Width32, uint64(q.cqHead))

	req, ok := q.pending[c.CommandID]
	delete(q.pending, c.CommandID)
	if ok && !req.abandoned {
		req.done <- c
	}
	return true
}

// SubmitSync submits cmd and blocks until its completion arrives or
// timeout elapses, polling the CQ with short sleeps in between (§4.5
// "Synchronous command path"). On timeout the slot remains reserved;
// the pending entry is marked abandoned so a late completion is
// dropped instead of delivered to a channel nobody reads.
func (q *QueuePair) SubmitSync(cmd Command, timeout time.Duration) (Completion, error) {
	id, done, err := q.Submit(cmd)
	if err != nil {
		return Completion{}, err
	}

	const pollInterval = time.Millisecond
	deadline := q.h.Now() + int64(timeout)

	for {
		select {
		case c, ok := <-done:
			if !ok {
				return Completion{}, kerrors.New(kerrors.ControllerDead, "nvme", "controller failed with command outstanding", nil,
					"queue", q.id, "command_id", id)
			}
			return c, nil
		default:
		}

		q.PollOnce()

		select {
		case c, ok := <-done:
			if !ok {
				return Completion{}, kerrors.New(kerrors.ControllerDead, "nvme", "controller failed with command outstanding", nil,
					"queue", q.id, "command_id", id)
			}
			return c, nil
		default:
		}

		if q.h.Now() >= deadline {
			q.mu.Lock()
			if req, ok := q.pending[id]; ok {
				req.abandoned = true
			}
			q.mu.Unlock()
			return Completion{}, kerrors.New(kerrors.Timeout, "nvme", "command did not complete in time", nil,
				"queue", q.id, "command_id", id)
		}
		q.h.Sleep(pollInterval)
	}
}

// FailAll closes the completion channel of every outstanding request,
// used when CSTS.CFS is observed (§4.5 "Failure semantics"); SubmitSync
// reports a closed channel as ControllerDead.
func (q *QueuePair) FailAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, req := range q.pending {
		if !req.abandoned {
			req.abandoned = true
			close(req.done)
		}
		delete(q.pending, id)
	}
}
