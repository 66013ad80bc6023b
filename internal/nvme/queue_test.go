package nvme_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mazarin-core/internal/hal/simhal"
	"mazarin-core/internal/kerrors"
	"mazarin-core/internal/nvme"
)

func newQueuePair(t *testing.T, size int) (*nvme.QueuePair, []byte) {
	t.Helper()
	h, err := simhal.New(1 << 16)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	sq := make([]byte, size*nvme.CommandSize)
	cq := make([]byte, size*nvme.CompletionSize)
	q := nvme.NewQueuePair(0, h, sq, cq, size, 0x1000, 0x1004)
	return q, cq
}

// writeCompletionAt forges a completion entry the way simnvme's device
// side would, without going through a running controller: it lets
// these tests drive PollOnce directly against known cq_head positions.
func writeCompletionAt(cq []byte, slot int, cmdID uint16, phase bool) {
	buf := cq[slot*nvme.CompletionSize : (slot+1)*nvme.CompletionSize]
	buf[12] = byte(cmdID)
	buf[13] = byte(cmdID >> 8)
	status := uint16(0)
	if phase {
		status |= 1
	}
	buf[14] = byte(status)
	buf[15] = byte(status >> 8)
}

// §8: with no completions draining the queue, exactly size-1 commands
// can be outstanding before Submit reports QueueFull — the ring always
// keeps one slot empty so a full queue is distinguishable from an
// empty one.
func TestSubmitQueueFullAtSizeMinusOne(t *testing.T) {
	const size = 8
	q, _ := newQueuePair(t, size)

	for i := 0; i < size-1; i++ {
		_, _, err := q.Submit(nvme.Command{Opcode: nvme.OpRead})
		require.NoError(t, err, "submission %d of %d should succeed", i, size-1)
	}

	_, _, err := q.Submit(nvme.Command{Opcode: nvme.OpRead})
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, kerrors.QueueFull, kind)
}

// §8: the completion phase bit the queue expects flips exactly on the
// completion whose acceptance wraps cq_head back to zero. Commands are
// drained as they're submitted so a size-entry ring can carry more
// than size-1 commands across two laps.
func TestPollOncePhaseFlipsOnWrap(t *testing.T) {
	const size = 4
	q, cq := newQueuePair(t, size)

	// One full lap through slots 0..size-1 at the initial phase, then
	// one more submission landing back at slot 0 under the flipped
	// phase.
	phases := []bool{true, true, true, true, false}
	for i, phase := range phases {
		id, _, err := q.Submit(nvme.Command{Opcode: nvme.OpRead})
		require.NoError(t, err)
		slot := i % size

		if i == len(phases)-1 {
			// The wrap has already flipped the expected phase, so an
			// entry still carrying the old phase must be rejected at
			// the wrapped slot.
			writeCompletionAt(cq, slot, id, !phase)
			require.False(t, q.PollOnce(), "stale phase must not be accepted after wraparound")
		}

		writeCompletionAt(cq, slot, id, phase)
		require.True(t, q.PollOnce(), "completion at slot %d (lap %d) should be accepted", slot, i/size)
	}
}

// SubmitSync must surface a command's completion once PollOnce
// observes it.
func TestSubmitSyncDeliversCompletion(t *testing.T) {
	const size = 4
	q, cq := newQueuePair(t, size)

	// The first command submitted on a fresh queue is always assigned
	// id 0, so its completion can be forged up front: SubmitSync polls
	// in a loop and will pick it up on its first pass regardless of
	// when the bytes were written.
	writeCompletionAt(cq, 0, 0, true)

	c, err := q.SubmitSync(nvme.Command{Opcode: nvme.OpRead}, 200*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 0, c.CommandID)
}
