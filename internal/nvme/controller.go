package nvme

import (
	"sync"
	"time"

	"mazarin-core/internal/hal"
	"mazarin-core/internal/kerrors"
	"mazarin-core/internal/kernlog"
	"mazarin-core/internal/pmm"
)

// State is a controller's bring-up state (§4.5 "Bring-up state machine").
type State int

const (
	Probed State = iota
	Reset
	AdminUp
	Enabled
	Identified
	QueuesUp
	Live
	Dead
)

func (s State) String() string {
	switch s {
	case Probed:
		return "probed"
	case Reset:
		return "reset"
	case AdminUp:
		return "admin-up"
	case Enabled:
		return "enabled"
	case Identified:
		return "identified"
	case QueuesUp:
		return "queues-up"
	case Live:
		return "live"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	resetTimeout      = 5 * time.Second
	adminCommandTimeout = 60 * time.Second
	ioCommandTimeout    = 30 * time.Second

	ioSQEntrySizeExp = 6 // log2(64)
	ioCQEntrySizeExp = 4 // log2(16)

	maxAdminQueueDepth = 32
	maxIOQueues        = 64
)

// Namespace is a discovered NVMe namespace (§4.5 "QueuesUp -> Live").
type Namespace struct {
	ID   uint32
	Size uint64 // Nsze, in logical blocks
	Used uint64 // Nuse, in logical blocks
}

// Identity summarizes the fields of Identify Controller the bring-up
// sequence records (§4.5 "Enabled -> Identified").
type Identity struct {
	VendorID          uint16
	SerialNumber      string
	ModelNumber       string
	MaxTransferPages  int // derived from MDTS; 0 means unbounded
	NumNamespaces     uint32
	OptionalAdminCmds uint16
	HMBPreferredPages uint32
	SGLSupported      bool
}

// Controller is C5: bring-up, identify, queue creation, and the
// synchronous command path layered over one admin QueuePair and an
// array of I/O QueuePairs (§3 "NVMe controller", §4.5).
type Controller struct {
	mu sync.Mutex

	h     hal.HAL
	alloc *pmm.Allocator
	log   *kernlog.Logger

	base    uintptr // BAR0 MMIO base
	cap     CAP
	state   State

	admin     *QueuePair
	adminSQF  pmm.FrameNum
	adminCQF  pmm.FrameNum
	adminSQSz int
	adminCQSz int

	ioQueues []*QueuePair

	identity   Identity
	namespaces []Namespace
}

// New constructs a Controller bound to the MMIO register window at
// base. BringUp must be called before any command path is used.
func New(h hal.HAL, alloc *pmm.Allocator, base uintptr, log *kernlog.Logger) *Controller {
	if log == nil {
		log = kernlog.Default()
	}
	return &Controller{h: h, alloc: alloc, base: base, log: log, state: Probed}
}

func (c *Controller) reg32(off uintptr) uint32 { return uint32(c.h.MMIORead(c.base+off, hal.Width32)) }
func (c *Controller) reg64(off uintptr) uint64 { return c.h.MMIORead(c.base+off, hal.Width64) }
func (c *Controller) setReg32(off uintptr, v uint32) {
	c.h.MMIOWrite(c.base+off, hal.Width32, uint64(v))
}
func (c *Controller) setReg64(off uintptr, v uint64) { c.h.MMIOWrite(c.base+off, hal.Width64, v) }

// State reports the controller's current bring-up state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) fail(reason string) error {
	c.state = Dead
	if c.admin != nil {
		c.admin.FailAll()
	}
	for _, q := range c.ioQueues {
		q.FailAll()
	}
	return kerrors.New(kerrors.ControllerDead, "nvme", reason, nil)
}

// BringUp drives the controller through every state from Probed to
// Live (§4.5). numCPUs bounds how many I/O queues are requested.
func (c *Controller) BringUp(numCPUs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.doReset(); err != nil {
		return err
	}
	if err := c.doAdminUp(); err != nil {
		return err
	}
	if err := c.doEnable(); err != nil {
		return err
	}
	if err := c.doIdentify(); err != nil {
		return err
	}
	if err := c.doQueuesUp(numCPUs); err != nil {
		return err
	}
	return c.doLive()
}

// doReset clears CC.EN and waits for CSTS.RDY to drop (§4.5 "Probed -> Reset").
func (c *Controller) doReset() error {
	c.cap = DecodeCAP(c.reg64(RegCAP))
	c.setReg32(RegCC, 0)

	deadline := c.h.Now() + int64(resetTimeout)
	for {
		if !DecodeCSTS(c.reg32(RegCSTS)).Ready {
			c.state = Reset
			return nil
		}
		if c.h.Now() >= deadline {
			return c.fail("reset timed out")
		}
		c.h.Sleep(time.Millisecond)
	}
}

// doAdminUp allocates the admin SQ/CQ and programs their base
// addresses and AQA (§4.5 "Reset -> AdminUp").
func (c *Controller) doAdminUp() error {
	depth := int(c.cap.MQES) + 1
	if depth > maxAdminQueueDepth {
		depth = maxAdminQueueDepth
	}

	sqFrame, sqBuf, err := c.allocQueueMem(depth * CommandSize)
	if err != nil {
		return c.fail("admin sq allocation failed")
	}
	cqFrame, cqBuf, err := c.allocQueueMem(depth * CompletionSize)
	if err != nil {
		return c.fail("admin cq allocation failed")
	}

	c.adminSQF, c.adminCQF = sqFrame, cqFrame
	c.adminSQSz, c.adminCQSz = depth, depth

	c.setReg64(RegASQ, uint64(c.alloc.PhysAddr(sqFrame)))
	c.setReg64(RegACQ, uint64(c.alloc.PhysAddr(cqFrame)))
	c.setReg32(RegAQA, encodeAQA(depth, depth))

	dstride := c.cap.DoorbellStride()
	c.admin = NewQueuePair(0, c.h, sqBuf, cqBuf, depth, SQDoorbell(0, dstride), CQDoorbell(0, dstride))
	c.state = AdminUp
	return nil
}

func (c *Controller) allocQueueMem(bytes int) (pmm.FrameNum, []byte, error) {
	pages := (bytes + pmm.PageSize - 1) / pmm.PageSize
	order := 0
	for (1 << order) < pages {
		order++
	}
	frame, err := c.alloc.AllocFrames(order, pmm.FlagZoneNormal|pmm.FlagZeroed|pmm.FlagRefillOK, 0)
	if err != nil {
		return 0, nil, err
	}
	return frame, c.alloc.Bytes(frame, order), nil
}

// doEnable sets CC.EN and waits for CSTS.RDY (§4.5 "AdminUp -> Enabled").
func (c *Controller) doEnable() error {
	c.setReg32(RegCC, encodeCC(true, ioSQEntrySizeExp, ioCQEntrySizeExp))

	timeout := time.Duration(c.cap.TO) * 500 * time.Millisecond
	deadline := c.h.Now() + int64(timeout)
	for {
		csts := DecodeCSTS(c.reg32(RegCSTS))
		if csts.Fatal {
			return c.fail("CSTS.CFS observed during enable")
		}
		if csts.Ready {
			c.state = Enabled
			return nil
		}
		if c.h.Now() >= deadline {
			return c.fail("enable timed out")
		}
		c.h.Sleep(time.Millisecond)
	}
}

// doIdentify submits Identify Controller and records the fields the
// core needs (§4.5 "Enabled -> Identified").
func (c *Controller) doIdentify() error {
	frame, buf, err := c.allocQueueMem(4096)
	if err != nil {
		return err
	}
	defer c.alloc.FreeFrames(frame, 0)

	cmd := Command{Opcode: OpIdentify, NSID: 0, PRP1: uint64(c.alloc.PhysAddr(frame)), CDW10: CNSController}
	resp, err := c.admin.SubmitSync(cmd, adminCommandTimeout)
	if err != nil {
		return err
	}
	if resp.StatusCode != 0 {
		return kerrors.New(kerrors.DeviceError, "nvme", "identify controller failed", nil, "status", resp.StatusCode)
	}

	c.identity = parseIdentity(buf)
	c.state = Identified
	return nil
}

// doQueuesUp negotiates the queue count and creates one CQ/SQ pair
// per granted queue (§4.5 "Identified -> QueuesUp").
func (c *Controller) doQueuesUp(numCPUs int) error {
	want := numCPUs
	if want > maxIOQueues {
		want = maxIOQueues
	}
	if want < 1 {
		want = 1
	}

	setFeat := Command{Opcode: OpSetFeatures, CDW10: FeatureNumQueues, CDW11: uint32(want-1) | uint32(want-1)<<16}
	resp, err := c.admin.SubmitSync(setFeat, adminCommandTimeout)
	if err != nil {
		return err
	}
	granted := int(resp.Result&0xffff) + 1
	if granted > want {
		granted = want
	}

	dstride := c.cap.DoorbellStride()
	const ioDepth = 256

	for i := 1; i <= granted; i++ {
		cqFrame, cqBuf, err := c.allocQueueMem(ioDepth * CompletionSize)
		if err != nil {
			return err
		}
		createCQ := Command{
			Opcode: OpCreateIOCQ,
			PRP1:   uint64(c.alloc.PhysAddr(cqFrame)),
			CDW10:  uint32(ioDepth-1)<<16 | uint32(i),
			CDW11:  1, // physically contiguous
		}
		if resp, err := c.admin.SubmitSync(createCQ, adminCommandTimeout); err != nil {
			return err
		} else if resp.StatusCode != 0 {
			return kerrors.New(kerrors.DeviceError, "nvme", "create io cq failed", nil, "queue", i, "status", resp.StatusCode)
		}

		sqFrame, sqBuf, err := c.allocQueueMem(ioDepth * CommandSize)
		if err != nil {
			return err
		}
		createSQ := Command{
			Opcode: OpCreateIOSQ,
			PRP1:   uint64(c.alloc.PhysAddr(sqFrame)),
			CDW10:  uint32(ioDepth-1)<<16 | uint32(i),
			CDW11:  uint32(i)<<16 | 1, // cqid, physically contiguous
		}
		if resp, err := c.admin.SubmitSync(createSQ, adminCommandTimeout); err != nil {
			return err
		} else if resp.StatusCode != 0 {
			return kerrors.New(kerrors.DeviceError, "nvme", "create io sq failed", nil, "queue", i, "status", resp.StatusCode)
		}

		q := NewQueuePair(i, c.h, sqBuf, cqBuf, ioDepth, SQDoorbell(i, dstride), CQDoorbell(i, dstride))
		c.ioQueues = append(c.ioQueues, q)
	}

	c.state = QueuesUp
	return nil
}

// doLive scans namespaces 1..N and accepts those with nonzero size
// (§4.5 "QueuesUp -> Live"). Host Memory Buffer setup and write-cache
// enabling are optional per the spec and are left to a future driver-
// level policy layer; the bring-up sequence still reaches Live without
// them.
func (c *Controller) doLive() error {
	frame, buf, err := c.allocQueueMem(4096)
	if err != nil {
		return err
	}
	defer c.alloc.FreeFrames(frame, 0)

	n := c.identity.NumNamespaces
	if n > 1024 {
		n = 1024 // bound the scan; real hardware rarely exceeds this
	}
	for id := uint32(1); id <= n; id++ {
		cmd := Command{Opcode: OpIdentify, NSID: id, PRP1: uint64(c.alloc.PhysAddr(frame)), CDW10: CNSNamespace}
		resp, err := c.admin.SubmitSync(cmd, adminCommandTimeout)
		if err != nil {
			return err
		}
		if resp.StatusCode != 0 {
			continue
		}
		size := leUint64(buf[0:8])
		if size == 0 {
			continue
		}
		c.namespaces = append(c.namespaces, Namespace{ID: id, Size: size, Used: leUint64(buf[16:24])})
	}

	c.state = Live
	return nil
}

// Identity returns the controller's recorded identify-controller
// fields. Valid once State() is at least Identified.
func (c *Controller) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Namespaces returns the namespaces discovered during bring-up. Valid
// once State() is Live.
func (c *Controller) Namespaces() []Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Namespace(nil), c.namespaces...)
}

// IOQueue returns the i'th I/O queue pair (1-based, matching the
// queue ids assigned during QueuesUp), or nil if out of range.
func (c *Controller) IOQueue(i int) *QueuePair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 1 || i > len(c.ioQueues) {
		return nil
	}
	return c.ioQueues[i-1]
}

func parseIdentity(buf []byte) Identity {
	return Identity{
		VendorID:          leUint16(buf[0:2]),
		SerialNumber:      trimASCII(buf[4:24]),
		ModelNumber:       trimASCII(buf[24:64]),
		MaxTransferPages:  mdtsToPages(buf[77]),
		NumNamespaces:     leUint32(buf[516:520]),
		OptionalAdminCmds: leUint16(buf[256:258]),
		HMBPreferredPages: leUint32(buf[272:276]),
		SGLSupported:      leUint32(buf[536:540]) != 0,
	}
}

func mdtsToPages(mdts uint8) int {
	if mdts == 0 {
		return 0
	}
	return 1 << mdts
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
