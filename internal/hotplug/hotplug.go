// Package hotplug implements C6: a bus-scan detection loop decoupled
// from a driver-binding event loop through a bounded queue, the way
// iansmith-mazarin's PCI scan (bus/slot/function, vendor-id 0xFFFF
// meaning "absent") walks a bus, generalized here to arrival/removal
// events and a device state machine (§3 "Hot-plug manager", §4.6).
package hotplug

import (
	"time"

	"gopkg.in/tomb.v2"

	"mazarin-core/internal/driver"
	"mazarin-core/internal/hal"
	"mazarin-core/internal/kernlog"
)

// BusAddress identifies a device's location on its bus, generalizing
// iansmith-mazarin's (bus, slot, function) PCI coordinate.
type BusAddress struct {
	Bus, Device, Function uint8
}

// BusEntry is one device visible in a single bus scan.
type BusEntry struct {
	Addr      BusAddress
	VendorID  uint16
	ProductID uint16
	Class     driver.ClassTriple
}

// BusIterator performs one pass over a bus, returning every currently
// present device. A device is "present" exactly when the iterator
// includes it — the iterator itself is responsible for the
// vendor-id-0xFFFF-means-absent check a real PCI config read would
// need (§4.6 "removals... a PCIe config read returning all-ones").
type BusIterator interface {
	Scan() ([]BusEntry, error)
}

// State is a managed device's position in the hot-plug state machine
// (§4.6 "State machine per device").
type State int

const (
	Arriving State = iota
	Active
	Failed
	Removing
	Removed
)

func (s State) String() string {
	switch s {
	case Arriving:
		return "arriving"
	case Active:
		return "active"
	case Failed:
		return "failed"
	case Removing:
		return "removing"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// ManagedDevice is one entry in the manager's device list.
type ManagedDevice struct {
	Addr  BusAddress
	Entry BusEntry
	State State
	Dev   *driver.Device
}

type eventKind int

const (
	eventArrival eventKind = iota
	eventRemoval
)

type event struct {
	kind  eventKind
	addr  BusAddress
	entry BusEntry
}

const (
	// DefaultPollInterval is the detection loop's default bus-scan
	// cadence (§4.6 "polls buses at a configurable interval").
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultQueueCapacity is the default bound on the arrival/removal
	// event queue (§4.6).
	DefaultQueueCapacity = 256
)

// Manager runs C6: a single-threaded detection loop comparing
// successive bus scans, and a single-threaded event loop that binds
// drivers to arrived devices and retires removed ones, communicating
// only through a bounded event queue (§4.6 "Ordering and concurrency").
type Manager struct {
	h        hal.HAL
	iter     BusIterator
	registry *driver.Registry
	log      *kernlog.Logger

	interval time.Duration
	queue    chan event
	t        tomb.Tomb

	devices map[BusAddress]*ManagedDevice
	// notify, if set, is invoked on the event-processing goroutine
	// after a device's state changes, for callers (cmd/kernelsim, tests)
	// observing bring-up without polling the device list.
	notify func(*ManagedDevice)
}

// NewManager builds a hot-plug manager. interval and queueCapacity
// fall back to their documented defaults when zero.
func NewManager(h hal.HAL, iter BusIterator, registry *driver.Registry, interval time.Duration, queueCapacity int, log *kernlog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if log == nil {
		log = kernlog.Default()
	}
	return &Manager{
		h: h, iter: iter, registry: registry, log: log,
		interval: interval,
		queue:    make(chan event, queueCapacity),
		devices:  make(map[BusAddress]*ManagedDevice),
	}
}

// OnTransition registers a callback invoked from the event-processing
// goroutine whenever a device's state changes.
func (m *Manager) OnTransition(fn func(*ManagedDevice)) { m.notify = fn }

// Start launches the detection and event-processing loops.
func (m *Manager) Start() {
	m.t.Go(m.detectionLoop)
	m.t.Go(m.eventLoop)
}

// Stop signals both loops to exit and waits for them.
func (m *Manager) Stop() error {
	m.t.Kill(nil)
	return m.t.Wait()
}

// Devices returns a snapshot of the managed device list.
func (m *Manager) Devices() []*ManagedDevice {
	out := make([]*ManagedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// detectionLoop polls the bus at m.interval, diffing each scan
// against the previous one to find arrivals and removals. It never
// holds a lock across a scan and never blocks on a full queue (§4.6
// "Bounded latency contract", "must not hold locks across bus scans").
func (m *Manager) detectionLoop() error {
	seen := make(map[BusAddress]BusEntry)
	for {
		select {
		case <-m.t.Dying():
			return nil
		default:
		}

		entries, err := m.iter.Scan()
		if err != nil {
			m.log.Error("hotplug: bus scan failed", kernlog.String("error", err.Error()))
			m.h.Sleep(m.interval)
			continue
		}

		present := make(map[BusAddress]BusEntry, len(entries))
		for _, e := range entries {
			present[e.Addr] = e
			if _, ok := seen[e.Addr]; !ok {
				m.enqueue(event{kind: eventArrival, addr: e.Addr, entry: e})
			}
		}
		for addr := range seen {
			if _, ok := present[addr]; !ok {
				m.enqueue(event{kind: eventRemoval, addr: addr})
			}
		}
		seen = present

		m.h.Sleep(m.interval)
	}
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.queue <- ev:
	default:
		m.log.Error("hotplug: event queue full, dropping event",
			kernlog.Int("bus", int(ev.addr.Bus)), kernlog.Int("device", int(ev.addr.Device)))
	}
}

// eventLoop consumes arrival/removal events and runs driver binding,
// which may block (§4.6 "bind runs on the event thread, never on the
// detection thread").
func (m *Manager) eventLoop() error {
	for {
		select {
		case <-m.t.Dying():
			return nil
		case ev := <-m.queue:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case eventArrival:
		m.handleArrival(ev)
	case eventRemoval:
		m.handleRemoval(ev)
	}
}

func (m *Manager) handleArrival(ev event) {
	dev := &driver.Device{
		Name:      busAddressName(ev.addr),
		Class:     ev.entry.Class,
		VendorID:  ev.entry.VendorID,
		ProductID: ev.entry.ProductID,
	}
	md := &ManagedDevice{Addr: ev.addr, Entry: ev.entry, State: Arriving, Dev: dev}
	m.devices[ev.addr] = md
	m.notifyState(md)

	if err := m.registry.Bind(dev); err != nil {
		md.State = Failed
		m.log.Error("hotplug: bind failed", kernlog.String("device", dev.Name), kernlog.String("error", err.Error()))
	} else {
		md.State = Active
	}
	m.notifyState(md)
}

func (m *Manager) handleRemoval(ev event) {
	md, ok := m.devices[ev.addr]
	if !ok {
		return
	}
	md.State = Removing
	m.notifyState(md)
	md.State = Removed
	m.notifyState(md)
	delete(m.devices, ev.addr)
}

func (m *Manager) notifyState(md *ManagedDevice) {
	if m.notify != nil {
		cp := *md
		m.notify(&cp)
	}
}

func busAddressName(a BusAddress) string {
	const hex = "0123456789abcdef"
	buf := []byte{hex[a.Bus>>4], hex[a.Bus&0xf], ':', hex[a.Device>>4], hex[a.Device&0xf], '.', hex[a.Function&0xf]}
	return string(buf)
}
