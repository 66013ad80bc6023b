// Command kernelsim brings up the full core (C1-C7) against the
// simulated HAL and drives the §8 end-to-end scenarios as a scripted
// demo: frame allocation, a slab cache, demand paging and a write
// fault on a read-exec mapping, NVMe controller bring-up and a block
// read, and a hot-plug arrival.
// It is harness and demonstration code, not part of the core.
package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"mazarin-core/internal/config"
	"mazarin-core/internal/driver"
	"mazarin-core/internal/hal"
	"mazarin-core/internal/hal/simhal"
	"mazarin-core/internal/hotplug"
	"mazarin-core/internal/hotplug/pcibus"
	"mazarin-core/internal/kernlog"
	"mazarin-core/internal/nvme"
	"mazarin-core/internal/nvme/simnvme"
	"mazarin-core/internal/pmm"
	"mazarin-core/internal/slab"
	"mazarin-core/internal/vmm"
)

type options struct {
	ConfigPath string `short:"c" long:"config" description:"path to a YAML boot manifest; defaults to the built-in demo config" value-name:"PATH"`
	Scenario   string `short:"s" long:"scenario" description:"which §8 scenario to run" choice:"pmm" choice:"slab" choice:"vmm" choice:"nvme" choice:"hotplug" choice:"all" default:"all"`
	Quiet      bool   `short:"q" long:"quiet" description:"suppress informational logging"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "Runs the mazarin-core subsystems against a simulated platform and exercises the scenarios from the core's end-to-end test plan."
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kernelsim: loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logOut := os.Stderr
	log := kernlog.New(logOut)
	if opts.Quiet {
		kernlog.Level.Set(kernlog.Error)
	}

	h, err := simhal.New(cfg.ArenaBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelsim: building simulated HAL: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	alloc, err := pmm.New(h, pmmConfig(cfg, log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelsim: building frame allocator: %v\n", err)
		os.Exit(1)
	}

	run := func(name string, fn func() error) {
		if opts.Scenario != "all" && opts.Scenario != name {
			return
		}
		log.Info("kernelsim: running scenario", kernlog.String("scenario", name))
		if err := fn(); err != nil {
			fmt.Fprintf(os.Stderr, "kernelsim: scenario %q failed: %v\n", name, err)
			os.Exit(1)
		}
	}

	run("pmm", func() error { return scenarioFrames(alloc) })
	run("slab", func() error { return scenarioSlab(alloc) })
	run("vmm", func() error { return scenarioVMM(alloc) })
	run("nvme", func() error { return scenarioNVMe(h, alloc, cfg, log) })
	run("hotplug", func() error { return scenarioHotplug(h, cfg, log) })

	log.Info("kernelsim: done")
}

func pmmConfig(cfg config.BootConfig, log *kernlog.Logger) pmm.Config {
	nodes := make([]pmm.NodeConfig, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		nodes[i] = pmm.NodeConfig{Start: pmm.FrameNum(n.Start), End: pmm.FrameNum(n.End)}
	}
	return pmm.Config{
		Nodes:      nodes,
		Distance:   cfg.Distance,
		DMALimit:   pmm.FrameNum(cfg.Zones.DMALimit),
		DMA32Limit: pmm.FrameNum(cfg.Zones.DMA32Limit),
		Debug:      cfg.Debug,
		Log:        log,
	}
}

// scenarioFrames runs §8 scenario 1: an order-3 zeroed allocation from
// ZONE_NORMAL, checked for zero-fill and 32 KiB physical alignment.
func scenarioFrames(alloc *pmm.Allocator) error {
	const order = 3
	frame, err := alloc.AllocFrames(order, pmm.FlagZoneNormal|pmm.FlagZeroed, 0)
	if err != nil {
		return err
	}
	defer alloc.FreeFrames(frame, order)

	bytes := alloc.Bytes(frame, order)
	if bytes[0] != 0 || bytes[len(bytes)-1] != 0 {
		return fmt.Errorf("expected zeroed frame, first/last byte were %d/%d", bytes[0], bytes[len(bytes)-1])
	}
	phys := alloc.PhysAddr(frame)
	if phys%(8*pmm.PageSize) != 0 {
		return fmt.Errorf("physical address %#x is not 32 KiB aligned", phys)
	}
	fmt.Printf("pmm: order-3 zeroed allocation at phys %#x, %d bytes, zero-filled\n", phys, len(bytes))
	return nil
}

// scenarioSlab runs §8 scenario 2: 1000 allocations from a 64-byte,
// cache-line-aligned cache, freeing every other one.
func scenarioSlab(alloc *pmm.Allocator) error {
	cache := slab.New(alloc, "kernelsim-demo", 64, 64, slab.FlagHWCacheAlign, nil)

	objs := make([]*slab.Object, 1000)
	for i := range objs {
		obj, err := cache.Alloc(0)
		if err != nil {
			return err
		}
		objs[i] = obj
	}
	for i := 0; i < len(objs); i += 2 {
		if err := cache.Free(objs[i]); err != nil {
			return err
		}
		objs[i] = nil
	}
	_, _, inUse := cache.Stats()
	if inUse != 500 {
		return fmt.Errorf("expected 500 objects in use after freeing every other, got %d", inUse)
	}

	reused, err := cache.Alloc(0)
	if err != nil {
		return err
	}
	fmt.Printf("slab: 1000 allocated, 500 freed, in-use=%d, reuse landed at %p\n", inUse, &reused.Bytes[0])
	return nil
}

// scenarioVMM runs §8 scenarios 3 and 6: an anonymous mmap with demand
// paging across a page boundary, and a file-backed RX mapping whose
// write faults with Segfault.
func scenarioVMM(alloc *pmm.Allocator) error {
	as, err := vmm.NewAddressSpace(alloc)
	if err != nil {
		return err
	}
	defer as.Destroy()

	v, err := as.Mmap(0, 8192, vmm.ProtRead|vmm.ProtWrite|vmm.ProtUser, vmm.VMAPrivate|vmm.VMAAnonymous, nil, 0)
	if err != nil {
		return err
	}
	if _, ok := as.Translate(v); ok {
		return fmt.Errorf("expected no translation before any fault")
	}
	if err := vmm.PageFault(as, v, false); err != nil {
		return err
	}
	if err := vmm.PageFault(as, v+pmm.PageSize, false); err != nil {
		return err
	}
	if _, ok := as.Translate(v); !ok {
		return fmt.Errorf("expected a translation after the first fault")
	}
	fmt.Printf("vmm: mmap at %#x, two demand-paged frames installed\n", v)

	backing := &demoBacking{data: make([]byte, 16*1024)}
	for i := range backing.data {
		backing.data[i] = byte(i)
	}
	fv, err := as.Mmap(0, 16*1024, vmm.ProtRead|vmm.ProtExec|vmm.ProtUser, vmm.VMAPrivate|vmm.VMAFileBacked, backing, 0)
	if err != nil {
		return err
	}
	if err := vmm.PageFault(as, fv, false); err != nil {
		return err
	}
	if err := vmm.PageFault(as, fv+pmm.PageSize, false); err != nil {
		return err
	}
	if err := vmm.PageFault(as, fv, true); err == nil {
		return fmt.Errorf("expected a write fault against a read-exec mapping to segfault")
	}
	fmt.Printf("vmm: file-backed mapping at %#x, write correctly faulted\n", fv)
	return nil
}

type demoBacking struct{ data []byte }

func (b *demoBacking) ReadPage(offset int64, page []byte) error {
	n := copy(page, b.data[offset:])
	for i := n; i < len(page); i++ {
		page[i] = 0
	}
	return nil
}

// scenarioNVMe runs §8 scenario 4: bring up a controller, negotiate
// eight I/O queues, and perform a single-block read of LBA 0.
func scenarioNVMe(h *simhal.HAL, alloc *pmm.Allocator, cfg config.BootConfig, log *kernlog.Logger) error {
	const blockLen = 512
	nsData := make([]byte, 4*blockLen)
	for i := range nsData {
		nsData[i] = byte(i)
	}

	dev := simnvme.New(h, simnvme.Config{
		VendorID:     0x144d,
		SerialNumber: "kernelsim-0001",
		ModelNumber:  "kernelsim demo namespace",
		MDTS:         5,
		MQES:         1023,
		TO:           10,
		DSTRD:        0,
		Namespaces: []simnvme.Namespace{
			{ID: 1, Blocks: 4, BlockLen: blockLen, Data: nsData},
		},
	})
	h.RegisterMMIO(uintptr(cfg.NVMe.BAR0), 0x2000, dev)

	ctrl := nvme.New(h, alloc, uintptr(cfg.NVMe.BAR0), log)
	if err := ctrl.BringUp(8); err != nil {
		return err
	}
	if ctrl.State() != nvme.Live {
		return fmt.Errorf("expected controller to reach Live, got %s", ctrl.State())
	}

	identity := ctrl.Identity()
	if identity.NumNamespaces != 1 {
		return fmt.Errorf("expected nn=1, got %d", identity.NumNamespaces)
	}

	q := ctrl.IOQueue(1)
	if q == nil {
		return fmt.Errorf("expected at least one I/O queue")
	}

	dst := make([]byte, blockLen)
	if err := nvme.ReadBlocks(q, alloc, 1, 0, 1, blockLen, dst, 30*time.Second); err != nil {
		return err
	}
	for i := 0; i < blockLen; i++ {
		if dst[i] != nsData[i] {
			return fmt.Errorf("read LBA 0 mismatch at byte %d: got %d, want %d", i, dst[i], nsData[i])
		}
	}
	fmt.Printf("nvme: controller live, %d namespaces, LBA 0 read verified over %d queues\n", len(ctrl.Namespaces()), len(identityQueues(ctrl)))
	return nil
}

func identityQueues(ctrl *nvme.Controller) []int {
	var ids []int
	for i := 1; ctrl.IOQueue(i) != nil; i++ {
		ids = append(ids, i)
	}
	return ids
}

// scenarioHotplug runs §8 scenario 5: an ECAM-visible function at bus
// 0x12, device 0x00, function 0x00 with vendor id 0x144D appears, and
// a registered NVMe-class driver binds it within 100 ms.
func scenarioHotplug(h *simhal.HAL, cfg config.BootConfig, log *kernlog.Logger) error {
	const ecamBase = 0x5000_0000
	ecam := newFakeECAM()
	h.RegisterMMIO(ecamBase, 0x0200_0000, ecam)

	iter := &pcibus.Iterator{H: h, Base: ecamBase, Buses: 0x13}

	registry := driver.NewRegistry()
	bound := make(chan struct{}, 1)
	registry.Register(&driver.Driver{
		Name: "kernelsim-nvme",
		Match: func(d *driver.Device) bool {
			return d.VendorID == 0x144d
		},
		Probe: func(d *driver.Device) error {
			select {
			case bound <- struct{}{}:
			default:
			}
			return nil
		},
	})

	mgr := hotplug.NewManager(h, iter, registry, cfg.HotPlug.PollInterval, cfg.HotPlug.QueueCapacity, log)
	mgr.Start()
	defer mgr.Stop()

	ecam.addFunction(0x12, 0x00, 0x00, 0x144d, 0x1234)

	select {
	case <-bound:
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("expected the device to bind within 100ms")
	}

	for _, d := range mgr.Devices() {
		if d.State == hotplug.Active {
			fmt.Printf("hotplug: device %02x:%02x.%x reached Active\n", d.Addr.Bus, d.Addr.Device, d.Addr.Function)
			return nil
		}
	}
	return fmt.Errorf("expected an Active device record after binding")
}

// fakeECAM is a simhal.MMIODevice standing in for a PCIe ECAM
// configuration window: vendor id reads return 0xffff for every
// function except those added via addFunction, matching the
// absent-function convention pcibus.Iterator relies on.
type fakeECAM struct {
	functions map[uint32]ecamFunction
}

type ecamFunction struct {
	vendorID, deviceID uint16
}

func newFakeECAM() *fakeECAM {
	return &fakeECAM{functions: make(map[uint32]ecamFunction)}
}

func ecamKey(bus, slot, fn uint8) uint32 {
	return uint32(bus)<<16 | uint32(slot)<<8 | uint32(fn)
}

func (e *fakeECAM) addFunction(bus, slot, fn uint8, vendorID, deviceID uint16) {
	e.functions[ecamKey(bus, slot, fn)] = ecamFunction{vendorID: vendorID, deviceID: deviceID}
}

func (e *fakeECAM) removeFunction(bus, slot, fn uint8) {
	delete(e.functions, ecamKey(bus, slot, fn))
}

func (e *fakeECAM) MMIORead(offset uintptr, width hal.MMIOWidth) uint64 {
	bus := uint8((offset >> 20) & 0xff)
	slot := uint8((offset >> 15) & 0x1f)
	fn := uint8((offset >> 12) & 0x7)
	reg := offset & 0xfff

	f, ok := e.functions[ecamKey(bus, slot, fn)]
	if !ok {
		if reg == 0x00 {
			return 0xffff
		}
		return 0
	}
	switch reg {
	case 0x00:
		return uint64(f.vendorID)
	case 0x02:
		return uint64(f.deviceID)
	case 0x0e:
		return 0 // single-function header
	default:
		return 0
	}
}

func (e *fakeECAM) MMIOWrite(offset uintptr, width hal.MMIOWidth, value uint64) {}

var _ simhal.MMIODevice = (*fakeECAM)(nil)
