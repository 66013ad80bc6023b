// Package driver implements C7, the glue between discovered devices
// and the code that knows how to run them: device records, a driver
// registry with idempotent registration and linear match/probe
// lookup, grounded in google-periph's conn/i2c/i2creg bus registry
// (§3 "Device record", "Driver", §4.7).
package driver

import (
	"sync"

	"mazarin-core/internal/kerrors"
)

// ClassTriple is a PCI-style class/subclass/programming-interface
// tuple, the coarse identity a Match predicate usually keys on.
type ClassTriple struct {
	Class, Subclass, ProgIF uint8
}

// Device is a stable record for one bus-discovered device (§4.7).
type Device struct {
	Name      string
	Class     ClassTriple
	VendorID  uint16
	ProductID uint16

	Bound *Driver
}

// Driver exposes a match predicate over device records and a probe
// function invoked once a device is matched (§4.7).
type Driver struct {
	Name  string
	Match func(*Device) bool
	Probe func(*Device) error
}

// Registry is the linear-lookup set of registered drivers (§4.7
// "driver count is small").
type Registry struct {
	mu      sync.Mutex
	drivers []*Driver
	byName  map[string]*Driver
}

// NewRegistry returns an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Driver)}
}

// Register adds d to the registry. Registering the same name twice
// with an identical *Driver value is a no-op; registering a different
// driver under a name already in use is an error (§4.7 "Registration
// is idempotent").
func (r *Registry) Register(d *Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[d.Name]; ok {
		if existing == d {
			return nil
		}
		return kerrors.New(kerrors.InvalidArgument, "driver", "driver name already registered", nil, "name", d.Name)
	}
	r.byName[d.Name] = d
	r.drivers = append(r.drivers, d)
	return nil
}

// All returns the registered drivers in registration order.
func (r *Registry) All() []*Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Driver(nil), r.drivers...)
}

// Bind finds the first registered driver whose Match accepts dev, in
// registration order, and runs its Probe. A probe error or no match
// surfaces as a BindFailure (§7).
func (r *Registry) Bind(dev *Device) error {
	for _, d := range r.All() {
		if !d.Match(dev) {
			continue
		}
		if err := d.Probe(dev); err != nil {
			return kerrors.New(kerrors.BindFailure, "driver", "probe failed", err, "driver", d.Name, "device", dev.Name)
		}
		dev.Bound = d
		return nil
	}
	return kerrors.New(kerrors.BindFailure, "driver", "no driver matched", nil, "device", dev.Name)
}
