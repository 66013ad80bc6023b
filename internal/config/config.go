// Package config loads the core's boot-time configuration: zone
// boundaries, NUMA topology, hot-plug polling, and NVMe timeouts. It
// follows dswarbrick-smart's gopkg.in/yaml.v2 struct-tag style
// (`yaml:",omitempty"`) for a human-editable boot manifest.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// NodeConfig describes one NUMA node's frame range, in frame numbers
// (§4.1 "NodeConfig").
type NodeConfig struct {
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end"`
}

// ZoneConfig bounds the DMA and DMA32 zones, in frame numbers (§4.1).
type ZoneConfig struct {
	DMALimit   uint32 `yaml:"dma_limit"`
	DMA32Limit uint32 `yaml:"dma32_limit"`
}

// HotPlugConfig configures C6's detection loop (§4.6).
type HotPlugConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`
	QueueCapacity int           `yaml:"queue_capacity,omitempty"`
}

// NVMeConfig configures C5's bring-up and synchronous command path
// (§4.5).
type NVMeConfig struct {
	ECAMBase          uint64        `yaml:"ecam_base"`
	BAR0              uint64        `yaml:"bar0"`
	AdminTimeout      time.Duration `yaml:"admin_timeout,omitempty"`
	IOTimeout         time.Duration `yaml:"io_timeout,omitempty"`
	MaxIOQueues       int           `yaml:"max_io_queues,omitempty"`
}

// BootConfig is the top-level, YAML-loadable boot manifest.
type BootConfig struct {
	ArenaBytes int `yaml:"arena_bytes"`

	Nodes    []NodeConfig `yaml:"nodes"`
	Distance [][]int      `yaml:"distance,omitempty"`
	Zones    ZoneConfig   `yaml:"zones"`

	HotPlug HotPlugConfig `yaml:"hotplug,omitempty"`
	NVMe    NVMeConfig    `yaml:"nvme"`

	Debug bool `yaml:"debug,omitempty"`
}

// Default returns a single-node BootConfig sized for the test harness
// and cmd/kernelsim demo: one NUMA node, a 1 MiB DMA zone, a 64 MiB
// DMA32 zone, everything above that ZoneNormal.
func Default() BootConfig {
	const (
		pageSize    = 4096
		totalFrames = 16384 // 64 MiB arena
		dmaFrames   = 256   // 1 MiB
		dma32Frames = 16384 // entire demo arena, in practice most hosts exceed this
	)
	return BootConfig{
		ArenaBytes: totalFrames * pageSize,
		Nodes:      []NodeConfig{{Start: 0, End: totalFrames}},
		Distance:   [][]int{{10}},
		Zones:      ZoneConfig{DMALimit: dmaFrames, DMA32Limit: dma32Frames},
		HotPlug:    HotPlugConfig{PollInterval: 50 * time.Millisecond, QueueCapacity: 256},
		NVMe: NVMeConfig{
			ECAMBase:     0x3000_0000,
			BAR0:         0x4000_0000,
			AdminTimeout: 60 * time.Second,
			IOTimeout:    30 * time.Second,
			MaxIOQueues:  64,
		},
	}
}

// Load reads a BootConfig from a YAML file at path, starting from
// Default() so an omitted section keeps its default value.
func Load(path string) (BootConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
