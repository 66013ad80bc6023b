package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"mazarin-core/internal/config"
	"mazarin-core/internal/hal/simhal"
	"mazarin-core/internal/kernlog"
	"mazarin-core/internal/pmm"
)

// These tests drive the exact §8 end-to-end scenarios the CLI runs
// under --scenario all, against the same simulated platform, so the
// scenario functions stay honest independent of the binary's own exit
// code checking.

func newHarness(t *testing.T) (*simhal.HAL, *pmm.Allocator, config.BootConfig, *kernlog.Logger) {
	t.Helper()
	cfg := config.Default()
	log := kernlog.New(io.Discard)

	h, err := simhal.New(cfg.ArenaBytes)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	alloc, err := pmm.New(h, pmmConfig(cfg, log))
	require.NoError(t, err)

	return h, alloc, cfg, log
}

func TestScenarioFrames(t *testing.T) {
	_, alloc, _, _ := newHarness(t)
	require.NoError(t, scenarioFrames(alloc))
}

func TestScenarioSlab(t *testing.T) {
	_, alloc, _, _ := newHarness(t)
	require.NoError(t, scenarioSlab(alloc))
}

func TestScenarioVMM(t *testing.T) {
	_, alloc, _, _ := newHarness(t)
	require.NoError(t, scenarioVMM(alloc))
}

func TestScenarioNVMe(t *testing.T) {
	h, alloc, cfg, log := newHarness(t)
	require.NoError(t, scenarioNVMe(h, alloc, cfg, log))
}

func TestScenarioHotplug(t *testing.T) {
	h, _, cfg, log := newHarness(t)
	require.NoError(t, scenarioHotplug(h, cfg, log))
}

// TestScenarioAll runs every §8 scenario in sequence against one
// platform instance, mirroring --scenario all end to end.
func TestScenarioAll(t *testing.T) {
	h, alloc, cfg, log := newHarness(t)
	require.NoError(t, scenarioFrames(alloc))
	require.NoError(t, scenarioSlab(alloc))
	require.NoError(t, scenarioVMM(alloc))
	require.NoError(t, scenarioNVMe(h, alloc, cfg, log))
	require.NoError(t, scenarioHotplug(h, cfg, log))
}
