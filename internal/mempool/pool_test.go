// SPDX-License-Identifier: MIT

package mempool

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribed/internal/gpuprobe"
)

func twoDevices() []gpuprobe.GPU {
	return []gpuprobe.GPU{
		{ID: 0, Name: "gpu-0", TotalGB: 24, FreeGB: 23},
		{ID: 1, Name: "gpu-1", TotalGB: 24, FreeGB: 23},
	}
}

func TestReserveRelease(t *testing.T) {
	p := New(twoDevices()[:1], Options{})

	est := p.EstimateFor(0, "large", 60)
	// base 10 GB, short audio, confidence 1.2
	assert.InDelta(t, 12.0, est, 0.001)

	require.True(t, p.Reserve(0, "large", est, "t1"))
	st := p.Status()[0]
	assert.InDelta(t, est, st.AllocatedGB, 0.001)
	assert.Equal(t, 1, st.Tasks)

	// Same task cannot reserve twice.
	assert.False(t, p.Reserve(0, "large", est, "t1"))

	gpu, amount, ok := p.Release("t1")
	require.True(t, ok)
	assert.Equal(t, 0, gpu)
	assert.InDelta(t, est, amount, 0.001)
	assert.Zero(t, p.Status()[0].AllocatedGB)

	// Release is idempotent.
	_, _, ok = p.Release("t1")
	assert.False(t, ok)
}

func TestAvailabilityBounds(t *testing.T) {
	p := New(twoDevices()[:1], Options{ReservedSystemGB: 1})

	// min(total - system - alloc, total*0.9 - alloc) = min(23, 21.6)
	st := p.Status()[0]
	assert.InDelta(t, 21.6, st.AvailableGB, 0.001)

	require.True(t, p.Reserve(0, "large", 12, "t1"))
	assert.InDelta(t, 9.6, p.Status()[0].AvailableGB, 0.001)

	ok, avail, reason := p.CanAdmit(0, "large", 60)
	assert.False(t, ok)
	assert.InDelta(t, 9.6, avail, 0.001)
	assert.Equal(t, ReasonPoolExhausted, reason)
}

func TestTaskLimit(t *testing.T) {
	p := New(twoDevices()[:1], Options{MaxTasksPerGPU: 2})

	require.True(t, p.Reserve(0, "tiny", 1.2, "t1"))
	require.True(t, p.Reserve(0, "tiny", 1.2, "t2"))

	ok, _, reason := p.CanAdmit(0, "tiny", 60)
	assert.False(t, ok)
	assert.Equal(t, ReasonTaskLimit, reason)
	assert.False(t, p.Reserve(0, "tiny", 1.2, "t3"))
}

func TestUnknownGPU(t *testing.T) {
	p := New(twoDevices(), Options{})
	ok, _, reason := p.CanAdmit(7, "tiny", 60)
	assert.False(t, ok)
	assert.Equal(t, ReasonUnknownGPU, reason)
	assert.False(t, p.Reserve(7, "tiny", 1.2, "t1"))
}

func TestDeviceLowMemoryCrossCheck(t *testing.T) {
	p := New(twoDevices()[:1], Options{})

	// The ledger sees plenty, but another process ate the device memory.
	p.SyncSnapshot([]gpuprobe.GPU{{ID: 0, TotalGB: 24, FreeGB: 1}})

	ok, _, reason := p.CanAdmit(0, "large", 60)
	assert.False(t, ok)
	assert.Equal(t, ReasonDeviceLowMemory, reason)
}

func TestEstimateDurationScaling(t *testing.T) {
	p := New(twoDevices(), Options{})

	// At or below the standard duration the factor is 1.
	assert.InDelta(t, 1.2, p.EstimateFor(0, "tiny", 180), 0.001)
	assert.InDelta(t, 1.2, p.EstimateFor(0, "tiny", 10), 0.001)

	// Twice the standard duration: 1 * (1 + 1*0.3) * 1.2.
	assert.InDelta(t, 1.56, p.EstimateFor(0, "tiny", 360), 0.001)

	// Unknown models fall back to the conservative default.
	assert.InDelta(t, 6.0, p.EstimateFor(0, "mystery", 60), 0.001)
}

func TestDurationScalingDisabledByNegativeSlope(t *testing.T) {
	p := New(twoDevices(), Options{DurationSlope: -1})

	// Hour-long input, factor stays 1: 10 * 1 * 1.2.
	assert.InDelta(t, 12.0, p.EstimateFor(0, "large", 3600), 0.001)
}

func TestCalibrationReplacesBaseEstimate(t *testing.T) {
	p := New(twoDevices()[:1], Options{})

	for _, sample := range []float64{1, 2, 3, 4, 5} {
		p.Calibrate(0, "base", sample)
	}

	// mean 3, population stddev sqrt(2), confidence 1.2
	want := 3 + math.Sqrt(2)*1.2
	assert.InDelta(t, want, p.EstimateFor(0, "base", 60), 0.001)

	// Calibration is per (gpu, model): the other device still uses the table.
	assert.InDelta(t, 1.2, p.EstimateFor(1, "base", 60), 0.001)
}

func TestCalibrationWindowEvictsOldest(t *testing.T) {
	p := New(twoDevices()[:1], Options{SampleSize: 3})

	for _, sample := range []float64{10, 10, 10, 2, 2, 2} {
		p.Calibrate(0, "base", sample)
	}

	// Only the last three samples remain: mean 2, stddev 0.
	assert.InDelta(t, 2.0, p.EstimateFor(0, "base", 60), 0.001)
}

func TestChooseGPULowestAllocated(t *testing.T) {
	p := New(twoDevices(), Options{})
	require.True(t, p.Reserve(0, "medium", 6, "t1"))

	gpu, ok := p.ChooseGPU("small", 60, -1)
	require.True(t, ok)
	assert.Equal(t, 1, gpu)
}

func TestChooseGPUPreferredHint(t *testing.T) {
	p := New(twoDevices(), Options{})
	require.True(t, p.Reserve(0, "small", 2.4, "t1"))

	// The hint wins even though gpu 1 has a lower allocation.
	gpu, ok := p.ChooseGPU("small", 60, 0)
	require.True(t, ok)
	assert.Equal(t, 0, gpu)

	// A hint that cannot admit falls back to the policy.
	p.SyncSnapshot([]gpuprobe.GPU{{ID: 0, TotalGB: 24, FreeGB: 0.5}, {ID: 1, TotalGB: 24, FreeGB: 23}})
	gpu, ok = p.ChooseGPU("small", 60, 0)
	require.True(t, ok)
	assert.Equal(t, 1, gpu)
}

func TestChooseGPUModelLocality(t *testing.T) {
	p := New(twoDevices(), Options{})
	require.True(t, p.Reserve(1, "base", 1.2, "t1"))

	// gpu 1 already runs the model, so it wins despite the allocation.
	gpu, ok := p.ChooseGPU("base", 60, -1)
	require.True(t, ok)
	assert.Equal(t, 1, gpu)

	// A different model goes to the emptier device.
	gpu, ok = p.ChooseGPU("small", 60, -1)
	require.True(t, ok)
	assert.Equal(t, 0, gpu)
}

func TestChooseGPUTieBreaksByID(t *testing.T) {
	p := New(twoDevices(), Options{})
	gpu, ok := p.ChooseGPU("tiny", 60, -1)
	require.True(t, ok)
	assert.Equal(t, 0, gpu)
}

func TestChooseGPUNoCapacity(t *testing.T) {
	p := New(twoDevices(), Options{MaxTasksPerGPU: 1})
	require.True(t, p.Reserve(0, "tiny", 1.2, "t1"))
	require.True(t, p.Reserve(1, "tiny", 1.2, "t2"))

	_, ok := p.ChooseGPU("tiny", 60, -1)
	assert.False(t, ok)
}

func TestCPUMode(t *testing.T) {
	p := NewCPU(Options{})
	assert.True(t, p.CPUMode())
	assert.Equal(t, []int{0}, p.GPUs())
	assert.Zero(t, p.EstimateFor(0, "large", 3600))

	require.True(t, p.Reserve(0, "large", 0, "t1"))

	// CPU mode caps at a single task regardless of configuration.
	ok, _, reason := p.CanAdmit(0, "large", 60)
	assert.False(t, ok)
	assert.Equal(t, ReasonTaskLimit, reason)

	_, _, released := p.Release("t1")
	require.True(t, released)
	ok, _, reason = p.CanAdmit(0, "large", 60)
	assert.True(t, ok)
	assert.Equal(t, ReasonAdmitted, reason)
}

func TestModelsInflight(t *testing.T) {
	p := New(twoDevices(), Options{})
	require.True(t, p.Reserve(0, "base", 1.2, "t1"))
	require.True(t, p.Reserve(1, "base", 1.2, "t2"))
	require.True(t, p.Reserve(1, "small", 2.4, "t3"))

	inflight := p.ModelsInflight()
	assert.ElementsMatch(t, []int{0, 1}, inflight["base"])
	assert.Equal(t, []int{1}, inflight["small"])
	assert.Equal(t, 2, p.InflightOn(1))
}
