// SPDX-License-Identifier: MIT

// Package mempool implements the per-GPU memory reservation ledger with
// predict-measure-recalibrate estimation.
package mempool

import (
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/gpuprobe"
	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/metrics"
)

// Reason is the lowercase admission outcome label, stable for PromQL.
type Reason string

const (
	ReasonAdmitted        Reason = "admitted"
	ReasonUnknownGPU      Reason = "unknown_gpu"
	ReasonTaskLimit       Reason = "task_limit"
	ReasonPoolExhausted   Reason = "pool_exhausted"
	ReasonDeviceLowMemory Reason = "device_low_memory"
)

// Options tune the pool. Zero values fall back to the documented defaults.
type Options struct {
	MaxUtilization   float64 // default 0.9
	MaxTasksPerGPU   int     // default 5
	Confidence       float64 // default 1.2
	SampleSize       int     // default 50
	ReservedSystemGB float64 // default 1.0
	StandardAudioSec float64 // default 180
	DurationSlope    float64 // default 0.3; negative disables duration scaling
}

func (o *Options) applyDefaults() {
	if o.MaxUtilization <= 0 {
		o.MaxUtilization = 0.9
	}
	if o.MaxTasksPerGPU <= 0 {
		o.MaxTasksPerGPU = 5
	}
	if o.Confidence <= 0 {
		o.Confidence = 1.2
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 50
	}
	if o.StandardAudioSec <= 0 {
		o.StandardAudioSec = 180
	}
	if o.DurationSlope == 0 {
		o.DurationSlope = 0.3
	} else if o.DurationSlope < 0 {
		o.DurationSlope = 0
	}
}

type reservation struct {
	amountGB float64
	model    string
}

// entry is the ledger for a single GPU. Every operation on an entry holds
// its own mutex; there is no pool-wide mutex on the hot path.
type entry struct {
	mu sync.Mutex

	id               int
	totalGB          float64
	reservedSystemGB float64
	allocatedGB      float64
	hwFreeGB         float64 // driver-reported free, negative when unknown
	reservations     map[string]reservation
	estimates        map[string]*calibration
}

// availableLocked returns admissible memory under the safety margins.
// Caller holds e.mu.
func (e *entry) availableLocked(maxUtil float64) float64 {
	bySystem := (e.totalGB - e.reservedSystemGB) - e.allocatedGB
	byUtil := e.totalGB*maxUtil - e.allocatedGB
	avail := bySystem
	if byUtil < avail {
		avail = byUtil
	}
	if avail < 0 {
		avail = 0
	}
	return avail
}

// Pool is the GPU memory admission ledger. In CPU mode it exposes a single
// logical device with unlimited memory and a task cap of one.
type Pool struct {
	opts    Options
	cpuMode bool
	entries map[int]*entry
	order   []int
	logger  zerolog.Logger
}

// GPUStatus is the public view of one ledger entry.
type GPUStatus struct {
	ID          int     `json:"id"`
	TotalGB     float64 `json:"total_gb"`
	AllocatedGB float64 `json:"allocated_gb"`
	AvailableGB float64 `json:"available_gb"`
	Tasks       int     `json:"tasks"`
}

// New builds a pool over the discovered devices.
func New(devices []gpuprobe.GPU, opts Options) *Pool {
	opts.applyDefaults()
	p := &Pool{
		opts:    opts,
		entries: make(map[int]*entry, len(devices)),
		logger:  log.WithComponent("mempool"),
	}
	for _, d := range devices {
		p.entries[d.ID] = &entry{
			id:               d.ID,
			totalGB:          d.TotalGB,
			reservedSystemGB: opts.ReservedSystemGB,
			hwFreeGB:         d.FreeGB,
			reservations:     make(map[string]reservation),
			estimates:        make(map[string]*calibration),
		}
		p.order = append(p.order, d.ID)
	}
	sort.Ints(p.order)
	return p
}

// NewCPU builds a single-device pool for hosts without accelerators.
// Memory checks are disabled and at most one task runs at a time.
func NewCPU(opts Options) *Pool {
	opts.applyDefaults()
	opts.MaxTasksPerGPU = 1
	p := &Pool{
		opts:    opts,
		cpuMode: true,
		entries: make(map[int]*entry, 1),
		order:   []int{0},
		logger:  log.WithComponent("mempool"),
	}
	p.entries[0] = &entry{
		id:           0,
		hwFreeGB:     -1,
		reservations: make(map[string]reservation),
		estimates:    make(map[string]*calibration),
	}
	return p
}

// CPUMode reports whether the pool runs in CPU-only degradation.
func (p *Pool) CPUMode() bool {
	return p.cpuMode
}

// GPUs returns the known device ids in ascending order.
func (p *Pool) GPUs() []int {
	out := make([]int, len(p.order))
	copy(out, p.order)
	return out
}

// durationFactor scales the base footprint for long inputs:
// 1 + max(0, d/standard - 1) * slope.
func (p *Pool) durationFactor(audioSeconds float64) float64 {
	over := audioSeconds/p.opts.StandardAudioSec - 1
	if over < 0 {
		over = 0
	}
	return 1 + over*p.opts.DurationSlope
}

// EstimateFor predicts the memory a task needs in GB. With calibrated
// samples for (gpu, model) it returns mean + stddev * confidence;
// otherwise the base table value scaled by duration and confidence.
func (p *Pool) EstimateFor(gpuID int, model string, audioSeconds float64) float64 {
	if p.cpuMode {
		return 0
	}
	if e, ok := p.entries[gpuID]; ok {
		e.mu.Lock()
		if cal, ok := e.estimates[model]; ok && cal.count() > 0 {
			est := cal.estimate(p.opts.Confidence)
			e.mu.Unlock()
			return est
		}
		e.mu.Unlock()
	}
	return config.BaseModelMemoryGB(model) * p.durationFactor(audioSeconds) * p.opts.Confidence
}

// CanAdmit reports whether a task of the given model fits on the GPU right
// now, along with the current availability and a reason label.
func (p *Pool) CanAdmit(gpuID int, model string, audioSeconds float64) (bool, float64, Reason) {
	ok, avail, reason := p.canAdmit(gpuID, model, audioSeconds)
	metrics.AdmissionDecisions.WithLabelValues(string(reason)).Inc()
	return ok, avail, reason
}

func (p *Pool) canAdmit(gpuID int, model string, audioSeconds float64) (bool, float64, Reason) {
	e, ok := p.entries[gpuID]
	if !ok {
		return false, 0, ReasonUnknownGPU
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.reservations) >= p.opts.MaxTasksPerGPU {
		return false, e.availableLocked(p.opts.MaxUtilization), ReasonTaskLimit
	}
	if p.cpuMode {
		return true, 0, ReasonAdmitted
	}

	estimate := p.estimateLocked(e, model, audioSeconds)
	avail := e.availableLocked(p.opts.MaxUtilization)
	if avail < estimate {
		return false, avail, ReasonPoolExhausted
	}
	// Cross-check the driver-reported free memory when we have a snapshot,
	// so reservations never outrun what unrelated processes left us.
	if e.hwFreeGB >= 0 && e.hwFreeGB < estimate {
		return false, avail, ReasonDeviceLowMemory
	}
	return true, avail, ReasonAdmitted
}

// estimateLocked mirrors EstimateFor for callers already holding e.mu.
func (p *Pool) estimateLocked(e *entry, model string, audioSeconds float64) float64 {
	if cal, ok := e.estimates[model]; ok && cal.count() > 0 {
		return cal.estimate(p.opts.Confidence)
	}
	return config.BaseModelMemoryGB(model) * p.durationFactor(audioSeconds) * p.opts.Confidence
}

// Reserve atomically records a reservation for the task. The admission
// check and the increment happen in the same critical section; on failure
// nothing is mutated.
func (p *Pool) Reserve(gpuID int, model string, estimateGB float64, taskID string) bool {
	e, ok := p.entries[gpuID]
	if !ok {
		p.logger.Warn().Int("gpu", gpuID).Str("task_id", taskID).Msg("reserve on unknown gpu")
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.reservations[taskID]; dup {
		p.logger.Error().Str("task_id", taskID).Int("gpu", gpuID).Msg("duplicate reservation")
		return false
	}
	if len(e.reservations) >= p.opts.MaxTasksPerGPU {
		return false
	}
	if !p.cpuMode && e.availableLocked(p.opts.MaxUtilization) < estimateGB {
		return false
	}

	e.allocatedGB += estimateGB
	e.reservations[taskID] = reservation{amountGB: estimateGB, model: model}
	p.publishEntryMetrics(e)

	p.logger.Debug().
		Str("task_id", taskID).
		Int("gpu", gpuID).
		Str("model", model).
		Float64("reserved_gb", estimateGB).
		Float64("allocated_gb", e.allocatedGB).
		Msg("memory reserved")
	return true
}

// Release frees the reservation held by a task. It is idempotent: an
// unknown id is a no-op with a warning.
func (p *Pool) Release(taskID string) (gpuID int, amountGB float64, ok bool) {
	for _, id := range p.order {
		e := p.entries[id]
		e.mu.Lock()
		if res, found := e.reservations[taskID]; found {
			e.allocatedGB -= res.amountGB
			if e.allocatedGB < 0 {
				p.logger.Error().Int("gpu", id).Str("task_id", taskID).Msg("allocation underflow, clamping")
				e.allocatedGB = 0
			}
			delete(e.reservations, taskID)
			p.publishEntryMetrics(e)
			e.mu.Unlock()
			p.logger.Debug().
				Str("task_id", taskID).
				Int("gpu", id).
				Float64("released_gb", res.amountGB).
				Msg("memory released")
			return id, res.amountGB, true
		}
		e.mu.Unlock()
	}
	p.logger.Warn().Str("task_id", taskID).Msg("release for unknown reservation")
	return 0, 0, false
}

// Calibrate feeds an observed peak usage sample into the (gpu, model)
// estimation ring. Updates are visible to subsequent EstimateFor calls.
func (p *Pool) Calibrate(gpuID int, model string, observedGB float64) {
	e, ok := p.entries[gpuID]
	if !ok || p.cpuMode {
		return
	}
	e.mu.Lock()
	cal, found := e.estimates[model]
	if !found {
		cal = newCalibration(p.opts.SampleSize)
		e.estimates[model] = cal
	}
	cal.add(observedGB)
	mean, stddev, n := cal.mean, cal.stddev, cal.count()
	e.mu.Unlock()

	metrics.CalibrationSamples.WithLabelValues(model).Inc()
	p.logger.Info().
		Int("gpu", gpuID).
		Str("model", model).
		Float64("observed_gb", observedGB).
		Float64("mean_gb", mean).
		Float64("stddev_gb", stddev).
		Int("samples", n).
		Msg("memory estimate calibrated")
}

// SyncSnapshot updates the driver-reported free memory per entry from a
// fresh probe snapshot.
func (p *Pool) SyncSnapshot(devices []gpuprobe.GPU) {
	for _, d := range devices {
		if e, ok := p.entries[d.ID]; ok {
			e.mu.Lock()
			e.hwFreeGB = d.FreeGB
			e.mu.Unlock()
		}
	}
}

// InflightOn returns the number of live reservations on a GPU.
func (p *Pool) InflightOn(gpuID int) int {
	e, ok := p.entries[gpuID]
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.reservations)
}

// ModelsInflight returns, per model, the GPUs currently holding a
// reservation for it. The scheduler uses this for locality ordering.
func (p *Pool) ModelsInflight() map[string][]int {
	out := make(map[string][]int)
	for _, id := range p.order {
		e := p.entries[id]
		e.mu.Lock()
		seen := make(map[string]bool)
		for _, res := range e.reservations {
			if !seen[res.model] {
				seen[res.model] = true
				out[res.model] = append(out[res.model], id)
			}
		}
		e.mu.Unlock()
	}
	return out
}

// Status returns the public per-GPU ledger view.
func (p *Pool) Status() map[int]GPUStatus {
	out := make(map[int]GPUStatus, len(p.order))
	for _, id := range p.order {
		e := p.entries[id]
		e.mu.Lock()
		out[id] = GPUStatus{
			ID:          id,
			TotalGB:     e.totalGB,
			AllocatedGB: e.allocatedGB,
			AvailableGB: e.availableLocked(p.opts.MaxUtilization),
			Tasks:       len(e.reservations),
		}
		e.mu.Unlock()
	}
	return out
}

// ChooseGPU picks the placement target for a task. A preferred GPU hint
// wins when it admits. Otherwise GPUs already running the same model are
// considered first, and within a group the one with the lowest allocation
// wins; ties break by highest availability, then lowest id.
func (p *Pool) ChooseGPU(model string, audioSeconds float64, preferred int) (int, bool) {
	if preferred >= 0 {
		if ok, _, _ := p.canAdmit(preferred, model, audioSeconds); ok {
			return preferred, true
		}
	}

	sameModel := make(map[int]bool)
	for _, id := range p.ModelsInflight()[model] {
		sameModel[id] = true
	}

	type candidate struct {
		id        int
		allocated float64
		available float64
		local     bool
	}
	var candidates []candidate
	for _, id := range p.order {
		ok, avail, _ := p.canAdmit(id, model, audioSeconds)
		if !ok {
			continue
		}
		e := p.entries[id]
		e.mu.Lock()
		alloc := e.allocatedGB
		e.mu.Unlock()
		candidates = append(candidates, candidate{id: id, allocated: alloc, available: avail, local: sameModel[id]})
	}
	if len(candidates) == 0 {
		return 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.local != b.local {
			return a.local
		}
		if a.allocated != b.allocated {
			return a.allocated < b.allocated
		}
		if a.available != b.available {
			return a.available > b.available
		}
		return a.id < b.id
	})
	return candidates[0].id, true
}

// publishEntryMetrics refreshes the per-GPU gauges. Caller holds e.mu.
func (p *Pool) publishEntryMetrics(e *entry) {
	label := strconv.Itoa(e.id)
	metrics.PoolAllocatedGB.WithLabelValues(label).Set(e.allocatedGB)
	metrics.PoolAvailableGB.WithLabelValues(label).Set(e.availableLocked(p.opts.MaxUtilization))
	metrics.PoolTasks.WithLabelValues(label).Set(float64(len(e.reservations)))
}
