// SPDX-License-Identifier: MIT

// Package orchestrator assembles the transcription core: probe, memory
// pool, queue, scheduler, workers and event bus, with ordered startup and
// shutdown, and exposes the public operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/events"
	"github.com/scribeworks/scribed/internal/gpuprobe"
	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/media"
	"github.com/scribeworks/scribed/internal/mempool"
	"github.com/scribeworks/scribed/internal/queue"
	"github.com/scribeworks/scribed/internal/render"
	"github.com/scribeworks/scribed/internal/scheduler"
	"github.com/scribeworks/scribed/internal/worker"
)

// Options assemble a System from its external collaborators.
type Options struct {
	Config   config.Config
	Driver   gpuprobe.Driver
	Engine   worker.Engine
	Metadata media.Metadata

	// SkipFileCheck disables on-disk input validation (tests).
	SkipFileCheck bool
}

// System is the process-wide transcription orchestrator.
type System struct {
	cfg      config.Config
	bus      *events.Bus
	probe    *gpuprobe.Probe
	mem      *mempool.Pool
	queue    *queue.Queue
	registry *worker.Registry
	workers  *worker.Pool
	sched    *scheduler.Scheduler
	conc     *scheduler.Concurrency
	metadata media.Metadata
	logger   zerolog.Logger

	mu        sync.Mutex
	workerCtx context.Context
	runCancel context.CancelFunc
	busCancel context.CancelFunc
	running   sync.WaitGroup
}

// New builds a stopped System. Components come up in dependency order:
// bus, pool, queue, workers, scheduler.
func New(opts Options) (*System, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Engine == nil {
		return nil, errors.New("transcription engine is required")
	}
	if opts.Metadata == nil {
		opts.Metadata = media.WAVProber{}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	logger := log.WithComponent("orchestrator")

	bus := events.New(events.Options{
		BufferSize:        cfg.EventBufferSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	probe := gpuprobe.NewProbe(opts.Driver, cfg.GPUSnapshotTTL)
	poolOpts := mempool.Options{
		MaxUtilization:   cfg.MaxMemoryUtilization,
		MaxTasksPerGPU:   cfg.MaxTasksPerGPU,
		Confidence:       cfg.MemoryConfidence,
		SampleSize:       cfg.CalibrationSamples,
		ReservedSystemGB: cfg.ReservedMemoryGB,
		StandardAudioSec: cfg.StandardAudioDuration.Seconds(),
		DurationSlope:    cfg.AudioDurationSlope,
	}

	discoverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	devices, err := probe.Refresh(discoverCtx)
	cancel()

	var mem *mempool.Pool
	switch {
	case err == nil:
		mem = mempool.New(devices, poolOpts)
		logger.Info().Int("gpus", len(devices)).Msg("accelerators discovered")
	case errors.Is(err, gpuprobe.ErrProbeUnavailable):
		mem = mempool.NewCPU(poolOpts)
		logger.Warn().Msg("no accelerator found, degrading to CPU-only mode")
	default:
		return nil, fmt.Errorf("probe accelerators: %w", err)
	}

	q := queue.New(queue.Options{
		MaxRetries:    cfg.MaxRetries,
		SkipFileCheck: opts.SkipFileCheck,
	}, bus)

	registry := worker.NewRegistry(opts.Engine)
	renderer := &render.Renderer{OutputDir: cfg.OutputDir}
	workers := worker.NewPool(q, mem, renderer, registry, cfg.TaskTimeout)

	maxConc := cfg.MaxConcurrentTasks
	if mem.CPUMode() {
		maxConc = 1
	}
	conc := scheduler.NewConcurrency(maxConc)

	s := &System{
		cfg:      cfg,
		bus:      bus,
		probe:    probe,
		mem:      mem,
		queue:    q,
		registry: registry,
		workers:  workers,
		conc:     conc,
		metadata: opts.Metadata,
		logger:   logger,
	}

	s.sched = scheduler.New(probe, mem, q, conc, s.dispatch)
	s.sched.Tick = cfg.SchedulerTick
	s.sched.LoadedModels = registry.LoadedModels
	return s, nil
}

// Start brings the background loops up. Bus first, scheduler last.
func (s *System) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(context.Background())
	s.busCancel = busCancel
	s.runCancel = runCancel

	s.running.Add(2)
	go func() {
		defer s.running.Done()
		s.bus.Run(busCtx)
	}()
	go func() {
		defer s.running.Done()
		s.sched.Run(runCtx)
	}()
	s.workerCtx = runCtx
	s.logger.Info().Msg("orchestrator started")
}

// dispatch hands a placed task to the worker pool.
func (s *System) dispatch(v queue.View) {
	s.mu.Lock()
	ctx := s.workerCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.workers.Dispatch(ctx, v)
}

// Shutdown stops in reverse order: scheduler and workers first, then a
// defensive reservation sweep, the bus last. The context bounds the
// worker drain grace period.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runCancel, busCancel := s.runCancel, s.busCancel
	s.runCancel, s.busCancel = nil, nil
	s.mu.Unlock()
	if runCancel == nil {
		return nil
	}

	runCancel()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("worker drain grace period expired")
	}

	// Defensive sweep: anything still holding a reservation is released
	// so the pool ends balanced.
	_, running := s.queue.Snapshot()
	for _, v := range running {
		s.mem.Release(v.ID)
	}

	busCancel()
	s.running.Wait()
	s.logger.Info().Msg("orchestrator stopped")
	return nil
}

// Submit validates and enqueues a transcription task, returning its id.
func (s *System) Submit(spec queue.Spec) (string, error) {
	var totalSeconds float64
	for _, f := range spec.Files {
		d, err := s.metadata.DurationSeconds(f)
		switch {
		case err == nil:
			totalSeconds += d
		case errors.Is(err, media.ErrUnsupportedFormat):
			// Estimation falls back to the base footprint; the engine
			// decides whether it can decode the file.
		case errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("%w: audio file %q not found", queue.ErrInvalidInput, f)
		default:
			return "", fmt.Errorf("%w: probe %q: %v", queue.ErrInvalidInput, f, err)
		}
	}
	id, err := s.queue.Submit(spec, totalSeconds)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Cancel requests cancellation of a task. Idempotent; no-op on terminal
// tasks.
func (s *System) Cancel(id string) bool {
	return s.queue.Cancel(id)
}

// Status returns the public view of a task.
func (s *System) Status(id string) (queue.View, bool) {
	return s.queue.Get(id)
}

// QueueStatus is the ListQueue response.
type QueueStatus struct {
	Pending            []queue.View `json:"pending"`
	Running            []queue.View `json:"running"`
	CurrentRunning     int          `json:"current_running_tasks"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
}

// ListQueue lists pending and running work.
func (s *System) ListQueue() QueueStatus {
	pending, running := s.queue.Snapshot()
	return QueueStatus{
		Pending:            pending,
		Running:            running,
		CurrentRunning:     len(running),
		MaxConcurrentTasks: s.conc.Get(),
	}
}

// GPUStatus returns current device descriptors. In CPU-only mode the list
// is empty.
func (s *System) GPUStatus(ctx context.Context) ([]gpuprobe.GPU, error) {
	if s.mem.CPUMode() {
		return []gpuprobe.GPU{}, nil
	}
	return s.probe.Snapshot(ctx)
}

// PoolStatus returns the per-GPU reservation ledger.
func (s *System) PoolStatus() map[int]mempool.GPUStatus {
	return s.mem.Status()
}

// GetConcurrency returns the current global task limit.
func (s *System) GetConcurrency() int {
	return s.conc.Get()
}

// SetConcurrency clamps and applies a new global task limit, then nudges
// the scheduler.
func (s *System) SetConcurrency(limit int) int {
	applied := s.conc.Set(limit)
	s.sched.TriggerNow()
	s.logger.Info().Int("max_concurrent_tasks", applied).Msg("concurrency updated")
	return applied
}

// Subscribe attaches a new event stream client.
func (s *System) Subscribe() *events.Subscription {
	return s.bus.Subscribe()
}

// TriggerSchedule requests an immediate scheduler pass.
func (s *System) TriggerSchedule() {
	s.sched.TriggerNow()
}

// FailedLog exposes the bounded terminal-failure diagnostics log.
func (s *System) FailedLog() []queue.View {
	return s.queue.FailedLog()
}
