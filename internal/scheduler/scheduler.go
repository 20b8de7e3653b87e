// SPDX-License-Identifier: MIT

// Package scheduler matches pending work to accelerators subject to
// memory and task-count caps.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/gpuprobe"
	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/mempool"
	"github.com/scribeworks/scribed/internal/metrics"
	"github.com/scribeworks/scribed/internal/queue"
)

// Prober serves device snapshots to the scheduler.
type Prober interface {
	Snapshot(ctx context.Context) ([]gpuprobe.GPU, error)
}

// Concurrency is the runtime-mutable global task limit, clamped to
// [1, HardConcurrencyLimit].
type Concurrency struct {
	mu    sync.Mutex
	limit int
}

// NewConcurrency creates a limiter with the given initial value.
func NewConcurrency(limit int) *Concurrency {
	c := &Concurrency{}
	c.Set(limit)
	return c
}

// Get returns the current limit.
func (c *Concurrency) Get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Set clamps and applies a new limit. Running tasks are never interrupted
// when the limit drops; new admissions simply wait.
func (c *Concurrency) Set(limit int) int {
	if limit < 1 {
		limit = 1
	}
	if limit > config.HardConcurrencyLimit {
		limit = config.HardConcurrencyLimit
	}
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
	return limit
}

// Scheduler is the single placement loop. It wakes on a timer, on queue
// signals and on manual triggers; iterations never overlap.
type Scheduler struct {
	Probe Prober
	Mem   *mempool.Pool
	Queue *queue.Queue
	Conc  *Concurrency

	// Dispatch hands a Loading task to a worker.
	Dispatch func(v queue.View)
	// LoadedModels reports models with a live handle per device, for
	// locality-preferred bucket ordering. May be nil.
	LoadedModels func() map[string][]int

	Tick time.Duration

	manual chan struct{}
	iterMu sync.Mutex
	logger zerolog.Logger
}

// New wires a scheduler.
func New(probe Prober, mem *mempool.Pool, q *queue.Queue, conc *Concurrency, dispatch func(queue.View)) *Scheduler {
	return &Scheduler{
		Probe:    probe,
		Mem:      mem,
		Queue:    q,
		Conc:     conc,
		Dispatch: dispatch,
		Tick:     2 * time.Second,
		manual:   make(chan struct{}, 1),
		logger:   log.WithComponent("scheduler"),
	}
}

// TriggerNow requests an immediate iteration without blocking.
func (s *Scheduler) TriggerNow() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// Run drives the interval loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := s.Tick
	if tick <= 0 {
		tick = 2 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", tick).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx, "tick")
		case <-s.Queue.Wake():
			s.RunOnce(ctx, "wakeup")
		case <-s.manual:
			s.RunOnce(ctx, "manual")
		}
	}
}

// RunOnce performs a single placement iteration. Overlapping calls are
// coalesced; any panic aborts the iteration and the next tick recovers.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) {
	if !s.iterMu.TryLock() {
		return
	}
	defer s.iterMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("scheduler iteration aborted")
		}
	}()

	metrics.SchedulerIterations.WithLabelValues(trigger).Inc()

	snapshot, err := s.Probe.Snapshot(ctx)
	switch {
	case err == nil:
		s.Mem.SyncSnapshot(snapshot)
	case errors.Is(err, gpuprobe.ErrProbeUnavailable) && s.Mem.CPUMode():
		// CPU-only degradation: place without device telemetry.
	default:
		s.logger.Warn().Err(err).Msg("skipping iteration, no device snapshot")
		return
	}

	// Buckets skipped once stay skipped for the rest of the iteration.
	skipped := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return
		}
		if s.Queue.InflightCount() >= s.Conc.Get() {
			return
		}

		placed := false
		for _, model := range s.bucketOrder() {
			if skipped[model] {
				continue
			}
			if s.Queue.InflightCount() >= s.Conc.Get() {
				return
			}
			if !s.placeHead(model) {
				skipped[model] = true
				continue
			}
			placed = true
		}
		if !placed {
			return
		}
	}
}

// placeHead attempts to admit the head task of a model bucket. Returns
// false when the bucket yields no placement right now.
func (s *Scheduler) placeHead(model string) bool {
	head, ok := s.Queue.Head(model)
	if !ok {
		return false
	}
	duration, _ := s.Queue.HeadDuration(model)

	hint := head.GPUHint
	if hint < 0 {
		hint = -1
	}
	gpu, ok := s.Mem.ChooseGPU(model, duration, hint)
	if !ok {
		return false
	}

	estimate := s.Mem.EstimateFor(gpu, model, duration)
	if !s.Mem.Reserve(gpu, model, estimate, head.ID) {
		// Lost the race against a concurrent reservation; retry on the
		// next iteration.
		return false
	}
	if err := s.Queue.BeginDispatch(head.ID, gpu, estimate); err != nil {
		s.Mem.Release(head.ID)
		s.logger.Warn().Err(err).Str("task_id", head.ID).Msg("dispatch rejected")
		return false
	}

	view, ok := s.Queue.Get(head.ID)
	if !ok {
		s.Mem.Release(head.ID)
		return false
	}
	metrics.SchedulerPlacements.WithLabelValues(model).Inc()
	s.logger.Info().
		Str("task_id", head.ID).
		Str("model", model).
		Int("gpu", gpu).
		Float64("reserved_gb", estimate).
		Msg("task placed")
	s.Dispatch(view)
	return true
}

// bucketOrder ranks pending model buckets: models with a live handle or
// in-flight task first (locality), then the static small-first model
// ranking, then the oldest highest-priority head.
func (s *Scheduler) bucketOrder() []string {
	models := s.Queue.PendingModels()
	if len(models) <= 1 {
		return models
	}

	warm := make(map[string]bool)
	if s.LoadedModels != nil {
		for m := range s.LoadedModels() {
			warm[m] = true
		}
	}
	for m := range s.Mem.ModelsInflight() {
		warm[m] = true
	}

	type bucketKey struct {
		model    string
		warm     bool
		rank     int
		priority int
		age      time.Time
	}
	keys := make([]bucketKey, 0, len(models))
	for _, m := range models {
		k := bucketKey{model: m, warm: warm[m], rank: config.ModelRank(m)}
		if head, ok := s.Queue.Head(m); ok {
			k.priority = int(queue.ParsePriority(head.Priority))
			k.age = head.CreatedAt
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.warm != b.warm {
			return a.warm
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.age.Before(b.age)
	})

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.model
	}
	return out
}
