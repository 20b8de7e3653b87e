// SPDX-License-Identifier: MIT

// Package worker runs the per-task execution pipeline: load the model,
// transcribe each input, render outputs, release resources and
// recalibrate the memory estimate.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/mempool"
	"github.com/scribeworks/scribed/internal/metrics"
	"github.com/scribeworks/scribed/internal/queue"
	"github.com/scribeworks/scribed/internal/render"
)

const progressInterval = 2 * time.Second

// Pool executes dispatched tasks. Concurrency is bounded upstream by the
// scheduler; the pool only tracks lifetimes for shutdown draining.
type Pool struct {
	Queue    *queue.Queue
	Mem      *mempool.Pool
	Renderer *render.Renderer
	Registry *Registry

	TaskTimeout time.Duration

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool wires a worker pool.
func NewPool(q *queue.Queue, mem *mempool.Pool, renderer *render.Renderer, registry *Registry, taskTimeout time.Duration) *Pool {
	if taskTimeout <= 0 {
		taskTimeout = time.Hour
	}
	return &Pool{
		Queue:       q,
		Mem:         mem,
		Renderer:    renderer,
		Registry:    registry,
		TaskTimeout: taskTimeout,
		logger:      log.WithComponent("worker"),
	}
}

// Dispatch starts a worker for a task already reserved and marked Loading
// by the scheduler.
func (p *Pool) Dispatch(ctx context.Context, v queue.View) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, v)
	}()
}

// Wait blocks until all in-flight workers have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// run drives one task through the pipeline. Whatever the exit path, the
// memory reservation is released exactly once.
func (p *Pool) run(parent context.Context, v queue.View) {
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	started := time.Now()

	logger := p.logger.With().Str("task_id", v.ID).Str("model", v.Model).Int("gpu", v.GPU).Logger()

	parent = log.ContextWithTaskID(parent, v.ID)
	ctx, cancel := context.WithTimeout(parent, p.TaskTimeout)
	defer cancel()
	p.Queue.AttachCancel(v.ID, cancel)

	var (
		releaseOnce sync.Once
		observedGB  float64
		calibrate   bool
	)
	release := func() {
		releaseOnce.Do(func() {
			gpu, reserved, ok := p.Mem.Release(v.ID)
			if !ok {
				return
			}
			if calibrate {
				observed := observedGB
				if observed <= 0 {
					observed = reserved
				}
				metrics.CalibrationErrorGB.WithLabelValues(v.Model).Observe(observed - reserved)
				p.Mem.Calibrate(gpu, v.Model, observed)
			}
		})
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("worker panic")
			release()
			_ = p.Queue.MarkFailed(v.ID, queue.KindInternal, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	// Stage 1: load.
	handle, err := p.Registry.Acquire(ctx, v.Model, v.GPU, func(percent float64, message string) {
		p.Queue.UpdateDownloadProgress(v.ID, percent, message)
	})
	if err != nil {
		p.Queue.UpdateDownloadProgress(v.ID, -1, err.Error())
		p.fail(v.ID, err, release, logger)
		return
	}
	defer p.Registry.Release(v.Model, v.GPU)

	if err := p.Queue.MarkProcessing(v.ID); err != nil {
		logger.Error().Err(err).Msg("mark processing failed")
		p.fail(v.ID, err, release, logger)
		return
	}

	// Re-emit progress at least every 2s while transcribing.
	tickerDone := make(chan struct{})
	defer close(tickerDone)
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerDone:
				return
			case <-ticker.C:
				p.Queue.UpdateProgress(v.ID, 0, "") // monotonic: re-emits current value
			}
		}
	}()

	// Stage 2: transcribe each input.
	result := &queue.Result{}
	total := len(v.Files)
	for i, file := range v.Files {
		if err := ctx.Err(); err != nil {
			p.fail(v.ID, err, release, logger)
			return
		}
		tr, err := handle.Transcribe(ctx, file, v.Language)
		if err != nil {
			p.fail(v.ID, fmt.Errorf("transcribe %s: %w", file, err), release, logger)
			return
		}
		result.Files = append(result.Files, queue.FileResult{
			File:     file,
			Text:     tr.Text,
			Language: tr.Language,
			Segments: tr.Segments,
		})
		progress := float64(i+1) / float64(total) * 100
		p.Queue.UpdateProgress(v.ID, progress, fmt.Sprintf("transcribed %d/%d files", i+1, total))
	}

	// Stage 3: finalize outputs.
	if err := ctx.Err(); err != nil {
		p.fail(v.ID, err, release, logger)
		return
	}
	for i := range result.Files {
		fr := &result.Files[i]
		base := render.Basename(fr.File)
		for _, format := range v.Formats {
			path, err := p.Renderer.Render(format, *fr, base)
			if err != nil {
				p.fail(v.ID, fmt.Errorf("render %s: %w", format, err), release, logger)
				return
			}
			fr.Outputs = append(fr.Outputs, path)
		}
	}
	// Persist the detected language when the client asked for auto.
	result.Language = v.Language
	if v.Language == "auto" && len(result.Files) > 0 && result.Files[0].Language != "" {
		result.Language = result.Files[0].Language
	}

	// Stage 4: release and calibrate from observed peak usage.
	if mr, ok := handle.(MemoryReporter); ok {
		observedGB = mr.PeakMemoryGB()
	}
	calibrate = true
	release()

	if err := p.Queue.MarkCompleted(v.ID, result); err != nil {
		logger.Error().Err(err).Msg("mark completed failed")
		return
	}
	metrics.TranscribeDuration.WithLabelValues(v.Model).Observe(time.Since(started).Seconds())
	logger.Info().Dur("elapsed", time.Since(started)).Int("files", total).Msg("pipeline finished")
}

// fail maps an error onto the taxonomy and reports it to the queue, which
// decides between retry and terminal failure. The reservation is freed
// before the queue hears about the failure: once the task is pending
// again the scheduler may reserve under the same id, and a late release
// from this worker would free the wrong reservation.
func (p *Pool) fail(id string, err error, release func(), logger zerolog.Logger) {
	kind := classify(err, p.Queue.WasCancelled(id))
	release()
	logger.Warn().Err(err).Str("kind", string(kind)).Msg("pipeline failed")
	if mfErr := p.Queue.MarkFailed(id, kind, err.Error()); mfErr != nil {
		logger.Error().Err(mfErr).Msg("mark failed failed")
	}
}
