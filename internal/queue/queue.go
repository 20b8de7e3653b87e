// SPDX-License-Identifier: MIT

// Package queue owns pending transcription work, task state transitions
// and retry bookkeeping.
package queue

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/metrics"
)

// ErrNotFound is returned for operations on unknown task ids.
var ErrNotFound = errors.New("task not found")

// ErrInvalidInput wraps submission validation failures.
var ErrInvalidInput = errors.New("invalid input")

// Notifier receives task state changes for fan-out. It is invoked with
// the queue lock held so observed views are ordered per task;
// implementations must never block and never call back into the queue.
type Notifier interface {
	TaskUpdated(View)
	DownloadProgress(taskID, model string, progress float64, message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) TaskUpdated(View)                                 {}
func (NopNotifier) DownloadProgress(string, string, float64, string) {}

// Options tune the queue.
type Options struct {
	// MaxRetries is the retry budget for transient failures. Zero
	// disables retries; the configured default comes from the caller.
	MaxRetries        int
	FinishedRetention time.Duration // default 5s
	FailedLogSize     int           // default 100
	// SkipFileCheck disables the on-disk existence check in Submit.
	SkipFileCheck bool
}

func (o *Options) applyDefaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.FinishedRetention <= 0 {
		o.FinishedRetention = 5 * time.Second
	}
	if o.FailedLogSize <= 0 {
		o.FailedLogSize = 100
	}
}

// Queue is the multi-priority task queue grouped by model.
type Queue struct {
	mu       sync.Mutex
	opts     Options
	notifier Notifier
	logger   zerolog.Logger

	buckets  map[string][]*Task // pending, priority desc then FIFO
	inflight map[string]*Task   // loading or processing
	finished []*Task            // recently terminal, short retention
	failed   []View             // bounded terminal-failure log
	seq      uint64
	wake     chan struct{}
}

// New creates a queue delivering state changes to the given notifier.
func New(opts Options, notifier Notifier) *Queue {
	opts.applyDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Queue{
		opts:     opts,
		notifier: notifier,
		logger:   log.WithComponent("queue"),
		buckets:  make(map[string][]*Task),
		inflight: make(map[string]*Task),
		wake:     make(chan struct{}, 1),
	}
}

// Wake exposes the scheduler wakeup signal. The channel carries at most
// one pending signal.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit validates a spec, assigns it an id and enqueues it as Pending.
// durationSec is the summed audio duration of all inputs, probed upstream.
func (q *Queue) Submit(spec Spec, durationSec float64) (string, error) {
	if len(spec.Files) == 0 {
		return "", fmt.Errorf("%w: no input files", ErrInvalidInput)
	}
	if !config.IsKnownModel(spec.Model) {
		return "", fmt.Errorf("%w: unknown model %q", ErrInvalidInput, spec.Model)
	}
	if spec.Language == "" {
		spec.Language = "auto"
	}
	if !config.IsKnownLanguage(spec.Language) {
		return "", fmt.Errorf("%w: unknown language %q", ErrInvalidInput, spec.Language)
	}
	if len(spec.Formats) == 0 {
		spec.Formats = []string{"txt"}
	}
	for _, f := range spec.Formats {
		if !config.IsKnownFormat(f) {
			return "", fmt.Errorf("%w: unknown output format %q", ErrInvalidInput, f)
		}
	}
	if !q.opts.SkipFileCheck {
		for _, f := range spec.Files {
			if _, err := os.Stat(f); err != nil {
				return "", fmt.Errorf("%w: audio file %q: %v", ErrInvalidInput, f, err)
			}
		}
	}

	task := &Task{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now(),
		Spec:        spec,
		DurationSec: durationSec,
		Status:      StatusPending,
		GPU:         -1,
	}

	q.mu.Lock()
	task.seq = q.seq
	q.seq++
	q.enqueueLocked(task)
	q.notifier.TaskUpdated(task.view())
	q.mu.Unlock()

	q.logger.Info().
		Str("task_id", task.ID).
		Str("model", spec.Model).
		Str("priority", spec.Priority.String()).
		Int("files", len(spec.Files)).
		Msg("task submitted")
	q.signal()
	return task.ID, nil
}

// enqueueLocked inserts a pending task into its model bucket keeping
// priority-descending, FIFO-within-priority order.
func (q *Queue) enqueueLocked(task *Task) {
	bucket := q.buckets[task.Spec.Model]
	idx := sort.Search(len(bucket), func(i int) bool {
		if bucket[i].Spec.Priority != task.Spec.Priority {
			return bucket[i].Spec.Priority < task.Spec.Priority
		}
		return bucket[i].seq > task.seq
	})
	bucket = append(bucket, nil)
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = task
	q.buckets[task.Spec.Model] = bucket
	metrics.QueuePending.WithLabelValues(task.Spec.Priority.String()).Inc()
}

func (q *Queue) removeFromBucketLocked(task *Task) bool {
	bucket := q.buckets[task.Spec.Model]
	for i, t := range bucket {
		if t.ID == task.ID {
			q.buckets[task.Spec.Model] = append(bucket[:i], bucket[i+1:]...)
			if len(q.buckets[task.Spec.Model]) == 0 {
				delete(q.buckets, task.Spec.Model)
			}
			metrics.QueuePending.WithLabelValues(task.Spec.Priority.String()).Dec()
			return true
		}
	}
	return false
}

// PendingModels returns the models with queued work, sorted by name for
// deterministic iteration. The scheduler applies its own bucket priority.
func (q *Queue) PendingModels() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	models := make([]string, 0, len(q.buckets))
	for m := range q.buckets {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Head returns the highest-priority pending task of a model bucket.
func (q *Queue) Head(model string) (View, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bucket := q.buckets[model]
	if len(bucket) == 0 {
		return View{}, false
	}
	return bucket[0].view(), true
}

// HeadDuration returns the probed audio duration of the bucket head.
func (q *Queue) HeadDuration(model string) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bucket := q.buckets[model]
	if len(bucket) == 0 {
		return 0, false
	}
	return bucket[0].DurationSec, true
}

// BeginDispatch moves a pending task into the in-flight set as Loading on
// the given GPU. A task can only be dispatched once: a second call for the
// same id fails.
func (q *Queue) BeginDispatch(id string, gpu int, reservedGB float64) error {
	q.mu.Lock()
	task, ok := q.findPendingLocked(id)
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", id, ErrNotFound)
	}
	if err := q.transitionLocked(task, StatusLoading); err != nil {
		q.mu.Unlock()
		return err
	}
	q.removeFromBucketLocked(task)
	task.GPU = gpu
	task.ReservedGB = reservedGB
	q.inflight[task.ID] = task
	metrics.QueueInflight.Set(float64(len(q.inflight)))
	metrics.QueueWaitTime.WithLabelValues(task.Spec.Priority.String()).
		Observe(time.Since(task.CreatedAt).Seconds())
	q.notifier.TaskUpdated(task.view())
	q.mu.Unlock()
	return nil
}

// AttachCancel registers the worker's cancel function for an in-flight task.
func (q *Queue) AttachCancel(id string, cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.inflight[id]; ok {
		task.cancel = cancel
		if task.cancelled {
			// Cancel raced dispatch; fire immediately.
			cancel()
		}
	}
}

// MarkProcessing transitions a Loading task to Processing.
func (q *Queue) MarkProcessing(id string) error {
	q.mu.Lock()
	task, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("mark processing %s: %w", id, ErrNotFound)
	}
	if err := q.transitionLocked(task, StatusProcessing); err != nil {
		q.mu.Unlock()
		return err
	}
	task.StartedAt = time.Now()
	q.notifier.TaskUpdated(task.view())
	q.mu.Unlock()
	return nil
}

// UpdateProgress records task progress. Progress is monotonic within a
// run; regressions are suppressed.
func (q *Queue) UpdateProgress(id string, progress float64, message string) {
	q.mu.Lock()
	task, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if progress < task.Progress {
		progress = task.Progress
	}
	task.Progress = progress
	if message != "" {
		task.Message = message
	}
	q.notifier.TaskUpdated(task.view())
	q.mu.Unlock()
}

// UpdateDownloadProgress records model fetch progress for a Loading task.
// A negative value marks the download as failed.
func (q *Queue) UpdateDownloadProgress(id string, progress float64, message string) {
	q.mu.Lock()
	task, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.DownloadProgress = progress
	q.notifier.DownloadProgress(id, task.Spec.Model, progress, message)
	q.mu.Unlock()
}

// MarkCompleted finishes a task successfully.
func (q *Queue) MarkCompleted(id string, result *Result) error {
	q.mu.Lock()
	task, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("mark completed %s: %w", id, ErrNotFound)
	}
	if err := q.transitionLocked(task, StatusCompleted); err != nil {
		q.mu.Unlock()
		return err
	}
	task.Result = result
	task.Progress = 100
	task.FinishedAt = time.Now()
	q.retireLocked(task)
	view := task.view()
	q.notifier.TaskUpdated(view)
	q.mu.Unlock()

	metrics.TasksFinished.WithLabelValues("completed").Inc()
	q.logger.Info().
		Str("task_id", id).
		Dur("elapsed", view.EndTime.Sub(view.CreatedAt)).
		Msg("task completed")
	q.signal()
	return nil
}

// MarkFailed records a worker failure. Retryable kinds below the retry
// budget go back to the tail of their model bucket via Retrying; anything
// else is terminal.
func (q *Queue) MarkFailed(id string, kind ErrorKind, message string) error {
	q.mu.Lock()
	task, ok := q.inflight[id]
	if !ok {
		// A pending task can fail too (cancel before dispatch).
		if task, ok = q.findPendingLocked(id); !ok {
			q.mu.Unlock()
			return fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
		}
		q.removeFromBucketLocked(task)
		q.failLocked(task, kind, message)
		q.notifier.TaskUpdated(task.view())
		q.mu.Unlock()
		q.signal()
		return nil
	}

	if kind.Retryable() && task.RetryCount < q.opts.MaxRetries {
		if err := q.transitionLocked(task, StatusRetrying); err != nil {
			q.mu.Unlock()
			return err
		}
		task.RetryCount++
		retryView := task.view()
		// Back to the tail of the same bucket: same priority, fresh
		// sequence number, progress reset.
		if err := q.transitionLocked(task, StatusPending); err != nil {
			q.mu.Unlock()
			return err
		}
		delete(q.inflight, task.ID)
		metrics.QueueInflight.Set(float64(len(q.inflight)))
		task.GPU = -1
		task.ReservedGB = 0
		task.Progress = 0
		task.DownloadProgress = 0
		task.Message = message
		task.StartedAt = time.Time{}
		task.cancel = nil
		task.seq = q.seq
		q.seq++
		q.enqueueLocked(task)
		q.notifier.TaskUpdated(retryView)
		q.notifier.TaskUpdated(task.view())
		q.mu.Unlock()

		metrics.TaskRetries.Inc()
		q.logger.Warn().
			Str("task_id", id).
			Str("kind", string(kind)).
			Int("retry", retryView.RetryCount).
			Msg("task failed, retrying")
		q.signal()
		return nil
	}

	q.failLocked(task, kind, message)
	q.notifier.TaskUpdated(task.view())
	q.mu.Unlock()

	q.logger.Error().
		Str("task_id", id).
		Str("kind", string(kind)).
		Str("error", message).
		Msg("task failed")
	q.signal()
	return nil
}

// failLocked marks a task terminally Failed and retires it.
func (q *Queue) failLocked(task *Task, kind ErrorKind, message string) {
	if err := q.transitionLocked(task, StatusFailed); err != nil {
		// Terminal anyway; record the violation and force the state.
		q.logger.Error().Err(err).Str("task_id", task.ID).Msg("forcing failed state")
		task.Status = StatusFailed
	}
	task.Err = &TaskError{Kind: kind, Message: message}
	task.FinishedAt = time.Now()
	q.retireLocked(task)
	q.failed = append(q.failed, task.view())
	if len(q.failed) > q.opts.FailedLogSize {
		q.failed = q.failed[1:]
	}
	metrics.TasksFinished.WithLabelValues("failed").Inc()
}

// retireLocked moves a terminal task from the in-flight set to the
// recently-finished ring.
func (q *Queue) retireLocked(task *Task) {
	delete(q.inflight, task.ID)
	metrics.QueueInflight.Set(float64(len(q.inflight)))
	task.finishedAt = time.Now()
	q.finished = append(q.finished, task)
	q.evictFinishedLocked()
}

func (q *Queue) evictFinishedLocked() {
	cutoff := time.Now().Add(-q.opts.FinishedRetention)
	i := 0
	for ; i < len(q.finished); i++ {
		if q.finished[i].finishedAt.After(cutoff) {
			break
		}
	}
	q.finished = q.finished[i:]
}

// Cancel requests cancellation of a task. Pending tasks fail immediately
// with client_cancelled; in-flight tasks get their worker context
// cancelled. Terminal tasks are a no-op. Cancel is idempotent.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	if task, ok := q.findPendingLocked(id); ok {
		q.removeFromBucketLocked(task)
		q.failLocked(task, KindClientCancelled, "cancelled before dispatch")
		q.notifier.TaskUpdated(task.view())
		q.mu.Unlock()
		q.signal()
		return true
	}
	if task, ok := q.inflight[id]; ok {
		task.cancelled = true
		cancel := task.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	}
	q.mu.Unlock()
	return false
}

// WasCancelled reports whether a client cancel was requested for the task.
// The worker uses it to classify a context cancellation.
func (q *Queue) WasCancelled(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.inflight[id]; ok {
		return task.cancelled
	}
	for _, task := range q.finished {
		if task.ID == id {
			return task.cancelled
		}
	}
	return false
}

// Get returns the public view of a task wherever it currently lives.
func (q *Queue) Get(id string) (View, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictFinishedLocked()
	if task, ok := q.inflight[id]; ok {
		return task.view(), true
	}
	for _, bucket := range q.buckets {
		for _, task := range bucket {
			if task.ID == id {
				return task.view(), true
			}
		}
	}
	for _, task := range q.finished {
		if task.ID == id {
			return task.view(), true
		}
	}
	return View{}, false
}

// Snapshot lists pending and running tasks for the UI and event fan-out.
func (q *Queue) Snapshot() (pending, running []View) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, bucket := range q.buckets {
		for _, task := range bucket {
			pending = append(pending, task.view())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, task := range q.inflight {
		running = append(running, task.view())
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].CreatedAt.Before(running[j].CreatedAt)
	})
	return pending, running
}

// FailedLog returns the bounded terminal-failure diagnostics log.
func (q *Queue) FailedLog() []View {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]View, len(q.failed))
	copy(out, q.failed)
	return out
}

// InflightCount returns the number of loading or processing tasks.
func (q *Queue) InflightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) findPendingLocked(id string) (*Task, bool) {
	for _, bucket := range q.buckets {
		for _, task := range bucket {
			if task.ID == id {
				return task, true
			}
		}
	}
	return nil, false
}

// transitionLocked applies a state-machine edge or reports an invariant
// violation.
func (q *Queue) transitionLocked(task *Task, to Status) error {
	if !transitionAllowed(task.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", task.Status, to, task.ID)
	}
	task.Status = to
	return nil
}
