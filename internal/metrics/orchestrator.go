// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueuePending tracks pending tasks per priority.
	QueuePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "queue_pending",
		Help:      "Pending tasks per priority",
	}, []string{"priority"})

	// QueueInflight tracks tasks in Loading or Processing.
	QueueInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "queue_inflight",
		Help:      "Tasks currently loading or processing",
	})

	// TasksFinished counts terminal transitions by outcome.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal state",
	}, []string{"outcome"}) // outcome: completed|failed

	// TaskRetries counts retry transitions.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "task_retries_total",
		Help:      "Task retry transitions",
	})

	// QueueWaitTime observes time from submission to dispatch.
	QueueWaitTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribed",
		Name:      "queue_wait_seconds",
		Help:      "Time spent waiting in the queue before dispatch",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
	}, []string{"priority"})

	// SchedulerIterations counts scheduler passes by trigger.
	SchedulerIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "scheduler_iterations_total",
		Help:      "Scheduler iterations by trigger",
	}, []string{"trigger"}) // trigger: tick|wakeup|manual

	// SchedulerPlacements counts successful task placements.
	SchedulerPlacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "scheduler_placements_total",
		Help:      "Tasks placed on a GPU by the scheduler",
	}, []string{"model"})

	// TranscribeDuration observes end-to-end worker pipeline duration.
	TranscribeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribed",
		Name:      "transcribe_duration_seconds",
		Help:      "Worker pipeline duration from load to finalize",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	}, []string{"model"})

	// WorkersActive tracks running workers.
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "workers_active",
		Help:      "Number of active transcription workers",
	})
)
