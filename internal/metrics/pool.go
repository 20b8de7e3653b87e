// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors for scribed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolAllocatedGB tracks memory currently reserved per GPU.
	PoolAllocatedGB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "pool_allocated_gb",
		Help:      "Memory currently reserved in the pool per GPU",
	}, []string{"gpu"})

	// PoolAvailableGB tracks memory still admissible per GPU.
	PoolAvailableGB = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "pool_available_gb",
		Help:      "Memory still available for admission per GPU",
	}, []string{"gpu"})

	// PoolTasks tracks live reservations per GPU.
	PoolTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "pool_tasks",
		Help:      "Live reservations per GPU",
	}, []string{"gpu"})

	// AdmissionDecisions counts admission checks by outcome reason.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "admission_decisions_total",
		Help:      "Admission check outcomes",
	}, []string{"reason"}) // reason: admitted|pool_exhausted|task_limit|device_low_memory|unknown_gpu

	// CalibrationSamples counts calibration observations per model.
	CalibrationSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "calibration_samples_total",
		Help:      "Observed memory samples fed into calibration",
	}, []string{"model"})

	// CalibrationErrorGB observes the signed estimate error at release time.
	CalibrationErrorGB = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribed",
		Name:      "calibration_error_gb",
		Help:      "Observed minus reserved memory at release",
		Buckets:   prometheus.LinearBuckets(-4, 1, 9), // -4GB to +4GB
	}, []string{"model"})
)
