// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusSubscribers tracks connected event subscribers.
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribed",
		Name:      "bus_subscribers",
		Help:      "Connected event bus subscribers",
	})

	// BusEventsPublished counts published events by type.
	BusEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "bus_events_published_total",
		Help:      "Events published to the bus",
	}, []string{"type"})

	// BusEventsDropped counts events dropped by subscriber back-pressure.
	BusEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribed",
		Name:      "bus_events_dropped_total",
		Help:      "Events dropped due to slow subscribers",
	}, []string{"type"})
)
