// SPDX-License-Identifier: MIT

package mempool

import "math"

// calibration keeps a bounded FIFO ring of observed peak memory samples
// for one (gpu, model) pair and the derived mean and population stddev.
type calibration struct {
	samples []float64
	cap     int
	mean    float64
	stddev  float64
}

func newCalibration(capacity int) *calibration {
	if capacity < 1 {
		capacity = 1
	}
	return &calibration{cap: capacity}
}

// add appends a sample, evicting the oldest when the ring is full, and
// recomputes mean and stddev.
func (c *calibration) add(observedGB float64) {
	if len(c.samples) >= c.cap {
		c.samples = c.samples[1:]
	}
	c.samples = append(c.samples, observedGB)

	var sum float64
	for _, s := range c.samples {
		sum += s
	}
	c.mean = sum / float64(len(c.samples))

	var sq float64
	for _, s := range c.samples {
		d := s - c.mean
		sq += d * d
	}
	c.stddev = math.Sqrt(sq / float64(len(c.samples)))
}

func (c *calibration) count() int {
	return len(c.samples)
}

// estimate returns mean + stddev * confidence.
func (c *calibration) estimate(confidence float64) float64 {
	return c.mean + c.stddev*confidence
}
