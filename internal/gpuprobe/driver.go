// SPDX-License-Identifier: MIT

// Package gpuprobe discovers accelerators and serves cached device
// snapshots to the scheduler and memory pool.
package gpuprobe

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrProbeUnavailable is returned when no accelerator is discoverable.
// The orchestrator degrades to CPU-only mode in that case.
var ErrProbeUnavailable = errors.New("no accelerator available")

// ErrUnknownDevice is returned when a device id is not in the snapshot.
var ErrUnknownDevice = errors.New("unknown device")

// GPU is a read-mostly snapshot of a single accelerator. Consumers must
// not mutate descriptors.
type GPU struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	TotalGB     float64   `json:"total_gb"`
	UsedGB      float64   `json:"used_gb"`
	FreeGB      float64   `json:"free_gb"`
	Temperature float64   `json:"temperature"`
	Utilization float64   `json:"utilization"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Driver is the vendor-facing discovery contract.
type Driver interface {
	// Discover enumerates devices with memory, temperature and
	// utilization filled in. An empty result means no accelerator.
	Discover(ctx context.Context) ([]GPU, error)
}

// StaticDriver serves a fixed device list. Used in tests and for
// development hosts without a management library.
type StaticDriver struct {
	mu      sync.Mutex
	devices []GPU
}

// NewStaticDriver returns a driver that always reports the given devices.
func NewStaticDriver(devices ...GPU) *StaticDriver {
	return &StaticDriver{devices: devices}
}

// SetDevices replaces the reported device list.
func (d *StaticDriver) SetDevices(devices ...GPU) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = devices
}

// Discover implements Driver.
func (d *StaticDriver) Discover(_ context.Context) ([]GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]GPU, len(d.devices))
	copy(out, d.devices)
	now := time.Now()
	for i := range out {
		out[i].UpdatedAt = now
	}
	return out, nil
}
