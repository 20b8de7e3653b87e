// SPDX-License-Identifier: MIT

package gpuprobe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/log"
)

const discoverTimeout = 5 * time.Second

// Probe caches device snapshots from a Driver with a TTL. Snapshots are
// served under a read lock; a forced refresh bypasses the cache.
type Probe struct {
	driver Driver
	ttl    time.Duration
	logger zerolog.Logger

	mu        sync.RWMutex
	cached    []GPU
	fetchedAt time.Time
}

// NewProbe creates a probe over the given driver with the given cache TTL.
func NewProbe(driver Driver, ttl time.Duration) *Probe {
	return &Probe{
		driver: driver,
		ttl:    ttl,
		logger: log.WithComponent("gpuprobe"),
	}
}

// Snapshot returns the cached device list, refreshing it when the TTL has
// expired. The returned slice is a copy; callers may not mutate devices.
func (p *Probe) Snapshot(ctx context.Context) ([]GPU, error) {
	p.mu.RLock()
	if p.cached != nil && time.Since(p.fetchedAt) < p.ttl {
		out := make([]GPU, len(p.cached))
		copy(out, p.cached)
		p.mu.RUnlock()
		return out, nil
	}
	p.mu.RUnlock()
	return p.Refresh(ctx)
}

// Refresh bypasses the cache and queries the driver directly.
func (p *Probe) Refresh(ctx context.Context) ([]GPU, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	devices, err := p.driver.Discover(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("device discovery failed")
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrProbeUnavailable
	}

	p.mu.Lock()
	p.cached = devices
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	out := make([]GPU, len(devices))
	copy(out, devices)
	return out, nil
}

// Describe returns the cached descriptor for a single device.
func (p *Probe) Describe(ctx context.Context, id int) (GPU, error) {
	devices, err := p.Snapshot(ctx)
	if err != nil {
		return GPU{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return GPU{}, ErrUnknownDevice
}

// Count returns the number of discovered devices.
func (p *Probe) Count(ctx context.Context) (int, error) {
	devices, err := p.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}
