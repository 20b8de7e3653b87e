// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/scribeworks/scribed/internal/log"
)

// Registry caches loaded model handles per (gpu, model) with refcounts so
// concurrent tasks on the same device reuse a load instead of repeating
// it. Loads and unloads are serialized per device; transcription is not.
type Registry struct {
	engine Engine

	mu     sync.Mutex
	locks  map[int]*sync.Mutex
	loaded map[int]map[string]*modelEntry
}

type modelEntry struct {
	handle ModelHandle
	refs   int
}

// NewRegistry creates a registry over the given engine.
func NewRegistry(engine Engine) *Registry {
	return &Registry{
		engine: engine,
		locks:  make(map[int]*sync.Mutex),
		loaded: make(map[int]map[string]*modelEntry),
	}
}

func (r *Registry) deviceLock(gpu int) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[gpu]
	if !ok {
		l = &sync.Mutex{}
		r.locks[gpu] = l
	}
	return l
}

// Acquire returns a handle for (gpu, model), loading it when no live task
// holds one. The device lock is held for the duration of the load so the
// engine is never re-entered on the same device.
func (r *Registry) Acquire(ctx context.Context, model string, gpu int, progress LoadProgress) (ModelHandle, error) {
	dl := r.deviceLock(gpu)
	dl.Lock()
	defer dl.Unlock()

	r.mu.Lock()
	if entry, ok := r.loaded[gpu][model]; ok {
		entry.refs++
		r.mu.Unlock()
		if progress != nil {
			progress(100, "model already loaded")
		}
		return entry.handle, nil
	}
	r.mu.Unlock()

	handle, err := r.engine.Load(ctx, model, gpu, progress)
	if err != nil {
		return nil, fmt.Errorf("load model %s on gpu %d: %w", model, gpu, err)
	}

	r.mu.Lock()
	if r.loaded[gpu] == nil {
		r.loaded[gpu] = make(map[string]*modelEntry)
	}
	r.loaded[gpu][model] = &modelEntry{handle: handle, refs: 1}
	r.mu.Unlock()

	logger := log.WithComponent("worker")
	logger.Debug().
		Str("model", model).
		Int("gpu", gpu).
		Msg("model loaded")
	return handle, nil
}

// Release drops one reference; the handle is unloaded when no live task
// on that device still uses it.
func (r *Registry) Release(model string, gpu int) {
	r.mu.Lock()
	entry, ok := r.loaded[gpu][model]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.loaded[gpu], model)
	handle := entry.handle
	r.mu.Unlock()

	dl := r.deviceLock(gpu)
	dl.Lock()
	err := r.engine.Unload(handle)
	dl.Unlock()

	logger := log.WithComponent("worker")
	if err != nil {
		logger.Warn().Err(err).Str("model", model).Int("gpu", gpu).Msg("model unload failed")
		return
	}
	logger.Debug().Str("model", model).Int("gpu", gpu).Msg("model unloaded")
}

// LoadedModels returns, per model, the devices holding a live handle.
// The scheduler uses this for locality-preferred bucket ordering.
func (r *Registry) LoadedModels() map[string][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]int)
	for gpu, models := range r.loaded {
		for model := range models {
			out[model] = append(out[model], gpu)
		}
	}
	return out
}
