// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/events"
	"github.com/scribeworks/scribed/internal/gpuprobe"
	"github.com/scribeworks/scribed/internal/queue"
	"github.com/scribeworks/scribed/internal/worker"
)

type fakeMeta struct{ duration float64 }

func (m fakeMeta) DurationSeconds(string) (float64, error) { return m.duration, nil }

type fakeHandle struct{}

func (fakeHandle) Transcribe(ctx context.Context, path, lang string) (*worker.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &worker.Transcription{
		Text:     "transcribed " + filepath.Base(path),
		Language: "en",
		Segments: []queue.Segment{{Start: 0, End: 1, Text: "transcribed"}},
	}, nil
}

type fakeEngine struct{}

func (fakeEngine) Load(_ context.Context, _ string, _ int, progress worker.LoadProgress) (worker.ModelHandle, error) {
	if progress != nil {
		progress(100, "model ready")
	}
	return fakeHandle{}, nil
}

func (fakeEngine) Unload(worker.ModelHandle) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.OutputDir = t.TempDir()
	cfg.SchedulerTick = 20 * time.Millisecond
	return cfg
}

func newTestSystem(t *testing.T, devices ...gpuprobe.GPU) *System {
	t.Helper()
	sys, err := New(Options{
		Config:        testConfig(t),
		Driver:        gpuprobe.NewStaticDriver(devices...),
		Engine:        fakeEngine{},
		Metadata:      fakeMeta{duration: 60},
		SkipFileCheck: true,
	})
	require.NoError(t, err)
	return sys
}

func shutdown(t *testing.T, sys *System) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))
}

func TestSubmitToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sys := newTestSystem(t, gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23})
	sys.Start()
	defer shutdown(t, sys)

	id, err := sys.Submit(queue.Spec{
		Files:   []string{"meeting.wav"},
		Model:   "base",
		Formats: []string{"txt", "srt"},
		GPUHint: -1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := sys.Status(id)
		return ok && v.Status == queue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	v, ok := sys.Status(id)
	require.True(t, ok)
	require.NotNil(t, v.Result)
	require.Len(t, v.Result.Files, 1)
	assert.Len(t, v.Result.Files[0].Outputs, 2)
	for _, out := range v.Result.Files[0].Outputs {
		_, err := os.Stat(out)
		assert.NoError(t, err)
	}

	// The reservation is gone once the task is terminal.
	assert.Zero(t, sys.PoolStatus()[0].AllocatedGB)
}

func TestSubmitValidation(t *testing.T) {
	sys := newTestSystem(t, gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23})
	defer shutdown(t, sys)

	_, err := sys.Submit(queue.Spec{Files: []string{"a.wav"}, Model: "nope"})
	assert.ErrorIs(t, err, queue.ErrInvalidInput)
}

func TestCancelBeforeDispatch(t *testing.T) {
	// System never started: nothing schedules, the task stays pending.
	sys := newTestSystem(t, gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23})
	defer shutdown(t, sys)

	id, err := sys.Submit(queue.Spec{Files: []string{"a.wav"}, Model: "base", GPUHint: -1})
	require.NoError(t, err)

	require.True(t, sys.Cancel(id))
	v, ok := sys.Status(id)
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, v.Status)
	require.NotNil(t, v.Error)
	assert.Equal(t, queue.KindClientCancelled, v.Error.Kind)

	assert.False(t, sys.Cancel("unknown"))
}

func TestEventSubscription(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sys := newTestSystem(t, gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23})
	sys.Start()
	defer shutdown(t, sys)

	sub := sys.Subscribe()
	defer sub.Close()

	id, err := sys.Submit(queue.Spec{Files: []string{"a.wav"}, Model: "base", GPUHint: -1})
	require.NoError(t, err)

	// The stream must carry the task through to a terminal state.
	deadline := time.After(5 * time.Second)
	var last queue.View
	for last.Status != queue.StatusCompleted {
		select {
		case ev := <-sub.C():
			if ev.Type != events.TypeTaskUpdate {
				continue
			}
			v := ev.Payload.(queue.View)
			if v.ID == id {
				last = v
			}
		case <-deadline:
			t.Fatalf("no completion event, last status %q", last.Status)
		}
	}
	assert.Equal(t, 100.0, last.Progress)
}

func TestConcurrencyEndpointSemantics(t *testing.T) {
	sys := newTestSystem(t, gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23})
	defer shutdown(t, sys)

	assert.Equal(t, 3, sys.GetConcurrency())
	assert.Equal(t, config.HardConcurrencyLimit, sys.SetConcurrency(50))
	assert.Equal(t, 1, sys.SetConcurrency(0))
}

func TestCPUModeDegradation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sys := newTestSystem(t) // no devices
	sys.Start()
	defer shutdown(t, sys)

	devices, err := sys.GPUStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, 1, sys.GetConcurrency())

	id, err := sys.Submit(queue.Spec{Files: []string{"a.wav"}, Model: "base", GPUHint: -1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := sys.Status(id)
		return ok && v.Status == queue.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueueListing(t *testing.T) {
	sys := newTestSystem(t, gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23})
	defer shutdown(t, sys)

	_, err := sys.Submit(queue.Spec{Files: []string{"a.wav"}, Model: "base", GPUHint: -1})
	require.NoError(t, err)

	qs := sys.ListQueue()
	assert.Len(t, qs.Pending, 1)
	assert.Empty(t, qs.Running)
	assert.Zero(t, qs.CurrentRunning)
	assert.Equal(t, 3, qs.MaxConcurrentTasks)
}
