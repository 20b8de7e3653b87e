// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/gpuprobe"
	"github.com/scribeworks/scribed/internal/orchestrator"
	"github.com/scribeworks/scribed/internal/queue"
	"github.com/scribeworks/scribed/internal/worker"
)

type fakeMeta struct{}

func (fakeMeta) DurationSeconds(string) (float64, error) { return 30, nil }

type fakeHandle struct{}

func (fakeHandle) Transcribe(ctx context.Context, path, lang string) (*worker.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &worker.Transcription{Text: "ok", Language: "en"}, nil
}

type fakeEngine struct{}

func (fakeEngine) Load(context.Context, string, int, worker.LoadProgress) (worker.ModelHandle, error) {
	return fakeHandle{}, nil
}

func (fakeEngine) Unload(worker.ModelHandle) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.System, config.Config) {
	t.Helper()
	cfg := config.FromEnv()
	cfg.OutputDir = t.TempDir()
	cfg.SchedulerTick = 20 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond

	sys, err := orchestrator.New(orchestrator.Options{
		Config:        cfg,
		Driver:        gpuprobe.NewStaticDriver(gpuprobe.GPU{ID: 0, TotalGB: 24, FreeGB: 23}),
		Engine:        fakeEngine{},
		Metadata:      fakeMeta{},
		SkipFileCheck: true,
	})
	require.NoError(t, err)
	sys.Start()

	ts := httptest.NewServer(NewServer(sys, cfg).Routes())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return ts, sys, cfg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck // test helper
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestSubmitAndStatusRoundtrip(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", submitRequest{
		Files: []string{"talk.wav"},
		Model: "base",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var submitResp map[string]string
	decodeBody(t, resp, &submitResp)
	id := submitResp["task_id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/tasks/" + id)
		if err != nil {
			return false
		}
		var v queue.View
		decodeBody(t, resp, &v)
		return v.Status == queue.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/tasks", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // status only
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/v1/tasks", submitRequest{Files: []string{"a.wav"}, Model: "nope"})
	resp.Body.Close() //nolint:errcheck // status only
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/tasks/nope")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // status only
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/tasks/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // status only
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConcurrencyEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/concurrency")
	require.NoError(t, err)
	var got map[string]int
	decodeBody(t, resp, &got)
	assert.Equal(t, 3, got["max_concurrent_tasks"])

	limit := 50
	raw, _ := json.Marshal(concurrencyRequest{MaxConcurrentTasks: &limit})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/concurrency", bytes.NewReader(raw))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var applied map[string]any
	decodeBody(t, resp, &applied)
	assert.Equal(t, float64(config.HardConcurrencyLimit), applied["max_concurrent_tasks"])
}

func TestQueueAndGPUEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/queue")
	require.NoError(t, err)
	var qs orchestrator.QueueStatus
	decodeBody(t, resp, &qs)
	assert.Equal(t, 3, qs.MaxConcurrentTasks)

	resp, err = http.Get(ts.URL + "/api/v1/gpus")
	require.NoError(t, err)
	var gpus map[string][]gpuprobe.GPU
	decodeBody(t, resp, &gpus)
	require.Len(t, gpus["gpus"], 1)
	assert.Equal(t, 24.0, gpus["gpus"][0].TotalGB)
}

func TestMetricsExposed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // status only
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketStreamsTaskUpdates(t *testing.T) {
	ts, sys, _ := newTestServer(t)

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // handshake response
	}
	defer conn.Close() //nolint:errcheck // test teardown

	id, err := sys.Submit(queue.Spec{Files: []string{"a.wav"}, Model: "base", GPUHint: -1})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != "task_update" {
			continue
		}
		var v queue.View
		require.NoError(t, json.Unmarshal(msg.Data, &v))
		if v.ID == id && v.Status == queue.StatusCompleted {
			return
		}
	}
}
