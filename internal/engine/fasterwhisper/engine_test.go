// SPDX-License-Identifier: MIT

package fasterwhisper

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scribeworks/scribed/internal/worker"
)

func TestClassifyResponse(t *testing.T) {
	assert.ErrorIs(t,
		classifyResponse(response{Error: "bad file", ErrorKind: "input_invalid"}),
		worker.ErrInputInvalid)
	assert.ErrorIs(t,
		classifyResponse(response{Error: "model corrupt", ErrorKind: "engine_fatal"}),
		worker.ErrEngineFatal)

	err := classifyResponse(response{Error: "cuda oom", ErrorKind: "engine_transient"})
	assert.False(t, errors.Is(err, worker.ErrInputInvalid))
	assert.False(t, errors.Is(err, worker.ErrEngineFatal))
}

func TestClassifyStderr(t *testing.T) {
	assert.ErrorIs(t,
		classifyStderr("ModuleNotFoundError: No module named 'faster_whisper'", errors.New("exit status 1")),
		worker.ErrEngineFatal)
	assert.ErrorIs(t,
		classifyStderr("could not load libcudnn_ops_infer.so.8", errors.New("exit status 1")),
		worker.ErrEngineFatal)

	err := classifyStderr("", errors.New("signal: killed"))
	assert.False(t, errors.Is(err, worker.ErrEngineFatal))
	assert.Contains(t, err.Error(), "signal: killed")
}

func TestHandleDeviceSelection(t *testing.T) {
	e := New(Options{})
	gpu := &handle{engine: e, gpu: 1}
	assert.Equal(t, "cuda", gpu.device())

	cpu := &handle{engine: e, gpu: -1}
	assert.Equal(t, "cpu", cpu.device())

	forced := &handle{engine: New(Options{CPUOnly: true}), gpu: 1}
	assert.Equal(t, "cpu", forced.device())
}

func TestTranscribeScriptShape(t *testing.T) {
	e := New(Options{BeamSize: 5})
	h := &handle{engine: e, model: "large-v3", gpu: 0}

	script := h.transcribeScript("/audio/in.wav", "de")
	assert.Contains(t, script, `"large-v3"`)
	assert.Contains(t, script, `language="de"`)
	assert.Contains(t, script, "beam_size=5")

	auto := h.transcribeScript("/audio/in.wav", "auto")
	assert.Contains(t, auto, "language=None")
	assert.True(t, strings.Contains(auto, `device="cuda"`))
}
