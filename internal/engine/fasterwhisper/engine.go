// SPDX-License-Identifier: MIT

// Package fasterwhisper runs transcription through a faster-whisper
// Python subprocess, one invocation per audio file.
package fasterwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/queue"
	"github.com/scribeworks/scribed/internal/worker"
)

// Options configure the engine. Zero values pick sensible defaults.
type Options struct {
	// PythonPath overrides python interpreter discovery.
	PythonPath string
	// ComputeType is passed to WhisperModel: float16, int8_float16, int8.
	ComputeType string
	// BeamSize trades speed for accuracy, 1..5.
	BeamSize int
	// CPUOnly forces device=cpu regardless of the assigned accelerator.
	CPUOnly bool
}

// Engine implements worker.Engine by shelling out to faster-whisper.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	checkOnce sync.Once
	checkErr  error
}

// Ensure compliance
var _ worker.Engine = (*Engine)(nil)

// New creates an engine. Interpreter availability is verified lazily on
// the first Load.
func New(opts Options) *Engine {
	if opts.ComputeType == "" {
		opts.ComputeType = "float16"
	}
	if opts.BeamSize < 1 || opts.BeamSize > 5 {
		opts.BeamSize = 1
	}
	return &Engine{
		opts:   opts,
		logger: log.WithComponent("engine"),
	}
}

func (e *Engine) python() (string, error) {
	e.checkOnce.Do(func() {
		path := e.opts.PythonPath
		if path == "" {
			var err error
			path, err = exec.LookPath("python3")
			if err != nil {
				path, err = exec.LookPath("python")
				if err != nil {
					e.checkErr = fmt.Errorf("%w: python interpreter not found in PATH", worker.ErrEngineFatal)
					return
				}
			}
		}
		if err := exec.Command(path, "-c", "import faster_whisper").Run(); err != nil {
			e.checkErr = fmt.Errorf("%w: faster-whisper not importable, install with: pip install faster-whisper", worker.ErrEngineFatal)
			return
		}
		e.opts.PythonPath = path
		e.logger.Info().Str("python", path).Msg("faster-whisper engine ready")
	})
	return e.opts.PythonPath, e.checkErr
}

// Load validates the runtime and returns a handle bound to (model, gpu).
// faster-whisper downloads model weights on first use; the subprocess
// reports that as part of its runtime, so load progress here is staged.
func (e *Engine) Load(ctx context.Context, model string, gpu int, progress worker.LoadProgress) (worker.ModelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	python, err := e.python()
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(10, "verifying model availability")
	}

	h := &handle{
		engine: e,
		python: python,
		model:  model,
		gpu:    gpu,
	}
	if err := h.warmup(ctx); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100, "model ready")
	}
	return h, nil
}

// Unload releases a handle. The subprocess model lives per invocation, so
// there is nothing to tear down beyond forgetting the binding.
func (e *Engine) Unload(worker.ModelHandle) error {
	return nil
}

// handle is a live (model, gpu) binding.
type handle struct {
	engine *Engine
	python string
	model  string
	gpu    int

	mu         sync.Mutex
	peakMemory float64
}

// Ensure compliance
var (
	_ worker.ModelHandle    = (*handle)(nil)
	_ worker.MemoryReporter = (*handle)(nil)
)

// response is the subprocess JSON contract.
type response struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	PeakMemGB  float64 `json:"peak_mem_gb,omitempty"`
	SegmentSet []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// warmup instantiates the model once so weight downloads happen during
// the Loading phase, not mid-transcription.
func (h *handle) warmup(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.python, "-c", h.warmupScript())
	cmd.Env = h.env()
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyStderr(errBuf.String(), err)
	}
	return nil
}

// Transcribe runs one file through the subprocess.
func (h *handle) Transcribe(ctx context.Context, audioPath, language string) (*worker.Transcription, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("%w: %s", worker.ErrInputInvalid, audioPath)
	}

	cmd := exec.CommandContext(ctx, h.python, "-c", h.transcribeScript(audioPath, language))
	cmd.Env = h.env()

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var resp response
		if jsonErr := json.Unmarshal(outBuf.Bytes(), &resp); jsonErr == nil && resp.Error != "" {
			return nil, classifyResponse(resp)
		}
		return nil, classifyStderr(errBuf.String(), err)
	}

	var resp response
	if err := json.Unmarshal(outBuf.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode engine output: %w", err)
	}
	if resp.Error != "" {
		return nil, classifyResponse(resp)
	}

	if resp.PeakMemGB > 0 {
		h.mu.Lock()
		if resp.PeakMemGB > h.peakMemory {
			h.peakMemory = resp.PeakMemGB
		}
		h.mu.Unlock()
	}

	tr := &worker.Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
	}
	for _, s := range resp.SegmentSet {
		tr.Segments = append(tr.Segments, queue.Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	log.FromContext(ctx).Debug().
		Str("audio", audioPath).
		Str("language", tr.Language).
		Int("segments", len(tr.Segments)).
		Msg("file transcribed")
	return tr, nil
}

// PeakMemoryGB reports the highest device memory use observed across
// invocations of this handle, for pool calibration.
func (h *handle) PeakMemoryGB() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peakMemory
}

func (h *handle) device() string {
	if h.engine.opts.CPUOnly || h.gpu < 0 {
		return "cpu"
	}
	return "cuda"
}

// env pins the subprocess to the assigned accelerator.
func (h *handle) env() []string {
	env := os.Environ()
	if h.device() == "cuda" {
		env = append(env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", h.gpu))
	}
	return env
}

func (h *handle) warmupScript() string {
	return fmt.Sprintf(`
import warnings
warnings.filterwarnings("ignore")
from faster_whisper import WhisperModel
WhisperModel(%q, device=%q, compute_type=%q)
`, h.model, h.device(), h.engine.opts.ComputeType)
}

func (h *handle) transcribeScript(audioPath, language string) string {
	lang := "None"
	if language != "" && language != "auto" {
		lang = fmt.Sprintf("%q", language)
	}
	return fmt.Sprintf(`
import json
import sys
import warnings
warnings.filterwarnings("ignore")
from faster_whisper import WhisperModel

try:
    model = WhisperModel(%q, device=%q, compute_type=%q)
    segments, info = model.transcribe(%q, language=%s, beam_size=%d)
    out = {"text": "", "language": info.language, "segments": []}
    for seg in segments:
        out["text"] += seg.text
        out["segments"].append({"start": seg.start, "end": seg.end, "text": seg.text})
    try:
        import torch
        if torch.cuda.is_available():
            out["peak_mem_gb"] = torch.cuda.max_memory_allocated() / (1024 ** 3)
    except Exception:
        pass
    print(json.dumps(out))
except FileNotFoundError as e:
    print(json.dumps({"error": str(e), "error_kind": "input_invalid"}))
    sys.exit(1)
except ValueError as e:
    print(json.dumps({"error": str(e), "error_kind": "input_invalid"}))
    sys.exit(1)
except RuntimeError as e:
    kind = "engine_transient" if "out of memory" in str(e).lower() else "engine_fatal"
    print(json.dumps({"error": str(e), "error_kind": kind}))
    sys.exit(1)
except Exception as e:
    print(json.dumps({"error": str(e), "error_kind": "engine_transient"}))
    sys.exit(1)
`, h.model, h.device(), h.engine.opts.ComputeType, audioPath, lang, h.engine.opts.BeamSize)
}

// classifyResponse maps the subprocess error contract onto the engine
// error sentinels.
func classifyResponse(resp response) error {
	switch resp.ErrorKind {
	case "input_invalid":
		return fmt.Errorf("%w: %s", worker.ErrInputInvalid, resp.Error)
	case "engine_fatal":
		return fmt.Errorf("%w: %s", worker.ErrEngineFatal, resp.Error)
	default:
		return errors.New(resp.Error)
	}
}

// classifyStderr distinguishes environment breakage from transient
// failures when the subprocess died without honoring the JSON contract.
func classifyStderr(stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "modulenotfounderror"),
		strings.Contains(lower, "no module named"):
		return fmt.Errorf("%w: %s", worker.ErrEngineFatal, msg)
	case strings.Contains(lower, "cuda driver"),
		strings.Contains(lower, "libcudnn"),
		strings.Contains(lower, "libcublas"):
		return fmt.Errorf("%w: %s", worker.ErrEngineFatal, msg)
	default:
		return fmt.Errorf("engine subprocess failed: %s", msg)
	}
}
