// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"

	"github.com/scribeworks/scribed/internal/queue"
)

// LoadProgress streams model fetch progress (0..100) during Load.
type LoadProgress func(percent float64, message string)

// Transcription is the engine's result for a single audio file.
type Transcription struct {
	Text     string
	Language string
	Segments []queue.Segment
}

// ModelHandle is a loaded model bound to one device. Handles are
// thread-safe across distinct devices; per-device serialization is the
// worker's job.
type ModelHandle interface {
	Transcribe(ctx context.Context, audioPath, language string) (*Transcription, error)
}

// MemoryReporter is optionally implemented by handles that can measure
// their peak device memory usage, feeding calibration.
type MemoryReporter interface {
	PeakMemoryGB() float64
}

// Engine is the transcription backend contract. gpu is the target device
// id; negative means CPU.
type Engine interface {
	Load(ctx context.Context, model string, gpu int, progress LoadProgress) (ModelHandle, error)
	Unload(h ModelHandle) error
}

// Sentinel errors engines use so failures map onto the task taxonomy.
var (
	// ErrInputInvalid marks unreadable or undecodable input. Terminal.
	ErrInputInvalid = errors.New("invalid input")
	// ErrEngineFatal marks corrupt models or unrecoverable engine state.
	ErrEngineFatal = errors.New("fatal engine error")
)

// classify maps an engine error onto the task error taxonomy. cancelled
// tells a plain context cancellation apart from a client cancel.
func classify(err error, cancelled bool) queue.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return queue.KindTaskTimeout
	case errors.Is(err, context.Canceled):
		if cancelled {
			return queue.KindClientCancelled
		}
		return queue.KindEngineTransient
	case errors.Is(err, ErrInputInvalid):
		return queue.KindInputInvalid
	case errors.Is(err, ErrEngineFatal):
		return queue.KindEngineFatal
	default:
		return queue.KindEngineTransient
	}
}
