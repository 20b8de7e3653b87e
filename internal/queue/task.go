// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"time"
)

// Priority orders tasks within a model bucket.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps a string to a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusLoading    Status = "loading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions is the task state machine. Unknown edges are invariant
// violations and are rejected.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusLoading, StatusFailed},
	StatusLoading:    {StatusProcessing, StatusFailed, StatusRetrying},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying},
	StatusRetrying:   {StatusPending},
}

func transitionAllowed(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies task failures with stable codes.
type ErrorKind string

const (
	KindInputInvalid        ErrorKind = "input_invalid"
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	KindEngineTransient     ErrorKind = "engine_transient"
	KindEngineFatal         ErrorKind = "engine_fatal"
	KindTaskTimeout         ErrorKind = "task_timeout"
	KindClientCancelled     ErrorKind = "client_cancelled"
	KindInternal            ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindEngineTransient
}

// TaskError is the recorded failure of a task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Spec is an immutable task submission.
type Spec struct {
	Files    []string `json:"files"`
	Model    string   `json:"model"`
	Language string   `json:"language"`
	Formats  []string `json:"formats"`
	Priority Priority `json:"priority"`
	GPUHint  int      `json:"gpu_hint"` // negative means no preference
}

// Segment is a time-stamped transcript span.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// FileResult holds the transcript for one input file.
type FileResult struct {
	File     string    `json:"file"`
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
	Outputs  []string  `json:"outputs"`
}

// Result is the aggregated task outcome.
type Result struct {
	Files    []FileResult `json:"files"`
	Language string       `json:"language"`
}

// Task is a submission plus its mutable execution state. All mutation goes
// through the Queue, which owns the locking.
type Task struct {
	ID          string
	CreatedAt   time.Time
	Spec        Spec
	DurationSec float64

	Status           Status
	RetryCount       int
	GPU              int // assigned device, negative when unassigned
	ReservedGB       float64
	StartedAt        time.Time
	FinishedAt       time.Time
	Progress         float64
	Message          string
	DownloadProgress float64
	Err              *TaskError
	Result           *Result

	seq        uint64 // FIFO tie-break within a priority class
	cancel     func()
	cancelled  bool
	finishedAt time.Time // ring eviction clock, set on terminal transition
}

// View is the immutable public projection of a task, also the shape of
// task_update events.
type View struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	Progress         float64    `json:"progress"`
	Message          string     `json:"message"`
	Model            string     `json:"model"`
	Language         string     `json:"language"`
	Files            []string   `json:"files"`
	Formats          []string   `json:"formats"`
	Priority         string     `json:"priority"`
	GPU              int        `json:"gpu"`
	GPUHint          int        `json:"gpu_hint"`
	CreatedAt        time.Time  `json:"created_at"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	RetryCount       int        `json:"retry_count"`
	DownloadProgress float64    `json:"download_progress"`
	Error            *TaskError `json:"error,omitempty"`
	Result           *Result    `json:"result,omitempty"`
}

func (t *Task) view() View {
	v := View{
		ID:               t.ID,
		Status:           t.Status,
		Progress:         t.Progress,
		Message:          t.Message,
		Model:            t.Spec.Model,
		Language:         t.Spec.Language,
		Files:            append([]string(nil), t.Spec.Files...),
		Formats:          append([]string(nil), t.Spec.Formats...),
		Priority:         t.Spec.Priority.String(),
		GPU:              t.GPU,
		GPUHint:          t.Spec.GPUHint,
		CreatedAt:        t.CreatedAt,
		RetryCount:       t.RetryCount,
		DownloadProgress: t.DownloadProgress,
		Error:            t.Err,
		Result:           t.Result,
	}
	if !t.StartedAt.IsZero() {
		start := t.StartedAt
		v.StartTime = &start
	}
	if !t.FinishedAt.IsZero() {
		end := t.FinishedAt
		v.EndTime = &end
	}
	return v
}
