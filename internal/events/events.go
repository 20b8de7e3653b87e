// SPDX-License-Identifier: MIT

package events

import (
	"time"

	"github.com/scribeworks/scribed/internal/queue"
)

// Type identifies an event on the wire.
type Type string

const (
	TypeTaskUpdate       Type = "task_update"
	TypeDownloadProgress Type = "download_progress"
	TypeHeartbeat        Type = "heartbeat"
	TypeCompaction       Type = "events_dropped"
)

// Event is the JSON envelope delivered to subscribers.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// DownloadProgress reports model fetch progress for a task. Progress is
// -1 on failure, 0..99 in flight and 100 when done.
type DownloadProgress struct {
	TaskID    string  `json:"task_id"`
	ModelName string  `json:"model_name"`
	Progress  float64 `json:"progress"`
	Message   string  `json:"message"`
}

// Heartbeat is the periodic liveness event.
type Heartbeat struct {
	ServerTS time.Time `json:"server_ts"`
}

// Compaction notifies a subscriber that events were dropped since its
// last delivery.
type Compaction struct {
	Dropped int `json:"dropped"`
}

// TaskUpdateEvent wraps a task view in the envelope.
func TaskUpdateEvent(v queue.View) Event {
	return Event{Type: TypeTaskUpdate, Payload: v}
}
