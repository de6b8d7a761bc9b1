// Package events defines the lifecycle events published on the in-process
// bus. Exactly five types are produced by the core: started, progress,
// completed, failed and timeout. Subscribers (the notification service, the
// HTTP push layer) key their handlers on the event type tag.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/foreman/pkg/models"
)

// Type tags events for subscriber routing.
type Type string

// Event type tags.
const (
	TypeTaskStarted   Type = "task.started"
	TypeTaskProgress  Type = "task.progress"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
	TypeTaskTimeout   Type = "task.timeout"
)

// Event is implemented by every payload published on the bus.
type Event interface {
	EventType() Type
}

// Base carries the fields common to all task lifecycle events.
type Base struct {
	EventID string  `json:"event_id"` // envelope UUID, for idempotent subscribers
	TaskID  string  `json:"task_id"`
	Cost    float64 `json:"cost"`

	// Routing for notification subscribers.
	ChatID          int64  `json:"chat_id"`
	MessageThreadID *int64 `json:"message_thread_id,omitempty"`

	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// NewBase stamps a fresh envelope for a task event.
func NewBase(taskID string, cost float64, chatID int64, threadID *int64) Base {
	return Base{
		EventID:         uuid.New().String(),
		TaskID:          taskID,
		Cost:            cost,
		ChatID:          chatID,
		MessageThreadID: threadID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// TaskStarted is published when a task is admitted and about to launch.
// It is guaranteed to precede every other event for the same task.
type TaskStarted struct {
	Base
	ProjectPath string `json:"project_path"`
	Prompt      string `json:"prompt"`
	UserID      int64  `json:"user_id"`
}

// EventType implements Event.
func (TaskStarted) EventType() Type { return TypeTaskStarted }

// TaskProgress is published by the heartbeat supervisor on each tick while
// the task is alive and not idle past the timeout threshold.
type TaskProgress struct {
	Base
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Stage          string `json:"stage"` // short human-readable label
}

// EventType implements Event.
func (TaskProgress) EventType() Type { return TypeTaskProgress }

// TaskCompleted is published when the provider call finishes successfully.
// Cost is the accumulated stream cost plus the final response cost.
type TaskCompleted struct {
	Base
	DurationSeconds int             `json:"duration_seconds"`
	Commits         []models.Commit `json:"commits"`
	ResultSummary   string          `json:"result_summary"`
}

// EventType implements Event.
func (TaskCompleted) EventType() Type { return TypeTaskCompleted }

// TaskFailed is published on cost-limit breach or after the retry budget is
// exhausted. Cost is the accumulated stream cost.
type TaskFailed struct {
	Base
	DurationSeconds int    `json:"duration_seconds"`
	ErrorMessage    string `json:"error_message"`
	LastOutput      string `json:"last_output"`
}

// EventType implements Event.
func (TaskFailed) EventType() Type { return TypeTaskFailed }

// TaskTimeout is published by the heartbeat supervisor when a task has been
// idle past the configured threshold. The supervisor only reports; it never
// stops the task itself.
type TaskTimeout struct {
	Base
	DurationSeconds int `json:"duration_seconds"`
	IdleSeconds     int `json:"idle_seconds"`
}

// EventType implements Event.
func (TaskTimeout) EventType() Type { return TypeTaskTimeout }
