// Package models contains the domain records shared between the repository,
// the task manager and the HTTP surface.
package models

import "time"

// TaskStatus is the lifecycle state of a background task.
// Transitions are one-way: running → completed | failed | stopped.
type TaskStatus string

// Task status constants.
const (
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Commit is one piece of side-effect evidence: a commit made by the agent
// during the task's run window.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Task is a single long-running agent execution against a project directory.
// The project path doubles as the exclusivity key: at most one running task
// per path at any instant.
type Task struct {
	TaskID      string     `json:"task_id"`
	UserID      int64      `json:"user_id"`
	ProjectPath string     `json:"project_path"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`

	// SessionID is the provider continuation handle; passing it back to the
	// provider resumes the prior conversation.
	SessionID *string `json:"session_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	TotalCost      float64   `json:"total_cost"`
	TotalTurns     int       `json:"total_turns"`
	LastOutput     *string   `json:"last_output,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`

	ResultSummary *string  `json:"result_summary,omitempty"`
	ErrorMessage  *string  `json:"error_message,omitempty"`
	Commits       []Commit `json:"commits"`

	// Routing used by notification subscribers.
	ChatID          int64  `json:"chat_id"`
	MessageThreadID *int64 `json:"message_thread_id,omitempty"`
}

// NewTask builds a running task with fresh timestamps and zero progress.
func NewTask(taskID string, userID int64, projectPath, prompt string, chatID int64, threadID *int64, sessionID *string) *Task {
	now := time.Now().UTC()
	return &Task{
		TaskID:          taskID,
		UserID:          userID,
		ProjectPath:     projectPath,
		Prompt:          prompt,
		Status:          StatusRunning,
		SessionID:       sessionID,
		CreatedAt:       now,
		LastActivityAt:  now,
		Commits:         []Commit{},
		ChatID:          chatID,
		MessageThreadID: threadID,
	}
}

// Clone returns a deep copy. Repositories hand out clones so callers can
// never mutate stored state behind the repository's back.
func (t *Task) Clone() *Task {
	c := *t
	c.SessionID = clonePtr(t.SessionID)
	c.FinishedAt = clonePtr(t.FinishedAt)
	c.LastOutput = clonePtr(t.LastOutput)
	c.ResultSummary = clonePtr(t.ResultSummary)
	c.ErrorMessage = clonePtr(t.ErrorMessage)
	c.MessageThreadID = clonePtr(t.MessageThreadID)
	if t.Commits != nil {
		c.Commits = make([]Commit, len(t.Commits))
		copy(c.Commits, t.Commits)
	}
	return &c
}

// NormalizeUTC converts all timestamps to UTC. Rows written by earlier
// versions may carry zone-less timestamps; elapsed arithmetic must never mix
// naive and aware values.
func (t *Task) NormalizeUTC() {
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastActivityAt = t.LastActivityAt.UTC()
	if t.FinishedAt != nil {
		utc := t.FinishedAt.UTC()
		t.FinishedAt = &utc
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
