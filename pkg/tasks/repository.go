package tasks

import (
	"context"

	"github.com/opsforge/foreman/pkg/models"
)

// StatusUpdate carries the optional fields that accompany a transition to a
// terminal status. Nil fields are left untouched.
type StatusUpdate struct {
	ResultSummary *string
	ErrorMessage  *string
	SessionID     *string
	Commits       []models.Commit
}

// Repository is the durable store for background tasks. Implementations must
// guarantee that a task already in a terminal status is never moved to a
// different status by UpdateStatus.
type Repository interface {
	// Create persists a new task record. Returns ErrDuplicateID if the id
	// is already taken.
	Create(ctx context.Context, task *models.Task) error

	// Get returns the task by id, or (nil, nil) when it does not exist.
	Get(ctx context.Context, taskID string) (*models.Task, error)

	// UpdateStatus transitions a running task to the given status, refreshes
	// last_activity_at, and sets finished_at when the status is terminal.
	// Updates on a task that is already terminal are silently ignored.
	// Returns ErrNotFound only when no task with the id exists.
	UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, upd StatusUpdate) error

	// UpdateProgress adds costDelta to the accumulated cost, increments the
	// turn counter, refreshes the activity timestamp, and replaces the last
	// output when lastOutput is non-nil.
	UpdateProgress(ctx context.Context, taskID string, costDelta float64, lastOutput *string) error

	// GetRunningForProject returns the running task for a project directory,
	// or (nil, nil) when the project is idle.
	GetRunningForProject(ctx context.Context, projectPath string) (*models.Task, error)

	// GetAllRunning returns every task currently in the running status.
	GetAllRunning(ctx context.Context) ([]*models.Task, error)

	// CountRunning returns the number of running tasks.
	CountRunning(ctx context.Context) (int, error)

	// GetLastFinishedForProject returns the most recently completed or
	// failed task for a project, or (nil, nil) when none exists. Stopped
	// tasks are excluded so the continue flow never resumes an aborted
	// session.
	GetLastFinishedForProject(ctx context.Context, projectPath string) (*models.Task, error)
}
