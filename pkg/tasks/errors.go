package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by Repository.Create on a task id collision.
	ErrDuplicateID = errors.New("task id already exists")

	// ErrNotFound is returned when a task id does not exist at all.
	ErrNotFound = errors.New("task not found")
)

// ProjectBusyError is an admission failure: the project directory already
// has a running task.
type ProjectBusyError struct {
	ProjectPath string
	TaskID      string // the task currently holding the project
}

func (e *ProjectBusyError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("project %s already has a running task", e.ProjectPath)
	}
	return fmt.Sprintf("project %s already has a running task: %s", e.ProjectPath, e.TaskID)
}

// CapacityExceededError is an admission failure: the global concurrent task
// limit is reached.
type CapacityExceededError struct {
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("maximum concurrent tasks reached (%d)", e.Limit)
}

// CostLimitExceededError aborts a task whose accumulated stream cost crossed
// the configured ceiling. It is raised from the stream callback and is never
// retried.
type CostLimitExceededError struct {
	TaskID string
	Cost   float64
	Limit  float64
}

func (e *CostLimitExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded cost limit: $%.2f > $%.2f", e.TaskID, e.Cost, e.Limit)
}

// IsAdmissionError reports whether err is a synchronous start_task rejection.
func IsAdmissionError(err error) bool {
	var busy *ProjectBusyError
	var capacity *CapacityExceededError
	return errors.As(err, &busy) || errors.As(err, &capacity)
}
