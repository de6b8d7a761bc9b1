package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/opsforge/foreman/pkg/models"
)

// MemoryRepository is a mutex-guarded in-memory Repository. It backs tests and
// single-process deployments that do not need durability.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*models.Task)}
}

func (r *MemoryRepository) Create(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.TaskID]; ok {
		return ErrDuplicateID
	}
	r.tasks[task.TaskID] = task.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, taskID string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return task.Clone(), nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, taskID string, status models.TaskStatus, upd StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	task.Status = status
	task.LastActivityAt = now
	if status.Terminal() {
		task.FinishedAt = &now
	}
	if upd.ResultSummary != nil {
		task.ResultSummary = upd.ResultSummary
	}
	if upd.ErrorMessage != nil {
		task.ErrorMessage = upd.ErrorMessage
	}
	if upd.SessionID != nil {
		task.SessionID = upd.SessionID
	}
	if upd.Commits != nil {
		task.Commits = append([]models.Commit(nil), upd.Commits...)
	}
	return nil
}

func (r *MemoryRepository) UpdateProgress(_ context.Context, taskID string, costDelta float64, lastOutput *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.TotalCost += costDelta
	task.TotalTurns++
	if lastOutput != nil {
		task.LastOutput = lastOutput
	}
	task.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) GetRunningForProject(_ context.Context, projectPath string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, task := range r.tasks {
		if task.ProjectPath == projectPath && task.Status == models.StatusRunning {
			return task.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetAllRunning(_ context.Context) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Task
	for _, task := range r.tasks {
		if task.Status == models.StatusRunning {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountRunning(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, task := range r.tasks {
		if task.Status == models.StatusRunning {
			n++
		}
	}
	return n, nil
}

// DeleteFinishedBefore removes finished tasks whose finish time is older
// than the cutoff.
func (r *MemoryRepository) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, task := range r.tasks {
		if task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) GetLastFinishedForProject(_ context.Context, projectPath string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *models.Task
	for _, task := range r.tasks {
		if task.ProjectPath != projectPath || task.FinishedAt == nil {
			continue
		}
		// Stopped tasks are deliberate user aborts; the continue flow must
		// never resume their sessions.
		if task.Status != models.StatusCompleted && task.Status != models.StatusFailed {
			continue
		}
		if latest == nil || task.FinishedAt.After(*latest.FinishedAt) {
			latest = task
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}
