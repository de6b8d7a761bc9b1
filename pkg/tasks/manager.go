package tasks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsforge/foreman/pkg/bus"
	"github.com/opsforge/foreman/pkg/config"
	"github.com/opsforge/foreman/pkg/events"
	"github.com/opsforge/foreman/pkg/llm"
	"github.com/opsforge/foreman/pkg/metrics"
	"github.com/opsforge/foreman/pkg/models"
)

const (
	// maxAttempts covers the initial attempt plus one retry on transient
	// failure.
	maxAttempts = 2

	// lastOutputLimit bounds the stored tail of agent output, in runes.
	lastOutputLimit = 500

	recoveredErrorMessage = "process restarted; task aborted"
)

// StartRequest describes one task admission.
type StartRequest struct {
	UserID          int64
	ChatID          int64
	MessageThreadID *int64
	ProjectPath     string
	Prompt          string
	// Continue resumes the agent session of the project's last finished
	// task when one exists.
	Continue bool
}

// Manager admits, executes, and supervises background tasks. Admission is
// serialized so the per-project exclusion and the global capacity cap hold
// under concurrent starts.
type Manager struct {
	repo      Repository
	bus       *bus.Bus
	provider  llm.Provider
	heartbeat *HeartbeatService
	metrics   *metrics.Recorder
	settings  config.Settings
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*taskHandle
}

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(repo Repository, eventBus *bus.Bus, provider llm.Provider, heartbeat *HeartbeatService, recorder *metrics.Recorder, settings config.Settings) *Manager {
	return &Manager{
		repo:      repo,
		bus:       eventBus,
		provider:  provider,
		heartbeat: heartbeat,
		metrics:   recorder,
		settings:  settings,
		logger:    slog.Default().With("component", "tasks.manager"),
		running:   make(map[string]*taskHandle),
	}
}

// StartTask admits a new task and launches its execution goroutine. It
// returns the created task record, or a ProjectBusyError /
// CapacityExceededError when admission fails.
func (m *Manager) StartTask(ctx context.Context, req StartRequest) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.repo.GetRunningForProject(ctx, req.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check project: %w", err)
	}
	if existing != nil {
		return nil, &ProjectBusyError{ProjectPath: req.ProjectPath, TaskID: existing.TaskID}
	}

	count, err := m.repo.CountRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count running tasks: %w", err)
	}
	if count >= m.settings.MaxConcurrentTasks {
		return nil, &CapacityExceededError{Limit: m.settings.MaxConcurrentTasks}
	}

	var sessionID string
	if req.Continue {
		last, err := m.repo.GetLastFinishedForProject(ctx, req.ProjectPath)
		if err != nil {
			return nil, fmt.Errorf("failed to look up previous task: %w", err)
		}
		if last != nil && last.SessionID != nil {
			sessionID = *last.SessionID
		}
	}

	task, err := m.createTask(ctx, req, sessionID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Task started",
		"task_id", task.TaskID, "project", task.ProjectPath, "user_id", task.UserID)
	m.metrics.TaskStarted()
	m.bus.Publish(events.TaskStarted{
		Base:        events.NewBase(task.TaskID, 0, task.ChatID, task.MessageThreadID),
		ProjectPath: task.ProjectPath,
		Prompt:      task.Prompt,
		UserID:      task.UserID,
	})

	// Execution outlives the caller's request context.
	execCtx, cancel := context.WithCancel(context.Background())
	handle := &taskHandle{cancel: cancel, done: make(chan struct{})}
	m.running[task.TaskID] = handle

	m.heartbeat.Track(task.TaskID)
	go m.runTask(execCtx, task.Clone(), sessionID, handle)

	return task, nil
}

func (m *Manager) createTask(ctx context.Context, req StartRequest, sessionID string) (*models.Task, error) {
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	for {
		task := models.NewTask(newTaskID(), req.UserID, req.ProjectPath, req.Prompt, req.ChatID, req.MessageThreadID, sid)
		err := m.repo.Create(ctx, task)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, ErrDuplicateID) {
			return nil, fmt.Errorf("failed to persist task: %w", err)
		}
	}
}

// StopTask cancels a running task and marks it stopped. Stopping a task that
// is already terminal is a no-op; stopping an unknown id returns ErrNotFound.
// No lifecycle event is published for a stop.
func (m *Manager) StopTask(ctx context.Context, taskID string) error {
	task, err := m.repo.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to fetch task: %w", err)
	}
	if task == nil {
		return ErrNotFound
	}
	if task.Status.Terminal() {
		return nil
	}

	m.mu.Lock()
	handle := m.running[taskID]
	m.mu.Unlock()
	if handle != nil {
		handle.cancel()
		<-handle.done
	}
	m.heartbeat.Stop(taskID)

	if err := m.repo.UpdateStatus(ctx, taskID, models.StatusStopped, StatusUpdate{}); err != nil {
		return fmt.Errorf("failed to mark task stopped: %w", err)
	}

	// The terminal-status guard makes the update a no-op when the task
	// finished in the race window; only a real transition counts.
	current, err := m.repo.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to fetch task: %w", err)
	}
	if current != nil && current.Status == models.StatusStopped {
		m.logger.Info("Task stopped", "task_id", taskID)
		m.metrics.TaskFinished(string(models.StatusStopped))
	}
	return nil
}

// StopAll cancels every in-flight task goroutine and waits for them to
// unwind. Task records stay running; a subsequent Recover marks them failed.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := m.running
	m.running = make(map[string]*taskHandle)
	m.mu.Unlock()
	for _, handle := range handles {
		handle.cancel()
		<-handle.done
	}
}

// Recover marks every task left running by a previous process as failed. It
// must run on startup before any new task is admitted. Recovery writes no
// lifecycle events.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	orphans, err := m.repo.GetAllRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running tasks: %w", err)
	}
	for _, task := range orphans {
		msg := recoveredErrorMessage
		if err := m.repo.UpdateStatus(ctx, task.TaskID, models.StatusFailed, StatusUpdate{
			ErrorMessage: &msg,
		}); err != nil {
			return 0, fmt.Errorf("failed to recover task %s: %w", task.TaskID, err)
		}
		m.logger.Warn("Recovered orphaned task", "task_id", task.TaskID, "project", task.ProjectPath)
	}
	return len(orphans), nil
}

// GetTask returns the task by id, or (nil, nil) when it does not exist.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return m.repo.Get(ctx, taskID)
}

// ListRunning returns all currently running tasks.
func (m *Manager) ListRunning(ctx context.Context) ([]*models.Task, error) {
	return m.repo.GetAllRunning(ctx)
}

// RunningForProject returns the task currently running in a project, or
// (nil, nil) when the project is idle.
func (m *Manager) RunningForProject(ctx context.Context, projectPath string) (*models.Task, error) {
	return m.repo.GetRunningForProject(ctx, projectPath)
}

// LastFinished returns the most recently finished task for a project, or
// (nil, nil) when the project has no history.
func (m *Manager) LastFinished(ctx context.Context, projectPath string) (*models.Task, error) {
	return m.repo.GetLastFinishedForProject(ctx, projectPath)
}

func (m *Manager) runTask(ctx context.Context, task *models.Task, sessionID string, handle *taskHandle) {
	defer close(handle.done)
	defer func() {
		m.mu.Lock()
		delete(m.running, task.TaskID)
		m.mu.Unlock()
		m.heartbeat.Stop(task.TaskID)
	}()

	start := time.Now().UTC()
	accumulated := 0.0

	onStream := func(ctx context.Context, ev llm.StreamEvent) error {
		accumulated += ev.Cost
		// Tool-only events carry no text; the tool name still feeds stage
		// classification.
		output := ev.Content
		if output == "" {
			output = ev.ToolName
		}
		var lastOutput *string
		if output != "" {
			s := truncateRunes(output, lastOutputLimit)
			lastOutput = &s
		}
		if err := m.repo.UpdateProgress(ctx, task.TaskID, ev.Cost, lastOutput); err != nil {
			m.logger.Error("Progress update failed", "task_id", task.TaskID, "error", err)
		}
		if accumulated > m.settings.TaskMaxCost {
			return &CostLimitExceededError{
				TaskID: task.TaskID,
				Cost:   accumulated,
				Limit:  m.settings.TaskMaxCost,
			}
		}
		return nil
	}

	req := llm.Request{
		Prompt:     task.Prompt,
		WorkingDir: task.ProjectPath,
		UserID:     task.UserID,
		SessionID:  sessionID,
		Model:      m.settings.BackgroundModel,
		OnStream:   onStream,
	}

	var lastErrMsg string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			m.logger.Info("Retrying task", "task_id", task.TaskID, "attempt", attempt)
			if !sleepCtx(ctx, m.settings.RetryDelay) {
				return
			}
		}

		resp, err := m.provider.Execute(ctx, req)
		if err != nil {
			var costErr *CostLimitExceededError
			switch {
			case errors.As(err, &costErr):
				m.finishFailed(task, start, accumulated, costErr.Error())
				return
			case errors.Is(err, context.Canceled):
				// Stopped or shutting down; the stop path owns the record.
				return
			default:
				lastErrMsg = err.Error()
				m.logger.Warn("Task attempt failed",
					"task_id", task.TaskID, "attempt", attempt, "error", err)
				continue
			}
		}
		if resp.IsError {
			lastErrMsg = resp.ErrorMessage
			m.logger.Warn("Agent reported error",
				"task_id", task.TaskID, "attempt", attempt, "error", resp.ErrorMessage)
			continue
		}

		m.finishCompleted(ctx, task, start, accumulated, resp)
		return
	}

	if lastErrMsg == "" {
		lastErrMsg = "task failed"
	}
	m.finishFailed(task, start, accumulated, lastErrMsg)
}

func (m *Manager) finishCompleted(ctx context.Context, task *models.Task, start time.Time, accumulated float64, resp *llm.Response) {
	commits := CollectCommits(ctx, task.ProjectPath, task.CreatedAt)
	summary := truncateRunes(resp.Content, lastOutputLimit)

	upd := StatusUpdate{ResultSummary: &summary, Commits: commits}
	if resp.SessionID != "" {
		sid := resp.SessionID
		upd.SessionID = &sid
	}
	if err := m.repo.UpdateStatus(ctx, task.TaskID, models.StatusCompleted, upd); err != nil {
		m.logger.Error("Failed to mark task completed", "task_id", task.TaskID, "error", err)
	}

	totalCost := accumulated + resp.Cost
	m.logger.Info("Task completed",
		"task_id", task.TaskID, "cost_usd", totalCost, "turns", resp.NumTurns)
	m.metrics.TaskFinished(string(models.StatusCompleted))
	m.metrics.AddCost(totalCost)
	m.bus.Publish(events.TaskCompleted{
		Base:            events.NewBase(task.TaskID, totalCost, task.ChatID, task.MessageThreadID),
		DurationSeconds: int(time.Since(start).Seconds()),
		Commits:         commits,
		ResultSummary:   summary,
	})
}

func (m *Manager) finishFailed(task *models.Task, start time.Time, accumulated float64, errMsg string) {
	ctx := context.Background()

	if err := m.repo.UpdateStatus(ctx, task.TaskID, models.StatusFailed, StatusUpdate{
		ErrorMessage: &errMsg,
	}); err != nil {
		m.logger.Error("Failed to mark task failed", "task_id", task.TaskID, "error", err)
	}

	var lastOutput string
	if current, err := m.repo.Get(ctx, task.TaskID); err == nil && current != nil && current.LastOutput != nil {
		lastOutput = *current.LastOutput
	}

	m.logger.Warn("Task failed", "task_id", task.TaskID, "error", errMsg)
	m.metrics.TaskFinished(string(models.StatusFailed))
	m.metrics.AddCost(accumulated)
	m.bus.Publish(events.TaskFailed{
		Base:            events.NewBase(task.TaskID, accumulated, task.ChatID, task.MessageThreadID),
		DurationSeconds: int(time.Since(start).Seconds()),
		ErrorMessage:    errMsg,
		LastOutput:      lastOutput,
	})
}

func newTaskID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// sleepCtx waits d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
