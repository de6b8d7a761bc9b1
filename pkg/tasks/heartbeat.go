package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsforge/foreman/pkg/bus"
	"github.com/opsforge/foreman/pkg/events"
	"github.com/opsforge/foreman/pkg/models"
)

// HeartbeatService emits periodic progress events for running tasks and a
// single timeout event when a task goes idle past the configured threshold.
type HeartbeatService struct {
	repo     Repository
	bus      *bus.Bus
	stages   *StageClassifier
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	loops map[string]*heartbeatLoop
}

type heartbeatLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeatService(repo Repository, eventBus *bus.Bus, stages *StageClassifier, interval, timeout time.Duration) *HeartbeatService {
	return &HeartbeatService{
		repo:     repo,
		bus:      eventBus,
		stages:   stages,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default().With("component", "heartbeat"),
		loops:    make(map[string]*heartbeatLoop),
	}
}

// Track starts a monitor loop for the task. A second Track for the same id is
// a no-op.
func (s *HeartbeatService) Track(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[taskID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &heartbeatLoop{cancel: cancel, done: make(chan struct{})}
	s.loops[taskID] = loop
	go s.run(ctx, taskID, loop.done)
}

// Stop halts the monitor loop for the task and waits for it to exit.
func (s *HeartbeatService) Stop(taskID string) {
	s.mu.Lock()
	loop, ok := s.loops[taskID]
	if ok {
		delete(s.loops, taskID)
	}
	s.mu.Unlock()
	if ok {
		loop.cancel()
		<-loop.done
	}
}

// StopAll halts every monitor loop. Used during shutdown.
func (s *HeartbeatService) StopAll() {
	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*heartbeatLoop)
	s.mu.Unlock()
	for _, loop := range loops {
		loop.cancel()
		<-loop.done
	}
}

func (s *HeartbeatService) run(ctx context.Context, taskID string, done chan struct{}) {
	defer close(done)
	defer s.deregister(taskID)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, taskID) {
				return
			}
		}
	}
}

// tick emits one heartbeat. Returns false when the loop should exit.
func (s *HeartbeatService) tick(ctx context.Context, taskID string) bool {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		s.logger.Error("Heartbeat fetch failed", "task_id", taskID, "error", err)
		return true
	}
	if task == nil || task.Status != models.StatusRunning {
		return false
	}

	now := time.Now().UTC()
	elapsed := now.Sub(task.CreatedAt)
	idle := now.Sub(task.LastActivityAt)

	if idle > s.timeout {
		s.logger.Warn("Task idle past timeout",
			"task_id", taskID, "idle_seconds", int(idle.Seconds()))
		s.bus.Publish(events.TaskTimeout{
			Base:            events.NewBase(taskID, task.TotalCost, task.ChatID, task.MessageThreadID),
			DurationSeconds: int(elapsed.Seconds()),
			IdleSeconds:     int(idle.Seconds()),
		})
		return false
	}

	stage := defaultStage
	if s.stages != nil {
		var lastOutput string
		if task.LastOutput != nil {
			lastOutput = *task.LastOutput
		}
		stage = s.stages.Classify(lastOutput)
	}
	s.bus.Publish(events.TaskProgress{
		Base:           events.NewBase(taskID, task.TotalCost, task.ChatID, task.MessageThreadID),
		ElapsedSeconds: int(elapsed.Seconds()),
		Stage:          stage,
	})
	return true
}

func (s *HeartbeatService) deregister(taskID string) {
	s.mu.Lock()
	delete(s.loops, taskID)
	s.mu.Unlock()
}
