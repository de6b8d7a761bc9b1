// Package cleanup provides data retention for the task store.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// TaskPurger deletes finished task records older than a cutoff.
type TaskPurger interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Service periodically deletes finished tasks past the retention window.
// Running tasks are never touched, so the sweep is safe at any time.
type Service struct {
	purger        TaskPurger
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. retentionDays <= 0 disables it.
func NewService(purger TaskPurger, retentionDays int, interval time.Duration) *Service {
	return &Service{
		purger:        purger,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.retentionDays <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"retention_days", s.retentionDays, "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	count, err := s.purger.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old finished tasks", "count", count)
	}
}
