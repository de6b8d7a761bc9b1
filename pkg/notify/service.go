package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsforge/foreman/pkg/bus"
	"github.com/opsforge/foreman/pkg/events"
)

const sendTimeout = 10 * time.Second

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token string
	// BaseURL overrides the Telegram API endpoint; empty means production.
	BaseURL string
}

// Service turns task lifecycle events into chat messages.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new notification service.
// Returns nil if Token is empty, disabling notifications entirely.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	return NewServiceWithClient(NewClientWithBaseURL(cfg.Token, baseURL))
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "notify-service"),
	}
}

// Register subscribes the service to all task lifecycle events.
func (s *Service) Register(b *bus.Bus) {
	if s == nil {
		return
	}
	b.Subscribe(events.TypeTaskStarted, s.onStarted)
	b.Subscribe(events.TypeTaskProgress, s.onProgress)
	b.Subscribe(events.TypeTaskCompleted, s.onCompleted)
	b.Subscribe(events.TypeTaskFailed, s.onFailed)
	b.Subscribe(events.TypeTaskTimeout, s.onTimeout)
}

func (s *Service) onStarted(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.TaskStarted)
	if !ok {
		return
	}
	text, buttons := BuildStartedMessage(e)
	s.send(ctx, e.Base, text, buttons)
}

func (s *Service) onProgress(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.TaskProgress)
	if !ok {
		return
	}
	s.send(ctx, e.Base, BuildProgressMessage(e), nil)
}

func (s *Service) onCompleted(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.TaskCompleted)
	if !ok {
		return
	}
	s.send(ctx, e.Base, BuildCompletedMessage(e), nil)
}

func (s *Service) onFailed(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.TaskFailed)
	if !ok {
		return
	}
	text, buttons := BuildFailedMessage(e)
	s.send(ctx, e.Base, text, buttons)
}

func (s *Service) onTimeout(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.TaskTimeout)
	if !ok {
		return
	}
	text, buttons := BuildTimeoutMessage(e)
	s.send(ctx, e.Base, text, buttons)
}

// send delivers one message. Fail-open: errors are logged, never returned,
// so a chat outage cannot disturb task execution.
func (s *Service) send(ctx context.Context, base events.Base, text string, buttons [][]Button) {
	if err := s.client.SendMessage(ctx, base.ChatID, base.MessageThreadID, text, buttons, sendTimeout); err != nil {
		s.logger.Error("Failed to send notification",
			"task_id", base.TaskID,
			"chat_id", base.ChatID,
			"error", err)
	}
}
