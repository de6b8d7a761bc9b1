// Package llm defines the coding-agent provider interface and the Claude CLI
// implementation behind it.
package llm

import "context"

// StreamEvent is one incremental update from a running agent turn.
type StreamEvent struct {
	// Cost is the incremental spend for this turn in USD, zero when the
	// provider did not report one.
	Cost float64
	// Content is assistant text produced in this turn, possibly empty.
	Content string
	// ToolName names the tool invoked in this turn, empty for plain text.
	ToolName string
}

// StreamCallback receives stream events as they arrive. Returning an error
// aborts the execution; the provider propagates that error from Execute.
type StreamCallback func(ctx context.Context, ev StreamEvent) error

// Request describes one agent execution.
type Request struct {
	Prompt      string
	WorkingDir  string
	UserID      int64
	// SessionID resumes a previous conversation when set and ForceNew is
	// false.
	SessionID string
	ForceNew  bool
	// Model overrides the provider default when non-empty.
	Model    string
	OnStream StreamCallback
}

// Response is the final result of an agent execution. Provider-level failures
// (nonzero exit, malformed output) are reported in-band via IsError so the
// caller can distinguish them from infrastructure errors.
type Response struct {
	Content      string
	SessionID    string
	Cost         float64
	DurationMS   int64
	NumTurns     int
	IsError      bool
	ErrorMessage string
}

// Provider executes coding-agent work orders.
type Provider interface {
	// Execute runs a single agent session to completion, invoking
	// req.OnStream for each incremental event. It returns an error only for
	// context cancellation or a callback-initiated abort; other failures
	// come back as a Response with IsError set.
	Execute(ctx context.Context, req Request) (*Response, error)

	// Healthcheck verifies the provider is reachable.
	Healthcheck(ctx context.Context) error
}
