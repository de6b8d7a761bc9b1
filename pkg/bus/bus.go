// Package bus provides the single-process publish/subscribe bus used for
// task lifecycle events. Delivery is asynchronous and at-least-once: Publish
// returns promptly, and a dedicated dispatcher goroutine invokes handlers,
// so publishing is safe from any goroutine including inside a handler.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opsforge/foreman/pkg/events"
)

// Handler processes one event. Panics are recovered and logged by the
// dispatcher; they never affect delivery to other handlers.
type Handler func(ctx context.Context, ev events.Event)

// Bus routes events to handlers registered per event type.
type Bus struct {
	mu       sync.Mutex
	handlers map[events.Type][]Handler
	queue    []events.Event
	started  bool
	stopping bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates an unstarted bus. Publish before Start buffers events; they
// are delivered once the dispatcher runs.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		handlers: make(map[events.Type][]Handler),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default().With("component", "event-bus"),
	}
}

// Subscribe registers a handler for an event type. Multiple handlers per
// type are allowed; delivery order between them is unspecified.
func (b *Bus) Subscribe(t events.Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish enqueues an event for asynchronous delivery and returns
// immediately. Events published after Stop are dropped with a warning.
func (b *Bus) Publish(ev events.Event) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		b.logger.Warn("Event published after bus stop, dropping", "type", ev.EventType())
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher goroutine. Safe to call once.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.dispatch()
}

// Stop drains the queue and terminates the dispatcher. Blocks until every
// already-published event has been handed to its handlers.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started || b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.done
	b.cancel()
}

// dispatch is the single delivery goroutine.
func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		select {
		case <-b.wake:
			b.deliverPending()
		case <-b.stopCh:
			b.deliverPending()
			return
		}
	}
}

// deliverPending swaps out the queue and delivers each event in order.
func (b *Bus) deliverPending() {
	for {
		b.mu.Lock()
		pending := b.queue
		b.queue = nil
		b.mu.Unlock()

		if len(pending) == 0 {
			return
		}
		for _, ev := range pending {
			for _, h := range b.handlersFor(ev.EventType()) {
				b.invoke(h, ev)
			}
		}
	}
}

func (b *Bus) handlersFor(t events.Type) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := make([]Handler, len(b.handlers[t]))
	copy(hs, b.handlers[t])
	return hs
}

// invoke runs a single handler, isolating panics from the dispatcher.
func (b *Bus) invoke(h Handler, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"type", ev.EventType(), "panic", r)
		}
	}()
	h(b.ctx, ev)
}
