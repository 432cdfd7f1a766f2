// Package events fans organize transaction results out to in-process
// subscribers such as the event log archive and the metrics collector.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gookitEvent "github.com/gookit/event"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/pkg/logger"
)

// Event names. Every result is published as ResultRecorded; results that
// also match a narrower condition are published again under that name.
const (
	ResultRecorded = "organize.result"
	ResultFailed   = "organize.result.failed"
	ResultChanged  = "organize.result.changed"
	PeerRejected   = "organize.peer.rejected"
)

// Handler processes one result.
type Handler func(ctx context.Context, r *engine.Result) error

// Priority orders handlers for the same event, highest first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Health describes the bus for the health endpoint.
type Health struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Subscribers int    `json:"subscribers"`
	Published   int64  `json:"published"`
	LastError   string `json:"last_error,omitempty"`
}

// Bus is a gookit/event manager carrying *engine.Result payloads.
type Bus struct {
	manager *gookitEvent.Manager
	logger  *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]int
	published   int64
	lastError   string
	closed      bool
}

// NewBus creates a bus.
func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{
		manager:     gookitEvent.NewManager("vula-organize"),
		logger:      log.WithComponent("events"),
		subscribers: make(map[string]int),
	}
}

// Publish fires r under ResultRecorded and every narrower name it matches.
// A handler error stops delivery of that name and is returned.
func (b *Bus) Publish(ctx context.Context, r *engine.Result) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	b.published++
	b.mu.Unlock()

	names := []string{ResultRecorded}
	if !r.OK() {
		names = append(names, ResultFailed)
	}
	if r.Changed {
		names = append(names, ResultChanged)
	}
	if r.HasAction("Reject") {
		names = append(names, PeerRejected)
	}

	for _, name := range names {
		b.logger.DebugContext(ctx, "publishing result", slog.String("name", name), slog.String("id", r.ID))
		if err, _ := b.manager.Fire(name, gookitEvent.M{"payload": r, "ctx": ctx}); err != nil {
			b.mu.Lock()
			b.lastError = err.Error()
			b.mu.Unlock()
			b.logger.ErrorCtx(ctx, "event handler failed", err, slog.String("name", name), slog.String("id", r.ID))
			return fmt.Errorf("failed to publish %s: %w", name, err)
		}
	}
	return nil
}

// Subscribe registers h for name.
func (b *Bus) Subscribe(name string, h Handler) error {
	return b.SubscribeWithPriority(name, h, PriorityNormal)
}

// SubscribeWithPriority registers h for name with the given priority.
func (b *Bus) SubscribeWithPriority(name string, h Handler, priority Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	p := gookitEvent.Normal
	switch priority {
	case PriorityHigh:
		p = gookitEvent.High
	case PriorityLow:
		p = gookitEvent.Low
	}

	b.manager.On(name, gookitEvent.ListenerFunc(func(e gookitEvent.Event) error {
		r, ok := e.Get("payload").(*engine.Result)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Get("payload"))
		}
		ctx, ok := e.Get("ctx").(context.Context)
		if !ok {
			ctx = context.Background()
		}
		return h(ctx, r)
	}), p)
	b.subscribers[name]++

	b.logger.Debug("subscribed", slog.String("name", name), slog.Int("priority", int(priority)))
	return nil
}

// Close drops every subscriber. Publishing afterwards fails.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.manager.Clear()
	b.subscribers = make(map[string]int)
	b.closed = true
	return nil
}

// Health reports whether the bus is usable and whether a handler failed.
func (b *Bus) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := Health{Status: "healthy", Message: "event bus is operating normally", Published: b.published, LastError: b.lastError}
	for _, n := range b.subscribers {
		h.Subscribers += n
	}
	switch {
	case b.closed:
		h.Status, h.Message = "unhealthy", "event bus is closed"
	case b.lastError != "":
		h.Status, h.Message = "degraded", "event bus has recent handler errors"
	}
	return h
}
