// Package events implements the in-process event bus that connects the
// dispatcher to the subscription, announcement, and statistics managers.
// Events are named, carry an arbitrary payload, and are not persisted.
package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler processes a fired event. Handlers of background events run on
// their own goroutine; handlers of foreground events run in the caller.
type Handler func(ctx context.Context, ev Event)

// HandlerID identifies a registered handler for later removal.
type HandlerID uint64

// Event is what a handler receives when an event fires.
type Event struct {
	// Name is the registered event name.
	Name string

	// Payload carries the event-specific data, usually a *ResourceEvent.
	Payload any
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type eventRegistration struct {
	background bool
	handlers   []handlerEntry
}

// Bus is a named event dispatcher. Registration and firing are safe for
// concurrent use.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	events map[string]*eventRegistration
	nextID HandlerID

	wg sync.WaitGroup
}

// NewBus creates an empty event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		events: make(map[string]*eventRegistration),
	}
}

// AddEvent registers a named event. Background events dispatch each handler
// on its own goroutine; foreground events run handlers sequentially in the
// firing goroutine. Registering the same name twice is an error.
func (b *Bus) AddEvent(name string, background bool) error {
	if name == "" {
		return fmt.Errorf("event name cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.events[name]; ok {
		return fmt.Errorf("event %q already registered", name)
	}
	b.events[name] = &eventRegistration{background: background}
	return nil
}

// AddHandler registers fn for the named event and returns a handle that
// RemoveHandler accepts.
func (b *Bus) AddHandler(name string, fn Handler) (HandlerID, error) {
	if fn == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.events[name]
	if !ok {
		return 0, fmt.Errorf("event %q not registered", name)
	}

	b.nextID++
	reg.handlers = append(reg.handlers, handlerEntry{id: b.nextID, fn: fn})
	return b.nextID, nil
}

// RemoveHandler unregisters a handler previously added with AddHandler.
func (b *Bus) RemoveHandler(name string, id HandlerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.events[name]
	if !ok {
		return fmt.Errorf("event %q not registered", name)
	}

	for i, entry := range reg.handlers {
		if entry.id == id {
			reg.handlers = append(reg.handlers[:i], reg.handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler %d not registered for event %q", id, name)
}

// Fire dispatches the named event to its handlers. Firing an unregistered
// event is a no-op. A panicking handler is logged and does not prevent its
// siblings from running.
func (b *Bus) Fire(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	reg, ok := b.events[name]
	if !ok {
		b.mu.RUnlock()
		b.logger.Debug("event fired without registration",
			zap.String("event", name))
		return
	}
	background := reg.background
	handlers := make([]handlerEntry, len(reg.handlers))
	copy(handlers, reg.handlers)
	b.mu.RUnlock()

	RecordEventFired(name)
	ev := Event{Name: name, Payload: payload}

	for _, entry := range handlers {
		if background {
			b.wg.Add(1)
			go func(fn Handler) {
				defer b.wg.Done()
				b.safeInvoke(ctx, fn, ev)
			}(entry.fn)
		} else {
			b.safeInvoke(ctx, entry.fn, ev)
		}
	}
}

// Drain waits for all in-flight background handlers to finish, or until
// ctx expires. Callers stop firing before draining.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain: %w", ctx.Err())
	}
}

func (b *Bus) safeInvoke(ctx context.Context, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			RecordHandlerPanic(ev.Name)
			b.logger.Error("event handler panicked",
				zap.String("event", ev.Name),
				zap.Any("panic", r))
		}
	}()
	fn(ctx, ev)
}
