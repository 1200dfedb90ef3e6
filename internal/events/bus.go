// Package events is an in-process publish/subscribe bus whose topics carry
// a fixed payload type, so handlers and emitters are checked at compile time.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Topic names an event and binds it to payload type P.
type Topic[P any] struct {
	name string
}

// NewTopic declares a topic. Topics are usually package-level variables.
func NewTopic[P any](name string) Topic[P] {
	return Topic[P]{name: name}
}

// Name returns the wire name of the topic, e.g. "session:created".
func (t Topic[P]) Name() string { return t.name }

// Event is the type-erased form of an emitted payload, as seen by middleware.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Middleware intercepts events before they reach handlers. It may rewrite
// the event, or block it by not calling next.
type Middleware func(ctx context.Context, ev Event, next func(context.Context, Event))

// Subscription identifies one registered handler.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
}

// Unsubscribe removes the handler. It is a no-op if already removed.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Off(s)
	}
}

type subscriber struct {
	id    uint64
	once  bool
	fired *atomic.Bool
	call  func(ctx context.Context, payload any) error
}

// Bus dispatches events to handlers synchronously, in subscription order.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]subscriber
	middleware []Middleware
	nextID     uint64

	logger *slog.Logger
	now    func() time.Time
}

// NewBus constructs an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscriber),
		logger:   logger,
		now:      time.Now,
	}
}

// On registers handler for every emission of topic.
func On[P any](b *Bus, topic Topic[P], handler func(context.Context, P) error) Subscription {
	return b.subscribe(topic.name, false, wrap(handler))
}

// Once registers handler for the next emission of topic only.
func Once[P any](b *Bus, topic Topic[P], handler func(context.Context, P) error) Subscription {
	return b.subscribe(topic.name, true, wrap(handler))
}

// Emit delivers payload to every handler of topic after the middleware
// chain, and returns how many handlers failed. Handler errors and panics
// are logged and never stop the remaining handlers.
func Emit[P any](ctx context.Context, b *Bus, topic Topic[P], payload P) int {
	accepts := func(v any) bool {
		_, ok := v.(P)
		return ok
	}
	return b.emit(ctx, Event{Name: topic.name, Payload: payload, Time: b.now()}, accepts)
}

func wrap[P any](handler func(context.Context, P) error) func(context.Context, any) error {
	return func(ctx context.Context, payload any) error {
		p, ok := payload.(P)
		if !ok {
			return fmt.Errorf("payload type %T does not match handler", payload)
		}
		return handler(ctx, p)
	}
}

// Use appends middleware. Middleware runs in registration order.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Off removes the handler behind sub and reports whether it was present.
func (b *Bus) Off(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(sub.event, sub.id)
}

// RemoveAllListeners drops the handlers of the named events, or of every
// event when no name is given. Middleware is kept.
func (b *Bus) RemoveAllListeners(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(names) == 0 {
		b.handlers = make(map[string][]subscriber)
		return
	}
	for _, name := range names {
		delete(b.handlers, name)
	}
}

// ListenerCount returns the number of handlers registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// EventNames returns the sorted names that have at least one handler.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for name, subs := range b.handlers {
		if len(subs) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (b *Bus) subscribe(name string, once bool, call func(context.Context, any) error) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := subscriber{id: b.nextID, once: once, call: call}
	if once {
		s.fired = new(atomic.Bool)
	}
	b.handlers[name] = append(b.handlers[name], s)
	return Subscription{bus: b, event: name, id: s.id}
}

func (b *Bus) removeLocked(name string, id uint64) bool {
	subs := b.handlers[name]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		remaining := slices.Delete(slices.Clone(subs), i, i+1)
		if len(remaining) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = remaining
		}
		return true
	}
	return false
}

func (b *Bus) emit(ctx context.Context, ev Event, accepts func(any) bool) int {
	b.mu.RLock()
	chain := slices.Clone(b.middleware)
	b.mu.RUnlock()

	original := ev.Name
	failures := 0
	dispatch := func(ctx context.Context, ev Event) {
		if ev.Name != original {
			b.logger.Warn("middleware renamed event; dropping",
				slog.String("event", original), slog.String("renamed", ev.Name))
			return
		}
		if !accepts(ev.Payload) {
			b.logger.Warn("middleware produced wrong payload type; dropping",
				slog.String("event", original), slog.String("payload", fmt.Sprintf("%T", ev.Payload)))
			return
		}
		failures = b.dispatch(ctx, ev)
	}

	next := dispatch
	for i := len(chain) - 1; i >= 0; i-- {
		mw, inner := chain[i], next
		next = func(ctx context.Context, ev Event) { mw(ctx, ev, inner) }
	}
	next(ctx, ev)
	return failures
}

func (b *Bus) dispatch(ctx context.Context, ev Event) int {
	b.mu.RLock()
	subs := slices.Clone(b.handlers[ev.Name])
	b.mu.RUnlock()

	failures := 0
	for _, s := range subs {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.mu.Lock()
			b.removeLocked(ev.Name, s.id)
			b.mu.Unlock()
		}
		if err := b.invoke(ctx, ev, s); err != nil {
			failures++
		}
	}
	return failures
}

func (b *Bus) invoke(ctx context.Context, ev Event, s subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.Error("event handler panicked",
				slog.String("event", ev.Name), slog.Any("panic", r))
		}
	}()
	if err := s.call(ctx, ev.Payload); err != nil {
		b.logger.Warn("event handler failed",
			slog.String("event", ev.Name), slog.Any("error", err))
		return err
	}
	return nil
}
