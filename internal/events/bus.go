package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyCapacity bounds the diagnostic event history. Oldest entries are
// dropped once the capacity is exceeded.
const historyCapacity = 100

// Handler processes a single event. Returning an error does not stop
// delivery to other handlers; errors are routed to the bus error handler.
type Handler func(ctx context.Context, event Event) error

// ErrorHandler receives errors raised by subscribers (including recovered
// panics) so a misbehaving observer cannot break the emitting call.
type ErrorHandler func(event Event, err error)

// subscription is one registered handler. Owned exclusively by the bus.
type subscription struct {
	id       uint64
	typ      Type
	priority int
	once     bool
	handler  Handler
}

// Bus is an in-memory publish/subscribe dispatcher. Handlers registered for
// a specific type and handlers registered for TypeWildcard both run on every
// matching emission, merged and ordered by priority (descending) with ties
// broken by registration order. State is rebuilt fresh on process start;
// nothing is persisted.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Type][]*subscription
	nextSubID  uint64
	history    []Event
	errHandler ErrorHandler
	logger     *slog.Logger

	// wg tracks in-flight non-blocking emissions for clean shutdown.
	wg sync.WaitGroup
}

// NewBus creates an event bus. The default error handler logs subscriber
// failures; use SetErrorHandler to route them elsewhere.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		subs:    make(map[Type][]*subscription),
		history: make([]Event, 0, historyCapacity),
		logger:  logger.With("component", "event_bus"),
	}
	b.errHandler = func(event Event, err error) {
		b.logger.Error("event handler failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err)
	}
	return b
}

// SetErrorHandler replaces the sink receiving subscriber errors.
func (b *Bus) SetErrorHandler(handler ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler != nil {
		b.errHandler = handler
	}
}

// Subscribe registers a handler for the given event type (TypeWildcard to
// observe everything). Higher priority handlers run first. The returned
// function removes the subscription; calling it more than once is a no-op.
func (b *Bus) Subscribe(typ Type, handler Handler, priority int) func() {
	return b.subscribe(typ, handler, priority, false)
}

// SubscribeOnce registers a handler that is removed after its first
// invocation, whether that invocation succeeds or fails.
func (b *Bus) SubscribeOnce(typ Type, handler Handler, priority int) func() {
	return b.subscribe(typ, handler, priority, true)
}

func (b *Bus) subscribe(typ Type, handler Handler, priority int, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{
		id:       b.nextSubID,
		typ:      typ,
		priority: priority,
		once:     once,
		handler:  handler,
	}
	b.subs[typ] = append(b.subs[typ], sub)

	b.logger.Debug("registered event handler",
		"event_type", typ,
		"subscription_id", sub.id,
		"priority", priority,
		"once", once)

	id := sub.id
	return func() { b.removeSubscription(typ, id) }
}

// removeSubscription drops the subscription with the given id, if present.
func (b *Bus) removeSubscription(typ Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(typ, id)
}

// removeLocked drops the subscription with the given id. Caller must hold
// b.mu.
func (b *Bus) removeLocked(typ Type, id uint64) {
	subs := b.subs[typ]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[typ] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event and runs every matching handler sequentially in
// priority order before returning. A failing handler is reported to the
// error sink and does not prevent remaining handlers from running. The
// first error encountered is returned for callers that care.
func (b *Bus) Emit(ctx context.Context, typ Type, payload any, source string) error {
	event := Event{
		ID:        uuid.New(),
		Type:      typ,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	b.appendHistory(event)
	matched := b.collectLocked(typ)
	errHandler := b.errHandler
	b.mu.Unlock()

	b.logger.Debug("emitting event",
		"event_id", event.ID,
		"event_type", typ,
		"handler_count", len(matched))

	var firstErr error
	for _, sub := range matched {
		if err := b.invoke(ctx, sub, event); err != nil {
			errHandler(event, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// EmitNonBlocking publishes an event without waiting for handlers to run.
// Handler errors are routed to the error sink; the spawned dispatch is
// tracked so Wait can drain it at shutdown.
func (b *Bus) EmitNonBlocking(ctx context.Context, typ Type, payload any, source string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		// Emit already routes individual handler errors to the sink, so
		// the aggregate return value needs no second report here.
		_ = b.Emit(ctx, typ, payload, source)
	}()
}

// Wait blocks until all in-flight non-blocking emissions have completed.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// invoke runs one handler, converting panics into errors so a misbehaving
// subscriber cannot crash the process.
func (b *Bus) invoke(ctx context.Context, sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// collectLocked merges type-specific and wildcard subscriptions sorted by
// priority descending, ties broken by registration order. One-shot
// subscriptions are claimed here, while the lock is held, so concurrent
// emissions cannot both collect the same one and run it twice. Caller must
// hold b.mu.
func (b *Bus) collectLocked(typ Type) []*subscription {
	matched := make([]*subscription, 0, len(b.subs[typ])+len(b.subs[TypeWildcard]))
	matched = append(matched, b.subs[typ]...)
	if typ != TypeWildcard {
		matched = append(matched, b.subs[TypeWildcard]...)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].id < matched[j].id
	})

	for _, sub := range matched {
		if sub.once {
			b.removeLocked(sub.typ, sub.id)
		}
	}

	return matched
}

// appendHistory records an event in the bounded FIFO history. Caller must
// hold b.mu.
func (b *Bus) appendHistory(event Event) {
	if len(b.history) >= historyCapacity {
		b.history = append(b.history[1:], event)
		return
	}
	b.history = append(b.history, event)
}

// History returns retained events, newest last. If typ is non-empty only
// events of that type are returned; limit > 0 caps the result to the most
// recent entries.
func (b *Bus) History(typ Type, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.history))
	for _, event := range b.history {
		if typ == "" || event.Type == typ {
			out = append(out, event)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearHistory discards all retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
}

// ListenerCount returns the number of handlers registered for the given
// type (wildcard handlers are counted only under TypeWildcard).
func (b *Bus) ListenerCount(typ Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[typ])
}

// RemoveAllListeners drops every subscription for the given type, or every
// subscription on the bus when typ is empty.
func (b *Bus) RemoveAllListeners(typ Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if typ == "" {
		b.subs = make(map[Type][]*subscription)
		return
	}
	delete(b.subs, typ)
}
