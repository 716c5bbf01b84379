package events

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/harun/troupe/internal/observability"
	"github.com/rs/zerolog"
)

// Publisher is the producer side of the dispatcher.
type Publisher interface {
	Publish(ev Event)
}

// Handler receives published events. Implementations used with Unsubscribe
// must be comparable, typically a pointer.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher is a synchronous publish/subscribe hub keyed by event kind. It is
// safe for concurrent use.
type Dispatcher struct {
	logger zerolog.Logger

	// Subscriber slices are copy-on-write: they are replaced, never mutated
	// in place, so a slice read under the lock is a stable snapshot.
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	observability.EnsureRegistered()

	return &Dispatcher{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[Kind][]subscription),
	}
}

// Subscribe registers fn for kind and returns a function that removes exactly
// this registration. Calling the returned function more than once is a no-op.
func (d *Dispatcher) Subscribe(kind Kind, fn HandlerFunc) func() {
	if fn == nil {
		return func() {}
	}
	return d.SubscribeHandler(kind, fn)
}

// SubscribeHandler registers h for kind. See Subscribe.
func (d *Dispatcher) SubscribeHandler(kind Kind, h Handler) func() {
	if h == nil {
		return func() {}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	current := d.subs[kind]
	next := make([]subscription, len(current), len(current)+1)
	copy(next, current)
	d.subs[kind] = append(next, subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.remove(kind, func(s subscription) bool { return s.id == id })
		})
	}
}

// SubscribeAll registers fn for every kind and returns a function removing all
// of those registrations.
func (d *Dispatcher) SubscribeAll(fn HandlerFunc) func() {
	kinds := Kinds()
	stops := make([]func(), 0, len(kinds))
	for _, kind := range kinds {
		stops = append(stops, d.Subscribe(kind, fn))
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// Unsubscribe removes every registration of h for kind by handler identity.
// It reports whether anything was removed. Handlers of uncomparable types
// (such as HandlerFunc) cannot be matched; use the function returned by
// Subscribe for those.
func (d *Dispatcher) Unsubscribe(kind Kind, h Handler) bool {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}
	return d.remove(kind, func(s subscription) bool { return s.handler == h }) > 0
}

func (d *Dispatcher) remove(kind Kind, match func(subscription) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.subs[kind]
	next := make([]subscription, 0, len(current))
	for _, s := range current {
		if !match(s) {
			next = append(next, s)
		}
	}

	removed := len(current) - len(next)
	if removed == 0 {
		return 0
	}
	if len(next) == 0 {
		delete(d.subs, kind)
	} else {
		d.subs[kind] = next
	}
	return removed
}

// Publish delivers ev to the handlers subscribed to its kind at the moment of
// the call, in subscription order, on the calling goroutine.
func (d *Dispatcher) Publish(ev Event) {
	if ev == nil {
		return
	}
	kind := ev.Kind()

	d.mu.RLock()
	snapshot := d.subs[kind]
	d.mu.RUnlock()

	observability.RecordEventPublished(string(kind))

	for _, s := range snapshot {
		d.deliver(kind, s, ev)
	}
}

func (d *Dispatcher) deliver(kind Kind, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordHandlerPanic(string(kind))
			d.logger.Error().
				Str("kind", string(kind)).
				Str("agent_id", ev.Agent()).
				Uint64("subscription", s.id).
				Str("panic", fmt.Sprint(r)).
				Msg("Event handler panicked, continuing delivery")
		}
	}()
	s.handler.HandleEvent(ev)
}

// SubscriberCount returns the number of handlers registered for kind.
func (d *Dispatcher) SubscriberCount(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[kind])
}

// ForAgent wraps fn so it only sees events for agentID.
func ForAgent(agentID string, fn HandlerFunc) HandlerFunc {
	return func(ev Event) {
		if ev.Agent() == agentID {
			fn(ev)
		}
	}
}
