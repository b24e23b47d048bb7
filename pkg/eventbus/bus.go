// Package eventbus provides a small synchronous publish/subscribe bus.
//
// Handlers for an event run on the publisher's goroutine in registration order.
// A handler that returns an error or panics is logged and skipped; the remaining
// handlers still run and Publish never reports the failure to its caller.
package eventbus

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Event is a published event.
type Event struct {
	Name    string
	Payload any
	Time    time.Time
}

// Handler consumes events.
type Handler interface {
	HandleEvent(ev Event) error
}

type funcHandler struct {
	fn func(Event) error
}

func (h *funcHandler) HandleEvent(ev Event) error { return h.fn(ev) }

// Func adapts fn into a Handler. The returned value has pointer identity, so it
// can be passed to Unsubscribe later and is deduplicated by Subscribe.
func Func(fn func(Event) error) Handler {
	return &funcHandler{fn: fn}
}

// Listener adapts a function with no error result into a Handler.
func Listener(fn func(Event)) Handler {
	return &funcHandler{fn: func(ev Event) error {
		fn(ev)
		return nil
	}}
}

const wildcard = "*"

// Bus is a named-event dispatcher. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// Subscribe registers h under name. Registering the same handler twice under
// one name is a no-op.
func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.handlers[name] {
		if sameHandler(existing, h) {
			return
		}
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// Unsubscribe removes h from name if present.
func (b *Bus) Unsubscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[name]
	for i, existing := range list {
		if !sameHandler(existing, h) {
			continue
		}
		next := make([]Handler, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, name)
		} else {
			b.handlers[name] = next
		}
		return
	}
}

// SubscribeAll registers h for every event. Wildcard handlers run after the
// handlers registered for the specific event.
func (b *Bus) SubscribeAll(h Handler) { b.Subscribe(wildcard, h) }

// UnsubscribeAll removes a wildcard registration.
func (b *Bus) UnsubscribeAll(h Handler) { b.Unsubscribe(wildcard, h) }

// Count returns the number of handlers registered under name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Publish dispatches payload to the handlers registered for name.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	named := b.handlers[name]
	all := b.handlers[wildcard]
	list := make([]Handler, 0, len(named)+len(all))
	list = append(list, named...)
	if name != wildcard {
		list = append(list, all...)
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, Time: time.Now()}
	for _, h := range list {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event_handler_panic",
				slog.String("event", ev.Name),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := h.HandleEvent(ev); err != nil {
		b.log.Error("event_handler_error",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()))
	}
}

// sameHandler reports handler identity. Handlers whose dynamic type is not
// comparable are never considered equal.
func sameHandler(a, b Handler) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
