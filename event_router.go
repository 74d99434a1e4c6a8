package beacon

import (
	"reflect"
	"sync"

	"github.com/beaconhq/go-client-sdk/api"
	"github.com/beaconhq/go-client-sdk/util"
)

type Handler interface {
	HandleEvent(envelope api.Envelope)
}

// HandlerFunc adapts a plain function to Handler. Functions are not
// comparable in Go, so each registration of a HandlerFunc is distinct.
type HandlerFunc func(envelope api.Envelope)

func (f HandlerFunc) HandleEvent(envelope api.Envelope) { f(envelope) }

type subscription struct {
	handler Handler
}

type EventRouter struct {
	mu            sync.RWMutex
	subscriptions map[api.EventType]map[*subscription]struct{}
}

func NewEventRouter() *EventRouter {
	return &EventRouter{
		subscriptions: make(map[api.EventType]map[*subscription]struct{}),
	}
}

// Subscribe registers handler for eventType and returns a func that removes
// the registration. Registering an equal comparable handler twice for the
// same type returns the existing registration.
func (r *EventRouter) Subscribe(eventType api.EventType, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.subscriptions[eventType]
	if !ok {
		subs = make(map[*subscription]struct{})
		r.subscriptions[eventType] = subs
	}

	if existing := findSubscription(subs, handler); existing != nil {
		return r.unsubscribeFunc(eventType, existing)
	}

	sub := &subscription{handler: handler}
	subs[sub] = struct{}{}
	return r.unsubscribeFunc(eventType, sub)
}

func (r *EventRouter) SubscribeFunc(eventType api.EventType, fn func(api.Envelope)) (unsubscribe func()) {
	return r.Subscribe(eventType, HandlerFunc(fn))
}

func findSubscription(subs map[*subscription]struct{}, handler Handler) *subscription {
	if handler == nil || !reflect.TypeOf(handler).Comparable() {
		return nil
	}
	for sub := range subs {
		if reflect.TypeOf(sub.handler) == reflect.TypeOf(handler) && sub.handler == handler {
			return sub
		}
	}
	return nil
}

func (r *EventRouter) unsubscribeFunc(eventType api.EventType, sub *subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()

			subs, ok := r.subscriptions[eventType]
			if !ok {
				return
			}
			delete(subs, sub)
			if len(subs) == 0 {
				delete(r.subscriptions, eventType)
			}
		})
	}
}

// Dispatch runs every handler registered for the envelope's type. Handlers
// run on the caller's goroutine against a snapshot of the registrations.
func (r *EventRouter) Dispatch(envelope api.Envelope) {
	r.mu.RLock()
	subs := r.subscriptions[envelope.EventType]
	handlers := make([]Handler, 0, len(subs))
	for sub := range subs {
		handlers = append(handlers, sub.handler)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.invoke(h, envelope)
	}
}

func (r *EventRouter) invoke(h Handler, envelope api.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			util.Errorf("Recovered from panic in %s handler: %v", envelope.EventType, rec)
		}
	}()
	h.HandleEvent(envelope)
}

func (r *EventRouter) HandlerCount(eventType api.EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions[eventType])
}

// EventTypeCount is the number of event types with at least one handler.
func (r *EventRouter) EventTypeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}
