package events

import (
	"sync"
)

// CallbackEvent invokes registered callbacks with each notified value.
// Callbacks run synchronously on the notifying goroutine, so listeners
// must not block (the notification path feeds the telemetry hot loop).
type CallbackEvent[T any] struct {
	mu         sync.RWMutex
	listeners  map[uint64]func(T)
	nextID     uint64
	replayLast bool
	last       *T
	notified   bool
}

// NewCallbackEvent creates a CallbackEvent. See NewChannelEvent for the
// replayLast semantics.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers callback and returns a deregistration function.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	var replay *T
	if e.replayLast && e.notified && e.last != nil {
		replay = new(T)
		*replay = *e.last
	}
	e.mu.Unlock()

	if replay != nil {
		callback(*replay)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify invokes every registered callback with value. Callbacks are called
// outside the lock so a listener may deregister itself.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		if e.last == nil {
			e.last = new(T)
		}
		*e.last = value
		e.notified = true
	}
	callbacks := make([]func(T), 0, len(e.listeners))
	for _, cb := range e.listeners {
		callbacks = append(callbacks, cb)
	}
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(value)
	}
}

// ListenerCount returns the number of registered listeners.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
