package events

import (
	"sync"
)

// ChannelEvent fans a value out to registered channels. Sends never block:
// a listener whose channel is full misses that notification.
type ChannelEvent[T any] struct {
	mu         sync.RWMutex
	channels   map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       *T
	notified   bool
}

// NewChannelEvent creates a ChannelEvent. With replayLast set, a listener
// that registers after at least one Notify immediately receives the most
// recent value, so late subscribers start from current state instead of
// waiting for the next change.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:   make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch and returns a deregistration function.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	var replay *T
	if e.replayLast && e.notified && e.last != nil {
		replay = new(T)
		*replay = *e.last
	}
	e.mu.Unlock()

	// Replay outside the lock; drop it if the channel is already full.
	if replay != nil {
		select {
		case ch <- *replay:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Notify sends value to every registered channel without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		if e.last == nil {
			e.last = new(T)
		}
		*e.last = value
		e.notified = true
	}
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
