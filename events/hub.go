// Package events fans push notifications out to any number of subscribers.
package events

import "sync"

const defaultBuffer = 64

// Hub delivers every published value to all current subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

// NewHub returns a hub whose subscriber channels hold buffer values.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a new listener. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish sends v to every subscriber without blocking and reports how many
// subscribers dropped it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
