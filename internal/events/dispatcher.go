// Package events provides a small typed publish/subscribe dispatcher with
// explicit unsubscribe handles, used for client-side status and permission
// change notifications.
package events

import "sync"

// Dispatcher fans values of one event type out to its subscribers. Slow
// subscribers drop events rather than block the publisher.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      int64
	bufferSize  int
}

// NewDispatcher creates a dispatcher with a small per-subscriber buffer.
func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		subscribers: make(map[int64]chan T),
		bufferSize:  16,
	}
}

// Subscribe registers a listener and returns its stream plus an unsubscribe
// function. Unsubscribing closes the stream.
func (d *Dispatcher[T]) Subscribe() (<-chan T, func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	stream := make(chan T, d.bufferSize)
	d.subscribers[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			if s, ok := d.subscribers[id]; ok {
				delete(d.subscribers, id)
				close(s)
			}
			d.mu.Unlock()
		})
	}
	return stream, cancel
}

// Publish delivers a value to every subscriber that has buffer space.
func (d *Dispatcher[T]) Publish(value T) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, stream := range d.subscribers {
		select {
		case stream <- value:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, stream := range d.subscribers {
		delete(d.subscribers, id)
		close(stream)
	}
}

// Len returns the number of active subscribers.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
