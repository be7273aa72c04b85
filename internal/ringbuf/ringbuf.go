// Package ringbuf implements a fixed-capacity, newest-first buffer.
// Pushing into a full buffer evicts the oldest item.
package ringbuf

import "errors"

// ErrInvalidCapacity is returned when a buffer is created with capacity < 1.
var ErrInvalidCapacity = errors.New("capacity must be positive")

// Buffer holds at most Cap() items. It is not safe for concurrent use; the
// owner serializes access.
type Buffer[T any] struct {
	items []T
	head  int // index of the next write
	size  int
}

// New creates a buffer that retains the capacity most recent items.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer[T]{items: make([]T, capacity)}, nil
}

// Push inserts item at the head, evicting the oldest item when full.
// It reports whether an item was evicted.
func (b *Buffer[T]) Push(item T) bool {
	evicted := b.size == len(b.items)
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if !evicted {
		b.size++
	}
	return evicted
}

// Items returns a copy of the contents, newest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[b.index(i)]
	}
	return out
}

// Newest returns the most recently pushed item.
func (b *Buffer[T]) Newest() (T, bool) {
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.items[b.index(0)], true
}

// Len returns the number of retained items.
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Reset drops every item.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}

// index maps a newest-first position to a slot.
func (b *Buffer[T]) index(i int) int {
	n := len(b.items)
	return ((b.head-1-i)%n + n) % n
}
