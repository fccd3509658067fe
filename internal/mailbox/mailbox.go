// Package mailbox implements a single-slot overwriting buffer.
//
// The same backpressure policy recurs at every hand-off in the pipeline
// (decode output, rate cap, inference queue): keep only the latest item,
// drop the stale one, never block the producer. Mailbox is that policy
// implemented once.
//
// Publish never blocks and overwrites any unconsumed value. Take blocks
// until a value is available or the mailbox is closed. TryTake never blocks.
package mailbox

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot buffer with overwrite-on-publish semantics.
// Safe for concurrent use; intended for one consumer.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	full   bool
	closed bool

	drops atomic.Uint64
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put stores v, overwriting any unconsumed value. It never blocks.
// Returns false if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.full {
		m.drops.Add(1)
	}
	m.value = v
	m.full = true
	m.cond.Signal()
	m.mu.Unlock()
	return true
}

// Take blocks until a value is available or the mailbox is closed.
// The second return is false once the mailbox is closed and drained.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.full && !m.closed {
		m.cond.Wait()
	}
	if !m.full {
		var zero T
		return zero, false
	}
	v := m.value
	var zero T
	m.value = zero
	m.full = false
	return v, true
}

// TryTake returns the stored value without blocking.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		var zero T
		return zero, false
	}
	v := m.value
	var zero T
	m.value = zero
	m.full = false
	return v, true
}

// Peek reports whether a value is waiting, without consuming it.
func (m *Mailbox[T]) Peek() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// Close wakes any blocked Take. A closed mailbox rejects Put; a value already
// stored can still be taken.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops returns the number of values overwritten before being consumed.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}
