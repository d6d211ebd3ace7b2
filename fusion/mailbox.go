package fusion

import (
	"sync"
	"time"
)

// Mailbox is a latest-value cell between one producer goroutine and one
// consumer. Put never blocks: a new value replaces an unconsumed one.
type Mailbox[T any] struct {
	mu       sync.Mutex
	val      T
	full     bool
	putAt    time.Time
	puts     uint64
	drops    uint64
	consumed uint64
}

// Put stores v, stamped with at. An unconsumed previous value is counted as dropped.
func (m *Mailbox[T]) Put(v T, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		m.drops++
	}
	m.val = v
	m.putAt = at
	m.full = true
	m.puts++
}

// Take empties the mailbox, returning the newest value and when it was put.
func (m *Mailbox[T]) Take() (T, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.full {
		return zero, time.Time{}, false
	}
	v, at := m.val, m.putAt
	m.val = zero
	m.full = false
	m.consumed++
	return v, at, true
}

// Clear discards any pending value.
func (m *Mailbox[T]) Clear() {
	m.mu.Lock()
	var zero T
	m.val = zero
	m.full = false
	m.mu.Unlock()
}

// Counts returns the number of puts, overwritten values and takes.
func (m *Mailbox[T]) Counts() (puts, drops, consumed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts, m.drops, m.consumed
}
