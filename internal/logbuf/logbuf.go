// Package logbuf holds the most recent log entries in a fixed-capacity ring.
package logbuf

import (
	"slices"
	"sync"

	"github.com/procrelay/procrelay/internal/event"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 10000

// Buffer is a FIFO ring of log entries. When full, Append evicts the oldest
// entry. Appends take the write lock only for the slot update; readers copy
// under the read lock.
type Buffer struct {
	mu    sync.RWMutex
	items []event.LogEntry
	head  int // index of the oldest entry
	size  int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]event.LogEntry, capacity)}
}

// Append stores e and reports whether an older entry was evicted.
func (b *Buffer) Append(e event.LogEntry) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	if b.size < n {
		b.items[(b.head+b.size)%n] = e
		b.size++
		return false
	}
	b.items[b.head] = e
	b.head = (b.head + 1) % n
	return true
}

// Recent returns at most limit of the newest entries in arrival order. A
// non-nil processID restricts the result to that process. limit <= 0 means
// no limit beyond the buffer's contents.
func (b *Buffer) Recent(processID *int, limit int) []event.LogEntry {
	window := b.snapshot(processID == nil, limit)
	if processID == nil {
		return window
	}

	// Filter newest to oldest outside the lock, then reverse into arrival order.
	if limit <= 0 || limit > len(window) {
		limit = len(window)
	}
	out := make([]event.LogEntry, 0, min(limit, 64))
	for i := len(window) - 1; i >= 0 && len(out) < limit; i-- {
		if window[i].ProcessID == *processID {
			out = append(out, window[i])
		}
	}
	slices.Reverse(out)
	return out
}

// snapshot copies the buffered entries in arrival order. When tailOnly is
// set only the newest limit entries are copied. The read lock is held for the
// copy alone so Append is never stalled by filtering.
func (b *Buffer) snapshot(tailOnly bool, limit int) []event.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.size
	if tailOnly && limit > 0 && limit < count {
		count = limit
	}
	n := len(b.items)
	start := (b.head + b.size - count) % n
	out := make([]event.LogEntry, count)
	if start+count <= n {
		copy(out, b.items[start:start+count])
	} else {
		k := copy(out, b.items[start:])
		copy(out[k:], b.items[:count-k])
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.items)
}

// Reset drops every entry.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.items)
	b.head = 0
	b.size = 0
}
