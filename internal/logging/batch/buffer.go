package batch

import (
	"sync"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

// Buffer is an unbounded FIFO of pending events shared between producers
// (Push) and the flush loop (Drain). The lock is held only while the slice
// is mutated.
type Buffer struct {
	mu     sync.Mutex
	events []logging.Event
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends event at the tail.
func (b *Buffer) Push(event logging.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

// Drain removes and returns up to max events from the head, oldest first.
// It returns nil when the buffer is empty. A max of zero or less takes
// everything.
//
// When everything fits, the backing slice itself is handed over and the
// buffer starts again from nil, so nothing is copied. Otherwise the head is
// copied out and the tail stays in place.
func (b *Buffer) Drain(max int) []logging.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}

	if max <= 0 || len(b.events) <= max {
		events := b.events
		b.events = nil
		return events
	}

	events := make([]logging.Event, max)
	copy(events, b.events[:max])

	// clear the moved head so the old array does not pin it for GC
	clear(b.events[:max])
	b.events = b.events[max:]

	return events
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
