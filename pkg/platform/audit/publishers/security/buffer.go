package security

import (
	"sync"

	audit "doccontrol/pkg/platform/audit"
)

const defaultCapacity = 4096

// ringBuffer is a bounded FIFO of pending security events. When full, the
// oldest event is overwritten.
type ringBuffer struct {
	mu      sync.Mutex
	events  []audit.SecurityEvent
	start   int
	size    int
	dropped int64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &ringBuffer{events: make([]audit.SecurityEvent, capacity)}
}

func (b *ringBuffer) push(event audit.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := len(b.events)
	if b.size == capacity {
		b.start = (b.start + 1) % capacity
		b.size--
		b.dropped++
	}
	b.events[(b.start+b.size)%capacity] = event
	b.size++
}

// pop removes up to n events in arrival order.
func (b *ringBuffer) pop(n int) []audit.SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, b.size)
	if n == 0 {
		return nil
	}
	out := make([]audit.SecurityEvent, n)
	for i := range out {
		out[i] = b.events[(b.start+i)%len(b.events)]
	}
	b.start = (b.start + n) % len(b.events)
	b.size -= n
	return out
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *ringBuffer) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
