package transfer

import (
	"sort"
	"sync"
)

// AckTracker records which slots acknowledged the current transfer.
// One tracker belongs to one transfer; workers report concurrently.
type AckTracker struct {
	mu    sync.Mutex
	acked map[int]struct{}
}

// NewAckTracker creates an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{acked: make(map[int]struct{})}
}

// MarkAcked records an ACK from slot.
func (t *AckTracker) MarkAcked(slot int) {
	t.mu.Lock()
	t.acked[slot] = struct{}{}
	t.mu.Unlock()
}

// Acked reports whether slot has acknowledged.
func (t *AckTracker) Acked(slot int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.acked[slot]
	return ok
}

// Missing returns, in ascending order, the slots in all without an ACK.
func (t *AckTracker) Missing(all []int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	missing := make([]int, 0)
	for _, slot := range all {
		if _, ok := t.acked[slot]; !ok {
			missing = append(missing, slot)
		}
	}
	sort.Ints(missing)
	return missing
}

// Count returns the number of acknowledged slots.
func (t *AckTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acked)
}

// Reset forgets every ACK.
func (t *AckTracker) Reset() {
	t.mu.Lock()
	t.acked = make(map[int]struct{})
	t.mu.Unlock()
}
