package observability

import (
	"sync"
	"time"
)

// DropReason categorises why a queued event left the hub without delivery.
type DropReason string

const (
	// DropReasonCapacity marks drop-oldest eviction from a full queue.
	DropReasonCapacity DropReason = "capacity"
	// DropReasonTTL marks janitor expiry of a queued event.
	DropReasonTTL DropReason = "ttl"
)

// Drop records a single evicted or expired queue entry for diagnostics.
type Drop struct {
	AgentID   string     `json:"agentId"`
	EventID   string     `json:"eventId"`
	EventType string     `json:"eventType"`
	Reason    DropReason `json:"reason"`
	At        time.Time  `json:"at"`
}

// DropLog stores the most recent queue drops. Capacity <=0 implies unbounded.
type DropLog struct {
	mu       sync.Mutex
	capacity int
	drops    []Drop
}

// NewDropLog creates a drop log with the provided capacity.
func NewDropLog(capacity int) *DropLog {
	dl := new(DropLog)
	dl.capacity = capacity
	dl.drops = make([]Drop, 0)
	return dl
}

// Offer records a drop, evicting the oldest record when full.
func (dl *DropLog) Offer(drop Drop) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.capacity > 0 && len(dl.drops) >= dl.capacity {
		copy(dl.drops[0:], dl.drops[1:])
		dl.drops[len(dl.drops)-1] = drop
		return
	}
	dl.drops = append(dl.drops, drop)
}

// Snapshot returns a copy of the recorded drops without clearing them.
func (dl *DropLog) Snapshot() []Drop {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	out := make([]Drop, len(dl.drops))
	copy(out, dl.drops)
	return out
}

// Drain retrieves and clears all recorded drops.
func (dl *DropLog) Drain() []Drop {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	drained := make([]Drop, len(dl.drops))
	copy(drained, dl.drops)
	dl.drops = dl.drops[:0]
	return drained
}

// Len returns the number of recorded drops.
func (dl *DropLog) Len() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return len(dl.drops)
}
