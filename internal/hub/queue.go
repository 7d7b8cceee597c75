package hub

import (
	"sync"
	"time"

	"github.com/coachpo/agenthub/internal/schema"
)

// queuedEvent is a queued copy of a published event with its expiry deadline.
type queuedEvent struct {
	evt       *schema.Event
	expiresAt time.Time
}

// expiredDrop pairs an expired queue entry with its owner for logging.
type expiredDrop struct {
	agentID string
	evt     *schema.Event
}

// queueSet holds the bounded per-agent polling queues. The queue owns the
// event copies handed to it; readers get clones.
type queueSet struct {
	mu      sync.Mutex
	limit   int
	byAgent map[string][]queuedEvent
}

func newQueueSet(limit int) *queueSet {
	q := new(queueSet)
	q.limit = limit
	q.byAgent = make(map[string][]queuedEvent)
	return q
}

// enqueue appends the event and returns the evicted oldest entry when the
// agent's queue is at capacity. Publishers never stall on a full queue.
func (q *queueSet) enqueue(agentID string, evt *schema.Event, expiresAt time.Time) *schema.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.byAgent[agentID]
	var dropped *schema.Event
	if q.limit > 0 && len(queue) >= q.limit {
		dropped = queue[0].evt
		copy(queue[0:], queue[1:])
		queue = queue[:len(queue)-1]
	}
	q.byAgent[agentID] = append(queue, queuedEvent{evt: evt, expiresAt: expiresAt})
	return dropped
}

// events returns clones of the agent's unexpired entries in enqueue order
// without consuming them. An unknown agent yields an empty result.
func (q *queueSet) events(agentID string, now time.Time) []*schema.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.byAgent[agentID]
	out := make([]*schema.Event, 0, len(queue))
	for _, entry := range queue {
		if !entry.expiresAt.After(now) {
			continue
		}
		out = append(out, entry.evt.Clone())
	}
	return out
}

// drain removes the agent's queue and splits it into live entries, in order,
// and entries that expired while queued.
func (q *queueSet) drain(agentID string, now time.Time) ([]queuedEvent, []*schema.Event) {
	q.mu.Lock()
	queue := q.byAgent[agentID]
	delete(q.byAgent, agentID)
	q.mu.Unlock()

	live := make([]queuedEvent, 0, len(queue))
	var expired []*schema.Event
	for _, entry := range queue {
		if entry.expiresAt.After(now) {
			live = append(live, entry)
		} else {
			expired = append(expired, entry.evt)
		}
	}
	return live, expired
}

// requeueFront restores entries to the head of the agent's queue preserving
// their order and deadlines. Overflow evicts from the front, which is the
// oldest of the restored entries.
func (q *queueSet) requeueFront(agentID string, entries []queuedEvent) []*schema.Event {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]queuedEvent, 0, len(entries)+len(q.byAgent[agentID]))
	merged = append(merged, entries...)
	merged = append(merged, q.byAgent[agentID]...)
	var dropped []*schema.Event
	if q.limit > 0 {
		for len(merged) > q.limit {
			dropped = append(dropped, merged[0].evt)
			merged = merged[1:]
		}
	}
	q.byAgent[agentID] = merged
	return dropped
}

// total counts unexpired entries across all agents.
func (q *queueSet) total(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, queue := range q.byAgent {
		for _, entry := range queue {
			if entry.expiresAt.After(now) {
				n++
			}
		}
	}
	return n
}

// sweepExpired removes expired entries from every queue, one agent at a time
// so the lock is never held across the whole sweep.
func (q *queueSet) sweepExpired(now time.Time) []expiredDrop {
	q.mu.Lock()
	agents := make([]string, 0, len(q.byAgent))
	for agentID := range q.byAgent {
		agents = append(agents, agentID)
	}
	q.mu.Unlock()

	var dropped []expiredDrop
	for _, agentID := range agents {
		q.mu.Lock()
		queue, ok := q.byAgent[agentID]
		if !ok {
			q.mu.Unlock()
			continue
		}
		kept := queue[:0]
		for _, entry := range queue {
			if entry.expiresAt.After(now) {
				kept = append(kept, entry)
			} else {
				dropped = append(dropped, expiredDrop{agentID: agentID, evt: entry.evt})
			}
		}
		if len(kept) == 0 {
			delete(q.byAgent, agentID)
		} else {
			q.byAgent[agentID] = kept
		}
		q.mu.Unlock()
	}
	return dropped
}
