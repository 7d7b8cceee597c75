package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/coachpo/agenthub/internal/schema"
)

// registry is the in-memory subscription store. Records are mutated in place
// behind the lock; every value leaving the registry is a clone.
type registry struct {
	mu   sync.RWMutex
	subs map[schema.SubscriptionID]*schema.Subscription
}

func newRegistry() *registry {
	r := new(registry)
	r.subs = make(map[schema.SubscriptionID]*schema.Subscription)
	return r
}

func (r *registry) create(sub *schema.Subscription) {
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
}

func (r *registry) get(id schema.SubscriptionID) (*schema.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	return sub.Clone(), true
}

// remove deletes the record and returns a clone of its pre-removal state.
func (r *registry) remove(id schema.SubscriptionID) (*schema.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, false
	}
	removed := sub.Clone()
	sub.Active = false
	delete(r.subs, id)
	return removed, true
}

func (r *registry) listByAgent(agentID string) []*schema.Subscription {
	r.mu.RLock()
	out := make([]*schema.Subscription, 0, 4)
	for _, sub := range r.subs {
		if sub.AgentID == agentID && sub.Active {
			out = append(out, sub.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// snapshotMatching returns clones of the active subscriptions matching the
// event at this instant. The snapshot is what a publish fans out to.
func (r *registry) snapshotMatching(evt *schema.Event) []*schema.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matches := make([]*schema.Subscription, 0, 4)
	for _, sub := range r.subs {
		if sub.Active && sub.Matches(evt) {
			matches = append(matches, sub.Clone())
		}
	}
	return matches
}

// agentUsesSocket reports whether the agent still holds an active subscription
// declaring socket transport.
func (r *registry) agentUsesSocket(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if sub.AgentID == agentID && sub.Active && schema.KindOf(sub.Transport) == schema.TransportSocket {
			return true
		}
	}
	return false
}

func (r *registry) recordDelivery(id schema.SubscriptionID, at time.Time) {
	r.mu.Lock()
	if sub, ok := r.subs[id]; ok && sub.Active {
		sub.DeliveryCount++
		sub.LastDelivery = at
	}
	r.mu.Unlock()
}

func (r *registry) recordFailure(id schema.SubscriptionID) {
	r.mu.Lock()
	if sub, ok := r.subs[id]; ok && sub.Active {
		sub.FailureCount++
	}
	r.mu.Unlock()
}

func (r *registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sub := range r.subs {
		if sub.Active {
			n++
		}
	}
	return n
}

// sweepIdle removes records whose last activity (delivery, or creation when
// never delivered) predates the cutoff, plus records already inactive. The
// lock is taken per record, never across the whole sweep.
func (r *registry) sweepIdle(cutoff time.Time) []*schema.Subscription {
	r.mu.RLock()
	ids := make([]schema.SubscriptionID, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	removed := make([]*schema.Subscription, 0)
	for _, id := range ids {
		r.mu.Lock()
		sub, ok := r.subs[id]
		if !ok {
			r.mu.Unlock()
			continue
		}
		idleSince := sub.LastDelivery
		if idleSince.IsZero() {
			idleSince = sub.CreatedAt
		}
		if sub.Active && !idleSince.Before(cutoff) {
			r.mu.Unlock()
			continue
		}
		removed = append(removed, sub.Clone())
		sub.Active = false
		delete(r.subs, id)
		r.mu.Unlock()
	}
	return removed
}
