package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/coachpo/agenthub/internal/schema"
)

// historyLog retains the most recent events per type, independent of
// subscriptions and delivery outcomes. A type once seen stays in the
// known-types set even after trimming empties its ring.
type historyLog struct {
	mu     sync.RWMutex
	limit  int
	byType map[schema.EventType][]*schema.Event
}

func newHistoryLog(limit int) *historyLog {
	h := new(historyLog)
	h.limit = limit
	h.byType = make(map[schema.EventType][]*schema.Event)
	return h
}

// append stores the event, evicting the oldest entry of its type at capacity.
func (h *historyLog) append(evt *schema.Event) *schema.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.byType[evt.Type]
	var dropped *schema.Event
	if h.limit > 0 && len(entries) >= h.limit {
		dropped = entries[0]
		copy(entries[0:], entries[1:])
		entries = entries[:len(entries)-1]
	}
	h.byType[evt.Type] = append(entries, evt)
	return dropped
}

// recent returns clones of the newest limit entries for the type, ascending
// by timestamp. A non-positive limit returns everything retained.
func (h *historyLog) recent(typ schema.EventType, limit int) []*schema.Event {
	h.mu.RLock()
	entries := h.byType[typ]
	out := make([]*schema.Event, 0, len(entries))
	for _, evt := range entries {
		out = append(out, evt.Clone())
	}
	h.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// types returns every event type the hub has seen, sorted.
func (h *historyLog) types() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.byType))
	for typ := range h.byType {
		out = append(out, string(typ))
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// sweepExpired drops entries stamped before the cutoff. The type key survives
// trimming so the known-types set is stable.
func (h *historyLog) sweepExpired(cutoff time.Time) []*schema.Event {
	h.mu.RLock()
	typs := make([]schema.EventType, 0, len(h.byType))
	for typ := range h.byType {
		typs = append(typs, typ)
	}
	h.mu.RUnlock()

	var dropped []*schema.Event
	for _, typ := range typs {
		h.mu.Lock()
		entries, ok := h.byType[typ]
		if !ok {
			h.mu.Unlock()
			continue
		}
		kept := entries[:0]
		for _, evt := range entries {
			if evt.Timestamp.Before(cutoff) {
				dropped = append(dropped, evt)
			} else {
				kept = append(kept, evt)
			}
		}
		h.byType[typ] = kept
		h.mu.Unlock()
	}
	return dropped
}
