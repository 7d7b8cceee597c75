package hub

import (
	"time"

	"github.com/coachpo/agenthub/internal/observability"
	"github.com/coachpo/agenthub/internal/schema"
	"github.com/coachpo/agenthub/internal/telemetry"
)

// janitorLoop sweeps the stores at a fixed interval until the hub closes.
func (h *Hub) janitorLoop() {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweep(h.clk.Now())
		}
	}
}

// sweep runs one janitor pass: expired queue entries, idle subscriptions,
// aged-out history. Each phase locks one agent, record, or type at a time.
func (h *Hub) sweep(now time.Time) {
	expired := h.queues.sweepExpired(now)
	for _, drop := range expired {
		h.recordDrop(h.ctx, drop.agentID, drop.evt, observability.DropReasonTTL)
	}
	h.metrics.recordSwept(h.ctx, telemetry.StoreQueue, len(expired))

	removed := h.subs.sweepIdle(now.Add(-h.cfg.SubscriptionTTL))
	for _, sub := range removed {
		if schema.KindOf(sub.Transport) == schema.TransportSocket {
			h.releaseSocketIfUnused(sub.AgentID)
		}
		h.log.Debug("idle subscription evicted",
			observability.Field{Key: "subscription", Value: string(sub.ID)},
			observability.Field{Key: "agent", Value: sub.AgentID})
	}
	h.metrics.recordSwept(h.ctx, telemetry.StoreSubscription, len(removed))

	trimmed := h.history.sweepExpired(now.Add(-h.cfg.HistoryTTL))
	h.metrics.recordSwept(h.ctx, telemetry.StoreHistory, len(trimmed))

	if len(expired)+len(removed)+len(trimmed) > 0 {
		h.log.Info("janitor sweep",
			observability.Field{Key: "queue_expired", Value: len(expired)},
			observability.Field{Key: "subscriptions_evicted", Value: len(removed)},
			observability.Field{Key: "history_trimmed", Value: len(trimmed)})
	}
}
