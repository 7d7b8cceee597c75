package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/agenthub/errs"
	"github.com/coachpo/agenthub/internal/observability"
	"github.com/coachpo/agenthub/internal/schema"
)

// Publish stamps and stores the event, then fans out one delivery attempt per
// matching active subscription. Errors are only reported for an ill-formed
// draft; delivery outcomes never surface here.
func (h *Hub) Publish(ctx context.Context, draft schema.EventDraft) (*schema.Event, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	stamped := &schema.Event{
		ID:        uuid.NewString(),
		Type:      draft.Type,
		Source:    draft.Source,
		Timestamp: h.clk.Now(),
		Data:      draft.Data,
		Metadata:  draft.Metadata,
	}
	// The hub's copy is isolated before anything is stored or delivered, so a
	// caller mutating the draft's maps afterwards cannot race the fan-out.
	evt := stamped.Clone()

	h.history.append(evt)
	h.metrics.recordPublished(ctx, string(evt.Type), evt.Source)

	matches := h.subs.snapshotMatching(evt)
	h.metrics.recordFanout(ctx, len(matches))
	if len(matches) == 0 {
		return evt.Clone(), nil
	}

	p := concpool.New().WithMaxGoroutines(h.cfg.FanoutWorkers)
	for _, sub := range matches {
		target := sub
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("delivery panic",
						observability.Field{Key: "subscription", Value: string(target.ID)},
						observability.Field{Key: "event", Value: evt.ID},
						observability.Field{Key: "panic", Value: r})
				}
			}()
			h.deliver(target, evt)
		})
	}
	h.wg.Go(func() { p.Wait() })

	return evt.Clone(), nil
}

// BatchFailure pairs a rejected draft's position with its validation error.
type BatchFailure struct {
	Index int
	Err   error
}

// BatchError aggregates the rejected drafts of a PublishBatch call. The
// accepted drafts still published.
type BatchError struct {
	Total    int
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("publish batch: %d of %d drafts rejected", len(e.Failures), e.Total)
}

// Unwrap exposes the per-draft errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		out = append(out, failure.Err)
	}
	return out
}

// PublishBatch publishes the drafts in order. Ill-formed drafts are skipped,
// leaving a nil hole in the result slice, and reported together as a
// *BatchError.
func (h *Hub) PublishBatch(ctx context.Context, drafts []schema.EventDraft) ([]*schema.Event, error) {
	results := make([]*schema.Event, len(drafts))
	var failures []BatchFailure
	for i, draft := range drafts {
		evt, err := h.Publish(ctx, draft)
		if err != nil {
			failures = append(failures, BatchFailure{Index: i, Err: err})
			continue
		}
		results[i] = evt
	}
	if len(failures) > 0 {
		return results, &BatchError{Total: len(drafts), Failures: failures}
	}
	return results, nil
}

// deliver routes one event to one subscription snapshot: the primary
// transport first, the polling queue as fallback on transport failure. A
// failed transport followed by a fallback enqueue counts exactly one failure.
// Deliveries run on the hub context so caller cancellation never aborts them.
func (h *Hub) deliver(sub *schema.Subscription, evt *schema.Event) {
	kind := schema.KindOf(sub.Transport)
	start := time.Now()
	defer func() {
		h.metrics.recordDeliveryDuration(h.ctx, string(kind), float64(time.Since(start).Milliseconds()))
	}()

	switch tr := sub.Transport.(type) {
	case schema.WebhookTransport:
		err := h.webhooks.Deliver(h.ctx, sub.ID, tr, evt)
		switch {
		case err == nil:
			h.subs.recordDelivery(sub.ID, h.clk.Now())
			h.metrics.recordDelivered(h.ctx, string(kind))
		case errs.IsCode(err, errs.CodeExists):
			// Same event already in flight for this subscription; skip
			// without touching either counter.
			h.log.Debug("duplicate delivery skipped",
				observability.Field{Key: "subscription", Value: string(sub.ID)},
				observability.Field{Key: "event", Value: evt.ID})
		default:
			h.subs.recordFailure(sub.ID)
			h.metrics.recordDeliveryFailure(h.ctx, string(kind))
			h.log.Error("webhook delivery failed",
				observability.Field{Key: "subscription", Value: string(sub.ID)},
				observability.Field{Key: "event", Value: evt.ID},
				observability.Field{Key: "error", Value: err.Error()})
			h.enqueue(sub.AgentID, evt)
		}
	case schema.SocketTransport:
		if err := h.sockets.Push(h.ctx, sub.AgentID, evt); err != nil {
			h.subs.recordFailure(sub.ID)
			h.metrics.recordDeliveryFailure(h.ctx, string(kind))
			h.log.Debug("socket unavailable, event queued",
				observability.Field{Key: "subscription", Value: string(sub.ID)},
				observability.Field{Key: "event", Value: evt.ID})
			h.enqueue(sub.AgentID, evt)
			return
		}
		h.subs.recordDelivery(sub.ID, h.clk.Now())
		h.metrics.recordDelivered(h.ctx, string(kind))
	default:
		// Poll-only: the queue is the primary transport and enqueueing is the
		// delivery.
		h.enqueue(sub.AgentID, evt)
		h.subs.recordDelivery(sub.ID, h.clk.Now())
		h.metrics.recordDelivered(h.ctx, string(kind))
	}
}

// enqueue adds a copy of the event to the agent's polling queue, honoring the
// event's own TTL over the hub default.
func (h *Hub) enqueue(agentID string, evt *schema.Event) {
	now := h.clk.Now()
	expiresAt := now.Add(evt.QueueTTL(h.cfg.QueueTTL))
	if dropped := h.queues.enqueue(agentID, evt.Clone(), expiresAt); dropped != nil {
		h.recordDrop(h.ctx, agentID, dropped, observability.DropReasonCapacity)
	}
}
