// Package hub implements the agent-facing event hub: subscription registry,
// per-type event history, bounded per-agent polling queues, multi-transport
// delivery with retry, and background expiry.
package hub

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/agenthub/internal/clock"
	"github.com/coachpo/agenthub/internal/observability"
	"github.com/coachpo/agenthub/internal/schema"
	"github.com/coachpo/agenthub/internal/transport"
)

const (
	defaultHistoryLimit    = 100
	defaultQueueLimit      = 100
	defaultQueueTTL        = 5 * time.Minute
	defaultHistoryTTL      = time.Hour
	defaultSubscriptionTTL = 24 * time.Hour
	defaultSweepInterval   = 30 * time.Second
	defaultFanoutWorkers   = 8
	defaultDropLogSize     = 256
)

// Config tunes the hub stores, delivery, and janitor.
type Config struct {
	HistoryLimit    int           // retained events per type
	QueueLimit      int           // queued events per agent
	QueueTTL        time.Duration // default lifetime of a queued copy
	HistoryTTL      time.Duration // retention of history entries
	SubscriptionTTL time.Duration // idle age before a subscription is evicted
	SweepInterval   time.Duration
	FanoutWorkers   int

	WebhookTimeout     time.Duration // per-attempt webhook timeout
	WebhookRateLimit   rate.Limit    // outbound attempt pacer, unlimited when zero
	WebhookRateBurst   int
	SocketWriteTimeout time.Duration
	DropLogSize        int
}

func (c Config) normalize() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = defaultQueueLimit
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = defaultQueueTTL
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = defaultHistoryTTL
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = defaultSubscriptionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = defaultFanoutWorkers
	}
	if c.DropLogSize <= 0 {
		c.DropLogSize = defaultDropLogSize
	}
	return c
}

// Stats is a point-in-time summary of live hub state.
type Stats struct {
	ActiveSubscriptions int      `json:"activeSubscriptions"`
	QueuedEvents        int      `json:"queuedEvents"`
	SocketConnections   int      `json:"socketConnections"`
	KnownEventTypes     []string `json:"knownEventTypes"`
}

// EventQuery narrows GetEvents results. Filters compose: Since keeps events
// stamped strictly after it, EventTypes is an allow-list (empty admits all),
// Limit keeps the newest entries after the other filters apply.
type EventQuery struct {
	Since      time.Time
	EventTypes []schema.EventType
	Limit      int
}

// Option customizes hub construction.
type Option func(*options)

type options struct {
	clk        clock.Clock
	httpClient *http.Client
	logger     observability.Logger
}

// WithClock injects the time source used for stamps, expiry, and retry waits.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clk = clk }
}

// WithHTTPClient injects the client used for webhook deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithLogger overrides the global logger for this hub instance.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Hub wires the stores and transports behind the public API. A hub owns its
// delivery lifecycle: Close waits for in-flight fan-outs to finish.
type Hub struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     *conc.WaitGroup

	clk      clock.Clock
	log      observability.Logger
	subs     *registry
	queues   *queueSet
	history  *historyLog
	sockets  *transport.SocketTable
	webhooks *transport.WebhookSender
	drops    *observability.DropLog
	metrics  *instruments

	shutdownOnce sync.Once
}

// New constructs a hub and starts its janitor.
func New(cfg Config, opts ...Option) *Hub {
	cfg = cfg.normalize()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clk == nil {
		o.clk = clock.SystemClock{}
	}
	if o.logger == nil {
		o.logger = observability.Log()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := new(Hub)
	h.cfg = cfg
	h.ctx = ctx
	h.cancel = cancel
	h.wg = conc.NewWaitGroup()
	h.clk = o.clk
	h.log = o.logger
	h.subs = newRegistry()
	h.queues = newQueueSet(cfg.QueueLimit)
	h.history = newHistoryLog(cfg.HistoryLimit)
	h.sockets = transport.NewSocketTable()
	h.webhooks = transport.NewWebhookSender(transport.WebhookConfig{
		Client:         o.httpClient,
		Clock:          o.clk,
		AttemptTimeout: cfg.WebhookTimeout,
		RateLimit:      cfg.WebhookRateLimit,
		RateBurst:      cfg.WebhookRateBurst,
	})
	h.drops = observability.NewDropLog(cfg.DropLogSize)
	h.metrics = newInstruments()
	h.metrics.registerGauges(h)

	h.wg.Go(h.janitorLoop)
	return h
}

// Subscribe registers an agent's interest in the given event types. A nil
// transport normalizes to poll-only.
func (h *Hub) Subscribe(agentID string, eventTypes []schema.EventType, filters map[string]any, tr schema.Transport) (*schema.Subscription, error) {
	if tr == nil {
		tr = schema.PollTransport{}
	}
	sub := &schema.Subscription{
		ID:         schema.SubscriptionID(uuid.NewString()),
		AgentID:    strings.TrimSpace(agentID),
		EventTypes: schema.NormalizeEventTypes(eventTypes),
		Filters:    filters,
		Transport:  tr,
		CreatedAt:  h.clk.Now(),
		Active:     true,
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	h.subs.create(sub.Clone())
	h.log.Debug("subscription created",
		observability.Field{Key: "subscription", Value: string(sub.ID)},
		observability.Field{Key: "agent", Value: sub.AgentID},
		observability.Field{Key: "transport", Value: string(schema.KindOf(tr))})
	return sub, nil
}

// Unsubscribe deactivates and removes the subscription. The agent's socket
// handle is released when no active socket subscription remains for it.
func (h *Hub) Unsubscribe(id schema.SubscriptionID) bool {
	removed, ok := h.subs.remove(id)
	if !ok {
		return false
	}
	if schema.KindOf(removed.Transport) == schema.TransportSocket {
		h.releaseSocketIfUnused(removed.AgentID)
	}
	h.log.Debug("subscription removed",
		observability.Field{Key: "subscription", Value: string(id)},
		observability.Field{Key: "agent", Value: removed.AgentID})
	return true
}

// GetSubscription returns a copy of the subscription; absence is typed, not
// an error.
func (h *Hub) GetSubscription(id schema.SubscriptionID) (*schema.Subscription, bool) {
	return h.subs.get(id)
}

// ListAgentSubscriptions returns the agent's active subscriptions, oldest
// first.
func (h *Hub) ListAgentSubscriptions(agentID string) []*schema.Subscription {
	return h.subs.listByAgent(agentID)
}

// GetEvents returns the agent's queued events matching the query, ascending
// by timestamp. Reads never consume the queue; callers dedupe by tracking the
// newest timestamp they have seen.
func (h *Hub) GetEvents(agentID string, query EventQuery) []*schema.Event {
	events := h.queues.events(agentID, h.clk.Now())
	filtered := events[:0]
	for _, evt := range events {
		if !query.Since.IsZero() && !evt.Timestamp.After(query.Since) {
			continue
		}
		if len(query.EventTypes) > 0 && !typeAllowed(query.EventTypes, evt.Type) {
			continue
		}
		filtered = append(filtered, evt)
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Timestamp.Before(filtered[j].Timestamp) })
	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[len(filtered)-query.Limit:]
	}
	return filtered
}

// GetHistory returns the most recent limit events of the type, ascending by
// timestamp, regardless of subscriptions or delivery outcomes.
func (h *Hub) GetHistory(eventType schema.EventType, limit int) []*schema.Event {
	return h.history.recent(eventType, limit)
}

// ConnectSocket attaches a live connection for the agent, then flushes the
// agent's queued events over it in enqueue order, exactly once. A mid-flush
// send failure requeues the unsent remainder at the queue front and detaches
// the broken handle.
func (h *Hub) ConnectSocket(ctx context.Context, agentID string, conn transport.Conn) (schema.ConnectionID, error) {
	connID, err := h.sockets.Attach(agentID, conn)
	if err != nil {
		return "", err
	}
	h.log.Info("socket connected",
		observability.Field{Key: "agent", Value: agentID},
		observability.Field{Key: "connection", Value: string(connID)})

	pending, expired := h.queues.drain(agentID, h.clk.Now())
	for _, evt := range expired {
		h.recordDrop(ctx, agentID, evt, observability.DropReasonTTL)
	}
	for i, entry := range pending {
		if err := h.sockets.Push(ctx, agentID, entry.evt); err != nil {
			rest := pending[i:]
			for _, evt := range h.queues.requeueFront(agentID, rest) {
				h.recordDrop(ctx, agentID, evt, observability.DropReasonCapacity)
			}
			h.log.Error("socket flush interrupted",
				observability.Field{Key: "agent", Value: agentID},
				observability.Field{Key: "requeued", Value: len(rest)},
				observability.Field{Key: "error", Value: err.Error()})
			return connID, nil
		}
		h.metrics.recordDelivered(ctx, string(schema.TransportSocket))
	}
	if len(pending) > 0 {
		h.log.Debug("queue flushed to socket",
			observability.Field{Key: "agent", Value: agentID},
			observability.Field{Key: "events", Value: len(pending)})
	}
	return connID, nil
}

// DisconnectSocket releases the agent's handle when the connection id still
// matches. Read-loop owners call it when the peer goes away.
func (h *Hub) DisconnectSocket(agentID string, connID schema.ConnectionID) bool {
	if !h.sockets.Detach(agentID, connID) {
		return false
	}
	h.log.Info("socket disconnected",
		observability.Field{Key: "agent", Value: agentID},
		observability.Field{Key: "connection", Value: string(connID)})
	return true
}

// GetStats summarizes live hub state.
func (h *Hub) GetStats() Stats {
	return Stats{
		ActiveSubscriptions: h.subs.activeCount(),
		QueuedEvents:        h.queues.total(h.clk.Now()),
		SocketConnections:   h.sockets.Count(),
		KnownEventTypes:     h.history.types(),
	}
}

// Drops returns the recent queue drop records for diagnostics.
func (h *Hub) Drops() []observability.Drop {
	return h.drops.Snapshot()
}

// Close stops the janitor, aborts pending retry waits, closes every socket,
// and waits for in-flight deliveries to finish.
func (h *Hub) Close() {
	h.shutdownOnce.Do(func() {
		h.cancel()
		h.sockets.CloseAll()
		h.wg.Wait()
		h.log.Info("hub stopped")
	})
}

func (h *Hub) recordDrop(ctx context.Context, agentID string, evt *schema.Event, reason observability.DropReason) {
	h.drops.Offer(observability.Drop{
		AgentID:   agentID,
		EventID:   evt.ID,
		EventType: string(evt.Type),
		Reason:    reason,
		At:        h.clk.Now(),
	})
	h.metrics.recordQueueDrop(ctx, string(reason))
	h.log.Debug("queued event dropped",
		observability.Field{Key: "agent", Value: agentID},
		observability.Field{Key: "event", Value: evt.ID},
		observability.Field{Key: "reason", Value: string(reason)})
}

// releaseSocketIfUnused closes the agent's live handle once no active socket
// subscription remains for it.
func (h *Hub) releaseSocketIfUnused(agentID string) {
	if h.subs.agentUsesSocket(agentID) {
		return
	}
	if _, connID, ok := h.sockets.Lookup(agentID); ok {
		if h.sockets.Detach(agentID, connID) {
			h.log.Debug("socket released", observability.Field{Key: "agent", Value: agentID})
		}
	}
}

func typeAllowed(allow []schema.EventType, typ schema.EventType) bool {
	for _, candidate := range allow {
		if candidate == typ {
			return true
		}
	}
	return false
}
