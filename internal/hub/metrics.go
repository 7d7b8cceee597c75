package hub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/agenthub/internal/telemetry"
)

// instruments bundles the hub's OpenTelemetry instruments. Construction is
// best-effort; a nil instrument records nothing.
type instruments struct {
	published        metric.Int64Counter
	deliveries       metric.Int64Counter
	deliveryFailures metric.Int64Counter
	queueDropped     metric.Int64Counter
	janitorExpired   metric.Int64Counter
	fanoutSize       metric.Int64Histogram
	deliveryLatency  metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter("hub")
	m := new(instruments)
	m.published, _ = meter.Int64Counter("hub.events.published",
		metric.WithDescription("Events accepted and stored by the hub"),
		metric.WithUnit("{event}"))
	m.deliveries, _ = meter.Int64Counter("hub.deliveries",
		metric.WithDescription("Successful deliveries by transport"),
		metric.WithUnit("{delivery}"))
	m.deliveryFailures, _ = meter.Int64Counter("hub.delivery.failures",
		metric.WithDescription("Failed delivery attempts by transport"),
		metric.WithUnit("{failure}"))
	m.queueDropped, _ = meter.Int64Counter("hub.queue.dropped",
		metric.WithDescription("Queued copies dropped by reason"),
		metric.WithUnit("{event}"))
	m.janitorExpired, _ = meter.Int64Counter("hub.janitor.expired",
		metric.WithDescription("Entries removed by janitor sweeps"),
		metric.WithUnit("{entry}"))
	m.fanoutSize, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Matched subscriptions per publish"),
		metric.WithUnit("{subscription}"))
	m.deliveryLatency, _ = meter.Float64Histogram("hub.delivery.duration",
		metric.WithDescription("Delivery duration per subscription"),
		metric.WithUnit("ms"))
	return m
}

// registerGauges wires the level instruments straight to the live stores so
// replace, flush, and sweep paths never need delta bookkeeping.
func (m *instruments) registerGauges(h *Hub) {
	meter := otel.Meter("hub")
	env := telemetry.AttrEnvironment.String(telemetry.Environment())
	_, _ = meter.Int64ObservableGauge("hub.queue.depth",
		metric.WithDescription("Events currently queued for polling"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.queues.total(h.clk.Now())), metric.WithAttributes(env))
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("hub.subscriptions.active",
		metric.WithDescription("Active subscriptions"),
		metric.WithUnit("{subscription}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.subs.activeCount()), metric.WithAttributes(env))
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("hub.sockets.connected",
		metric.WithDescription("Open socket connections"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.sockets.Count()), metric.WithAttributes(env))
			return nil
		}))
}

func (m *instruments) recordPublished(ctx context.Context, eventType, source string) {
	if m.published == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), eventType, source)
	m.published.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *instruments) recordFanout(ctx context.Context, size int) {
	if m.fanoutSize == nil {
		return
	}
	m.fanoutSize.Record(ctx, int64(size), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *instruments) recordDelivered(ctx context.Context, transport string) {
	if m.deliveries == nil {
		return
	}
	attrs := telemetry.DeliveryAttributes(telemetry.Environment(), transport)
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *instruments) recordDeliveryFailure(ctx context.Context, transport string) {
	if m.deliveryFailures == nil {
		return
	}
	attrs := telemetry.DeliveryAttributes(telemetry.Environment(), transport)
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *instruments) recordDeliveryDuration(ctx context.Context, transport string, millis float64) {
	if m.deliveryLatency == nil {
		return
	}
	attrs := telemetry.DeliveryAttributes(telemetry.Environment(), transport)
	m.deliveryLatency.Record(ctx, millis, metric.WithAttributes(attrs...))
}

func (m *instruments) recordQueueDrop(ctx context.Context, reason string) {
	if m.queueDropped == nil {
		return
	}
	attrs := telemetry.DropAttributes(telemetry.Environment(), reason)
	m.queueDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *instruments) recordSwept(ctx context.Context, store string, count int) {
	if m.janitorExpired == nil || count == 0 {
		return
	}
	attrs := telemetry.SweepAttributes(telemetry.Environment(), store)
	m.janitorExpired.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

