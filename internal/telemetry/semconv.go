// Package telemetry provides semantic conventions for hub observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for hub-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventType = attribute.Key("event.type")
	AttrSource    = attribute.Key("event.source")

	// Delivery attributes
	AttrTransport = attribute.Key("transport")
	AttrReason    = attribute.Key("reason")

	// Janitor attributes
	AttrStore = attribute.Key("store")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Store values for janitor sweep metrics.
const (
	StoreQueue        = "queue"
	StoreSubscription = "subscription"
	StoreHistory      = "history"
)

// EventAttributes returns common attributes for publish metrics.
func EventAttributes(environment, eventType, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrSource.String(source),
	}
}

// DeliveryAttributes returns common attributes for delivery metrics.
func DeliveryAttributes(environment, transport string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
	}
}

// DropAttributes returns common attributes for queue drop metrics.
func DropAttributes(environment, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
	}
}

// SweepAttributes returns common attributes for janitor sweep metrics.
func SweepAttributes(environment, store string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStore.String(store),
	}
}
