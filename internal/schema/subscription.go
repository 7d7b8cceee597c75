package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/agenthub/errs"
)

// SubscriptionID uniquely identifies a hub subscription.
type SubscriptionID string

// ConnectionID uniquely identifies a live socket attachment.
type ConnectionID string

// TransportKind names the delivery mechanism variants.
type TransportKind string

const (
	// TransportWebhook pushes events by HTTP POST.
	TransportWebhook TransportKind = "webhook"
	// TransportSocket pushes events over a live connection.
	TransportSocket TransportKind = "socket"
	// TransportPoll leaves events in the agent queue for GetEvents.
	TransportPoll TransportKind = "poll"
)

// Transport selects how matched events reach an agent. The variant set is
// closed: webhook push, socket push, or polling only.
type Transport interface {
	Kind() TransportKind
	sealedTransport()
}

// KindOf reports the transport variant, treating absence as polling only.
func KindOf(tr Transport) TransportKind {
	if tr == nil {
		return TransportPoll
	}
	return tr.Kind()
}

// RetryPolicy bounds webhook redelivery for a subscription.
type RetryPolicy struct {
	MaxRetries    int   `json:"maxRetries"`
	BackoffMillis int64 `json:"backoffMs"`
}

// Backoff converts the base wait to a duration, zero when unset.
func (p RetryPolicy) Backoff() time.Duration {
	if p.BackoffMillis <= 0 {
		return 0
	}
	return time.Duration(p.BackoffMillis) * time.Millisecond
}

// WebhookTransport delivers events by HTTP POST to a subscriber endpoint.
type WebhookTransport struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Retry   RetryPolicy       `json:"retry"`
}

// Kind identifies the webhook variant.
func (WebhookTransport) Kind() TransportKind { return TransportWebhook }

func (WebhookTransport) sealedTransport() {}

// Validate ensures the webhook target is usable.
func (w WebhookTransport) Validate() error {
	url := strings.TrimSpace(w.URL)
	if url == "" {
		return errs.New("schema/webhook", errs.CodeInvalid, errs.WithMessage("webhook url required"))
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return errs.New("schema/webhook", errs.CodeInvalid, errs.WithMessage("webhook url must be http or https"))
	}
	if w.Retry.MaxRetries < 0 {
		return errs.New("schema/webhook", errs.CodeInvalid, errs.WithMessage("maxRetries must not be negative"))
	}
	if w.Retry.BackoffMillis < 0 {
		return errs.New("schema/webhook", errs.CodeInvalid, errs.WithMessage("backoffMs must not be negative"))
	}
	return nil
}

// SocketTransport delivers events over the agent's live connection. The handle
// itself is attached separately through ConnectSocket.
type SocketTransport struct{}

// Kind identifies the socket variant.
func (SocketTransport) Kind() TransportKind { return TransportSocket }

func (SocketTransport) sealedTransport() {}

// PollTransport leaves events in the agent's queue for GetEvents.
type PollTransport struct{}

// Kind identifies the polling variant.
func (PollTransport) Kind() TransportKind { return TransportPoll }

func (PollTransport) sealedTransport() {}

// Subscription is a standing registration declaring which events an agent
// wants and how delivery should occur.
type Subscription struct {
	ID            SubscriptionID `json:"id"`
	AgentID       string         `json:"agentId"`
	EventTypes    []EventType    `json:"eventTypes"`
	Filters       map[string]any `json:"filters,omitempty"`
	Transport     Transport      `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastDelivery  time.Time      `json:"lastDelivery"`
	DeliveryCount uint64         `json:"deliveryCount"`
	FailureCount  uint64         `json:"failureCount"`
	Active        bool           `json:"isActive"`
}

// Validate ensures the subscription record is well-formed.
func (s *Subscription) Validate() error {
	if s == nil {
		return errs.New("schema/subscription", errs.CodeInvalid, errs.WithMessage("subscription required"))
	}
	if strings.TrimSpace(s.AgentID) == "" {
		return errs.New("schema/subscription", errs.CodeInvalid, errs.WithMessage("agentId required"))
	}
	if len(s.EventTypes) == 0 {
		return errs.New("schema/subscription", errs.CodeInvalid, errs.WithMessage("eventTypes required"))
	}
	for _, typ := range s.EventTypes {
		if err := typ.Validate(); err != nil {
			return err
		}
	}
	for key := range s.Filters {
		if strings.TrimSpace(key) == "" {
			return errs.New("schema/subscription", errs.CodeInvalid, errs.WithMessage("filter keys must not be empty"))
		}
	}
	if webhook, ok := s.Transport.(WebhookTransport); ok {
		return webhook.Validate()
	}
	return nil
}

// Clone returns a copy isolated from mutation of slices, maps, and headers.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	clone.EventTypes = append([]EventType(nil), s.EventTypes...)
	if s.Filters != nil {
		clone.Filters = make(map[string]any, len(s.Filters))
		for k, v := range s.Filters {
			clone.Filters[k] = v
		}
	}
	clone.Transport = cloneTransport(s.Transport)
	return &clone
}

// WantsType reports whether the subscription covers the event type.
func (s *Subscription) WantsType(typ EventType) bool {
	if s == nil {
		return false
	}
	for _, candidate := range s.EventTypes {
		if candidate == typ {
			return true
		}
	}
	return false
}

// Matches reports whether the event is eligible for this subscription: its
// type is covered and every filter key equals the corresponding data value.
func (s *Subscription) Matches(evt *Event) bool {
	if s == nil || evt == nil {
		return false
	}
	if !s.WantsType(evt.Type) {
		return false
	}
	for key, want := range s.Filters {
		got, ok := evt.Data[key]
		if !ok {
			return false
		}
		if !compareEqual(got, want) {
			return false
		}
	}
	return true
}

// NormalizeEventTypes deduplicates the requested types, preserving first-seen order.
func NormalizeEventTypes(types []EventType) []EventType {
	if len(types) == 0 {
		return nil
	}
	seen := make(map[EventType]struct{}, len(types))
	out := make([]EventType, 0, len(types))
	for _, typ := range types {
		if _, ok := seen[typ]; ok {
			continue
		}
		seen[typ] = struct{}{}
		out = append(out, typ)
	}
	return out
}

func cloneTransport(tr Transport) Transport {
	webhook, ok := tr.(WebhookTransport)
	if !ok {
		return tr
	}
	if len(webhook.Headers) > 0 {
		headers := make(map[string]string, len(webhook.Headers))
		for k, v := range webhook.Headers {
			headers[k] = v
		}
		webhook.Headers = headers
	}
	return webhook
}

func compareEqual(lhs any, rhs any) bool {
	return fmt.Sprint(lhs) == fmt.Sprint(rhs)
}
