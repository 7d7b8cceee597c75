// Package schema defines the event and subscription models shared across the hub.
package schema

import (
	"strings"
	"time"

	"github.com/coachpo/agenthub/errs"
)

// EventType identifies a dotted event category (e.g. "mission.completed").
type EventType string

// Validate ensures the event type is a usable identifier.
func (t EventType) Validate() error {
	raw := string(t)
	if strings.TrimSpace(raw) == "" {
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if strings.ContainsAny(raw, " \t\n") {
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("event type must not contain whitespace"))
	}
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("empty event type segment"))
		}
	}
	return nil
}

// Priority conveys advisory urgency attached by producers. It never reorders
// delivery.
type Priority string

const (
	// PriorityLow marks background notifications.
	PriorityLow Priority = "low"
	// PriorityNormal is the default producer priority.
	PriorityNormal Priority = "normal"
	// PriorityHigh marks notifications agents should prefer.
	PriorityHigh Priority = "high"
	// PriorityUrgent marks notifications requiring immediate attention.
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether the priority is empty or one of the advisory levels.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Metadata carries optional delivery hints attached to an event.
type Metadata struct {
	Priority  Priority `json:"priority,omitempty"`
	TTLMillis int64    `json:"ttl,omitempty"`
	Retryable *bool    `json:"retryable,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// TTL converts the millisecond hint to a duration, zero when unset.
func (m *Metadata) TTL() time.Duration {
	if m == nil || m.TTLMillis <= 0 {
		return 0
	}
	return time.Duration(m.TTLMillis) * time.Millisecond
}

// RetryEnabled reports whether webhook delivery may retry, defaulting to true.
func (m *Metadata) RetryEnabled() bool {
	if m == nil || m.Retryable == nil {
		return true
	}
	return *m.Retryable
}

// Clone returns a deep copy of the metadata.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Retryable != nil {
		flag := *m.Retryable
		clone.Retryable = &flag
	}
	if len(m.Tags) > 0 {
		clone.Tags = append([]string(nil), m.Tags...)
	}
	return &clone
}

func (m *Metadata) validate() error {
	if m == nil {
		return nil
	}
	if !m.Priority.Valid() {
		return errs.New("schema/metadata", errs.CodeInvalid, errs.WithMessage("unknown priority"))
	}
	if m.TTLMillis < 0 {
		return errs.New("schema/metadata", errs.CodeInvalid, errs.WithMessage("ttl must not be negative"))
	}
	return nil
}

// EventDraft carries the producer-supplied portion of an event. The hub stamps
// id and timestamp at publish.
type EventDraft struct {
	Type     EventType      `json:"type"`
	Source   string         `json:"source,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata *Metadata      `json:"metadata,omitempty"`
}

// Validate ensures the draft can be stamped into an event.
func (d EventDraft) Validate() error {
	if err := d.Type.Validate(); err != nil {
		return err
	}
	return d.Metadata.validate()
}

// Event represents a published notification fanned out to subscribers.
// Immutable once published; the hub hands out isolated copies.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
}

// Validate ensures the event is fully stamped and well-formed.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if err := e.Type.Validate(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event timestamp required"))
	}
	return e.Metadata.validate()
}

// Clone returns a copy whose data map and metadata are isolated from the original.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Data != nil {
		clone.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	clone.Metadata = e.Metadata.Clone()
	return &clone
}

// QueueTTL resolves the queued-copy lifetime, falling back to def when the
// producer supplied no ttl hint.
func (e *Event) QueueTTL(def time.Duration) time.Duration {
	if e == nil {
		return def
	}
	if ttl := e.Metadata.TTL(); ttl > 0 {
		return ttl
	}
	return def
}

// Retryable reports whether webhook delivery of this event may retry.
func (e *Event) Retryable() bool {
	if e == nil {
		return true
	}
	return e.Metadata.RetryEnabled()
}
