package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Topics carried on the stream bus.
const (
	TopicOrders        = "orders"
	TopicNotifications = "notifications"
	TopicSystem        = "system"
)

func Topics() []string {
	return []string{TopicOrders, TopicNotifications, TopicSystem}
}

// Envelope is the canonical wire contract for domain events.
// Payload stays opaque at the transport layer; only the schema registry
// decodes it into a per-variant form.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Validate checks the envelope fields the bus and outbox rely on.
// Payload shape is the schema registry's concern.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return ErrValidation("event_id is required")
	case e.EventType == "":
		return ErrValidation("event_type is required")
	case e.SchemaVersion <= 0:
		return ErrValidation("schema_version must be positive")
	case e.TenantID == "":
		return ErrValidation("tenant_id is required")
	case e.AggregateID == "":
		return ErrValidation("aggregate_id is required")
	case e.OccurredAt.IsZero():
		return ErrValidation("occurred_at is required")
	case len(e.Payload) == 0:
		return ErrValidation("payload is required")
	}
	return nil
}

// Topic routes an event type to its stream by prefix.
func (e *Envelope) Topic() string {
	return TopicForEventType(e.EventType)
}

func TopicForEventType(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "order_"):
		return TopicOrders
	case strings.HasPrefix(eventType, "notification_"):
		return TopicNotifications
	default:
		return TopicSystem
	}
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, ErrValidation("malformed envelope: " + err.Error())
	}
	return &e, nil
}
