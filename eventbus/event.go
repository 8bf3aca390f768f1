package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is informational only: it is carried on the record and exported as
// a metrics label, it never changes delivery order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(raw string) (Priority, bool) {
	switch Priority(normalize(raw)) {
	case PriorityLow:
		return PriorityLow, true
	case PriorityNormal, "":
		return PriorityNormal, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityCritical:
		return PriorityCritical, true
	}
	return PriorityNormal, false
}

// Metadata carries the cross-cutting identifiers attached to a record at
// publish time. Every field is optional; empty strings are omitted on the
// wire.
type Metadata struct {
	TenantID      string `json:"tenant_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	Source        string `json:"source,omitempty"`
}

// EventRecord is the persistent unit representing one published occurrence.
// EventID, EventType, Payload and Metadata are fixed at publish time; only
// Status, RetryCount, ErrorMessage and UpdatedAt mutate afterwards.
type EventRecord struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	Metadata     Metadata       `json:"metadata"`
	Priority     Priority       `json:"priority"`
	Status       Status         `json:"status"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func newEventRecord(eventType string, payload map[string]any, meta Metadata, priority Priority, maxRetries int) *EventRecord {
	now := time.Now().UTC()
	return &EventRecord{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Payload:    payload,
		Metadata:   meta,
		Priority:   priority,
		Status:     StatusPending,
		RetryCount: 0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted payloads in place.
func (r *EventRecord) Clone() *EventRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = clonePayload(r.Payload)
	}
	return &cp
}

func (r *EventRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

func (r *EventRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

func clonePayload(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = clonePayload(m)
			continue
		}
		dst[k] = v
	}
	return dst
}
