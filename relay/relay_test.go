package relay

import (
	"context"
	"encoding/json"
	"testing"

	"isp-ops-event-bus/eventbus"
)

func TestTopicFor(t *testing.T) {
	cases := []struct {
		prefix    string
		eventType string
		want      string
	}{
		{"ops.events", "ticket.created", "ops.events.ticket"},
		{"ops.events", "ticket.assigned.technician", "ops.events.ticket"},
		{"ops.events", "alerts", "ops.events.alerts"},
		{"", "ticket.created", "ticket"},
	}
	for _, tc := range cases {
		if got := TopicFor(tc.prefix, tc.eventType); got != tc.want {
			t.Fatalf("TopicFor(%q, %q) = %q, want %q", tc.prefix, tc.eventType, got, tc.want)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()

	rec, err := bus.Publish(context.Background(), "ticket.created", map[string]any{"ticket_id": "42"}, eventbus.Metadata{
		TenantID:      "tenant-a",
		CorrelationID: "request-123",
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg, err := BuildMessage("ops.events.ticket", rec)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if msg.Topic != "ops.events.ticket" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	if string(msg.Key) != rec.EventID {
		t.Fatalf("message key must be the event id")
	}

	var decoded eventbus.EventRecord
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not a valid record: %v", err)
	}
	if decoded.EventID != rec.EventID || decoded.Payload["ticket_id"] != "42" {
		t.Fatalf("envelope mismatch: %#v", decoded)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != "ticket.created" {
		t.Fatalf("missing event_type header: %#v", headers)
	}
	if headers["tenant_id"] != "tenant-a" || headers["correlation_id"] != "request-123" {
		t.Fatalf("metadata headers missing: %#v", headers)
	}
}
