package messaging

import (
	"sort"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestMessageCarrier(t *testing.T) {
	msg := &kafka.Message{Headers: []kafka.Header{{Key: "notification-kind", Value: []byte("order.submitted")}}}
	c := NewMessageCarrier(msg)

	if got := c.Get("notification-kind"); got != "order.submitted" {
		t.Errorf("expected existing header, got %q", got)
	}

	c.Set("traceparent", "00-abc-def-01")
	c.Set("notification-kind", "order.approved")

	if len(msg.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(msg.Headers))
	}
	if got := c.Get("notification-kind"); got != "order.approved" {
		t.Errorf("expected overwritten header, got %q", got)
	}
	if got := c.Get("missing"); got != "" {
		t.Errorf("expected empty value, got %q", got)
	}
}

func TestTableCarrier(t *testing.T) {
	c := TableCarrier{"count": 3}
	c.Set("traceparent", "00-abc-def-01")

	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("unexpected value %q", got)
	}
	if got := c.Get("count"); got != "" {
		t.Errorf("expected non-string header to read empty, got %q", got)
	}

	keys := c.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "count" || keys[1] != "traceparent" {
		t.Errorf("unexpected keys %v", keys)
	}
}
