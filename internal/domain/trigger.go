package domain

import (
	"encoding/json"
	"time"
)

type TriggerKind string

const (
	TriggerKindAutoExpire TriggerKind = "auto_expire"
	TriggerKindReminder   TriggerKind = "reminder"
	TriggerKindAutoClose  TriggerKind = "auto_close"
	TriggerKindDigest     TriggerKind = "digest"
)

type TriggerStatus string

const (
	TriggerStatusPending   TriggerStatus = "pending"
	TriggerStatusFired     TriggerStatus = "fired"
	TriggerStatusCancelled TriggerStatus = "cancelled"
)

func (s TriggerStatus) Settled() bool {
	return s == TriggerStatusFired || s == TriggerStatusCancelled
}

type Trigger struct {
	ID            string          `json:"id"`
	Kind          TriggerKind     `json:"kind"`
	OrderID       string          `json:"order_id,omitempty"`
	FireAt        time.Time       `json:"fire_at"`
	Recurrence    string          `json:"recurrence,omitempty"`
	SeriesID      string          `json:"series_id,omitempty"`
	ExpectStatus  OrderStatus     `json:"expect_status,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        TriggerStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
	DispatchError string          `json:"dispatch_error,omitempty"`
}

func (t Trigger) OrderScoped() bool {
	return t.OrderID != ""
}

func (t Trigger) Recurring() bool {
	return t.Recurrence != ""
}

// Outcome decides how a due trigger settles given the current state of its
// target order. Global triggers always fire. Order-scoped triggers are
// cancelled when the order is gone, terminal, or no longer in the status the
// trigger was registered for.
func (t Trigger) Outcome(orderStatus OrderStatus, orderFound bool) TriggerStatus {
	if !t.OrderScoped() {
		return TriggerStatusFired
	}
	if !orderFound || orderStatus.Terminal() {
		return TriggerStatusCancelled
	}
	if t.ExpectStatus != "" && orderStatus != t.ExpectStatus {
		return TriggerStatusCancelled
	}
	return TriggerStatusFired
}

// NextOccurrence builds the pending row that follows t in its series.
func (t Trigger) NextOccurrence(id string, fireAt, now time.Time) Trigger {
	return Trigger{
		ID:           id,
		Kind:         t.Kind,
		OrderID:      t.OrderID,
		FireAt:       fireAt,
		Recurrence:   t.Recurrence,
		SeriesID:     t.SeriesID,
		ExpectStatus: t.ExpectStatus,
		Payload:      t.Payload,
		Status:       TriggerStatusPending,
		CreatedAt:    now,
	}
}
