package domain

import (
	"encoding/json"
	"time"
)

// Notification is the unit handed to a dispatcher. TriggerID is set when a
// scheduled trigger produced it, OrderID when it concerns a single order.
type Notification struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	OrderID   string          `json:"order_id,omitempty"`
	TriggerID string          `json:"trigger_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderTransitionPayload is carried by order.<status> notifications.
type OrderTransitionPayload struct {
	Requester  string      `json:"requester"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Actor      string      `json:"actor"`
	Approver   string      `json:"approver,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

func OrderNotificationKind(status OrderStatus) string {
	return "order." + string(status)
}

const NotificationOrderCreated = "order.created"

// TriggerNotificationKind names notifications produced by fired triggers,
// e.g. trigger.reminder.
func TriggerNotificationKind(kind TriggerKind) string {
	return "trigger." + string(kind)
}
