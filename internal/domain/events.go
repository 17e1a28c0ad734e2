package domain

import "time"

// OrderEvent is one row of the append-only audit log. FromStatus is the
// status the order left, ToStatus the one it entered.
type OrderEvent struct {
	ID         int64       `json:"id"`
	OrderID    string      `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Actor      string      `json:"actor"`
	Reason     string      `json:"reason,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// ValidWalk reports whether a per-order event sequence, oldest first, is a
// contiguous walk on the workflow graph starting at draft.
func ValidWalk(events []OrderEvent) bool {
	current := OrderStatusDraft
	var last time.Time
	for _, ev := range events {
		if ev.FromStatus != current || !CanTransition(ev.FromStatus, ev.ToStatus) {
			return false
		}
		if ev.OccurredAt.Before(last) {
			return false
		}
		current = ev.ToStatus
		last = ev.OccurredAt
	}
	return true
}
