package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

const (
	MaxWindow    = 366 * 24 * time.Hour
	DefaultLimit = 10
	MaxLimit     = 100
)

// Window is the half-open interval [From, To) that reads are scoped to.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (w Window) Validate() error {
	switch {
	case w.From.IsZero() || w.To.IsZero():
		return &domain.ValidationError{Field: "window", Reason: "from and to are required"}
	case !w.From.Before(w.To):
		return &domain.ValidationError{Field: "window", Reason: "from must be before to"}
	case w.To.Sub(w.From) > MaxWindow:
		return &domain.ValidationError{Field: "window", Reason: "window must not exceed 366 days"}
	}
	return nil
}

// PreviousDay is the UTC calendar day before t.
func PreviousDay(t time.Time) Window {
	end := t.UTC().Truncate(24 * time.Hour)
	return Window{From: end.Add(-24 * time.Hour), To: end}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

type StatusCount struct {
	Status domain.OrderStatus `json:"status"`
	Count  int                `json:"count"`
}

type OrderSummary struct {
	ID        string             `json:"id"`
	Requester string             `json:"requester"`
	Status    domain.OrderStatus `json:"status"`
	Total     decimal.Decimal    `json:"total"`
	Items     int                `json:"items"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// StatusDuration is the mean time orders spent in a status before leaving
// it. Orders still in the status do not count.
type StatusDuration struct {
	Status     domain.OrderStatus `json:"status"`
	Samples    int                `json:"samples"`
	AvgSeconds float64            `json:"avg_seconds"`
}

type TriggerRate struct {
	Kind           domain.TriggerKind `json:"kind"`
	Total          int                `json:"total"`
	Fired          int                `json:"fired"`
	Cancelled      int                `json:"cancelled"`
	Pending        int                `json:"pending"`
	DispatchFailed int                `json:"dispatch_failed"`
	FireRate       float64            `json:"fire_rate"`
	CancelRate     float64            `json:"cancel_rate"`
}

// computeRates fills the rates over settled triggers. Both are zero when
// nothing has settled yet.
func (r *TriggerRate) computeRates() {
	settled := r.Fired + r.Cancelled
	if settled == 0 {
		r.FireRate, r.CancelRate = 0, 0
		return
	}
	r.FireRate = float64(r.Fired) / float64(settled)
	r.CancelRate = float64(r.Cancelled) / float64(settled)
}

// Summary is the general statistics screen. Spending figures leave out
// cancelled and rejected orders.
type Summary struct {
	Window           Window          `json:"window"`
	TotalOrders      int             `json:"total_orders"`
	CompletedOrders  int             `json:"completed_orders"`
	CancelledOrders  int             `json:"cancelled_orders"`
	ActiveRequesters int             `json:"active_requesters"`
	TotalSpent       decimal.Decimal `json:"total_spent"`
	AverageOrder     decimal.Decimal `json:"average_order"`
}

type ProductStat struct {
	ProductRef string          `json:"product_ref"`
	Quantity   int             `json:"quantity"`
	Orders     int             `json:"orders"`
	Revenue    decimal.Decimal `json:"revenue"`
}

type RequesterStat struct {
	Requester string          `json:"requester"`
	Orders    int             `json:"orders"`
	Spent     decimal.Decimal `json:"spent"`
}
