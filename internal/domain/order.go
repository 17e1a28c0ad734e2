package domain

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusApproved  OrderStatus = "approved"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusClosed    OrderStatus = "closed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// transitions lists the forward edges of the order workflow. Cancellation is
// handled separately: it is reachable from every non-terminal status.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:     {OrderStatusSubmitted},
	OrderStatusSubmitted: {OrderStatusApproved, OrderStatusRejected},
	OrderStatusApproved:  {OrderStatusFulfilled},
	OrderStatusFulfilled: {OrderStatusClosed},
}

var allStatuses = []OrderStatus{
	OrderStatusDraft,
	OrderStatusSubmitted,
	OrderStatusApproved,
	OrderStatusRejected,
	OrderStatusFulfilled,
	OrderStatusClosed,
	OrderStatusCancelled,
}

// Statuses returns every order status in workflow order.
func Statuses() []OrderStatus {
	out := make([]OrderStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s OrderStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusRejected || s == OrderStatusClosed || s == OrderStatusCancelled
}

// CanTransition reports whether the workflow allows moving from one status to
// another in a single step.
func CanTransition(from, to OrderStatus) bool {
	if !from.Valid() || from.Terminal() {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Storage limits: quantities are 32-bit integers and amounts are stored with
// two decimal places below 10^10.
const MaxQuantity = math.MaxInt32

var maxAmount = decimal.New(1, 10)

type OrderItem struct {
	ProductRef string          `json:"product_ref"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID        string          `json:"id"`
	Requester string          `json:"requester"`
	Items     []OrderItem     `json:"items"`
	Total     decimal.Decimal `json:"total"`
	Status    OrderStatus     `json:"status"`
	Approver  string          `json:"approver,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Version   int             `json:"version"`
}

// NewOrder validates the request and builds a draft order. The caller assigns
// the ID when persisting.
func NewOrder(requester string, items []OrderItem, now time.Time) (*Order, error) {
	if strings.TrimSpace(requester) == "" {
		return nil, &ValidationError{Field: "requester", Reason: "must not be empty"}
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	total := decimal.Zero
	copied := make([]OrderItem, len(items))
	for i, item := range items {
		copied[i] = item
		total = total.Add(item.Subtotal())
	}

	return &Order{
		Requester: requester,
		Items:     copied,
		Total:     total,
		Status:    OrderStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func ValidateItems(items []OrderItem) error {
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "order must contain at least one item"}
	}
	total := decimal.Zero
	for i, item := range items {
		if strings.TrimSpace(item.ProductRef) == "" {
			return &ValidationError{Field: itemField(i, "product_ref"), Reason: "must not be empty"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: itemField(i, "quantity"), Reason: "must be positive"}
		}
		if item.Quantity > MaxQuantity {
			return &ValidationError{Field: itemField(i, "quantity"), Reason: "must not exceed " + strconv.Itoa(MaxQuantity)}
		}
		if item.UnitPrice.IsNegative() {
			return &ValidationError{Field: itemField(i, "unit_price"), Reason: "must not be negative"}
		}
		if !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
			return &ValidationError{Field: itemField(i, "unit_price"), Reason: "must have at most two decimal places"}
		}
		total = total.Add(item.Subtotal())
	}
	if total.GreaterThanOrEqual(maxAmount) {
		return &ValidationError{Field: "items", Reason: "order total must be below " + maxAmount.String()}
	}
	return nil
}

// CheckTransition returns a *TransitionError when the order cannot move to the
// requested status from its current one.
func (o *Order) CheckTransition(to OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	return nil
}

// NextUpdatedAt keeps updated_at monotonic even if the wall clock steps back.
func (o *Order) NextUpdatedAt(now time.Time) time.Time {
	if now.Before(o.UpdatedAt) {
		return o.UpdatedAt
	}
	return now
}

func itemField(i int, name string) string {
	return "items[" + strconv.Itoa(i) + "]." + name
}
