package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

// memOrders keeps orders and their audit log in memory with the same
// compare-and-set rule as OrderRepository.Transition.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	events map[string][]domain.OrderEvent
	nextEv int64

	// conflicts makes the next n transitions fail as if another writer won.
	conflicts int
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders: make(map[string]domain.Order),
		events: make(map[string][]domain.OrderEvent),
	}
}

func (m *memOrders) Create(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.ID = uuid.New().String()
	cp := *order
	cp.Items = append([]domain.OrderItem(nil), order.Items...)
	m.orders[order.ID] = cp
	return nil
}

func (m *memOrders) Get(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return &o, nil
}

func (m *memOrders) status(id string) (domain.OrderStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o.Status, ok
}

func (m *memOrders) List(_ context.Context, filter ListFilter) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Order{}
	for _, o := range m.orders {
		if filter.Requester != "" && o.Requester != filter.Requester {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memOrders) History(_ context.Context, id string) ([]domain.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return append([]domain.OrderEvent{}, m.events[id]...), nil
}

func (m *memOrders) Transition(_ context.Context, t Transition) (*domain.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[t.OrderID]
	if m.conflicts > 0 || !ok || o.Status != t.From {
		if m.conflicts > 0 {
			m.conflicts--
		}
		return nil, fmt.Errorf("order %s left %s: %w", t.OrderID, t.From, domain.ErrConcurrencyConflict)
	}

	o.Status = t.To
	if t.Approver != "" {
		o.Approver = t.Approver
	}
	if t.At.After(o.UpdatedAt) {
		o.UpdatedAt = t.At
	}
	o.Version++
	m.orders[t.OrderID] = o

	m.nextEv++
	ev := domain.OrderEvent{
		ID:         m.nextEv,
		OrderID:    t.OrderID,
		FromStatus: t.From,
		ToStatus:   t.To,
		Actor:      t.Actor,
		Reason:     t.Reason,
		OccurredAt: t.At,
	}
	m.events[t.OrderID] = append(m.events[t.OrderID], ev)
	return &ev, nil
}

// memTriggers is a scheduler.Store whose settle check reads order status
// from memOrders, so a real Scheduler can run against the ledger.
type memTriggers struct {
	orders *memOrders

	mu       sync.Mutex
	triggers map[string]*domain.Trigger
}

func newMemTriggers(orders *memOrders) *memTriggers {
	return &memTriggers{orders: orders, triggers: make(map[string]*domain.Trigger)}
}

func (m *memTriggers) forOrder(orderID string) []domain.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trigger
	for _, t := range m.triggers {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memTriggers) pending(orderID string) []domain.Trigger {
	var out []domain.Trigger
	for _, t := range m.forOrder(orderID) {
		if t.Status == domain.TriggerStatusPending {
			out = append(out, t)
		}
	}
	return out
}

func (m *memTriggers) Insert(_ context.Context, t *domain.Trigger) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.triggers[t.ID] = &cp
	return true, nil
}

func (m *memTriggers) PendingInSeries(context.Context, string) (*domain.Trigger, error) {
	return nil, nil
}

func (m *memTriggers) Due(_ context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.Trigger
	for _, t := range m.triggers {
		if t.Status == domain.TriggerStatusPending && !t.FireAt.After(now) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memTriggers) Settle(_ context.Context, t domain.Trigger, now time.Time, _ *domain.Trigger) (domain.TriggerStatus, bool, error) {
	status, found := m.orders.status(t.OrderID)

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.triggers[t.ID]
	if !ok || stored.Status != domain.TriggerStatusPending {
		return "", false, nil
	}
	stored.Status = t.Outcome(status, found)
	stored.SettledAt = &now
	return stored.Status, true, nil
}

func (m *memTriggers) CancelPending(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok || t.Status != domain.TriggerStatusPending {
		return false, nil
	}
	t.Status = domain.TriggerStatusCancelled
	t.SettledAt = &now
	return true, nil
}

func (m *memTriggers) CancelForOrder(_ context.Context, orderID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.triggers {
		if t.OrderID == orderID && t.Status == domain.TriggerStatusPending {
			t.Status = domain.TriggerStatusCancelled
			t.SettledAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memTriggers) RecordDispatch(context.Context, string, time.Time, string) error {
	return nil
}

func (m *memTriggers) ListByOrder(_ context.Context, orderID string) ([]domain.Trigger, error) {
	return m.forOrder(orderID), nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (r *recordingNotifier) Enqueue(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}

func (r *recordingNotifier) count(kind string) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
