package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

// memStore mirrors the conditional updates of TriggerRepository in memory.
type memStore struct {
	mu       sync.Mutex
	triggers map[string]*domain.Trigger
	orders   map[string]domain.OrderStatus
}

func newMemStore() *memStore {
	return &memStore{
		triggers: make(map[string]*domain.Trigger),
		orders:   make(map[string]domain.OrderStatus),
	}
}

func (m *memStore) setOrder(id string, status domain.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id] = status
}

func (m *memStore) get(id string) domain.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.triggers[id]
}

func (m *memStore) all() []domain.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

func (m *memStore) pendingInSeriesLocked(seriesID string) *domain.Trigger {
	for _, t := range m.triggers {
		if t.SeriesID == seriesID && t.Status == domain.TriggerStatusPending {
			return t
		}
	}
	return nil
}

func (m *memStore) insertLocked(t *domain.Trigger) bool {
	if t.SeriesID != "" && m.pendingInSeriesLocked(t.SeriesID) != nil {
		return false
	}
	cp := *t
	cp.Status = domain.TriggerStatusPending
	m.triggers[t.ID] = &cp
	return true
}

func (m *memStore) Insert(_ context.Context, t *domain.Trigger) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(t), nil
}

func (m *memStore) PendingInSeries(_ context.Context, seriesID string) (*domain.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.pendingInSeriesLocked(seriesID); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) Due(_ context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
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

func (m *memStore) Settle(_ context.Context, t domain.Trigger, now time.Time, next *domain.Trigger) (domain.TriggerStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.triggers[t.ID]
	if !ok || stored.Status != domain.TriggerStatusPending {
		return "", false, nil
	}

	status, found := m.orders[t.OrderID]
	outcome := t.Outcome(status, found)
	stored.Status = outcome
	settled := now
	stored.SettledAt = &settled

	if outcome == domain.TriggerStatusFired && next != nil {
		m.insertLocked(next)
	}
	return outcome, true, nil
}

func (m *memStore) CancelPending(_ context.Context, id string, now time.Time) (bool, error) {
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

func (m *memStore) CancelForOrder(_ context.Context, orderID string, now time.Time) (int, error) {
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

func (m *memStore) RecordDispatch(_ context.Context, id string, at time.Time, dispatchErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return domain.ErrNotFound
	}
	if dispatchErr == "" {
		t.DispatchedAt = &at
		t.DispatchError = ""
	} else {
		t.DispatchError = dispatchErr
	}
	return nil
}

func (m *memStore) ListByOrder(_ context.Context, orderID string) ([]domain.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trigger
	for _, t := range m.triggers {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	return out, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, n domain.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) notifications() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Notification(nil), d.sent...)
}
