//go:build integration

package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/shopflow/internal/authz"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/scheduler"
	"github.com/joao-fontenele/shopflow/internal/storetest"
)

func TestLedgerPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	db := storetest.Postgres(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	setup := func(t *testing.T) (*Ledger, *OrderRepository, *scheduler.Scheduler, *recordingNotifier) {
		storetest.Reset(ctx, t, db)
		repo := NewOrderRepository(db)
		notifier := &recordingNotifier{}
		sched := scheduler.New(scheduler.NewTriggerRepository(db), notifier, 50, logger)
		ledger := NewLedger(repo, sched, notifier,
			authz.NewStaticAuthorizer([]string{"admin"}, authz.CapabilityApprove),
			Timers{DraftTTL: 24 * time.Hour, ReminderAfter: 12 * time.Hour, AutoCloseAfter: 72 * time.Hour},
			logger,
		)
		for kind, action := range ledger.TriggerActions() {
			sched.Handle(kind, action)
		}
		return ledger, repo, sched, notifier
	}

	t.Run("create stores items and total", func(t *testing.T) {
		ledger, repo, _, _ := setup(t)

		created, err := ledger.Create(ctx, "u1", []domain.OrderItem{
			{ProductRef: "mug", Quantity: 2, UnitPrice: decimal.RequireFromString("7.50")},
			{ProductRef: "hoodie", Quantity: 1, UnitPrice: decimal.RequireFromString("30.00")},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := repo.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Total.Equal(decimal.RequireFromString("45")) {
			t.Errorf("expected total 45, got %s", got.Total)
		}
		if len(got.Items) != 2 || got.Items[0].ProductRef != "mug" || got.Items[1].ProductRef != "hoodie" {
			t.Errorf("unexpected items %+v", got.Items)
		}
		if got.Status != domain.OrderStatusDraft || got.Version != 0 {
			t.Errorf("unexpected status/version %s/%d", got.Status, got.Version)
		}
	})

	t.Run("stored amounts match the created order", func(t *testing.T) {
		ledger, repo, _, _ := setup(t)

		created, err := ledger.Create(ctx, "u1", []domain.OrderItem{
			{ProductRef: "server", Quantity: 1, UnitPrice: decimal.RequireFromString("9999999998.49")},
			{ProductRef: "sticker", Quantity: domain.MaxQuantity, UnitPrice: decimal.Zero},
			{ProductRef: "pen", Quantity: 3, UnitPrice: decimal.RequireFromString("0.50")},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := repo.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Total.Equal(created.Total) || !got.Total.Equal(decimal.RequireFromString("9999999999.99")) {
			t.Errorf("stored total %s differs from created total %s", got.Total, created.Total)
		}
		if got.Items[1].Quantity != domain.MaxQuantity {
			t.Errorf("unexpected stored quantity %d", got.Items[1].Quantity)
		}

		rejected := map[string][]domain.OrderItem{
			"sub-cent price":  {{ProductRef: "sku1", Quantity: 3, UnitPrice: decimal.RequireFromString("0.333")}},
			"huge quantity":   {{ProductRef: "sku1", Quantity: domain.MaxQuantity + 1, UnitPrice: decimal.NewFromInt(1)}},
			"total too large": {{ProductRef: "sku1", Quantity: 2, UnitPrice: decimal.RequireFromString("5000000000")}},
		}
		for name, items := range rejected {
			_, err := ledger.Create(ctx, "u1", items)
			if !errors.Is(err, domain.ErrValidation) || StatusFor(err) != http.StatusBadRequest {
				t.Errorf("%s: expected a validation error, got %v", name, err)
			}
		}
	})

	t.Run("full walk is audited in order", func(t *testing.T) {
		ledger, _, sched, _ := setup(t)

		order, err := ledger.Create(ctx, "u1", sampleItems())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		steps := []func() (*domain.Order, error){
			func() (*domain.Order, error) { return ledger.Submit(ctx, order.ID, "u1") },
			func() (*domain.Order, error) { return ledger.Decide(ctx, order.ID, "admin", true, "") },
			func() (*domain.Order, error) { return ledger.Fulfill(ctx, order.ID, "admin") },
			func() (*domain.Order, error) { return ledger.Close(ctx, order.ID, "admin") },
		}
		for i, step := range steps {
			if _, err := step(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}

		events, err := ledger.History(ctx, order.ID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(events) != 4 || !domain.ValidWalk(events) || events[3].ToStatus != domain.OrderStatusClosed {
			t.Errorf("unexpected history %+v", events)
		}

		triggers, err := sched.ListByOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("list triggers: %v", err)
		}
		for _, tr := range triggers {
			if tr.Status == domain.TriggerStatusPending {
				t.Errorf("trigger %s (%s) still pending after close", tr.ID, tr.Kind)
			}
		}
	})

	t.Run("stale transition is a conflict", func(t *testing.T) {
		ledger, repo, _, _ := setup(t)

		order, err := ledger.Create(ctx, "u1", sampleItems())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err = repo.Transition(ctx, Transition{
			OrderID: order.ID,
			From:    domain.OrderStatusSubmitted,
			To:      domain.OrderStatusApproved,
			Actor:   "admin",
			At:      time.Now().UTC(),
		})
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("concurrent decisions commit once", func(t *testing.T) {
		ledger, _, _, _ := setup(t)

		order, err := ledger.Create(ctx, "u1", sampleItems())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := ledger.Submit(ctx, order.ID, "u1"); err != nil {
			t.Fatalf("submit: %v", err)
		}

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(approve bool) {
				defer wg.Done()
				if _, err := ledger.Decide(ctx, order.ID, "admin", approve, ""); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}(i%2 == 0)
		}
		wg.Wait()

		if successes != 1 {
			t.Errorf("expected exactly one decision to commit, got %d", successes)
		}
		events, err := ledger.History(ctx, order.ID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected submit plus one decision, got %d events", len(events))
		}
	})

	t.Run("draft expires on tick", func(t *testing.T) {
		ledger, repo, sched, notifier := setup(t)

		order, err := ledger.Create(ctx, "u1", sampleItems())
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		report, err := sched.Tick(ctx, time.Now().Add(25*time.Hour))
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if report.Fired != 1 {
			t.Fatalf("expected the expiry to fire, got %+v", report)
		}

		got, err := repo.Get(ctx, order.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.OrderStatusCancelled {
			t.Errorf("expected cancelled, got %s", got.Status)
		}
		if notifier.count(domain.TriggerNotificationKind(domain.TriggerKindAutoExpire)) != 1 {
			t.Errorf("expected one expiry notification, got kinds %v", notifier.kinds())
		}
	})

	t.Run("submitted draft does not expire", func(t *testing.T) {
		ledger, repo, sched, _ := setup(t)

		order, err := ledger.Create(ctx, "u1", sampleItems())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := ledger.Submit(ctx, order.ID, "u1"); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := sched.Tick(ctx, time.Now().Add(25*time.Hour)); err != nil {
			t.Fatalf("tick: %v", err)
		}

		got, err := repo.Get(ctx, order.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.OrderStatusSubmitted {
			t.Errorf("expected submitted, got %s", got.Status)
		}
	})

	t.Run("list filters", func(t *testing.T) {
		ledger, repo, _, _ := setup(t)

		for _, requester := range []string{"u1", "u1", "u2"} {
			if _, err := ledger.Create(ctx, requester, sampleItems()); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		mine, err := repo.List(ctx, ListFilter{Requester: "u1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(mine) != 2 {
			t.Errorf("expected 2 orders for u1, got %d", len(mine))
		}
		for _, o := range mine {
			if len(o.Items) != 1 {
				t.Errorf("expected items to be loaded, got %+v", o.Items)
			}
		}

		page, err := repo.List(ctx, ListFilter{Status: domain.OrderStatusDraft, Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 1 {
			t.Errorf("expected a page of 1, got %d", len(page))
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		_, repo, _, _ := setup(t)
		if _, err := repo.Get(ctx, "1b4e28ba-2fa1-11d2-883f-0016d3cca427"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		if _, err := repo.History(ctx, "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
