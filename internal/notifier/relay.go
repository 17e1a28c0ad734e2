package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/joao-fontenele/shopflow/internal/dispatch"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/messaging"
)

// Relay forwards notifications read from the broker to a downstream
// dispatcher, normally the chat bot's webhook.
type Relay struct {
	target dispatch.Dispatcher
	kinds  []string
	logger *slog.Logger
}

// NewRelay relays every notification whose kind is in kinds, or all of them
// when kinds is empty.
func NewRelay(target dispatch.Dispatcher, kinds []string, logger *slog.Logger) *Relay {
	return &Relay{target: target, kinds: kinds, logger: logger}
}

// Handle matches messaging.Handler. A payload that does not decode is logged
// and dropped since retrying it cannot succeed. Delivery errors are returned
// so the consumer retries them.
func (r *Relay) Handle(ctx context.Context, payload []byte, headers map[string]string) error {
	if kind, ok := headers[messaging.HeaderKind]; ok && !r.wants(kind) {
		return nil
	}

	var n domain.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		r.logger.Error("dropping malformed notification", "error", err)
		return nil
	}
	if !r.wants(n.Kind) {
		return nil
	}

	if err := r.target.Deliver(ctx, n); err != nil {
		r.logger.Warn("relay delivery failed", "error", err, "notification_id", n.ID, "kind", n.Kind)
		return err
	}

	r.logger.Info("notification relayed", "notification_id", n.ID, "kind", n.Kind, "order_id", n.OrderID)
	return nil
}

func (r *Relay) wants(kind string) bool {
	return len(r.kinds) == 0 || slices.Contains(r.kinds, kind)
}
