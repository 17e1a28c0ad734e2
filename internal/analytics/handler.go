package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

const defaultSpan = 30 * 24 * time.Hour

type Reader interface {
	StatusCounts(ctx context.Context, w Window) ([]StatusCount, error)
	OrdersByStatus(ctx context.Context, status domain.OrderStatus, w Window, limit int) ([]OrderSummary, error)
	StatusDurations(ctx context.Context, w Window) ([]StatusDuration, error)
	TriggerRates(ctx context.Context, w Window) ([]TriggerRate, error)
	Summary(ctx context.Context, w Window) (*Summary, error)
	TopProducts(ctx context.Context, w Window, limit int) ([]ProductStat, error)
	TopRequesters(ctx context.Context, w Window, limit int) ([]RequesterStat, error)
}

type Handler struct {
	reader Reader
	logger *slog.Logger
	now    func() time.Time
}

func NewHandler(reader Reader, logger *slog.Logger) *Handler {
	return &Handler{reader: reader, logger: logger, now: time.Now}
}

func (h *Handler) HandleStatusCounts(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, _ url.Values) (any, error) {
		return h.reader.StatusCounts(ctx, win)
	})
}

func (h *Handler) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, q url.Values) (any, error) {
		limit, err := limitParam(q)
		if err != nil {
			return nil, err
		}
		return h.reader.OrdersByStatus(ctx, domain.OrderStatus(q.Get("status")), win, limit)
	})
}

func (h *Handler) HandleStatusDurations(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, _ url.Values) (any, error) {
		return h.reader.StatusDurations(ctx, win)
	})
}

func (h *Handler) HandleTriggerRates(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, _ url.Values) (any, error) {
		return h.reader.TriggerRates(ctx, win)
	})
}

func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, _ url.Values) (any, error) {
		return h.reader.Summary(ctx, win)
	})
}

func (h *Handler) HandleTopProducts(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, q url.Values) (any, error) {
		limit, err := limitParam(q)
		if err != nil {
			return nil, err
		}
		return h.reader.TopProducts(ctx, win, limit)
	})
}

func (h *Handler) HandleTopRequesters(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, win Window, q url.Values) (any, error) {
		limit, err := limitParam(q)
		if err != nil {
			return nil, err
		}
		return h.reader.TopRequesters(ctx, win, limit)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, query func(ctx context.Context, win Window, q url.Values) (any, error)) {
	q := r.URL.Query()
	win, err := ParseWindow(q.Get("from"), q.Get("to"), h.now())
	if err == nil {
		var result any
		if result, err = query(r.Context(), win, q); err == nil {
			h.writeJSON(w, http.StatusOK, result)
			return
		}
	}

	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Warn("analytics store unavailable", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.Error("analytics query failed", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ParseWindow reads RFC 3339 timestamps or YYYY-MM-DD dates. A missing to
// means now and a missing from means thirty days before to.
func ParseWindow(from, to string, now time.Time) (Window, error) {
	var (
		win Window
		err error
	)
	if to == "" {
		win.To = now.UTC()
	} else if win.To, err = parseTime(to); err != nil {
		return Window{}, &domain.ValidationError{Field: "to", Reason: err.Error()}
	}
	if from == "" {
		win.From = win.To.Add(-defaultSpan)
	} else if win.From, err = parseTime(from); err != nil {
		return Window{}, &domain.ValidationError{Field: "from", Reason: err.Error()}
	}
	return win, win.Validate()
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD date")
	}
	return t, nil
}

func limitParam(q url.Values) (int, error) {
	raw := q.Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &domain.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
