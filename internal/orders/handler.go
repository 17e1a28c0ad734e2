package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

// ActorHeader carries the identity of the user the shell acts for.
const ActorHeader = "X-Actor-ID"

type Service interface {
	Create(ctx context.Context, requester string, items []domain.OrderItem) (*domain.Order, error)
	Get(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Order, error)
	History(ctx context.Context, id string) ([]domain.OrderEvent, error)
	Submit(ctx context.Context, id, actor string) (*domain.Order, error)
	Decide(ctx context.Context, id, actor string, approve bool, reason string) (*domain.Order, error)
	Fulfill(ctx context.Context, id, actor string) (*domain.Order, error)
	Close(ctx context.Context, id, actor string) (*domain.Order, error)
	Cancel(ctx context.Context, id, actor, reason string) (*domain.Order, error)
}

type TriggerLister interface {
	ListByOrder(ctx context.Context, orderID string) ([]domain.Trigger, error)
}

type Handler struct {
	service  Service
	triggers TriggerLister
	logger   *slog.Logger
}

func NewHandler(service Service, triggers TriggerLister, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		triggers: triggers,
		logger:   logger,
	}
}

type createOrderRequest struct {
	Requester string             `json:"requester"`
	Items     []domain.OrderItem `json:"items"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Requester == "" {
		req.Requester = r.Header.Get(ActorHeader)
	}

	order, err := h.service.Create(r.Context(), req.Requester, req.Items)
	if err != nil {
		h.fail(w, err, "failed to create order")
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to get order", "id", r.PathValue("id"))
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Requester: q.Get("requester"),
		Status:    domain.OrderStatus(q.Get("status")),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	orders, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "failed to list orders")
		return
	}

	h.logger.Debug("orders listed", "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "failed to get order history", "id", r.PathValue("id"))
		return
	}

	h.writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.service.Get(r.Context(), id); err != nil {
		h.fail(w, err, "failed to get order", "id", id)
		return
	}

	triggers, err := h.triggers.ListByOrder(r.Context(), id)
	if err != nil {
		h.fail(w, err, "failed to list order triggers", "id", id)
		return
	}

	h.writeJSON(w, http.StatusOK, triggers)
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id, actor string) (*domain.Order, error) {
		return h.service.Submit(ctx, id, actor)
	})
}

type decisionRequest struct {
	Approve *bool  `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approve == nil {
		h.writeError(w, http.StatusBadRequest, "request body must set approve")
		return
	}

	h.respond(w, r, func(ctx context.Context, id, actor string) (*domain.Order, error) {
		return h.service.Decide(ctx, id, actor, *req.Approve, req.Reason)
	})
}

func (h *Handler) HandleFulfill(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id, actor string) (*domain.Order, error) {
		return h.service.Fulfill(ctx, id, actor)
	})
}

func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id, actor string) (*domain.Order, error) {
		return h.service.Close(ctx, id, actor)
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.respond(w, r, func(ctx context.Context, id, actor string) (*domain.Order, error) {
		return h.service.Cancel(ctx, id, actor, req.Reason)
	})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, actor string) (*domain.Order, error)) {
	id := r.PathValue("id")
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		h.writeError(w, http.StatusBadRequest, "missing "+ActorHeader+" header")
		return
	}

	order, err := op(r.Context(), id, actor)
	if err != nil {
		h.fail(w, err, "order transition failed", "id", id, "actor", actor)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

// fail maps domain errors to status codes. Only unexpected errors are logged
// at error level; the rest are the caller's problem.
func (h *Handler) fail(w http.ResponseWriter, err error, msg string, args ...any) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append([]any{"error", err}, args...)...)
		h.writeError(w, status, "internal server error")
		return
	}

	h.logger.Debug(msg, append([]any{"error", err, "status", status}, args...)...)
	h.writeError(w, status, err.Error())
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
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
