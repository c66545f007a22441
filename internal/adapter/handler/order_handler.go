package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/core/service"
	"github.com/valerix/order-pipeline/internal/idempotency"
)

// OrderAPI is the slice of the orchestrator the HTTP layer needs.
type OrderAPI interface {
	Submit(ctx context.Context, idempotencyKey, itemID string, quantity int) (service.SubmitOutcome, error)
	Lookup(ctx context.Context, orderID string) (*domain.Order, error)
	Recent(ctx context.Context) ([]domain.Order, error)
}

type OrderHandler struct {
	svc   OrderAPI
	guard *idempotency.Guard
	log   *zap.Logger
}

func NewOrderHandler(svc OrderAPI, guard *idempotency.Guard, log *zap.Logger) *OrderHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderHandler{svc: svc, guard: guard, log: log}
}

func (h *OrderHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.createOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.getOrder)
	mux.HandleFunc("GET /api/orders", h.listOrders)
}

type createOrderRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type orderPayload struct {
	OrderID   string             `json:"order_id"`
	ItemID    string             `json:"item_id"`
	Quantity  int                `json:"quantity"`
	Status    domain.OrderStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func orderView(o domain.Order) orderPayload {
	return orderPayload{
		OrderID:   o.ID,
		ItemID:    o.ItemID,
		Quantity:  o.Quantity,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

type submitResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Order   orderPayload `json:"order"`
}

// createOrder follows an explicit compute -> cache -> respond flow:
// the terminal response is registered under the idempotency key
// before a single byte is written, so replays are byte-identical.
func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")

	rec, err := h.guard.Check(ctx, key)
	switch {
	case errors.Is(err, idempotency.ErrMissingKey):
		writeError(w, http.StatusBadRequest, "missing_idempotency_key",
			"Idempotency-Key header is required for this operation")
		return
	case errors.Is(err, idempotency.ErrInFlight):
		writeError(w, http.StatusConflict, "request_in_flight",
			"a request with this idempotency key is already being processed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	if rec != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Body)
		return
	}

	var req createOrderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.guard.Abandon(ctx, key)
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.ItemID == "" || req.Quantity <= 0 {
		h.guard.Abandon(ctx, key)
		writeError(w, http.StatusBadRequest, "validation_error",
			"item_id and a positive quantity are required")
		return
	}

	out, err := h.svc.Submit(ctx, key, req.ItemID, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateRequest):
			h.guard.Abandon(ctx, key)
			writeError(w, http.StatusConflict, "duplicate_request",
				"an order with this idempotency key already exists")
		case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidItem):
			h.guard.Abandon(ctx, key)
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		default:
			h.guard.Abandon(ctx, key)
			h.log.Error("order submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error",
				"failed to create order")
		}
		return
	}

	var status int
	body := submitResponse{Message: out.Message, Order: orderView(out.Order)}
	switch out.Order.Status {
	case domain.OrderStatusConfirmed:
		status = http.StatusCreated
		body.Success = true
	case domain.OrderStatusQueued:
		status = http.StatusAccepted
		body.Success = true
	default: // failed: terminal business rejection
		status = http.StatusUnprocessableEntity
	}

	buf, err := json.Marshal(body)
	if err != nil {
		h.guard.Abandon(ctx, key)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	h.guard.Complete(ctx, key, status, buf)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	order, err := h.svc.Lookup(r.Context(), id)
	if err != nil {
		h.log.Error("order lookup failed", zap.String("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch order")
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "not_found", "no order found with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": orderView(*order)})
}

func (h *OrderHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.Recent(r.Context())
	if err != nil {
		h.log.Error("order listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch orders")
		return
	}

	views := make([]orderPayload, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(views),
		"orders":  views,
	})
}
