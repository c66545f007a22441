package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/chaos"
	"github.com/valerix/order-pipeline/internal/core/domain"
)

// InventoryAPI is the slice of the deduction engine the HTTP layer
// needs.
type InventoryAPI interface {
	Deduct(ctx context.Context, itemID string, quantity int, orderID string) (*domain.DeductionResult, error)
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
}

type InventoryHandler struct {
	svc     InventoryAPI
	gremlin *chaos.Gremlin
	log     *zap.Logger
}

func NewInventoryHandler(svc InventoryAPI, gremlin *chaos.Gremlin, log *zap.Logger) *InventoryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InventoryHandler{svc: svc, gremlin: gremlin, log: log}
}

func (h *InventoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/inventory/deduct", h.deduct)
	mux.HandleFunc("GET /api/inventory/{id}", h.getItem)
	mux.HandleFunc("GET /api/inventory", h.listItems)
}

// RegisterChaos registers the chaos control endpoints. They go on a
// mux the gremlin middleware does NOT wrap: the operator must always
// be able to turn chaos off, even with crash_rate at 1.
func (h *InventoryHandler) RegisterChaos(mux *http.ServeMux) {
	if h.gremlin == nil {
		return
	}
	mux.HandleFunc("POST /api/chaos", h.setChaos)
	mux.HandleFunc("GET /api/chaos", h.getChaos)
	mux.HandleFunc("DELETE /api/chaos", h.clearChaos)
}

type deductRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	OrderID  string `json:"order_id"`
}

type itemPayload struct {
	ItemID    string    `json:"item_id"`
	ItemName  string    `json:"item_name"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved_quantity"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func itemView(item domain.Item) itemPayload {
	return itemPayload{
		ItemID:    item.ItemID,
		ItemName:  item.Name,
		Quantity:  item.Quantity,
		Reserved:  item.Reserved,
		UpdatedAt: item.UpdatedAt,
	}
}

func (h *InventoryHandler) deduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req deductRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	res, err := h.svc.Deduct(ctx, req.ItemID, req.Quantity, req.OrderID)
	if err != nil {
		var stockErr *domain.InsufficientStockError
		switch {
		case errors.As(err, &stockErr):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":     "insufficient_stock",
				"message":   stockErr.Error(),
				"available": stockErr.Available,
				"requested": stockErr.Requested,
			})
		case errors.Is(err, domain.ErrItemNotFound):
			writeError(w, http.StatusNotFound, "item_not_found",
				"item "+req.ItemID+" does not exist in inventory")
		case errors.Is(err, domain.ErrInvalidDeduction), errors.Is(err, domain.ErrMissingOrderRef):
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		default:
			h.log.Error("deduction failed",
				zap.String("item_id", req.ItemID),
				zap.String("order_id", req.OrderID),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to deduct stock")
		}
		return
	}

	// The transaction is durable at this point. An injected partial
	// failure fires here, after commit and before the response, so
	// the client can observe "no answer" for a deduction that did
	// happen. The retry resolves through the replay branch.
	if h.gremlin != nil && h.gremlin.Interrupt(w, r) {
		return
	}

	message := "stock deducted successfully"
	if res.Replay {
		message = "stock already deducted, returning committed result"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  message,
		"deducted": res.Deducted,
		"replay":   res.Replay,
		"item":     itemView(res.Item),
	})
}

func (h *InventoryHandler) getItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	item, err := h.svc.GetItem(r.Context(), id)
	if err != nil {
		h.log.Error("stock lookup failed", zap.String("item_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch stock")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item_not_found",
			"item "+id+" does not exist in inventory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "item": itemView(*item)})
}

func (h *InventoryHandler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListItems(r.Context())
	if err != nil {
		h.log.Error("inventory listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to fetch inventory")
		return
	}

	views := make([]itemPayload, 0, len(items))
	for _, item := range items {
		views = append(views, itemView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(views),
		"items":   views,
	})
}

func (h *InventoryHandler) setChaos(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ChaosConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if err := h.gremlin.SetConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, domain.ErrInvalidChaosRate) || errors.Is(err, domain.ErrInvalidChaosLatency) {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		h.log.Error("failed to store chaos config", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update chaos configuration")
		return
	}

	h.log.Info("chaos configuration updated",
		zap.Bool("latency", cfg.Latency),
		zap.Float64("crash_rate", cfg.CrashRate),
		zap.Float64("partial_failure_rate", cfg.PartialFailureRate))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (h *InventoryHandler) getChaos(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.gremlin.Config(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read chaos configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": cfg.Enabled(), "config": cfg})
}

func (h *InventoryHandler) clearChaos(w http.ResponseWriter, r *http.Request) {
	if err := h.gremlin.Disable(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to disable chaos")
		return
	}
	h.log.Info("chaos disabled")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
