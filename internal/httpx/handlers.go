package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-fulfillment.git/internal/allocation"
	"github.com/ariefcatur/go-fulfillment.git/internal/capacity"
	"github.com/ariefcatur/go-fulfillment.git/internal/checkout"
	"github.com/ariefcatur/go-fulfillment.git/internal/inventory"
	"github.com/ariefcatur/go-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-fulfillment.git/internal/reservation"
)

type Handler struct {
	Checkout  *checkout.Service
	Machine   *orders.Machine
	Ledger    *inventory.Ledger
	Locations inventory.LocationStore
	Redis     *redis.Client
}

type CheckoutReq struct {
	ExternalID string  `json:"external_id"`
	UserID     string  `json:"user_id"`
	ProductID  string  `json:"product_id"`
	Qty        int     `json:"qty"`
	PriceCents int     `json:"price_cents"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Strict     bool    `json:"strict,omitempty"`
}

type CheckoutResp struct {
	OrderID    string           `json:"order_id"`
	Legs       []allocation.Leg `json:"legs,omitempty"`
	ExpiresAt  time.Time        `json:"expires_at,omitempty"`
	Idempotent bool             `json:"idempotent"`
}

type TransitionReq struct {
	To      string `json:"to"`
	Version int64  `json:"version"`
}

func (h *Handler) Register(r *chi.Mux) {
	r.Post("/checkout", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/transition", h.transitionOrder)
	r.Get("/locations", h.listLocations)
	r.Get("/locations/{id}/stock/{product}", h.getStock)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr keeps the taxonomy visible to callers: a stock-unavailable
// condition is distinguishable from a transient conflict.
func writeErr(w http.ResponseWriter, err error) {
	var code int
	var kind string
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		code, kind = http.StatusConflict, "insufficient_stock"
	case errors.Is(err, capacity.ErrExceeded):
		code, kind = http.StatusServiceUnavailable, "capacity_exceeded"
	case errors.Is(err, reservation.ErrAllocationFailed):
		code, kind = http.StatusConflict, "allocation_failed"
	case errors.Is(err, orders.ErrInvalidTransition):
		code, kind = http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, orders.ErrVersionConflict), errors.Is(err, inventory.ErrConflict):
		code, kind = http.StatusConflict, "version_conflict"
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		code, kind = http.StatusNotFound, "not_found"
	default:
		code, kind = http.StatusInternalServerError, "internal"
	}
	writeJSON(w, code, map[string]string{"error": kind, "detail": err.Error()})
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ExternalID == "" || req.UserID == "" || req.ProductID == "" || req.Qty <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Checkout.PlaceOrder(ctx, checkout.Request{
		ExternalID: req.ExternalID,
		UserID:     req.UserID,
		ProductID:  req.ProductID,
		Quantity:   req.Qty,
		PriceCents: req.PriceCents,
		Destination: allocation.Coordinates{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
		},
		Strict: req.Strict,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CheckoutResp{
		OrderID:    res.OrderID,
		Legs:       res.Legs,
		ExpiresAt:  res.ExpiresAt,
		Idempotent: res.Idempotent,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Machine.Get(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": o.Status, "version": o.Version})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Machine.Get(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	updated, err := h.Machine.Transition(ctx, orderID, orders.StatusCancelled, o.Version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": updated.Status, "version": updated.Version})
}

// transitionOrder serves the external collaborators (shipping updates,
// geocoding's move into address_review). The caller must present the version
// it read; the machine rejects stale writes.
func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req TransitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.To == "" || req.Version <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	updated, err := h.Machine.Transition(ctx, orderID, orders.Status(req.To), req.Version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": updated.Status, "version": updated.Version})
}

func (h *Handler) listLocations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	locs, err := h.Locations.ListLocations(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locs)
}

func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rec, err := h.Ledger.Stock(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "product"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"location_id": rec.LocationID,
		"product_id":  rec.ProductID,
		"stock":       rec.StockQuantity,
		"reserved":    rec.ReservedQuantity,
		"available":   rec.Available(),
		"version":     rec.Version,
	})
}
