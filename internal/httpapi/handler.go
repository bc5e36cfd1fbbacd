// Package httpapi exposes the session cart orchestrators as a JSON API for
// storefront clients.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/domain/coupon"
	"github.com/xenking/kart-cart/pkg/httpmiddleware"
)

const maxBodyBytes = 64 << 10

// Sessions resolves a session ID to its cart orchestrator.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*cart.Service, error)
}

// Handler serves the cart endpoints. The session is taken from the request
// context, see httpmiddleware.Session.
type Handler struct {
	sessions Sessions
}

// NewHandler returns a Handler over sessions.
func NewHandler(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// Register mounts the cart routes under /api/v1/cart.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Delete("/", h.ClearCart)
		r.Post("/items", h.AddItem)
		r.Patch("/items/{itemID}", h.UpdateQuantity)
		r.Delete("/items/{itemID}", h.DeleteItem)
		r.Post("/promo", h.ApplyPromo)
		r.Delete("/promo", h.RemovePromo)
		r.Post("/sync", h.Sync)
	})
}

// GetCart returns the current snapshot.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.session(w, r)
	if !ok {
		return
	}
	writeSnapshot(w, http.StatusOK, svc.Snapshot())
}

// AddItem adds a product variant, merging with an existing line.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, err := decodeAddItem(body)
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	svc, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := svc.AddItem(r.Context(), req.Product, req.Color, req.Size, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

// UpdateQuantity sets the quantity of one line.
func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	qty, err := decodeQuantity(body)
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	svc, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := svc.UpdateQuantity(r.Context(), chi.URLParam(r, "itemID"), qty)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

// DeleteItem removes one line.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, func(ctx context.Context, svc *cart.Service) (cart.Snapshot, error) {
		return svc.DeleteItem(ctx, chi.URLParam(r, "itemID"))
	})
}

// ClearCart empties the cart and drops the promo.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, func(ctx context.Context, svc *cart.Service) (cart.Snapshot, error) {
		return svc.ClearCart(ctx)
	})
}

// ApplyPromo validates and applies a promo code.
func (h *Handler) ApplyPromo(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	code, err := decodeCode(body)
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.simple(w, r, func(ctx context.Context, svc *cart.Service) (cart.Snapshot, error) {
		return svc.ApplyPromo(ctx, code)
	})
}

// RemovePromo drops the promo code.
func (h *Handler) RemovePromo(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, func(ctx context.Context, svc *cart.Service) (cart.Snapshot, error) {
		return svc.RemovePromo(ctx)
	})
}

// Sync retries the durable write of an unsynced cart.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := svc.Sync(r.Context())
	if err != nil {
		zctx.From(r.Context()).Warn("Cart sync failed", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusServiceUnavailable, "cart storage unavailable")
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

func (h *Handler) simple(w http.ResponseWriter, r *http.Request, op func(context.Context, *cart.Service) (cart.Snapshot, error)) {
	svc, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := op(r.Context(), svc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSnapshot(w, http.StatusOK, snap)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*cart.Service, bool) {
	id := httpmiddleware.SessionFromContext(r.Context())
	if id == "" {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "missing "+httpmiddleware.SessionHeader)
		return nil, false
	}
	svc, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		zctx.From(r.Context()).Error("Load session", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusServiceUnavailable, "cart storage unavailable")
		return nil, false
	}
	return svc, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Cart operation failed", zap.Error(err))
	}
	httpmiddleware.WriteError(w, status, msg)
}

// errorStatus maps orchestrator errors to a status and a client message.
func errorStatus(err error) (int, string) {
	var (
		verr *cart.ValidationError
		nf   *coupon.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, verr.Error()
	case errors.Is(err, cart.ErrItemNotFound):
		return http.StatusNotFound, cart.ErrItemNotFound.Error()
	case errors.As(err, &nf):
		return http.StatusNotFound, nf.Error()
	case errors.Is(err, coupon.ErrNotFound):
		return http.StatusNotFound, coupon.ErrNotFound.Error()
	case errors.Is(err, coupon.ErrExpired):
		return http.StatusUnprocessableEntity, coupon.ErrExpired.Error()
	case coupon.IsTransient(err):
		return http.StatusServiceUnavailable, "coupon service temporarily unavailable"
	case errors.Is(err, cart.ErrSuperseded):
		return http.StatusConflict, cart.ErrSuperseded.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpmiddleware.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		httpmiddleware.WriteError(w, http.StatusBadRequest, "read request body")
		return nil, false
	}
	return body, true
}

func writeSnapshot(w http.ResponseWriter, status int, snap cart.Snapshot) {
	var e jx.Encoder
	encodeSnapshot(&e, snap)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
