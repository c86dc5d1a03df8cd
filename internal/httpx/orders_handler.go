package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.StatusEntry, bool, error)
	SetOrderStatus(ctx context.Context, orderID string, status orders.Status) error
}

type OrderReader interface {
	Get(ctx context.Context, id string) (orders.Order, error)
}

type OrdersHandler struct {
	Cache  StatusCache
	Orders OrderReader
	Log    *zap.Logger
}

type orderStatusResp struct {
	OrderID   string        `json:"orderId"`
	Number    string        `json:"orderNumber,omitempty"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Cached    bool          `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/api/orders/{id}", h.getOrder)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	log := logging.FromContext(r.Context(), h.Log).With(zap.String("order_id", orderID))

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if e, ok, err := h.Cache.Get(ctx, orderID); err != nil {
		log.Warn("status cache read", zap.Error(err))
	} else if ok {
		writeJSON(w, http.StatusOK, orderStatusResp{OrderID: orderID, Status: e.Status, UpdatedAt: e.UpdatedAt, Cached: true})
		return
	}

	// 2) database
	o, err := h.Orders.Get(ctx, orderID)
	var nf *apperr.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, nf.Error())
		return
	}
	if err != nil {
		log.Error("load order", zap.Error(err))
		writeError(w, http.StatusInternalServerError, apperr.UserMessage(err))
		return
	}
	if err := h.Cache.SetOrderStatus(ctx, o.ID, o.Status); err != nil {
		log.Warn("status cache write", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, orderStatusResp{OrderID: o.ID, Number: o.Number, Status: o.Status, UpdatedAt: o.UpdatedAt})
}
