package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payments"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// MapStatus translates a gateway payment status into an order status.
func MapStatus(gatewayStatus string) (orders.Status, bool) {
	switch gatewayStatus {
	case payments.StatusApproved:
		return orders.StatusPaid, true
	case payments.StatusPending, payments.StatusInProcess:
		return orders.StatusPending, true
	case payments.StatusRejected, payments.StatusCancelled:
		return orders.StatusCancelled, true
	case payments.StatusRefunded, payments.StatusChargedBack:
		return orders.StatusRefunded, true
	}
	return "", false
}

type OrderStore interface {
	ApplyPayment(ctx context.Context, orderID string, upd orders.PaymentUpdate) (orders.Transition, error)
	Items(ctx context.Context, orderID string) ([]orders.Item, error)
}

type StockFinalizer interface {
	CompleteForOrder(ctx context.Context, orderID string) error
	ReleaseForOrder(ctx context.Context, orderID string) error
	ReacquireForOrder(ctx context.Context, orderID string, lines []inventory.Line) error
}

type StatusCache interface {
	SetOrderStatus(ctx context.Context, orderID string, status orders.Status) error
}

type EventSink interface {
	StatusChanged(ctx context.Context, t orders.Transition)
}

type Result struct {
	OrderID string        `json:"orderId"`
	Status  orders.Status `json:"status"`
	Applied bool          `json:"applied"`
}

type Updater struct {
	gateway payments.Gateway
	orders  OrderStore
	stock   StockFinalizer
	cache   StatusCache
	events  EventSink
	metrics *metrics.Metrics
	log     *zap.Logger
	timeout time.Duration
}

type UpdaterDeps struct {
	Gateway payments.Gateway
	Orders  OrderStore
	Stock   StockFinalizer
	Cache   StatusCache // optional
	Events  EventSink   // optional
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Timeout time.Duration
}

func NewUpdater(d UpdaterDeps) *Updater {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Second
	}
	return &Updater{
		gateway: d.Gateway,
		orders:  d.Orders,
		stock:   d.Stock,
		cache:   d.Cache,
		events:  d.Events,
		metrics: d.Metrics,
		log:     d.Log,
		timeout: d.Timeout,
	}
}

// ApplyPaymentNotification fetches the payment, maps its status and applies
// it to the order named by external_reference. Stock is completed whenever
// the order ends up paid; completion skips reservations that are no longer
// active, so redelivered notifications never decrement twice. A paid order
// whose stock cannot be secured is logged at Error and counted as
// unfulfilled; the notification itself still succeeds so the gateway stops
// retrying.
func (u *Updater) ApplyPaymentNotification(ctx context.Context, dataID string) (res Result, err error) {
	ctx, span := otel.Tracer("storefront.webhook").Start(ctx, "webhook.ApplyPaymentNotification")
	span.SetAttributes(attribute.String("payment.id", dataID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "apply payment notification")
		}
		span.End()
	}()

	gctx, cancel := context.WithTimeout(ctx, u.timeout)
	pay, err := u.gateway.GetPayment(gctx, dataID)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("get payment %s: %w", dataID, err)
	}

	log := u.log.With(zap.String("payment_id", pay.ID), zap.String("order_id", pay.ExternalReference),
		zap.String("gateway_status", pay.Status))
	if pay.ExternalReference == "" {
		log.Warn("payment without external reference ignored")
		return Result{}, nil
	}
	status, ok := MapStatus(pay.Status)
	if !ok {
		log.Info("gateway status not mapped, ignored")
		return Result{OrderID: pay.ExternalReference}, nil
	}

	tr, err := u.orders.ApplyPayment(ctx, pay.ExternalReference, orders.PaymentUpdate{
		PaymentID:     pay.ID,
		GatewayStatus: pay.Status,
		Status:        status,
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply payment to order %s: %w", pay.ExternalReference, err)
	}
	span.SetAttributes(attribute.String("order.status", string(tr.To)), attribute.Bool("order.changed", tr.Changed))

	switch {
	case tr.Revived:
		u.reacquire(ctx, log, tr.OrderID)
	case tr.To == orders.StatusPaid:
		err := u.stock.CompleteForOrder(ctx, tr.OrderID)
		var oe *inventory.OversellError
		if errors.As(err, &oe) {
			u.unfulfilled(log, "oversold", err)
		} else if err != nil {
			return Result{}, fmt.Errorf("complete reservations for %s: %w", tr.OrderID, err)
		}
	case tr.Changed && tr.From != tr.To && tr.To == orders.StatusCancelled:
		if err := u.stock.ReleaseForOrder(ctx, tr.OrderID); err != nil {
			log.Warn("release reservations", zap.Error(err))
		}
	}
	if status != tr.To {
		log.Info("status transition not allowed",
			zap.String("from", string(tr.From)), zap.String("wanted", string(status)))
	}

	if tr.Changed && tr.From != tr.To {
		if u.cache != nil {
			if err := u.cache.SetOrderStatus(ctx, tr.OrderID, tr.To); err != nil {
				log.Warn("refresh status cache", zap.Error(err))
			}
		}
		if u.events != nil {
			u.events.StatusChanged(ctx, tr)
		}
		log.Info("order status updated", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
	}
	return Result{OrderID: tr.OrderID, Status: tr.To, Applied: tr.Changed}, nil
}

// reacquire takes the stock again for an order the gateway had cancelled and
// a later payment approved. Its original holds were released on cancel.
func (u *Updater) reacquire(ctx context.Context, log *zap.Logger, orderID string) {
	items, err := u.orders.Items(ctx, orderID)
	if err != nil {
		u.unfulfilled(log, "items_unavailable", err)
		return
	}
	lines := make([]inventory.Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, inventory.Line{
			ProductID: it.ProductID, VariantID: it.VariantID, Name: it.ProductName, Quantity: it.Quantity,
		})
	}
	err = u.stock.ReacquireForOrder(ctx, orderID, lines)
	var se *apperr.StockUnavailableError
	switch {
	case errors.As(err, &se):
		u.unfulfilled(log, "stock_unavailable", err)
	case err != nil:
		u.unfulfilled(log, "stock_error", err)
	default:
		log.Info("gateway-cancelled order paid, stock taken again")
	}
}

func (u *Updater) unfulfilled(log *zap.Logger, reason string, err error) {
	log.Error("approved payment without stock, refund needed", zap.String("reason", reason), zap.Error(err))
	u.metrics.Unfulfilled(reason)
}
