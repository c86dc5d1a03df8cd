// Package checkout turns a cart into a persisted order and a payment
// hand-off. Every side effect registers a compensation, and a failure
// unwinds them before the response is returned.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/coupons"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payments"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Stock interface {
	CheckAvailability(ctx context.Context, lines []inventory.Line) (inventory.Availability, error)
	Reserve(ctx context.Context, lines []inventory.Line, ownerRef string, ttl time.Duration) ([]string, error)
	Complete(ctx context.Context, ids []string) error
	Release(ctx context.Context, ids []string) error
	Attach(ctx context.Context, ids []string, orderID string) error
}

type Ledger interface {
	Create(ctx context.Context, o *orders.Order) error
	AddItems(ctx context.Context, orderID string, items []orders.Item) error
	Delete(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) (orders.Transition, error)
	SetPreference(ctx context.Context, id, preferenceID string) error
}

type Events interface {
	OrderCreated(ctx context.Context, o orders.Order, items []orders.Item)
}

// Shipping prices delivery: a flat cost, waived at or above the threshold
// when the threshold is positive.
type Shipping struct {
	Cost          decimal.Decimal
	FreeThreshold decimal.Decimal
}

func (s Shipping) For(subtotal decimal.Decimal) decimal.Decimal {
	if s.FreeThreshold.IsPositive() && subtotal.GreaterThanOrEqual(s.FreeThreshold) {
		return decimal.Zero
	}
	return s.Cost
}

type Deps struct {
	Catalog        catalog.Repository
	Stock          Stock
	Ledger         Ledger
	Strategies     payments.Strategies
	Coupons        coupons.Recorder // optional
	Events         Events           // optional
	Metrics        *metrics.Metrics // optional
	Log            *zap.Logger
	Shipping       Shipping
	ReservationTTL time.Duration
}

type Service struct {
	catalog    catalog.Repository
	stock      Stock
	ledger     Ledger
	strategies payments.Strategies
	coupons    coupons.Recorder
	events     Events
	metrics    *metrics.Metrics
	log        *zap.Logger
	shipping   Shipping
	ttl        time.Duration
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.ReservationTTL <= 0 {
		d.ReservationTTL = inventory.DefaultTTL
	}
	return &Service{
		catalog:    d.Catalog,
		stock:      d.Stock,
		ledger:     d.Ledger,
		strategies: d.Strategies,
		coupons:    d.Coupons,
		events:     d.Events,
		metrics:    d.Metrics,
		log:        d.Log,
		shipping:   d.Shipping,
		ttl:        d.ReservationTTL,
	}
}

type Data struct {
	OrderID       string               `json:"orderId"`
	OrderNumber   string               `json:"orderNumber"`
	PaymentMethod orders.PaymentMethod `json:"paymentMethod"`
	PreferenceID  string               `json:"preferenceId,omitempty"`
	InitPoint     string               `json:"initPoint,omitempty"`
	RedirectURL   string               `json:"redirectUrl,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Data    *Data  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Err is the underlying failure, for status mapping and logs.
	Err error `json:"-"`
}

// Process runs one checkout attempt. It never returns an error or panics;
// failures come back as Response{Success: false}.
func (s *Service) Process(ctx context.Context, req Request) (resp Response) {
	start := time.Now()
	log := logging.FromContext(ctx, s.log).With(zap.String("payment_method", string(req.Customer.PaymentMethod)))
	ctx, span := otel.Tracer("storefront.checkout").Start(ctx, "checkout.Process")
	span.SetAttributes(attribute.String("payment.method", string(req.Customer.PaymentMethod)),
		attribute.Int("cart.lines", len(req.Items)))

	defer func() {
		if p := recover(); p != nil {
			log.Error("checkout panic", zap.Any("panic", p), zap.Stack("stack"))
			err := fmt.Errorf("checkout panic: %v", p)
			resp = Response{Success: false, Error: apperr.UserMessage(err), Err: err}
		}
		outcome := "success"
		if !resp.Success {
			outcome = outcomeOf(resp.Err)
			span.RecordError(resp.Err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		s.metrics.Checkout(string(req.Customer.PaymentMethod), outcome, time.Since(start).Seconds())
	}()

	data, err := s.process(ctx, log, req)
	if err != nil {
		if apperr.HTTPStatus(err) >= 500 {
			log.Error("checkout failed", zap.Error(err))
		} else {
			log.Info("checkout rejected", zap.Error(err))
		}
		return Response{Success: false, Error: apperr.UserMessage(err), Err: err}
	}
	span.SetAttributes(attribute.String("order.id", data.OrderID))
	log.Info("checkout completed", zap.String("order_id", data.OrderID), zap.String("order_number", data.OrderNumber))
	return Response{Success: true, Data: &data}
}

func outcomeOf(err error) string {
	var (
		ve *apperr.ValidationError
		se *apperr.StockUnavailableError
		ne *apperr.NotFoundError
		pe *apperr.PersistenceError
		ge *apperr.PaymentGatewayError
	)
	switch {
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &se):
		return "stock_unavailable"
	case errors.As(err, &ne):
		return "not_found"
	case errors.As(err, &pe):
		return "persistence_error"
	case errors.As(err, &ge):
		return "gateway_error"
	default:
		return "error"
	}
}

func (s *Service) process(ctx context.Context, log *zap.Logger, req Request) (Data, error) {
	sg := newSaga(log)
	defer func() {
		if p := recover(); p != nil {
			sg.compensate(ctx, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	// Validating
	if err := req.Validate(); err != nil {
		return Data{}, err
	}
	strategy, err := s.strategies.For(req.Customer.PaymentMethod)
	if err != nil {
		return Data{}, err
	}

	// StockChecking
	sg.enter(StateStockChecking)
	items, lines, err := s.price(ctx, req.Items)
	if err != nil {
		return Data{}, err
	}
	avail, err := s.stock.CheckAvailability(ctx, lines)
	if err != nil {
		return Data{}, err
	}
	if err := avail.Err(); err != nil {
		return Data{}, err
	}

	// Reserving
	sg.enter(StateReserving)
	owner := req.OwnerRef
	if owner == "" {
		owner = req.Customer.Email
	}
	resIDs, err := s.stock.Reserve(ctx, lines, owner, s.ttl)
	if err != nil {
		return Data{}, err
	}
	sg.push("release_reservations", func(ctx context.Context) error { return s.stock.Release(ctx, resIDs) })

	// OrderPersisting
	sg.enter(StateOrderPersisting)
	discount := decimal.Zero
	couponCode := ""
	if req.Coupon != nil {
		discount, couponCode = req.Coupon.DiscountAmount, req.Coupon.Code
	}
	subtotal, applied, _ := orders.Totals(items, decimal.Zero, discount)
	shipping := s.shipping.For(subtotal)
	subtotal, applied, total := orders.Totals(items, shipping, applied)

	order := orders.Order{
		Status:         strategy.InitialStatus(),
		Customer:       req.Customer.customer(),
		Address:        req.Customer.Address.address(),
		Subtotal:       subtotal,
		ShippingCost:   shipping,
		DiscountAmount: applied,
		Total:          total,
		PaymentMethod:  req.Customer.PaymentMethod,
		CouponCode:     couponCode,
	}
	if err := s.ledger.Create(ctx, &order); err != nil {
		sg.compensate(ctx, err)
		return Data{}, err
	}
	orderID := order.ID
	sg.push("delete_order", func(ctx context.Context) error { return s.ledger.Delete(ctx, orderID) })
	log = log.With(zap.String("order_id", orderID), zap.String("order_number", order.Number))

	if err := s.ledger.AddItems(ctx, orderID, items); err != nil {
		sg.compensate(ctx, err)
		return Data{}, err
	}
	if err := s.stock.Attach(ctx, resIDs, orderID); err != nil {
		sg.compensate(ctx, err)
		return Data{}, apperr.Persistence("Error al crear la orden", err)
	}
	// From here on the order is complete and is kept for audit.
	sg.replace("delete_order", "cancel_order", func(ctx context.Context) error {
		_, err := s.ledger.Cancel(ctx, orderID)
		return err
	})

	if req.Coupon != nil && applied.IsPositive() && s.coupons != nil {
		err := s.coupons.RecordUsage(ctx, coupons.Usage{
			CouponID:      req.Coupon.ID,
			Code:          req.Coupon.Code,
			OrderID:       orderID,
			CustomerEmail: order.Customer.Email,
			Discount:      applied,
		})
		if err != nil {
			log.Warn("record coupon usage", zap.String("coupon_id", req.Coupon.ID), zap.Error(err))
		}
	}

	// PaymentInitiating
	sg.enter(StatePaymentInitiating)
	res, err := strategy.Initiate(ctx, payments.Checkout{Order: order, Items: items})
	if err != nil {
		sg.compensate(ctx, err)
		var ge *apperr.PaymentGatewayError
		if !errors.As(err, &ge) {
			err = &apperr.PaymentGatewayError{Op: "initiate", Err: err}
		}
		return Data{}, err
	}
	if res.PreferenceID != "" {
		if err := s.ledger.SetPreference(ctx, orderID, res.PreferenceID); err != nil {
			// The webhook finds the order through external_reference, so
			// the checkout still succeeds.
			log.Error("store preference id", zap.String("preference_id", res.PreferenceID), zap.Error(err))
		}
		order.GatewayPreferenceID = res.PreferenceID
	}
	if !strategy.Online() {
		if err := s.stock.Complete(ctx, resIDs); err != nil {
			log.Error("complete reservations for offline payment", zap.Strings("reservation_ids", resIDs), zap.Error(err))
		}
	}

	sg.enter(StateCompleted)
	if s.events != nil {
		s.events.OrderCreated(ctx, order, items)
	}
	return Data{
		OrderID:       orderID,
		OrderNumber:   order.Number,
		PaymentMethod: order.PaymentMethod,
		PreferenceID:  res.PreferenceID,
		InitPoint:     res.InitPoint,
		RedirectURL:   res.RedirectURL,
	}, nil
}

// price loads the catalog records for the cart and snapshots each line in
// cart order.
func (s *Service) price(ctx context.Context, reqLines []LineRequest) ([]orders.Item, []inventory.Line, error) {
	var productIDs, variantIDs []string
	seenP, seenV := map[string]bool{}, map[string]bool{}
	for _, l := range reqLines {
		if !seenP[l.ProductID] {
			seenP[l.ProductID] = true
			productIDs = append(productIDs, l.ProductID)
		}
		if l.VariantID != "" && !seenV[l.VariantID] {
			seenV[l.VariantID] = true
			variantIDs = append(variantIDs, l.VariantID)
		}
	}

	var (
		products map[string]catalog.Product
		variants map[string]catalog.Variant
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.catalog.Products(gctx, productIDs)
		return err
	})
	if len(variantIDs) > 0 {
		g.Go(func() error {
			var err error
			variants, err = s.catalog.Variants(gctx, variantIDs)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("load catalog: %w", err)
	}

	type key struct{ product, variant string }
	type guard struct {
		name      string
		counter   int
		tracked   bool
		requested int
	}
	guards := map[key]*guard{}
	var order []key
	items := make([]orders.Item, 0, len(reqLines))
	lines := make([]inventory.Line, 0, len(reqLines))

	for _, l := range reqLines {
		p, ok := products[l.ProductID]
		if !ok || !p.Active {
			return nil, nil, apperr.ProductNotFound(l.ProductID)
		}
		var (
			v           *catalog.Variant
			name        = p.Name
			variantName string
		)
		if l.VariantID != "" {
			vv, ok := variants[l.VariantID]
			if !ok || vv.ProductID != p.ID {
				return nil, nil, apperr.VariantNotFound(l.VariantID)
			}
			v = &vv
			variantName = vv.Name
			name = p.Name + " - " + vv.Name
		}

		k := key{l.ProductID, l.VariantID}
		gd, ok := guards[k]
		if !ok {
			gd = &guard{name: name, counter: catalog.StockCounter(p, v), tracked: p.TrackInventory}
			guards[k] = gd
			order = append(order, k)
		}
		gd.requested += l.Quantity

		items = append(items, orders.NewItem(p.ID, l.VariantID, p.Name, variantName, l.Quantity, catalog.UnitPrice(p, v)))
		lines = append(lines, inventory.Line{ProductID: l.ProductID, VariantID: l.VariantID, Name: name, Quantity: l.Quantity})
	}

	// Raw counter guard; the reservation re-checks against live holds.
	var shortfalls []apperr.Shortfall
	for _, k := range order {
		gd := guards[k]
		if gd.tracked && gd.requested > gd.counter {
			shortfalls = append(shortfalls, apperr.Shortfall{
				ProductID: k.product, VariantID: k.variant, Name: gd.name,
				Available: max(gd.counter, 0), Requested: gd.requested,
			})
		}
	}
	if len(shortfalls) > 0 {
		return nil, nil, &apperr.StockUnavailableError{Items: shortfalls}
	}
	return items, lines, nil
}
