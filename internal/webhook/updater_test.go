package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payments"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type paymentsByID struct {
	mu    sync.Mutex
	byID  map[string]payments.Payment
	err   error
	calls int
}

func (g *paymentsByID) CreatePreference(context.Context, payments.PreferenceRequest) (payments.Preference, error) {
	return payments.Preference{}, errors.New("not used")
}

func (g *paymentsByID) CreatePayment(context.Context, payments.PaymentRequest) (payments.Payment, error) {
	return payments.Payment{}, errors.New("not used")
}

func (g *paymentsByID) GetPayment(_ context.Context, id string) (payments.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return payments.Payment{}, g.err
	}
	return g.byID[id], nil
}

type cacheSpy struct {
	mu  sync.Mutex
	set map[string]orders.Status
}

func (c *cacheSpy) SetOrderStatus(_ context.Context, id string, s orders.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set[id] = s
	return nil
}

type eventSpy struct {
	mu  sync.Mutex
	got []orders.Transition
}

func (e *eventSpy) StatusChanged(_ context.Context, t orders.Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, t)
}

type world struct {
	catalog *catalog.MemoryRepository
	stock   *inventory.Manager
	ledger  *orders.Ledger
	gw      *paymentsByID
	cache   *cacheSpy
	events  *eventSpy
	reg     *prometheus.Registry
	up      *Updater
	order   orders.Order
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	c := catalog.NewMemoryRepository()
	c.PutProduct(catalog.Product{ID: "remera", Name: "Remera", Price: decimal.NewFromInt(100), Stock: 5, TrackInventory: true, Active: true})

	w := &world{
		catalog: c,
		stock:   inventory.NewManager(inventory.NewMemoryRepository(c), zaptest.NewLogger(t)),
		ledger:  orders.NewLedger(orders.NewMemoryRepository()),
		gw:      &paymentsByID{byID: map[string]payments.Payment{}},
		cache:   &cacheSpy{set: map[string]orders.Status{}},
		events:  &eventSpy{},
		reg:     prometheus.NewRegistry(),
	}
	ids, err := w.stock.Reserve(ctx, []inventory.Line{{ProductID: "remera", Quantity: 2}}, "ana@example.com", 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w.order = orders.Order{Status: orders.StatusPending, PaymentMethod: orders.MethodMercadoPago}
	if err := w.ledger.Create(ctx, &w.order); err != nil {
		t.Fatal(err)
	}
	items := []orders.Item{orders.NewItem("remera", "", "Remera", "", 2, decimal.NewFromInt(100))}
	if err := w.ledger.AddItems(ctx, w.order.ID, items); err != nil {
		t.Fatal(err)
	}
	if err := w.stock.Attach(ctx, ids, w.order.ID); err != nil {
		t.Fatal(err)
	}
	w.up = NewUpdater(UpdaterDeps{
		Gateway: w.gw,
		Orders:  w.ledger,
		Stock:   w.stock,
		Cache:   w.cache,
		Events:  w.events,
		Metrics: metrics.New(w.reg),
		Log:     zaptest.NewLogger(t),
		Timeout: time.Second,
	})
	return w
}

func (w *world) pay(id, status string) {
	w.gw.byID[id] = payments.Payment{ID: id, Status: status, ExternalReference: w.order.ID}
}

func (w *world) unfulfilled(t *testing.T, reason string) float64 {
	t.Helper()
	mfs, err := w.reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "storefront_payments_unfulfilled_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMapStatus(t *testing.T) {
	tests := map[string]orders.Status{
		"approved":     orders.StatusPaid,
		"pending":      orders.StatusPending,
		"in_process":   orders.StatusPending,
		"rejected":     orders.StatusCancelled,
		"cancelled":    orders.StatusCancelled,
		"refunded":     orders.StatusRefunded,
		"charged_back": orders.StatusRefunded,
	}
	for in, want := range tests {
		if got, ok := MapStatus(in); !ok || got != want {
			t.Errorf("MapStatus(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := MapStatus("authorized"); ok {
		t.Error("unknown statuses must not map")
	}
}

func TestApplyApprovedIsIdempotent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pay("9001", payments.StatusApproved)

	for i := 0; i < 3; i++ {
		res, err := w.up.ApplyPaymentNotification(ctx, "9001")
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if res.Status != orders.StatusPaid || res.OrderID != w.order.ID {
			t.Fatalf("delivery %d: %+v", i, res)
		}
		if res.Applied != (i == 0) {
			t.Fatalf("delivery %d applied = %v", i, res.Applied)
		}
	}

	if stock, _ := w.catalog.Stock("remera", ""); stock != 3 {
		t.Fatalf("stock = %d, want 3 (decremented once)", stock)
	}
	got, _ := w.ledger.Get(ctx, w.order.ID)
	if got.Status != orders.StatusPaid || got.GatewayPaymentID != "9001" || got.GatewayStatus != "approved" {
		t.Fatalf("order = %+v", got)
	}
	if w.cache.set[w.order.ID] != orders.StatusPaid {
		t.Fatalf("cache = %v", w.cache.set)
	}
	if len(w.events.got) != 1 {
		t.Fatalf("events = %d, want 1", len(w.events.got))
	}
}

func TestApplyConcurrentDuplicates(t *testing.T) {
	w := newWorld(t)
	w.pay("9002", payments.StatusApproved)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.up.ApplyPaymentNotification(context.Background(), "9002"); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()
	if stock, _ := w.catalog.Stock("remera", ""); stock != 3 {
		t.Fatalf("stock = %d, want 3", stock)
	}
}

func TestApplyPendingThenApproved(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.pay("9003", payments.StatusInProcess)
	res, err := w.up.ApplyPaymentNotification(ctx, "9003")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.StatusPending {
		t.Fatalf("res = %+v", res)
	}
	if stock, _ := w.catalog.Stock("remera", ""); stock != 5 {
		t.Fatalf("pending payment must not touch stock, got %d", stock)
	}

	w.pay("9003", payments.StatusApproved)
	if res, _ = w.up.ApplyPaymentNotification(ctx, "9003"); res.Status != orders.StatusPaid {
		t.Fatalf("res = %+v", res)
	}
	if stock, _ := w.catalog.Stock("remera", ""); stock != 3 {
		t.Fatalf("stock = %d", stock)
	}
}

func TestApplyRejectedReleasesReservation(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pay("9004", payments.StatusRejected)

	res, err := w.up.ApplyPaymentNotification(ctx, "9004")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.StatusCancelled {
		t.Fatalf("res = %+v", res)
	}
	got, _ := w.stock.Resolver().AvailableToSell(ctx, "remera", "")
	if got != 5 {
		t.Fatalf("available = %d, want 5 after release", got)
	}

	t.Run("approved retry after the rejection pays the order", func(t *testing.T) {
		w.pay("9014", payments.StatusApproved)
		res, err := w.up.ApplyPaymentNotification(ctx, "9014")
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != orders.StatusPaid || !res.Applied {
			t.Fatalf("res = %+v", res)
		}
		o, _ := w.ledger.Get(ctx, w.order.ID)
		if o.Status != orders.StatusPaid || o.GatewayPaymentID != "9014" || o.GatewayStatus != "approved" {
			t.Fatalf("order = %+v", o)
		}
		if stock, _ := w.catalog.Stock("remera", ""); stock != 3 {
			t.Fatalf("stock = %d, want 3", stock)
		}
		if w.cache.set[w.order.ID] != orders.StatusPaid {
			t.Fatalf("cache = %v", w.cache.set)
		}

		if _, err := w.up.ApplyPaymentNotification(ctx, "9014"); err != nil {
			t.Fatal(err)
		}
		if stock, _ := w.catalog.Stock("remera", ""); stock != 3 {
			t.Fatalf("redelivery decremented again: %d", stock)
		}
	})
}

func TestApplyApprovedRetryWithoutStock(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pay("9020", payments.StatusRejected)
	if _, err := w.up.ApplyPaymentNotification(ctx, "9020"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.stock.Reserve(ctx, []inventory.Line{{ProductID: "remera", Quantity: 4}}, "otra@example.com", 0); err != nil {
		t.Fatal(err)
	}

	w.pay("9021", payments.StatusApproved)
	res, err := w.up.ApplyPaymentNotification(ctx, "9021")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.StatusPaid {
		t.Fatalf("res = %+v", res)
	}
	if stock, _ := w.catalog.Stock("remera", ""); stock != 5 {
		t.Fatalf("stock = %d, want 5", stock)
	}
	if got := w.unfulfilled(t, "stock_unavailable"); got != 1 {
		t.Fatalf("unfulfilled = %v", got)
	}
}

func TestApplyApprovedDoesNotReviveCompensatedOrder(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	if _, err := w.ledger.Cancel(ctx, w.order.ID); err != nil {
		t.Fatal(err)
	}
	_ = w.stock.ReleaseForOrder(ctx, w.order.ID)

	w.pay("9030", payments.StatusApproved)
	res, err := w.up.ApplyPaymentNotification(ctx, "9030")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.StatusCancelled {
		t.Fatalf("res = %+v", res)
	}
	if stock, _ := w.catalog.Stock("remera", ""); stock != 5 {
		t.Fatalf("stock = %d", stock)
	}
}

func TestApplyApprovedAfterHoldWasResold(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(time.Hour)
	w.stock.WithClock(func() time.Time { return now })
	if _, err := w.stock.Reserve(ctx, []inventory.Line{{ProductID: "remera", Quantity: 4}}, "otra@example.com", 0); err != nil {
		t.Fatal(err)
	}

	w.pay("9040", payments.StatusApproved)
	res, err := w.up.ApplyPaymentNotification(ctx, "9040")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.StatusPaid {
		t.Fatalf("res = %+v", res)
	}
	if stock, _ := w.catalog.Stock("remera", ""); stock != 5 {
		t.Fatalf("stock = %d, want 5", stock)
	}
	if got := w.unfulfilled(t, "oversold"); got != 1 {
		t.Fatalf("unfulfilled = %v", got)
	}
}

func TestApplyIgnoresUnknownStatusAndMissingReference(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pay("9005", "authorized")
	res, err := w.up.ApplyPaymentNotification(ctx, "9005")
	if err != nil || res.Applied {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	w.gw.byID["9006"] = payments.Payment{ID: "9006", Status: payments.StatusApproved}
	if res, err := w.up.ApplyPaymentNotification(ctx, "9006"); err != nil || res.Applied {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if o, _ := w.ledger.Get(ctx, w.order.ID); o.Status != orders.StatusPending {
		t.Fatalf("order changed: %+v", o)
	}
}

func TestApplyErrors(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.gw.err = &apperr.PaymentGatewayError{Op: "get_payment", StatusCode: 500}
	var ge *apperr.PaymentGatewayError
	if _, err := w.up.ApplyPaymentNotification(ctx, "1"); !errors.As(err, &ge) {
		t.Fatalf("err = %v", err)
	}

	w.gw.err = nil
	w.gw.byID["2"] = payments.Payment{ID: "2", Status: payments.StatusApproved, ExternalReference: "missing-order"}
	var nf *apperr.NotFoundError
	if _, err := w.up.ApplyPaymentNotification(ctx, "2"); !errors.As(err, &nf) {
		t.Fatalf("err = %v", err)
	}
}
