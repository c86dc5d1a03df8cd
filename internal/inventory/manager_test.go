package inventory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	catalog *catalog.MemoryRepository
	repo    *MemoryRepository
	mgr     *Manager
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := catalog.NewMemoryRepository()
	c.PutProduct(catalog.Product{ID: "remera", Name: "Remera", Price: decimal.NewFromInt(100), Stock: 5, TrackInventory: true, Active: true})
	c.PutProduct(catalog.Product{ID: "taza", Name: "Taza", Price: decimal.NewFromInt(50), Stock: 1, TrackInventory: true, Active: true})
	c.PutProduct(catalog.Product{ID: "ebook", Name: "Ebook", Price: decimal.NewFromInt(10), TrackInventory: false, Active: true})
	c.PutProduct(catalog.Product{ID: "viejo", Name: "Viejo", Stock: 10, TrackInventory: true, Active: false})
	c.PutVariant(catalog.Variant{ID: "remera-xl", ProductID: "remera", Name: "XL", Stock: 2})

	f := &fixture{catalog: c, repo: NewMemoryRepository(c), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.mgr = NewManager(f.repo, zaptest.NewLogger(t)).WithClock(func() time.Time { return f.now })
	return f
}

func TestAvailableToSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 2}}, "a@example.com", 15*time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got, err := f.mgr.Resolver().AvailableToSell(ctx, "remera", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}

	t.Run("expired holds no longer count", func(t *testing.T) {
		f.now = f.now.Add(16 * time.Minute)
		got, _ := f.mgr.Resolver().AvailableToSell(ctx, "remera", "")
		if got != 5 {
			t.Fatalf("available after expiry = %d, want 5", got)
		}
	})

	t.Run("variant has its own counter", func(t *testing.T) {
		got, _ := f.mgr.Resolver().AvailableToSell(ctx, "remera", "remera-xl")
		if got != 2 {
			t.Fatalf("variant available = %d", got)
		}
	})

	t.Run("unknown and inactive products are not found", func(t *testing.T) {
		var nf *apperr.NotFoundError
		if _, err := f.mgr.Resolver().AvailableToSell(ctx, "nope", ""); !errors.As(err, &nf) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := f.mgr.Resolver().AvailableToSell(ctx, "viejo", ""); !errors.As(err, &nf) {
			t.Fatalf("expected not found for inactive, got %v", err)
		}
		if _, err := f.mgr.Resolver().AvailableToSell(ctx, "taza", "remera-xl"); !errors.As(err, &nf) || nf.Entity != "variante" {
			t.Fatalf("variant of another product must be not found, got %v", err)
		}
	})
}

func TestCheckAvailabilityReportsShortfall(t *testing.T) {
	f := newFixture(t)
	av, err := f.mgr.CheckAvailability(context.Background(), []Line{
		{ProductID: "remera", Name: "Remera", Quantity: 10},
		{ProductID: "ebook", Quantity: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if av.Available || len(av.Unavailable) != 1 {
		t.Fatalf("availability = %+v", av)
	}
	msg := av.Err().Error()
	if !strings.Contains(msg, "Disponible: 5") || !strings.Contains(msg, "Solicitado: 10") {
		t.Fatalf("message = %q", msg)
	}
}

func TestCheckAvailabilitySumsDuplicateLines(t *testing.T) {
	f := newFixture(t)
	av, err := f.mgr.CheckAvailability(context.Background(), []Line{
		{ProductID: "taza", Quantity: 1},
		{ProductID: "taza", Quantity: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if av.Available || av.Unavailable[0].Requested != 2 {
		t.Fatalf("duplicate lines should be summed: %+v", av)
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Reserve(context.Background(), []Line{
		{ProductID: "remera", Quantity: 3},
		{ProductID: "taza", Quantity: 2},
	}, "b@example.com", 0)

	var se *apperr.StockUnavailableError
	if !errors.As(err, &se) {
		t.Fatalf("expected stock error, got %v", err)
	}
	if len(se.Items) != 1 || se.Items[0].ProductID != "taza" || se.Items[0].Available != 1 {
		t.Fatalf("shortfalls = %+v", se.Items)
	}
	if n := f.repo.Active(); n != 0 {
		t.Fatalf("%d reservations left active after failed reserve", n)
	}
}

func TestReserveSkipsUntrackedProducts(t *testing.T) {
	f := newFixture(t)
	ids, err := f.mgr.Reserve(context.Background(), []Line{{ProductID: "ebook", Quantity: 50}}, "c@example.com", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("untracked products need no hold, got %v", ids)
	}
}

func TestReserveConcurrentLastUnits(t *testing.T) {
	f := newFixture(t)
	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.Reserve(context.Background(), []Line{{ProductID: "remera", Quantity: 1}}, "race", 0); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 5 {
		t.Fatalf("%d reservations succeeded against 5 units", ok.Load())
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids, err := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 2}, {ProductID: "remera", VariantID: "remera-xl", Quantity: 1}}, "d", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Attach(ctx, ids, "order-1"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := f.mgr.CompleteForOrder(ctx, "order-1"); err != nil {
			t.Fatal(err)
		}
	}
	if s, _ := f.catalog.Stock("remera", ""); s != 3 {
		t.Fatalf("product stock = %d, want 3", s)
	}
	if s, _ := f.catalog.Stock("remera", "remera-xl"); s != 1 {
		t.Fatalf("variant stock = %d, want 1", s)
	}
	// completed holds stop counting, real stock already reflects them
	if got, _ := f.mgr.Resolver().AvailableToSell(ctx, "remera", ""); got != 3 {
		t.Fatalf("available = %d", got)
	}

	// a completed hold cannot be released back
	if err := f.mgr.Release(ctx, ids); err != nil {
		t.Fatal(err)
	}
	if res, _ := f.repo.Get(ids[0]); res.Status != StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestReleaseKeepsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids, _ := f.mgr.Reserve(ctx, []Line{{ProductID: "taza", Quantity: 1}}, "e", 0)
	if err := f.mgr.Release(ctx, ids); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.catalog.Stock("taza", ""); s != 1 {
		t.Fatalf("stock = %d", s)
	}
	if got, _ := f.mgr.Resolver().AvailableToSell(ctx, "taza", ""); got != 1 {
		t.Fatalf("available = %d", got)
	}
	if err := f.mgr.Complete(ctx, ids); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.catalog.Stock("taza", ""); s != 1 {
		t.Fatalf("cancelled hold must not decrement stock, got %d", s)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids, _ := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 1}}, "f", time.Minute)
	f.now = f.now.Add(2 * time.Minute)

	n, err := f.mgr.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expired = %d, err = %v", n, err)
	}
	if res, _ := f.repo.Get(ids[0]); res.Status != StatusExpired {
		t.Fatalf("status = %s", res.Status)
	}
	if n, _ := f.mgr.ExpireStale(ctx); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t)
	var ve *apperr.ValidationError
	if _, err := f.mgr.Reserve(context.Background(), []Line{{ProductID: "remera", Quantity: 0}}, "g", 0); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompleteLapsedHold(t *testing.T) {
	t.Run("units resold to another customer are not sold twice", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		first, err := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 5}}, "a", 15*time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		f.now = f.now.Add(20 * time.Minute)
		second, err := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 5}}, "b", 15*time.Minute)
		if err != nil {
			t.Fatalf("lapsed hold must free its units: %v", err)
		}

		err = f.mgr.Complete(ctx, first)
		var oe *OversellError
		if !errors.As(err, &oe) {
			t.Fatalf("expected oversell, got %v", err)
		}
		if len(oe.Items) != 1 || oe.Items[0].ID != first[0] || oe.Items[0].Available != 0 {
			t.Fatalf("oversell items = %+v", oe.Items)
		}
		if res, _ := f.repo.Get(first[0]); res.Status != StatusExpired {
			t.Fatalf("first hold status = %s", res.Status)
		}

		if err := f.mgr.Complete(ctx, second); err != nil {
			t.Fatal(err)
		}
		if s, _ := f.catalog.Stock("remera", ""); s != 0 {
			t.Fatalf("stock = %d, want 0", s)
		}
		if res, _ := f.repo.Get(second[0]); res.Status != StatusCompleted {
			t.Fatalf("second hold status = %s", res.Status)
		}
	})

	t.Run("free units still cover a late payment", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		ids, _ := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 2}}, "c", time.Minute)
		f.now = f.now.Add(5 * time.Minute)
		if _, err := f.mgr.ExpireStale(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 3}}, "d", 0); err != nil {
			t.Fatal(err)
		}
		if err := f.mgr.Complete(ctx, ids); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if s, _ := f.catalog.Stock("remera", ""); s != 3 {
			t.Fatalf("stock = %d, want 3", s)
		}
		if res, _ := f.repo.Get(ids[0]); res.Status != StatusCompleted {
			t.Fatalf("status = %s", res.Status)
		}
	})
}

func TestReacquireForOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids, _ := f.mgr.Reserve(ctx, []Line{{ProductID: "remera", Quantity: 2}}, "h", 0)
	_ = f.mgr.Attach(ctx, ids, "o-1")
	if err := f.mgr.ReleaseForOrder(ctx, "o-1"); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.ReacquireForOrder(ctx, "o-1", []Line{{ProductID: "remera", Quantity: 2}}); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.catalog.Stock("remera", ""); s != 3 {
		t.Fatalf("stock = %d, want 3", s)
	}
	if err := f.mgr.CompleteForOrder(ctx, "o-1"); err != nil {
		t.Fatal(err)
	}
	if s, _ := f.catalog.Stock("remera", ""); s != 3 {
		t.Fatalf("repeat completion decremented again: %d", s)
	}

	var se *apperr.StockUnavailableError
	if err := f.mgr.ReacquireForOrder(ctx, "o-2", []Line{{ProductID: "remera", Quantity: 4}}); !errors.As(err, &se) {
		t.Fatalf("expected shortfall, got %v", err)
	}
	if f.repo.Active() != 0 {
		t.Fatalf("%d holds left behind", f.repo.Active())
	}
}
