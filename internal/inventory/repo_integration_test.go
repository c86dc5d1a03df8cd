//go:build integration

package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres/pgtest"
	"go.uber.org/zap"
)

func TestPostgresReserveRace(t *testing.T) {
	pool := pgtest.Pool(t)
	pgtest.Exec(t, pool,
		`INSERT INTO products(id, name, price, stock) VALUES ('p-last', 'Ultima', 10, 3)`,
		`INSERT INTO products(id, name, price, stock) VALUES ('p-other', 'Otra', 10, 100)`,
	)
	mgr := NewManager(&PostgresRepository{DB: pool}, zap.NewNop())
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Reserve(ctx, []Line{{ProductID: "p-other", Quantity: 1}, {ProductID: "p-last", Quantity: 1}}, "race", time.Minute)
			if err == nil {
				ok.Add(1)
				return
			}
			var se *apperr.StockUnavailableError
			if !errors.As(err, &se) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 3 {
		t.Fatalf("%d checkouts won 3 units", ok.Load())
	}
	var holds int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_reservations WHERE product_id='p-other' AND status='active'`).Scan(&holds); err != nil {
		t.Fatal(err)
	}
	if holds != 3 {
		t.Fatalf("failed reservations left %d partial holds behind", holds-3)
	}
}

func TestPostgresCompleteDecrementsOnce(t *testing.T) {
	pool := pgtest.Pool(t)
	pgtest.Exec(t, pool,
		`INSERT INTO products(id, name, price, stock) VALUES ('p1', 'Remera', 10, 5)`,
		`INSERT INTO product_variants(id, product_id, name, stock) VALUES ('v1', 'p1', 'XL', 4)`,
	)
	mgr := NewManager(&PostgresRepository{DB: pool}, zap.NewNop())
	ctx := context.Background()

	ids, err := mgr.Reserve(ctx, []Line{{ProductID: "p1", Quantity: 2}, {ProductID: "p1", VariantID: "v1", Quantity: 3}}, "x", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Attach(ctx, ids, "o1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := mgr.Resolver().AvailableToSell(ctx, "p1", "v1"); got != 1 {
		t.Fatalf("variant available = %d", got)
	}
	for i := 0; i < 2; i++ {
		if err := mgr.CompleteForOrder(ctx, "o1"); err != nil {
			t.Fatal(err)
		}
	}

	var ps, vs int
	_ = pool.QueryRow(ctx, `SELECT stock FROM products WHERE id='p1'`).Scan(&ps)
	_ = pool.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id='v1'`).Scan(&vs)
	if ps != 3 || vs != 1 {
		t.Fatalf("stock product=%d variant=%d", ps, vs)
	}
}

func TestPostgresExpiryIgnoredByResolver(t *testing.T) {
	pool := pgtest.Pool(t)
	pgtest.Exec(t, pool, `INSERT INTO products(id, name, price, stock) VALUES ('p1', 'Taza', 10, 2)`)
	now := time.Now().UTC()
	mgr := NewManager(&PostgresRepository{DB: pool}, zap.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := mgr.Reserve(ctx, []Line{{ProductID: "p1", Quantity: 2}}, "y", time.Minute); err != nil {
		t.Fatal(err)
	}
	if got, _ := mgr.Resolver().AvailableToSell(ctx, "p1", ""); got != 0 {
		t.Fatalf("available = %d", got)
	}
	now = now.Add(2 * time.Minute)
	if got, _ := mgr.Resolver().AvailableToSell(ctx, "p1", ""); got != 2 {
		t.Fatalf("available after expiry = %d", got)
	}
	if n, err := mgr.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expired = %d err = %v", n, err)
	}
}

func TestPostgresLapsedHoldIsNotOversold(t *testing.T) {
	pool := pgtest.Pool(t)
	pgtest.Exec(t, pool, `INSERT INTO products(id, name, price, stock) VALUES ('p1', 'Remera', 10, 5)`)
	now := time.Now().UTC()
	mgr := NewManager(&PostgresRepository{DB: pool}, zap.NewNop()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	first, err := mgr.Reserve(ctx, []Line{{ProductID: "p1", Quantity: 5}}, "a", 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(20 * time.Minute)
	second, err := mgr.Reserve(ctx, []Line{{ProductID: "p1", Quantity: 5}}, "b", 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	var oe *OversellError
	if err := mgr.Complete(ctx, first); !errors.As(err, &oe) {
		t.Fatalf("expected oversell, got %v", err)
	}
	if err := mgr.Complete(ctx, second); err != nil {
		t.Fatal(err)
	}

	var stock int
	_ = pool.QueryRow(ctx, `SELECT stock FROM products WHERE id='p1'`).Scan(&stock)
	if stock != 0 {
		t.Fatalf("stock = %d", stock)
	}
	var st1, st2 string
	_ = pool.QueryRow(ctx, `SELECT status FROM stock_reservations WHERE id=$1`, first[0]).Scan(&st1)
	_ = pool.QueryRow(ctx, `SELECT status FROM stock_reservations WHERE id=$1`, second[0]).Scan(&st2)
	if st1 != "expired" || st2 != "completed" {
		t.Fatalf("statuses = %s, %s", st1, st2)
	}
}
