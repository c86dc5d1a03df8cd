// Package coupons records coupon redemptions. Coupon validation happens
// upstream; checkout receives an already-validated coupon.
package coupons

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type Usage struct {
	CouponID      string
	Code          string
	OrderID       string
	CustomerEmail string
	Discount      decimal.Decimal
}

type Recorder interface {
	RecordUsage(ctx context.Context, u Usage) error
}

type PostgresRecorder struct{ DB *pgxpool.Pool }

// RecordUsage inserts the usage row and bumps used_count in one transaction.
// Recording the same coupon for the same order twice counts once.
func (r *PostgresRecorder) RecordUsage(ctx context.Context, u Usage) error {
	return postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO coupon_usages(coupon_id, order_id, customer_email, discount_amount)
			VALUES ($1, $2, $3, $4::text::numeric)
			ON CONFLICT (coupon_id, order_id) DO NOTHING`,
			u.CouponID, u.OrderID, u.CustomerEmail, u.Discount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`, u.CouponID)
		return err
	})
}

type MemoryRecorder struct {
	mu     sync.Mutex
	usages map[[2]string]Usage
	counts map[string]int
	Err    error
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{usages: map[[2]string]Usage{}, counts: map[string]int{}}
}

func (r *MemoryRecorder) RecordUsage(_ context.Context, u Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	k := [2]string{u.CouponID, u.OrderID}
	if _, ok := r.usages[k]; ok {
		return nil
	}
	r.usages[k] = u
	r.counts[u.CouponID]++
	return nil
}

func (r *MemoryRecorder) UsedCount(couponID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[couponID]
}
