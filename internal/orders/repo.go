package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PostgresRepository struct{ DB *pgxpool.Pool }

const orderColumns = `id, number, status, customer_email, customer_name, customer_phone, notes,
	payment_proof_url, address, subtotal::text, shipping_cost::text, discount_amount::text, total::text,
	payment_method, coupon_code, gateway_preference_id, gateway_payment_id, gateway_status, created_at, updated_at`

func (r *PostgresRepository) NextSequence(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&n)
	return n, err
}

func (r *PostgresRepository) Insert(ctx context.Context, o Order) error {
	addr, err := json.Marshal(o.Address)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(id, number, status, customer_email, customer_name, customer_phone, notes,
			payment_proof_url, address, subtotal, shipping_cost, discount_amount, total,
			payment_method, coupon_code, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::text::numeric,$11::text::numeric,$12::text::numeric,$13::text::numeric,$14,$15,$16,$17)`,
		o.ID, o.Number, string(o.Status), o.Customer.Email, o.Customer.Name, o.Customer.Phone, o.Customer.Notes,
		o.Customer.PaymentProofURL, addr, o.Subtotal.String(), o.ShippingCost.String(), o.DiscountAmount.String(),
		o.Total.String(), string(o.PaymentMethod), o.CouponCode, o.CreatedAt, o.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateNumber, o.Number)
	}
	return err
}

// InsertItems writes every item in one transaction.
func (r *PostgresRepository) InsertItems(ctx context.Context, orderID string, items []Item) error {
	return postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, it := range items {
			batch.Queue(`
				INSERT INTO order_items(order_id, product_id, variant_id, product_name, variant_name, quantity, unit_price, total_price)
				VALUES ($1,$2,$3,$4,$5,$6,$7::text::numeric,$8::text::numeric)`,
				orderID, it.ProductID, it.VariantID, it.ProductName, it.VariantName, it.Quantity,
				it.UnitPrice.String(), it.TotalPrice.String())
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	return err
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                                 Order
		status, method                    string
		addr                              []byte
		subtotal, shipping, discount, tot string
	)
	err := row.Scan(&o.ID, &o.Number, &status, &o.Customer.Email, &o.Customer.Name, &o.Customer.Phone,
		&o.Customer.Notes, &o.Customer.PaymentProofURL, &addr, &subtotal, &shipping, &discount, &tot,
		&method, &o.CouponCode, &o.GatewayPreferenceID, &o.GatewayPaymentID, &o.GatewayStatus,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status, o.PaymentMethod = Status(status), PaymentMethod(method)
	if err := json.Unmarshal(addr, &o.Address); err != nil {
		return Order{}, fmt.Errorf("order %s address: %w", o.ID, err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Subtotal, subtotal}, {&o.ShippingCost, shipping}, {&o.DiscountAmount, discount}, {&o.Total, tot}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return Order{}, fmt.Errorf("order %s amount: %w", o.ID, err)
		}
	}
	return o, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, apperr.OrderNotFound(id)
	}
	return o, err
}

func (r *PostgresRepository) Items(ctx context.Context, id string) ([]Item, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, variant_id, product_name, variant_name, quantity, unit_price::text, total_price::text
		FROM order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it          Item
			unit, total string
		)
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.VariantID, &it.ProductName, &it.VariantName,
			&it.Quantity, &unit, &total); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return nil, err
		}
		if it.TotalPrice, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Mutate locks the order row (FOR UPDATE) so concurrent webhook deliveries
// for the same order serialize.
func (r *PostgresRepository) Mutate(ctx context.Context, id string, fn func(o *Order) bool) (Order, bool, error) {
	var (
		out     Order
		changed bool
	)
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.OrderNotFound(id)
		}
		if err != nil {
			return err
		}
		if changed = fn(&o); !changed {
			out = o
			return nil
		}
		err = tx.QueryRow(ctx, `
			UPDATE orders SET status=$2, gateway_preference_id=$3, gateway_payment_id=$4, gateway_status=$5, updated_at=now()
			WHERE id=$1 RETURNING updated_at`,
			id, string(o.Status), o.GatewayPreferenceID, o.GatewayPaymentID, o.GatewayStatus).Scan(&o.UpdatedAt)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return Order{}, false, err
	}
	return out, changed, nil
}
