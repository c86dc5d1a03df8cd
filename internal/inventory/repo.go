package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct{ DB *pgxpool.Pool }

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const reservedSQL = `
	SELECT COALESCE(SUM(quantity), 0) FROM stock_reservations
	WHERE product_id = $1 AND variant_id = $2 AND status = 'active' AND expires_at > $3`

// level reads the stock row (locking it when lock is set) and the quantity
// currently held by active reservations.
func level(ctx context.Context, q querier, productID, variantID string, now time.Time, lock bool) (Level, error) {
	var (
		lvl Level
		err error
	)
	suffix := ""
	if lock {
		suffix = " FOR UPDATE"
	}
	if variantID == "" {
		err = q.QueryRow(ctx, `SELECT name, stock, track_inventory FROM products WHERE id=$1 AND active`+suffix,
			productID).Scan(&lvl.Name, &lvl.Stock, &lvl.Tracked)
	} else {
		if lock {
			suffix = " FOR UPDATE OF v"
		}
		err = q.QueryRow(ctx, `
			SELECT p.name || ' - ' || v.name, v.stock, p.track_inventory
			FROM product_variants v JOIN products p ON p.id = v.product_id
			WHERE v.id=$1 AND v.product_id=$2 AND p.active`+suffix,
			variantID, productID).Scan(&lvl.Name, &lvl.Stock, &lvl.Tracked)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if variantID != "" {
			return Level{}, apperr.VariantNotFound(variantID)
		}
		return Level{}, apperr.ProductNotFound(productID)
	}
	if err != nil {
		return Level{}, err
	}
	if err := q.QueryRow(ctx, reservedSQL, productID, variantID, now).Scan(&lvl.Reserved); err != nil {
		return Level{}, err
	}
	return lvl, nil
}

func (r *PostgresRepository) Level(ctx context.Context, productID, variantID string, now time.Time) (Level, error) {
	return level(ctx, r.DB, productID, variantID, now, false)
}

// ReserveAll locks every stock row (FOR UPDATE) in a stable order, recomputes
// availability under the lock and records the holds. Any shortfall rolls the
// whole transaction back.
func (r *PostgresRepository) ReserveAll(ctx context.Context, lines []Line, ownerRef string, now, expiresAt time.Time) ([]Reservation, error) {
	var out []Reservation
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		var rejects []apperr.Shortfall
		for _, it := range lines {
			lvl, err := level(ctx, tx, it.ProductID, it.VariantID, now, true)
			if err != nil {
				return err
			}
			if !lvl.Tracked {
				continue
			}
			if avail := available(lvl); avail < it.Quantity {
				name := it.Name
				if name == "" {
					name = lvl.Name
				}
				rejects = append(rejects, apperr.Shortfall{
					ProductID: it.ProductID, VariantID: it.VariantID, Name: name,
					Available: avail, Requested: it.Quantity,
				})
				continue
			}

			res := Reservation{
				ID:        uuid.NewString(),
				ProductID: it.ProductID,
				VariantID: it.VariantID,
				Quantity:  it.Quantity,
				OwnerRef:  ownerRef,
				Status:    StatusActive,
				ExpiresAt: expiresAt,
				CreatedAt: now,
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO stock_reservations(id, product_id, variant_id, quantity, owner_ref, status, expires_at, created_at)
				VALUES ($1,$2,$3,$4,$5,'active',$6,$7)`,
				res.ID, res.ProductID, res.VariantID, res.Quantity, res.OwnerRef, res.ExpiresAt, res.CreatedAt,
			); err != nil {
				return err
			}
			out = append(out, res)
		}
		if len(rejects) > 0 {
			return &apperr.StockUnavailableError{Items: rejects}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteAll decrements real stock for holds that still own it. A hold that
// lapsed before the payment arrived is completed only if the units are still
// free under the stock row lock; otherwise it is left expired and reported in
// an *OversellError while the rest of the batch commits.
func (r *PostgresRepository) CompleteAll(ctx context.Context, ids []string, now time.Time) (int, error) {
	var (
		n        int
		oversold []LapsedHold
	)
	err := postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		n, oversold = 0, nil
		rows, err := tx.Query(ctx, `
			SELECT id, product_id, variant_id, quantity, status, expires_at FROM stock_reservations
			WHERE id = ANY($1) AND status IN ('active','expired')
			ORDER BY product_id, variant_id
			FOR UPDATE`, ids)
		if err != nil {
			return err
		}
		var recs []Reservation
		for rows.Next() {
			var x Reservation
			if err := rows.Scan(&x.ID, &x.ProductID, &x.VariantID, &x.Quantity, &x.Status, &x.ExpiresAt); err != nil {
				rows.Close()
				return err
			}
			recs = append(recs, x)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, x := range recs {
			if lapsed(x, now) {
				lvl, err := level(ctx, tx, x.ProductID, x.VariantID, now, true)
				var nf *apperr.NotFoundError
				switch {
				case errors.As(err, &nf):
					// inactive products take no new holds, so nobody took these units
				case err != nil:
					return err
				case lvl.Tracked && available(lvl) < x.Quantity:
					oversold = append(oversold, LapsedHold{Reservation: x, Available: available(lvl)})
					if _, err := tx.Exec(ctx, `UPDATE stock_reservations SET status='expired', updated_at=now() WHERE id=$1`, x.ID); err != nil {
						return err
					}
					continue
				}
			}
			if x.VariantID == "" {
				_, err = tx.Exec(ctx, `UPDATE products SET stock = GREATEST(stock - $2, 0), updated_at = now() WHERE id=$1`, x.ProductID, x.Quantity)
			} else {
				_, err = tx.Exec(ctx, `UPDATE product_variants SET stock = GREATEST(stock - $2, 0), updated_at = now() WHERE id=$1`, x.VariantID, x.Quantity)
			}
			if err != nil {
				return fmt.Errorf("decrement stock %s/%s: %w", x.ProductID, x.VariantID, err)
			}
			// Marked per row so the next level() in this batch no longer
			// counts it as held.
			if _, err := tx.Exec(ctx, `UPDATE stock_reservations SET status='completed', updated_at=now() WHERE id=$1`, x.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(oversold) > 0 {
		return n, &OversellError{Items: oversold}
	}
	return n, nil
}

func (r *PostgresRepository) ReleaseAll(ctx context.Context, ids []string) (int, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE stock_reservations SET status='cancelled', updated_at=now()
		WHERE id = ANY($1) AND status='active'`, ids)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (r *PostgresRepository) Attach(ctx context.Context, ids []string, orderID string) error {
	_, err := r.DB.Exec(ctx, `UPDATE stock_reservations SET order_id=$2, updated_at=now() WHERE id = ANY($1)`, ids, orderID)
	return err
}

func (r *PostgresRepository) IDsForOrder(ctx context.Context, orderID string) ([]string, error) {
	rows, err := r.DB.Query(ctx, `SELECT id FROM stock_reservations WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE stock_reservations SET status='expired', updated_at=now()
		WHERE status='active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
