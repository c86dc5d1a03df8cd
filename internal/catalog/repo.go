package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PostgresRepository struct{ DB *pgxpool.Pool }

func (r *PostgresRepository) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price::text, stock, track_inventory, active
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p     Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.Name, &price, &p.Stock, &p.TrackInventory, &p.Active); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %s price: %w", p.ID, err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Variants(ctx context.Context, ids []string) (map[string]Variant, error) {
	out := make(map[string]Variant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, product_id, name, price::text, stock
		FROM product_variants WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			v     Variant
			price *string
		)
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Name, &price, &v.Stock); err != nil {
			return nil, err
		}
		if price != nil {
			d, err := decimal.NewFromString(*price)
			if err != nil {
				return nil, fmt.Errorf("variant %s price: %w", v.ID, err)
			}
			v.Price = &d
		}
		out[v.ID] = v
	}
	return out, rows.Err()
}
