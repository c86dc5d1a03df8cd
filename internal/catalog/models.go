package catalog

import (
	"context"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             string
	Name           string
	Price          decimal.Decimal
	Stock          int
	TrackInventory bool
	Active         bool
}

type Variant struct {
	ID        string
	ProductID string
	Name      string
	Price     *decimal.Decimal // overrides the product price when set
	Stock     int
}

// Repository is the read side of the catalog owned by another subsystem.
// Missing ids are simply absent from the returned maps.
type Repository interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	Variants(ctx context.Context, ids []string) (map[string]Variant, error)
}

// UnitPrice is the price a line is charged at.
func UnitPrice(p Product, v *Variant) decimal.Decimal {
	if v != nil && v.Price != nil {
		return *v.Price
	}
	return p.Price
}

// StockCounter is the tracked stock for the line: the variant's when a
// variant is referenced, otherwise the product's.
func StockCounter(p Product, v *Variant) int {
	if v != nil {
		return v.Stock
	}
	return p.Stock
}
