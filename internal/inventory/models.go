package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// DefaultTTL is how long a hold lasts when the caller does not say.
const DefaultTTL = 15 * time.Minute

// Line is one requested product (optionally a variant) and quantity.
type Line struct {
	ProductID string
	VariantID string
	Name      string
	Quantity  int
}

type Reservation struct {
	ID        string
	ProductID string
	VariantID string
	Quantity  int
	OwnerRef  string
	OrderID   string
	Status    Status
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Level is the stock picture of one product or variant at a point in time.
type Level struct {
	Name     string
	Stock    int
	Reserved int // active, unexpired reservations
	Tracked  bool
}

type Repository interface {
	// Level fails with *apperr.NotFoundError for unknown ids.
	Level(ctx context.Context, productID, variantID string, now time.Time) (Level, error)
	// ReserveAll checks availability and inserts holds for every line as
	// one atomic unit. A shortfall yields *apperr.StockUnavailableError and
	// leaves nothing behind.
	ReserveAll(ctx context.Context, lines []Line, ownerRef string, now, expiresAt time.Time) ([]Reservation, error)
	// CompleteAll consumes holds and decrements stock. Lapsed holds whose
	// units were resold are skipped and reported as *OversellError; the
	// count covers what was completed either way.
	CompleteAll(ctx context.Context, ids []string, now time.Time) (int, error)
	ReleaseAll(ctx context.Context, ids []string) (int, error)
	Attach(ctx context.Context, ids []string, orderID string) error
	IDsForOrder(ctx context.Context, orderID string) ([]string, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

func lapsed(r Reservation, now time.Time) bool {
	return r.Status == StatusExpired || !r.ExpiresAt.After(now)
}

// LapsedHold is an expired reservation whose units are no longer free.
type LapsedHold struct {
	Reservation
	Available int
}

// OversellError reports holds that could not be completed because their
// stock went to other customers after they lapsed.
type OversellError struct {
	Items []LapsedHold
}

func (e *OversellError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%s %s/%s wants %d, %d free", it.ID, it.ProductID, it.VariantID, it.Quantity, it.Available))
	}
	return "lapsed reservations oversold: " + strings.Join(parts, "; ")
}

// IDs lists the reservations that were left uncompleted.
func (e *OversellError) IDs() []string {
	ids := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

type key struct{ productID, variantID string }

// aggregate sums duplicate product/variant lines and orders them so that
// row locks are always taken in the same order.
func aggregate(lines []Line) []Line {
	idx := map[key]int{}
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		k := key{l.ProductID, l.VariantID}
		if i, ok := idx[k]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[k] = len(out)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out
}
