package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/google/uuid"
)

// MemoryRepository mirrors PostgresRepository on top of the in-memory
// catalog. A single mutex gives ReserveAll the same all-or-nothing guarantee
// the row locks give in Postgres.
type MemoryRepository struct {
	mu           sync.Mutex
	catalog      *catalog.MemoryRepository
	reservations map[string]Reservation
}

func NewMemoryRepository(c *catalog.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{catalog: c, reservations: map[string]Reservation{}}
}

func (r *MemoryRepository) level(ctx context.Context, productID, variantID string, now time.Time) (Level, error) {
	ps, _ := r.catalog.Products(ctx, []string{productID})
	p, ok := ps[productID]
	if !ok || !p.Active {
		return Level{}, apperr.ProductNotFound(productID)
	}
	lvl := Level{Name: p.Name, Stock: p.Stock, Tracked: p.TrackInventory}
	if variantID != "" {
		vs, _ := r.catalog.Variants(ctx, []string{variantID})
		v, ok := vs[variantID]
		if !ok || v.ProductID != productID {
			return Level{}, apperr.VariantNotFound(variantID)
		}
		lvl.Name = p.Name + " - " + v.Name
		lvl.Stock = v.Stock
	}
	for _, res := range r.reservations {
		if res.ProductID == productID && res.VariantID == variantID &&
			res.Status == StatusActive && res.ExpiresAt.After(now) {
			lvl.Reserved += res.Quantity
		}
	}
	return lvl, nil
}

func (r *MemoryRepository) Level(ctx context.Context, productID, variantID string, now time.Time) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level(ctx, productID, variantID, now)
}

func (r *MemoryRepository) ReserveAll(ctx context.Context, lines []Line, ownerRef string, now, expiresAt time.Time) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out     []Reservation
		rejects []apperr.Shortfall
	)
	for _, it := range lines {
		lvl, err := r.level(ctx, it.ProductID, it.VariantID, now)
		if err != nil {
			return nil, err
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
		out = append(out, Reservation{
			ID:        uuid.NewString(),
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Quantity:  it.Quantity,
			OwnerRef:  ownerRef,
			Status:    StatusActive,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		})
	}
	if len(rejects) > 0 {
		return nil, &apperr.StockUnavailableError{Items: rejects}
	}
	for _, res := range out {
		r.reservations[res.ID] = res
	}
	return out, nil
}

func (r *MemoryRepository) CompleteAll(ctx context.Context, ids []string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		n        int
		oversold []LapsedHold
	)
	for _, id := range ids {
		res, ok := r.reservations[id]
		if !ok || (res.Status != StatusActive && res.Status != StatusExpired) {
			continue
		}
		if lapsed(res, now) {
			lvl, err := r.level(ctx, res.ProductID, res.VariantID, now)
			var nf *apperr.NotFoundError
			switch {
			case errors.As(err, &nf):
			case err != nil:
				return n, err
			case lvl.Tracked && available(lvl) < res.Quantity:
				res.Status = StatusExpired
				r.reservations[id] = res
				oversold = append(oversold, LapsedHold{Reservation: res, Available: available(lvl)})
				continue
			}
		}
		if s, _ := r.catalog.Stock(res.ProductID, res.VariantID); s < res.Quantity {
			r.catalog.AdjustStock(res.ProductID, res.VariantID, -s)
		} else {
			r.catalog.AdjustStock(res.ProductID, res.VariantID, -res.Quantity)
		}
		res.Status = StatusCompleted
		r.reservations[id] = res
		n++
	}
	if len(oversold) > 0 {
		return n, &OversellError{Items: oversold}
	}
	return n, nil
}

func (r *MemoryRepository) ReleaseAll(_ context.Context, ids []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range ids {
		res, ok := r.reservations[id]
		if !ok || res.Status != StatusActive {
			continue
		}
		res.Status = StatusCancelled
		r.reservations[id] = res
		n++
	}
	return n, nil
}

func (r *MemoryRepository) Attach(_ context.Context, ids []string, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if res, ok := r.reservations[id]; ok {
			res.OrderID = orderID
			r.reservations[id] = res
		}
	}
	return nil
}

func (r *MemoryRepository) IDsForOrder(_ context.Context, orderID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rs []Reservation
	for _, res := range r.reservations {
		if res.OrderID == orderID {
			rs = append(rs, res)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.Before(rs[j].CreatedAt) })
	ids := make([]string, 0, len(rs))
	for _, res := range rs {
		ids = append(ids, res.ID)
	}
	return ids, nil
}

func (r *MemoryRepository) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, res := range r.reservations {
		if res.Status == StatusActive && !res.ExpiresAt.After(now) {
			res.Status = StatusExpired
			r.reservations[id] = res
			n++
		}
	}
	return n, nil
}

// Get returns a copy of a reservation.
func (r *MemoryRepository) Get(id string) (Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	return res, ok
}

// Active counts reservations still in the active state.
func (r *MemoryRepository) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.reservations {
		if res.Status == StatusActive {
			n++
		}
	}
	return n
}
