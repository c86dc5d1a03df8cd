package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
)

// MemoryRepository is an in-process Repository. FailItems makes the next
// InsertItems calls fail, to exercise the compensation path.
type MemoryRepository struct {
	mu     sync.Mutex
	seq    int64
	orders map[string]Order
	items  map[string][]Item

	FailItems error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: map[string]Order{}, items: map[string][]Item{}}
}

func (r *MemoryRepository) NextSequence(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *MemoryRepository) Insert(_ context.Context, o Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.Number == o.Number {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, o.Number)
		}
	}
	r.orders[o.ID] = o
	return nil
}

func (r *MemoryRepository) InsertItems(_ context.Context, orderID string, items []Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailItems != nil {
		return r.FailItems
	}
	if _, ok := r.orders[orderID]; !ok {
		return apperr.OrderNotFound(orderID)
	}
	r.items[orderID] = append([]Item(nil), items...)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
	delete(r.items, id)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, apperr.OrderNotFound(id)
	}
	return o, nil
}

func (r *MemoryRepository) Items(_ context.Context, id string) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.items[id]...), nil
}

func (r *MemoryRepository) Mutate(_ context.Context, id string, fn func(o *Order) bool) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return Order{}, false, apperr.OrderNotFound(id)
	}
	if !fn(&o) {
		return o, false, nil
	}
	o.UpdatedAt = time.Now().UTC()
	r.orders[id] = o
	return o, true, nil
}

// Len is the number of stored orders.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}
