package catalog

import (
	"context"
	"sync"
)

// MemoryRepository keeps the catalog in process. Stock is adjusted by the
// in-memory inventory repository through AdjustStock.
type MemoryRepository struct {
	mu       sync.RWMutex
	products map[string]Product
	variants map[string]Variant
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products: map[string]Product{},
		variants: map[string]Variant{},
	}
}

func (r *MemoryRepository) PutProduct(p Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

func (r *MemoryRepository) PutVariant(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[v.ID] = v
}

func (r *MemoryRepository) Products(_ context.Context, ids []string) (map[string]Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r *MemoryRepository) Variants(_ context.Context, ids []string) (map[string]Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Variant, len(ids))
	for _, id := range ids {
		if v, ok := r.variants[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// Stock returns the tracked stock counter for a product or variant.
func (r *MemoryRepository) Stock(productID, variantID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if variantID != "" {
		v, ok := r.variants[variantID]
		return v.Stock, ok
	}
	p, ok := r.products[productID]
	return p.Stock, ok
}

// Tracked reports whether stock is tracked for the product.
func (r *MemoryRepository) Tracked(productID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.products[productID].TrackInventory
}

// AdjustStock adds delta to the stock counter.
func (r *MemoryRepository) AdjustStock(productID, variantID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if variantID != "" {
		v := r.variants[variantID]
		v.Stock += delta
		r.variants[variantID] = v
		return
	}
	p := r.products[productID]
	p.Stock += delta
	r.products[productID] = p
}
