package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
)

type StatusEntry struct {
	OrderID   string        `json:"order_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusCache is the read model behind GET /api/orders/{id}. The database
// stays the source of truth; entries expire after TTLStatusCache.
type StatusCache struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache {
	return &StatusCache{rdb: rdb, now: time.Now}
}

func (c *StatusCache) SetOrderStatus(ctx context.Context, orderID string, status orders.Status) error {
	b, err := json.Marshal(StatusEntry{OrderID: orderID, Status: status, UpdatedAt: c.now().UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err()
}

// Get reports ok=false on a cache miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StatusEntry{}, false, nil
	}
	if err != nil {
		return StatusEntry{}, false, err
	}
	var e StatusEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return StatusEntry{}, false, fmt.Errorf("decode status entry: %w", err)
	}
	return e, true, nil
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}
