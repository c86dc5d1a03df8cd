package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"go.uber.org/zap"
)

// Resolver computes sellable quantity: the tracked stock counter minus
// active, unexpired reservations.
type Resolver struct {
	Repo Repository
	Now  func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Resolver) AvailableToSell(ctx context.Context, productID, variantID string) (int, error) {
	lvl, err := r.Repo.Level(ctx, productID, variantID, r.now())
	if err != nil {
		return 0, err
	}
	return available(lvl), nil
}

func available(lvl Level) int {
	if !lvl.Tracked {
		return math.MaxInt32
	}
	if n := lvl.Stock - lvl.Reserved; n > 0 {
		return n
	}
	return 0
}

type Availability struct {
	Available   bool
	Unavailable []apperr.Shortfall
}

// Err returns the shortfalls as a StockUnavailableError, or nil.
func (a Availability) Err() error {
	if a.Available {
		return nil
	}
	return &apperr.StockUnavailableError{Items: a.Unavailable}
}

type Manager struct {
	repo     Repository
	resolver *Resolver
	now      func() time.Time
	log      *zap.Logger
}

func NewManager(repo Repository, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{repo: repo, log: log, now: func() time.Time { return time.Now().UTC() }}
	m.resolver = &Resolver{Repo: repo, Now: func() time.Time { return m.now() }}
	return m
}

// WithClock replaces the wall clock, mostly for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) Resolver() *Resolver { return m.resolver }

// CheckAvailability is the non-mutating pre-check used to fail fast.
func (m *Manager) CheckAvailability(ctx context.Context, lines []Line) (Availability, error) {
	res := Availability{Available: true}
	for _, l := range aggregate(lines) {
		n, err := m.resolver.AvailableToSell(ctx, l.ProductID, l.VariantID)
		if err != nil {
			return Availability{}, err
		}
		if l.Quantity > n {
			res.Available = false
			res.Unavailable = append(res.Unavailable, apperr.Shortfall{
				ProductID: l.ProductID, VariantID: l.VariantID, Name: l.Name,
				Available: n, Requested: l.Quantity,
			})
		}
	}
	return res, nil
}

// Reserve holds stock for every line or for none of them.
func (m *Manager) Reserve(ctx context.Context, lines []Line, ownerRef string, ttl time.Duration) ([]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, apperr.Validation("quantity", fmt.Sprintf("Cantidad inválida para %s", l.ProductID))
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	rs, err := m.repo.ReserveAll(ctx, aggregate(lines), ownerRef, now, now.Add(ttl))
	if err != nil {
		var se *apperr.StockUnavailableError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID)
	}
	m.log.Debug("stock reserved", zap.String("owner", ownerRef), zap.Strings("reservation_ids", ids))
	return ids, nil
}

// Complete consumes the reservations and decrements real stock. Ids that are
// no longer holding stock are skipped, so repeating a call is harmless. A
// lapsed hold whose units were resold yields *OversellError.
func (m *Manager) Complete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	n, err := m.repo.CompleteAll(ctx, ids, m.now())
	var oe *OversellError
	if errors.As(err, &oe) {
		m.log.Error("lapsed reservations could not be completed",
			zap.Int("completed", n), zap.Strings("reservation_ids", oe.IDs()), zap.Error(err))
		return err
	}
	if err != nil {
		return fmt.Errorf("complete reservations: %w", err)
	}
	m.log.Info("reservations completed", zap.Int("count", n), zap.Strings("reservation_ids", ids))
	return nil
}

// Release cancels still-active reservations without touching stock.
func (m *Manager) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	n, err := m.repo.ReleaseAll(ctx, ids)
	if err != nil {
		return fmt.Errorf("release reservations: %w", err)
	}
	m.log.Info("reservations released", zap.Int("count", n), zap.Strings("reservation_ids", ids))
	return nil
}

func (m *Manager) Attach(ctx context.Context, ids []string, orderID string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.repo.Attach(ctx, ids, orderID); err != nil {
		return fmt.Errorf("attach reservations to %s: %w", orderID, err)
	}
	return nil
}

func (m *Manager) CompleteForOrder(ctx context.Context, orderID string) error {
	ids, err := m.repo.IDsForOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("reservations for %s: %w", orderID, err)
	}
	return m.Complete(ctx, ids)
}

func (m *Manager) ReleaseForOrder(ctx context.Context, orderID string) error {
	ids, err := m.repo.IDsForOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("reservations for %s: %w", orderID, err)
	}
	return m.Release(ctx, ids)
}

// ReacquireForOrder takes fresh holds for an order whose reservations were
// already released, then completes them at once. Used when a payment lands
// on an order the gateway had cancelled. A shortfall leaves nothing held.
func (m *Manager) ReacquireForOrder(ctx context.Context, orderID string, lines []Line) error {
	ids, err := m.Reserve(ctx, lines, orderID, DefaultTTL)
	if err != nil {
		return err
	}
	if err := m.Attach(ctx, ids, orderID); err != nil {
		if rerr := m.Release(ctx, ids); rerr != nil {
			m.log.Warn("release reacquired holds", zap.String("order_id", orderID), zap.Error(rerr))
		}
		return err
	}
	return m.Complete(ctx, ids)
}

// ExpireStale flags lapsed holds as expired. Availability already ignores
// them; this only keeps the table honest.
func (m *Manager) ExpireStale(ctx context.Context) (int64, error) {
	n, err := m.repo.ExpireStale(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	return n, nil
}
