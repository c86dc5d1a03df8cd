package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/google/uuid"
)

var ErrDuplicateNumber = errors.New("order number already taken")

// Repository persists orders. Mutate loads the row under a lock, lets fn
// edit it, and writes status and gateway fields back when fn reports a
// change.
type Repository interface {
	NextSequence(ctx context.Context) (int64, error)
	Insert(ctx context.Context, o Order) error
	InsertItems(ctx context.Context, orderID string, items []Item) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Order, error)
	Items(ctx context.Context, id string) ([]Item, error)
	Mutate(ctx context.Context, id string, fn func(o *Order) bool) (Order, bool, error)
}

// FormatNumber renders ORD-YYYYMMDD-NNNNNN.
func FormatNumber(t time.Time, seq int64) string {
	return fmt.Sprintf("ORD-%s-%06d", t.UTC().Format("20060102"), seq)
}

type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Create assigns id, number and timestamps and writes the order row.
func (l *Ledger) Create(ctx context.Context, o *Order) error {
	seq, err := l.repo.NextSequence(ctx)
	if err != nil {
		return apperr.Persistence("Error al crear la orden", fmt.Errorf("next order number: %w", err))
	}
	now := l.now()
	o.ID = uuid.NewString()
	o.Number = FormatNumber(now, seq)
	o.CreatedAt, o.UpdatedAt = now, now
	if err := l.repo.Insert(ctx, *o); err != nil {
		return apperr.Persistence("Error al crear la orden", err)
	}
	return nil
}

func (l *Ledger) AddItems(ctx context.Context, orderID string, items []Item) error {
	for i := range items {
		items[i].OrderID = orderID
	}
	if err := l.repo.InsertItems(ctx, orderID, items); err != nil {
		return apperr.Persistence("Error al crear los items de la orden", err)
	}
	return nil
}

func (l *Ledger) Delete(ctx context.Context, id string) error {
	if err := l.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (Order, error) {
	return l.repo.Get(ctx, id)
}

func (l *Ledger) Items(ctx context.Context, id string) ([]Item, error) {
	return l.repo.Items(ctx, id)
}

func (l *Ledger) SetPreference(ctx context.Context, id, preferenceID string) error {
	_, _, err := l.repo.Mutate(ctx, id, func(o *Order) bool {
		if o.GatewayPreferenceID == preferenceID {
			return false
		}
		o.GatewayPreferenceID = preferenceID
		return true
	})
	return err
}

// MarkStatus moves the order to status when the transition table allows it.
func (l *Ledger) MarkStatus(ctx context.Context, id string, to Status) (Transition, error) {
	var from Status
	o, changed, err := l.repo.Mutate(ctx, id, func(o *Order) bool {
		from = o.Status
		if !CanTransition(o.Status, to) {
			return false
		}
		o.Status = to
		return true
	})
	if err != nil {
		return Transition{}, err
	}
	return Transition{OrderID: id, From: from, To: o.Status, Changed: changed, Order: o}, nil
}

func (l *Ledger) Cancel(ctx context.Context, id string) (Transition, error) {
	return l.MarkStatus(ctx, id, StatusCancelled)
}

// ApplyPayment records the gateway payment and moves the status when the
// transition is allowed. An order the gateway cancelled can still become
// paid; Transition.Revived flags that case. Replaying the same update
// changes nothing.
func (l *Ledger) ApplyPayment(ctx context.Context, id string, upd PaymentUpdate) (Transition, error) {
	var (
		from    Status
		revived bool
	)
	o, changed, err := l.repo.Mutate(ctx, id, func(o *Order) bool {
		from, revived = o.Status, false
		if cancelledByGateway(o) && upd.Status == StatusPending {
			// A retry still in process must not hide why the order was
			// cancelled, or its approval could no longer revive it.
			return false
		}
		dirty := false
		if o.Status != upd.Status {
			switch {
			case CanTransition(o.Status, upd.Status):
				o.Status = upd.Status
				dirty = true
			case cancelledByGateway(o) && upd.Status == StatusPaid:
				o.Status = upd.Status
				revived, dirty = true, true
			}
		}
		if o.GatewayPaymentID != upd.PaymentID || o.GatewayStatus != upd.GatewayStatus {
			o.GatewayPaymentID = upd.PaymentID
			o.GatewayStatus = upd.GatewayStatus
			dirty = true
		}
		return dirty
	})
	if err != nil {
		return Transition{}, err
	}
	return Transition{OrderID: id, From: from, To: o.Status, Changed: changed, Revived: revived && changed, Order: o}, nil
}
