// Package payments talks to the payment gateway and turns an order into a
// payment hand-off, one strategy per payment method.
package payments

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway statuses reported by MercadoPago for a payment.
const (
	StatusApproved    = "approved"
	StatusPending     = "pending"
	StatusInProcess   = "in_process"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusRefunded    = "refunded"
	StatusChargedBack = "charged_back"
)

type Item struct {
	ID         string
	Title      string
	Quantity   int
	UnitPrice  decimal.Decimal
	CurrencyID string
}

type Payer struct {
	Email string
	Name  string
	Phone string
}

type BackURLs struct {
	Success string
	Failure string
	Pending string
}

type PreferenceRequest struct {
	Items             []Item
	Payer             Payer
	BackURLs          BackURLs
	AutoReturn        string
	NotificationURL   string
	ExternalReference string
}

type Preference struct {
	ID               string
	InitPoint        string
	SandboxInitPoint string
}

type PaymentRequest struct {
	Amount            decimal.Decimal
	Token             string
	Description       string
	Installments      int
	PaymentMethodID   string
	PayerEmail        string
	ExternalReference string
	// IdempotencyKey is sent as X-Idempotency-Key; generated when empty.
	IdempotencyKey string
}

type Payment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	Amount            decimal.Decimal
}

// Gateway is the vendor-neutral view of the payment provider.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
}
