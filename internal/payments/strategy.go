package payments

import (
	"context"
	"net/url"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
)

// Checkout is what a strategy needs to hand an order off for payment.
type Checkout struct {
	Order orders.Order
	Items []orders.Item
}

// Result is the method-specific part of a checkout response.
type Result struct {
	PreferenceID string
	InitPoint    string
	RedirectURL  string
}

type Strategy interface {
	Method() orders.PaymentMethod
	// InitialStatus is the status the order is created with.
	InitialStatus() orders.Status
	// Online reports whether Initiate calls the gateway.
	Online() bool
	Initiate(ctx context.Context, c Checkout) (Result, error)
}

type Options struct {
	SiteURL      string
	PublicAPIURL string
	Currency     string
	Sandbox      bool
}

type Strategies map[orders.PaymentMethod]Strategy

func NewStrategies(gw Gateway, opts Options) Strategies {
	if opts.Currency == "" {
		opts.Currency = "ARS"
	}
	return Strategies{
		orders.MethodMercadoPago:    &MercadoPagoStrategy{Gateway: gw, Opts: opts},
		orders.MethodBankTransfer:   BankTransferStrategy{SiteURL: opts.SiteURL},
		orders.MethodCashOnDelivery: CashOnDeliveryStrategy{SiteURL: opts.SiteURL},
	}
}

func (s Strategies) For(m orders.PaymentMethod) (Strategy, error) {
	st, ok := s[m]
	if !ok {
		return nil, apperr.Validation("paymentMethod", "Método de pago no soportado: "+string(m))
	}
	return st, nil
}

type MercadoPagoStrategy struct {
	Gateway Gateway
	Opts    Options
}

func (*MercadoPagoStrategy) Method() orders.PaymentMethod { return orders.MethodMercadoPago }
func (*MercadoPagoStrategy) InitialStatus() orders.Status { return orders.StatusPending }
func (*MercadoPagoStrategy) Online() bool                 { return true }

func (s *MercadoPagoStrategy) Initiate(ctx context.Context, c Checkout) (Result, error) {
	pref, err := s.Gateway.CreatePreference(ctx, s.preference(c))
	if err != nil {
		return Result{}, err
	}
	init := pref.InitPoint
	if s.Opts.Sandbox && pref.SandboxInitPoint != "" {
		init = pref.SandboxInitPoint
	}
	return Result{PreferenceID: pref.ID, InitPoint: init}, nil
}

func (s *MercadoPagoStrategy) preference(c Checkout) PreferenceRequest {
	o := c.Order
	req := PreferenceRequest{
		Payer: Payer{Email: o.Customer.Email, Name: o.Customer.Name, Phone: o.Customer.Phone},
		BackURLs: BackURLs{
			Success: s.Opts.SiteURL + "/checkout/success",
			Failure: s.Opts.SiteURL + "/checkout/failure",
			Pending: s.Opts.SiteURL + "/checkout/pending",
		},
		AutoReturn:        "approved",
		NotificationURL:   s.Opts.PublicAPIURL + "/api/webhooks/mercadopago",
		ExternalReference: o.ID,
	}

	// The gateway has no discount field, so a discounted order is charged as
	// one line for the exact total.
	if o.DiscountAmount.IsPositive() {
		req.Items = []Item{{
			ID:         o.ID,
			Title:      "Orden " + o.Number,
			Quantity:   1,
			UnitPrice:  o.Total,
			CurrencyID: s.Opts.Currency,
		}}
		return req
	}

	for _, it := range c.Items {
		title := it.ProductName
		if it.VariantName != "" {
			title += " - " + it.VariantName
		}
		id := it.ProductID
		if it.VariantID != "" {
			id = it.VariantID
		}
		req.Items = append(req.Items, Item{
			ID:         id,
			Title:      title,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			CurrencyID: s.Opts.Currency,
		})
	}
	if o.ShippingCost.IsPositive() {
		req.Items = append(req.Items, Item{
			ID:         "shipping",
			Title:      "Envío",
			Quantity:   1,
			UnitPrice:  o.ShippingCost,
			CurrencyID: s.Opts.Currency,
		})
	}
	return req
}

type BankTransferStrategy struct{ SiteURL string }

func (BankTransferStrategy) Method() orders.PaymentMethod { return orders.MethodBankTransfer }
func (BankTransferStrategy) InitialStatus() orders.Status { return orders.StatusPendingPayment }
func (BankTransferStrategy) Online() bool                 { return false }

func (s BankTransferStrategy) Initiate(_ context.Context, c Checkout) (Result, error) {
	return Result{RedirectURL: s.SiteURL + "/checkout/payment-instructions?order=" + url.QueryEscape(c.Order.ID)}, nil
}

type CashOnDeliveryStrategy struct{ SiteURL string }

func (CashOnDeliveryStrategy) Method() orders.PaymentMethod { return orders.MethodCashOnDelivery }
func (CashOnDeliveryStrategy) InitialStatus() orders.Status { return orders.StatusPending }
func (CashOnDeliveryStrategy) Online() bool                 { return false }

func (s CashOnDeliveryStrategy) Initiate(_ context.Context, c Checkout) (Result, error) {
	return Result{RedirectURL: s.SiteURL + "/checkout/confirmation?order=" + url.QueryEscape(c.Order.ID)}, nil
}
