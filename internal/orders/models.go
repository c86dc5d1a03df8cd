package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodMercadoPago    PaymentMethod = "mercadopago"
	MethodBankTransfer   PaymentMethod = "bank_transfer"
	MethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMercadoPago, MethodBankTransfer, MethodCashOnDelivery:
		return true
	}
	return false
}

type Customer struct {
	Email           string `json:"email"`
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Notes           string `json:"notes,omitempty"`
	PaymentProofURL string `json:"paymentProofUrl,omitempty"`
}

// Address is a snapshot; later edits to the customer's address book do not
// reach existing orders.
type Address struct {
	Street    string `json:"street"`
	Number    string `json:"number,omitempty"`
	Apartment string `json:"apartment,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
	Country   string `json:"country,omitempty"`
}

type Order struct {
	ID                  string
	Number              string
	Status              Status
	Customer            Customer
	Address             Address
	Subtotal            decimal.Decimal
	ShippingCost        decimal.Decimal
	DiscountAmount      decimal.Decimal
	Total               decimal.Decimal
	PaymentMethod       PaymentMethod
	CouponCode          string
	GatewayPreferenceID string
	GatewayPaymentID    string
	GatewayStatus       string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Item is the price and name snapshot taken at purchase time.
type Item struct {
	OrderID     string
	ProductID   string
	VariantID   string
	ProductName string
	VariantName string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
}

// NewItem builds a snapshot line with TotalPrice = UnitPrice × Quantity.
func NewItem(productID, variantID, productName, variantName string, qty int, unit decimal.Decimal) Item {
	return Item{
		ProductID:   productID,
		VariantID:   variantID,
		ProductName: productName,
		VariantName: variantName,
		Quantity:    qty,
		UnitPrice:   unit,
		TotalPrice:  unit.Mul(decimal.NewFromInt(int64(qty))),
	}
}

// Totals computes subtotal and total. The discount is clamped to
// [0, subtotal].
func Totals(items []Item, shipping, discount decimal.Decimal) (subtotal, appliedDiscount, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.TotalPrice)
	}
	appliedDiscount = discount
	if appliedDiscount.IsNegative() {
		appliedDiscount = decimal.Zero
	}
	if appliedDiscount.GreaterThan(subtotal) {
		appliedDiscount = subtotal
	}
	total = subtotal.Add(shipping).Sub(appliedDiscount)
	return subtotal, appliedDiscount, total
}

// Transition reports what a status update did.
type Transition struct {
	OrderID string
	From    Status
	To      Status
	Changed bool
	// Revived marks a gateway-cancelled order that a later payment moved
	// to paid. Its reservations were released and must be taken again.
	Revived bool
	Order   Order
}

// PaymentUpdate is the gateway's view of an order's payment.
type PaymentUpdate struct {
	PaymentID     string
	GatewayStatus string
	Status        Status
}
