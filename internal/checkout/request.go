package checkout

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type LineRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

type AddressRequest struct {
	Street    string `json:"street" validate:"required"`
	Number    string `json:"number,omitempty"`
	Apartment string `json:"apartment,omitempty"`
	City      string `json:"city" validate:"required"`
	State     string `json:"state" validate:"required"`
	ZipCode   string `json:"zipCode" validate:"required"`
	Country   string `json:"country,omitempty"`
}

type CustomerRequest struct {
	Email           string               `json:"email" validate:"required,email"`
	Name            string               `json:"name" validate:"required"`
	Phone           string               `json:"phone" validate:"required"`
	Address         AddressRequest       `json:"address"`
	PaymentMethod   orders.PaymentMethod `json:"paymentMethod" validate:"required,oneof=mercadopago bank_transfer cash_on_delivery"`
	Notes           string               `json:"notes,omitempty" validate:"max=1000"`
	PaymentProofURL string               `json:"paymentProofUrl,omitempty" validate:"omitempty,url"`
}

// CouponRequest is a coupon already validated by the storefront.
type CouponRequest struct {
	ID             string          `json:"id" validate:"required"`
	Code           string          `json:"code" validate:"required"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

type Request struct {
	Customer CustomerRequest `json:"customer"`
	Items    []LineRequest   `json:"items" validate:"required,min=1,dive"`
	Coupon   *CouponRequest  `json:"coupon,omitempty"`
	// OwnerRef identifies the session or user holding the reservation.
	// The customer email is used when empty.
	OwnerRef string `json:"-"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks shape and business rules. It never touches storage.
func (r *Request) Validate() error {
	r.Customer.Email = strings.TrimSpace(r.Customer.Email)
	if err := validate.Struct(r); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			return translate(ves[0])
		}
		return apperr.Validation("", "Solicitud inválida")
	}
	if r.Coupon != nil && r.Coupon.DiscountAmount.IsNegative() {
		return apperr.Validation("coupon.discountAmount", "El descuento del cupón no puede ser negativo")
	}
	return nil
}

// translate turns the first validator failure into a customer message.
func translate(fe validator.FieldError) *apperr.ValidationError {
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	switch {
	case fe.Field() == "items" && (fe.Tag() == "required" || fe.Tag() == "min"):
		return apperr.Validation(field, "El carrito está vacío")
	case fe.Field() == "quantity":
		return apperr.Validation(field, "La cantidad debe ser mayor a cero")
	case fe.Field() == "email":
		return apperr.Validation(field, "Email inválido")
	case fe.Field() == "paymentMethod" && fe.Tag() == "oneof":
		return apperr.Validation(field, fmt.Sprintf("Método de pago no soportado: %v", fe.Value()))
	case fe.Tag() == "required":
		return apperr.Validation(field, fmt.Sprintf("El campo %s es obligatorio", field))
	default:
		return apperr.Validation(field, fmt.Sprintf("El campo %s es inválido", field))
	}
}

func (c CustomerRequest) customer() orders.Customer {
	return orders.Customer{
		Email:           c.Email,
		Name:            strings.TrimSpace(c.Name),
		Phone:           strings.TrimSpace(c.Phone),
		Notes:           c.Notes,
		PaymentProofURL: c.PaymentProofURL,
	}
}

func (a AddressRequest) address() orders.Address {
	return orders.Address(a)
}
