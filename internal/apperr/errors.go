// Package apperr holds the error taxonomy shared by checkout, inventory,
// orders and payments. Each type carries a message that is safe to show to
// the customer; internal detail stays in the wrapped error.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	msgPaymentFailed = "Error al procesar el pago. Por favor intenta nuevamente."
	msgInternal      = "Error interno. Por favor intenta nuevamente."
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func Validation(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// Shortfall is one line that cannot be satisfied.
type Shortfall struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Name      string `json:"name"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func (s Shortfall) String() string {
	name := s.Name
	if name == "" {
		name = s.ProductID
	}
	return fmt.Sprintf("Stock insuficiente para %s. Disponible: %d, Solicitado: %d", name, s.Available, s.Requested)
}

type StockUnavailableError struct {
	Items []Shortfall
}

func (e *StockUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, it.String())
	}
	return strings.Join(parts, "; ")
}

type NotFoundError struct {
	Entity string // producto | variante | orden
	ID     string
}

func (e *NotFoundError) Error() string {
	switch e.Entity {
	case "variante":
		return "Variante no encontrada: " + e.ID
	case "orden":
		return "Orden no encontrada: " + e.ID
	default:
		return "Producto no encontrado: " + e.ID
	}
}

func ProductNotFound(id string) *NotFoundError { return &NotFoundError{Entity: "producto", ID: id} }
func VariantNotFound(id string) *NotFoundError { return &NotFoundError{Entity: "variante", ID: id} }
func OrderNotFound(id string) *NotFoundError   { return &NotFoundError{Entity: "orden", ID: id} }

type PersistenceError struct {
	Message string
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(msg string, err error) *PersistenceError {
	return &PersistenceError{Message: msg, Err: err}
}

// PaymentGatewayError describes a failed or rejected gateway call. Detail
// holds whatever the gateway answered and must only be logged.
type PaymentGatewayError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *PaymentGatewayError) Error() string {
	var b strings.Builder
	b.WriteString("payment gateway ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PaymentGatewayError) Unwrap() error { return e.Err }

// UserMessage returns the text a customer may see for err.
func UserMessage(err error) string {
	var (
		ve *ValidationError
		se *StockUnavailableError
		ne *NotFoundError
		pe *PersistenceError
		ge *PaymentGatewayError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Message
	case errors.As(err, &se):
		return se.Error()
	case errors.As(err, &ne):
		return ne.Error()
	case errors.As(err, &pe):
		return pe.Message
	case errors.As(err, &ge):
		return msgPaymentFailed
	default:
		return msgInternal
	}
}

func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		se *StockUnavailableError
		ne *NotFoundError
		ge *PaymentGatewayError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ne):
		return http.StatusNotFound
	case errors.As(err, &se):
		return http.StatusConflict
	case errors.As(err, &ge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
