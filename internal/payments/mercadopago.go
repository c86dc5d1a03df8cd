package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.mercadopago.com"

type MercadoPagoConfig struct {
	AccessToken string
	BaseURL     string
	Timeout     time.Duration
}

// MercadoPago is a small REST client covering preferences and payments.
type MercadoPago struct {
	baseURL string
	token   string
	hc      *http.Client
	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     *zap.Logger
}

func NewMercadoPago(cfg MercadoPagoConfig, m *metrics.Metrics, log *zap.Logger) *MercadoPago {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MercadoPago{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		hc:      &http.Client{Timeout: cfg.Timeout},
		metrics: m,
		tracer:  otel.Tracer("storefront.payments"),
		log:     log,
	}
}

type mpItem struct {
	ID         string      `json:"id,omitempty"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id,omitempty"`
}

type mpPhone struct {
	Number string `json:"number,omitempty"`
}

type mpPayer struct {
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
	Phone *mpPhone `json:"phone,omitempty"`
}

type mpBackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type mpPreferenceRequest struct {
	Items             []mpItem    `json:"items"`
	Payer             *mpPayer    `json:"payer,omitempty"`
	BackURLs          *mpBackURLs `json:"back_urls,omitempty"`
	AutoReturn        string      `json:"auto_return,omitempty"`
	NotificationURL   string      `json:"notification_url,omitempty"`
	ExternalReference string      `json:"external_reference,omitempty"`
}

type mpPreference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type mpPaymentRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	Token             string      `json:"token,omitempty"`
	Description       string      `json:"description,omitempty"`
	Installments      int         `json:"installments,omitempty"`
	PaymentMethodID   string      `json:"payment_method_id,omitempty"`
	Payer             *mpPayer    `json:"payer,omitempty"`
	ExternalReference string      `json:"external_reference,omitempty"`
}

type mpPayment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
}

func (p mpPayment) toPayment() Payment {
	return Payment{
		ID:                p.ID.String(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		Amount:            p.TransactionAmount,
	}
}

func number(d decimal.Decimal) json.Number { return json.Number(d.StringFixed(2)) }

func (c *MercadoPago) CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error) {
	body := mpPreferenceRequest{
		Items:             make([]mpItem, 0, len(req.Items)),
		AutoReturn:        req.AutoReturn,
		NotificationURL:   req.NotificationURL,
		ExternalReference: req.ExternalReference,
	}
	for _, it := range req.Items {
		body.Items = append(body.Items, mpItem{
			ID:         it.ID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  number(it.UnitPrice),
			CurrencyID: it.CurrencyID,
		})
	}
	if req.Payer != (Payer{}) {
		body.Payer = &mpPayer{Email: req.Payer.Email, Name: req.Payer.Name}
		if req.Payer.Phone != "" {
			body.Payer.Phone = &mpPhone{Number: req.Payer.Phone}
		}
	}
	if req.BackURLs != (BackURLs{}) {
		body.BackURLs = &mpBackURLs{Success: req.BackURLs.Success, Failure: req.BackURLs.Failure, Pending: req.BackURLs.Pending}
	}

	var out mpPreference
	if err := c.do(ctx, "create_preference", http.MethodPost, "/checkout/preferences", body, "", &out); err != nil {
		return Preference{}, err
	}
	if out.ID == "" {
		return Preference{}, &apperr.PaymentGatewayError{Op: "create_preference", Detail: "response without preference id"}
	}
	return Preference{ID: out.ID, InitPoint: out.InitPoint, SandboxInitPoint: out.SandboxInitPoint}, nil
}

func (c *MercadoPago) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	body := mpPaymentRequest{
		TransactionAmount: number(req.Amount),
		Token:             req.Token,
		Description:       req.Description,
		Installments:      req.Installments,
		PaymentMethodID:   req.PaymentMethodID,
		ExternalReference: req.ExternalReference,
	}
	if req.PayerEmail != "" {
		body.Payer = &mpPayer{Email: req.PayerEmail}
	}
	var out mpPayment
	if err := c.do(ctx, "create_payment", http.MethodPost, "/v1/payments", body, key, &out); err != nil {
		return Payment{}, err
	}
	return out.toPayment(), nil
}

func (c *MercadoPago) GetPayment(ctx context.Context, id string) (Payment, error) {
	if strings.TrimSpace(id) == "" {
		return Payment{}, &apperr.PaymentGatewayError{Op: "get_payment", Detail: "empty payment id"}
	}
	var out mpPayment
	if err := c.do(ctx, "get_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, "", &out); err != nil {
		return Payment{}, err
	}
	return out.toPayment(), nil
}

// do performs one JSON call. Every failure, including timeouts, comes back
// as *apperr.PaymentGatewayError.
func (c *MercadoPago) do(ctx context.Context, op, method, path string, in any, idemKey string, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "mercadopago."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("gateway.op", op)))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, op)
			c.log.Warn("gateway call failed", zap.String("op", op), zap.Error(err))
		}
		span.End()
		c.metrics.GatewayCall(op, outcome, time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &apperr.PaymentGatewayError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &apperr.PaymentGatewayError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		detail := "transport error"
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			detail = "timeout"
		}
		return &apperr.PaymentGatewayError{Op: op, Detail: detail, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &apperr.PaymentGatewayError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.PaymentGatewayError{Op: op, StatusCode: resp.StatusCode, Detail: gatewayMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &apperr.PaymentGatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// gatewayMessage pulls "message" out of an error body, or returns a prefix
// of the raw body.
func gatewayMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && (e.Message != "" || e.Error != "") {
		if e.Message == "" {
			return e.Error
		}
		return e.Message
	}
	return truncate(strings.TrimSpace(string(raw)), 256)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
