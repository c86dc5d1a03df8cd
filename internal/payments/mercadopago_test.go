package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ariefcatur/go-storefront-checkout/internal/apperr"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func newClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) (*MercadoPago, *prometheus.Registry) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return NewMercadoPago(MercadoPagoConfig{AccessToken: "TEST-token", BaseURL: srv.URL, Timeout: timeout}, m, zaptest.NewLogger(t)), reg
}

func TestCreatePreference(t *testing.T) {
	var got map[string]any
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/checkout/preferences" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer TEST-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"123-pref","init_point":"https://mp/init","sandbox_init_point":"https://sandbox/init"}`)
	}, time.Second)

	pref, err := c.CreatePreference(context.Background(), PreferenceRequest{
		Items:             []Item{{ID: "p1", Title: "Remera", Quantity: 2, UnitPrice: decimal.RequireFromString("100.5"), CurrencyID: "ARS"}},
		Payer:             Payer{Email: "ana@example.com", Phone: "111"},
		AutoReturn:        "approved",
		NotificationURL:   "https://api.example.com/api/webhooks/mercadopago",
		ExternalReference: "order-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if pref.ID != "123-pref" || pref.InitPoint != "https://mp/init" || pref.SandboxInitPoint != "https://sandbox/init" {
		t.Fatalf("pref = %+v", pref)
	}
	items := got["items"].([]any)
	first := items[0].(map[string]any)
	if first["unit_price"].(float64) != 100.5 || first["quantity"].(float64) != 2 {
		t.Fatalf("item = %v", first)
	}
	if got["external_reference"] != "order-1" || got["auto_return"] != "approved" {
		t.Fatalf("body = %v", got)
	}
	if _, ok := got["back_urls"]; ok {
		t.Fatal("empty back urls must be omitted")
	}
}

func TestCreatePaymentSendsIdempotencyKey(t *testing.T) {
	var keys []string
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("X-Idempotency-Key"))
		_, _ = io.WriteString(w, `{"id":5550001,"status":"approved","status_detail":"accredited","external_reference":"order-1","transaction_amount":211}`)
	}, time.Second)

	p, err := c.CreatePayment(context.Background(), PaymentRequest{Amount: decimal.NewFromInt(211), Token: "tok", IdempotencyKey: "fixed"})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "5550001" || p.Status != StatusApproved || !p.Amount.Equal(decimal.NewFromInt(211)) {
		t.Fatalf("payment = %+v", p)
	}
	if _, err := c.CreatePayment(context.Background(), PaymentRequest{Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatal(err)
	}
	if keys[0] != "fixed" || keys[1] == "" || keys[1] == "fixed" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestGetPayment(t *testing.T) {
	c, reg := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/42" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"Payment not found","error":"not_found","status":404}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":42,"status":"in_process","external_reference":"order-9"}`)
	}, time.Second)
	ctx := context.Background()

	p, err := c.GetPayment(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "42" || p.Status != StatusInProcess || p.ExternalReference != "order-9" {
		t.Fatalf("payment = %+v", p)
	}

	_, err = c.GetPayment(ctx, "43")
	var ge *apperr.PaymentGatewayError
	if !errors.As(err, &ge) || ge.StatusCode != http.StatusNotFound || ge.Detail != "Payment not found" {
		t.Fatalf("err = %v", err)
	}
	if apperr.UserMessage(err) == ge.Detail {
		t.Fatal("gateway detail must not reach the user")
	}

	if _, err := c.GetPayment(ctx, " "); !errors.As(err, &ge) {
		t.Fatalf("empty id err = %v", err)
	}

	n, err := testutil.GatherAndCount(reg, "storefront_gateway_request_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("histogram series = %d, want ok+error", n)
	}
}

func TestTimeoutIsGatewayError(t *testing.T) {
	release := make(chan struct{})
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := c.GetPayment(context.Background(), "1")
	var ge *apperr.PaymentGatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(ge.Detail, "timeout") {
		t.Fatalf("detail = %q", ge.Detail)
	}
}

func TestErrorDetailKeepsWholeRunes(t *testing.T) {
	page := "x" + strings.Repeat("ñ", 200)
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, page)
	}, time.Second)

	_, err := c.GetPayment(context.Background(), "1")
	var ge *apperr.PaymentGatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v", err)
	}
	if len(ge.Detail) != 255 || !utf8.ValidString(ge.Detail) {
		t.Fatalf("detail has %d bytes, valid utf8 = %v", len(ge.Detail), utf8.ValidString(ge.Detail))
	}
	if got := truncate("abc", 256); got != "abc" {
		t.Fatalf("short string changed: %q", got)
	}
}
