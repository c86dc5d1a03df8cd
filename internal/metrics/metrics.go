package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storefront"

// Metrics groups every collector the service exports. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	checkouts        *prometheus.CounterVec
	checkoutDuration *prometheus.HistogramVec
	gatewayDuration  *prometheus.HistogramVec
	webhooks         *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	projectedEvents  *prometheus.CounterVec
	expired          prometheus.Counter
	unfulfilled      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkout", Name: "total",
			Help: "Checkout attempts by payment method and outcome.",
		}, []string{"method", "outcome"}),
		checkoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "checkout", Name: "duration_seconds",
			Help:    "Checkout processing time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "request_duration_seconds",
			Help:    "Payment gateway call latency by operation and outcome.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "notifications_total",
			Help: "Inbound gateway notifications by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		projectedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "projector", Name: "events_total",
			Help: "Order events handled by the status projector.",
		}, []string{"type", "outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reservations", Name: "expired_total",
			Help: "Reservations marked expired by the sweeper.",
		}),
		unfulfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payments", Name: "unfulfilled_total",
			Help: "Approved payments whose stock could not be secured and need a refund.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.checkouts, m.checkoutDuration, m.gatewayDuration, m.webhooks,
		m.httpRequests, m.httpDuration, m.projectedEvents, m.expired, m.unfulfilled)
	return m
}

func (m *Metrics) Checkout(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(method, outcome).Inc()
	m.checkoutDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) GatewayCall(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(op, outcome).Observe(seconds)
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func (m *Metrics) ProjectedEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.projectedEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Expired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

// Unfulfilled counts an approved payment that could not get its stock.
func (m *Metrics) Unfulfilled(reason string) {
	if m == nil {
		return
	}
	m.unfulfilled.WithLabelValues(reason).Inc()
}
