package orders

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher hands an encoded event to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Emitter publishes order events. Publishing is best effort: the order is
// already committed, so failures are logged and never returned.
type Emitter struct {
	pub     Publisher
	service string
	log     *zap.Logger
}

func NewEmitter(pub Publisher, service string, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{pub: pub, service: service, log: log}
}

func (e *Emitter) OrderCreated(ctx context.Context, o Order, items []Item) {
	p := OrderCreatedPayload{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Status:        o.Status,
		PaymentMethod: string(o.PaymentMethod),
		CustomerEmail: o.Customer.Email,
		Total:         o.Total.StringFixed(2),
		Items:         make([]ItemQty, 0, len(items)),
	}
	for _, it := range items {
		p.Items = append(p.Items, ItemQty{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Qty:       it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
		})
	}
	e.emit(ctx, TopicOrderCreated, EventOrderCreated, o.ID, p)
}

func (e *Emitter) StatusChanged(ctx context.Context, t Transition) {
	if !t.Changed {
		return
	}
	e.emit(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, t.OrderID, OrderStatusChangedPayload{
		OrderID:          t.OrderID,
		OrderNumber:      t.Order.Number,
		From:             t.From,
		To:               t.To,
		GatewayPaymentID: t.Order.GatewayPaymentID,
		GatewayStatus:    t.Order.GatewayStatus,
	})
}

func (e *Emitter) emit(ctx context.Context, topic, eventType, orderID string, payload any) {
	if e == nil || e.pub == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("encode event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.service,
		CorrelationID: orderID,
		Payload:       body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	value, err := json.Marshal(env)
	if err != nil {
		e.log.Error("encode event envelope", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	headers := map[string]string{
		"x-event-type":    eventType,
		"x-event-version": strconv.Itoa(env.EventVersion),
	}
	if err := e.pub.Publish(ctx, topic, PartitionKey(orderID), value, headers); err != nil {
		e.log.Warn("publish order event",
			zap.String("event_type", eventType),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}
