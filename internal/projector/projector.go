// Package projector keeps the order status read model in Redis up to date
// from the order event stream.
package projector

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type StatusCache interface {
	SetOrderStatus(ctx context.Context, orderID string, status orders.Status) error
	Get(ctx context.Context, orderID string) (redisx.StatusEntry, bool, error)
}

type Deduper interface {
	First(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Service struct {
	Cache   StatusCache
	Dedup   Deduper
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Topics the projector subscribes to.
func Topics() []string {
	return []string{orders.TopicOrderCreated, orders.TopicOrderStatusChanged}
}

// Handle projects one message. Malformed and already seen events are
// acknowledged. Cache failures un-mark the event and are returned; the
// consumer then retries the same message before moving past its offset.
func (s *Service) Handle(ctx context.Context, m kafka.Message) error {
	ev, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		s.Log.Warn("drop malformed event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		s.Metrics.ProjectedEvent(kafkax.Header(m, "x-event-type"), "invalid")
		return nil
	}

	ctx, span := otel.Tracer("storefront.projector").Start(ctx, "projector.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", ev.EventType), attribute.String("event.id", ev.EventID))

	first, err := s.Dedup.First(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", ev.EventID, err)
	}
	if !first {
		s.Metrics.ProjectedEvent(ev.EventType, "duplicate")
		return nil
	}

	if err := s.apply(ctx, ev); err != nil {
		if ferr := s.Dedup.Forget(ctx, ev.EventID); ferr != nil {
			s.Log.Warn("forget event", zap.String("event_id", ev.EventID), zap.Error(ferr))
		}
		span.RecordError(err)
		s.Metrics.ProjectedEvent(ev.EventType, "error")
		return err
	}
	s.Metrics.ProjectedEvent(ev.EventType, "applied")
	return nil
}

func (s *Service) apply(ctx context.Context, ev orders.Envelope) error {
	switch ev.EventType {
	case orders.EventOrderCreated:
		p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](ev.Payload)
		if err != nil {
			s.Log.Warn("drop event", zap.String("event_id", ev.EventID), zap.Error(err))
			return nil
		}
		// A status change can overtake the creation event across topics.
		if _, ok, err := s.Cache.Get(ctx, p.OrderID); err != nil {
			return err
		} else if ok {
			return nil
		}
		return s.Cache.SetOrderStatus(ctx, p.OrderID, p.Status)

	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](ev.Payload)
		if err != nil {
			s.Log.Warn("drop event", zap.String("event_id", ev.EventID), zap.Error(err))
			return nil
		}
		s.Log.Info("order status changed",
			zap.String("order_id", p.OrderID),
			zap.String("from", string(p.From)),
			zap.String("to", string(p.To)))
		return s.Cache.SetOrderStatus(ctx, p.OrderID, p.To)

	default:
		s.Log.Debug("ignore event", zap.String("event_type", ev.EventType))
		return nil
	}
}
