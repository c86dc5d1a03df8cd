package kafka

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/segmentio/kafka-go"
)

var ErrNoEventID = errors.New("event envelope without event_id")

// DecodeEnvelope reads the order event envelope carried by m. The
// x-event-type header fills in a missing event type.
func DecodeEnvelope(m kafka.Message) (orders.Envelope, error) {
	var ev orders.Envelope
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode envelope: %w", err)
	}
	if ev.EventID == "" {
		return ev, ErrNoEventID
	}
	if ev.EventType == "" {
		ev.EventType = Header(m, "x-event-type")
	}
	return ev, nil
}

// UnwrapPayload decodes the payload of an envelope into its concrete type.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
