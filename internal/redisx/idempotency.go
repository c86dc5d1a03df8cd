package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const inFlight = "in-flight"

// ErrInFlight means another request with the same key has not finished.
var ErrInFlight = errors.New("idempotent request still in flight")

// Record is a response kept for replay. BodyHash identifies the request
// that produced it.
type Record struct {
	Status   int             `json:"status"`
	Body     json.RawMessage `json:"body"`
	BodyHash string          `json:"bodyHash,omitempty"`
}

// Matches reports whether a request with bodyHash may replay the record.
// Records stored without a hash match anything.
func (r *Record) Matches(bodyHash string) bool {
	return r.BodyHash == "" || r.BodyHash == bodyHash
}

// IdempotencyStore lets a client retry POST /api/checkout without creating a
// second order.
type IdempotencyStore struct {
	rdb redis.Cmdable
}

func NewIdempotencyStore(rdb redis.Cmdable) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb}
}

// Claim marks key as in flight. When the key was already used it returns the
// stored record, or ErrInFlight while the first request is still running.
func (s *IdempotencyStore) Claim(ctx context.Context, key string) (*Record, error) {
	k := fmt.Sprintf(KeyIdemCheckout, key)
	ok, err := s.rdb.SetNX(ctx, k, inFlight, TTLInFlight).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Claim(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	if string(raw) == inFlight {
		return nil, ErrInFlight
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Save stores the final response for key.
func (s *IdempotencyStore) Save(ctx context.Context, key string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, fmt.Sprintf(KeyIdemCheckout, key), b, TTLIdempotency).Err()
}

// Release drops the claim so the request can be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, fmt.Sprintf(KeyIdemCheckout, key)).Err()
}
