// Package store persists messages a handler could not process so they can
// be inspected or replayed later, instead of being dropped on the floor.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailedSetKey is the Redis sorted-set key every failed message is added
// to, scored by the time it failed.
const FailedSetKey = "eh:messages:failed"

// Store records failed messages into a Redis sorted set. A Store from
// Disabled, or a nil *Store, makes Persist a no-op, for deployments that
// don't want a failed-message backlog at all.
type Store struct {
	rdb     *redis.Client
	enabled bool
}

// New returns a Store backed by rdb.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, enabled: true}
}

// Disabled returns a Store whose Persist is a no-op. Useful when a
// deployment doesn't have Redis available for this purpose, or chooses
// not to keep a failure backlog.
func Disabled() *Store {
	return &Store{enabled: false}
}

// Enabled reports whether this Store will actually write to Redis.
func (s *Store) Enabled() bool {
	return s != nil && s.enabled
}

// record is the shape persisted to the failed set: the original body plus
// the context of why it failed.
type record struct {
	Topic     string          `json:"topic"`
	Channel   string          `json:"channel"`
	Body      json.RawMessage `json:"body"`
	Error     string          `json:"error"`
	FailedAt  int64           `json:"failed_at"`
	Attempts  uint16          `json:"attempts"`
	MessageID string          `json:"message_id"`
}

// Persist adds body, with its failure context, to the failed-message set.
// It's a no-op on a disabled Store.
func (s *Store) Persist(ctx context.Context, topic, channel, messageID string, attempts uint16, body []byte, cause error) error {
	if !s.Enabled() {
		return nil
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	rec := record{
		Topic:     topic,
		Channel:   channel,
		Body:      json.RawMessage(body),
		Error:     errMsg,
		FailedAt:  time.Now().Unix(),
		Attempts:  attempts,
		MessageID: messageID,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal failed-message record: %w", err)
	}

	return s.rdb.ZAdd(ctx, FailedSetKey, redis.Z{
		Score:  float64(rec.FailedAt),
		Member: payload,
	}).Err()
}

// IsPersistedMessage reports whether doc looks like a recovery redelivery
// (and not an original, unprocessed message) by checking for the
// recipients field a recovery republish adds — the same duck-typed check
// the original message persistor used to avoid re-persisting its own
// recovery traffic.
func IsPersistedMessage(doc map[string]any) bool {
	_, ok := doc["recipients"]
	return ok
}

// IsRouteForChannel reports whether a persisted-redelivery doc's
// recipients[channel] names route — the gate spec.md §4.2/§4.6 step 1
// requires before a matched route is allowed to re-run on redelivery,
// mirroring the original's `_is_route_persisted`/`is_route_message`. A doc
// that isn't a persisted-redelivery at all (no recipients field) never
// reaches this function — callers check IsPersistedMessage first.
func IsRouteForChannel(doc map[string]any, channel, route string) bool {
	recipients, ok := doc["recipients"].(map[string]any)
	if !ok {
		return false
	}
	routes, ok := recipients[channel].([]any)
	if !ok {
		return false
	}
	for _, r := range routes {
		if s, ok := r.(string); ok && s == route {
			return true
		}
	}
	return false
}
