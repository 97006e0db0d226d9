package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), rdb
}

func TestPersistAddsToFailedSet(t *testing.T) {
	s, rdb := newTestStore(t)
	ctx := context.Background()

	err := s.Persist(ctx, "orders", "orders-worker", "msg-1", 3, []byte(`{"id":1}`), errors.New("boom"))
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}

	members, err := rdb.ZRange(ctx, FailedSetKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}

	var rec record
	if err := json.Unmarshal([]byte(members[0]), &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.MessageID != "msg-1" || rec.Error != "boom" || rec.Attempts != 3 {
		t.Errorf("record = %+v, unexpected fields", rec)
	}
}

func TestDisabledStorePersistIsNoop(t *testing.T) {
	s := Disabled()
	if s.Enabled() {
		t.Fatal("Disabled() store reports Enabled")
	}
	if err := s.Persist(context.Background(), "t", "c", "m", 1, nil, nil); err != nil {
		t.Errorf("Persist on disabled store = %v, want nil", err)
	}
}

func TestIsPersistedMessage(t *testing.T) {
	if !IsPersistedMessage(map[string]any{"recipients": []any{"a"}}) {
		t.Error("expected true for message with recipients field")
	}
	if IsPersistedMessage(map[string]any{"name": "order.created"}) {
		t.Error("expected false for a plain message")
	}
}

func TestIsRouteForChannel(t *testing.T) {
	doc := map[string]any{
		"recipients": map[string]any{
			"orders-worker": []any{"charge-card", "send-receipt"},
		},
	}
	if !IsRouteForChannel(doc, "orders-worker", "charge-card") {
		t.Error("expected match for a route named in recipients[channel]")
	}
	if IsRouteForChannel(doc, "orders-worker", "cancel-order") {
		t.Error("expected no match for a route not named in recipients[channel]")
	}
	if IsRouteForChannel(doc, "refunds-worker", "charge-card") {
		t.Error("expected no match for a different channel")
	}
	if IsRouteForChannel(map[string]any{}, "orders-worker", "charge-card") {
		t.Error("expected no match when recipients field is absent")
	}
}
