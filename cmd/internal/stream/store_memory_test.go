package stream

import (
	"context"
	"fmt"
	"testing"

	"concord/cmd/internal/protocol"
)

func storeEvent(id, roomID string, ts int64) *protocol.Event {
	return &protocol.Event{
		ID:        id,
		RoomID:    roomID,
		Type:      protocol.TypeMessage,
		Sender:    "@a:x",
		Timestamp: ts,
	}
}

func eventIDs(events []*protocol.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestInMemoryStore_RecordAndFetchOlder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()

	// Recorded out of order; the store keeps timestamp order.
	for _, evt := range []*protocol.Event{
		storeEvent("$m3", "!r", 300),
		storeEvent("$m1", "!r", 100),
		storeEvent("$m2", "!r", 200),
	} {
		if err := s.Record(ctx, evt); err != nil {
			t.Fatalf("Record(%s): %v", evt.ID, err)
		}
	}

	got, err := s.FetchOlder(ctx, "!r", 300, 10)
	if err != nil {
		t.Fatalf("FetchOlder: %v", err)
	}
	ids := eventIDs(got)
	if len(ids) != 2 || ids[0] != "$m1" || ids[1] != "$m2" {
		t.Fatalf("ids=%v, want [$m1 $m2]", ids)
	}

	// Limit keeps the newest of the older events.
	got, err = s.FetchOlder(ctx, "!r", 300, 1)
	if err != nil {
		t.Fatalf("FetchOlder: %v", err)
	}
	if ids := eventIDs(got); len(ids) != 1 || ids[0] != "$m2" {
		t.Fatalf("ids=%v, want [$m2]", ids)
	}
}

func TestInMemoryStore_RecordDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()

	evt := storeEvent("$m1", "!r", 100)
	if err := s.Record(ctx, evt); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, evt); err != nil {
		t.Fatalf("duplicate Record: %v", err)
	}

	got, err := s.FetchOlder(ctx, "!r", 200, 10)
	if err != nil {
		t.Fatalf("FetchOlder: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events=%d, want 1", len(got))
	}
}

func TestInMemoryStore_RecordRejectsInvalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()

	if err := s.Record(ctx, nil); err == nil {
		t.Fatalf("nil event must be rejected")
	}
	if err := s.Record(ctx, &protocol.Event{ID: "$m1"}); err == nil {
		t.Fatalf("missing room id must be rejected")
	}
	if err := s.Record(ctx, &protocol.Event{RoomID: "!r"}); err == nil {
		t.Fatalf("missing event id must be rejected")
	}
}

func TestInMemoryStore_FetchOlderEmptyAndUnknownRoom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()

	got, err := s.FetchOlder(ctx, "!absent", 100, 10)
	if err != nil {
		t.Fatalf("FetchOlder: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("events=%v, want none", got)
	}

	if _, err := s.FetchOlder(ctx, "", 100, 10); err == nil {
		t.Fatalf("missing room id must be rejected")
	}
}

func TestInMemoryStore_RoomsAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()

	if err := s.Record(ctx, storeEvent("$a1", "!a", 100)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, storeEvent("$b1", "!b", 100)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.FetchOlder(ctx, "!a", 200, 10)
	if err != nil {
		t.Fatalf("FetchOlder: %v", err)
	}
	if ids := eventIDs(got); len(ids) != 1 || ids[0] != "$a1" {
		t.Fatalf("ids=%v, want [$a1]", ids)
	}
}

func TestInMemoryStore_BoundDropsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()

	total := memMaxEventsPerRoom + 10
	for i := 0; i < total; i++ {
		evt := storeEvent(fmt.Sprintf("$m%d", i), "!r", int64(i))
		if err := s.Record(ctx, evt); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.FetchOlder(ctx, "!r", int64(total), total)
	if err != nil {
		t.Fatalf("FetchOlder: %v", err)
	}
	if len(got) != memMaxEventsPerRoom {
		t.Fatalf("events=%d, want bound %d", len(got), memMaxEventsPerRoom)
	}
	if got[0].ID != "$m10" {
		t.Fatalf("oldest=%s, want $m10 after eviction", got[0].ID)
	}

	// Evicted IDs may be recorded again.
	if err := s.Record(ctx, storeEvent("$m0", "!r", 0)); err != nil {
		t.Fatalf("re-Record evicted: %v", err)
	}
}

func TestInMemoryStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewInMemoryStore()

	if err := s.Record(ctx, storeEvent("$m1", "!r", 100)); err == nil {
		t.Fatalf("Record with cancelled context must fail")
	}
	if _, err := s.FetchOlder(ctx, "!r", 100, 10); err == nil {
		t.Fatalf("FetchOlder with cancelled context must fail")
	}
}
