package stream

import (
	"context"
	"errors"
	"sort"
	"sync"

	"concord/cmd/internal/protocol"
)

const memMaxEventsPerRoom = 10_000

// InMemoryStore is the fallback EventStore when no database is configured.
// It keeps a bounded, timestamp-ordered event cache per room.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seen   map[string]struct{}
	events []*protocol.Event // ordered by timestamp ASC
}

// NewInMemoryStore constructs an in-memory EventStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rooms: make(map[string]*memRoom)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Record caches one event, keeping per-room timestamp order and dedupe by ID.
func (s *InMemoryStore) Record(ctx context.Context, evt *protocol.Event) error {
	if evt == nil || evt.ID == "" || evt.RoomID == "" {
		return errors.New("stream: invalid event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[evt.RoomID]
	if r == nil {
		r = &memRoom{
			seen:   make(map[string]struct{}),
			events: make([]*protocol.Event, 0, 256),
		}
		s.rooms[evt.RoomID] = r
	}

	if _, dup := r.seen[evt.ID]; dup {
		return nil
	}
	r.seen[evt.ID] = struct{}{}

	// Insert keeping timestamp order; most appends land at the tail.
	pos := sort.Search(len(r.events), func(i int) bool {
		return r.events[i].Timestamp > evt.Timestamp
	})
	r.events = append(r.events, nil)
	copy(r.events[pos+1:], r.events[pos:])
	r.events[pos] = evt

	// Bound memory, dropping the oldest events first.
	if len(r.events) > memMaxEventsPerRoom {
		drop := r.events[:len(r.events)-memMaxEventsPerRoom]
		for _, d := range drop {
			delete(r.seen, d.ID)
		}
		r.events = r.events[len(drop):]
	}
	return nil
}

// FetchOlder returns up to limit events older than beforeTS in chronological order.
func (s *InMemoryStore) FetchOlder(ctx context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error) {
	if roomID == "" {
		return nil, errors.New("stream: missing room id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	r := s.rooms[roomID]
	var snap []*protocol.Event
	if r != nil {
		snap = append([]*protocol.Event(nil), r.events...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return nil, nil
	}

	end := sort.Search(len(snap), func(i int) bool {
		return snap[i].Timestamp >= beforeTS
	})
	start := end - limit
	if start < 0 {
		start = 0
	}
	return snap[start:end], nil
}
