package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"concord/cmd/internal/protocol"
)

// History fetches older timeline events for a room, returned in chronological
// order, all strictly older than beforeTS.
type History interface {
	FetchOlder(ctx context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error)
}

var (
	// ErrNoHistory means the engine has no backfill collaborator wired.
	ErrNoHistory = errors.New("engine: no history source configured")

	// ErrUnknownRoom means the requested room is not tracked.
	ErrUnknownRoom = errors.New("engine: unknown room")

	// ErrGenerationStale means the room was rebuilt or removed while the
	// history fetch was in flight; the fetched batch was discarded.
	ErrGenerationStale = errors.New("engine: room generation changed during backfill")
)

// LoadOlder fetches up to limit older messages for the room and prepends them
// to the timeline. The fetch runs outside the engine lock; if the room's
// timeline was rebuilt or the room removed in the meantime, the result is
// discarded and ErrGenerationStale returned. Transport failures leave the
// existing timeline untouched.
//
// Returns the number of timeline events applied.
func (e *Engine) LoadOlder(ctx context.Context, roomID string, limit int) (int, error) {
	if e.history == nil {
		return 0, ErrNoHistory
	}
	if limit <= 0 {
		limit = 50
	}

	e.mu.RLock()
	room := e.rooms[roomID]
	if room == nil {
		e.mu.RUnlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	gen := room.gen
	beforeTS := int64(math.MaxInt64)
	if len(room.messages) > 0 {
		beforeTS = room.messages[0].Timestamp
	}
	e.mu.RUnlock()

	events, err := e.history.FetchOlder(ctx, roomID, beforeTS, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch older events for %s: %w", roomID, err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	room = e.rooms[roomID]
	if room == nil || room.gen != gen {
		e.mu.Unlock()
		return 0, ErrGenerationStale
	}
	updates := e.applyBackwardLocked(events)
	e.mu.Unlock()

	for _, u := range dedupeUpdates(updates) {
		e.broker.publish(u)
	}
	return len(events), nil
}
