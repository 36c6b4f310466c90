// Package stream contains Concord's remote event stream client and the
// local event history stores used for timeline backfill.
package stream

import (
	"context"

	"concord/cmd/internal/protocol"
)

// EventStore persists timeline events for later backfill and serves the
// engine's older-history fetches.
type EventStore interface {
	// Record caches one timeline event. Recording the same event ID twice is
	// a no-op.
	Record(ctx context.Context, evt *protocol.Event) error

	// FetchOlder returns up to limit timeline events for the room, all with a
	// timestamp strictly below beforeTS, in chronological order.
	FetchOlder(ctx context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error)

	Close() error
}
