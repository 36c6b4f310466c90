package engine

// Sink receives engine observability signals. Malformed events are dropped and
// reported here, never raised to the stream loop; the worst outcome of a bad
// event is one stale view, never a stopped engine.
type Sink interface {
	EventProcessed(eventType string)
	MalformedEvent(eventType string)
	DuplicateEvent(eventType string)
	ParentConflict(roomID string)
	NotificationFired(roomID string)
}

// NopSink discards all signals.
type NopSink struct{}

func (NopSink) EventProcessed(string)    {}
func (NopSink) MalformedEvent(string)    {}
func (NopSink) DuplicateEvent(string)    {}
func (NopSink) ParentConflict(string)    {}
func (NopSink) NotificationFired(string) {}
