package engine

import (
	"encoding/json"
	"fmt"
	"testing"

	"concord/cmd/internal/protocol"
)

func reactionEvent(id, sender, targetID, key string) *protocol.Event {
	content := fmt.Sprintf(`{"m.relates_to":{"rel_type":"m.annotation","event_id":%q,"key":%q}}`, targetID, key)
	return &protocol.Event{
		ID:      id,
		RoomID:  "!room",
		Type:    protocol.TypeReaction,
		Sender:  sender,
		Content: json.RawMessage(content),
	}
}

func editEvent(id, sender, targetID, newBody string) *protocol.Event {
	content := fmt.Sprintf(`{"msgtype":"m.text","body":"* %s","m.new_content":{"msgtype":"m.text","body":%q},"m.relates_to":{"rel_type":"m.replace","event_id":%q}}`, newBody, newBody, targetID)
	return &protocol.Event{
		ID:      id,
		RoomID:  "!room",
		Type:    protocol.TypeMessage,
		Sender:  sender,
		Content: json.RawMessage(content),
	}
}

func threadReplyEvent(id, sender, rootID string, ts int64) *protocol.Event {
	content := fmt.Sprintf(`{"msgtype":"m.text","body":"reply","m.relates_to":{"rel_type":"m.thread","event_id":%q}}`, rootID)
	return &protocol.Event{
		ID:        id,
		RoomID:    "!room",
		Type:      protocol.TypeMessage,
		Sender:    sender,
		Timestamp: ts,
		Content:   json.RawMessage(content),
	}
}

func redactionEvent(id, redacts string) *protocol.Event {
	return &protocol.Event{
		ID:      id,
		RoomID:  "!room",
		Type:    protocol.TypeRedaction,
		Sender:  "@mod:x",
		Redacts: redacts,
	}
}

func TestRelationIndex_LatestReplacementWins(t *testing.T) {
	t.Parallel()

	ri := NewRelationIndex()
	ri.Apply(editEvent("$e1", "@a:x", "$target", "first edit"))
	ri.Apply(editEvent("$e2", "@a:x", "$target", "second edit"))

	rep := ri.LatestReplacement("$target")
	if rep == nil || rep.ID != "$e2" {
		t.Fatalf("LatestReplacement=%v, want $e2", rep)
	}
}

func TestRelationIndex_SpeculativeIndexing(t *testing.T) {
	t.Parallel()

	// Relations arrive before their target exists anywhere.
	ri := NewRelationIndex()
	delta := ri.Apply(reactionEvent("$r1", "@a:x", "$unseen", "👍"))
	if len(delta.Changed) != 1 || delta.Changed[0] != "$unseen" {
		t.Fatalf("delta=%+v, want changed [$unseen]", delta)
	}

	got := ri.Reactions("$unseen")
	if len(got) != 1 || got[0].Key != "👍" || got[0].Count != 1 {
		t.Fatalf("Reactions=%+v, want one 👍", got)
	}
}

func TestRelationIndex_AnnotationDedupe(t *testing.T) {
	t.Parallel()

	ri := NewRelationIndex()
	ri.Apply(reactionEvent("$r1", "@a:x", "$t", "👍"))
	delta := ri.Apply(reactionEvent("$r2", "@a:x", "$t", "👍"))
	if len(delta.Changed) != 0 {
		t.Fatalf("duplicate (key, sender) must produce an empty delta, got %+v", delta)
	}

	got := ri.Reactions("$t")
	if len(got) != 1 || got[0].Count != 1 {
		t.Fatalf("Reactions=%+v, want single 👍 with count 1", got)
	}

	// Redacting the deduplicated duplicate must not drop the kept annotation.
	ri.Redact(redactionEvent("$x1", "$r2"))
	got = ri.Reactions("$t")
	if len(got) != 1 || got[0].Count != 1 {
		t.Fatalf("after redacting duplicate: Reactions=%+v, want count 1", got)
	}

	// Redacting the kept annotation removes it.
	ri.Redact(redactionEvent("$x2", "$r1"))
	if got := ri.Reactions("$t"); len(got) != 0 {
		t.Fatalf("after redacting kept annotation: Reactions=%+v, want empty", got)
	}
}

func TestRelationIndex_ReactionsFirstSeenKeyOrder(t *testing.T) {
	t.Parallel()

	ri := NewRelationIndex()
	ri.Apply(reactionEvent("$r1", "@a:x", "$t", "🎉"))
	ri.Apply(reactionEvent("$r2", "@b:x", "$t", "👍"))
	ri.Apply(reactionEvent("$r3", "@c:x", "$t", "🎉"))

	got := ri.Reactions("$t")
	if len(got) != 2 {
		t.Fatalf("Reactions=%+v, want two keys", got)
	}
	if got[0].Key != "🎉" || got[0].Count != 2 {
		t.Fatalf("first key=%+v, want 🎉 count 2", got[0])
	}
	if got[1].Key != "👍" || got[1].Count != 1 {
		t.Fatalf("second key=%+v, want 👍 count 1", got[1])
	}
	if got[0].Senders[0] != "@a:x" || got[0].Senders[1] != "@c:x" {
		t.Fatalf("senders=%v, want arrival order", got[0].Senders)
	}
}

func TestRelationIndex_RedactTarget(t *testing.T) {
	t.Parallel()

	ri := NewRelationIndex()
	delta := ri.Redact(redactionEvent("$x", "$msg"))
	if len(delta.Changed) != 1 || delta.Changed[0] != "$msg" {
		t.Fatalf("delta=%+v, want changed [$msg]", delta)
	}
	if !ri.IsRedacted("$msg") {
		t.Fatalf("IsRedacted($msg)=false, want true")
	}
	if ri.IsRedacted("$other") {
		t.Fatalf("IsRedacted($other)=true, want false")
	}
}

func TestRelationIndex_Thread(t *testing.T) {
	t.Parallel()

	ri := NewRelationIndex()
	if got := ri.Thread("$root"); got != nil {
		t.Fatalf("Thread on unknown target=%+v, want nil", got)
	}

	ri.Apply(threadReplyEvent("$t1", "@a:x", "$root", 100))
	ri.Apply(threadReplyEvent("$t2", "@b:x", "$root", 300))
	ri.Apply(threadReplyEvent("$t3", "@c:x", "$root", 200))

	got := ri.Thread("$root")
	if got == nil || got.ReplyCount != 3 || got.LastReplyTS != 300 {
		t.Fatalf("Thread=%+v, want 3 replies last ts 300", got)
	}
}

func TestRelationIndex_NonRelationEventIgnored(t *testing.T) {
	t.Parallel()

	ri := NewRelationIndex()
	plain := &protocol.Event{
		ID:      "$m1",
		RoomID:  "!room",
		Type:    protocol.TypeMessage,
		Sender:  "@a:x",
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hello"}`),
	}
	delta := ri.Apply(plain)
	if len(delta.Changed) != 0 {
		t.Fatalf("plain message delta=%+v, want empty", delta)
	}
}
