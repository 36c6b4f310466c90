package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"concord/cmd/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSink counts observability signals per kind.
type recordSink struct {
	mu         sync.Mutex
	processed  int
	malformed  int
	duplicates int
	conflicts  int
	notified   int
}

func (s *recordSink) EventProcessed(string) { s.mu.Lock(); s.processed++; s.mu.Unlock() }
func (s *recordSink) MalformedEvent(string) { s.mu.Lock(); s.malformed++; s.mu.Unlock() }
func (s *recordSink) DuplicateEvent(string) { s.mu.Lock(); s.duplicates++; s.mu.Unlock() }
func (s *recordSink) ParentConflict(string) { s.mu.Lock(); s.conflicts++; s.mu.Unlock() }
func (s *recordSink) NotificationFired(string) {
	s.mu.Lock()
	s.notified++
	s.mu.Unlock()
}

func (s *recordSink) counts() (processed, malformed, duplicates, conflicts, notified int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.malformed, s.duplicates, s.conflicts, s.notified
}

// recordNotifier captures fired notifications.
type recordNotifier struct {
	mu    sync.Mutex
	fired []Notification
}

func (n *recordNotifier) Notify(notif Notification) {
	n.mu.Lock()
	n.fired = append(n.fired, notif)
	n.mu.Unlock()
}

func (n *recordNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.fired...)
}

func stateEvent(id, roomID, evtType, sender, stateKey, content string, ts int64) *protocol.Event {
	return &protocol.Event{
		ID:        id,
		RoomID:    roomID,
		Type:      evtType,
		Sender:    sender,
		StateKey:  &stateKey,
		Timestamp: ts,
		Content:   json.RawMessage(content),
	}
}

func roomTextEvent(id, roomID, sender, body string, ts int64) *protocol.Event {
	content, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return &protocol.Event{
		ID:        id,
		RoomID:    roomID,
		Type:      protocol.TypeMessage,
		Sender:    sender,
		Timestamp: ts,
		Content:   content,
	}
}

func messageBodies(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func TestEngine_ForwardAppendAndUnread(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	e := New(testLogger(), "@me:x", WithSink(sink))

	e.HandleEvent(roomTextEvent("$m1", "!r", "@other:x", "one", 100))
	e.HandleEvent(roomTextEvent("$m2", "!r", "@me:x", "two", 200))

	msgs := e.Messages("!r")
	if got := messageBodies(msgs); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Fatalf("bodies=%v", got)
	}

	room, ok := e.Room("!r")
	if !ok {
		t.Fatalf("room not tracked")
	}
	// Only the remote sender's message counts as unread.
	if room.UnreadCount != 1 {
		t.Fatalf("UnreadCount=%d, want 1", room.UnreadCount)
	}
	if room.LastActivityTS != 200 {
		t.Fatalf("LastActivityTS=%d, want 200", room.LastActivityTS)
	}

	processed, _, _, _, _ := sink.counts()
	if processed != 2 {
		t.Fatalf("processed=%d, want 2", processed)
	}
}

func TestEngine_DuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	e := New(testLogger(), "@me:x", WithSink(sink))

	evt := roomTextEvent("$m1", "!room", "@other:x", "hello", 100)
	e.HandleEvent(evt)
	e.HandleEvent(evt)

	if got := len(e.Messages("!room")); got != 1 {
		t.Fatalf("messages=%d, want 1", got)
	}
	room, _ := e.Room("!room")
	if room.UnreadCount != 1 {
		t.Fatalf("UnreadCount=%d, want 1", room.UnreadCount)
	}
	if _, _, dups, _, _ := sink.counts(); dups != 1 {
		t.Fatalf("duplicates=%d, want 1", dups)
	}

	// Duplicate reactions must not double-count either.
	react := reactionEvent("$r1", "@other:x", "$m1", "👍")
	e.HandleEvent(react)
	e.HandleEvent(react)
	msgs := e.Messages("!room")
	if len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].Count != 1 {
		t.Fatalf("Reactions=%+v, want single 👍 x1", msgs[0].Reactions)
	}
}

func TestEngine_OutOfOrderEditResolvesOnArrival(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	// The edit arrives before the message it replaces.
	e.HandleEvent(editEvent("$e1", "@a:x", "$m1", "corrected"))
	if got := len(e.Messages("!room")); got != 0 {
		t.Fatalf("edit alone projected %d messages, want 0", got)
	}

	e.HandleEvent(textEvent("$m1", "@a:x", "typo'd", 100))
	msgs := e.Messages("!room")
	if len(msgs) != 1 {
		t.Fatalf("messages=%d, want 1", len(msgs))
	}
	if !msgs[0].Edited || msgs[0].Body != "corrected" {
		t.Fatalf("msg=%+v, want edited body %q", msgs[0], "corrected")
	}
}

func TestEngine_RedactionClearsMessage(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	e.HandleEvent(roomTextEvent("$m1", "!r", "@a:x", "regrettable", 100))
	e.HandleEvent(&protocol.Event{
		ID: "$x1", RoomID: "!r", Type: protocol.TypeRedaction, Sender: "@mod:x", Redacts: "$m1",
	})

	msgs := e.Messages("!r")
	if len(msgs) != 1 || !msgs[0].Redacted || msgs[0].Body != "" {
		t.Fatalf("msgs=%+v, want single redacted message", msgs)
	}
}

func TestEngine_BackfillPrependsWithoutUnread(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	e.HandleEvent(roomTextEvent("$m3", "!r", "@other:x", "three", 300))

	e.HandleEventBatch([]*protocol.Event{
		roomTextEvent("$m1", "!r", "@other:x", "one", 100),
		roomTextEvent("$m2", "!r", "@other:x", "two", 200),
	}, protocol.Backward)

	if got := messageBodies(e.Messages("!r")); !reflect.DeepEqual(got, []string{"one", "two", "three"}) {
		t.Fatalf("bodies=%v, want [one two three]", got)
	}
	room, _ := e.Room("!r")
	if room.UnreadCount != 1 {
		t.Fatalf("UnreadCount=%d, want 1 (backfill must not count)", room.UnreadCount)
	}
}

func TestEngine_BackfillRelationAfterTargetInSameBatch(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	// The relation follows its target inside one backward batch. The
	// prepended projection must already reflect it.
	e.HandleEventBatch([]*protocol.Event{
		textEvent("$m1", "@a:x", "first", 100),
		reactionEvent("$r1", "@b:x", "$m1", "👍"),
		textEvent("$m2", "@a:x", "second", 200),
		editEvent("$e1", "@a:x", "$m2", "second, edited"),
	}, protocol.Backward)

	msgs := e.Messages("!room")
	if len(msgs) != 2 {
		t.Fatalf("messages=%d, want 2", len(msgs))
	}
	if len(msgs[0].Reactions) != 1 || msgs[0].Reactions[0].Count != 1 {
		t.Fatalf("reactions=%+v, want one 👍 with count 1", msgs[0].Reactions)
	}
	if !msgs[1].Edited || msgs[1].Body != "second, edited" {
		t.Fatalf("msg=%+v, want edited body", msgs[1])
	}
}

func TestEngine_BackfillNeverNotifies(t *testing.T) {
	t.Parallel()

	notifier := &recordNotifier{}
	e := New(testLogger(), "@me:x", WithNotifier(notifier))

	e.HandleEventBatch([]*protocol.Event{
		roomTextEvent("$m1", "!r", "@other:x", "old news", 100),
	}, protocol.Backward)

	if fired := notifier.all(); len(fired) != 0 {
		t.Fatalf("notifications=%v, want none for backfill", fired)
	}
}

func TestEngine_NotificationPolicy(t *testing.T) {
	t.Parallel()

	notifier := &recordNotifier{}
	sink := &recordSink{}
	focus := Focus{}
	var focusMu sync.Mutex
	e := New(testLogger(), "@me:x",
		WithNotifier(notifier),
		WithSink(sink),
		WithFocus(func() Focus {
			focusMu.Lock()
			defer focusMu.Unlock()
			return focus
		}),
	)

	e.HandleEvent(stateEvent("$n1", "!r", protocol.TypeRoomName, "@admin:x", "", `{"name":"Ops"}`, 1))

	// Own message: suppressed.
	e.HandleEvent(roomTextEvent("$m1", "!r", "@me:x", "mine", 100))
	// Remote message while unfocused: fires.
	e.HandleEvent(roomTextEvent("$m2", "!r", "@other:x", "ping", 200))

	fired := notifier.all()
	if len(fired) != 1 {
		t.Fatalf("notifications=%d, want 1", len(fired))
	}
	if fired[0].RoomID != "!r" || fired[0].RoomName != "Ops" || fired[0].Body != "ping" {
		t.Fatalf("notification=%+v", fired[0])
	}
	if _, _, _, _, notified := sink.counts(); notified != 1 {
		t.Fatalf("sink notified=%d, want 1", notified)
	}

	// Viewing the room with focus: suppressed.
	focusMu.Lock()
	focus = Focus{HasFocus: true, ViewedRoomID: "!r"}
	focusMu.Unlock()
	e.HandleEvent(roomTextEvent("$m3", "!r", "@other:x", "again", 300))
	if got := notifier.all(); len(got) != 1 {
		t.Fatalf("notifications=%d, want still 1", len(got))
	}
}

func TestEngine_MalformedEnvelopeDropped(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	e := New(testLogger(), "@me:x", WithSink(sink))

	e.HandleEnvelope(protocol.Envelope{Direction: protocol.Forward})
	e.HandleEnvelope(protocol.Envelope{
		Event:     roomTextEvent("$m1", "!r", "@a:x", "hi", 1),
		Direction: "sideways",
	})
	e.HandleEnvelope(protocol.Envelope{
		Event:     &protocol.Event{Type: protocol.TypeMessage, RoomID: "!r"},
		Direction: protocol.Forward,
	})

	if _, malformed, _, _, _ := sink.counts(); malformed != 3 {
		t.Fatalf("malformed=%d, want 3", malformed)
	}
	if got := len(e.Messages("!r")); got != 0 {
		t.Fatalf("messages=%d, want 0", got)
	}
}

func TestEngine_RoomStateProjection(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	e.HandleEvent(stateEvent("$c1", "!r", protocol.TypeRoomCreate, "@admin:x", "", `{"io.concord.room_type":"voice"}`, 1))
	e.HandleEvent(stateEvent("$n1", "!r", protocol.TypeRoomName, "@admin:x", "", `{"name":"Standup"}`, 2))
	e.HandleEvent(stateEvent("$t1", "!r", protocol.TypeRoomTopic, "@admin:x", "", `{"topic":"daily"}`, 3))
	e.HandleEvent(stateEvent("$a1", "!r", protocol.TypeChannelAccess, "@admin:x", "", `{"view":25}`, 4))
	e.HandleEvent(stateEvent("$p1", "!r", protocol.TypePowerLevels, "@admin:x", "", `{"users":{"@me:x":50}}`, 5))

	room, ok := e.Room("!r")
	if !ok {
		t.Fatalf("room not tracked")
	}
	if room.Kind != RoomKindVoice || room.Name != "Standup" || room.Topic != "daily" {
		t.Fatalf("summary=%+v", room)
	}
	if room.AccessFloor != 25 || room.MyRoleLevel != 50 {
		t.Fatalf("access=%d role=%d", room.AccessFloor, room.MyRoleLevel)
	}
}

func TestEngine_SpaceHierarchy(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	e.HandleEvent(stateEvent("$c1", "!space", protocol.TypeRoomCreate, "@admin:x", "", `{"type":"m.space"}`, 1))
	e.HandleEvent(roomTextEvent("$m1", "!child", "@a:x", "hi", 2))
	e.HandleEvent(stateEvent("$e1", "!space", protocol.TypeSpaceChild, "@admin:x", "!child", `{"via":["x"]}`, 3))

	child, _ := e.Room("!child")
	if child.ParentSpaceID != "!space" {
		t.Fatalf("ParentSpaceID=%q, want !space", child.ParentSpaceID)
	}

	// Tombstoning the edge detaches the child.
	e.HandleEvent(stateEvent("$e2", "!space", protocol.TypeSpaceChild, "@admin:x", "!child", `{}`, 4))
	child, _ = e.Room("!child")
	if child.ParentSpaceID != "" {
		t.Fatalf("ParentSpaceID=%q, want detached", child.ParentSpaceID)
	}
}

func TestEngine_MemberStateAndInvite(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	e.HandleEvent(stateEvent("$j1", "!r", protocol.TypeRoomMember, "@other:x", "@other:x",
		`{"membership":"join","displayname":"Other"}`, 1))
	e.HandleEvent(stateEvent("$i1", "!dm", protocol.TypeRoomMember, "@friend:x", "@me:x",
		`{"membership":"invite","is_direct":true}`, 2))

	members := e.Members("!r")
	if len(members) != 1 || members[0].DisplayName != "Other" {
		t.Fatalf("members=%+v", members)
	}

	dm, _ := e.Room("!dm")
	if dm.Membership != MembershipInvite || dm.InviteSender != "@friend:x" || !dm.IsDM {
		t.Fatalf("dm summary=%+v", dm)
	}

	// Accepting the invite clears the invite sender.
	e.HandleEvent(stateEvent("$j2", "!dm", protocol.TypeRoomMember, "@me:x", "@me:x",
		`{"membership":"join"}`, 3))
	dm, _ = e.Room("!dm")
	if dm.Membership != MembershipJoin || dm.InviteSender != "" {
		t.Fatalf("after join: %+v", dm)
	}
}

func TestEngine_CallParticipants(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	e.HandleEvent(stateEvent("$c1", "!voice", protocol.TypeCallMember, "@a:x", "_@a:x_DEV1",
		`{"application":"m.call"}`, 1))
	e.HandleEvent(stateEvent("$c2", "!voice", protocol.TypeCallMember, "@b:x", "@b:x",
		`{"memberships":[{"call_id":"c","device_id":"D","created_ts":1000,"expires":60000}]}`, 1))

	got := e.CallParticipants("!voice", time.UnixMilli(2_000))
	if ids := participantIDs(got); !reflect.DeepEqual(ids, []string{"@a:x", "@b:x"}) {
		t.Fatalf("participants=%v", ids)
	}

	// The expiring membership drops out as the clock advances; the state-keyed
	// one stays.
	got = e.CallParticipants("!voice", time.UnixMilli(120_000))
	if ids := participantIDs(got); !reflect.DeepEqual(ids, []string{"@a:x"}) {
		t.Fatalf("participants=%v, want [@a:x]", ids)
	}

	// A leave (empty content) under the same key removes the participant.
	e.HandleEvent(stateEvent("$c3", "!voice", protocol.TypeCallMember, "@a:x", "_@a:x_DEV1", `{}`, 2))
	if got := e.CallParticipants("!voice", time.UnixMilli(2_000)); len(got) != 1 {
		t.Fatalf("participants=%+v, want only @b:x", got)
	}
}

func TestEngine_PresenceAndTyping(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	e.HandleEvent(&protocol.Event{
		Type: protocol.TypePresence, Sender: "@a:x",
		Content: json.RawMessage(`{"presence":"online","last_active_ago":5000}`),
	})
	rec, ok := e.Presence("@a:x")
	if !ok || rec.Status != PresenceOnline || rec.LastActive != 5*time.Second {
		t.Fatalf("presence=%+v,%v", rec, ok)
	}

	e.HandleEvent(&protocol.Event{
		Type: protocol.TypeTyping, RoomID: "!r",
		Content: json.RawMessage(`{"user_ids":["@a:x"]}`),
	})
	if got := e.Typing("!r"); !reflect.DeepEqual(got, []string{"@a:x"}) {
		t.Fatalf("typing=%v", got)
	}

	e.HandleEvent(&protocol.Event{
		Type: protocol.TypeTyping, RoomID: "!r",
		Content: json.RawMessage(`{"user_ids":[]}`),
	})
	if got := e.Typing("!r"); len(got) != 0 {
		t.Fatalf("typing=%v, want cleared", got)
	}
}

func TestEngine_MarkRoomReadAndUnreadTotal(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	e.HandleEvent(roomTextEvent("$m1", "!a", "@other:x", "one", 100))
	e.HandleEvent(roomTextEvent("$m2", "!b", "@other:x", "two", 200))
	e.HandleEvent(roomTextEvent("$m3", "!b", "@other:x", "three", 300))

	if got := e.UnreadTotal(); got != 3 {
		t.Fatalf("UnreadTotal=%d, want 3", got)
	}

	e.MarkRoomRead("!b")
	if got := e.UnreadTotal(); got != 1 {
		t.Fatalf("UnreadTotal=%d, want 1 after read", got)
	}
	room, _ := e.Room("!b")
	if room.UnreadCount != 0 {
		t.Fatalf("UnreadCount=%d, want 0", room.UnreadCount)
	}

	// Rooms the user has left do not count.
	e.HandleEvent(stateEvent("$l1", "!a", protocol.TypeRoomMember, "@me:x", "@me:x",
		`{"membership":"leave"}`, 400))
	if got := e.UnreadTotal(); got != 0 {
		t.Fatalf("UnreadTotal=%d, want 0 after leaving", got)
	}
}

func TestEngine_RoomsSortedByActivity(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	e.HandleEvent(roomTextEvent("$m1", "!old", "@a:x", "hi", 100))
	e.HandleEvent(roomTextEvent("$m2", "!new", "@a:x", "hi", 900))
	e.HandleEvent(roomTextEvent("$m3", "!mid", "@a:x", "hi", 500))

	rooms := e.Rooms()
	ids := make([]string, 0, len(rooms))
	for _, r := range rooms {
		ids = append(ids, r.RoomID)
	}
	if !reflect.DeepEqual(ids, []string{"!new", "!mid", "!old"}) {
		t.Fatalf("order=%v", ids)
	}
}

func TestEngine_RemoveRoom(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	e.HandleEvent(roomTextEvent("$m1", "!r", "@a:x", "hi", 100))
	e.HandleEvent(&protocol.Event{
		Type: protocol.TypeTyping, RoomID: "!r",
		Content: json.RawMessage(`{"user_ids":["@a:x"]}`),
	})

	e.RemoveRoom("!r")
	if _, ok := e.Room("!r"); ok {
		t.Fatalf("room still tracked after removal")
	}
	if got := e.Typing("!r"); len(got) != 0 {
		t.Fatalf("typing=%v, want cleared", got)
	}

	// Removing an unknown room is a no-op.
	e.RemoveRoom("!absent")
}

func TestEngine_ReplaceTimeline(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	e.HandleEvent(roomTextEvent("$m1", "!r", "@a:x", "stale", 100))

	e.ReplaceTimeline("!r", []*protocol.Event{
		roomTextEvent("$m2", "!r", "@a:x", "fresh one", 200),
		editEvent("$e1", "@a:x", "$m2", "fresh one, edited"),
		roomTextEvent("$m3", "!r", "@a:x", "fresh two", 300),
	})

	got := messageBodies(e.Messages("!r"))
	if !reflect.DeepEqual(got, []string{"fresh one, edited", "fresh two"}) {
		t.Fatalf("bodies=%v", got)
	}
}

func TestEngine_AttachSourceOnce(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")

	ok := sourceFunc(func(EnvelopeHandler) error { return nil })
	if err := e.AttachSource(ok); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := e.AttachSource(ok); !errors.Is(err, ErrSourceAttached) {
		t.Fatalf("second attach err=%v, want ErrSourceAttached", err)
	}
}

func TestEngine_AttachSourceRollsBackOnError(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	boom := errors.New("dial failed")

	failing := sourceFunc(func(EnvelopeHandler) error { return boom })
	if err := e.AttachSource(failing); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want dial failure", err)
	}

	// A failed attach must not burn the slot.
	ok := sourceFunc(func(EnvelopeHandler) error { return nil })
	if err := e.AttachSource(ok); err != nil {
		t.Fatalf("attach after failure: %v", err)
	}
}

type sourceFunc func(EnvelopeHandler) error

func (f sourceFunc) Attach(h EnvelopeHandler) error { return f(h) }

func TestEngine_SubscriptionReceivesUpdates(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	sub := e.Subscribe("!r", ViewMessages)
	defer sub.Cancel()

	e.HandleEvent(roomTextEvent("$m1", "!r", "@a:x", "hi", 100))

	select {
	case u := <-sub.C:
		if u.RoomID != "!r" || u.Kind != ViewMessages {
			t.Fatalf("update=%+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}
}

func TestEngine_SyncState(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	if got := e.State(); got != SyncStopped {
		t.Fatalf("initial state=%q", got)
	}
	e.SetSyncState(SyncPrepared)
	if got := e.State(); got != SyncPrepared {
		t.Fatalf("state=%q, want prepared", got)
	}
}

// historyFunc adapts a function to the History interface.
type historyFunc func(ctx context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error)

func (f historyFunc) FetchOlder(ctx context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error) {
	return f(ctx, roomID, beforeTS, limit)
}

func TestEngine_LoadOlder(t *testing.T) {
	t.Parallel()

	history := historyFunc(func(_ context.Context, roomID string, beforeTS int64, limit int) ([]*protocol.Event, error) {
		if roomID != "!r" {
			t.Fatalf("roomID=%q", roomID)
		}
		if beforeTS != 300 {
			t.Fatalf("beforeTS=%d, want oldest visible message ts", beforeTS)
		}
		return []*protocol.Event{
			roomTextEvent("$m1", "!r", "@a:x", "one", 100),
			roomTextEvent("$m2", "!r", "@a:x", "two", 200),
		}, nil
	})

	e := New(testLogger(), "@me:x", WithHistory(history))
	e.HandleEvent(roomTextEvent("$m3", "!r", "@a:x", "three", 300))

	n, err := e.LoadOlder(context.Background(), "!r", 10)
	if err != nil {
		t.Fatalf("LoadOlder: %v", err)
	}
	if n != 2 {
		t.Fatalf("applied=%d, want 2", n)
	}
	if got := messageBodies(e.Messages("!r")); !reflect.DeepEqual(got, []string{"one", "two", "three"}) {
		t.Fatalf("bodies=%v", got)
	}
}

func TestEngine_LoadOlderErrors(t *testing.T) {
	t.Parallel()

	e := New(testLogger(), "@me:x")
	if _, err := e.LoadOlder(context.Background(), "!r", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("err=%v, want ErrNoHistory", err)
	}

	boom := errors.New("network down")
	e = New(testLogger(), "@me:x", WithHistory(historyFunc(
		func(context.Context, string, int64, int) ([]*protocol.Event, error) {
			return nil, boom
		},
	)))
	if _, err := e.LoadOlder(context.Background(), "!r", 10); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("err=%v, want ErrUnknownRoom", err)
	}

	e.HandleEvent(roomTextEvent("$m1", "!r", "@a:x", "hi", 100))
	if _, err := e.LoadOlder(context.Background(), "!r", 10); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped fetch failure", err)
	}
	if got := len(e.Messages("!r")); got != 1 {
		t.Fatalf("messages=%d, want timeline untouched on failure", got)
	}
}

func TestEngine_LoadOlderGenerationStale(t *testing.T) {
	t.Parallel()

	var e *Engine
	history := historyFunc(func(_ context.Context, roomID string, _ int64, _ int) ([]*protocol.Event, error) {
		// The timeline is rebuilt while the fetch is in flight.
		e.ReplaceTimeline(roomID, []*protocol.Event{
			roomTextEvent("$m9", roomID, "@a:x", "rebuilt", 900),
		})
		return []*protocol.Event{
			roomTextEvent("$m1", roomID, "@a:x", "old", 100),
		}, nil
	})

	e = New(testLogger(), "@me:x", WithHistory(history))
	e.HandleEvent(roomTextEvent("$m5", "!r", "@a:x", "live", 500))

	if _, err := e.LoadOlder(context.Background(), "!r", 10); !errors.Is(err, ErrGenerationStale) {
		t.Fatalf("err=%v, want ErrGenerationStale", err)
	}
	if got := messageBodies(e.Messages("!r")); !reflect.DeepEqual(got, []string{"rebuilt"}) {
		t.Fatalf("bodies=%v, want stale batch discarded", got)
	}
}
