package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"concord/cmd/internal/protocol"
)

// ErrSourceAttached is returned when a second stream source is wired to an
// engine. Double registration would duplicate every side effect, including
// notifications, so it is refused outright.
var ErrSourceAttached = errors.New("engine: source already attached")

// EnvelopeHandler consumes decoded stream envelopes. Batches must be
// delivered whole so that backward batches prepend as a unit instead of
// reversing one event at a time.
type EnvelopeHandler interface {
	HandleEnvelope(env protocol.Envelope)
	HandleEventBatch(events []*protocol.Event, direction protocol.Direction)
}

// Source is the remote-stream collaborator boundary: it delivers
// {event, room, direction} tuples to exactly one attached handler.
type Source interface {
	Attach(h EnvelopeHandler) error
}

// roomState is the engine-owned accumulated state for one room. Projectors
// read it by reference; all mutation funnels through the Engine to keep a
// single writer per room.
type roomState struct {
	id string

	events  map[string]*protocol.Event
	order   []string
	posByID map[string]int
	rels    *RelationIndex

	name      string
	topic     string
	avatarURL string
	create    *protocol.CreateContent
	access    *protocol.ChannelAccessContent
	power     *protocol.PowerLevelsContent

	membership   Membership
	isDM         bool
	inviteSender string

	members map[string]*protocol.MemberContent

	spaceChildren []string
	childSeen     map[string]struct{}

	callEvents map[string]*protocol.Event
	callOrder  []string

	unread       int
	lastActivity int64

	// Projections, swapped wholesale. Readers receive these values directly;
	// writers always allocate fresh backing arrays.
	messages []Message
	summary  RoomSummary

	// gen tags in-flight history loads; a mismatch on completion means the
	// room was rebuilt or torn down and the result must be discarded.
	gen uint64
}

// LookupEvent implements Resolver over the room's locally known events.
func (r *roomState) LookupEvent(eventID string) *protocol.Event {
	return r.events[eventID]
}

// Profile implements Resolver over the room's member state.
func (r *roomState) Profile(userID string) Profile {
	if mc := r.members[userID]; mc != nil {
		return Profile{DisplayName: mc.DisplayName, AvatarURL: mc.AvatarURL}
	}
	return Profile{}
}

// Engine is the top-level event router: it classifies each stream event,
// invokes the appropriate projectors, and publishes the resulting view
// updates to subscribers.
type Engine struct {
	log         *slog.Logger
	sink        Sink
	notifier    Notifier
	history     History
	settingsFn  func() Settings
	focusFn     func() Focus
	localUserID string

	mu        sync.RWMutex
	attached  bool
	rooms     map[string]*roomState
	presence  map[string]PresenceRecord
	typing    map[string][]string
	syncState SyncState

	broker *broker
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink routes observability signals to a custom sink.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithNotifier wires the alert-display collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithHistory wires the backfill collaborator.
func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

// WithSettings supplies the settings snapshot function consulted per
// notification decision.
func WithSettings(fn func() Settings) Option {
	return func(e *Engine) {
		if fn != nil {
			e.settingsFn = fn
		}
	}
}

// WithFocus supplies the viewer focus snapshot function.
func WithFocus(fn func() Focus) Option {
	return func(e *Engine) {
		if fn != nil {
			e.focusFn = fn
		}
	}
}

// New constructs an Engine for the given local user.
func New(log *slog.Logger, localUserID string, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:         log,
		sink:        NopSink{},
		settingsFn:  DefaultSettings,
		focusFn:     func() Focus { return Focus{} },
		localUserID: localUserID,
		rooms:       make(map[string]*roomState),
		presence:    make(map[string]PresenceRecord),
		typing:      make(map[string][]string),
		syncState:   SyncStopped,
		broker:      newBroker(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// AttachSource wires the engine to a remote stream. Attaching twice is
// refused: the guard keeps a double-initialized process from duplicating
// every side effect.
func (e *Engine) AttachSource(src Source) error {
	e.mu.Lock()
	if e.attached {
		e.mu.Unlock()
		return ErrSourceAttached
	}
	e.attached = true
	e.mu.Unlock()

	if err := src.Attach(e); err != nil {
		e.mu.Lock()
		e.attached = false
		e.mu.Unlock()
		return err
	}
	e.log.Info("engine.source.attached")
	return nil
}

// SetSyncState records the remote stream lifecycle state.
func (e *Engine) SetSyncState(st SyncState) {
	e.mu.Lock()
	changed := e.syncState != st
	e.syncState = st
	e.mu.Unlock()
	if changed {
		e.log.Info("engine.sync.state", "state", string(st))
	}
}

// State returns the current stream lifecycle state.
func (e *Engine) State() SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.syncState
}

// HandleEnvelope validates and routes one stream envelope. Malformed events
// are dropped, reported, and never raised to the caller: prior state is
// preserved unchanged.
func (e *Engine) HandleEnvelope(env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		evtType := ""
		if env.Event != nil {
			evtType = env.Event.Type
		}
		e.sink.MalformedEvent(evtType)
		e.log.Warn("engine.event.malformed", "type", evtType, "err", err)
		return
	}
	if env.Direction == protocol.Backward {
		e.HandleEventBatch([]*protocol.Event{env.Event}, protocol.Backward)
		return
	}
	e.HandleEvent(env.Event)
}

// HandleEvent applies one forward-delivered event.
func (e *Engine) HandleEvent(evt *protocol.Event) {
	e.HandleEventBatch([]*protocol.Event{evt}, protocol.Forward)
}

// HandleEventBatch applies a batch of events. Forward batches append in
// delivery order and may trigger notification policy; backward batches
// (history backfill, chronological order) prepend as a unit and never notify.
func (e *Engine) HandleEventBatch(events []*protocol.Event, direction protocol.Direction) {
	var (
		updates       []Update
		notifications []Notification
	)

	e.mu.Lock()
	if direction == protocol.Backward {
		updates = e.applyBackwardLocked(events)
	} else {
		for _, evt := range events {
			u, n := e.applyForwardLocked(evt)
			updates = append(updates, u...)
			notifications = append(notifications, n...)
		}
	}
	e.mu.Unlock()

	for _, u := range dedupeUpdates(updates) {
		e.broker.publish(u)
	}
	for _, n := range notifications {
		e.sink.NotificationFired(n.RoomID)
		if e.notifier != nil {
			e.notifier.Notify(n)
		}
	}
}

func (e *Engine) applyForwardLocked(evt *protocol.Event) ([]Update, []Notification) {
	if err := evt.Validate(); err != nil {
		e.sink.MalformedEvent(eventType(evt))
		e.log.Warn("engine.event.malformed", "type", eventType(evt), "err", err)
		return nil, nil
	}
	e.sink.EventProcessed(evt.Type)

	switch protocol.Classify(evt) {
	case protocol.CategoryTimeline:
		return e.applyTimelineLocked(evt, protocol.Forward)
	case protocol.CategoryRedaction:
		return e.applyRedactionLocked(evt), nil
	case protocol.CategoryRoomState:
		return e.applyRoomStateLocked(evt), nil
	case protocol.CategoryMemberState:
		return e.applyMemberLocked(evt), nil
	case protocol.CategoryCallState:
		return e.applyCallLocked(evt), nil
	case protocol.CategoryPresence:
		return e.applyPresenceLocked(evt), nil
	case protocol.CategoryTyping:
		return e.applyTypingLocked(evt), nil
	default:
		// Unknown and unsupported types are safely ignored.
		e.log.Debug("engine.event.ignored", "type", evt.Type)
		return nil, nil
	}
}

// applyBackwardLocked applies a backfill batch: relation and state events are
// indexed normally, visible messages are prepended as a unit in the batch's
// chronological order. Backfill never notifies and never touches unread.
func (e *Engine) applyBackwardLocked(events []*protocol.Event) []Update {
	var updates []Update
	prepend := make(map[string][]*protocol.Event)

	for _, evt := range events {
		if err := evt.Validate(); err != nil {
			e.sink.MalformedEvent(eventType(evt))
			e.log.Warn("engine.event.malformed", "type", eventType(evt), "err", err)
			continue
		}
		e.sink.EventProcessed(evt.Type)

		if protocol.Classify(evt) != protocol.CategoryTimeline {
			// State and ephemeral events carry no ordering concern; reuse the
			// forward paths (they cannot notify).
			switch protocol.Classify(evt) {
			case protocol.CategoryRedaction:
				updates = append(updates, e.applyRedactionLocked(evt)...)
			case protocol.CategoryRoomState:
				updates = append(updates, e.applyRoomStateLocked(evt)...)
			case protocol.CategoryMemberState:
				updates = append(updates, e.applyMemberLocked(evt)...)
			case protocol.CategoryCallState:
				updates = append(updates, e.applyCallLocked(evt)...)
			}
			continue
		}

		room := e.roomLocked(evt.RoomID)
		if _, dup := room.events[evt.ID]; dup {
			e.sink.DuplicateEvent(evt.Type)
			continue
		}
		room.events[evt.ID] = evt

		if _, isRel := protocol.Relation(evt); isRel {
			delta := room.rels.Apply(evt)
			updates = append(updates, e.reprojectTargetsLocked(room, delta.Changed)...)
			continue
		}

		prepend[room.id] = append(prepend[room.id], evt)
	}

	for roomID, evts := range prepend {
		room := e.rooms[roomID]

		// Project only after the whole batch is indexed, so a relation that
		// follows its target inside the same batch is already visible.
		msgs := make([]Message, 0, len(evts))
		for _, pe := range evts {
			msgs = append(msgs, ProjectMessage(pe, room.rels, room))
		}

		merged := make([]Message, 0, len(msgs)+len(room.messages))
		merged = append(merged, msgs...)
		merged = append(merged, room.messages...)
		room.messages = merged

		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.EventID)
		}
		room.order = append(ids, room.order...)
		room.reindexLocked()

		updates = append(updates, Update{RoomID: roomID, Kind: ViewMessages})
	}
	return updates
}

func (e *Engine) applyTimelineLocked(evt *protocol.Event, direction protocol.Direction) ([]Update, []Notification) {
	room := e.roomLocked(evt.RoomID)

	// Idempotent upsert: the same event delivered twice must not double-append
	// a message or double-count a reaction.
	if _, dup := room.events[evt.ID]; dup {
		e.sink.DuplicateEvent(evt.Type)
		return nil, nil
	}
	room.events[evt.ID] = evt

	if _, isRel := protocol.Relation(evt); isRel {
		delta := room.rels.Apply(evt)
		return e.reprojectTargetsLocked(room, delta.Changed), nil
	}

	msg := ProjectMessage(evt, room.rels, room)

	next := make([]Message, len(room.messages), len(room.messages)+1)
	copy(next, room.messages)
	room.messages = append(next, msg)
	room.posByID[evt.ID] = len(room.order)
	room.order = append(room.order, evt.ID)

	updates := []Update{{RoomID: room.id, Kind: ViewMessages}}

	if evt.Timestamp > room.lastActivity {
		room.lastActivity = evt.Timestamp
	}
	if direction == protocol.Forward && evt.Sender != e.localUserID {
		room.unread++
	}
	e.reprojectSummaryLocked(room)
	updates = append(updates, Update{RoomID: room.id, Kind: ViewSummary})

	var notifications []Notification
	if direction == protocol.Forward {
		settings := e.settingsFn()
		if ShouldNotify(msg, e.localUserID, settings, e.focusFn()) {
			notifications = append(notifications, Notification{
				RoomID:     room.id,
				RoomName:   room.summary.Name,
				SenderName: msg.SenderName,
				Body:       truncate(msg.Body, previewMaxChars),
				Sound:      settings.EnableSounds,
			})
		}
	}
	return updates, notifications
}

func (e *Engine) applyRedactionLocked(evt *protocol.Event) []Update {
	room := e.roomLocked(evt.RoomID)
	delta := room.rels.Redact(evt)
	return e.reprojectTargetsLocked(room, delta.Changed)
}

// reprojectTargetsLocked re-materializes the messages whose relation entries
// changed. Targets not (yet) in the timeline are skipped: the speculative
// index entry resolves when the target arrives.
func (e *Engine) reprojectTargetsLocked(room *roomState, targets []string) []Update {
	changed := false
	for _, id := range targets {
		pos, ok := room.posByID[id]
		if !ok {
			continue
		}
		evt := room.events[id]
		if evt == nil {
			continue
		}
		if !changed {
			next := make([]Message, len(room.messages))
			copy(next, room.messages)
			room.messages = next
			changed = true
		}
		room.messages[pos] = ProjectMessage(evt, room.rels, room)
	}
	if !changed {
		return nil
	}
	return []Update{{RoomID: room.id, Kind: ViewMessages}}
}

func (e *Engine) applyRoomStateLocked(evt *protocol.Event) []Update {
	room := e.roomLocked(evt.RoomID)

	switch evt.Type {
	case protocol.TypeRoomName:
		var c protocol.NameContent
		if !decodeState(evt, &c, e) {
			return nil
		}
		room.name = c.Name
	case protocol.TypeRoomTopic:
		var c protocol.TopicContent
		if !decodeState(evt, &c, e) {
			return nil
		}
		room.topic = c.Topic
	case protocol.TypeRoomAvatar:
		var c protocol.AvatarContent
		if !decodeState(evt, &c, e) {
			return nil
		}
		room.avatarURL = c.URL
	case protocol.TypeRoomCreate:
		var c protocol.CreateContent
		if !decodeState(evt, &c, e) {
			return nil
		}
		room.create = &c
	case protocol.TypeChannelAccess:
		var c protocol.ChannelAccessContent
		if !decodeState(evt, &c, e) {
			return nil
		}
		room.access = &c
	case protocol.TypePowerLevels:
		var c protocol.PowerLevelsContent
		if !decodeState(evt, &c, e) {
			return nil
		}
		room.power = &c
	case protocol.TypeSpaceChild:
		childID := evt.GetStateKey()
		if childID == "" {
			e.sink.MalformedEvent(evt.Type)
			return nil
		}
		if nonEmptyContent(evt.Content) {
			if _, seen := room.childSeen[childID]; !seen {
				room.childSeen[childID] = struct{}{}
				room.spaceChildren = append(room.spaceChildren, childID)
			}
		} else {
			// Empty content tombstones the edge.
			delete(room.childSeen, childID)
			kept := room.spaceChildren[:0]
			for _, id := range room.spaceChildren {
				if id != childID {
					kept = append(kept, id)
				}
			}
			room.spaceChildren = kept
		}
	}

	e.reprojectSummaryLocked(room)
	updates := e.resolveHierarchyLocked()

	if evt.Type == protocol.TypePowerLevels {
		updates = append(updates, Update{RoomID: room.id, Kind: ViewMembers})
	}
	return append(updates, Update{RoomID: room.id, Kind: ViewSummary})
}

func (e *Engine) applyMemberLocked(evt *protocol.Event) []Update {
	room := e.roomLocked(evt.RoomID)
	userID := evt.GetStateKey()
	if userID == "" {
		e.sink.MalformedEvent(evt.Type)
		return nil
	}

	var mc protocol.MemberContent
	if !decodeState(evt, &mc, e) {
		return nil
	}
	room.members[userID] = &mc

	updates := []Update{{RoomID: room.id, Kind: ViewMembers}}

	if userID == e.localUserID {
		switch mc.Membership {
		case "invite":
			room.membership = MembershipInvite
			room.inviteSender = evt.Sender
		case "leave", "ban":
			room.membership = MembershipLeave
		default:
			room.membership = MembershipJoin
			room.inviteSender = ""
		}
		if mc.IsDirect {
			room.isDM = true
		}
		e.reprojectSummaryLocked(room)
		updates = append(updates, Update{RoomID: room.id, Kind: ViewSummary})
	}
	return updates
}

func (e *Engine) applyCallLocked(evt *protocol.Event) []Update {
	room := e.roomLocked(evt.RoomID)
	key := evt.GetStateKey()
	if key == "" {
		e.sink.MalformedEvent(evt.Type)
		return nil
	}
	if _, seen := room.callEvents[key]; !seen {
		room.callOrder = append(room.callOrder, key)
	}
	// Latest state event per key replaces any prior value; participants are
	// recomputed from scratch on read, never diffed.
	room.callEvents[key] = evt
	return []Update{{RoomID: room.id, Kind: ViewCall}}
}

func (e *Engine) applyPresenceLocked(evt *protocol.Event) []Update {
	rec, ok := projectPresence(evt.Sender, evt.Content)
	if !ok {
		e.sink.MalformedEvent(evt.Type)
		return nil
	}
	e.presence[rec.UserID] = rec
	return []Update{{Kind: ViewPresence, UserID: rec.UserID}}
}

func (e *Engine) applyTypingLocked(evt *protocol.Event) []Update {
	set, ok := projectTyping(evt.Content)
	if !ok {
		e.sink.MalformedEvent(evt.Type)
		return nil
	}
	if len(set) == 0 {
		delete(e.typing, evt.RoomID)
	} else {
		e.typing[evt.RoomID] = set
	}
	return []Update{{RoomID: evt.RoomID, Kind: ViewTyping}}
}

func (e *Engine) roomLocked(roomID string) *roomState {
	room := e.rooms[roomID]
	if room == nil {
		room = &roomState{
			id:         roomID,
			events:     make(map[string]*protocol.Event),
			posByID:    make(map[string]int),
			rels:       NewRelationIndex(),
			members:    make(map[string]*protocol.MemberContent),
			childSeen:  make(map[string]struct{}),
			callEvents: make(map[string]*protocol.Event),
			membership: MembershipJoin,
		}
		e.rooms[roomID] = room
		e.reprojectSummaryLocked(room)
	}
	return room
}

func (r *roomState) reindexLocked() {
	r.posByID = make(map[string]int, len(r.order))
	for i, id := range r.order {
		r.posByID[id] = i
	}
}

func (e *Engine) reprojectSummaryLocked(room *roomState) {
	parent := room.summary.ParentSpaceID
	room.summary = ProjectRoom(RoomState{
		RoomID:         room.id,
		Name:           room.name,
		Topic:          room.topic,
		AvatarURL:      room.avatarURL,
		Create:         room.create,
		Access:         room.access,
		Power:          room.power,
		LocalUserID:    e.localUserID,
		Membership:     room.membership,
		IsDM:           room.isDM,
		InviteSender:   room.inviteSender,
		UnreadCount:    room.unread,
		LastActivityTS: room.lastActivity,
	})
	// Hierarchy is resolved in a separate pass; keep the last assignment until
	// the next resolve rather than flickering to top level.
	room.summary.ParentSpaceID = parent
}

// resolveHierarchyLocked runs the second-pass parent-space scan over all
// summaries and reports which rooms changed parent.
func (e *Engine) resolveHierarchyLocked() []Update {
	summaries := make(map[string]*RoomSummary, len(e.rooms))
	before := make(map[string]string, len(e.rooms))
	for id, room := range e.rooms {
		s := room.summary
		s.ParentSpaceID = ""
		summaries[id] = &s
		before[id] = room.summary.ParentSpaceID
	}
	edges := make(map[string][]string, len(e.rooms))
	for id, room := range e.rooms {
		if len(room.spaceChildren) > 0 {
			edges[id] = room.spaceChildren
		}
	}

	ResolveHierarchy(summaries, edges, e.log, e.sink)

	var updates []Update
	for id, s := range summaries {
		if before[id] != s.ParentSpaceID {
			updates = append(updates, Update{RoomID: id, Kind: ViewSummary})
		}
		e.rooms[id].summary = *s
	}
	return updates
}

// ResolveSpaceHierarchy forces a hierarchy pass; exposed for consumers that
// batch-load room state out of band. Idempotent.
func (e *Engine) ResolveSpaceHierarchy() {
	e.mu.Lock()
	updates := e.resolveHierarchyLocked()
	e.mu.Unlock()
	for _, u := range dedupeUpdates(updates) {
		e.broker.publish(u)
	}
}

// MarkRoomRead clears the room's unread counter.
func (e *Engine) MarkRoomRead(roomID string) {
	e.mu.Lock()
	room := e.rooms[roomID]
	if room == nil || room.unread == 0 {
		e.mu.Unlock()
		return
	}
	room.unread = 0
	e.reprojectSummaryLocked(room)
	e.mu.Unlock()
	e.broker.publish(Update{RoomID: roomID, Kind: ViewSummary})
}

// RemoveRoom drops a room and all its views, e.g. after leaving. In-flight
// history loads for the room are invalidated by the generation bump.
func (e *Engine) RemoveRoom(roomID string) {
	e.mu.Lock()
	room := e.rooms[roomID]
	if room == nil {
		e.mu.Unlock()
		return
	}
	room.gen++
	delete(e.rooms, roomID)
	delete(e.typing, roomID)
	updates := e.resolveHierarchyLocked()
	e.mu.Unlock()

	e.broker.publish(Update{RoomID: roomID, Kind: ViewSummary})
	for _, u := range dedupeUpdates(updates) {
		e.broker.publish(u)
	}
}

// ReplaceTimeline rebuilds a room's message list wholesale from the given
// events (chronological order), e.g. after a re-sync. This is the only path
// that deletes previously projected messages.
func (e *Engine) ReplaceTimeline(roomID string, events []*protocol.Event) {
	e.mu.Lock()
	room := e.roomLocked(roomID)
	room.gen++
	room.events = make(map[string]*protocol.Event)
	room.order = nil
	room.messages = nil
	room.rels = NewRelationIndex()
	room.reindexLocked()

	var updates []Update
	for _, evt := range events {
		if err := evt.Validate(); err != nil {
			e.sink.MalformedEvent(eventType(evt))
			continue
		}
		if protocol.Classify(evt) != protocol.CategoryTimeline {
			continue
		}
		if _, dup := room.events[evt.ID]; dup {
			continue
		}
		room.events[evt.ID] = evt
		if _, isRel := protocol.Relation(evt); isRel {
			delta := room.rels.Apply(evt)
			updates = append(updates, e.reprojectTargetsLocked(room, delta.Changed)...)
			continue
		}
		msg := ProjectMessage(evt, room.rels, room)
		room.posByID[evt.ID] = len(room.order)
		room.order = append(room.order, evt.ID)
		next := make([]Message, len(room.messages), len(room.messages)+1)
		copy(next, room.messages)
		room.messages = append(next, msg)
		if evt.Timestamp > room.lastActivity {
			room.lastActivity = evt.Timestamp
		}
	}
	e.reprojectSummaryLocked(room)
	e.mu.Unlock()

	e.broker.publish(Update{RoomID: roomID, Kind: ViewMessages})
	e.broker.publish(Update{RoomID: roomID, Kind: ViewSummary})
}

// ---- Read API ----

// Rooms returns all room summaries ordered by last activity (newest first).
func (e *Engine) Rooms() []RoomSummary {
	e.mu.RLock()
	out := make([]RoomSummary, 0, len(e.rooms))
	for _, room := range e.rooms {
		out = append(out, room.summary)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityTS != out[j].LastActivityTS {
			return out[i].LastActivityTS > out[j].LastActivityTS
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Room returns one room summary.
func (e *Engine) Room(roomID string) (RoomSummary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	room := e.rooms[roomID]
	if room == nil {
		return RoomSummary{}, false
	}
	return room.summary, true
}

// Messages returns the room's ordered message list. The returned slice is an
// immutable snapshot: the engine swaps, never mutates, published slices.
func (e *Engine) Messages(roomID string) []Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	room := e.rooms[roomID]
	if room == nil {
		return nil
	}
	return room.messages
}

// Members returns the room's member list, recomputed wholesale on demand.
func (e *Engine) Members(roomID string) []Member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	room := e.rooms[roomID]
	if room == nil {
		return nil
	}
	return ProjectMembers(room.members, room.power)
}

// CallParticipants reconciles the room's call membership at the given time.
// Never cached: legacy expiry depends on wall clock.
func (e *Engine) CallParticipants(roomID string, now time.Time) []CallParticipant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	room := e.rooms[roomID]
	if room == nil {
		return nil
	}
	events := make([]*protocol.Event, 0, len(room.callOrder))
	for _, key := range room.callOrder {
		if evt := room.callEvents[key]; evt != nil {
			events = append(events, evt)
		}
	}
	return ReconcileCallMembers(events, room, now.UnixMilli())
}

// Presence returns a user's presence record.
func (e *Engine) Presence(userID string) (PresenceRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.presence[userID]
	return rec, ok
}

// Typing returns the room's current typing user set.
func (e *Engine) Typing(roomID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.typing[roomID]
}

// UnreadTotal sums unread counts across joined rooms.
func (e *Engine) UnreadTotal() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, room := range e.rooms {
		if room.summary.Membership == MembershipJoin {
			total += room.unread
		}
	}
	return total
}

// Subscribe registers a change-notification consumer for (roomID, kind).
// An empty roomID observes the kind across all rooms.
func (e *Engine) Subscribe(roomID string, kind ViewKind) *Subscription {
	return e.broker.subscribe(roomID, kind)
}

// ---- helpers ----

func eventType(evt *protocol.Event) string {
	if evt == nil {
		return ""
	}
	return evt.Type
}

func decodeState(evt *protocol.Event, dst any, e *Engine) bool {
	if len(evt.Content) == 0 {
		e.sink.MalformedEvent(evt.Type)
		return false
	}
	if err := json.Unmarshal(evt.Content, dst); err != nil {
		e.sink.MalformedEvent(evt.Type)
		e.log.Warn("engine.state.malformed", "type", evt.Type, "err", err)
		return false
	}
	return true
}

func dedupeUpdates(updates []Update) []Update {
	if len(updates) < 2 {
		return updates
	}
	seen := make(map[Update]struct{}, len(updates))
	out := updates[:0]
	for _, u := range updates {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
