package engine

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ViewKind selects which derived view a subscriber observes.
type ViewKind string

const (
	ViewSummary  ViewKind = "summary"
	ViewMessages ViewKind = "messages"
	ViewMembers  ViewKind = "members"
	ViewCall     ViewKind = "call"
	ViewPresence ViewKind = "presence"
	ViewTyping   ViewKind = "typing"
)

// Update announces that a view changed. Consumers re-read through the read
// API; updates carry identity, not data, so a dropped update at worst delays
// a refresh.
type Update struct {
	RoomID string
	Kind   ViewKind
	// UserID is set for presence updates, which are account-scoped.
	UserID string
}

const subQueueSize = 16

// Subscription is one registered consumer.
//
// Design notes:
//   - C is never closed by the broker, so concurrent publishers stay
//     panic-safe; Cancel signals shutdown via done instead.
//   - Cancel is idempotent.
type Subscription struct {
	ID   string
	C    <-chan Update
	ch   chan Update
	done chan struct{}
	once sync.Once
	b    *broker
	key  subKey
}

// Cancel unregisters the subscription (idempotent).
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		s.b.remove(s.key, s.ID)
	})
}

type subKey struct {
	roomID string
	kind   ViewKind
}

// broker is the per-engine fanout primitive: subscriptions are keyed by room
// ID and view kind so a consumer observing only room summaries is not woken on
// every chat message elsewhere. Publish never blocks; a full queue drops.
type broker struct {
	mu   sync.RWMutex
	subs map[subKey]map[string]*Subscription
}

func newBroker() *broker {
	return &broker{subs: make(map[subKey]map[string]*Subscription)}
}

// subscribe registers a consumer for (roomID, kind). An empty roomID observes
// the kind across all rooms.
func (b *broker) subscribe(roomID string, kind ViewKind) *Subscription {
	ch := make(chan Update, subQueueSize)
	sub := &Subscription{
		ID:   newSubID(),
		C:    ch,
		ch:   ch,
		done: make(chan struct{}),
		b:    b,
		key:  subKey{roomID: roomID, kind: kind},
	}

	b.mu.Lock()
	m := b.subs[sub.key]
	if m == nil {
		m = make(map[string]*Subscription)
		b.subs[sub.key] = m
	}
	m[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

func (b *broker) remove(key subKey, id string) {
	b.mu.Lock()
	if m := b.subs[key]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
}

// publish fanouts an update to exact-room and all-rooms subscribers.
// Non-blocking: if a consumer queue is full or cancelled, the update is
// dropped rather than stalling the event pipeline.
func (b *broker) publish(u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(b.subs[subKey{roomID: u.RoomID, kind: u.Kind}], u)
	if u.RoomID != "" {
		b.deliver(b.subs[subKey{roomID: "", kind: u.Kind}], u)
	}
}

func (b *broker) deliver(m map[string]*Subscription, u Update) {
	for _, sub := range m {
		select {
		case <-sub.done:
			continue
		default:
		}
		select {
		case sub.ch <- u:
		default:
			// Drop rather than block the pipeline.
		}
	}
}

// newSubID returns a ULID subscription id; sortable ids keep log correlation
// cheap.
func newSubID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "sub-unknown"
	}
	return id.String()
}
