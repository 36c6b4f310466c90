// Package protocol defines the Concord sync-stream contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the engine and the transport so the wire shapes stay
// authoritative: transports decode into these types, the engine never sees raw frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Timeline event types (wire-stable).
const (
	TypeMessage   = "m.room.message"
	TypeEncrypted = "m.room.encrypted"
	TypeReaction  = "m.reaction"
	TypeRedaction = "m.room.redaction"
)

// State event types (wire-stable).
const (
	TypeRoomName      = "m.room.name"
	TypeRoomTopic     = "m.room.topic"
	TypeRoomAvatar    = "m.room.avatar"
	TypeRoomCreate    = "m.room.create"
	TypeRoomMember    = "m.room.member"
	TypePowerLevels   = "m.room.power_levels"
	TypeSpaceChild    = "m.space.child"
	TypeChannelAccess = "io.concord.channel_access"

	// Call membership has shipped under two event types across protocol revisions.
	// Both carry any of the three content formats handled by the reconciler.
	TypeCallMember       = "m.call.member"
	TypeCallMemberLegacy = "org.matrix.msc3401.call.member"
)

// Ephemeral event types (wire-stable).
const (
	TypePresence = "m.presence"
	TypeTyping   = "m.typing"
)

// Relation types carried inside m.relates_to descriptors.
const (
	RelReplace    = "m.replace"
	RelAnnotation = "m.annotation"
	RelThread     = "m.thread"
)

// Direction distinguishes live delivery from history backfill.
type Direction string

const (
	// Forward is live delivery: events append and may trigger notifications.
	Forward Direction = "forward"
	// Backward is history backfill: events prepend and never notify.
	Backward Direction = "backward"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Forward || d == Backward
}

// Event is a single observed protocol event. Immutable once observed;
// the engine derives all mutable state from sequences of events.
type Event struct {
	ID        string          `json:"event_id"`
	RoomID    string          `json:"room_id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	StateKey  *string         `json:"state_key,omitempty"`
	Timestamp int64           `json:"origin_server_ts"`
	Content   json.RawMessage `json:"content"`

	// Redacts is set on m.room.redaction events only.
	Redacts string `json:"redacts,omitempty"`

	// DecryptionFailed is set by the transport when its crypto layer could not
	// produce plaintext content. The event still flows through the engine so the
	// timeline keeps a placeholder slot.
	DecryptionFailed bool `json:"decryption_failed,omitempty"`
}

// IsState reports whether the event is a state event (has a state key).
func (e *Event) IsState() bool {
	return e != nil && e.StateKey != nil
}

// GetStateKey returns the state key or "" for timeline events.
func (e *Event) GetStateKey() string {
	if e == nil || e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Validate performs structural validation for an Event.
// Ephemeral events (presence, typing) are exempt from the room requirement:
// presence is account-scoped and typing envelopes carry the room separately.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("nil event")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	switch e.Type {
	case TypePresence:
		if strings.TrimSpace(e.Sender) == "" {
			return errors.New("missing field: sender")
		}
		return nil
	case TypeTyping:
		if strings.TrimSpace(e.RoomID) == "" {
			return errors.New("missing field: room_id")
		}
		return nil
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: event_id")
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return errors.New("missing field: room_id")
	}
	if strings.TrimSpace(e.Sender) == "" {
		return errors.New("missing field: sender")
	}
	if e.Type == TypeRedaction && strings.TrimSpace(e.Redacts) == "" {
		return errors.New("missing field: redacts")
	}
	return nil
}

// Envelope is the canonical stream wrapper delivered by the transport.
type Envelope struct {
	Event     *Event    `json:"event"`
	RoomID    string    `json:"room_id,omitempty"`
	Direction Direction `json:"direction"`
}

// Validate performs strict structural validation for an Envelope.
func (env Envelope) Validate() error {
	if env.Event == nil {
		return errors.New("missing field: event")
	}
	if !env.Direction.Valid() {
		return fmt.Errorf("unknown direction: %q", env.Direction)
	}
	return env.Event.Validate()
}
