package protocol

import (
	"encoding/json"
	"strings"
)

// Message kinds derived from msgtype. DecryptionFailure is synthesized by the
// engine for events the crypto layer could not open; it is not a wire msgtype.
const (
	MsgText  = "m.text"
	MsgImage = "m.image"
	MsgVideo = "m.video"
	MsgAudio = "m.audio"
	MsgFile  = "m.file"
)

// MessageContent is the payload of an m.room.message event.
type MessageContent struct {
	MsgType       string      `json:"msgtype"`
	Body          string      `json:"body"`
	FormattedBody string      `json:"formatted_body,omitempty"`
	NewContent    *NewContent `json:"m.new_content,omitempty"`
	RelatesTo     *RelatesTo  `json:"m.relates_to,omitempty"`
}

// NewContent is the replacement body carried by an edit event.
type NewContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// RelatesTo is the relation descriptor attached to timeline events.
type RelatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event a message replies to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// MemberContent is the payload of an m.room.member state event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
}

// PowerLevelsContent is the payload of an m.room.power_levels state event.
type PowerLevelsContent struct {
	Users        map[string]int `json:"users,omitempty"`
	UsersDefault int            `json:"users_default,omitempty"`
}

// Level returns the effective power level for a user.
func (p *PowerLevelsContent) Level(userID string) int {
	if p == nil {
		return 0
	}
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// NameContent is the payload of an m.room.name state event.
type NameContent struct {
	Name string `json:"name"`
}

// TopicContent is the payload of an m.room.topic state event.
type TopicContent struct {
	Topic string `json:"topic"`
}

// AvatarContent is the payload of an m.room.avatar state event.
type AvatarContent struct {
	URL string `json:"url"`
}

// CreateContent is the payload of an m.room.create state event.
// Type "m.space" marks a space; RoomType "voice" marks a voice channel.
type CreateContent struct {
	Type     string `json:"type,omitempty"`
	RoomType string `json:"io.concord.room_type,omitempty"`
}

// SpaceType is the m.room.create type value for spaces.
const SpaceType = "m.space"

// SpaceChildContent is the payload of an m.space.child edge living in the
// parent space; the referenced child room is the event's state key.
type SpaceChildContent struct {
	Via []string `json:"via,omitempty"`
}

// ChannelAccessContent is the payload of an io.concord.channel_access state
// event: the minimum role level required to view the room. Zero means everyone.
type ChannelAccessContent struct {
	View int `json:"view"`
}

// PresenceContent is the payload of an m.presence ephemeral event.
type PresenceContent struct {
	Presence      string `json:"presence"`
	LastActiveAgo *int64 `json:"last_active_ago,omitempty"`
	StatusMsg     string `json:"status_msg,omitempty"`
}

// TypingContent is the payload of an m.typing ephemeral event.
type TypingContent struct {
	UserIDs []string `json:"user_ids"`
}

// Category is the coarse classification the router dispatches on.
type Category int

const (
	// CategoryUnknown covers event types the engine does not interpret.
	// Unknown events are ignored, never an error.
	CategoryUnknown Category = iota
	CategoryTimeline
	CategoryRedaction
	CategoryRoomState
	CategoryMemberState
	CategoryCallState
	CategoryPresence
	CategoryTyping
)

// Classify maps an event type to its dispatch category.
func Classify(evt *Event) Category {
	if evt == nil {
		return CategoryUnknown
	}
	switch evt.Type {
	case TypeMessage, TypeEncrypted, TypeReaction:
		return CategoryTimeline
	case TypeRedaction:
		return CategoryRedaction
	case TypeRoomName, TypeRoomTopic, TypeRoomAvatar, TypeRoomCreate,
		TypePowerLevels, TypeSpaceChild, TypeChannelAccess:
		return CategoryRoomState
	case TypeRoomMember:
		return CategoryMemberState
	case TypeCallMember, TypeCallMemberLegacy:
		return CategoryCallState
	case TypePresence:
		return CategoryPresence
	case TypeTyping:
		return CategoryTyping
	default:
		return CategoryUnknown
	}
}

// DecodeMessage decodes message content, tolerating extra fields.
func DecodeMessage(raw json.RawMessage) (MessageContent, bool) {
	var c MessageContent
	if len(raw) == 0 || json.Unmarshal(raw, &c) != nil {
		return MessageContent{}, false
	}
	return c, true
}

// Relation extracts the relation descriptor from a timeline event, if any.
// Reply-only descriptors (m.in_reply_to without rel_type) report no relation;
// the reply target is resolved separately by the message projector.
func Relation(evt *Event) (RelatesTo, bool) {
	if evt == nil || len(evt.Content) == 0 {
		return RelatesTo{}, false
	}
	var probe struct {
		RelatesTo *RelatesTo `json:"m.relates_to"`
	}
	if json.Unmarshal(evt.Content, &probe) != nil || probe.RelatesTo == nil {
		return RelatesTo{}, false
	}
	r := *probe.RelatesTo
	if strings.TrimSpace(r.RelType) == "" || strings.TrimSpace(r.EventID) == "" {
		return RelatesTo{}, false
	}
	switch r.RelType {
	case RelReplace, RelThread:
		return r, true
	case RelAnnotation:
		if strings.TrimSpace(r.Key) == "" {
			return RelatesTo{}, false
		}
		return r, true
	default:
		return RelatesTo{}, false
	}
}

// ReplyTarget extracts the in-reply-to event ID from a timeline event, if any.
func ReplyTarget(evt *Event) (string, bool) {
	if evt == nil || len(evt.Content) == 0 {
		return "", false
	}
	var probe struct {
		RelatesTo *RelatesTo `json:"m.relates_to"`
	}
	if json.Unmarshal(evt.Content, &probe) != nil || probe.RelatesTo == nil {
		return "", false
	}
	if probe.RelatesTo.InReplyTo == nil || probe.RelatesTo.InReplyTo.EventID == "" {
		return "", false
	}
	return probe.RelatesTo.InReplyTo.EventID, true
}
