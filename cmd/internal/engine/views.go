// Package engine is the Concord projection core: it ingests the sync stream's
// out-of-order, possibly duplicated protocol events and maintains queryable
// derived views (messages, room summaries, members, call participants,
// presence) for the presentation layer.
//
// Design notes:
//   - All mutation funnels through the Engine (single writer per room).
//   - Published views are whole-value swaps: a reader sees a view entirely
//     before or entirely after an update, never a partial projection.
//   - No operation here blocks on network or disk I/O.
package engine

import (
	"time"

	"concord/cmd/internal/protocol"
)

// KindUndecryptable is the message kind surfaced when the crypto layer could
// not open an event. It is a distinguished kind, not an error, so the
// rendering layer can show a placeholder instead of breaking the list.
const KindUndecryptable = "io.concord.undecryptable"

// previewMaxChars bounds reply previews and notification bodies.
const previewMaxChars = 100

// Message is the projected view of a single timeline event.
// Identity is (RoomID, EventID); it is replaced wholesale, never mutated.
type Message struct {
	EventID      string `json:"event_id"`
	RoomID       string `json:"room_id"`
	SenderID     string `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	SenderAvatar string `json:"sender_avatar,omitempty"`

	Body          string `json:"body"`
	FormattedBody string `json:"formatted_body,omitempty"`
	Kind          string `json:"kind"`
	Timestamp     int64  `json:"timestamp"`

	Edited           bool `json:"edited,omitempty"`
	Redacted         bool `json:"redacted,omitempty"`
	DecryptionFailed bool `json:"decryption_failed,omitempty"`

	ReplyTo   *ReplyPreview     `json:"reply_to,omitempty"`
	Reactions []ReactionSummary `json:"reactions,omitempty"`
	Thread    *ThreadSummary    `json:"thread,omitempty"`
}

// ReplyPreview is a best-effort excerpt of the replied-to event.
// Absence is not an error; the target may never arrive.
type ReplyPreview struct {
	EventID    string `json:"event_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
}

// ReactionSummary aggregates one annotation key on a message.
type ReactionSummary struct {
	Key     string   `json:"key"`
	Count   int      `json:"count"`
	Senders []string `json:"senders"`
}

// ThreadSummary describes a thread rooted at a message.
type ThreadSummary struct {
	ReplyCount  int   `json:"reply_count"`
	LastReplyTS int64 `json:"last_reply_ts"`
}

// RoomKind classifies a room for the sidebar.
type RoomKind string

const (
	RoomKindNormal RoomKind = "normal"
	RoomKindSpace  RoomKind = "space"
	RoomKindVoice  RoomKind = "voice"
)

// Membership is the local user's membership in a room.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
)

// RoomSummary is the projected room-level view. Identity is RoomID.
type RoomSummary struct {
	RoomID     string     `json:"room_id"`
	Name       string     `json:"name"`
	Topic      string     `json:"topic,omitempty"`
	AvatarURL  string     `json:"avatar_url,omitempty"`
	Kind       RoomKind   `json:"kind"`
	Membership Membership `json:"membership"`

	// ParentSpaceID is resolved by scanning space-child edges on space rooms;
	// it is never declared in the room's own state. Empty means top level.
	ParentSpaceID string `json:"parent_space_id,omitempty"`

	// AccessFloor is the minimum role level required to view the room.
	// Zero means everyone. Visibility filtering is a read-time concern of
	// consumers; the summary stays complete for hidden rooms.
	AccessFloor int `json:"access_floor"`
	MyRoleLevel int `json:"my_role_level"`

	IsDM         bool   `json:"is_dm,omitempty"`
	InviteSender string `json:"invite_sender,omitempty"`

	UnreadCount    int   `json:"unread_count"`
	LastActivityTS int64 `json:"last_activity_ts"`
}

// Member is the projected per-room member view. Identity is (RoomID, UserID).
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	RoleLevel   int    `json:"role_level"`
	Role        string `json:"role"`
	Membership  string `json:"membership"`
}

// CallParticipant is one distinct active user in a room's call.
// The set is rebuilt from scratch on every scan; there is no incremental diff.
type CallParticipant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Speaking    bool   `json:"speaking"`
	AudioMuted  bool   `json:"audio_muted"`
	VideoMuted  bool   `json:"video_muted"`

	// FeedID is the opaque media-feed handle reported by the call transport.
	// Empty when no feed is attached.
	FeedID string `json:"feed_id,omitempty"`
}

// PresenceStatus is the normalized presence enum.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the per-user presence view, overwritten wholesale on each
// update. Soft real-time: allowed to be stale.
type PresenceRecord struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastActive time.Duration  `json:"last_active"`
	StatusMsg  string         `json:"status_msg,omitempty"`
}

// SyncState mirrors the remote stream lifecycle.
type SyncState string

const (
	SyncStopped  SyncState = "stopped"
	SyncSyncing  SyncState = "syncing"
	SyncPrepared SyncState = "prepared"
	SyncError    SyncState = "error"
)

// Profile is a resolved user identity within a room.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Resolver supplies cross-referenced lookups for projection. All relations are
// ID lookups, never embedded pointers, so a missing target degrades to "no
// preview" instead of a fault.
type Resolver interface {
	// LookupEvent returns a locally known timeline event, or nil.
	LookupEvent(eventID string) *protocol.Event
	// Profile resolves a user's display identity within the room.
	Profile(userID string) Profile
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	// Back up to a rune boundary so a UTF-8 sequence is never split.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
