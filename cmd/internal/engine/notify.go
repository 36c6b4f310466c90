package engine

import (
	"strings"

	"github.com/gobwas/glob"
)

// Settings is a snapshot of the user's notification and outbound-signal
// preferences, supplied by the settings collaborator per decision.
type Settings struct {
	EnableNotifications bool `json:"enable_notifications"`
	EnableSounds        bool `json:"enable_sounds"`
	MentionsOnly        bool `json:"mentions_only"`

	// MentionKeywords are extra glob patterns (matched case-insensitively
	// against the body) that count as a mention, e.g. "deploy*".
	MentionKeywords []string `json:"mention_keywords,omitempty"`

	// Outbound gating: whether the engine emits read receipts and typing
	// signals. Read dependencies only; they never affect inbound projection.
	SendReadReceipts     bool `json:"send_read_receipts"`
	SendTypingIndicators bool `json:"send_typing_indicators"`
}

// DefaultSettings mirrors the out-of-box preferences.
func DefaultSettings() Settings {
	return Settings{
		EnableNotifications:  true,
		EnableSounds:         true,
		SendReadReceipts:     true,
		SendTypingIndicators: true,
	}
}

// Focus is a snapshot of the viewer's window focus and currently viewed room.
type Focus struct {
	HasFocus     bool   `json:"has_focus"`
	ViewedRoomID string `json:"viewed_room_id"`
}

// ShouldNotify decides whether a newly projected message should surface an
// alert. Pure decision function with no side effects; displaying the alert is
// an external collaborator's job.
//
// Suppressed when: the message is the local user's own; notifications are
// disabled; mentions-only is set and the message does not mention the local
// user; or the viewer has focus and is already viewing the message's room.
func ShouldNotify(msg Message, localUserID string, settings Settings, focus Focus) bool {
	if msg.SenderID == localUserID {
		return false
	}
	if !settings.EnableNotifications {
		return false
	}
	if settings.MentionsOnly && !MentionsUser(msg.Body, localUserID, settings.MentionKeywords) {
		return false
	}
	if focus.HasFocus && focus.ViewedRoomID == msg.RoomID {
		return false
	}
	return true
}

// MentionsUser reports whether a body mentions the user: either the user ID
// appears verbatim, or a configured keyword pattern matches.
func MentionsUser(body, userID string, keywords []string) bool {
	if userID != "" && strings.Contains(body, userID) {
		return true
	}
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		g, err := glob.Compile(strings.ToLower(kw))
		if err != nil {
			continue
		}
		if g.Match(lower) {
			return true
		}
		for _, word := range strings.Fields(lower) {
			if g.Match(word) {
				return true
			}
		}
	}
	return false
}

// Notification is the payload handed to the display collaborator when policy
// allows an alert.
type Notification struct {
	RoomID     string
	RoomName   string
	SenderName string
	Body       string
	Sound      bool
}

// Notifier displays alerts. Implementations must not block; the engine calls
// it on the event-processing path.
type Notifier interface {
	Notify(n Notification)
}
