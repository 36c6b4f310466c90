package engine

import (
	"encoding/json"
	"time"

	"concord/cmd/internal/protocol"
)

// projectPresence maps a presence payload into a PresenceRecord. Last-write
// wins: presence is soft real-time and allowed to be slightly stale, unlike
// message state.
func projectPresence(userID string, content json.RawMessage) (PresenceRecord, bool) {
	var pc protocol.PresenceContent
	if len(content) == 0 || json.Unmarshal(content, &pc) != nil {
		return PresenceRecord{}, false
	}

	status := PresenceOffline
	switch pc.Presence {
	case "online":
		status = PresenceOnline
	case "unavailable", "away":
		status = PresenceAway
	case "offline":
		status = PresenceOffline
	default:
		return PresenceRecord{}, false
	}

	rec := PresenceRecord{
		UserID:    userID,
		Status:    status,
		StatusMsg: pc.StatusMsg,
	}
	if pc.LastActiveAgo != nil && *pc.LastActiveAgo >= 0 {
		rec.LastActive = time.Duration(*pc.LastActiveAgo) * time.Millisecond
	}
	return rec, true
}

// projectTyping extracts and copies the typing user set. The room's previous
// set is replaced wholesale; an empty set clears the room.
func projectTyping(content json.RawMessage) ([]string, bool) {
	var tc protocol.TypingContent
	if len(content) == 0 || json.Unmarshal(content, &tc) != nil {
		return nil, false
	}
	if len(tc.UserIDs) == 0 {
		return nil, true
	}
	return append([]string(nil), tc.UserIDs...), true
}
