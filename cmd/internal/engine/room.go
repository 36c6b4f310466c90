package engine

import (
	"log/slog"
	"sort"

	"concord/cmd/internal/protocol"
)

// RoomState is the accumulated room-level state the room projector reads.
// It is a snapshot: the engine owns the authoritative copy.
type RoomState struct {
	RoomID    string
	Name      string
	Topic     string
	AvatarURL string

	Create *protocol.CreateContent
	Access *protocol.ChannelAccessContent
	Power  *protocol.PowerLevelsContent

	LocalUserID  string
	Membership   Membership
	IsDM         bool
	InviteSender string

	UnreadCount    int
	LastActivityTS int64
}

// ProjectRoom converts room-level state into a RoomSummary view.
// ParentSpaceID is deliberately left empty: a room's parent is declared by an
// edge living in the parent's state, so it is backfilled by ResolveHierarchy
// in a second pass over the full room set.
func ProjectRoom(st RoomState) RoomSummary {
	kind := RoomKindNormal
	if st.Create != nil {
		switch {
		case st.Create.Type == protocol.SpaceType:
			kind = RoomKindSpace
		case st.Create.RoomType == "voice":
			kind = RoomKindVoice
		}
	}

	floor := 0
	if st.Access != nil {
		floor = st.Access.View
	}

	membership := st.Membership
	if membership == "" {
		membership = MembershipJoin
	}

	return RoomSummary{
		RoomID:         st.RoomID,
		Name:           st.Name,
		Topic:          st.Topic,
		AvatarURL:      st.AvatarURL,
		Kind:           kind,
		Membership:     membership,
		AccessFloor:    floor,
		MyRoleLevel:    st.Power.Level(st.LocalUserID),
		IsDM:           st.IsDM,
		InviteSender:   st.InviteSender,
		UnreadCount:    st.UnreadCount,
		LastActivityTS: st.LastActivityTS,
	}
}

// ResolveHierarchy backfills ParentSpaceID on child summaries from the child
// edges declared by space rooms. The hierarchy is a forest by convention of
// the protocol, not an invariant this engine can verify: a room claiming two
// parents keeps the first discovered and the conflict is reported, never
// fatal. Spaces are scanned in sorted order so repeated runs over the same
// room set produce identical assignments.
func ResolveHierarchy(summaries map[string]*RoomSummary, childEdges map[string][]string, log *slog.Logger, sink Sink) {
	parents := make([]string, 0, len(childEdges))
	for parentID := range childEdges {
		parents = append(parents, parentID)
	}
	sort.Strings(parents)

	for _, parentID := range parents {
		parent := summaries[parentID]
		if parent == nil || parent.Kind != RoomKindSpace {
			continue
		}
		for _, childID := range childEdges[parentID] {
			child := summaries[childID]
			if child == nil {
				continue
			}
			switch child.ParentSpaceID {
			case "", parentID:
				child.ParentSpaceID = parentID
			default:
				if log != nil {
					log.Warn("room.parent.conflict",
						"room_id", childID,
						"kept", child.ParentSpaceID,
						"ignored", parentID,
					)
				}
				if sink != nil {
					sink.ParentConflict(childID)
				}
			}
		}
	}
}
