package engine

import (
	"sort"
	"strings"

	"concord/cmd/internal/protocol"
)

// ProjectMembers converts per-room member state into Member views ordered by
// (role level desc, display name asc). The list is recomputed wholesale on
// demand: membership is bounded and infrequently read compared to message
// traffic, so incremental maintenance is not worth the bookkeeping.
func ProjectMembers(memberStates map[string]*protocol.MemberContent, power *protocol.PowerLevelsContent) []Member {
	out := make([]Member, 0, len(memberStates))
	for userID, mc := range memberStates {
		if mc == nil {
			continue
		}
		switch mc.Membership {
		case "leave", "ban":
			continue
		}
		name := mc.DisplayName
		if name == "" {
			name = userID
		}
		level := power.Level(userID)
		out = append(out, Member{
			UserID:      userID,
			DisplayName: name,
			AvatarURL:   mc.AvatarURL,
			RoleLevel:   level,
			Role:        RoleName(level),
			Membership:  mc.Membership,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleLevel != out[j].RoleLevel {
			return out[i].RoleLevel > out[j].RoleLevel
		}
		ni := strings.ToLower(out[i].DisplayName)
		nj := strings.ToLower(out[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
