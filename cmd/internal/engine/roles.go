package engine

// Role levels gate administrative actions and view access. The protocol
// expresses authority as an integer 0-100; these tiers name the conventional
// thresholds.
const (
	RoleOwner     = 100
	RoleAdmin     = 50
	RoleModerator = 25
	RoleMember    = 0
)

// RoleName returns the display name of the highest tier a role level
// satisfies. Plain members report "Member".
func RoleName(level int) string {
	switch {
	case level >= RoleOwner:
		return "Owner"
	case level >= RoleAdmin:
		return "Admin"
	case level >= RoleModerator:
		return "Moderator"
	default:
		return "Member"
	}
}
