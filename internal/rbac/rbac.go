package rbac

type Role string
type Action string

const (
	RoleStaff   Role = "staff"
	RoleManager Role = "manager"
)

const (
	ActionCheckIn        Action = "checkin"
	ActionDebrief        Action = "debrief"
	ActionViewTeam       Action = "view_team"
	ActionResolveSupport Action = "resolve_support"
	ActionReviewStrategy Action = "review_strategy"
	ActionManageSchedule Action = "manage_schedule"
	ActionRotateFocus    Action = "rotate_focus"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleManager:
		return true
	case RoleStaff:
		return action == ActionCheckIn || action == ActionDebrief
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStaff, RoleManager:
		return Role(role)
	default:
		return RoleStaff
	}
}
