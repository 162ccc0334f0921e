package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "staff checkin", role: RoleStaff, action: ActionCheckIn, allow: true},
		{name: "staff debrief", role: RoleStaff, action: ActionDebrief, allow: true},
		{name: "staff resolve support", role: RoleStaff, action: ActionResolveSupport, allow: false},
		{name: "staff review strategy", role: RoleStaff, action: ActionReviewStrategy, allow: false},
		{name: "staff manage schedule", role: RoleStaff, action: ActionManageSchedule, allow: false},
		{name: "staff rotate focus", role: RoleStaff, action: ActionRotateFocus, allow: false},
		{name: "staff view team", role: RoleStaff, action: ActionViewTeam, allow: false},
		{name: "manager resolve support", role: RoleManager, action: ActionResolveSupport, allow: true},
		{name: "manager rotate focus", role: RoleManager, action: ActionRotateFocus, allow: true},
		{name: "unknown role denied", role: Role("ghost"), action: ActionCheckIn, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("manager") != RoleManager {
		t.Error("manager should normalize to manager")
	}
	if Normalize("") != RoleStaff {
		t.Error("unknown roles default to staff")
	}
	if Normalize("admin") != RoleStaff {
		t.Error("foreign roles default to staff")
	}
}
