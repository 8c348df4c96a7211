package auth

const (
	RoleEmployee   = "employee"
	RoleAdmin      = "admin"
	RoleHead       = "head"
	RoleRecorder   = "recorder"
	RoleReleaser   = "releaser"
	RoleDepartment = "department"
	RoleSuperadmin = "superadmin"
)

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

var roles = map[string]bool{
	RoleEmployee: true, RoleAdmin: true, RoleHead: true, RoleRecorder: true,
	RoleReleaser: true, RoleDepartment: true, RoleSuperadmin: true,
}

// ValidRole reports whether role is assignable.
func ValidRole(role string) bool { return roles[role] }

// ValidStatus reports whether status is a known user status.
func ValidStatus(status string) bool {
	return status == UserStatusActive || status == UserStatusDisabled
}
