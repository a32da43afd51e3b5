package models

// 平台角色
const (
	RoleClient     = "client"
	RoleReader     = "reader"
	RoleMonitor    = "monitor"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// ValidRole 校验角色合法性
func ValidRole(role string) bool {
	switch role {
	case RoleClient, RoleReader, RoleMonitor, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}
