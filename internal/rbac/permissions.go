package rbac

import "strings"

// Resources and actions of the permission matrix.
const (
	ResourceUsers        = "users"
	ResourceRoles        = "roles"
	ResourceTransactions = "transactions"
	ResourceAccounts     = "accounts"
	ResourceReports      = "reports"

	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// System roles. They are created by Bootstrap and can never be deleted or renamed.
const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
	RoleAuditor  = "auditor"
	RoleOperator = "operator"
)

// Frequently checked scopes.
var (
	ScopeUsersRead   = PermissionName(ResourceUsers, ActionRead)
	ScopeUsersWrite  = PermissionName(ResourceUsers, ActionWrite)
	ScopeUsersDelete = PermissionName(ResourceUsers, ActionDelete)
	ScopeRolesRead   = PermissionName(ResourceRoles, ActionRead)
	ScopeRolesWrite  = PermissionName(ResourceRoles, ActionWrite)
	ScopeRolesDelete = PermissionName(ResourceRoles, ActionDelete)
	ScopeReportsRead = PermissionName(ResourceReports, ActionRead)
)

var (
	resources = []string{ResourceUsers, ResourceRoles, ResourceTransactions, ResourceAccounts, ResourceReports}
	actions   = []string{ActionRead, ActionWrite, ActionDelete}
)

// PermissionName builds the canonical "resource:action" name.
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// SplitPermission is the inverse of PermissionName.
func SplitPermission(name string) (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(name, ":")
	if !ok || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}

// BootstrapPermissions returns the full resource x action matrix.
func BootstrapPermissions() []Permission {
	out := make([]Permission, 0, len(resources)*len(actions))
	for _, res := range resources {
		for _, act := range actions {
			out = append(out, Permission{
				Name:        PermissionName(res, act),
				Resource:    res,
				Action:      act,
				Description: strings.ToUpper(act[:1]) + act[1:] + " access to " + res,
			})
		}
	}
	return out
}

// SystemRole describes one built-in role and the permissions it is seeded with.
type SystemRole struct {
	Name        string
	Description string
	Grants      []string
}

// SystemRoles returns the built-in roles in bootstrap order.
func SystemRoles() []SystemRole {
	all := make([]string, 0, len(resources)*len(actions))
	reads := make([]string, 0, len(resources))
	for _, res := range resources {
		for _, act := range actions {
			all = append(all, PermissionName(res, act))
		}
		reads = append(reads, PermissionName(res, ActionRead))
	}
	return []SystemRole{
		{Name: RoleAdmin, Description: "Full system administrator", Grants: all},
		{Name: RoleCustomer, Description: "Bank customer"},
		{Name: RoleAuditor, Description: "Read-only access for audit", Grants: reads},
		{Name: RoleOperator, Description: "Bank operator", Grants: []string{
			PermissionName(ResourceTransactions, ActionRead),
			PermissionName(ResourceAccounts, ActionRead),
		}},
	}
}

// IsSystemRole reports whether name is one of the built-in roles.
func IsSystemRole(name string) bool {
	switch name {
	case RoleAdmin, RoleCustomer, RoleAuditor, RoleOperator:
		return true
	}
	return false
}
