package auth

import "deptrack/internal/domain"

// Capability names a single grant in the role model.
type Capability string

const (
	CapAll                  Capability = "*"
	CapViewTeamData         Capability = "view_team_data"
	CapCreateProject        Capability = "create_project"
	CapCreateUser           Capability = "create_user"
	CapAssignTasks          Capability = "assign_tasks"
	CapManageTeamMembers    Capability = "manage_team_members"
	CapViewOwnTasks         Capability = "view_own_tasks"
	CapUpdateTaskStatus     Capability = "update_task_status"
	CapViewAssignedProjects Capability = "view_assigned_projects"
	// CapDeleteUser is carved out of the wildcard.
	CapDeleteUser Capability = "delete_user"
)

var roleCapabilities = map[domain.Role][]Capability{
	domain.RoleManagingDirector: {CapAll, CapDeleteUser},
	domain.RoleITAdmin:          {CapAll},
	domain.RoleTeamLead: {
		CapViewTeamData,
		CapCreateProject,
		CapCreateUser,
		CapAssignTasks,
		CapManageTeamMembers,
		CapViewOwnTasks,
		CapUpdateTaskStatus,
		CapViewAssignedProjects,
	},
	domain.RoleEmployee: {
		CapViewOwnTasks,
		CapUpdateTaskStatus,
		CapViewAssignedProjects,
	},
}

// exclusive capabilities are never satisfied by the wildcard.
var exclusive = map[Capability]bool{
	CapDeleteUser: true,
}

// HasCapability is a pure lookup of the static role table.
func HasCapability(role domain.Role, c Capability) bool {
	caps, ok := roleCapabilities[role]
	if !ok {
		return false
	}
	for _, have := range caps {
		if have == c {
			return true
		}
		if have == CapAll && !exclusive[c] {
			return true
		}
	}
	return false
}

// IsWildcard reports whether the role holds the universal capability.
func IsWildcard(role domain.Role) bool {
	for _, have := range roleCapabilities[role] {
		if have == CapAll {
			return true
		}
	}
	return false
}

// Capabilities returns the explicit grants of a role.
func Capabilities(role domain.Role) []Capability {
	return append([]Capability(nil), roleCapabilities[role]...)
}
