package auth

import "deptrack/internal/domain"

// IsTaskCreator reports whether u created t.
func IsTaskCreator(u domain.User, t domain.Task) bool {
	return u.ID != "" && t.CreatorID == u.ID
}

// IsProjectCreator reports whether u created p.
func IsProjectCreator(u domain.User, p domain.Project) bool {
	return u.ID != "" && p.CreatorID == u.ID
}

// IsAssignee reports whether t is assigned to u.
func IsAssignee(u domain.User, t domain.Task) bool {
	return u.ID != "" && t.AssigneeID != nil && *t.AssigneeID == u.ID
}

// IsDepartmentMatch reports whether u belongs to the requesting or executing
// department of t.
func IsDepartmentMatch(u domain.User, t domain.Task) bool {
	if u.DepartmentID == "" {
		return false
	}
	return u.DepartmentID == t.RequestingDepartmentID || u.DepartmentID == t.ExecutingDepartmentID
}

// IsTeamMatch reports whether u belongs to the team or department owning p.
func IsTeamMatch(u domain.User, p domain.Project) bool {
	if p.TeamID != nil && u.TeamID != nil && *p.TeamID != "" && *p.TeamID == *u.TeamID {
		return true
	}
	return u.DepartmentID != "" && u.DepartmentID == p.DepartmentID
}

// IsMember reports whether u is listed as a project member.
func IsMember(u domain.User, p domain.Project) bool {
	return u.ID != "" && p.HasMember(u.ID)
}
