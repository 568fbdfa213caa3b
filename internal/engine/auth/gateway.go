package auth

import "deptrack/internal/domain"

// Decision is the outcome of a gateway check. Reason is set on deny.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Err converts a denial into an AuthorizationError for action. It returns nil
// when the decision allows.
func (d Decision) Err(action string) error {
	if d.Allowed {
		return nil
	}
	return domain.AuthorizationError{Action: action, Reason: d.Reason}
}

// CanAccessTask decides whether u may view t. Team leads see every task,
// regardless of department.
func CanAccessTask(u domain.User, t domain.Task) Decision {
	switch {
	case IsWildcard(u.Role):
		return allow()
	case u.Role == domain.RoleTeamLead:
		return allow()
	case IsTaskCreator(u, t), IsAssignee(u, t):
		return allow()
	case IsDepartmentMatch(u, t):
		return allow()
	}
	return deny(domain.ReasonNoAccess)
}

// CanModifyTask decides whether u may change t, which belongs to p.
func CanModifyTask(u domain.User, t domain.Task, p domain.Project) Decision {
	switch {
	case IsWildcard(u.Role):
		return allow()
	case IsTaskCreator(u, t):
		return allow()
	case t.ProjectID == p.ID && CanModifyProject(u, p).Allowed:
		return allow()
	}
	return deny(domain.ReasonNotModifier)
}

// CanAccessProject decides whether u may view p.
func CanAccessProject(u domain.User, p domain.Project) Decision {
	switch {
	case IsWildcard(u.Role):
		return allow()
	case IsTeamMatch(u, p), IsMember(u, p), IsProjectCreator(u, p):
		return allow()
	}
	return deny(domain.ReasonNoAccess)
}

// CanModifyProject decides whether u may change p. Membership alone is not enough.
func CanModifyProject(u domain.User, p domain.Project) Decision {
	switch {
	case IsWildcard(u.Role):
		return allow()
	case IsTeamMatch(u, p), IsProjectCreator(u, p):
		return allow()
	}
	return deny(domain.ReasonNotModifier)
}

// CanApprove decides whether u may move a task from Review to Done.
func CanApprove(u domain.User) Decision {
	switch u.Role {
	case domain.RoleTeamLead, domain.RoleITAdmin, domain.RoleManagingDirector:
		return allow()
	}
	return deny(domain.ReasonNotApprover)
}

// CanMoveStage decides whether u may move t between stages other than the
// approval step. Assignees holding update_task_status may move their own task
// without modify rights.
func CanMoveStage(u domain.User, t domain.Task, p domain.Project) Decision {
	if d := CanModifyTask(u, t, p); d.Allowed {
		return d
	}
	if IsAssignee(u, t) && HasCapability(u.Role, CapUpdateTaskStatus) {
		return allow()
	}
	return deny(domain.ReasonNotModifier)
}

// Require checks a capability and returns an AuthorizationError when missing.
func Require(u domain.User, c Capability, action string) error {
	if HasCapability(u.Role, c) {
		return nil
	}
	return domain.AuthorizationError{Action: action, Reason: domain.ReasonMissingCapability + " " + string(c)}
}
