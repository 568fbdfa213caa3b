package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deptrack/internal/domain"
	"deptrack/internal/engine/auth"
	"deptrack/internal/engine/progress"
	"deptrack/internal/events"
)

type ProjectCreateOptions struct {
	ID           string
	Name         string
	DepartmentID string
	TeamID       string
	Status       string
	StartDate    string
	Deadline     string
	Members      []string
}

func (o ProjectCreateOptions) validate() error {
	if cleanText(o.Name) == "" {
		return domain.ValidationError{Field: "name", Reason: "required"}
	}
	if o.DepartmentID == "" {
		return domain.ValidationError{Field: "department_id", Reason: "required"}
	}
	if o.Status != "" && !domain.ValidProjectStatus(o.Status) {
		return domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", o.Status)}
	}
	start, err := time.Parse(dateLayout, o.StartDate)
	if err != nil {
		return domain.ValidationError{Field: "start_date", Reason: fmt.Sprintf("%q is not a YYYY-MM-DD date", o.StartDate)}
	}
	deadline, err := time.Parse(dateLayout, o.Deadline)
	if err != nil {
		return domain.ValidationError{Field: "deadline", Reason: fmt.Sprintf("%q is not a YYYY-MM-DD date", o.Deadline)}
	}
	if !deadline.After(start) {
		return domain.ValidationError{Field: "deadline", Reason: "must be after start_date"}
	}
	return nil
}

// CreateProject creates a project owned by actor. The creator is always a member.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions, actor domain.User) (domain.Project, error) {
	if err := opts.validate(); err != nil {
		return domain.Project{}, err
	}
	if err := auth.Require(actor, auth.CapCreateProject, "create project"); err != nil {
		return domain.Project{}, err
	}
	if err := e.ensureDepartment(ctx, opts.DepartmentID); err != nil {
		return domain.Project{}, err
	}
	members := []string{actor.ID}
	for _, m := range opts.Members {
		if m == "" || contains(members, m) {
			continue
		}
		if err := e.ensureUser(ctx, m); err != nil {
			return domain.Project{}, err
		}
		members = append(members, m)
	}
	status := opts.Status
	if status == "" {
		status = domain.ProjectActive
	}
	p := domain.Project{
		ID:           opts.ID,
		Name:         cleanText(opts.Name),
		DepartmentID: opts.DepartmentID,
		TeamID:       optionalString(opts.TeamID),
		CreatorID:    actor.ID,
		Status:       status,
		StartDate:    opts.StartDate,
		Deadline:     opts.Deadline,
		Members:      members,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = e.stamp()
	p.UpdatedAt = p.CreatedAt
	if err := e.Store.CreateProject(ctx, p); err != nil {
		return domain.Project{}, domain.PersistenceError{Op: "create project", Err: err}
	}
	e.record(ctx, events.TypeProjectCreated, p.ID, "project", p.ID, actor.ID, map[string]any{
		"name":          p.Name,
		"department_id": p.DepartmentID,
		"members":       p.Members,
	})
	return p, nil
}

// GetProject returns a project the actor may view.
func (e Engine) GetProject(ctx context.Context, id string, actor domain.User) (domain.Project, error) {
	p, err := e.loadProject(ctx, id)
	if err != nil {
		return p, err
	}
	if err := auth.CanAccessProject(actor, p).Err("view project"); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectLister is implemented by stores that can enumerate projects.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// ListProjects returns the projects the actor may view.
func (e Engine) ListProjects(ctx context.Context, actor domain.User) ([]domain.Project, error) {
	lister, ok := e.Store.(ProjectLister)
	if !ok {
		return nil, domain.PersistenceError{Op: "list projects", Err: errors.New("store cannot list projects")}
	}
	all, err := lister.ListProjects(ctx)
	if err != nil {
		return nil, domain.PersistenceError{Op: "list projects", Err: err}
	}
	visible := make([]domain.Project, 0, len(all))
	for _, p := range all {
		if auth.CanAccessProject(actor, p).Allowed {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// AdjustProject sets the manual adjustment and saves it together with the
// progress it yields.
func (e Engine) AdjustProject(ctx context.Context, id string, adjustment int, actor domain.User) (domain.Project, error) {
	if adjustment < domain.MinManualAdjustment || adjustment > domain.MaxManualAdjustment {
		return domain.Project{}, domain.ValidationError{
			Field:  "manual_adjustment",
			Reason: fmt.Sprintf("must be between %d and %d", domain.MinManualAdjustment, domain.MaxManualAdjustment),
		}
	}
	p, err := e.loadProject(ctx, id)
	if err != nil {
		return p, err
	}
	if err := auth.CanModifyProject(actor, p).Err("adjust project"); err != nil {
		return p, err
	}
	tasks, err := e.Store.FindTasksByProject(ctx, p.ID)
	if err != nil {
		return p, domain.PersistenceError{Op: "load project tasks", Err: err}
	}
	original := p
	p.ManualAdjustment = adjustment
	next, _ := progress.Apply(p, tasks)
	next.UpdatedAt = e.stamp()
	if err := e.Store.SaveProject(ctx, next); err != nil {
		return original, domain.PersistenceError{Op: "save project", Err: err}
	}
	e.record(ctx, events.TypeProjectAdjusted, next.ID, "project", next.ID, actor.ID, map[string]any{
		"from": original.ManualAdjustment,
		"to":   adjustment,
	})
	if next.Progress != original.Progress {
		e.notifier().OnProjectProgressChanged(ctx, next, original.Progress, actor)
	}
	return next, nil
}

// AddProjectMember adds userID to the project's member list.
func (e Engine) AddProjectMember(ctx context.Context, projectID, userID string, actor domain.User) (domain.Project, error) {
	if userID == "" {
		return domain.Project{}, domain.ValidationError{Field: "user_id", Reason: "required"}
	}
	p, err := e.loadProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if err := auth.CanModifyProject(actor, p).Err("add project member"); err != nil {
		return p, err
	}
	if p.HasMember(userID) {
		return p, nil
	}
	if err := e.ensureUser(ctx, userID); err != nil {
		return p, err
	}
	if err := e.Store.AddProjectMember(ctx, projectID, userID); err != nil {
		return p, domain.PersistenceError{Op: "add project member", Err: err}
	}
	p.Members = append(p.Members, userID)
	e.record(ctx, events.TypeProjectMemberAdded, p.ID, "project", p.ID, actor.ID, map[string]any{"user_id": userID})
	return p, nil
}

// RecomputeProgress recalculates the project aggregate on demand. It repairs a
// project left stale by a failed recompute after a task mutation.
func (e Engine) RecomputeProgress(ctx context.Context, projectID string, actor domain.User) (domain.Project, error) {
	p, err := e.loadProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if err := auth.CanAccessProject(actor, p).Err("recompute progress"); err != nil {
		return domain.Project{}, err
	}
	return e.recompute(ctx, projectID, actor)
}

// recompute applies the progress formula to the project's current tasks and
// saves the project only when the value moved.
func (e Engine) recompute(ctx context.Context, projectID string, actor domain.User) (domain.Project, error) {
	p, err := e.loadProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	tasks, err := e.Store.FindTasksByProject(ctx, projectID)
	if err != nil {
		return p, domain.PersistenceError{Op: "load project tasks", Err: err}
	}
	previous := p.Progress
	next, changed := progress.Apply(p, tasks)
	if !changed {
		return p, nil
	}
	next.UpdatedAt = e.stamp()
	if err := e.Store.SaveProject(ctx, next); err != nil {
		return p, domain.PersistenceError{Op: "save project", Err: err}
	}
	e.notifier().OnProjectProgressChanged(ctx, next, previous, actor)
	return next, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
