package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deptrack/internal/domain"
	"deptrack/internal/engine/auth"
	"deptrack/internal/engine/workflow"
	"deptrack/internal/events"
	"deptrack/internal/repo"
)

const dateLayout = "2006-01-02"

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                     string
	ProjectID              string
	Title                  string
	Description            string
	AssigneeID             string
	RequestingDepartmentID string
	ExecutingDepartmentID  string
	Priority               string
	Stage                  string
	Progress               int
	DueDate                string
	Remark                 string
}

func (o TaskCreateOptions) validate() error {
	switch {
	case cleanText(o.Title) == "":
		return domain.ValidationError{Field: "title", Reason: "required"}
	case o.ProjectID == "":
		return domain.ValidationError{Field: "project_id", Reason: "required"}
	case o.RequestingDepartmentID == "":
		return domain.ValidationError{Field: "requesting_department_id", Reason: "required"}
	case o.ExecutingDepartmentID == "":
		return domain.ValidationError{Field: "executing_department_id", Reason: "required"}
	}
	if _, err := domain.ParsePriority(o.Priority); err != nil {
		return err
	}
	if o.DueDate != "" {
		if err := validateDate("due_date", o.DueDate); err != nil {
			return err
		}
	}
	return nil
}

// CreateTask creates a task in a project the actor may modify.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions, actor domain.User) (domain.Task, error) {
	if err := opts.validate(); err != nil {
		return domain.Task{}, err
	}
	priority, _ := domain.ParsePriority(opts.Priority)
	t := domain.Task{
		ID:                     opts.ID,
		ProjectID:              opts.ProjectID,
		Title:                  cleanText(opts.Title),
		Description:            cleanText(opts.Description),
		AssigneeID:             optionalString(opts.AssigneeID),
		RequestingDepartmentID: opts.RequestingDepartmentID,
		ExecutingDepartmentID:  opts.ExecutingDepartmentID,
		CreatorID:              actor.ID,
		Progress:               opts.Progress,
		Priority:               priority,
		DueDate:                optionalString(opts.DueDate),
		Remark:                 cleanText(opts.Remark),
	}
	now := e.now()
	t, err := workflow.Initial(t, opts.Stage, now)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.Require(actor, auth.CapAssignTasks, "create task"); err != nil {
		return domain.Task{}, err
	}
	p, err := e.loadProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.CanModifyProject(actor, p).Err("create task"); err != nil {
		return domain.Task{}, err
	}
	if err := e.ensureDepartment(ctx, t.RequestingDepartmentID); err != nil {
		return domain.Task{}, err
	}
	if t.ExecutingDepartmentID != t.RequestingDepartmentID {
		if err := e.ensureDepartment(ctx, t.ExecutingDepartmentID); err != nil {
			return domain.Task{}, err
		}
	}
	if t.AssigneeID != nil {
		if err := e.ensureUser(ctx, *t.AssigneeID); err != nil {
			return domain.Task{}, err
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = now.UTC().Format(time.RFC3339)
	t.UpdatedAt = t.CreatedAt
	if err := e.Store.SaveTask(ctx, t); err != nil {
		return domain.Task{}, domain.PersistenceError{Op: "save task", Err: err}
	}
	e.notifier().OnTaskCreated(ctx, t, actor)
	e.recomputeAfter(ctx, p.ID, actor)
	return t, nil
}

// TaskPatch lists the fields UpdateTask may change. Nil fields are left as is;
// an empty AssigneeID or DueDate clears the value.
type TaskPatch struct {
	Title                  *string
	Description            *string
	Priority               *string
	AssigneeID             *string
	DueDate                *string
	Remark                 *string
	Progress               *int
	RequestingDepartmentID *string
	ExecutingDepartmentID  *string
}

func (p TaskPatch) validate() error {
	if p.Title != nil && cleanText(*p.Title) == "" {
		return domain.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.Priority != nil {
		if _, err := domain.ParsePriority(*p.Priority); err != nil {
			return err
		}
	}
	if p.DueDate != nil && *p.DueDate != "" {
		if err := validateDate("due_date", *p.DueDate); err != nil {
			return err
		}
	}
	if p.Progress != nil {
		if err := workflow.ValidateProgress(*p.Progress); err != nil {
			return err
		}
	}
	if p.RequestingDepartmentID != nil && *p.RequestingDepartmentID == "" {
		return domain.ValidationError{Field: "requesting_department_id", Reason: "must not be empty"}
	}
	if p.ExecutingDepartmentID != nil && *p.ExecutingDepartmentID == "" {
		return domain.ValidationError{Field: "executing_department_id", Reason: "must not be empty"}
	}
	return nil
}

// UpdateTask applies a patch. Stage and status are never patched here.
func (e Engine) UpdateTask(ctx context.Context, id string, patch TaskPatch, actor domain.User) (domain.Task, error) {
	if err := patch.validate(); err != nil {
		return domain.Task{}, err
	}
	t, p, err := e.loadTaskAndProject(ctx, id)
	if err != nil {
		return t, err
	}
	original := t
	if err := auth.CanModifyTask(actor, t, p).Err("update task"); err != nil {
		return original, err
	}
	changed := map[string]any{}
	if patch.Title != nil {
		t.Title = cleanText(*patch.Title)
		changed["title"] = t.Title
	}
	if patch.Description != nil {
		t.Description = cleanText(*patch.Description)
		changed["description"] = t.Description
	}
	if patch.Priority != nil {
		t.Priority, _ = domain.ParsePriority(*patch.Priority)
		changed["priority"] = t.Priority
	}
	if patch.Remark != nil {
		t.Remark = cleanText(*patch.Remark)
		changed["remark"] = t.Remark
	}
	if patch.DueDate != nil {
		t.DueDate = optionalString(*patch.DueDate)
		changed["due_date"] = t.DueDate
	}
	if patch.Progress != nil {
		if t.KanbanStage == domain.StageDone && *patch.Progress < 100 {
			return original, domain.BusinessRuleError{Rule: "progress", Reason: "a task in Done stays at 100"}
		}
		t.Progress = *patch.Progress
		changed["progress"] = t.Progress
	}
	if patch.AssigneeID != nil {
		if *patch.AssigneeID != "" {
			if err := e.ensureUser(ctx, *patch.AssigneeID); err != nil {
				return original, err
			}
		}
		t.AssigneeID = optionalString(*patch.AssigneeID)
		changed["assignee_id"] = t.AssigneeID
	}
	if patch.RequestingDepartmentID != nil {
		if err := e.ensureDepartment(ctx, *patch.RequestingDepartmentID); err != nil {
			return original, err
		}
		t.RequestingDepartmentID = *patch.RequestingDepartmentID
		changed["requesting_department_id"] = t.RequestingDepartmentID
	}
	if patch.ExecutingDepartmentID != nil {
		if err := e.ensureDepartment(ctx, *patch.ExecutingDepartmentID); err != nil {
			return original, err
		}
		t.ExecutingDepartmentID = *patch.ExecutingDepartmentID
		changed["executing_department_id"] = t.ExecutingDepartmentID
	}
	t.UpdatedAt = e.stamp()
	if err := e.Store.SaveTask(ctx, t); err != nil {
		return original, domain.PersistenceError{Op: "save task", Err: err}
	}
	e.record(ctx, events.TypeTaskUpdated, t.ProjectID, "task", t.ID, actor.ID, changed)
	return t, nil
}

// MoveResult reports a completed stage transition.
type MoveResult struct {
	Task domain.Task `json:"task"`
	From domain.Stage `json:"from"`
	To   domain.Stage `json:"to"`
}

// MoveTaskStage moves a task to stage. Review -> Done is gated by approval only;
// every other move needs modify rights or assignee identity.
func (e Engine) MoveTaskStage(ctx context.Context, id, stage string, actor domain.User) (MoveResult, error) {
	if _, err := domain.ParseStage(stage); err != nil {
		return MoveResult{}, err
	}
	t, p, err := e.loadTaskAndProject(ctx, id)
	if err != nil {
		return MoveResult{Task: t}, err
	}
	approval := t.KanbanStage == domain.StageReview && domain.Stage(stage) == domain.StageDone
	if !approval {
		if err := auth.CanMoveStage(actor, t, p).Err("move task"); err != nil {
			return MoveResult{Task: t}, err
		}
	}
	res, err := workflow.MoveStage(t, stage, actor, e.now())
	if err != nil {
		return MoveResult{Task: t}, err
	}
	return e.apply(ctx, res, t, actor)
}

// ApproveTask moves a task from Review to Done.
func (e Engine) ApproveTask(ctx context.Context, id string, actor domain.User) (domain.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return t, err
	}
	res, err := workflow.Approve(t, actor, e.now())
	if err != nil {
		return t, err
	}
	out, err := e.apply(ctx, res, t, actor)
	return out.Task, err
}

// RejectTask sends a task in Review back to In Progress with reason as remark.
func (e Engine) RejectTask(ctx context.Context, id, reason string, actor domain.User) (domain.Task, error) {
	reason = cleanText(reason)
	if reason == "" {
		return domain.Task{}, domain.ValidationError{Field: "reason", Reason: "required"}
	}
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return t, err
	}
	res, err := workflow.Reject(t, reason, actor, e.now())
	if err != nil {
		return t, err
	}
	out, err := e.apply(ctx, res, t, actor)
	return out.Task, err
}

// apply runs the effects of a transition. The task save is the only step whose
// failure is returned; the project recompute after it is eventually consistent.
func (e Engine) apply(ctx context.Context, res workflow.Result, original domain.Task, actor domain.User) (MoveResult, error) {
	if res.Has(workflow.EffectPersistTask) {
		if err := e.Store.SaveTask(ctx, res.Task); err != nil {
			return MoveResult{Task: original, From: res.From, To: res.To}, domain.PersistenceError{Op: "save task", Err: err}
		}
	}
	n := e.notifier()
	if res.Has(workflow.EffectNotifyStageMoved) {
		n.OnStageMoved(ctx, res.Task, res.From, res.To, actor)
	}
	if res.Has(workflow.EffectNotifyApprovalRequested) {
		n.OnApprovalRequested(ctx, res.Task, actor)
	}
	if res.Has(workflow.EffectRecomputeProgress) {
		e.recomputeAfter(ctx, res.Task.ProjectID, actor)
	}
	return MoveResult{Task: res.Task, From: res.From, To: res.To}, nil
}

// DeleteTask removes a task and, with it, the project's reference to it.
func (e Engine) DeleteTask(ctx context.Context, id string, actor domain.User) error {
	t, p, err := e.loadTaskAndProject(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.CanModifyTask(actor, t, p).Err("delete task"); err != nil {
		return err
	}
	if err := e.Store.DeleteTask(ctx, id); err != nil {
		return storeErr("delete task", "task", id, err)
	}
	e.record(ctx, events.TypeTaskDeleted, t.ProjectID, "task", t.ID, actor.ID, map[string]any{
		"title":        t.Title,
		"kanban_stage": t.KanbanStage,
	})
	e.recomputeAfter(ctx, p.ID, actor)
	return nil
}

// GetTask returns a task the actor may view.
func (e Engine) GetTask(ctx context.Context, id string, actor domain.User) (domain.Task, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return t, err
	}
	if err := auth.CanAccessTask(actor, t).Err("view task"); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskLister is implemented by stores that can filter tasks.
type TaskLister interface {
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
}

// ListTasks returns the tasks of a project that the actor may view. The limit
// applies to the visible tasks, after the access filter.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters, actor domain.User) ([]domain.Task, error) {
	if f.Stage != "" {
		if _, err := domain.ParseStage(f.Stage); err != nil {
			return nil, err
		}
	}
	var (
		all []domain.Task
		err error
	)
	limit := f.Limit
	f.Limit = 0
	if lister, ok := e.Store.(TaskLister); ok {
		all, err = lister.ListTasks(ctx, f)
	} else {
		all, err = e.Store.FindTasksByProject(ctx, f.ProjectID)
	}
	if err != nil {
		return nil, domain.PersistenceError{Op: "list tasks", Err: err}
	}
	visible := make([]domain.Task, 0, len(all))
	for _, t := range all {
		if limit > 0 && len(visible) == limit {
			break
		}
		if auth.CanAccessTask(actor, t).Allowed {
			visible = append(visible, t)
		}
	}
	return visible, nil
}

// recomputeAfter refreshes a project's progress after a task mutation has been
// saved. Failures leave the aggregate stale and are only logged.
func (e Engine) recomputeAfter(ctx context.Context, projectID string, actor domain.User) {
	if _, err := e.recompute(ctx, projectID, actor); err != nil {
		e.logger().Warn("project progress recompute failed",
			zap.String("project_id", projectID),
			zap.String("actor_id", actor.ID),
			zap.Error(err))
	}
}

func validateDate(field, v string) error {
	if _, err := time.Parse(dateLayout, v); err != nil {
		return domain.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a YYYY-MM-DD date", v)}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
