package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"deptrack/internal/db"
	"deptrack/internal/domain"
	"deptrack/internal/engine"
	"deptrack/internal/migrate"
	"deptrack/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Repo    repo.Repo
	Ctx     context.Context
	Project domain.Project
	Lead    domain.User
	Dev     domain.User
	MD      domain.User
	Outside domain.User
}

const seedTS = "2024-01-01T00:00:00Z"

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	env := testEnv{
		Repo:    r,
		Ctx:     ctx,
		Lead:    domain.User{ID: "lead", Name: "Lead", Role: domain.RoleTeamLead, DepartmentID: "eng", CreatedAt: seedTS},
		Dev:     domain.User{ID: "dev", Name: "Dev", Role: domain.RoleEmployee, DepartmentID: "eng", CreatedAt: seedTS},
		MD:      domain.User{ID: "md", Name: "Director", Role: domain.RoleManagingDirector, DepartmentID: "ops", CreatedAt: seedTS},
		Outside: domain.User{ID: "out", Name: "Outsider", Role: domain.RoleEmployee, DepartmentID: "ops", CreatedAt: seedTS},
	}
	err = r.SeedDirectory(ctx,
		[]domain.Department{{ID: "eng", Name: "Engineering", CreatedAt: seedTS}, {ID: "ops", Name: "Operations", CreatedAt: seedTS}},
		[]domain.User{env.Lead, env.Dev, env.MD, env.Outside})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	env.Engine = engine.New(conn, zap.NewNop())
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC) }
	env.Project, err = env.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:           "p1",
		Name:         "Platform",
		DepartmentID: "eng",
		StartDate:    "2024-01-01",
		Deadline:     "2024-06-30",
	}, env.Lead)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env testEnv) newTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:              env.Project.ID,
		Title:                  title,
		AssigneeID:             env.Dev.ID,
		RequestingDepartmentID: "eng",
		ExecutingDepartmentID:  "eng",
	}, env.Lead)
	if err != nil {
		t.Fatalf("create task %q: %v", title, err)
	}
	return task
}

func (env testEnv) move(t *testing.T, id string, actor domain.User, stages ...string) domain.Task {
	t.Helper()
	var res engine.MoveResult
	var err error
	for _, st := range stages {
		res, err = env.Engine.MoveTaskStage(env.Ctx, id, st, actor)
		if err != nil {
			t.Fatalf("move to %s: %v", st, err)
		}
	}
	return res.Task
}

func (env testEnv) progress(t *testing.T) int {
	t.Helper()
	p, err := env.Repo.FindProjectByID(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("load project: %v", err)
	}
	return p.Progress
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "  <b>Ship</b> it ")
	if task.Title != "Ship it" {
		t.Fatalf("title not sanitised: %q", task.Title)
	}
	if task.KanbanStage != domain.StageBacklog || task.Status != domain.StatusPending {
		t.Fatalf("unexpected initial stage %s/%s", task.KanbanStage, task.Status)
	}
	if task.Priority != domain.PriorityMedium {
		t.Fatalf("expected default priority, got %s", task.Priority)
	}
	if task.CreatorID != env.Lead.ID {
		t.Fatalf("creator not set: %q", task.CreatorID)
	}
	stored, err := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Title != task.Title || stored.AssigneeID == nil || *stored.AssigneeID != env.Dev.ID {
		t.Fatalf("stored task differs: %+v", stored)
	}
}

func TestCreateTaskDenied(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:              env.Project.ID,
		Title:                  "nope",
		RequestingDepartmentID: "eng",
		ExecutingDepartmentID:  "eng",
	}, env.Dev)
	var authErr domain.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	tasks, _ := env.Repo.FindTasksByProject(env.Ctx, env.Project.ID)
	if len(tasks) != 0 {
		t.Fatalf("denied create wrote %d tasks", len(tasks))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]engine.TaskCreateOptions{
		"empty title":    {ProjectID: "p1", Title: " ", RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng"},
		"bad priority":   {ProjectID: "p1", Title: "x", Priority: "Someday", RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng"},
		"bad stage":      {ProjectID: "p1", Title: "x", Stage: "Doing", RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng"},
		"created done":   {ProjectID: "p1", Title: "x", Stage: "Done", RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng"},
		"bad progress":   {ProjectID: "p1", Title: "x", Progress: 101, RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng"},
		"bad due date":   {ProjectID: "p1", Title: "x", DueDate: "31/12/2024", RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng"},
		"no departments": {ProjectID: "p1", Title: "x"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, opts, env.Lead)
			if err == nil {
				t.Fatalf("expected error")
			}
			var authErr domain.AuthorizationError
			if errors.As(err, &authErr) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestCreateTaskUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "missing", Title: "x", RequestingDepartmentID: "eng", ExecutingDepartmentID: "eng",
	}, env.Lead)
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "project" {
		t.Fatalf("expected project not found, got %v", err)
	}
}

func TestApproveFromReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "review me")
	env.newTask(t, "other")
	env.move(t, task.ID, env.Dev, "Todo", "In Progress", "Review")

	res, err := env.Engine.MoveTaskStage(env.Ctx, task.ID, "Done", env.Lead)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.From != domain.StageReview || res.To != domain.StageDone {
		t.Fatalf("unexpected transition %s -> %s", res.From, res.To)
	}
	if res.Task.CompletedDate == nil || res.Task.Progress != 100 || res.Task.Status != domain.StatusDone {
		t.Fatalf("done side effects missing: %+v", res.Task)
	}
	if got := env.progress(t); got != 50 {
		t.Fatalf("expected project progress 50, got %d", got)
	}
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "gated")
	env.move(t, task.ID, env.Dev, "Todo", "In Progress", "Review")

	_, err := env.Engine.MoveTaskStage(env.Ctx, task.ID, "Done", env.Dev)
	var authErr domain.AuthorizationError
	if !errors.As(err, &authErr) || authErr.Reason != domain.ReasonNotApprover {
		t.Fatalf("expected not approver, got %v", err)
	}
	stored, _ := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if stored.KanbanStage != domain.StageReview || stored.CompletedDate != nil {
		t.Fatalf("denied approval changed the task: %+v", stored)
	}
	if got := env.progress(t); got != 0 {
		t.Fatalf("denied approval changed progress to %d", got)
	}
}

func TestMoveDeniedForOutsider(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "private")
	_, err := env.Engine.MoveTaskStage(env.Ctx, task.ID, "Todo", env.Outside)
	var authErr domain.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	stored, _ := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if stored.KanbanStage != domain.StageBacklog || stored.UpdatedAt != task.UpdatedAt {
		t.Fatalf("denied move changed the task: %+v", stored)
	}
}

func TestMoveUnknownStage(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "x")
	_, err := env.Engine.MoveTaskStage(env.Ctx, task.ID, "Archived", env.Lead)
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMoveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "twice")
	first := env.move(t, task.ID, env.Dev, "In Progress")
	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }
	second := env.move(t, task.ID, env.Dev, "In Progress")
	if second.KanbanStage != first.KanbanStage || second.Status != first.Status {
		t.Fatalf("stage drifted: %s/%s", second.KanbanStage, second.Status)
	}
	if first.StartDate == nil || second.StartDate == nil || *first.StartDate != *second.StartDate {
		t.Fatalf("start date rewritten: %v vs %v", first.StartDate, second.StartDate)
	}
	stored, err := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.UpdatedAt != first.UpdatedAt || stored.UpdatedAt != first.UpdatedAt {
		t.Fatalf("same-stage move touched the task: %s / %s vs %s", second.UpdatedAt, stored.UpdatedAt, first.UpdatedAt)
	}
	evs, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: task.ID, Type: "task.stage_moved"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected one stage_moved event, got %d", len(evs))
	}
}

func TestRecomputeOnLeavingDone(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "reopen")
	env.move(t, task.ID, env.Lead, "Review", "Done")
	if got := env.progress(t); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	reopened := env.move(t, task.ID, env.Lead, "In Progress")
	if reopened.CompletedDate == nil {
		t.Fatalf("completed date should survive reopening")
	}
	if got := env.progress(t); got != 0 {
		t.Fatalf("expected 0 after leaving Done, got %d", got)
	}
}

func TestRejectTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "reject me")
	env.move(t, task.ID, env.Dev, "Todo", "In Progress", "Review")

	if _, err := env.Engine.RejectTask(env.Ctx, task.ID, "  ", env.Lead); err == nil {
		t.Fatalf("expected empty reason to fail")
	}
	if _, err := env.Engine.RejectTask(env.Ctx, task.ID, "tests missing", env.Dev); err == nil {
		t.Fatalf("expected employee reject to fail")
	}
	got, err := env.Engine.RejectTask(env.Ctx, task.ID, "tests <i>missing</i>", env.Lead)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.KanbanStage != domain.StageInProgress || got.Remark != "tests missing" {
		t.Fatalf("unexpected rejected task: %+v", got)
	}
	if _, err := env.Engine.RejectTask(env.Ctx, task.ID, "again", env.Lead); err == nil {
		t.Fatalf("expected reject outside Review to fail")
	}
}

func TestApproveTaskOutsideReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "early")
	_, err := env.Engine.ApproveTask(env.Ctx, task.ID, env.MD)
	var rule domain.BusinessRuleError
	if !errors.As(err, &rule) {
		t.Fatalf("expected business rule error, got %v", err)
	}
	env.move(t, task.ID, env.Lead, "Review")
	approved, err := env.Engine.ApproveTask(env.Ctx, task.ID, env.MD)
	if err != nil || approved.KanbanStage != domain.StageDone {
		t.Fatalf("approve: %v %+v", err, approved)
	}
}

func TestUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "patch")
	title := "patched"
	prio := "Urgent"
	got, err := env.Engine.UpdateTask(env.Ctx, task.ID, engine.TaskPatch{Title: &title, Priority: &prio}, env.Lead)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "patched" || got.Priority != domain.PriorityUrgent {
		t.Fatalf("patch not applied: %+v", got)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, task.ID, engine.TaskPatch{Title: &title}, env.Outside); err == nil {
		t.Fatalf("expected outsider update to fail")
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, "missing", engine.TaskPatch{Title: &title}, env.Lead); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestUpdateDoneProgress(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "finished")
	env.move(t, task.ID, env.Lead, "Review", "Done")
	low := 40
	_, err := env.Engine.UpdateTask(env.Ctx, task.ID, engine.TaskPatch{Progress: &low}, env.Lead)
	var rule domain.BusinessRuleError
	if !errors.As(err, &rule) {
		t.Fatalf("expected business rule error, got %v", err)
	}
}

func TestDeleteTaskRecomputes(t *testing.T) {
	env := newTestEnv(t)
	done := env.newTask(t, "done")
	open := env.newTask(t, "open")
	env.move(t, done.ID, env.Lead, "Review", "Done")
	if got := env.progress(t); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
	if err := env.Engine.DeleteTask(env.Ctx, open.ID, env.Outside); err == nil {
		t.Fatalf("expected outsider delete to fail")
	}
	if err := env.Engine.DeleteTask(env.Ctx, open.ID, env.Lead); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := env.progress(t); got != 100 {
		t.Fatalf("expected 100 after delete, got %d", got)
	}
	p, _ := env.Repo.FindProjectByID(env.Ctx, env.Project.ID)
	if len(p.TaskIDs) != 1 || p.TaskIDs[0] != done.ID {
		t.Fatalf("unexpected task ids %v", p.TaskIDs)
	}
}

func TestListTasksFiltersByAccess(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "a")
	env.newTask(t, "b")
	visible, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID}, env.Dev)
	if err != nil || len(visible) != 2 {
		t.Fatalf("dev: %v %d", err, len(visible))
	}
	visible, err = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID}, env.Outside)
	if err != nil || len(visible) != 0 {
		t.Fatalf("outsider: %v %d", err, len(visible))
	}
	if _, err := env.Engine.GetTask(env.Ctx, firstTaskID(t, env), env.Outside); err == nil {
		t.Fatalf("expected outsider get to fail")
	}
}

func firstTaskID(t *testing.T, env testEnv) string {
	t.Helper()
	tasks, err := env.Repo.FindTasksByProject(env.Ctx, env.Project.ID)
	if err != nil || len(tasks) == 0 {
		t.Fatalf("no tasks: %v", err)
	}
	return tasks[0].ID
}

func TestAdjustProject(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "a")
	env.newTask(t, "b")
	env.newTask(t, "c")
	env.move(t, task.ID, env.Lead, "Review", "Done")
	if got := env.progress(t); got != 33 {
		t.Fatalf("expected 33, got %d", got)
	}
	p, err := env.Engine.AdjustProject(env.Ctx, env.Project.ID, 10, env.Lead)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if p.Progress != 43 || p.ManualAdjustment != 10 {
		t.Fatalf("unexpected project %+v", p)
	}
	if _, err := env.Engine.AdjustProject(env.Ctx, env.Project.ID, 11, env.Lead); err == nil {
		t.Fatalf("expected out of range adjustment to fail")
	}
	if _, err := env.Engine.AdjustProject(env.Ctx, env.Project.ID, 5, env.Outside); err == nil {
		t.Fatalf("expected outsider adjustment to fail")
	}
}

func TestRecomputeProgressIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "a")
	env.newTask(t, "b")
	env.move(t, task.ID, env.Lead, "Review", "Done")
	first, err := env.Engine.RecomputeProgress(env.Ctx, env.Project.ID, env.Lead)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	second, err := env.Engine.RecomputeProgress(env.Ctx, env.Project.ID, env.Lead)
	if err != nil {
		t.Fatalf("recompute again: %v", err)
	}
	if first.Progress != 50 || second.Progress != 50 || first.UpdatedAt != second.UpdatedAt {
		t.Fatalf("recompute not idempotent: %+v vs %+v", first, second)
	}
}

func TestProjectMembership(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetProject(env.Ctx, env.Project.ID, env.Outside); err == nil {
		t.Fatalf("expected outsider to be denied")
	}
	p, err := env.Engine.AddProjectMember(env.Ctx, env.Project.ID, env.Outside.ID, env.Lead)
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if !p.HasMember(env.Outside.ID) || !p.HasMember(env.Lead.ID) {
		t.Fatalf("members: %v", p.Members)
	}
	if _, err := env.Engine.GetProject(env.Ctx, env.Project.ID, env.Outside); err != nil {
		t.Fatalf("member should see project: %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Late", DepartmentID: "eng", StartDate: "2024-05-01", Deadline: "2024-05-01",
	}, env.Lead)
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "deadline" {
		t.Fatalf("expected deadline validation error, got %v", err)
	}
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Mine", DepartmentID: "eng", StartDate: "2024-05-01", Deadline: "2024-06-01",
	}, env.Dev)
	var authErr domain.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected employee to be denied, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "audited")
	env.move(t, task.ID, env.Dev, "Todo", "In Progress", "Review")
	env.move(t, task.ID, env.Lead, "Done")
	evs, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: task.ID, Limit: 50})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]int{}
	for _, ev := range evs {
		seen[ev.Type]++
	}
	if seen["task.created"] != 1 || seen["task.stage_moved"] != 4 || seen["task.approval_requested"] != 1 {
		t.Fatalf("unexpected event counts %v", seen)
	}
	projEvents, _ := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "project.progress_changed"})
	if len(projEvents) != 1 {
		t.Fatalf("expected one progress event, got %d", len(projEvents))
	}
}

func TestListTasksLimitAppliesAfterAccessFilter(t *testing.T) {
	env := newTestEnv(t)
	env.newTask(t, "a1")
	env.newTask(t, "a2")
	z9, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:              env.Project.ID,
		Title:                  "z9",
		RequestingDepartmentID: "ops",
		ExecutingDepartmentID:  "eng",
	}, env.Lead)
	if err != nil {
		t.Fatalf("create z9: %v", err)
	}
	for _, limit := range []int{0, 1, 2} {
		visible, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID, Limit: limit}, env.Outside)
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		if len(visible) != 1 || visible[0].ID != z9.ID {
			t.Fatalf("limit %d: expected only z9, got %d tasks", limit, len(visible))
		}
	}
	visible, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: env.Project.ID, Limit: 2}, env.Dev)
	if err != nil || len(visible) != 2 {
		t.Fatalf("dev with limit 2: %v %d", err, len(visible))
	}
}

func TestListProjectsIncludesMembership(t *testing.T) {
	env := newTestEnv(t)
	visible, err := env.Engine.ListProjects(env.Ctx, env.Outside)
	if err != nil || len(visible) != 0 {
		t.Fatalf("outsider before joining: %v %d", err, len(visible))
	}
	if _, err := env.Engine.AddProjectMember(env.Ctx, env.Project.ID, env.Outside.ID, env.Lead); err != nil {
		t.Fatalf("add member: %v", err)
	}
	env.newTask(t, "a")
	all, err := env.Repo.ListProjects(env.Ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list projects: %v %d", err, len(all))
	}
	if !all[0].HasMember(env.Outside.ID) || len(all[0].TaskIDs) != 1 {
		t.Fatalf("listed project lacks links: members=%v tasks=%v", all[0].Members, all[0].TaskIDs)
	}
	visible, err = env.Engine.ListProjects(env.Ctx, env.Outside)
	if err != nil || len(visible) != 1 || visible[0].ID != env.Project.ID {
		t.Fatalf("member should list project: %v %d", err, len(visible))
	}
}

func TestStatusReadBackFromStage(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "drift")
	if _, err := env.Repo.DB.ExecContext(env.Ctx, `UPDATE tasks SET status='Done' WHERE id=?`, task.ID); err != nil {
		t.Fatalf("edit row: %v", err)
	}
	stored, err := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("expected status derived from Backlog, got %s", stored.Status)
	}
}

// failingStore wraps the real store and fails the configured saves.
type failingStore struct {
	repo.Repo
	saveTaskErr    error
	saveProjectErr error
}

func (s failingStore) SaveTask(ctx context.Context, t domain.Task) error {
	if s.saveTaskErr != nil {
		return s.saveTaskErr
	}
	return s.Repo.SaveTask(ctx, t)
}

func (s failingStore) SaveProject(ctx context.Context, p domain.Project) error {
	if s.saveProjectErr != nil {
		return s.saveProjectErr
	}
	return s.Repo.SaveProject(ctx, p)
}

func TestSaveTaskFailureLeavesTaskUnchanged(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "fragile")
	env.Engine.Store = failingStore{Repo: env.Repo, saveTaskErr: errors.New("disk full")}

	res, err := env.Engine.MoveTaskStage(env.Ctx, task.ID, "In Progress", env.Dev)
	var perr domain.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if res.Task.KanbanStage != domain.StageBacklog {
		t.Fatalf("returned task moved to %s", res.Task.KanbanStage)
	}
	stored, err := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.KanbanStage != domain.StageBacklog || stored.StartDate != nil {
		t.Fatalf("failed move was partly saved: %+v", stored)
	}
	evs, _ := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: task.ID, Type: "task.stage_moved"})
	if len(evs) != 0 {
		t.Fatalf("expected no stage_moved event, got %d", len(evs))
	}
}

func TestRecomputeFailureKeepsTaskMutation(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "finish")
	env.move(t, task.ID, env.Lead, "Review")
	core, logs := observer.New(zap.WarnLevel)
	env.Engine.Log = zap.New(core)
	env.Engine.Store = failingStore{Repo: env.Repo, saveProjectErr: errors.New("disk full")}

	res, err := env.Engine.MoveTaskStage(env.Ctx, task.ID, "Done", env.Lead)
	if err != nil {
		t.Fatalf("move should succeed despite recompute failure: %v", err)
	}
	if res.Task.KanbanStage != domain.StageDone {
		t.Fatalf("unexpected stage %s", res.Task.KanbanStage)
	}
	stored, err := env.Repo.FindTaskByID(env.Ctx, task.ID)
	if err != nil || stored.KanbanStage != domain.StageDone {
		t.Fatalf("task not saved as Done: %v %+v", err, stored)
	}
	if got := env.progress(t); got != 0 {
		t.Fatalf("expected stale progress 0, got %d", got)
	}
	if logs.FilterMessage("project progress recompute failed").Len() != 1 {
		t.Fatalf("expected recompute failure to be logged, got %v", logs.All())
	}

	env.Engine.Store = env.Repo
	p, err := env.Engine.RecomputeProgress(env.Ctx, env.Project.ID, env.Lead)
	if err != nil || p.Progress != 100 {
		t.Fatalf("repair: %v %d", err, p.Progress)
	}
}

func TestAdjustProjectSaveFailure(t *testing.T) {
	env := newTestEnv(t)
	task := env.newTask(t, "a")
	env.newTask(t, "b")
	env.move(t, task.ID, env.Lead, "Review", "Done")
	env.Engine.Store = failingStore{Repo: env.Repo, saveProjectErr: errors.New("disk full")}

	_, err := env.Engine.AdjustProject(env.Ctx, env.Project.ID, 5, env.Lead)
	var perr domain.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	stored, err := env.Repo.FindProjectByID(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.ManualAdjustment != 0 || stored.Progress != 50 {
		t.Fatalf("failed adjustment was saved: %+v", stored)
	}
	evs, _ := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "project.adjusted"})
	if len(evs) != 0 {
		t.Fatalf("expected no adjusted event, got %d", len(evs))
	}

	env.Engine.Store = env.Repo
	p, err := env.Engine.AdjustProject(env.Ctx, env.Project.ID, 5, env.Lead)
	if err != nil || p.Progress != 55 || p.ManualAdjustment != 5 {
		t.Fatalf("adjust: %v %+v", err, p)
	}
	stored, _ = env.Repo.FindProjectByID(env.Ctx, env.Project.ID)
	if stored.Progress != 55 || stored.ManualAdjustment != 5 {
		t.Fatalf("stored project %+v", stored)
	}
}
