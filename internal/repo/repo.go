package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"deptrack/internal/domain"
)

// Repo is the SQLite-backed store. Every write is a single statement or a
// single transaction, so a saved task is either fully written or not at all.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id,name,department_id,team_id,creator_id,status,progress,manual_adjustment,start_date,deadline,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var teamID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.DepartmentID, &teamID, &p.CreatorID, &p.Status, &p.Progress,
		&p.ManualAdjustment, &p.StartDate, &p.Deadline, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.TeamID = stringPtr(teamID)
	return p, nil
}

// FindProjectByID loads a project with its members and derived task ids.
func (r Repo) FindProjectByID(ctx context.Context, id string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	return p, r.loadProjectLinks(ctx, &p)
}

func (r Repo) loadProjectLinks(ctx context.Context, p *domain.Project) error {
	var err error
	if p.Members, err = r.queryStrings(ctx, `SELECT user_id FROM project_members WHERE project_id=? ORDER BY user_id`, p.ID); err != nil {
		return err
	}
	p.TaskIDs, err = r.queryStrings(ctx, `SELECT id FROM tasks WHERE project_id=? ORDER BY created_at, id`, p.ID)
	return err
}

// SaveProject inserts or replaces the project row. Members are written by
// AddProjectMember.
func (r Repo) SaveProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  department_id=excluded.department_id,
  team_id=excluded.team_id,
  status=excluded.status,
  progress=excluded.progress,
  manual_adjustment=excluded.manual_adjustment,
  start_date=excluded.start_date,
  deadline=excluded.deadline,
  updated_at=excluded.updated_at`,
		p.ID, p.Name, p.DepartmentID, nullableStringPtr(p.TeamID), p.CreatorID, p.Status, p.Progress,
		p.ManualAdjustment, p.StartDate, p.Deadline, p.CreatedAt, p.UpdatedAt)
	return err
}

// CreateProject writes a new project and its initial members in one transaction.
func (r Repo) CreateProject(ctx context.Context, p domain.Project) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.DepartmentID, nullableStringPtr(p.TeamID), p.CreatorID, p.Status, p.Progress,
		p.ManualAdjustment, p.StartDate, p.Deadline, p.CreatedAt, p.UpdatedAt); err != nil {
		return err
	}
	for _, m := range p.Members {
		if err := addMember(ctx, tx, p.ID, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) AddProjectMember(ctx context.Context, projectID, userID string) error {
	return addMember(ctx, r.DB, projectID, userID)
}

func addMember(ctx context.Context, ex execer, projectID, userID string) error {
	_, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO project_members(project_id,user_id) VALUES (?,?)`, projectID, userID)
	return err
}

// ListProjects returns every project with its members and task ids, newest first.
func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range res {
		if err := r.loadProjectLinks(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

const taskColumns = `id,project_id,title,description,assignee_id,requesting_department_id,executing_department_id,creator_id,status,kanban_stage,progress,priority,due_date,start_date,completed_date,remark,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, assigneeID, dueDate, startDate, completedDate, remark sql.NullString
	var status, stage, priority string // status is derived from stage
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &assigneeID, &t.RequestingDepartmentID,
		&t.ExecutingDepartmentID, &t.CreatorID, &status, &stage, &t.Progress, &priority, &dueDate,
		&startDate, &completedDate, &remark, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.KanbanStage = domain.Stage(stage)
	t.Status = domain.StatusOf(t.KanbanStage)
	t.Priority = domain.Priority(priority)
	t.Description = description.String
	t.Remark = remark.String
	t.AssigneeID = stringPtr(assigneeID)
	t.DueDate = stringPtr(dueDate)
	t.StartDate = stringPtr(startDate)
	t.CompletedDate = stringPtr(completedDate)
	return t, nil
}

func (r Repo) FindTaskByID(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	ProjectID  string
	Stage      string
	AssigneeID string
	Limit      int
}

func (r Repo) FindTasksByProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{ProjectID: projectID})
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "kanban_stage=?")
		args = append(args, f.Stage)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SaveTask upserts every column of t in one statement.
func (r Repo) SaveTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  project_id=excluded.project_id,
  title=excluded.title,
  description=excluded.description,
  assignee_id=excluded.assignee_id,
  requesting_department_id=excluded.requesting_department_id,
  executing_department_id=excluded.executing_department_id,
  status=excluded.status,
  kanban_stage=excluded.kanban_stage,
  progress=excluded.progress,
  priority=excluded.priority,
  due_date=excluded.due_date,
  start_date=excluded.start_date,
  completed_date=excluded.completed_date,
  remark=excluded.remark,
  updated_at=excluded.updated_at`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), nullableStringPtr(t.AssigneeID),
		t.RequestingDepartmentID, t.ExecutingDepartmentID, t.CreatorID, string(t.Status), string(t.KanbanStage),
		t.Progress, string(t.Priority), nullableStringPtr(t.DueDate), nullableStringPtr(t.StartDate),
		nullableStringPtr(t.CompletedDate), nullable(t.Remark), t.CreatedAt, t.UpdatedAt)
	return err
}

// DeleteTask removes the task row; the project's task list is derived from it.
func (r Repo) DeleteTask(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountTasksByStage returns the task count per stage for a project.
func (r Repo) CountTasksByStage(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kanban_stage, COUNT(*) FROM tasks WHERE project_id=? GROUP BY kanban_stage`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

func (r Repo) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
