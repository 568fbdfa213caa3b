package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"deptrack/internal/domain"
	"deptrack/internal/events"
	"deptrack/internal/repo"
)

// Store is the persistence collaborator. Implementations return repo.ErrNotFound
// for missing rows.
type Store interface {
	FindTaskByID(ctx context.Context, id string) (domain.Task, error)
	FindTasksByProject(ctx context.Context, projectID string) ([]domain.Task, error)
	SaveTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	FindProjectByID(ctx context.Context, id string) (domain.Project, error)
	SaveProject(ctx context.Context, p domain.Project) error
	CreateProject(ctx context.Context, p domain.Project) error
	AddProjectMember(ctx context.Context, projectID, userID string) error
	FindUserByID(ctx context.Context, id string) (domain.User, error)
	FindDepartmentByID(ctx context.Context, id string) (domain.Department, error)
}

// Notifier receives one-way lifecycle notifications.
type Notifier interface {
	OnTaskCreated(ctx context.Context, t domain.Task, actor domain.User)
	OnStageMoved(ctx context.Context, t domain.Task, from, to domain.Stage, actor domain.User)
	OnApprovalRequested(ctx context.Context, t domain.Task, actor domain.User)
	OnProjectProgressChanged(ctx context.Context, p domain.Project, previous int, actor domain.User)
}

// Auditor records mutations that have no dedicated notification.
type Auditor interface {
	Record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload map[string]any)
}

type Engine struct {
	Store  Store
	Notify Notifier
	Audit  Auditor
	Log    *zap.Logger
	Now    func() time.Time
}

// New wires the SQLite store and the event-log notifier.
func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	n := events.Notifier{Writer: events.Writer{DB: db}, Log: log}
	return Engine{
		Store:  repo.Repo{DB: db},
		Notify: n,
		Audit:  n,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) record(ctx context.Context, evtType, projectID, kind, id, actorID string, payload map[string]any) {
	if e.Audit != nil {
		e.Audit.Record(ctx, evtType, projectID, kind, id, actorID, payload)
	}
}

// notifier never returns nil so call sites stay unconditional.
func (e Engine) notifier() Notifier {
	if e.Notify != nil {
		return e.Notify
	}
	return nopNotifier{}
}

type nopNotifier struct{}

func (nopNotifier) OnTaskCreated(context.Context, domain.Task, domain.User) {}
func (nopNotifier) OnStageMoved(context.Context, domain.Task, domain.Stage, domain.Stage, domain.User) {}
func (nopNotifier) OnApprovalRequested(context.Context, domain.Task, domain.User) {}
func (nopNotifier) OnProjectProgressChanged(context.Context, domain.Project, int, domain.User) {}

// storeErr maps a store failure into the error taxonomy.
func storeErr(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	return domain.PersistenceError{Op: op, Err: err}
}

func (e Engine) loadTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Store.FindTaskByID(ctx, id)
	return t, storeErr("load task", "task", id, err)
}

func (e Engine) loadProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Store.FindProjectByID(ctx, id)
	return p, storeErr("load project", "project", id, err)
}

func (e Engine) ensureDepartment(ctx context.Context, id string) error {
	_, err := e.Store.FindDepartmentByID(ctx, id)
	return storeErr("load department", "department", id, err)
}

func (e Engine) ensureUser(ctx context.Context, id string) error {
	_, err := e.Store.FindUserByID(ctx, id)
	return storeErr("load user", "user", id, err)
}

// loadTaskAndProject returns a task with the project it belongs to.
func (e Engine) loadTaskAndProject(ctx context.Context, id string) (domain.Task, domain.Project, error) {
	t, err := e.loadTask(ctx, id)
	if err != nil {
		return t, domain.Project{}, err
	}
	p, err := e.loadProject(ctx, t.ProjectID)
	return t, p, err
}
