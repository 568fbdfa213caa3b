package events

import (
	"context"

	"go.uber.org/zap"

	"deptrack/internal/domain"
)

// Notifier records lifecycle notifications in the event log. Delivery is
// fire-and-forget: failures are logged and never reach the caller.
type Notifier struct {
	Writer Writer
	Log    *zap.Logger
}

func (n Notifier) logger() *zap.Logger {
	if n.Log != nil {
		return n.Log
	}
	return zap.NewNop()
}

func (n Notifier) OnTaskCreated(ctx context.Context, t domain.Task, actor domain.User) {
	n.Record(ctx, TypeTaskCreated, t.ProjectID, "task", t.ID, actor.ID, map[string]any{
		"title":                    t.Title,
		"kanban_stage":             t.KanbanStage,
		"requesting_department_id": t.RequestingDepartmentID,
		"executing_department_id":  t.ExecutingDepartmentID,
		"assignee_id":              t.AssigneeID,
	})
}

func (n Notifier) OnStageMoved(ctx context.Context, t domain.Task, from, to domain.Stage, actor domain.User) {
	n.Record(ctx, TypeTaskStageMoved, t.ProjectID, "task", t.ID, actor.ID, map[string]any{
		"from":   from,
		"to":     to,
		"status": t.Status,
	})
}

func (n Notifier) OnApprovalRequested(ctx context.Context, t domain.Task, actor domain.User) {
	n.Record(ctx, TypeTaskApprovalRequested, t.ProjectID, "task", t.ID, actor.ID, map[string]any{
		"title":                   t.Title,
		"executing_department_id": t.ExecutingDepartmentID,
	})
}

func (n Notifier) OnProjectProgressChanged(ctx context.Context, p domain.Project, previous int, actor domain.User) {
	n.Record(ctx, TypeProjectProgressChanged, p.ID, "project", p.ID, actor.ID, map[string]any{
		"from":              previous,
		"to":                p.Progress,
		"manual_adjustment": p.ManualAdjustment,
	})
}

// Record appends an arbitrary audit entry.
func (n Notifier) Record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload map[string]any) {
	if err := n.Writer.Append(ctx, nil, evtType, projectID, entityKind, entityID, actorID, EventPayload(payload)); err != nil {
		n.logger().Warn("event append failed",
			zap.String("type", evtType),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}
