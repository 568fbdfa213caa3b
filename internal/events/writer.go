package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the log.
const (
	TypeTaskCreated            = "task.created"
	TypeTaskUpdated            = "task.updated"
	TypeTaskDeleted            = "task.deleted"
	TypeTaskStageMoved         = "task.stage_moved"
	TypeTaskApprovalRequested  = "task.approval_requested"
	TypeProjectCreated         = "project.created"
	TypeProjectAdjusted        = "project.adjusted"
	TypeProjectMemberAdded     = "project.member_added"
	TypeProjectProgressChanged = "project.progress_changed"
)

var types = []string{
	TypeTaskCreated,
	TypeTaskUpdated,
	TypeTaskDeleted,
	TypeTaskStageMoved,
	TypeTaskApprovalRequested,
	TypeProjectCreated,
	TypeProjectAdjusted,
	TypeProjectMemberAdded,
	TypeProjectProgressChanged,
}

// Types lists every event type the core writes.
func Types() []string {
	return append([]string(nil), types...)
}

// KnownType reports whether t is an event type the core writes.
func KnownType(t string) bool {
	for _, known := range types {
		if known == t {
			return true
		}
	}
	return false
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends rows to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. When tx is nil the writer's DB is used.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	var ex execer
	switch {
	case tx != nil:
		ex = tx
	case w.DB != nil:
		ex = w.DB
	default:
		return fmt.Errorf("event writer has no database")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
