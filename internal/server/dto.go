package server

import (
	"encoding/json"

	"deptrack/internal/domain"
	"deptrack/internal/engine"
	"deptrack/internal/engine/auth"
)

// Request payloads

type CreateProjectRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	DepartmentID string   `json:"department_id"`
	TeamID       string   `json:"team_id,omitempty"`
	Status       string   `json:"status,omitempty" enum:"planning,active,on_hold,completed,cancelled"`
	StartDate    string   `json:"start_date" format:"date"`
	Deadline     string   `json:"deadline" format:"date"`
	Members      []string `json:"members,omitempty"`
}

type AdjustProjectRequest struct {
	ManualAdjustment int `json:"manual_adjustment" minimum:"-10" maximum:"10"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

type CreateTaskRequest struct {
	ID                     string `json:"id,omitempty"`
	ProjectID              string `json:"project_id"`
	Title                  string `json:"title"`
	Description            string `json:"description,omitempty"`
	AssigneeID             string `json:"assignee_id,omitempty"`
	RequestingDepartmentID string `json:"requesting_department_id"`
	ExecutingDepartmentID  string `json:"executing_department_id"`
	Priority               string `json:"priority,omitempty" enum:"Low,Medium,High,Urgent"`
	KanbanStage            string `json:"kanban_stage,omitempty" enum:"Backlog,Todo,In Progress,Review"`
	Progress               int    `json:"progress,omitempty" minimum:"0" maximum:"100"`
	DueDate                string `json:"due_date,omitempty" format:"date"`
	Remark                 string `json:"remark,omitempty"`
}

type UpdateTaskRequest struct {
	Title                  *string `json:"title,omitempty"`
	Description            *string `json:"description,omitempty"`
	Priority               *string `json:"priority,omitempty" enum:"Low,Medium,High,Urgent"`
	AssigneeID             *string `json:"assignee_id,omitempty"`
	DueDate                *string `json:"due_date,omitempty"`
	Remark                 *string `json:"remark,omitempty"`
	Progress               *int    `json:"progress,omitempty" minimum:"0" maximum:"100"`
	RequestingDepartmentID *string `json:"requesting_department_id,omitempty"`
	ExecutingDepartmentID  *string `json:"executing_department_id,omitempty"`
}

func (r UpdateTaskRequest) patch() engine.TaskPatch {
	return engine.TaskPatch{
		Title:                  r.Title,
		Description:            r.Description,
		Priority:               r.Priority,
		AssigneeID:             r.AssigneeID,
		DueDate:                r.DueDate,
		Remark:                 r.Remark,
		Progress:               r.Progress,
		RequestingDepartmentID: r.RequestingDepartmentID,
		ExecutingDepartmentID:  r.ExecutingDepartmentID,
	}
}

type MoveStageRequest struct {
	Stage string `json:"stage" enum:"Backlog,Todo,In Progress,Review,Done"`
}

type RejectTaskRequest struct {
	Reason string `json:"reason"`
}

// Response payloads

type ProjectResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DepartmentID     string   `json:"department_id"`
	TeamID           *string  `json:"team_id,omitempty"`
	CreatorID        string   `json:"creator_id"`
	Status           string   `json:"status"`
	Progress         int      `json:"progress"`
	ManualAdjustment int      `json:"manual_adjustment"`
	StartDate        string   `json:"start_date" format:"date"`
	Deadline         string   `json:"deadline" format:"date"`
	Members          []string `json:"members"`
	TaskIDs          []string `json:"task_ids"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type TaskResponse = domain.Task

type MoveStageResponse struct {
	Task domain.Task  `json:"task"`
	From domain.Stage `json:"from"`
	To   domain.Stage `json:"to"`
}

type WhoAmIResponse struct {
	UserID       string   `json:"user_id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	DepartmentID string   `json:"department_id"`
	TeamID       *string  `json:"team_id,omitempty"`
	Capabilities []string `json:"capabilities"`
	CanApprove   bool     `json:"can_approve"`
	Source       string   `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:               p.ID,
		Name:             p.Name,
		DepartmentID:     p.DepartmentID,
		TeamID:           p.TeamID,
		CreatorID:        p.CreatorID,
		Status:           p.Status,
		Progress:         p.Progress,
		ManualAdjustment: p.ManualAdjustment,
		StartDate:        p.StartDate,
		Deadline:         p.Deadline,
		Members:          nonNilSlice(p.Members),
		TaskIDs:          nonNilSlice(p.TaskIDs),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func moveResponse(res engine.MoveResult) MoveStageResponse {
	return MoveStageResponse{Task: res.Task, From: res.From, To: res.To}
}

func whoAmIResponse(p Principal) WhoAmIResponse {
	caps := auth.Capabilities(p.User.Role)
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
	}
	return WhoAmIResponse{
		UserID:       p.User.ID,
		Name:         p.User.Name,
		Role:         string(p.User.Role),
		DepartmentID: p.User.DepartmentID,
		TeamID:       p.User.TeamID,
		Capabilities: names,
		CanApprove:   auth.CanApprove(p.User).Allowed,
		Source:       p.Source,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
