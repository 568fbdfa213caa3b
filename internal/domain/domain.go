package domain

import (
	"fmt"
	"strings"
)

// Role is the canonical organisational role of a user.
type Role string

const (
	RoleManagingDirector Role = "managing_director"
	RoleITAdmin          Role = "it_admin"
	RoleTeamLead         Role = "team_lead"
	RoleEmployee         Role = "employee"
)

var roles = []Role{RoleManagingDirector, RoleITAdmin, RoleTeamLead, RoleEmployee}

// Roles returns every known role.
func Roles() []Role {
	return append([]Role(nil), roles...)
}

// ParseRole normalises a role string from outside the core. Casing, surrounding
// whitespace and hyphens are ignored, so "TEAM_LEAD", "team-lead" and "team_lead"
// all resolve to RoleTeamLead.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.ReplaceAll(norm, " ", "_")
	for _, r := range roles {
		if string(r) == norm {
			return r, nil
		}
	}
	return "", ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
}

// Stage is the authoritative kanban stage of a task.
type Stage string

const (
	StageBacklog    Stage = "Backlog"
	StageTodo       Stage = "Todo"
	StageInProgress Stage = "In Progress"
	StageReview     Stage = "Review"
	StageDone       Stage = "Done"
)

var stages = []Stage{StageBacklog, StageTodo, StageInProgress, StageReview, StageDone}

// Stages returns the stages in workflow order.
func Stages() []Stage {
	return append([]Stage(nil), stages...)
}

// Valid reports whether s is a member of the stage enumeration.
func (s Stage) Valid() bool {
	for _, v := range stages {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStage accepts exactly the enumeration values.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", ValidationError{Field: "kanban_stage", Reason: fmt.Sprintf("unknown stage %q", s)}
	}
	return st, nil
}

// Status is the UI-facing projection of a Stage.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusReview     Status = "Review"
	StatusDone       Status = "Done"
)

var stageStatus = map[Stage]Status{
	StageBacklog:    StatusPending,
	StageTodo:       StatusPending,
	StageInProgress: StatusInProgress,
	StageReview:     StatusReview,
	StageDone:       StatusDone,
}

// StatusOf projects a stage to its status. Unknown stages map to Pending.
func StatusOf(s Stage) Status {
	if st, ok := stageStatus[s]; ok {
		return st
	}
	return StatusPending
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// ParsePriority returns PriorityMedium for an empty string.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

// Project statuses.
const (
	ProjectPlanning  = "planning"
	ProjectActive    = "active"
	ProjectOnHold    = "on_hold"
	ProjectCompleted = "completed"
	ProjectCancelled = "cancelled"
)

// ValidProjectStatus reports whether s is a known project status.
func ValidProjectStatus(s string) bool {
	switch s {
	case ProjectPlanning, ProjectActive, ProjectOnHold, ProjectCompleted, ProjectCancelled:
		return true
	}
	return false
}

const (
	MinManualAdjustment = -10
	MaxManualAdjustment = 10
)

type Department struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	CreatedAt string `json:"created_at" format:"date-time" yaml:"-"`
}

type User struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Role         Role    `json:"role" enum:"managing_director,it_admin,team_lead,employee"`
	DepartmentID string  `json:"department_id"`
	TeamID       *string `json:"team_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Project struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	DepartmentID     string   `json:"department_id"`
	TeamID           *string  `json:"team_id,omitempty"`
	CreatorID        string   `json:"creator_id"`
	Status           string   `json:"status" enum:"planning,active,on_hold,completed,cancelled"`
	Progress         int      `json:"progress" minimum:"0" maximum:"100"`
	ManualAdjustment int      `json:"manual_adjustment" minimum:"-10" maximum:"10"`
	StartDate        string   `json:"start_date" format:"date"`
	Deadline         string   `json:"deadline" format:"date"`
	Members          []string `json:"members,omitempty"`
	TaskIDs          []string `json:"task_ids,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// HasMember reports whether userID is a member of the project.
func (p Project) HasMember(userID string) bool {
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type Task struct {
	ID                     string   `json:"id"`
	ProjectID              string   `json:"project_id"`
	Title                  string   `json:"title"`
	Description            string   `json:"description,omitempty"`
	AssigneeID             *string  `json:"assignee_id,omitempty"`
	RequestingDepartmentID string   `json:"requesting_department_id"`
	ExecutingDepartmentID  string   `json:"executing_department_id"`
	CreatorID              string   `json:"creator_id"`
	Status                 Status   `json:"status" enum:"Pending,In Progress,Review,Done"`
	KanbanStage            Stage    `json:"kanban_stage" enum:"Backlog,Todo,In Progress,Review,Done"`
	Progress               int      `json:"progress" minimum:"0" maximum:"100"`
	Priority               Priority `json:"priority" enum:"Low,Medium,High,Urgent"`
	DueDate                *string  `json:"due_date,omitempty" format:"date"`
	StartDate              *string  `json:"start_date,omitempty" format:"date-time"`
	CompletedDate          *string  `json:"completed_date,omitempty" format:"date-time"`
	Remark                 string   `json:"remark,omitempty"`
	CreatedAt              string   `json:"created_at" format:"date-time"`
	UpdatedAt              string   `json:"updated_at" format:"date-time"`
}

// CrossDepartment reports whether the requesting and executing departments differ.
func (t Task) CrossDepartment() bool {
	return t.RequestingDepartmentID != t.ExecutingDepartmentID
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
