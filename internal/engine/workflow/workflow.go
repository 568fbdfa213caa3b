// Package workflow is the task lifecycle state machine. Every function is pure:
// it takes a task and returns the next task plus the effects an orchestrator must
// apply (persist, recompute, notify). Nothing here touches storage.
package workflow

import (
	"fmt"
	"time"

	"deptrack/internal/domain"
	"deptrack/internal/engine/auth"
)

// Effect is a side effect requested by a transition.
type Effect string

const (
	EffectPersistTask             Effect = "persist_task"
	EffectRecomputeProgress       Effect = "recompute_progress"
	EffectNotifyStageMoved        Effect = "notify_stage_moved"
	EffectNotifyApprovalRequested Effect = "notify_approval_requested"
)

// Result of a transition.
type Result struct {
	Task    domain.Task
	From    domain.Stage
	To      domain.Stage
	Effects []Effect
}

// Has reports whether the result requests e.
func (r Result) Has(e Effect) bool {
	for _, have := range r.Effects {
		if have == e {
			return true
		}
	}
	return false
}

// MoveStage moves t to the stage named by to on behalf of actor. The only gate
// enforced here is approval for Review -> Done; modify rights are checked by the
// caller before the move.
func MoveStage(t domain.Task, to string, actor domain.User, now time.Time) (Result, error) {
	next, err := domain.ParseStage(to)
	if err != nil {
		return Result{Task: t}, err
	}
	from := t.KanbanStage
	if from == next {
		return Result{Task: t, From: from, To: next}, nil
	}
	if from == domain.StageReview && next == domain.StageDone {
		if err := auth.CanApprove(actor).Err("approve task"); err != nil {
			return Result{Task: t}, err
		}
	}
	moved := enter(t, next, now)
	res := Result{
		Task:    moved,
		From:    from,
		To:      next,
		Effects: []Effect{EffectPersistTask, EffectNotifyStageMoved},
	}
	if (from == domain.StageDone) != (next == domain.StageDone) {
		res.Effects = append(res.Effects, EffectRecomputeProgress)
	}
	if next == domain.StageReview && from != domain.StageReview {
		res.Effects = append(res.Effects, EffectNotifyApprovalRequested)
	}
	return res, nil
}

// Approve moves a task in Review to Done.
func Approve(t domain.Task, actor domain.User, now time.Time) (Result, error) {
	if t.KanbanStage != domain.StageReview {
		return Result{Task: t}, domain.BusinessRuleError{
			Rule:   "approve",
			Reason: fmt.Sprintf("task is in %q, approval requires %q", t.KanbanStage, domain.StageReview),
		}
	}
	return MoveStage(t, string(domain.StageDone), actor, now)
}

// Reject sends a task in Review back to In Progress and records reason in the
// remark. The stage precondition is checked before the approver gate.
func Reject(t domain.Task, reason string, actor domain.User, now time.Time) (Result, error) {
	if t.KanbanStage != domain.StageReview {
		return Result{Task: t}, domain.BusinessRuleError{
			Rule:   "reject",
			Reason: fmt.Sprintf("task is in %q, rejection requires %q", t.KanbanStage, domain.StageReview),
		}
	}
	if err := auth.CanApprove(actor).Err("reject task"); err != nil {
		return Result{Task: t}, err
	}
	if reason == "" {
		return Result{Task: t}, domain.ValidationError{Field: "reason", Reason: "required"}
	}
	res, err := MoveStage(t, string(domain.StageInProgress), actor, now)
	if err != nil {
		return res, err
	}
	res.Task.Remark = reason
	return res, nil
}

// Initial places a new task in its first stage. Tasks cannot be created Done.
func Initial(t domain.Task, stage string, now time.Time) (domain.Task, error) {
	if stage == "" {
		stage = string(domain.StageBacklog)
	}
	st, err := domain.ParseStage(stage)
	if err != nil {
		return t, err
	}
	if st == domain.StageDone {
		return t, domain.ValidationError{Field: "kanban_stage", Reason: "tasks cannot be created in Done"}
	}
	if err := ValidateProgress(t.Progress); err != nil {
		return t, err
	}
	return enter(t, st, now), nil
}

// ValidateProgress enforces the 0..100 range.
func ValidateProgress(p int) error {
	if p < 0 || p > 100 {
		return domain.ValidationError{Field: "progress", Reason: fmt.Sprintf("%d outside 0..100", p)}
	}
	return nil
}

// enter applies the stage, its status projection and the first-entry date effects.
func enter(t domain.Task, st domain.Stage, now time.Time) domain.Task {
	ts := now.UTC().Format(time.RFC3339)
	t.KanbanStage = st
	t.Status = domain.StatusOf(st)
	switch st {
	case domain.StageInProgress:
		if t.StartDate == nil {
			t.StartDate = &ts
		}
	case domain.StageDone:
		if t.CompletedDate == nil {
			t.CompletedDate = &ts
		}
		t.Progress = 100
	}
	t.UpdatedAt = ts
	return t
}
