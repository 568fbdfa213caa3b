package domain

import "fmt"

// ValidationError reports malformed input. It is always returned before any
// persistence call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports a denial by the access gateway or the approval gate.
type AuthorizationError struct {
	Action string
	Reason string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Reason)
}

// NotFoundError reports a missing task, project, department or user.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// BusinessRuleError reports a well-formed, authorised request that the workflow forbids.
type BusinessRuleError struct {
	Rule   string
	Reason string
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Reason)
}

// PersistenceError wraps a failure of the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// Denial reasons attached to AuthorizationError.
const (
	ReasonNotApprover       = "not approver"
	ReasonNotModifier       = "not modifier"
	ReasonNoAccess          = "no access"
	ReasonMissingCapability = "missing capability"
)
