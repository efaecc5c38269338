// Package planerr defines the error taxonomy shared by the plan engine.
//
// Every error carries a stable Code plus the plan and step it concerns.
// Structural and precondition errors (bad ids, illegal transitions) are
// returned to the caller; tool failures never surface as *Error from the
// executor, they are recorded on the step instead.
package planerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	ValidationFailed       Code = "validation_failed"
	PlanNotFound           Code = "plan_not_found"
	StepNotFound           Code = "step_not_found"
	PlanNotPending         Code = "plan_not_pending"
	PlanAlreadyCompleted   Code = "plan_already_completed"
	PlanAlreadyFailed      Code = "plan_already_failed"
	StepNotExecutable      Code = "step_not_executable"
	DependencyNotMet       Code = "dependency_not_met"
	ToolExecutionFailed    Code = "tool_execution_failed"
	PersistenceError       Code = "persistence_error"
	InvalidStateTransition Code = "invalid_state_transition"
	ApprovalNotFound       Code = "approval_not_found"
	TemplateInvalid        Code = "template_invalid"
)

type Error struct {
	Code      Code
	Message   string
	PlanID    string
	StepID    string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PlanID != "" {
		msg += fmt.Sprintf(" (plan: %s", e.PlanID)
		if e.StepID != "" {
			msg += fmt.Sprintf(", step: %s", e.StepID)
		}
		msg += ")"
	} else if e.StepID != "" {
		msg += fmt.Sprintf(" (step: %s)", e.StepID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, planerr.New(planerr.PlanNotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) WithPlan(planID string) *Error {
	e.PlanID = planID
	return e
}

func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// InvalidTransition names the rejected transition in the message.
func InvalidTransition(planID string, from, to string) *Error {
	return New(InvalidStateTransition, fmt.Sprintf("cannot transition plan from %s to %s", from, to)).WithPlan(planID)
}
