package planexec

import (
	"context"
	"time"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/outputresolver"
	"github.com/contenox/planengine/planstore"
)

// OutcomeKind is what a tool invocation reported.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeFailure          OutcomeKind = "failure"
	OutcomeApprovalRequired OutcomeKind = "approval_required"
)

// DecisionApproved is set on a ToolCall once a human approved the step.
const DecisionApproved = "approved"

// ToolCall is a single invocation handed to the ToolEngine.
type ToolCall struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
	PlanID   string         `json:"planId"`
	StepID   string         `json:"stepId"`
	UserID   string         `json:"userId,omitempty"`
	Decision string         `json:"decision,omitempty"`
}

// Outcome is the result of a ToolCall. ErrorKind, when the engine knows it,
// names the failure class (for example "timeout" or "rate_limit") and takes
// precedence over message matching during recovery.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	Result    any         `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"errorKind,omitempty"`
	Retryable bool        `json:"retryable"`
}

// ToolEngine runs tools. A returned error is treated like a failed outcome.
type ToolEngine interface {
	ExecuteToolCall(ctx context.Context, call ToolCall) (Outcome, error)
}

// ApprovalService is the part of approvalservice.Service the executor needs.
type ApprovalService interface {
	CreatePendingApproval(ctx context.Context, req approvalservice.Request) (*approvalservice.Approval, error)
	UpdateApprovalStatus(ctx context.Context, userID, approvalID string, decision approvalservice.Status, details string) (*approvalservice.Approval, error)
}

type OutputResolver interface {
	ResolveStepOutputs(step *planstore.Step, plan *planstore.Plan) outputresolver.Resolution
}

type ExecuteOptions struct {
	StopOnFailure bool   `json:"stopOnFailure"`
	SkipApprovals bool   `json:"skipApprovals"`
	UserID        string `json:"userId,omitempty"`
}

// StepResult is what one call observed for one step.
type StepResult struct {
	StepID    string               `json:"stepId"`
	Index     int                  `json:"index"`
	Status    planstore.StepStatus `json:"status"`
	Result    any                  `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorKind string               `json:"errorKind,omitempty"`
	Retryable bool                 `json:"retryable"`
	Duration  time.Duration        `json:"duration"`
}

type PlanExecutionResult struct {
	Plan              *planstore.Plan        `json:"plan"`
	Success           bool                   `json:"success"`
	Paused            bool                   `json:"paused"`
	PendingApprovalID string                 `json:"pendingApprovalId,omitempty"`
	StoppedAtIndex    *int                   `json:"stoppedAtIndex,omitempty"`
	SuccessfulSteps   int                    `json:"successfulSteps"`
	FailedSteps       int                    `json:"failedSteps"`
	SkippedSteps      int                    `json:"skippedSteps"`
	StepResults       map[string]*StepResult `json:"stepResults"`
	Duration          time.Duration          `json:"duration"`
	Error             string                 `json:"error,omitempty"`
}
