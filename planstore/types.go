package planstore

import (
	"context"
	"time"
)

// PlanStatus represents the current state of a plan.
type PlanStatus string

const (
	PlanStatusPlanned   PlanStatus = "planned"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal reports whether no further execution is possible.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed || s == PlanStatusCancelled
}

// StepStatus represents the current state of a plan step.
type StepStatus string

const (
	StepStatusPending          StepStatus = "pending"
	StepStatusExecuting        StepStatus = "executing"
	StepStatusCompleted        StepStatus = "completed"
	StepStatusFailed           StepStatus = "failed"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
	StepStatusSkipped          StepStatus = "skipped"
	StepStatusRolledBack       StepStatus = "rolled_back"
)

// IsTerminal reports whether the executor will not run the step again.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusRolledBack:
		return true
	}
	return false
}

// Reasons recorded when a step is skipped.
const (
	SkipReasonDependencyFailed = "dependency_failed"
	SkipReasonUserCancelled    = "user_cancelled"
	SkipReasonPlanCancelled    = "plan_cancelled"
	SkipReasonRecovery         = "recovery_skip"
	SkipReasonRolledBack       = "rolled_back"
	SkipReasonPlanAborted      = "plan_aborted"
)

// AssumptionCategory classifies what a planner assumed.
type AssumptionCategory string

const (
	AssumptionIntent     AssumptionCategory = "intent"
	AssumptionContext    AssumptionCategory = "context"
	AssumptionPreference AssumptionCategory = "preference"
	AssumptionInference  AssumptionCategory = "inference"
)

// RollbackAction is the compensating tool call for a completed step. Param
// values may contain {{result.x}} or {{params.x}} templates.
type RollbackAction struct {
	ToolName string         `json:"toolName" yaml:"tool"`
	Params   map[string]any `json:"params,omitempty" yaml:"params"`
}

// StoredAssumption is created when the plan is structured and only changes
// through VerifyAssumption.
type StoredAssumption struct {
	ID         string             `json:"id"`
	Statement  string             `json:"statement"`
	Category   AssumptionCategory `json:"category"`
	Evidence   []string           `json:"evidence,omitempty"`
	Confidence float64            `json:"confidence"`
	Verified   bool               `json:"verified"`
	Correction string             `json:"correction,omitempty"`
}

// Plan maps to the plans table.
type Plan struct {
	ID                string              `json:"id"`
	UserID            string              `json:"userId"`
	Goal              string              `json:"goal"`
	GoalCategory      string              `json:"goalCategory,omitempty"`
	Status            PlanStatus          `json:"status"`
	Steps             []*Step             `json:"steps"`
	CurrentStepIndex  int                 `json:"currentStepIndex"`
	RequiresApproval  bool                `json:"requiresApproval"`
	Reasoning         string              `json:"reasoning,omitempty"`
	Assumptions       []*StoredAssumption `json:"assumptions,omitempty"`
	Confidence        float64             `json:"confidence"`
	ConversationID    string              `json:"conversationId,omitempty"`
	PendingApprovalID string              `json:"pendingApprovalId,omitempty"`
	FailureReason     string              `json:"failureReason,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
	CompletedAt       time.Time           `json:"completedAt"` // Zero until terminal
}

// Step maps to the plan_steps table.
type Step struct {
	ID                string          `json:"id"`
	PlanID            string          `json:"planId"`
	Index             int             `json:"index"`
	ToolName          string          `json:"toolName"`
	Params            map[string]any  `json:"params"`
	// ResolvedParams are the params the step last ran with, output
	// references substituted. Nil until the step starts.
	ResolvedParams    map[string]any  `json:"resolvedParams,omitempty"`
	DependsOn         []string        `json:"dependsOn"`
	DependencyIndices []int           `json:"dependencyIndices"`
	Description       string          `json:"description"`
	Status            StepStatus      `json:"status"`
	RequiresApproval  bool            `json:"requiresApproval"`
	ApprovalID        string          `json:"approvalId,omitempty"`
	RollbackAction    *RollbackAction `json:"rollbackAction,omitempty"`
	Result            any             `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorKind         string          `json:"errorKind,omitempty"`
	SkipReason        string          `json:"skipReason,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	CompletedAt       time.Time       `json:"completedAt"`
	RolledBackAt      time.Time       `json:"rolledBackAt"`
	RetryCount        int             `json:"retryCount"`
}

// StepByID returns the step with id or nil.
func (p *Plan) StepByID(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepByApprovalID returns the step gated by approvalID or nil.
func (p *Plan) StepByApprovalID(approvalID string) *Step {
	for _, s := range p.Steps {
		if s.ApprovalID == approvalID {
			return s
		}
	}
	return nil
}

// Filter selects plans for QueryPlans. Zero values match everything.
type Filter struct {
	UserID         string
	ConversationID string
	Statuses       []PlanStatus
	CreatedBefore  *time.Time
	Limit          int
}

// Page is one page of QueryPlans results, newest first.
type Page struct {
	Plans      []*Plan    `json:"plans"`
	NextCursor *time.Time `json:"nextCursor,omitempty"`
}

// Store is the durable source of truth for plans and steps. Every write is a
// narrow transition keyed by id; unknown ids return ErrNotFound.
type Store interface {
	// Plan operations
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlanByID(ctx context.Context, id string, includeSteps bool) (*Plan, error)
	QueryPlans(ctx context.Context, filter Filter) (*Page, error)
	DeletePlan(ctx context.Context, id string) error
	UpdatePlanStatus(ctx context.Context, planID string, status PlanStatus) error
	StartExecution(ctx context.Context, planID string) error
	PauseExecution(ctx context.Context, planID string, pendingApprovalID string) error
	CompletePlan(ctx context.Context, planID string) error
	FailPlan(ctx context.Context, planID string, reason string) error
	CancelPlan(ctx context.Context, planID string, reason string) error
	UpdateCurrentStep(ctx context.Context, planID string, index int) error
	ReopenPlan(ctx context.Context, planID string, index int) error

	// Step operations
	UpdateStepStatus(ctx context.Context, stepID string, status StepStatus) error
	StartStep(ctx context.Context, stepID string, resolvedParams map[string]any) error
	CompleteStep(ctx context.Context, stepID string, result any) error
	FailStep(ctx context.Context, stepID string, errMsg string, errorKind string) error
	SkipStep(ctx context.Context, stepID string, reason string) error
	RollbackStep(ctx context.Context, stepID string) error
	MarkStepAwaitingApproval(ctx context.Context, stepID string, approvalID string) error
	ResetStep(ctx context.Context, stepID string, params map[string]any) error
	RestoreStep(ctx context.Context, stepID string) error

	// Assumption operations
	VerifyAssumption(ctx context.Context, assumptionID string, verified bool, correction string) error
}
