package planvalidator

import "github.com/contenox/planengine/planstore"

// ProposedStep is one step as the planner emitted it. Dependencies refer to
// other steps by Order, not by position.
type ProposedStep struct {
	Order            int                       `json:"order" yaml:"order"`
	ToolName         string                    `json:"toolName" yaml:"tool"`
	Params           map[string]any            `json:"params" yaml:"params"`
	DependsOn        []int                     `json:"dependsOn,omitempty" yaml:"dependsOn"`
	RequiresApproval bool                      `json:"requiresApproval" yaml:"requiresApproval"`
	Description      string                    `json:"description" yaml:"description"`
	Rollback         *planstore.RollbackAction `json:"rollback,omitempty" yaml:"rollback"`
}

type ProposedAssumption struct {
	Statement  string                       `json:"statement" yaml:"statement"`
	Category   planstore.AssumptionCategory `json:"category" yaml:"category"`
	Evidence   []string                     `json:"evidence,omitempty" yaml:"evidence"`
	Confidence float64                      `json:"confidence" yaml:"confidence"`
}

type ProposedPlan struct {
	Goal         string               `json:"goal" yaml:"goal"`
	GoalCategory string               `json:"goalCategory,omitempty" yaml:"goalCategory"`
	Reasoning    string               `json:"reasoning,omitempty" yaml:"reasoning"`
	Confidence   float64              `json:"confidence" yaml:"confidence"`
	Steps        []ProposedStep       `json:"steps" yaml:"steps"`
	Assumptions  []ProposedAssumption `json:"assumptions,omitempty" yaml:"assumptions"`
}

type RiskTolerance string

const (
	RiskToleranceLow    RiskTolerance = "low"
	RiskToleranceMedium RiskTolerance = "medium"
	RiskToleranceHigh   RiskTolerance = "high"
)

const DefaultMaxSteps = 20

type Constraints struct {
	MaxSteps           int           `json:"maxSteps" yaml:"maxSteps"`
	ForceApprovalTools []string      `json:"forceApprovalTools,omitempty" yaml:"forceApprovalTools"`
	CriticalTools      []string      `json:"criticalTools,omitempty" yaml:"criticalTools"`
	RiskTolerance      RiskTolerance `json:"riskTolerance" yaml:"riskTolerance"`
}

func DefaultConstraints() Constraints {
	return Constraints{MaxSteps: DefaultMaxSteps, RiskTolerance: RiskToleranceMedium}
}

func (c Constraints) forcesCritical(tool string) bool {
	for _, t := range c.CriticalTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ForcesApproval reports whether the constraints require approval for tool.
func (c Constraints) ForcesApproval(tool string) bool {
	for _, t := range c.ForceApprovalTools {
		if t == tool {
			return true
		}
	}
	return false
}

type IssueCode string

const (
	CodeEmptyGoal         IssueCode = "empty_goal"
	CodeInvalidConfidence IssueCode = "invalid_confidence"
	CodeNoSteps           IssueCode = "no_steps"
	CodeTooManySteps      IssueCode = "too_many_steps"
	CodeUnknownTool       IssueCode = "unknown_tool"
	CodeInvalidParams     IssueCode = "invalid_params"
	CodeRiskNotAllowed    IssueCode = "risk_not_allowed"
	CodeInvalidOrder      IssueCode = "invalid_order"
	CodeDuplicateOrder    IssueCode = "duplicate_order"
	CodeMissingDependency IssueCode = "missing_dependency"
	CodeForwardDependency IssueCode = "forward_dependency"
	CodeCyclicDependency  IssueCode = "cyclic_dependency"
	WarnLowConfidence     IssueCode = "low_confidence"
	WarnLongPlan          IssueCode = "long_plan"
	WarnApprovalHeavy     IssueCode = "approval_heavy"
	WarnNoRollback        IssueCode = "risky_without_rollback"
	WarnManyDependencies  IssueCode = "many_dependencies"
)

// Issue is a validation error or warning. StepOrder is nil for plan-level
// issues.
type Issue struct {
	Code      IssueCode `json:"code"`
	Message   string    `json:"message"`
	StepOrder *int      `json:"stepOrder,omitempty"`
	Field     string    `json:"field,omitempty"`
	Expected  string    `json:"expected,omitempty"`
	Received  string    `json:"received,omitempty"`
	Retryable bool      `json:"retryable"`
}

type Result struct {
	Valid    bool          `json:"valid"`
	Errors   []Issue       `json:"errors"`
	Warnings []Issue       `json:"warnings"`
	Plan     *ProposedPlan `json:"plan,omitempty"`
}

// Retryable reports whether regenerating the plan could fix every error.
func (r *Result) Retryable() bool {
	if r.Valid || len(r.Errors) == 0 {
		return false
	}
	for _, e := range r.Errors {
		if !e.Retryable {
			return false
		}
	}
	return true
}

// HasError reports whether any error carries code.
func (r *Result) HasError(code IssueCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
