package planrollback

import (
	"fmt"

	"github.com/contenox/planengine/planstore"
)

type Effort string

const (
	EffortNone        Effort = "none"
	EffortMinimal     Effort = "minimal"
	EffortModerate    Effort = "moderate"
	EffortSignificant Effort = "significant"
)

// Analysis describes what undoing a plan's completed steps would involve.
type Analysis struct {
	Effort            Effort   `json:"effort"`
	CanRollback       bool     `json:"canRollback"`
	RollbackableSteps []string `json:"rollbackableSteps"`
	IrreversibleSteps []string `json:"irreversibleSteps"`
	Warnings          []string `json:"warnings,omitempty"`
}

// AnalyzeRollback classifies the rollback coverage of plan's completed steps
// without running anything.
//
// none: nothing completed. minimal: one step to undo. moderate: two or three
// steps to undo. significant: more than three, or any completed step that
// cannot be undone.
func AnalyzeRollback(plan *planstore.Plan) Analysis {
	a := Analysis{RollbackableSteps: []string{}, IrreversibleSteps: []string{}}
	for _, s := range plan.Steps {
		if s.Status != planstore.StepStatusCompleted {
			continue
		}
		if s.RollbackAction == nil {
			a.IrreversibleSteps = append(a.IrreversibleSteps, s.ID)
			a.Warnings = append(a.Warnings, fmt.Sprintf("step %d (%s) has no rollback action", s.Index, s.ToolName))
			continue
		}
		if err := ValidateParams(s.RollbackAction.Params); err != nil {
			a.IrreversibleSteps = append(a.IrreversibleSteps, s.ID)
			a.Warnings = append(a.Warnings, fmt.Sprintf("step %d (%s) has an invalid rollback template: %v", s.Index, s.ToolName, err))
			continue
		}
		a.RollbackableSteps = append(a.RollbackableSteps, s.ID)
	}

	undo := len(a.RollbackableSteps)
	switch {
	case undo == 0 && len(a.IrreversibleSteps) == 0:
		a.Effort = EffortNone
	case len(a.IrreversibleSteps) > 0 || undo > 3:
		a.Effort = EffortSignificant
	case undo == 1:
		a.Effort = EffortMinimal
	default:
		a.Effort = EffortModerate
	}
	a.CanRollback = undo > 0
	return a
}
