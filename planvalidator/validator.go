// Package planvalidator checks an LLM-proposed plan before it may become
// executable. All checks run and every problem is reported; only an empty
// step list stops the step-level checks.
package planvalidator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/contenox/planengine/toolregistry"
)

const (
	lowConfidenceThreshold = 0.5
	longPlanThreshold      = 5
	approvalHeavyRatio     = 0.5
	manyDependencies       = 3
)

type Validator struct {
	tools  toolregistry.Registry
	logger *slog.Logger
}

type Option func(*Validator)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

func New(tools toolregistry.Registry, opts ...Option) *Validator {
	v := &Validator{tools: tools, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) Validate(ctx context.Context, plan ProposedPlan, c Constraints) *Result {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.RiskTolerance == "" {
		c.RiskTolerance = RiskToleranceMedium
	}
	res := &Result{Errors: []Issue{}, Warnings: []Issue{}}

	v.checkPlanLevel(plan, c, res)
	if len(plan.Steps) > 0 {
		v.checkSteps(plan, c, res)
		index := checkOrdering(plan.Steps, res)
		checkDependencies(plan.Steps, index, res)
		checkCycles(plan.Steps, res)
		v.collectWarnings(plan, c, res)
	}

	res.Valid = len(res.Errors) == 0
	if res.Valid {
		res.Plan = normalizePlan(plan, c)
	}
	v.logger.DebugContext(ctx, "plan validated",
		"valid", res.Valid,
		"errors", len(res.Errors),
		"warnings", len(res.Warnings),
		"steps", len(plan.Steps),
	)
	return res
}

func (v *Validator) checkPlanLevel(plan ProposedPlan, c Constraints, res *Result) {
	if strings.TrimSpace(plan.Goal) == "" {
		res.Errors = append(res.Errors, Issue{
			Code:      CodeEmptyGoal,
			Message:   "plan goal must not be empty",
			Field:     "goal",
			Retryable: true,
		})
	}
	if math.IsNaN(plan.Confidence) || plan.Confidence < 0 || plan.Confidence > 1 {
		res.Errors = append(res.Errors, Issue{
			Code:      CodeInvalidConfidence,
			Message:   "confidence must be a number between 0 and 1",
			Field:     "confidence",
			Expected:  "0..1",
			Received:  fmt.Sprintf("%v", plan.Confidence),
			Retryable: true,
		})
	}
	if len(plan.Steps) == 0 {
		res.Errors = append(res.Errors, Issue{
			Code:      CodeNoSteps,
			Message:   "plan must contain at least one step",
			Field:     "steps",
			Retryable: true,
		})
		return
	}
	if len(plan.Steps) > c.MaxSteps {
		res.Errors = append(res.Errors, Issue{
			Code:      CodeTooManySteps,
			Message:   fmt.Sprintf("plan has %d steps, at most %d allowed", len(plan.Steps), c.MaxSteps),
			Field:     "steps",
			Expected:  fmt.Sprintf("<= %d", c.MaxSteps),
			Received:  fmt.Sprintf("%d", len(plan.Steps)),
			Retryable: true,
		})
	}
}

func (v *Validator) checkSteps(plan ProposedPlan, c Constraints, res *Result) {
	for i := range plan.Steps {
		step := plan.Steps[i]
		order := step.Order
		def, ok := v.tools.Get(step.ToolName)
		if !ok {
			res.Errors = append(res.Errors, Issue{
				Code:      CodeUnknownTool,
				Message:   fmt.Sprintf("tool %q does not exist", step.ToolName),
				StepOrder: &order,
				Field:     "toolName",
				Received:  step.ToolName,
				Retryable: true,
			})
			continue
		}
		for _, pe := range toolregistry.ValidateParams(def, step.Params) {
			field := "params"
			if pe.Field != "" {
				field += "." + pe.Field
			}
			res.Errors = append(res.Errors, Issue{
				Code:      CodeInvalidParams,
				Message:   fmt.Sprintf("invalid parameters for %s: %s", step.ToolName, pe.Message),
				StepOrder: &order,
				Field:     field,
				Expected:  pe.Expected,
				Received:  pe.Received,
				Retryable: true,
			})
		}
		risk := effectiveRisk(def, c)
		if !riskAllowed(risk, c.RiskTolerance) {
			res.Errors = append(res.Errors, Issue{
				Code:      CodeRiskNotAllowed,
				Message:   fmt.Sprintf("tool %s has %s risk, not allowed with %s risk tolerance", step.ToolName, risk, c.RiskTolerance),
				StepOrder: &order,
				Field:     "toolName",
				Received:  string(risk),
			})
		}
	}
}

func effectiveRisk(def *toolregistry.Definition, c Constraints) toolregistry.RiskLevel {
	if c.forcesCritical(def.Name) {
		return toolregistry.RiskCritical
	}
	return def.RiskLevel
}

// riskAllowed: critical tools need high tolerance, high-risk tools need at
// least medium.
func riskAllowed(risk toolregistry.RiskLevel, tolerance RiskTolerance) bool {
	switch risk {
	case toolregistry.RiskCritical:
		return tolerance == RiskToleranceHigh
	case toolregistry.RiskHigh:
		return tolerance != RiskToleranceLow
	}
	return true
}

// checkOrdering returns order number -> position of its first step.
func checkOrdering(steps []ProposedStep, res *Result) map[int]int {
	index := make(map[int]int, len(steps))
	for i, step := range steps {
		order := step.Order
		if order < 0 {
			res.Errors = append(res.Errors, Issue{
				Code:      CodeInvalidOrder,
				Message:   fmt.Sprintf("step order must be >= 0, got %d", order),
				StepOrder: &order,
				Field:     "order",
				Retryable: true,
			})
			continue
		}
		if _, dup := index[order]; dup {
			res.Errors = append(res.Errors, Issue{
				Code:      CodeDuplicateOrder,
				Message:   fmt.Sprintf("step order %d is used more than once", order),
				StepOrder: &order,
				Field:     "order",
				Retryable: true,
			})
			continue
		}
		index[order] = i
	}
	return index
}

func checkDependencies(steps []ProposedStep, index map[int]int, res *Result) {
	for _, step := range steps {
		order := step.Order
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				res.Errors = append(res.Errors, Issue{
					Code:      CodeMissingDependency,
					Message:   fmt.Sprintf("step %d depends on unknown step %d", order, dep),
					StepOrder: &order,
					Field:     "dependsOn",
					Received:  fmt.Sprintf("%d", dep),
					Retryable: true,
				})
				continue
			}
			if dep >= order {
				res.Errors = append(res.Errors, Issue{
					Code:      CodeForwardDependency,
					Message:   fmt.Sprintf("step %d depends on step %d which does not come before it", order, dep),
					StepOrder: &order,
					Field:     "dependsOn",
					Expected:  fmt.Sprintf("< %d", order),
					Received:  fmt.Sprintf("%d", dep),
					Retryable: true,
				})
			}
		}
	}
}

// checkCycles runs an iterative depth-first search from every step so that
// disconnected components are covered. A dependency onto a step that is still
// on the stack is a cycle.
func checkCycles(steps []ProposedStep, res *Result) {
	adj := make(map[int][]int, len(steps))
	var nodes []int
	for _, step := range steps {
		if _, seen := adj[step.Order]; !seen {
			nodes = append(nodes, step.Order)
			adj[step.Order] = nil
		}
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := adj[dep]; ok {
				adj[step.Order] = append(adj[step.Order], dep)
			}
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[int]int, len(nodes))

	for _, root := range nodes {
		if color[root] != white {
			continue
		}
		stack := []frame{{node: root}}
		color[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(adj[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := adj[top.node][top.next]
			top.next++
			switch color[dep] {
			case white:
				color[dep] = gray
				stack = append(stack, frame{node: dep})
			case gray:
				order := top.node
				res.Errors = append(res.Errors, Issue{
					Code:      CodeCyclicDependency,
					Message:   "dependency cycle: " + describeCycle(stackNodes(stack), dep),
					StepOrder: &order,
					Field:     "dependsOn",
					Retryable: true,
				})
			}
		}
	}
}

type frame struct {
	node int
	next int
}

func stackNodes(stack []frame) []int {
	out := make([]int, len(stack))
	for i, f := range stack {
		out[i] = f.node
	}
	return out
}

func describeCycle(path []int, start int) string {
	var parts []string
	in := false
	for _, n := range path {
		if n == start {
			in = true
		}
		if in {
			parts = append(parts, fmt.Sprintf("%d", n))
		}
	}
	parts = append(parts, fmt.Sprintf("%d", start))
	return strings.Join(parts, " -> ")
}

func (v *Validator) collectWarnings(plan ProposedPlan, c Constraints, res *Result) {
	if plan.Confidence >= 0 && plan.Confidence < lowConfidenceThreshold {
		res.Warnings = append(res.Warnings, Issue{
			Code:    WarnLowConfidence,
			Message: fmt.Sprintf("planner confidence %.2f is low", plan.Confidence),
			Field:   "confidence",
		})
	}
	if len(plan.Steps) > longPlanThreshold {
		res.Warnings = append(res.Warnings, Issue{
			Code:    WarnLongPlan,
			Message: fmt.Sprintf("plan has %d steps", len(plan.Steps)),
			Field:   "steps",
		})
	}

	approvals := 0
	for i := range plan.Steps {
		step := plan.Steps[i]
		order := step.Order
		def, known := v.tools.Get(step.ToolName)
		if step.RequiresApproval || c.ForcesApproval(step.ToolName) || (known && def.RequiresApproval) {
			approvals++
		}
		if known {
			risk := effectiveRisk(def, c)
			if risk.Rank() >= toolregistry.RiskHigh.Rank() && step.Rollback == nil {
				res.Warnings = append(res.Warnings, Issue{
					Code:      WarnNoRollback,
					Message:   fmt.Sprintf("%s-risk tool %s has no rollback action", risk, step.ToolName),
					StepOrder: &order,
					Field:     "rollback",
				})
			}
		}
		if len(step.DependsOn) > manyDependencies {
			res.Warnings = append(res.Warnings, Issue{
				Code:      WarnManyDependencies,
				Message:   fmt.Sprintf("step %d has %d dependencies", order, len(step.DependsOn)),
				StepOrder: &order,
				Field:     "dependsOn",
			})
		}
	}
	if float64(approvals) > approvalHeavyRatio*float64(len(plan.Steps)) {
		res.Warnings = append(res.Warnings, Issue{
			Code:    WarnApprovalHeavy,
			Message: fmt.Sprintf("%d of %d steps need approval", approvals, len(plan.Steps)),
			Field:   "steps",
		})
	}
}

// normalizePlan returns a copy with steps sorted by order and forced approvals
// applied.
func normalizePlan(plan ProposedPlan, c Constraints) *ProposedPlan {
	out := plan
	out.Steps = make([]ProposedStep, len(plan.Steps))
	copy(out.Steps, plan.Steps)
	sort.SliceStable(out.Steps, func(i, j int) bool { return out.Steps[i].Order < out.Steps[j].Order })
	for i := range out.Steps {
		if c.ForcesApproval(out.Steps[i].ToolName) {
			out.Steps[i].RequiresApproval = true
		}
	}
	return &out
}
