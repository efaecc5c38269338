// Package planrollback undoes completed plan steps by running their
// compensating tool calls, most recent step first. A rollback always ends
// the plan: whatever has not run is skipped and the plan is cancelled.
//
// Rollback params may reference the step's own result and params through
// {{result.path}} and {{params.path}} templates. Those templates are validated
// in full before any value is read; see ValidateTemplate.
package planrollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planlock"
	"github.com/contenox/planengine/planstore"
)

type Options struct {
	// StepIDs limits the rollback to these steps; empty means every
	// completed step with a rollback action.
	StepIDs []string `json:"stepIds,omitempty"`
	// DryRun resolves templates and reports what would run without calling
	// tools or writing anything.
	DryRun bool `json:"dryRun"`
	// StopOnError ends the rollback at the first step that fails.
	StopOnError bool   `json:"stopOnError"`
	UserID      string `json:"userId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// StepOutcome reports the rollback of one step.
type StepOutcome struct {
	StepID   string         `json:"stepId"`
	Index    int            `json:"index"`
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params,omitempty"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
}

// Result summarises a RollbackPlan call.
type Result struct {
	PlanID          string         `json:"planId"`
	Success         bool           `json:"success"`
	DryRun          bool           `json:"dryRun"`
	RolledBackSteps int            `json:"rolledBackSteps"`
	FailedSteps     int            `json:"failedSteps"`
	SkippedSteps    int            `json:"skippedSteps"`
	Steps           []*StepOutcome `json:"steps"`
	Errors          []string       `json:"errors,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

// Engine undoes completed steps of a stored plan by calling each step's
// rollback tool.
type Engine struct {
	store     planstore.Store
	tools     planexec.ToolEngine
	approvals planexec.ApprovalService
	emitters  *planevents.Registry
	locker    planlock.Locker
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitterRegistry publishes rollback events on a shared registry.
func WithEmitterRegistry(emitters *planevents.Registry) Option {
	return func(e *Engine) {
		e.emitters = emitters
	}
}

// WithLocker sets the per-plan lock. Share the executor's so a rollback never
// overlaps a run of the same plan.
func WithLocker(locker planlock.Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithApprovalService lets the rollback cancel approvals still open on steps
// it skips.
func WithApprovalService(approvals planexec.ApprovalService) Option {
	return func(e *Engine) {
		e.approvals = approvals
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New returns an Engine that reads plans from store and runs rollback tools
// through tools.
func New(store planstore.Store, tools planexec.ToolEngine, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		tools:    tools,
		emitters: planevents.NewRegistry(),
		locker:   planlock.NewLocal(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RollbackPlan runs the rollback actions of the selected completed steps in
// descending index order.
func (e *Engine) RollbackPlan(ctx context.Context, planID string, opts Options) (*Result, error) {
	ctx = libtracker.WithPlanID(ctx, planID)
	unlock, err := e.locker.Lock(ctx, planID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := e.store.GetPlanByID(ctx, planID, true)
	if errors.Is(err, planstore.ErrNotFound) {
		return nil, planerr.Wrap(planerr.PlanNotFound, "plan not found", err).WithPlan(planID)
	}
	if err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to load plan", err).WithPlan(planID)
	}
	targets, err := selectSteps(plan, opts.StepIDs)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{PlanID: planID, DryRun: opts.DryRun}
	if opts.DryRun {
		for _, step := range targets {
			out := &StepOutcome{StepID: step.ID, Index: step.Index, ToolName: step.RollbackAction.ToolName}
			params, err := ResolveParams(step.RollbackAction.Params, step)
			if err != nil {
				out.Error = err.Error()
				res.FailedSteps++
				res.Errors = append(res.Errors, fmt.Sprintf("step %d: %v", step.Index, err))
			} else {
				out.Params = params
				out.Success = true
			}
			res.Steps = append(res.Steps, out)
		}
		res.Success = res.FailedSteps == 0
		res.Duration = time.Since(start)
		return res, nil
	}

	emitter, release := e.emitters.AcquireOrCreate(planID)
	defer release()
	emitter.Emit(ctx, planevents.Event{Type: planevents.RollbackStarted, Data: map[string]any{
		"steps": len(targets),
	}})

	for _, step := range targets {
		out, err := e.rollbackStep(ctx, plan, step, opts)
		if err != nil {
			return nil, err
		}
		res.Steps = append(res.Steps, out)
		if out.Success {
			res.RolledBackSteps++
			emitter.Emit(ctx, planevents.StepEvent(planevents.StepRolledBack, step.ID, step.Index, map[string]any{
				"toolName": out.ToolName,
			}))
			continue
		}
		res.FailedSteps++
		res.Errors = append(res.Errors, fmt.Sprintf("step %d: %s", step.Index, out.Error))
		if opts.StopOnError {
			break
		}
	}

	for _, step := range plan.Steps {
		if step.Status != planstore.StepStatusPending && step.Status != planstore.StepStatusAwaitingApproval {
			continue
		}
		if step.Status == planstore.StepStatusAwaitingApproval && step.ApprovalID != "" && e.approvals != nil {
			if _, err := e.approvals.UpdateApprovalStatus(ctx, opts.UserID, step.ApprovalID, approvalservice.StatusCancelled, "plan rolled back"); err != nil {
				e.logger.WarnContext(ctx, "failed to cancel approval", "plan_id", planID, "approval_id", step.ApprovalID, "error", err)
			}
		}
		if err := e.store.SkipStep(ctx, step.ID, planstore.SkipReasonRolledBack); err != nil {
			return nil, planerr.Wrap(planerr.PersistenceError, "failed to skip step", err).WithPlan(planID).WithStep(step.ID)
		}
		res.SkippedSteps++
		emitter.Emit(ctx, planevents.StepEvent(planevents.StepSkipped, step.ID, step.Index, map[string]any{
			"reason": planstore.SkipReasonRolledBack,
		}))
	}

	reason := opts.Reason
	if reason == "" {
		reason = fmt.Sprintf("rolled back %d of %d steps", res.RolledBackSteps, len(targets))
	}
	if err := e.store.CancelPlan(ctx, planID, reason); err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to cancel plan", err).WithPlan(planID)
	}

	res.Success = res.FailedSteps == 0
	res.Duration = time.Since(start)
	emitter.Emit(ctx, planevents.Event{Type: planevents.RollbackCompleted, Data: map[string]any{
		"success":         res.Success,
		"rolledBackSteps": res.RolledBackSteps,
		"failedSteps":     res.FailedSteps,
		"errors":          res.Errors,
	}})
	emitter.Emit(ctx, planevents.Event{Type: planevents.PlanCancelled, Data: map[string]any{
		"reason": reason,
	}})
	return res, nil
}

func selectSteps(plan *planstore.Plan, ids []string) ([]*planstore.Step, error) {
	var wanted map[string]bool
	if len(ids) > 0 {
		wanted = make(map[string]bool, len(ids))
		for _, id := range ids {
			if plan.StepByID(id) == nil {
				return nil, planerr.New(planerr.StepNotFound, "step not found").WithPlan(plan.ID).WithStep(id)
			}
			wanted[id] = true
		}
	}
	var out []*planstore.Step
	for _, s := range plan.Steps {
		if s.Status != planstore.StepStatusCompleted || s.RollbackAction == nil {
			continue
		}
		if wanted != nil && !wanted[s.ID] {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index > out[j].Index })
	return out, nil
}

func (e *Engine) rollbackStep(ctx context.Context, plan *planstore.Plan, step *planstore.Step, opts Options) (*StepOutcome, error) {
	out := &StepOutcome{StepID: step.ID, Index: step.Index, ToolName: step.RollbackAction.ToolName}
	params, err := ResolveParams(step.RollbackAction.Params, step)
	if err != nil {
		out.Error = err.Error()
		e.logger.WarnContext(ctx, "rollback template rejected", "plan_id", plan.ID, "step_id", step.ID, "error", err)
		return out, nil
	}
	out.Params = params

	outcome := e.invoke(ctx, planexec.ToolCall{
		ToolName: step.RollbackAction.ToolName,
		Params:   params,
		PlanID:   plan.ID,
		StepID:   step.ID,
		UserID:   opts.UserID,
	})
	if outcome.Kind != planexec.OutcomeSuccess {
		out.Error = outcome.Error
		if out.Error == "" {
			out.Error = fmt.Sprintf("rollback tool returned %s", outcome.Kind)
		}
		e.logger.WarnContext(ctx, "rollback step failed", "plan_id", plan.ID, "step_id", step.ID, "error", out.Error)
		return out, nil
	}
	if err := e.store.RollbackStep(ctx, step.ID); err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to mark step rolled back", err).WithPlan(plan.ID).WithStep(step.ID)
	}
	step.Status = planstore.StepStatusRolledBack
	out.Success = true
	return out, nil
}

func (e *Engine) invoke(ctx context.Context, call planexec.ToolCall) (out planexec.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = planexec.Outcome{Kind: planexec.OutcomeFailure, Error: fmt.Sprintf("rollback tool panicked: %v", rec)}
		}
	}()
	res, err := e.tools.ExecuteToolCall(ctx, call)
	if err != nil {
		return planexec.Outcome{Kind: planexec.OutcomeFailure, Error: err.Error()}
	}
	return res
}
