// Package planexec drives persisted plans through their state machine.
//
// Plan status moves planned -> executing -> {paused <-> executing} ->
// {completed | failed | cancelled}. Steps run strictly one at a time in index
// order. A step whose output references cannot be resolved fails before it is
// marked executing; a step that needs approval pauses the whole plan until
// ResumePlan or ResumePlanAfterRejection is called. Tool failures are recorded
// on the step and never returned as errors; only precondition and persistence
// problems are.
//
// Every public call holds the plan's lock for its whole duration and reloads
// the plan from the store, so no state is carried between calls.
package planexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/outputresolver"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planlock"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/toolregistry"
)

// MaxSummaryLen caps the result summary carried by step_completed events.
const MaxSummaryLen = 500

// Executor runs stored plans step by step. A plan is driven by one call at a
// time; the locker serialises callers sharing the store.
type Executor struct {
	store       planstore.Store
	engine      ToolEngine
	tools       toolregistry.Registry
	approvals   ApprovalService
	resolver    OutputResolver
	emitters    *planevents.Registry
	locker      planlock.Locker
	logger      *slog.Logger
	approvalTTL time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithApprovalService enables approval gates. Without one, steps that need
// approval fail instead of pausing the plan.
func WithApprovalService(approvals ApprovalService) Option {
	return func(e *Executor) {
		e.approvals = approvals
	}
}

// WithToolRegistry lets approval requests carry the tool's category and
// risk level.
func WithToolRegistry(tools toolregistry.Registry) Option {
	return func(e *Executor) {
		e.tools = tools
	}
}

// WithOutputResolver replaces the resolver that substitutes {{steps.N}}
// references in step params.
func WithOutputResolver(resolver OutputResolver) Option {
	return func(e *Executor) {
		e.resolver = resolver
	}
}

// WithEmitterRegistry shares one registry between the executor and whatever
// else streams plan events in this process.
func WithEmitterRegistry(emitters *planevents.Registry) Option {
	return func(e *Executor) {
		e.emitters = emitters
	}
}

// WithLocker sets the per-plan lock. The default only excludes callers in the
// same process.
func WithLocker(locker planlock.Locker) Option {
	return func(e *Executor) {
		e.locker = locker
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithApprovalTTL sets how long approval requests stay open. Non-positive
// values keep approvalservice.DefaultTTL.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(e *Executor) {
		if ttl > 0 {
			e.approvalTTL = ttl
		}
	}
}

// New returns an Executor that persists to store and calls tools through
// engine.
func New(store planstore.Store, engine ToolEngine, opts ...Option) *Executor {
	e := &Executor{
		store:       store,
		engine:      engine,
		resolver:    outputresolver.New(),
		emitters:    planevents.NewRegistry(),
		locker:      planlock.NewLocal(),
		logger:      slog.Default(),
		approvalTTL: approvalservice.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emitters returns the registry plan events are published on.
func (e *Executor) Emitters() *planevents.Registry {
	return e.emitters
}

// Locker returns the per-plan lock so other engines can share it.
func (e *Executor) Locker() planlock.Locker {
	return e.locker
}

// run is the working state of one public call.
type run struct {
	plan     *planstore.Plan
	opts     ExecuteOptions
	emitter  *planevents.Emitter
	approved map[string]bool
	results  map[string]*StepResult
	start    time.Time
}

func (r *run) userID() string {
	if r.opts.UserID != "" {
		return r.opts.UserID
	}
	return r.plan.UserID
}

// ExecutePlan runs the plan from its current step until it completes, fails,
// pauses for approval or is stopped by StopOnFailure.
func (e *Executor) ExecutePlan(ctx context.Context, planID string, opts ExecuteOptions) (*PlanExecutionResult, error) {
	ctx = libtracker.WithPlanID(ctx, planID)
	unlock, err := e.locker.Lock(ctx, planID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := e.load(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := checkRunnable(plan); err != nil {
		return nil, err
	}
	return e.drive(ctx, plan, opts, nil)
}

func checkRunnable(plan *planstore.Plan) error {
	switch plan.Status {
	case planstore.PlanStatusCompleted:
		return &planerr.Error{
			Code:    planerr.PlanAlreadyCompleted,
			Message: "cannot transition plan from completed to executing",
			PlanID:  plan.ID,
		}
	case planstore.PlanStatusFailed:
		return &planerr.Error{
			Code:    planerr.PlanAlreadyFailed,
			Message: "cannot transition plan from failed to executing",
			PlanID:  plan.ID,
		}
	case planstore.PlanStatusCancelled:
		return planerr.InvalidTransition(plan.ID, string(plan.Status), string(planstore.PlanStatusExecuting))
	}
	return nil
}

// drive moves the plan to executing, applies before (used by the resume
// paths) and then walks the remaining steps.
func (e *Executor) drive(ctx context.Context, plan *planstore.Plan, opts ExecuteOptions, before func(*run) error) (*PlanExecutionResult, error) {
	emitter, release := e.emitters.AcquireOrCreate(plan.ID)
	defer release()

	r := &run{
		plan:     plan,
		opts:     opts,
		emitter:  emitter,
		approved: make(map[string]bool),
		results:  make(map[string]*StepResult),
		start:    time.Now(),
	}
	for _, s := range plan.Steps {
		if s.Status.IsTerminal() {
			r.results[s.ID] = storedResult(s)
		}
	}

	if plan.Status != planstore.PlanStatusExecuting {
		evType := planevents.PlanStarted
		if plan.Status == planstore.PlanStatusPaused {
			evType = planevents.PlanResumed
		}
		if err := e.store.StartExecution(ctx, plan.ID); err != nil {
			return nil, persistErr("failed to start execution", plan.ID, "", err)
		}
		plan.Status = planstore.PlanStatusExecuting
		plan.PendingApprovalID = ""
		emitter.Emit(ctx, planevents.Event{Type: evType, Data: map[string]any{
			"goal":        plan.Goal,
			"totalSteps":  len(plan.Steps),
			"currentStep": plan.CurrentStepIndex,
		}})
	}

	if before != nil {
		if err := before(r); err != nil {
			return nil, err
		}
	}
	return e.loop(ctx, r)
}

// storedResult rebuilds the StepResult of a step settled by an earlier call.
func storedResult(s *planstore.Step) *StepResult {
	res := &StepResult{
		StepID:    s.ID,
		Index:     s.Index,
		Status:    s.Status,
		Result:    s.Result,
		Error:     s.Error,
		ErrorKind: s.ErrorKind,
	}
	if s.Status == planstore.StepStatusFailed {
		res.Retryable = planerr.ClassifyFailure(s.ErrorKind, s.Error).IsTransient()
	}
	if !s.StartedAt.IsZero() && s.CompletedAt.After(s.StartedAt) {
		res.Duration = s.CompletedAt.Sub(s.StartedAt)
	}
	return res
}

func (e *Executor) loop(ctx context.Context, r *run) (*PlanExecutionResult, error) {
	plan := r.plan
	result := &PlanExecutionResult{StepResults: r.results}
	var cancelled bool

steps:
	for i := plan.CurrentStepIndex; i < len(plan.Steps); i++ {
		step := plan.Steps[i]
		if step.Status.IsTerminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			break
		}
		current, err := e.store.GetPlanByID(ctx, plan.ID, false)
		if err != nil {
			return nil, persistErr("failed to reload plan", plan.ID, "", err)
		}
		if current.Status == planstore.PlanStatusCancelled {
			cancelled = true
			result.Error = "plan was cancelled"
			break
		}

		if step.Status == planstore.StepStatusAwaitingApproval {
			if err := e.pause(ctx, r, step); err != nil {
				return nil, err
			}
			result.Paused = true
			result.PendingApprovalID = step.ApprovalID
			break
		}

		if !dependenciesMet(plan, step) {
			if err := e.skip(ctx, r, step, planstore.SkipReasonDependencyFailed); err != nil {
				return nil, err
			}
			if err := e.advance(ctx, plan, i+1); err != nil {
				return nil, err
			}
			if r.opts.StopOnFailure {
				result.StoppedAtIndex = &i
				break
			}
			continue
		}

		if err := e.executeStep(ctx, r, step); err != nil {
			return nil, err
		}
		switch step.Status {
		case planstore.StepStatusAwaitingApproval:
			if err := e.pause(ctx, r, step); err != nil {
				return nil, err
			}
			result.Paused = true
			result.PendingApprovalID = step.ApprovalID
			break steps
		case planstore.StepStatusCompleted:
			if err := e.advance(ctx, plan, i+1); err != nil {
				return nil, err
			}
		case planstore.StepStatusFailed:
			if err := e.advance(ctx, plan, i+1); err != nil {
				return nil, err
			}
			if r.opts.StopOnFailure {
				result.StoppedAtIndex = &i
				break steps
			}
		}
	}

	if !result.Paused && !cancelled && result.Error == "" {
		if err := e.finish(ctx, r); err != nil {
			return nil, err
		}
	}

	final, err := e.load(ctx, plan.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "returning in-memory plan snapshot", "plan_id", plan.ID, "error", err)
		final = plan
	}
	result.Plan = final
	result.Success = final.Status == planstore.PlanStatusCompleted
	for _, s := range final.Steps {
		switch s.Status {
		case planstore.StepStatusCompleted:
			result.SuccessfulSteps++
		case planstore.StepStatusFailed:
			result.FailedSteps++
		case planstore.StepStatusSkipped:
			result.SkippedSteps++
		}
	}
	if result.Error == "" && final.Status == planstore.PlanStatusFailed {
		result.Error = final.FailureReason
	}
	result.Duration = time.Since(r.start)
	return result, nil
}

// finish marks the plan completed when every step completed and failed
// otherwise.
func (e *Executor) finish(ctx context.Context, r *run) error {
	plan := r.plan
	processed, failed, skipped, completed := 0, 0, 0, 0
	for _, s := range plan.Steps {
		if s.Status.IsTerminal() {
			processed++
		}
		switch s.Status {
		case planstore.StepStatusFailed:
			failed++
		case planstore.StepStatusSkipped:
			skipped++
		case planstore.StepStatusCompleted:
			completed++
		}
	}
	data := map[string]any{
		"successfulSteps": completed,
		"failedSteps":     failed,
		"skippedSteps":    skipped,
		"durationMs":      time.Since(r.start).Milliseconds(),
	}

	if processed == len(plan.Steps) && failed == 0 && skipped == 0 {
		if err := e.store.CompletePlan(ctx, plan.ID); err != nil {
			return persistErr("failed to complete plan", plan.ID, "", err)
		}
		plan.Status = planstore.PlanStatusCompleted
		r.emitter.Emit(ctx, planevents.Event{Type: planevents.PlanCompleted, Data: data})
		return nil
	}

	reason := failureReason(plan)
	if err := e.store.FailPlan(ctx, plan.ID, reason); err != nil {
		return persistErr("failed to fail plan", plan.ID, "", err)
	}
	plan.Status = planstore.PlanStatusFailed
	plan.FailureReason = reason
	data["reason"] = reason
	r.emitter.Emit(ctx, planevents.Event{Type: planevents.PlanFailed, Data: data})
	return nil
}

func failureReason(plan *planstore.Plan) string {
	for _, s := range plan.Steps {
		if s.Status == planstore.StepStatusFailed {
			return fmt.Sprintf("step %d (%s) failed: %s", s.Index, s.ToolName, s.Error)
		}
	}
	for _, s := range plan.Steps {
		if s.Status == planstore.StepStatusSkipped {
			return fmt.Sprintf("step %d (%s) was skipped: %s", s.Index, s.ToolName, s.SkipReason)
		}
	}
	return "execution stopped before every step ran"
}

func dependenciesMet(plan *planstore.Plan, step *planstore.Step) bool {
	for _, id := range step.DependsOn {
		dep := plan.StepByID(id)
		if dep == nil || dep.Status != planstore.StepStatusCompleted {
			return false
		}
	}
	return true
}

func (e *Executor) advance(ctx context.Context, plan *planstore.Plan, next int) error {
	if next <= plan.CurrentStepIndex {
		return nil
	}
	if err := e.store.UpdateCurrentStep(ctx, plan.ID, next); err != nil {
		return persistErr("failed to advance plan", plan.ID, "", err)
	}
	plan.CurrentStepIndex = next
	return nil
}

func (e *Executor) pause(ctx context.Context, r *run, step *planstore.Step) error {
	plan := r.plan
	if err := e.store.PauseExecution(ctx, plan.ID, step.ApprovalID); err != nil {
		return persistErr("failed to pause plan", plan.ID, step.ID, err)
	}
	plan.Status = planstore.PlanStatusPaused
	plan.PendingApprovalID = step.ApprovalID
	r.emitter.Emit(ctx, planevents.StepEvent(planevents.PlanPaused, step.ID, step.Index, map[string]any{
		"approvalId": step.ApprovalID,
	}))
	return nil
}

func (e *Executor) skip(ctx context.Context, r *run, step *planstore.Step, reason string) error {
	if err := e.store.SkipStep(ctx, step.ID, reason); err != nil {
		return persistErr("failed to skip step", r.plan.ID, step.ID, err)
	}
	step.Status = planstore.StepStatusSkipped
	step.SkipReason = reason
	r.results[step.ID] = &StepResult{StepID: step.ID, Index: step.Index, Status: step.Status}
	r.emitter.Emit(ctx, planevents.StepEvent(planevents.StepSkipped, step.ID, step.Index, map[string]any{
		"reason":   reason,
		"toolName": step.ToolName,
	}))
	return nil
}

// executeStep runs one step. Tool failures land on the step; the returned
// error is reserved for persistence problems.
func (e *Executor) executeStep(ctx context.Context, r *run, step *planstore.Step) error {
	started := time.Now()
	params := step.Params
	if outputresolver.HasReferences(step.Params) {
		res := e.resolver.ResolveStepOutputs(step, r.plan)
		if !res.Success {
			return e.failStep(ctx, r, step, Outcome{
				Kind:      OutcomeFailure,
				Error:     "failed to resolve step outputs: " + errors.Join(res.Errors...).Error(),
				ErrorKind: "validation",
			}, started)
		}
		params = res.ResolvedParams
	}

	r.emitter.Emit(ctx, planevents.StepEvent(planevents.StepStarting, step.ID, step.Index, map[string]any{
		"toolName":    step.ToolName,
		"description": step.Description,
	}))
	if err := e.store.StartStep(ctx, step.ID, params); err != nil {
		return persistErr("failed to start step", r.plan.ID, step.ID, err)
	}
	step.Status = planstore.StepStatusExecuting
	step.ResolvedParams = params

	approved := r.approved[step.ID] || (step.RequiresApproval && r.opts.SkipApprovals)
	if step.RequiresApproval && !approved {
		return e.requestApproval(ctx, r, step, params, started)
	}

	call := ToolCall{
		ToolName: step.ToolName,
		Params:   params,
		PlanID:   r.plan.ID,
		StepID:   step.ID,
		UserID:   r.userID(),
	}
	if approved {
		call.Decision = DecisionApproved
	}
	out := e.invoke(ctx, call)
	switch out.Kind {
	case OutcomeSuccess:
		return e.completeStep(ctx, r, step, out, started)
	case OutcomeApprovalRequired:
		if !approved {
			return e.requestApproval(ctx, r, step, params, started)
		}
		out = Outcome{Kind: OutcomeFailure, Error: "tool requested approval for an already approved call"}
	}
	return e.failStep(ctx, r, step, out, started)
}

func (e *Executor) invoke(ctx context.Context, call ToolCall) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{Kind: OutcomeFailure, Error: fmt.Sprintf("tool panicked: %v", rec)}
		}
	}()
	res, err := e.engine.ExecuteToolCall(ctx, call)
	if err != nil {
		return Outcome{Kind: OutcomeFailure, Error: err.Error(), ErrorKind: res.ErrorKind, Retryable: res.Retryable}
	}
	if res.Kind == "" {
		res.Kind = OutcomeFailure
		if res.Error == "" {
			res.Error = "tool engine returned no outcome"
		}
	}
	return res
}

func (e *Executor) requestApproval(ctx context.Context, r *run, step *planstore.Step, params map[string]any, started time.Time) error {
	if e.approvals == nil {
		return e.failStep(ctx, r, step, Outcome{
			Kind:  OutcomeFailure,
			Error: "step requires approval but no approval service is configured",
		}, started)
	}
	req := approvalservice.Request{
		PlanID:    r.plan.ID,
		StepID:    step.ID,
		UserID:    r.userID(),
		ToolName:  step.ToolName,
		Params:    params,
		Reasoning: r.plan.Reasoning,
		TTL:       e.approvalTTL,
	}
	if e.tools != nil {
		if def, ok := e.tools.Get(step.ToolName); ok {
			req.Category = def.Category
			req.RiskLevel = string(def.RiskLevel)
		}
	}
	approval, err := e.approvals.CreatePendingApproval(ctx, req)
	if err != nil {
		return persistErr("failed to create approval", r.plan.ID, step.ID, err)
	}
	if err := e.store.MarkStepAwaitingApproval(ctx, step.ID, approval.ID); err != nil {
		return persistErr("failed to mark step awaiting approval", r.plan.ID, step.ID, err)
	}
	step.Status = planstore.StepStatusAwaitingApproval
	step.ApprovalID = approval.ID
	r.results[step.ID] = &StepResult{
		StepID:   step.ID,
		Index:    step.Index,
		Status:   step.Status,
		Duration: time.Since(started),
	}
	r.emitter.Emit(ctx, planevents.StepEvent(planevents.ApprovalRequested, step.ID, step.Index, map[string]any{
		"approvalId": approval.ID,
		"toolName":   step.ToolName,
		"riskLevel":  approval.RiskLevel,
		"expiresAt":  approval.ExpiresAt,
	}))
	return nil
}

func (e *Executor) completeStep(ctx context.Context, r *run, step *planstore.Step, out Outcome, started time.Time) error {
	if err := e.store.CompleteStep(ctx, step.ID, out.Result); err != nil {
		return persistErr("failed to complete step", r.plan.ID, step.ID, err)
	}
	step.Status = planstore.StepStatusCompleted
	step.Result = out.Result
	step.Error = ""
	elapsed := time.Since(started)
	r.results[step.ID] = &StepResult{
		StepID:   step.ID,
		Index:    step.Index,
		Status:   step.Status,
		Result:   out.Result,
		Duration: elapsed,
	}
	r.emitter.Emit(ctx, planevents.StepEvent(planevents.StepCompleted, step.ID, step.Index, map[string]any{
		"toolName":   step.ToolName,
		"summary":    Summarize(out.Result),
		"durationMs": elapsed.Milliseconds(),
	}))
	return nil
}

func (e *Executor) failStep(ctx context.Context, r *run, step *planstore.Step, out Outcome, started time.Time) error {
	// Untyped failures are classified from the message.
	if out.ErrorKind == "" && !out.Retryable {
		out.Retryable = planerr.ClassifyError(out.Error).IsTransient()
	}
	if err := e.store.FailStep(ctx, step.ID, out.Error, out.ErrorKind); err != nil {
		return persistErr("failed to fail step", r.plan.ID, step.ID, err)
	}
	step.Status = planstore.StepStatusFailed
	step.Error = out.Error
	step.ErrorKind = out.ErrorKind
	r.results[step.ID] = &StepResult{
		StepID:    step.ID,
		Index:     step.Index,
		Status:    step.Status,
		Error:     out.Error,
		ErrorKind: out.ErrorKind,
		Retryable: out.Retryable,
		Duration:  time.Since(started),
	}
	e.logger.WarnContext(ctx, "plan step failed",
		"plan_id", r.plan.ID,
		"step_id", step.ID,
		"tool", step.ToolName,
		"error", out.Error,
		"retryable", out.Retryable,
	)
	r.emitter.Emit(ctx, planevents.StepEvent(planevents.StepFailed, step.ID, step.Index, map[string]any{
		"toolName":  step.ToolName,
		"error":     out.Error,
		"errorKind": out.ErrorKind,
		"retryable": out.Retryable,
	}))
	return nil
}

// Summarize renders a step result for events, capped at MaxSummaryLen runes.
func Summarize(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprint(v)
		} else {
			s = string(b)
		}
	}
	if utf8.RuneCountInString(s) <= MaxSummaryLen {
		return s
	}
	return string([]rune(s)[:MaxSummaryLen-3]) + "..."
}

func (e *Executor) load(ctx context.Context, planID string) (*planstore.Plan, error) {
	plan, err := e.store.GetPlanByID(ctx, planID, true)
	if errors.Is(err, planstore.ErrNotFound) {
		return nil, planerr.Wrap(planerr.PlanNotFound, "plan not found", err).WithPlan(planID)
	}
	if err != nil {
		return nil, persistErr("failed to load plan", planID, "", err)
	}
	return plan, nil
}

func persistErr(msg, planID, stepID string, err error) error {
	return planerr.Wrap(planerr.PersistenceError, msg, err).WithPlan(planID).WithStep(stepID)
}
