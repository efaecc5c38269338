// Package planrecovery decides what to do after a plan step fails and
// applies that decision to the stored plan.
//
// Decisions come from an optional Advisor, usually a language model, with
// a rule based policy as the fallback. Either way the retry cap wins: a step
// that already failed MaxRetries times is handed to the user.
package planrecovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"dario.cat/mergo"
	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planlock"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planstore"
)

const DefaultMaxRetries = 3

type Options struct {
	MaxRetries int `json:"maxRetries"`
}

// Failure describes one failed step at the moment recovery looks at it.
type Failure struct {
	Step       *planstore.Step `json:"step"`
	Error      string          `json:"error"`
	ErrorKind  string          `json:"errorKind,omitempty"`
	Type       ErrorType       `json:"type"`
	RetryCount int             `json:"retryCount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewFailure builds a Failure from a failed step. errorKind is the structured
// kind reported by the tool engine, if any.
func NewFailure(step *planstore.Step, errorKind string) Failure {
	ts := step.CompletedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Failure{
		Step:       step,
		Error:      step.Error,
		ErrorKind:  errorKind,
		Type:       ClassifyFailure(errorKind, step.Error),
		RetryCount: step.RetryCount,
		Timestamp:  ts,
	}
}

// LatestFailure returns the failed step with the highest index, classified
// by the error kind stored with it.
func LatestFailure(plan *planstore.Plan) (Failure, bool) {
	var last *planstore.Step
	for _, s := range plan.Steps {
		if s.Status == planstore.StepStatusFailed && (last == nil || s.Index > last.Index) {
			last = s
		}
	}
	if last == nil {
		return Failure{}, false
	}
	return NewFailure(last, last.ErrorKind), true
}

type AdvisorRequest struct {
	Plan       *planstore.Plan `json:"plan"`
	Failure    Failure         `json:"failure"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// Advisor suggests a recovery action. Errors make the engine fall back to
// its own rules.
type Advisor interface {
	DecideRecovery(ctx context.Context, req AdvisorRequest) (Action, error)
}

type Rollbacker interface {
	RollbackPlan(ctx context.Context, planID string, opts planrollback.Options) (*planrollback.Result, error)
}

// Outcome reports what ExecuteRecovery did.
type Outcome struct {
	Action      ActionView           `json:"action"`
	Message     string               `json:"message,omitempty"`
	CanContinue bool                 `json:"canContinue"`
	Rollback    *planrollback.Result `json:"rollback,omitempty"`
	Plan        *planstore.Plan      `json:"plan"`
}

type Engine struct {
	store     planstore.Store
	advisor   Advisor
	rollback  Rollbacker
	approvals planexec.ApprovalService
	emitters  *planevents.Registry
	locker    planlock.Locker
	logger    *slog.Logger
}

type Option func(*Engine)

func WithAdvisor(advisor Advisor) Option {
	return func(e *Engine) {
		e.advisor = advisor
	}
}

func WithRollback(rollback Rollbacker) Option {
	return func(e *Engine) {
		e.rollback = rollback
	}
}

func WithApprovalService(approvals planexec.ApprovalService) Option {
	return func(e *Engine) {
		e.approvals = approvals
	}
}

func WithEmitterRegistry(emitters *planevents.Registry) Option {
	return func(e *Engine) {
		e.emitters = emitters
	}
}

func WithLocker(locker planlock.Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(store planstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		emitters: planevents.NewRegistry(),
		locker:   planlock.NewLocal(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func withDefaults(opts Options) Options {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return opts
}

// DetermineRecoveryAction picks the action for failure. It never fails:
// advisor errors fall back to the built-in rules.
func (e *Engine) DetermineRecoveryAction(ctx context.Context, plan *planstore.Plan, failure Failure, opts Options) Action {
	opts = withDefaults(opts)
	if failure.Step == nil {
		return AskUser{
			Decision: Decision{Reasoning: "failure is not tied to a step", Confidence: 0.5},
			Message:  fmt.Sprintf("The plan failed: %s. How should it continue?", failure.Error),
		}
	}
	if failure.Type == "" {
		failure.Type = ClassifyFailure(failure.ErrorKind, failure.Error)
	}
	if failure.RetryCount >= opts.MaxRetries {
		return retryCapReached(failure)
	}
	if e.advisor != nil {
		action, err := e.advisor.DecideRecovery(ctx, AdvisorRequest{
			Plan:       plan,
			Failure:    failure,
			RetryCount: failure.RetryCount,
			MaxRetries: opts.MaxRetries,
		})
		if err == nil && action != nil {
			return action
		}
		e.logger.WarnContext(ctx, "recovery advisor failed, using heuristics", "plan_id", plan.ID, "error", err)
	}
	return heuristic(plan, failure)
}

func retryCapReached(f Failure) Action {
	return AskUser{
		Decision: Decision{
			Reasoning:  fmt.Sprintf("step already retried %d times", f.RetryCount),
			Confidence: 0.9,
		},
		Message: fmt.Sprintf("Step %d (%s) keeps failing: %s. Retry it again, skip it, or abort the plan?",
			f.Step.Index, f.Step.ToolName, f.Error),
	}
}

func heuristic(plan *planstore.Plan, f Failure) Action {
	step := f.Step
	if f.Type.IsTransient() {
		return Retry{Decision: Decision{
			Reasoning:  fmt.Sprintf("%s errors are usually temporary", f.Type),
			Confidence: 0.8,
		}}
	}
	critical := isCritical(plan, step)
	if !critical && !blocksDependents(plan, step) {
		return Skip{Decision: Decision{
			Reasoning:  fmt.Sprintf("step %d is optional and nothing waits on it", step.Index),
			Confidence: 0.7,
		}}
	}
	if undo := rollbackable(plan); critical && undo >= 2 {
		return AskUser{
			Decision: Decision{
				Reasoning:  fmt.Sprintf("critical step failed with %s after %d undoable steps completed", f.Type, undo),
				Confidence: 0.6,
			},
			Message: fmt.Sprintf("Step %d (%s) failed: %s. %d completed steps can be undone. Roll them back, retry the step, or abort?",
				step.Index, step.ToolName, f.Error, undo),
			SuggestRollback: true,
		}
	}
	return AskUser{
		Decision: Decision{
			Reasoning:  fmt.Sprintf("%s error on a step the plan depends on", f.Type),
			Confidence: 0.5,
		},
		Message: fmt.Sprintf("Step %d (%s) failed: %s. Retry it, skip it, or abort the plan?",
			step.Index, step.ToolName, f.Error),
	}
}

// isCritical: the only step, the first or last step, gated by approval, or
// depended on by another step.
func isCritical(plan *planstore.Plan, step *planstore.Step) bool {
	if len(plan.Steps) <= 1 || step.RequiresApproval {
		return true
	}
	if step.Index == 0 || step.Index == len(plan.Steps)-1 {
		return true
	}
	return len(dependents(plan, step.ID)) > 0
}

// blocksDependents reports whether a step still waiting to run, or one
// already skipped because of this failure, depends on step.
func blocksDependents(plan *planstore.Plan, step *planstore.Step) bool {
	for _, d := range dependents(plan, step.ID) {
		switch {
		case d.Status == planstore.StepStatusPending, d.Status == planstore.StepStatusAwaitingApproval:
			return true
		case d.Status == planstore.StepStatusSkipped && d.SkipReason == planstore.SkipReasonDependencyFailed:
			return true
		}
	}
	return false
}

func rollbackable(plan *planstore.Plan) int {
	n := 0
	for _, s := range plan.Steps {
		if s.Status == planstore.StepStatusCompleted && s.RollbackAction != nil {
			n++
		}
	}
	return n
}

func dependents(plan *planstore.Plan, stepID string) []*planstore.Step {
	var out []*planstore.Step
	for _, s := range plan.Steps {
		if slices.Contains(s.DependsOn, stepID) {
			out = append(out, s)
		}
	}
	return out
}

// transitiveDependents walks every step that depends on stepID, directly or
// not.
func transitiveDependents(plan *planstore.Plan, stepID string) []*planstore.Step {
	seen := map[string]bool{stepID: true}
	queue := []string{stepID}
	var out []*planstore.Step
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents(plan, id) {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
			queue = append(queue, d.ID)
		}
	}
	return out
}

// ExecuteRecovery applies action to the plan the failure belongs to.
// Retry, Skip and AskUser leave the plan paused so ExecutePlan can pick it up
// again; Abort fails it; Rollback cancels it through the rollback engine.
func (e *Engine) ExecuteRecovery(ctx context.Context, plan *planstore.Plan, failure Failure, action Action) (*Outcome, error) {
	if failure.Step == nil {
		return nil, planerr.New(planerr.ValidationFailed, "failure has no step").WithPlan(plan.ID)
	}
	ctx = libtracker.WithPlanID(ctx, plan.ID)
	if _, ok := action.(Rollback); !ok {
		unlock, err := e.locker.Lock(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	current, err := e.load(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	step := current.StepByID(failure.Step.ID)
	if step == nil {
		return nil, planerr.New(planerr.StepNotFound, "step not found").WithPlan(plan.ID).WithStep(failure.Step.ID)
	}

	emitter, release := e.emitters.AcquireOrCreate(plan.ID)
	defer release()

	a := &applier{
		ctx:     ctx,
		e:       e,
		plan:    current,
		step:    step,
		failure: failure,
		emitter: emitter,
		out:     &Outcome{Action: View(action)},
	}
	if err := Dispatch(action, a); err != nil {
		return nil, err
	}
	emitter.Emit(ctx, planevents.StepEvent(planevents.RecoveryApplied, step.ID, step.Index, map[string]any{
		"action":      action.Kind(),
		"reasoning":   action.Basis().Reasoning,
		"confidence":  action.Basis().Confidence,
		"canContinue": a.out.CanContinue,
	}))
	if a.out.Plan, err = e.load(ctx, plan.ID); err != nil {
		return nil, err
	}
	return a.out, nil
}

func (e *Engine) load(ctx context.Context, planID string) (*planstore.Plan, error) {
	plan, err := e.store.GetPlanByID(ctx, planID, true)
	if errors.Is(err, planstore.ErrNotFound) {
		return nil, planerr.Wrap(planerr.PlanNotFound, "plan not found", err).WithPlan(planID)
	}
	if err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to load plan", err).WithPlan(planID)
	}
	return plan, nil
}

type applier struct {
	ctx     context.Context
	e       *Engine
	plan    *planstore.Plan
	step    *planstore.Step
	failure Failure
	emitter *planevents.Emitter
	out     *Outcome
}

func (a *applier) persistErr(msg string, stepID string, err error) error {
	return planerr.Wrap(planerr.PersistenceError, msg, err).WithPlan(a.plan.ID).WithStep(stepID)
}

// requireFailedStep guards the actions that act on the failed step itself.
func (a *applier) requireFailedStep(to string) error {
	if a.plan.Status == planstore.PlanStatusCompleted || a.plan.Status == planstore.PlanStatusCancelled {
		return planerr.InvalidTransition(a.plan.ID, string(a.plan.Status), to)
	}
	if a.step.Status != planstore.StepStatusFailed {
		return planerr.New(planerr.StepNotExecutable,
			fmt.Sprintf("step is %s, not failed", a.step.Status)).WithPlan(a.plan.ID).WithStep(a.step.ID)
	}
	return nil
}

func (a *applier) VisitRetry(r Retry) error {
	if err := a.requireFailedStep(string(planstore.PlanStatusPaused)); err != nil {
		return err
	}
	var params map[string]any
	if len(r.ModifiedParams) > 0 {
		params = make(map[string]any, len(a.step.Params)+len(r.ModifiedParams))
		for k, v := range a.step.Params {
			params[k] = v
		}
		if err := mergo.Merge(&params, r.ModifiedParams, mergo.WithOverride); err != nil {
			return planerr.Wrap(planerr.ValidationFailed, "failed to merge retry params", err).WithPlan(a.plan.ID).WithStep(a.step.ID)
		}
	}
	if err := a.e.store.ResetStep(a.ctx, a.step.ID, params); err != nil {
		return a.persistErr("failed to reset step", a.step.ID, err)
	}
	restored := 0
	for _, d := range transitiveDependents(a.plan, a.step.ID) {
		if d.Status != planstore.StepStatusSkipped || d.SkipReason != planstore.SkipReasonDependencyFailed {
			continue
		}
		if err := a.e.store.RestoreStep(a.ctx, d.ID); err != nil {
			return a.persistErr("failed to restore step", d.ID, err)
		}
		restored++
	}
	if err := a.e.store.ReopenPlan(a.ctx, a.plan.ID, a.step.Index); err != nil {
		return a.persistErr("failed to reopen plan", "", err)
	}
	a.out.CanContinue = true
	a.out.Message = fmt.Sprintf("step %d reset for retry %d", a.step.Index, a.step.RetryCount+1)
	if restored > 0 {
		a.out.Message += fmt.Sprintf(", %d dependent steps restored", restored)
	}
	return nil
}

func (a *applier) VisitSkip(Skip) error {
	if err := a.requireFailedStep(string(planstore.PlanStatusPaused)); err != nil {
		return err
	}
	if err := a.e.store.SkipStep(a.ctx, a.step.ID, planstore.SkipReasonRecovery); err != nil {
		return a.persistErr("failed to skip step", a.step.ID, err)
	}
	a.emitter.Emit(a.ctx, planevents.StepEvent(planevents.StepSkipped, a.step.ID, a.step.Index, map[string]any{
		"reason":   planstore.SkipReasonRecovery,
		"toolName": a.step.ToolName,
	}))
	a.out.Message = fmt.Sprintf("step %d skipped", a.step.Index)

	next := -1
	for _, s := range a.plan.Steps {
		if s.Index > a.step.Index && s.Status == planstore.StepStatusPending {
			next = s.Index
			break
		}
	}
	if next < 0 {
		return nil
	}
	if err := a.e.store.ReopenPlan(a.ctx, a.plan.ID, next); err != nil {
		return a.persistErr("failed to reopen plan", "", err)
	}
	a.out.CanContinue = true
	return nil
}

func (a *applier) VisitAbort(r Abort) error {
	if a.plan.Status == planstore.PlanStatusCompleted || a.plan.Status == planstore.PlanStatusCancelled {
		return planerr.InvalidTransition(a.plan.ID, string(a.plan.Status), string(planstore.PlanStatusFailed))
	}
	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("aborted after step %d (%s) failed: %s", a.step.Index, a.step.ToolName, a.failure.Error)
	}
	skipped := 0
	for _, s := range a.plan.Steps {
		if s.Status != planstore.StepStatusPending && s.Status != planstore.StepStatusAwaitingApproval {
			continue
		}
		if s.Status == planstore.StepStatusAwaitingApproval && s.ApprovalID != "" && a.e.approvals != nil {
			_, err := a.e.approvals.UpdateApprovalStatus(a.ctx, a.plan.UserID, s.ApprovalID, approvalservice.StatusCancelled, reason)
			if err != nil && !errors.Is(err, approvalservice.ErrNotPending) && !errors.Is(err, approvalservice.ErrNotFound) {
				a.e.logger.WarnContext(a.ctx, "failed to cancel approval", "plan_id", a.plan.ID, "approval_id", s.ApprovalID, "error", err)
			}
		}
		if err := a.e.store.SkipStep(a.ctx, s.ID, planstore.SkipReasonPlanAborted); err != nil {
			return a.persistErr("failed to skip step", s.ID, err)
		}
		skipped++
		a.emitter.Emit(a.ctx, planevents.StepEvent(planevents.StepSkipped, s.ID, s.Index, map[string]any{
			"reason":   planstore.SkipReasonPlanAborted,
			"toolName": s.ToolName,
		}))
	}
	if err := a.e.store.FailPlan(a.ctx, a.plan.ID, reason); err != nil {
		return a.persistErr("failed to fail plan", "", err)
	}
	a.emitter.Emit(a.ctx, planevents.Event{Type: planevents.PlanFailed, Data: map[string]any{
		"reason": reason,
	}})
	a.out.Message = fmt.Sprintf("plan aborted, %d steps skipped", skipped)
	return nil
}

func (a *applier) VisitAskUser(r AskUser) error {
	if err := a.requireFailedStep(string(planstore.PlanStatusPaused)); err != nil {
		return err
	}
	if err := a.e.store.ReopenPlan(a.ctx, a.plan.ID, a.step.Index); err != nil {
		return a.persistErr("failed to pause plan", "", err)
	}
	a.emitter.Emit(a.ctx, planevents.StepEvent(planevents.PlanPaused, a.step.ID, a.step.Index, map[string]any{
		"reason":          "awaiting user decision",
		"message":         r.Message,
		"suggestRollback": r.SuggestRollback,
	}))
	a.out.Message = r.Message
	return nil
}

func (a *applier) VisitRollback(r Rollback) error {
	if a.e.rollback == nil {
		return planerr.New(planerr.ValidationFailed, "no rollback engine configured").WithPlan(a.plan.ID)
	}
	res, err := a.e.rollback.RollbackPlan(a.ctx, a.plan.ID, planrollback.Options{
		StepIDs: r.StepIDs,
		UserID:  a.plan.UserID,
		Reason:  fmt.Sprintf("rolled back after step %d (%s) failed", a.step.Index, a.step.ToolName),
	})
	if err != nil {
		return err
	}
	a.out.Rollback = res
	a.out.Message = fmt.Sprintf("rolled back %d steps", res.RolledBackSteps)
	if res.FailedSteps > 0 {
		a.out.Message += fmt.Sprintf(", %d could not be undone", res.FailedSteps)
	}
	return nil
}
