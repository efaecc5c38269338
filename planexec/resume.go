package planexec

import (
	"context"
	"errors"
	"fmt"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planstore"
)

// ResumePlan continues a paused plan after approvalID was granted. The gated
// step runs first, then the remaining steps.
func (e *Executor) ResumePlan(ctx context.Context, planID, approvalID string, opts ExecuteOptions) (*PlanExecutionResult, error) {
	ctx = libtracker.WithPlanID(ctx, planID)
	unlock, err := e.locker.Lock(ctx, planID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, step, err := e.loadPaused(ctx, planID, approvalID)
	if err != nil {
		return nil, err
	}
	if err := e.decide(ctx, plan, opts, approvalID, approvalservice.StatusApproved, ""); err != nil {
		return nil, err
	}

	return e.drive(ctx, plan, opts, func(r *run) error {
		if err := e.store.UpdateStepStatus(ctx, step.ID, planstore.StepStatusPending); err != nil {
			return persistErr("failed to release approved step", plan.ID, step.ID, err)
		}
		step.Status = planstore.StepStatusPending
		r.approved[step.ID] = true
		return nil
	})
}

// ResumePlanAfterRejection skips the step gated by approvalID and continues
// with the remaining steps. Steps depending on it are skipped in turn.
func (e *Executor) ResumePlanAfterRejection(ctx context.Context, planID, approvalID, reason string, opts ExecuteOptions) (*PlanExecutionResult, error) {
	ctx = libtracker.WithPlanID(ctx, planID)
	unlock, err := e.locker.Lock(ctx, planID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, step, err := e.loadPaused(ctx, planID, approvalID)
	if err != nil {
		return nil, err
	}
	if err := e.decide(ctx, plan, opts, approvalID, approvalservice.StatusRejected, reason); err != nil {
		return nil, err
	}

	return e.drive(ctx, plan, opts, func(r *run) error {
		if err := e.skip(ctx, r, step, planstore.SkipReasonUserCancelled); err != nil {
			return err
		}
		return e.advance(ctx, plan, step.Index+1)
	})
}

func (e *Executor) loadPaused(ctx context.Context, planID, approvalID string) (*planstore.Plan, *planstore.Step, error) {
	plan, err := e.load(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	if plan.Status != planstore.PlanStatusPaused {
		return nil, nil, planerr.New(planerr.PlanNotPending,
			fmt.Sprintf("plan is %s, not paused", plan.Status)).WithPlan(planID)
	}
	step := plan.StepByApprovalID(approvalID)
	if step == nil {
		return nil, nil, planerr.New(planerr.ApprovalNotFound,
			fmt.Sprintf("no step is gated by approval %s", approvalID)).WithPlan(planID)
	}
	if step.Status != planstore.StepStatusAwaitingApproval {
		return nil, nil, planerr.New(planerr.StepNotExecutable,
			fmt.Sprintf("step is %s, not awaiting approval", step.Status)).WithPlan(planID).WithStep(step.ID)
	}
	return plan, step, nil
}

// decide records the decision with the approval service. Repeating a
// decision already recorded there is accepted.
func (e *Executor) decide(ctx context.Context, plan *planstore.Plan, opts ExecuteOptions, approvalID string, decision approvalservice.Status, details string) error {
	if e.approvals == nil {
		return nil
	}
	userID := opts.UserID
	if userID == "" {
		userID = plan.UserID
	}
	if _, err := e.approvals.UpdateApprovalStatus(ctx, userID, approvalID, decision, details); err != nil {
		return fmt.Errorf("failed to record %s decision: %w", decision, err)
	}
	return nil
}

// CancelPlan skips every pending or gated step, cancels their open approvals
// and marks the plan cancelled. A run in progress notices the cancellation
// before its next step; the step it is executing is not interrupted.
func (e *Executor) CancelPlan(ctx context.Context, planID, userID, reason string) (*planstore.Plan, error) {
	ctx = libtracker.WithPlanID(ctx, planID)
	plan, err := e.load(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.IsTerminal() {
		return nil, planerr.InvalidTransition(planID, string(plan.Status), string(planstore.PlanStatusCancelled))
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	emitter, release := e.emitters.AcquireOrCreate(planID)
	defer release()

	for _, step := range plan.Steps {
		if step.Status != planstore.StepStatusPending && step.Status != planstore.StepStatusAwaitingApproval {
			continue
		}
		if step.Status == planstore.StepStatusAwaitingApproval && step.ApprovalID != "" && e.approvals != nil {
			_, err := e.approvals.UpdateApprovalStatus(ctx, userID, step.ApprovalID, approvalservice.StatusCancelled, reason)
			if err != nil && !errors.Is(err, approvalservice.ErrNotPending) && !errors.Is(err, approvalservice.ErrNotFound) {
				e.logger.WarnContext(ctx, "failed to cancel approval", "plan_id", planID, "approval_id", step.ApprovalID, "error", err)
			}
		}
		if err := e.store.SkipStep(ctx, step.ID, planstore.SkipReasonPlanCancelled); err != nil {
			return nil, persistErr("failed to skip step", planID, step.ID, err)
		}
		emitter.Emit(ctx, planevents.StepEvent(planevents.StepSkipped, step.ID, step.Index, map[string]any{
			"reason":   planstore.SkipReasonPlanCancelled,
			"toolName": step.ToolName,
		}))
	}

	if err := e.store.CancelPlan(ctx, planID, reason); err != nil {
		return nil, persistErr("failed to cancel plan", planID, "", err)
	}
	emitter.Emit(ctx, planevents.Event{Type: planevents.PlanCancelled, Data: map[string]any{
		"reason": reason,
		"userId": userID,
	}})
	return e.load(ctx, planID)
}
