package planservice

import (
	"context"
	"time"

	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planvalidator"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) Propose(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest) (*Proposal, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"create",
		"plan",
		"userID", req.UserID,
		"goal", proposed.Goal,
		"steps", len(proposed.Steps),
	)
	defer endFn()

	p, err := d.service.Propose(ctx, proposed, req)
	switch {
	case err != nil:
		reportErrFn(err)
	case p.Plan != nil:
		reportChangeFn(p.Plan.ID, map[string]any{
			"steps":            len(p.Plan.Steps),
			"requiresApproval": p.Plan.RequiresApproval,
		})
	}
	return p, err
}

func (d *activityTrackerDecorator) Preview(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest) (*Proposal, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "preview", "plan", "userID", req.UserID, "goal", proposed.Goal)
	defer endFn()

	p, err := d.service.Preview(ctx, proposed, req)
	if err != nil {
		reportErrFn(err)
	}
	return p, err
}

func (d *activityTrackerDecorator) Get(ctx context.Context, planID string) (*planstore.Plan, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "read", "plan", "planID", planID)
	defer endFn()

	p, err := d.service.Get(ctx, planID)
	if err != nil {
		reportErrFn(err)
	}
	return p, err
}

func (d *activityTrackerDecorator) List(ctx context.Context, filter planstore.Filter) (*planstore.Page, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "list", "plan", "userID", filter.UserID, "limit", filter.Limit)
	defer endFn()

	page, err := d.service.List(ctx, filter)
	if err != nil {
		reportErrFn(err)
	}
	return page, err
}

func (d *activityTrackerDecorator) Execute(ctx context.Context, planID string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"execute",
		"plan",
		"planID", planID,
		"stopOnFailure", opts.StopOnFailure,
	)
	defer endFn()

	res, err := d.service.Execute(ctx, planID, opts)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(planID, executionSummary(res))
	}
	return res, err
}

func (d *activityTrackerDecorator) Approve(ctx context.Context, planID, approvalID string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"approve",
		"plan",
		"planID", planID,
		"approvalID", approvalID,
		"userID", opts.UserID,
	)
	defer endFn()

	res, err := d.service.Approve(ctx, planID, approvalID, opts)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(planID, executionSummary(res))
	}
	return res, err
}

func (d *activityTrackerDecorator) Reject(ctx context.Context, planID, approvalID, reason string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"reject",
		"plan",
		"planID", planID,
		"approvalID", approvalID,
		"userID", opts.UserID,
	)
	defer endFn()

	res, err := d.service.Reject(ctx, planID, approvalID, reason, opts)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(planID, executionSummary(res))
	}
	return res, err
}

func (d *activityTrackerDecorator) Cancel(ctx context.Context, planID, userID, reason string) (*planstore.Plan, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "cancel", "plan", "planID", planID, "userID", userID)
	defer endFn()

	p, err := d.service.Cancel(ctx, planID, userID, reason)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(planID, map[string]any{"status": p.Status})
	}
	return p, err
}

func (d *activityTrackerDecorator) Rollback(ctx context.Context, planID string, opts planrollback.Options) (*planrollback.Result, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"rollback",
		"plan",
		"planID", planID,
		"dryRun", opts.DryRun,
		"steps", len(opts.StepIDs),
	)
	defer endFn()

	res, err := d.service.Rollback(ctx, planID, opts)
	if err != nil {
		reportErrFn(err)
	} else if !opts.DryRun {
		reportChangeFn(planID, map[string]any{
			"success":         res.Success,
			"rolledBackSteps": res.RolledBackSteps,
			"failedSteps":     res.FailedSteps,
		})
	}
	return res, err
}

func (d *activityTrackerDecorator) AnalyzeRollback(ctx context.Context, planID string) (*planrollback.Analysis, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "analyze", "rollback", "planID", planID)
	defer endFn()

	a, err := d.service.AnalyzeRollback(ctx, planID)
	if err != nil {
		reportErrFn(err)
	}
	return a, err
}

func (d *activityTrackerDecorator) Recover(ctx context.Context, planID string, req RecoverRequest) (*planrecovery.Outcome, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"recover",
		"plan",
		"planID", planID,
		"explicitAction", req.Action != nil,
	)
	defer endFn()

	out, err := d.service.Recover(ctx, planID, req)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(planID, map[string]any{
			"action":      out.Action.Kind,
			"canContinue": out.CanContinue,
			"status":      out.Plan.Status,
		})
	}
	return out, err
}

func (d *activityTrackerDecorator) VerifyAssumption(ctx context.Context, assumptionID string, verified bool, correction string) error {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "verify", "assumption", "assumptionID", assumptionID, "verified", verified)
	defer endFn()

	err := d.service.VerifyAssumption(ctx, assumptionID, verified, correction)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(assumptionID, map[string]any{"verified": verified})
	}
	return err
}

func (d *activityTrackerDecorator) Events(ctx context.Context, planID string) ([]planevents.Event, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "list", "plan_event", "planID", planID)
	defer endFn()

	events, err := d.service.Events(ctx, planID)
	if err != nil {
		reportErrFn(err)
	}
	return events, err
}

func (d *activityTrackerDecorator) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "expire", "approval")
	defer endFn()

	n, err := d.service.ExpireApprovals(ctx, now)
	if err != nil {
		reportErrFn(err)
	} else if n > 0 {
		reportChangeFn("", map[string]any{"expired": n})
	}
	return n, err
}

func executionSummary(res *planexec.PlanExecutionResult) map[string]any {
	return map[string]any{
		"success":         res.Success,
		"paused":          res.Paused,
		"successfulSteps": res.SuccessfulSteps,
		"failedSteps":     res.FailedSteps,
		"skippedSteps":    res.SkippedSteps,
	}
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
