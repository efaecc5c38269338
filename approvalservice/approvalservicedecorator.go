package approvalservice

import (
	"context"
	"time"

	"github.com/contenox/planengine/libtracker"
)

type activityTrackerDecorator struct {
	service Service
	tracker libtracker.ActivityTracker
}

func (d *activityTrackerDecorator) CreatePendingApproval(ctx context.Context, req Request) (*Approval, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"create",
		"approval",
		"planID", req.PlanID,
		"stepID", req.StepID,
		"tool", req.ToolName,
	)
	defer endFn()

	a, err := d.service.CreatePendingApproval(ctx, req)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(a.ID, map[string]any{
			"planID":    a.PlanID,
			"stepID":    a.StepID,
			"expiresAt": a.ExpiresAt,
		})
	}
	return a, err
}

func (d *activityTrackerDecorator) UpdateApprovalStatus(ctx context.Context, userID, approvalID string, decision Status, details string) (*Approval, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(
		ctx,
		"decide",
		"approval",
		"approvalID", approvalID,
		"decision", decision,
		"userID", userID,
	)
	defer endFn()

	a, err := d.service.UpdateApprovalStatus(ctx, userID, approvalID, decision, details)
	if err != nil {
		reportErrFn(err)
	} else {
		reportChangeFn(approvalID, map[string]any{"status": a.Status})
	}
	return a, err
}

func (d *activityTrackerDecorator) Get(ctx context.Context, approvalID string) (*Approval, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "read", "approval", "approvalID", approvalID)
	defer endFn()

	a, err := d.service.Get(ctx, approvalID)
	if err != nil {
		reportErrFn(err)
	}
	return a, err
}

func (d *activityTrackerDecorator) ListPending(ctx context.Context, planID string) ([]*Approval, error) {
	reportErrFn, _, endFn := d.tracker.Start(ctx, "list", "approval", "planID", planID)
	defer endFn()

	list, err := d.service.ListPending(ctx, planID)
	if err != nil {
		reportErrFn(err)
	}
	return list, err
}

func (d *activityTrackerDecorator) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	reportErrFn, reportChangeFn, endFn := d.tracker.Start(ctx, "expire", "approval")
	defer endFn()

	n, err := d.service.ExpireOverdue(ctx, now)
	if err != nil {
		reportErrFn(err)
	} else if n > 0 {
		reportChangeFn("", map[string]any{"expired": n})
	}
	return n, err
}

func WithActivityTracker(service Service, tracker libtracker.ActivityTracker) Service {
	return &activityTrackerDecorator{
		service: service,
		tracker: tracker,
	}
}

var _ Service = (*activityTrackerDecorator)(nil)
