package approvalservice_test

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/libdbexec"
	"github.com/contenox/planengine/libtracker"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (context.Context, approvalservice.Service) {
	t.Helper()
	ctx := context.Background()
	db, err := libdbexec.NewSQLiteDBManager(ctx, filepath.Join(t.TempDir(), "approvals.db"), approvalservice.SchemaSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return ctx, approvalservice.New(db)
}

func request(ttl time.Duration) approvalservice.Request {
	return approvalservice.Request{
		PlanID:    "plan-1",
		StepID:    "step-1",
		UserID:    "user-1",
		ToolName:  "send_email",
		Category:  "communication",
		RiskLevel: "medium",
		Params:    map[string]any{"to": "a@example.com"},
		TTL:       ttl,
	}
}

func TestUnit_Approval_CreateAndApprove(t *testing.T) {
	ctx, svc := setupService(t)
	a, err := svc.CreatePendingApproval(ctx, request(time.Hour))
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusPending, a.Status)
	require.WithinDuration(t, time.Now().Add(time.Hour), a.ExpiresAt, time.Minute)

	pending, err := svc.ListPending(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "a@example.com", pending[0].Params["to"])

	decided, err := svc.UpdateApprovalStatus(ctx, "user-1", a.ID, approvalservice.StatusApproved, "looks good")
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusApproved, decided.Status)

	again, err := svc.UpdateApprovalStatus(ctx, "user-1", a.ID, approvalservice.StatusApproved, "")
	require.NoError(t, err)
	require.Equal(t, "looks good", again.Details)

	_, err = svc.UpdateApprovalStatus(ctx, "user-1", a.ID, approvalservice.StatusRejected, "")
	require.ErrorIs(t, err, approvalservice.ErrNotPending)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.DecidedBy)
	require.False(t, got.DecidedAt.IsZero())

	pending, err = svc.ListPending(ctx, "plan-1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestUnit_Approval_Errors(t *testing.T) {
	ctx, svc := setupService(t)
	_, err := svc.Get(ctx, "missing")
	require.ErrorIs(t, err, approvalservice.ErrNotFound)

	_, err = svc.UpdateApprovalStatus(ctx, "u", "missing", approvalservice.StatusApproved, "")
	require.ErrorIs(t, err, approvalservice.ErrNotFound)

	_, err = svc.UpdateApprovalStatus(ctx, "u", "missing", approvalservice.StatusPending, "")
	require.ErrorIs(t, err, approvalservice.ErrInvalidDecision)

	_, err = svc.CreatePendingApproval(ctx, approvalservice.Request{})
	require.ErrorIs(t, err, approvalservice.ErrInvalidRequest)
}

func TestUnit_Approval_Expiry(t *testing.T) {
	ctx, svc := setupService(t)
	late, err := svc.CreatePendingApproval(ctx, request(time.Millisecond))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = svc.UpdateApprovalStatus(ctx, "user-1", late.ID, approvalservice.StatusApproved, "")
	require.ErrorIs(t, err, approvalservice.ErrExpired)
	got, err := svc.Get(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusExpired, got.Status)

	overdue, err := svc.CreatePendingApproval(ctx, request(time.Millisecond))
	require.NoError(t, err)
	_, err = svc.CreatePendingApproval(ctx, request(time.Hour))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	n, err := svc.ExpireOverdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = svc.Get(ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusExpired, got.Status)
}

func TestUnit_Approval_DecoratorLogsFailures(t *testing.T) {
	ctx, svc := setupService(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tracked := approvalservice.WithActivityTracker(svc, libtracker.NewLogActivityTracker(logger))

	_, err := tracked.Get(ctx, "missing")
	require.ErrorIs(t, err, approvalservice.ErrNotFound)
	require.Contains(t, buf.String(), "operation failed")
	require.Contains(t, buf.String(), "approval")
}
