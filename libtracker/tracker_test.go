package libtracker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/contenox/planengine/libtracker"
	"github.com/stretchr/testify/require"
)

func TestUnit_LogActivityTracker_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tracker := libtracker.NewLogActivityTracker(logger)

	ctx := context.WithValue(context.Background(), libtracker.ContextKeyRequestID, "req-1")
	reportErr, _, end := tracker.Start(ctx, "execute", "plan", "plan_id", "p1")
	reportErr(errors.New("boom"))
	end()

	out := buf.String()
	require.Contains(t, out, "operation failed")
	require.Contains(t, out, "error=boom")
	require.Contains(t, out, "request_id=req-1")
	require.Contains(t, out, "plan_id=p1")
}

func TestUnit_ChainedTracker_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	chained := libtracker.ChainedTracker{
		libtracker.NewLogActivityTracker(slog.New(slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		libtracker.NoopTracker{},
		libtracker.NewLogActivityTracker(slog.New(slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	}
	_, reportChange, end := chained.Start(context.Background(), "create", "plan")
	reportChange("p1", nil)
	end()

	require.Contains(t, a.String(), "entity_id=p1")
	require.Contains(t, b.String(), "entity_id=p1")
}

func TestUnit_WithNewRequestID(t *testing.T) {
	ctx := libtracker.WithNewRequestID(context.Background())
	require.NotEmpty(t, libtracker.RequestID(ctx))
	require.Empty(t, libtracker.PlanID(ctx))
	require.Equal(t, "p1", libtracker.PlanID(libtracker.WithPlanID(ctx, "p1")))
}
