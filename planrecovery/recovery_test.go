package planrecovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planstore"
	"github.com/stretchr/testify/require"
)

func TestUnit_ClassifyError(t *testing.T) {
	cases := map[string]planrecovery.ErrorType{
		"429 Too Many Requests":                  planrecovery.ErrorRateLimit,
		"rate limit exceeded for calendar":       planrecovery.ErrorRateLimit,
		"request timed out after 30s":            planrecovery.ErrorTimeout,
		"context deadline exceeded":              planrecovery.ErrorTimeout,
		"dial tcp: connection refused":           planrecovery.ErrorNetwork,
		"upstream returned 503":                  planrecovery.ErrorServiceUnavailable,
		"401 unauthorized":                       planrecovery.ErrorAuthentication,
		"permission denied on folder":            planrecovery.ErrorPermission,
		"task does not exist":                    planrecovery.ErrorNotFound,
		"event already exists":                   planrecovery.ErrorConflict,
		"invalid email address":                  planrecovery.ErrorValidation,
		"field title is required":                planrecovery.ErrorValidation,
		"created task-4290 but could not tag it": planrecovery.ErrorUnknown,
		"":                                       planrecovery.ErrorUnknown,
		"something odd happened":                 planrecovery.ErrorUnknown,
	}
	for msg, want := range cases {
		require.Equal(t, want, planrecovery.ClassifyError(msg), msg)
	}
	require.True(t, planrecovery.ErrorTimeout.IsTransient())
	require.False(t, planrecovery.ErrorValidation.IsTransient())
}

func TestUnit_ClassifyFailure_PrefersKind(t *testing.T) {
	require.Equal(t, planrecovery.ErrorConflict, planrecovery.ClassifyFailure("conflict", "request timed out"))
	require.Equal(t, planrecovery.ErrorTimeout, planrecovery.ClassifyFailure("tool_error", "request timed out"))
	require.Equal(t, planrecovery.ErrorTimeout, planrecovery.ClassifyFailure("", "request timed out"))
}

// threeSteps has no dependencies between its steps.
func threeSteps() *planstore.Plan {
	return planstore.NewPlan("user-1", "organise week",
		&planstore.Step{ToolName: "create_task"},
		&planstore.Step{ToolName: "add_tag"},
		&planstore.Step{ToolName: "send_summary"},
	)
}

func failAt(plan *planstore.Plan, idx int, msg string, retries int) planrecovery.Failure {
	step := plan.Steps[idx]
	step.Status = planstore.StepStatusFailed
	step.Error = msg
	step.RetryCount = retries
	return planrecovery.NewFailure(step, "")
}

func TestUnit_DetermineRecoveryAction_TimeoutRetries(t *testing.T) {
	engine := planrecovery.New(nil)
	plan := threeSteps()
	action := engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", 0), planrecovery.Options{})
	require.Equal(t, planrecovery.KindRetry, action.Kind())
	require.Greater(t, action.Basis().Confidence, 0.0)
}

func TestUnit_DetermineRecoveryAction_RetryCapAsksUser(t *testing.T) {
	engine := planrecovery.New(nil)
	plan := threeSteps()
	action := engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", 3), planrecovery.Options{})
	require.Equal(t, planrecovery.KindAskUser, action.Kind())
	ask := action.(planrecovery.AskUser)
	require.Contains(t, ask.Message, "request timed out")

	action = engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", 1), planrecovery.Options{MaxRetries: 1})
	require.Equal(t, planrecovery.KindAskUser, action.Kind())
}

func TestUnit_DetermineRecoveryAction_NonPositiveMaxRetriesUsesDefault(t *testing.T) {
	engine := planrecovery.New(nil)
	plan := threeSteps()
	for _, n := range []int{0, -1} {
		opts := planrecovery.Options{MaxRetries: n}
		action := engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", planrecovery.DefaultMaxRetries-1), opts)
		require.Equal(t, planrecovery.KindRetry, action.Kind(), "max retries %d", n)

		action = engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", planrecovery.DefaultMaxRetries), opts)
		require.Equal(t, planrecovery.KindAskUser, action.Kind(), "max retries %d", n)
	}
}

func TestUnit_DetermineRecoveryAction_OptionalStepSkips(t *testing.T) {
	engine := planrecovery.New(nil)
	plan := threeSteps()
	action := engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "invalid tag name", 0), planrecovery.Options{})
	require.Equal(t, planrecovery.KindSkip, action.Kind())
}

func TestUnit_DetermineRecoveryAction_CriticalStepSuggestsRollback(t *testing.T) {
	engine := planrecovery.New(nil)
	plan := planstore.NewPlan("user-1", "book trip",
		&planstore.Step{ToolName: "book_flight", Status: planstore.StepStatusCompleted, RollbackAction: &planstore.RollbackAction{ToolName: "cancel_flight"}},
		&planstore.Step{ToolName: "book_hotel", Status: planstore.StepStatusCompleted, RollbackAction: &planstore.RollbackAction{ToolName: "cancel_hotel"}},
		&planstore.Step{ToolName: "charge_card", DependencyIndices: []int{0, 1}},
	)
	action := engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 2, "card declined: invalid cvc", 0), planrecovery.Options{})
	require.Equal(t, planrecovery.KindAskUser, action.Kind())
	require.True(t, action.(planrecovery.AskUser).SuggestRollback)

	plan.Steps[1].RollbackAction = nil
	action = engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 2, "card declined: invalid cvc", 0), planrecovery.Options{})
	require.Equal(t, planrecovery.KindAskUser, action.Kind())
	require.False(t, action.(planrecovery.AskUser).SuggestRollback)
}

type stubAdvisor struct {
	calls  int
	action planrecovery.Action
	err    error
}

func (s *stubAdvisor) DecideRecovery(ctx context.Context, req planrecovery.AdvisorRequest) (planrecovery.Action, error) {
	s.calls++
	return s.action, s.err
}

func TestUnit_DetermineRecoveryAction_Advisor(t *testing.T) {
	plan := threeSteps()
	advisor := &stubAdvisor{action: planrecovery.Abort{Decision: planrecovery.Decision{Reasoning: "pointless", Confidence: 0.9}}}
	engine := planrecovery.New(nil, planrecovery.WithAdvisor(advisor))

	action := engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", 0), planrecovery.Options{})
	require.Equal(t, planrecovery.KindAbort, action.Kind())
	require.Equal(t, 1, advisor.calls)

	action = engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", 3), planrecovery.Options{})
	require.Equal(t, planrecovery.KindAskUser, action.Kind())
	require.Equal(t, 1, advisor.calls)

	advisor.err = errors.New("model offline")
	action = engine.DetermineRecoveryAction(context.Background(), plan, failAt(plan, 1, "request timed out", 0), planrecovery.Options{})
	require.Equal(t, planrecovery.KindRetry, action.Kind())
}

func TestUnit_ParseAction(t *testing.T) {
	action, err := planrecovery.ParseAction(planrecovery.ActionView{
		Kind:           planrecovery.KindRetry,
		Reasoning:      "flaky",
		Confidence:     1.7,
		ModifiedParams: map[string]any{"timeout": float64(60)},
	})
	require.NoError(t, err)
	retry := action.(planrecovery.Retry)
	require.Equal(t, 1.0, retry.Confidence)
	require.Equal(t, float64(60), retry.ModifiedParams["timeout"])

	view := planrecovery.View(planrecovery.AskUser{Decision: planrecovery.Decision{Reasoning: "unsure"}, Message: "what now?"})
	require.Equal(t, planrecovery.KindAskUser, view.Kind)
	require.Equal(t, "what now?", view.Message)

	_, err = planrecovery.ParseAction(planrecovery.ActionView{Kind: "explode"})
	require.Error(t, err)
}

type fixture struct {
	ctx      context.Context
	store    planstore.Store
	exec     *planexec.Executor
	recovery *planrecovery.Engine
	events   *[]planevents.Type
}

func setup(t *testing.T, tools planexec.FuncEngine) *fixture {
	t.Helper()
	ctx := context.Background()
	store, db, err := planstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "plans.db"), approvalservice.SchemaSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := &[]planevents.Type{}
	registry := planevents.NewRegistry(planevents.WithSinks(func(ctx context.Context, ev planevents.Event) error {
		*events = append(*events, ev.Type)
		return nil
	}))
	exec := planexec.New(store, tools, planexec.WithEmitterRegistry(registry))
	rollback := planrollback.New(store, tools, planrollback.WithEmitterRegistry(registry), planrollback.WithLocker(exec.Locker()))
	recovery := planrecovery.New(store,
		planrecovery.WithRollback(rollback),
		planrecovery.WithEmitterRegistry(registry),
		planrecovery.WithLocker(exec.Locker()),
	)
	return &fixture{ctx: ctx, store: store, exec: exec, recovery: recovery, events: events}
}

func flakyTools(calls map[string]int, failures int) planexec.FuncEngine {
	return planexec.FuncEngine{
		"create_task": func(ctx context.Context, params map[string]any) (any, error) {
			calls["create_task"]++
			return map[string]any{"id": "t-1"}, nil
		},
		"delete_task": func(ctx context.Context, params map[string]any) (any, error) {
			calls["delete_task"]++
			return nil, nil
		},
		"sync_calendar": func(ctx context.Context, params map[string]any) (any, error) {
			calls["sync_calendar"]++
			if calls["sync_calendar"] <= failures {
				return nil, errors.New("calendar request timed out")
			}
			return "synced", nil
		},
		"notify": func(ctx context.Context, params map[string]any) (any, error) {
			calls["notify"]++
			return "sent", nil
		},
	}
}

// failedRun executes create_task -> sync_calendar -> notify(depends on sync)
// with sync_calendar failing once.
func failedRun(t *testing.T, f *fixture) *planstore.Plan {
	t.Helper()
	plan := planstore.NewPlan("user-1", "plan the week",
		&planstore.Step{ToolName: "create_task", RollbackAction: &planstore.RollbackAction{ToolName: "delete_task", Params: map[string]any{"id": "{{result.id}}"}}},
		&planstore.Step{ToolName: "sync_calendar", Params: map[string]any{"calendar": "work", "timeout": float64(10)}, DependencyIndices: []int{0}},
		&planstore.Step{ToolName: "notify", DependencyIndices: []int{1}},
	)
	require.NoError(t, f.store.CreatePlan(f.ctx, plan))
	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, planstore.PlanStatusFailed, res.Plan.Status)
	require.Equal(t, planstore.StepStatusSkipped, res.Plan.Steps[2].Status)
	return res.Plan
}

func TestUnit_ExecuteRecovery_RetryLetsPlanFinish(t *testing.T) {
	calls := map[string]int{}
	f := setup(t, flakyTools(calls, 1))
	plan := failedRun(t, f)

	failure, ok := planrecovery.LatestFailure(plan)
	require.True(t, ok)
	require.Equal(t, planrecovery.ErrorTimeout, failure.Type)
	require.Equal(t, plan.Steps[1].ID, failure.Step.ID)

	action := f.recovery.DetermineRecoveryAction(f.ctx, plan, failure, planrecovery.Options{})
	require.Equal(t, planrecovery.KindRetry, action.Kind())

	out, err := f.recovery.ExecuteRecovery(f.ctx, plan, failure, planrecovery.Retry{
		Decision:       action.Basis(),
		ModifiedParams: map[string]any{"timeout": float64(60)},
	})
	require.NoError(t, err)
	require.True(t, out.CanContinue)
	require.Equal(t, map[string]any{"calendar": "work", "timeout": float64(60)}, out.Plan.Steps[1].Params)
	require.Equal(t, planstore.PlanStatusPaused, out.Plan.Status)
	require.Equal(t, 1, out.Plan.CurrentStepIndex)
	require.Empty(t, out.Plan.FailureReason)
	require.Equal(t, planstore.StepStatusPending, out.Plan.Steps[1].Status)
	require.Equal(t, 1, out.Plan.Steps[1].RetryCount)
	require.Equal(t, planstore.StepStatusPending, out.Plan.Steps[2].Status)
	require.Equal(t, 0, out.Plan.Steps[2].RetryCount)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.SuccessfulSteps)
	require.Equal(t, 1, calls["create_task"])
	require.Equal(t, 2, calls["sync_calendar"])
	require.Equal(t, 1, calls["notify"])
	require.Contains(t, *f.events, planevents.RecoveryApplied)
	require.Equal(t, planevents.PlanCompleted, (*f.events)[len(*f.events)-1])
}

func TestUnit_ExecuteRecovery_Skip(t *testing.T) {
	calls := map[string]int{}
	f := setup(t, flakyTools(calls, 1))
	plan := failedRun(t, f)
	failure, _ := planrecovery.LatestFailure(plan)

	out, err := f.recovery.ExecuteRecovery(f.ctx, plan, failure, planrecovery.Skip{})
	require.NoError(t, err)
	require.False(t, out.CanContinue)
	require.Equal(t, planstore.StepStatusSkipped, out.Plan.Steps[1].Status)
	require.Equal(t, planstore.SkipReasonRecovery, out.Plan.Steps[1].SkipReason)

	_, err = f.recovery.ExecuteRecovery(f.ctx, plan, failure, planrecovery.Retry{})
	require.True(t, planerr.HasCode(err, planerr.StepNotExecutable))
}

func TestUnit_ExecuteRecovery_Abort(t *testing.T) {
	calls := map[string]int{}
	f := setup(t, flakyTools(calls, 1))
	plan := planstore.NewPlan("user-1", "plan the week",
		&planstore.Step{ToolName: "create_task"},
		&planstore.Step{ToolName: "sync_calendar"},
		&planstore.Step{ToolName: "notify"},
	)
	require.NoError(t, f.store.CreatePlan(f.ctx, plan))
	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{StopOnFailure: true})
	require.NoError(t, err)
	require.Equal(t, planstore.StepStatusPending, res.Plan.Steps[2].Status)
	failure, _ := planrecovery.LatestFailure(res.Plan)

	out, err := f.recovery.ExecuteRecovery(f.ctx, res.Plan, failure, planrecovery.Abort{Reason: "user gave up"})
	require.NoError(t, err)
	require.Equal(t, planstore.PlanStatusFailed, out.Plan.Status)
	require.Equal(t, "user gave up", out.Plan.FailureReason)
	require.Equal(t, planstore.StepStatusSkipped, out.Plan.Steps[2].Status)
	require.Equal(t, planstore.SkipReasonPlanAborted, out.Plan.Steps[2].SkipReason)
	require.Zero(t, calls["notify"])
}

func TestUnit_ExecuteRecovery_AskUserPauses(t *testing.T) {
	calls := map[string]int{}
	f := setup(t, flakyTools(calls, 1))
	plan := failedRun(t, f)
	failure, _ := planrecovery.LatestFailure(plan)

	out, err := f.recovery.ExecuteRecovery(f.ctx, plan, failure, planrecovery.AskUser{Message: "Try again later?"})
	require.NoError(t, err)
	require.Equal(t, "Try again later?", out.Message)
	require.Equal(t, planstore.PlanStatusPaused, out.Plan.Status)
	require.Equal(t, planstore.StepStatusFailed, out.Plan.Steps[1].Status)
}

func TestUnit_ExecuteRecovery_RollbackDelegates(t *testing.T) {
	calls := map[string]int{}
	f := setup(t, flakyTools(calls, 1))
	plan := failedRun(t, f)
	failure, _ := planrecovery.LatestFailure(plan)

	out, err := f.recovery.ExecuteRecovery(f.ctx, plan, failure, planrecovery.Rollback{})
	require.NoError(t, err)
	require.NotNil(t, out.Rollback)
	require.Equal(t, 1, out.Rollback.RolledBackSteps)
	require.Equal(t, 1, calls["delete_task"])
	require.Equal(t, planstore.PlanStatusCancelled, out.Plan.Status)
	require.Equal(t, planstore.StepStatusRolledBack, out.Plan.Steps[0].Status)
}

func TestUnit_ExecuteRecovery_RejectsFinishedPlans(t *testing.T) {
	calls := map[string]int{}
	f := setup(t, flakyTools(calls, 1))
	plan := failedRun(t, f)
	failure, _ := planrecovery.LatestFailure(plan)
	require.NoError(t, f.store.CancelPlan(f.ctx, plan.ID, "done"))

	_, err := f.recovery.ExecuteRecovery(f.ctx, plan, failure, planrecovery.Retry{})
	require.True(t, planerr.HasCode(err, planerr.InvalidStateTransition))

	_, err = f.recovery.ExecuteRecovery(f.ctx, plan, planrecovery.Failure{}, planrecovery.Retry{})
	require.True(t, planerr.HasCode(err, planerr.ValidationFailed))
}
