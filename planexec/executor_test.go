package planexec_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/contenox/planengine/approvalservice"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/toolregistry"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	calls  []planexec.ToolCall
	events []planevents.Event
}

func (r *recorder) call(c planexec.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) toolNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		names = append(names, c.ToolName)
	}
	return names
}

func (r *recorder) eventTypes() []planevents.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]planevents.Type, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.events = nil
}

type recordingEngine struct {
	rec   *recorder
	inner planexec.FuncEngine
}

func (e recordingEngine) ExecuteToolCall(ctx context.Context, call planexec.ToolCall) (planexec.Outcome, error) {
	e.rec.call(call)
	return e.inner.ExecuteToolCall(ctx, call)
}

type fixture struct {
	ctx       context.Context
	store     planstore.Store
	approvals approvalservice.Service
	exec      *planexec.Executor
	rec       *recorder
}

func ok(result any) planexec.ToolFunc {
	return func(ctx context.Context, params map[string]any) (any, error) {
		return result, nil
	}
}

func setup(t *testing.T, tools planexec.FuncEngine) *fixture {
	t.Helper()
	ctx := context.Background()
	store, db, err := planstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "plans.db"), approvalservice.SchemaSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec := &recorder{}
	approvals := approvalservice.New(db)
	registry := planevents.NewRegistry(planevents.WithSinks(func(ctx context.Context, ev planevents.Event) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, ev)
		return nil
	}))
	defs := toolregistry.NewMemoryRegistry(
		&toolregistry.Definition{Name: "send_email", Category: "communication", RiskLevel: toolregistry.RiskMedium, RequiresApproval: true},
	)
	exec := planexec.New(store, recordingEngine{rec: rec, inner: tools},
		planexec.WithApprovalService(approvals),
		planexec.WithToolRegistry(defs),
		planexec.WithEmitterRegistry(registry),
		planexec.WithApprovalTTL(time.Hour),
	)
	return &fixture{ctx: ctx, store: store, approvals: approvals, exec: exec, rec: rec}
}

func (f *fixture) create(t *testing.T, steps ...*planstore.Step) *planstore.Plan {
	t.Helper()
	plan := planstore.NewPlan("user-1", "organise the week", steps...)
	require.NoError(t, f.store.CreatePlan(f.ctx, plan))
	return plan
}

func (f *fixture) get(t *testing.T, id string) *planstore.Plan {
	t.Helper()
	plan, err := f.store.GetPlanByID(f.ctx, id, true)
	require.NoError(t, err)
	return plan
}

func defaultTools() planexec.FuncEngine {
	return planexec.FuncEngine{
		"create_task": ok(map[string]any{"id": "task-1"}),
		"add_note":    ok("noted"),
		"send_email":  ok(map[string]any{"messageId": "m-1"}),
	}
}

func TestUnit_ExecutePlan_PausesAtApprovalAndResumes(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t,
		&planstore.Step{ToolName: "create_task"},
		&planstore.Step{ToolName: "add_note", DependencyIndices: []int{0}},
		&planstore.Step{ToolName: "send_email", DependencyIndices: []int{1}, RequiresApproval: true},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Paused)
	require.False(t, res.Success)
	require.NotEmpty(t, res.PendingApprovalID)
	require.Equal(t, 2, res.SuccessfulSteps)
	require.Equal(t, planstore.PlanStatusPaused, res.Plan.Status)
	require.Equal(t, res.PendingApprovalID, res.Plan.PendingApprovalID)
	require.Equal(t, planstore.StepStatusCompleted, res.Plan.Steps[0].Status)
	require.Equal(t, planstore.StepStatusCompleted, res.Plan.Steps[1].Status)
	require.Equal(t, planstore.StepStatusAwaitingApproval, res.Plan.Steps[2].Status)
	require.Equal(t, []string{"create_task", "add_note"}, f.rec.toolNames())
	require.Equal(t, []planevents.Type{
		planevents.PlanStarted,
		planevents.StepStarting, planevents.StepCompleted,
		planevents.StepStarting, planevents.StepCompleted,
		planevents.StepStarting, planevents.ApprovalRequested,
		planevents.PlanPaused,
	}, f.rec.eventTypes())

	approval, err := f.approvals.Get(f.ctx, res.PendingApprovalID)
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusPending, approval.Status)
	require.Equal(t, "communication", approval.Category)
	require.Equal(t, "medium", approval.RiskLevel)

	f.rec.reset()
	res, err = f.exec.ResumePlan(f.ctx, plan.ID, res.PendingApprovalID, planexec.ExecuteOptions{UserID: "user-1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Paused)
	require.Equal(t, 3, res.SuccessfulSteps)
	require.Equal(t, planstore.PlanStatusCompleted, res.Plan.Status)
	require.Equal(t, planstore.StepStatusCompleted, res.Plan.Steps[2].Status)
	require.Equal(t, []string{"send_email"}, f.rec.toolNames())
	require.Equal(t, planexec.DecisionApproved, f.rec.calls[0].Decision)
	require.Equal(t, []planevents.Type{
		planevents.PlanResumed,
		planevents.StepStarting, planevents.StepCompleted,
		planevents.PlanCompleted,
	}, f.rec.eventTypes())

	approval, err = f.approvals.Get(f.ctx, approval.ID)
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusApproved, approval.Status)
	require.Equal(t, "user-1", approval.DecidedBy)

	require.Len(t, res.StepResults, 3)
	for _, step := range res.Plan.Steps {
		sr, ok := res.StepResults[step.ID]
		require.True(t, ok, step.ToolName)
		require.Equal(t, planstore.StepStatusCompleted, sr.Status)
		require.Equal(t, step.Index, sr.Index)
	}
	require.Equal(t, map[string]any{"id": "task-1"}, res.StepResults[plan.Steps[0].ID].Result)
}

func TestUnit_ResumePlanAfterRejection_SkipsAndContinues(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t,
		&planstore.Step{ToolName: "create_task"},
		&planstore.Step{ToolName: "send_email", RequiresApproval: true},
		&planstore.Step{ToolName: "add_note", DependencyIndices: []int{1}},
		&planstore.Step{ToolName: "create_task"},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Paused)

	res, err = f.exec.ResumePlanAfterRejection(f.ctx, plan.ID, res.PendingApprovalID, "not now", planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.False(t, res.Paused)
	require.False(t, res.Success)

	steps := res.Plan.Steps
	require.Equal(t, planstore.StepStatusSkipped, steps[1].Status)
	require.Equal(t, planstore.SkipReasonUserCancelled, steps[1].SkipReason)
	require.Equal(t, planstore.StepStatusSkipped, steps[2].Status)
	require.Equal(t, planstore.SkipReasonDependencyFailed, steps[2].SkipReason)
	require.Equal(t, planstore.StepStatusCompleted, steps[3].Status)
	require.Equal(t, planstore.PlanStatusFailed, res.Plan.Status)
	require.NotEmpty(t, res.Plan.FailureReason)
	require.Equal(t, 2, res.SuccessfulSteps)
	require.Equal(t, 2, res.SkippedSteps)

	approval, err := f.approvals.Get(f.ctx, steps[1].ApprovalID)
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusRejected, approval.Status)
	require.Equal(t, "not now", approval.Details)
}

func TestUnit_ExecutePlan_ResolvesOutputReferences(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t,
		&planstore.Step{ToolName: "create_task"},
		&planstore.Step{ToolName: "add_note", DependencyIndices: []int{0}, Params: map[string]any{
			"taskId": "{{steps.0.id}}",
			"text":   "created {{steps.0.id}}",
		}},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, f.rec.calls, 2)
	require.Equal(t, "task-1", f.rec.calls[1].Params["taskId"])
	require.Equal(t, "created task-1", f.rec.calls[1].Params["text"])
	require.Equal(t, plan.ID, f.rec.calls[1].PlanID)
	require.Equal(t, plan.Steps[1].ID, f.rec.calls[1].StepID)
}

func TestUnit_ExecutePlan_UnresolvableReferenceNeverStartsStep(t *testing.T) {
	f := setup(t, planexec.FuncEngine{
		"create_task": func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("backend refused")
		},
		"add_note": ok("noted"),
	})
	plan := f.create(t,
		&planstore.Step{ToolName: "create_task"},
		&planstore.Step{ToolName: "add_note", Params: map[string]any{"taskId": "{{steps.0.id}}"}},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"create_task"}, f.rec.toolNames())

	step := res.Plan.Steps[1]
	require.Equal(t, planstore.StepStatusFailed, step.Status)
	require.Contains(t, step.Error, "failed to resolve step outputs")
	require.True(t, step.StartedAt.IsZero())
	require.False(t, res.StepResults[step.ID].Retryable)

	for _, ev := range f.rec.events {
		if ev.Type == planevents.StepStarting {
			require.NotEqual(t, step.ID, ev.StepID)
		}
	}
}

func timeoutTool(ctx context.Context, params map[string]any) (any, error) {
	return nil, &planexec.ToolError{Kind: "timeout", Retryable: true, Err: errors.New("upstream timed out")}
}

func TestUnit_ExecutePlan_StopOnFailure(t *testing.T) {
	f := setup(t, planexec.FuncEngine{"slow": timeoutTool, "add_note": ok("noted")})
	plan := f.create(t,
		&planstore.Step{ToolName: "slow"},
		&planstore.Step{ToolName: "add_note", DependencyIndices: []int{0}},
		&planstore.Step{ToolName: "add_note"},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{StopOnFailure: true})
	require.NoError(t, err)
	require.NotNil(t, res.StoppedAtIndex)
	require.Equal(t, 0, *res.StoppedAtIndex)
	require.Equal(t, 1, res.FailedSteps)
	require.Equal(t, planstore.StepStatusPending, res.Plan.Steps[1].Status)
	require.Equal(t, planstore.StepStatusPending, res.Plan.Steps[2].Status)
	require.Equal(t, planstore.PlanStatusFailed, res.Plan.Status)
	require.Contains(t, res.Error, "step 0 (slow) failed")

	sr := res.StepResults[plan.Steps[0].ID]
	require.Equal(t, "timeout", sr.ErrorKind)
	require.True(t, sr.Retryable)
	require.Equal(t, "timeout", f.get(t, plan.ID).Steps[0].ErrorKind)
}

func TestUnit_ExecutePlan_UntypedFailureIsClassified(t *testing.T) {
	f := setup(t, planexec.FuncEngine{
		"fetch": func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("request timed out after 30s")
		},
		"store": func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("title must be set")
		},
	})
	plan := f.create(t,
		&planstore.Step{ToolName: "fetch"},
		&planstore.Step{ToolName: "store"},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.StepResults[plan.Steps[0].ID].Retryable)
	require.False(t, res.StepResults[plan.Steps[1].ID].Retryable)

	for _, ev := range f.rec.events {
		if ev.Type == planevents.StepFailed && ev.StepID == plan.Steps[0].ID {
			require.Equal(t, true, ev.Data["retryable"])
		}
	}
}

func TestUnit_ExecutePlan_StoresResolvedParams(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t,
		&planstore.Step{ToolName: "create_task", Params: map[string]any{"title": "plan"}},
		&planstore.Step{ToolName: "add_note", DependencyIndices: []int{0}, Params: map[string]any{
			"taskId": "{{steps.0.id}}",
		}},
	)

	_, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)

	got := f.get(t, plan.ID)
	require.Equal(t, "{{steps.0.id}}", got.Steps[1].Params["taskId"])
	require.Equal(t, "task-1", got.Steps[1].ResolvedParams["taskId"])
	require.Equal(t, "plan", got.Steps[0].ResolvedParams["title"])
}

func TestUnit_ExecutePlan_ContinuesPastFailures(t *testing.T) {
	f := setup(t, planexec.FuncEngine{"slow": timeoutTool, "add_note": ok("noted")})
	plan := f.create(t,
		&planstore.Step{ToolName: "slow"},
		&planstore.Step{ToolName: "add_note", DependencyIndices: []int{0}},
		&planstore.Step{ToolName: "add_note"},
	)

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.Nil(t, res.StoppedAtIndex)
	require.Equal(t, 1, res.FailedSteps)
	require.Equal(t, 1, res.SkippedSteps)
	require.Equal(t, 1, res.SuccessfulSteps)
	require.Equal(t, planstore.SkipReasonDependencyFailed, res.Plan.Steps[1].SkipReason)
	require.Equal(t, planstore.PlanStatusFailed, res.Plan.Status)
	require.Equal(t, 3, res.Plan.CurrentStepIndex)
}

func TestUnit_ExecutePlan_RejectsTerminalAndUnknownPlans(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t, &planstore.Step{ToolName: "create_task"})

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.True(t, planerr.HasCode(err, planerr.PlanAlreadyCompleted))
	require.Contains(t, err.Error(), "from completed to executing")

	_, err = f.exec.ExecutePlan(f.ctx, "missing", planexec.ExecuteOptions{})
	require.True(t, planerr.HasCode(err, planerr.PlanNotFound))

	_, err = f.exec.ResumePlan(f.ctx, plan.ID, "approval", planexec.ExecuteOptions{})
	require.True(t, planerr.HasCode(err, planerr.PlanNotPending))
}

func TestUnit_ResumePlan_UnknownApproval(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t, &planstore.Step{ToolName: "send_email", RequiresApproval: true})
	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Paused)

	_, err = f.exec.ResumePlan(f.ctx, plan.ID, "other", planexec.ExecuteOptions{})
	require.True(t, planerr.HasCode(err, planerr.ApprovalNotFound))
}

func TestUnit_CancelPlan(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t,
		&planstore.Step{ToolName: "send_email", RequiresApproval: true},
		&planstore.Step{ToolName: "add_note"},
	)
	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Paused)

	cancelled, err := f.exec.CancelPlan(f.ctx, plan.ID, "user-1", "changed my mind")
	require.NoError(t, err)
	require.Equal(t, planstore.PlanStatusCancelled, cancelled.Status)
	require.Equal(t, "changed my mind", cancelled.FailureReason)
	for _, s := range cancelled.Steps {
		require.Equal(t, planstore.StepStatusSkipped, s.Status)
		require.Equal(t, planstore.SkipReasonPlanCancelled, s.SkipReason)
	}
	require.Contains(t, f.rec.eventTypes(), planevents.PlanCancelled)

	approval, err := f.approvals.Get(f.ctx, res.PendingApprovalID)
	require.NoError(t, err)
	require.Equal(t, approvalservice.StatusCancelled, approval.Status)

	_, err = f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.True(t, planerr.HasCode(err, planerr.InvalidStateTransition))
	_, err = f.exec.CancelPlan(f.ctx, plan.ID, "user-1", "")
	require.True(t, planerr.HasCode(err, planerr.InvalidStateTransition))
}

func TestUnit_ExecutePlan_SkipApprovals(t *testing.T) {
	f := setup(t, defaultTools())
	plan := f.create(t, &planstore.Step{ToolName: "send_email", RequiresApproval: true})

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{SkipApprovals: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, planexec.DecisionApproved, f.rec.calls[0].Decision)
}

func TestUnit_ExecutePlan_ToolRequestedApproval(t *testing.T) {
	f := setup(t, planexec.FuncEngine{
		"transfer": func(ctx context.Context, params map[string]any) (any, error) {
			return nil, planexec.ErrApprovalRequired
		},
	})
	plan := f.create(t, &planstore.Step{ToolName: "transfer"})

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Paused)
	require.Equal(t, planstore.StepStatusAwaitingApproval, res.Plan.Steps[0].Status)

	res, err = f.exec.ResumePlan(f.ctx, plan.ID, res.PendingApprovalID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestUnit_ExecutePlan_ToolPanicFailsStep(t *testing.T) {
	f := setup(t, planexec.FuncEngine{
		"explode": func(ctx context.Context, params map[string]any) (any, error) {
			panic("boom")
		},
	})
	plan := f.create(t, &planstore.Step{ToolName: "explode"})

	res, err := f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, planstore.StepStatusFailed, res.Plan.Steps[0].Status)
	require.Contains(t, res.Plan.Steps[0].Error, "tool panicked: boom")
}

func TestUnit_ExecutePlan_SerializesSamePlan(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	f := setup(t, planexec.FuncEngine{
		"create_task": func(ctx context.Context, params map[string]any) (any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		},
	})
	plan := f.create(t, &planstore.Step{ToolName: "create_task"}, &planstore.Step{ToolName: "create_task"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.exec.ExecutePlan(f.ctx, plan.ID, planexec.ExecuteOptions{})
		}()
	}
	wg.Wait()

	require.Equal(t, 2, calls)
	failures := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, planerr.HasCode(err, planerr.PlanAlreadyCompleted))
			failures++
		}
	}
	require.Equal(t, 1, failures)
	require.Equal(t, planstore.PlanStatusCompleted, f.get(t, plan.ID).Status)
}

func TestUnit_Summarize(t *testing.T) {
	require.Equal(t, "", planexec.Summarize(nil))
	require.Equal(t, `{"id":"x"}`, planexec.Summarize(map[string]any{"id": "x"}))

	long := planexec.Summarize(strings.Repeat("a", 2000))
	require.Len(t, long, planexec.MaxSummaryLen)
	require.True(t, strings.HasSuffix(long, "..."))
}
