package planstructurer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/contenox/planengine/libdbexec"
	"github.com/contenox/planengine/outputresolver"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planstructurer"
	"github.com/contenox/planengine/planvalidator"
	"github.com/contenox/planengine/toolregistry"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (context.Context, planstore.Store, *planstructurer.Structurer, *planvalidator.Validator) {
	t.Helper()
	ctx := context.Background()
	db, err := libdbexec.NewSQLiteDBManager(ctx, filepath.Join(t.TempDir(), "plans.db"), planstore.SchemaSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := planstore.New(db)

	tools := toolregistry.NewMemoryRegistry(
		&toolregistry.Definition{Name: "create_task", EstimatedDuration: 2 * time.Second},
		&toolregistry.Definition{Name: "send_email", RequiresApproval: true},
		&toolregistry.Definition{Name: "archive"},
	)
	s := planstructurer.New(store, tools, planstructurer.WithReferenceValidator(outputresolver.New()))
	return ctx, store, s, planvalidator.New(tools)
}

func proposal() planvalidator.ProposedPlan {
	return planvalidator.ProposedPlan{
		Goal:       "follow up",
		Confidence: 0.8,
		Steps: []planvalidator.ProposedStep{
			{Order: 10, ToolName: "archive", DependsOn: []int{0, 5}, RequiresApproval: true},
			{Order: 0, ToolName: "create_task", Params: map[string]any{"title": "call"}},
			{Order: 5, ToolName: "send_email", DependsOn: []int{0}, Params: map[string]any{"ref": "{{steps.0.id}}"}},
		},
		Assumptions: []planvalidator.ProposedAssumption{{Statement: "user means today", Category: planstore.AssumptionIntent}},
	}
}

func TestUnit_Structure_PersistsIndexedPlan(t *testing.T) {
	ctx, store, s, v := setup(t)
	res := v.Validate(ctx, proposal(), planvalidator.DefaultConstraints())
	require.True(t, res.Valid, "%+v", res.Errors)

	plan, err := s.Structure(ctx, res, planstructurer.Context{UserID: "u1", ConversationID: "c1"}, planvalidator.DefaultConstraints())
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	require.True(t, plan.RequiresApproval)

	require.Equal(t, "create_task", plan.Steps[0].ToolName)
	require.False(t, plan.Steps[0].RequiresApproval)
	require.Equal(t, "send_email", plan.Steps[1].ToolName)
	require.True(t, plan.Steps[1].RequiresApproval)
	require.Equal(t, []int{0}, plan.Steps[1].DependencyIndices)
	require.Equal(t, []string{plan.Steps[0].ID}, plan.Steps[1].DependsOn)
	require.Equal(t, []int{0, 1}, plan.Steps[2].DependencyIndices)
	require.Equal(t, []string{plan.Steps[0].ID, plan.Steps[1].ID}, plan.Steps[2].DependsOn)
	require.True(t, plan.Steps[2].RequiresApproval)

	stored, err := store.GetPlanByID(ctx, plan.ID, true)
	require.NoError(t, err)
	require.Equal(t, "u1", stored.UserID)
	require.Equal(t, "c1", stored.ConversationID)
	require.Len(t, stored.Steps, 3)
	require.Len(t, stored.Assumptions, 1)
	require.Equal(t, plan.Steps[2].DependsOn, stored.Steps[2].DependsOn)
}

func TestUnit_Structure_ForcedApproval(t *testing.T) {
	ctx, _, s, v := setup(t)
	c := planvalidator.Constraints{ForceApprovalTools: []string{"create_task"}}
	res := v.Validate(ctx, proposal(), c)
	plan, err := s.Preview(ctx, res, planstructurer.Context{UserID: "u1"}, c)
	require.NoError(t, err)
	require.True(t, plan.Steps[0].RequiresApproval)
}

func TestUnit_Preview_DoesNotPersist(t *testing.T) {
	ctx, store, s, v := setup(t)
	res := v.Validate(ctx, proposal(), planvalidator.DefaultConstraints())
	plan, err := s.Preview(ctx, res, planstructurer.Context{UserID: "u1"}, planvalidator.DefaultConstraints())
	require.NoError(t, err)

	_, err = store.GetPlanByID(ctx, plan.ID, false)
	require.ErrorIs(t, err, planstore.ErrNotFound)
}

func TestUnit_Structure_RejectsInvalidResult(t *testing.T) {
	ctx, _, s, _ := setup(t)
	_, err := s.Structure(ctx, &planvalidator.Result{Valid: false}, planstructurer.Context{}, planvalidator.DefaultConstraints())
	require.True(t, planerr.HasCode(err, planerr.ValidationFailed))
}

func TestUnit_Structure_RejectsReferenceToNonDependency(t *testing.T) {
	ctx, _, s, v := setup(t)
	p := proposal()
	p.Steps[2].DependsOn = nil
	res := v.Validate(ctx, p, planvalidator.DefaultConstraints())
	require.True(t, res.Valid)

	_, err := s.Preview(ctx, res, planstructurer.Context{UserID: "u1"}, planvalidator.DefaultConstraints())
	require.True(t, planerr.HasCode(err, planerr.ValidationFailed))
	require.ErrorIs(t, err, outputresolver.ErrNotDependency)
}

func TestUnit_ExecutionOrder(t *testing.T) {
	a := &planstore.Step{ID: "A", Index: 0}
	b := &planstore.Step{ID: "B", Index: 1, DependencyIndices: []int{0}}
	c := &planstore.Step{ID: "C", Index: 2, DependencyIndices: []int{0, 1}}
	plan := &planstore.Plan{Steps: []*planstore.Step{a, b, c}}

	order, err := planstructurer.ExecutionOrder(plan)
	require.NoError(t, err)
	require.Equal(t, []*planstore.Step{a, b, c}, order)

	again, err := planstructurer.ExecutionOrder(plan)
	require.NoError(t, err)
	require.Equal(t, order, again)
}

func TestUnit_ExecutionOrder_IndependentStepsKeepArrayOrder(t *testing.T) {
	plan := &planstore.Plan{Steps: []*planstore.Step{
		{ID: "x", Index: 0},
		{ID: "y", Index: 1},
		{ID: "z", Index: 2, DependencyIndices: []int{0}},
		{ID: "w", Index: 3},
	}}
	order, err := planstructurer.ExecutionOrder(plan)
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, s := range order {
		ids[i] = s.ID
	}
	require.Equal(t, []string{"x", "y", "w", "z"}, ids)
}

func TestUnit_ExecutionOrder_Cycle(t *testing.T) {
	plan := &planstore.Plan{Steps: []*planstore.Step{
		{ID: "a", Index: 0, DependencyIndices: []int{1}},
		{ID: "b", Index: 1, DependencyIndices: []int{0}},
	}}
	_, err := planstructurer.ExecutionOrder(plan)
	require.True(t, planerr.HasCode(err, planerr.ValidationFailed))
}

func TestUnit_EstimateDuration(t *testing.T) {
	ctx, _, s, v := setup(t)
	res := v.Validate(ctx, proposal(), planvalidator.DefaultConstraints())
	plan, err := s.Preview(ctx, res, planstructurer.Context{UserID: "u1"}, planvalidator.DefaultConstraints())
	require.NoError(t, err)
	require.Equal(t, 2*time.Second+2*planstructurer.DefaultStepDuration, s.EstimateDuration(plan))
}
