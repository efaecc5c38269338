package plancli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planvalidator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_formatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0µs"},
		{"sub-ms", 500 * time.Microsecond, "500µs"},
		{"ms", 53 * time.Millisecond, "53ms"},
		{"seconds", 1700 * time.Millisecond, "1.70s"},
		{"one second", time.Second, "1.00s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.d))
		})
	}
}

func Test_formatIssue(t *testing.T) {
	order := 2
	got := formatIssue(planvalidator.Issue{
		Code:      planvalidator.CodeUnknownTool,
		Message:   "tool launch_rocket is not registered",
		StepOrder: &order,
		Field:     "toolName",
	})
	assert.Equal(t, "[unknown_tool] step 2 toolName: tool launch_rocket is not registered", got)
	assert.Equal(t, "[empty_goal] goal is empty", formatIssue(planvalidator.Issue{Code: planvalidator.CodeEmptyGoal, Message: "goal is empty"}))
}

func Test_printPlan(t *testing.T) {
	plan := planstore.NewPlan("u", "ship the release",
		&planstore.Step{ToolName: "create_task", Status: planstore.StepStatusCompleted},
		&planstore.Step{ToolName: "sync_calendar", Status: planstore.StepStatusFailed, Error: "calendar request timed out"},
		&planstore.Step{ToolName: "notify", Status: planstore.StepStatusSkipped, SkipReason: planstore.SkipReasonDependencyFailed},
	)
	plan.Status = planstore.PlanStatusFailed
	plan.FailureReason = "step 1 failed"

	var b bytes.Buffer
	printPlan(&b, plan)
	out := b.String()
	assert.Contains(t, out, "[failed] ship the release")
	assert.Contains(t, out, "failure: step 1 failed")
	assert.Contains(t, out, "calendar request timed out")
	assert.Contains(t, out, "("+string(planstore.SkipReasonDependencyFailed)+")")
	assert.NotContains(t, out, ">")
}

func Test_printExecution_Paused(t *testing.T) {
	var b bytes.Buffer
	printExecution(&b, &planexec.PlanExecutionResult{Paused: true, PendingApprovalID: "appr-1", SuccessfulSteps: 1})
	assert.Contains(t, b.String(), "1 succeeded, 0 failed, 0 skipped")
	assert.Contains(t, b.String(), "approve or reject appr-1")
}

func Test_printEvent_SortsData(t *testing.T) {
	var b bytes.Buffer
	ev := planevents.StepEvent(planevents.StepFailed, "s-1", 1, map[string]any{"retryable": true, "error": "boom"})
	ev.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	printEvent(&b, ev)
	assert.Contains(t, b.String(), "step_failed")
	assert.Contains(t, b.String(), "step 1 error=boom retryable=true")
}

func Test_loadPlanFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
goal: tidy up
confidence: 0.6
steps:
  - order: 0
    tool: create_task
    params: {title: tidy}
    rollback: {tool: delete_task, params: {id: "{{result.id}}"}}
  - order: 1
    tool: notify
    dependsOn: [0]
    requiresApproval: true
`), 0o600))

	plan, err := loadPlanFile(yamlPath)
	require.NoError(t, err)
	require.Equal(t, "tidy up", plan.Goal)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, "create_task", plan.Steps[0].ToolName)
	require.Equal(t, "delete_task", plan.Steps[0].Rollback.ToolName)
	require.Equal(t, "{{result.id}}", plan.Steps[0].Rollback.Params["id"])
	require.Equal(t, []int{0}, plan.Steps[1].DependsOn)
	require.True(t, plan.Steps[1].RequiresApproval)

	_, err = loadPlanFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"goal": `), 0o600))
	_, err = loadPlanFile(broken)
	require.Error(t, err)
}

func Test_syncCalendar(t *testing.T) {
	_, err := syncCalendar(context.Background(), map[string]any{"calendar": "work", "simulate": "timeout"})
	var te *planexec.ToolError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "timeout", te.Kind)
	require.True(t, te.Retryable)

	res, err := syncCalendar(context.Background(), map[string]any{"calendar": "work"})
	require.NoError(t, err)
	require.Equal(t, true, res.(map[string]any)["synced"])
}

func Test_demoRegistryCoversTools(t *testing.T) {
	reg := demoRegistry()
	tools := demoTools()
	require.Len(t, reg.List(), len(tools))
	for _, def := range reg.List() {
		_, ok := tools[def.Name]
		require.True(t, ok, def.Name)
	}
}
