// output.go holds CLI output helpers.
package plancli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planvalidator"
)

// printJSON pretty-prints v.
func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// formatDuration formats a duration for step output (e.g. "1.70s", "53ms").
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%.0fms", d.Seconds()*1000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func formatIssue(i planvalidator.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", i.Code)
	if i.StepOrder != nil {
		fmt.Fprintf(&b, " step %d", *i.StepOrder)
	}
	if i.Field != "" {
		fmt.Fprintf(&b, " %s:", i.Field)
	}
	fmt.Fprintf(&b, " %s", i.Message)
	return b.String()
}

func printValidation(w io.Writer, res *planvalidator.Result) {
	if res.Valid {
		fmt.Fprintln(w, "plan is valid")
	} else {
		fmt.Fprintf(w, "plan is invalid (%d errors)\n", len(res.Errors))
		if res.Retryable() {
			fmt.Fprintln(w, "regenerating the plan may fix every error")
		}
	}
	for _, e := range res.Errors {
		fmt.Fprintln(w, "  error  ", formatIssue(e))
	}
	for _, e := range res.Warnings {
		fmt.Fprintln(w, "  warning", formatIssue(e))
	}
}

func printPlan(w io.Writer, plan *planstore.Plan) {
	fmt.Fprintf(w, "plan %s [%s] %s\n", plan.ID, plan.Status, plan.Goal)
	if plan.FailureReason != "" {
		fmt.Fprintf(w, "  failure: %s\n", plan.FailureReason)
	}
	if plan.PendingApprovalID != "" {
		fmt.Fprintf(w, "  waiting for approval %s\n", plan.PendingApprovalID)
	}
	for _, s := range plan.Steps {
		marker := " "
		if s.Index == plan.CurrentStepIndex && !plan.Status.IsTerminal() {
			marker = ">"
		}
		line := fmt.Sprintf("%s %2d %-18s %-18s", marker, s.Index, s.ToolName, s.Status)
		switch {
		case s.Error != "":
			line += " " + s.Error
		case s.SkipReason != "":
			line += " (" + s.SkipReason + ")"
		case s.Description != "":
			line += " " + s.Description
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	for _, a := range plan.Assumptions {
		state := "unverified"
		if a.Verified {
			state = "verified"
		}
		fmt.Fprintf(w, "  assumption %s (%s, %s): %s\n", a.ID, a.Category, state, a.Statement)
	}
}

func printExecution(w io.Writer, res *planexec.PlanExecutionResult) {
	if res.Plan != nil {
		printPlan(w, res.Plan)
	}
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped in %s\n",
		res.SuccessfulSteps, res.FailedSteps, res.SkippedSteps, formatDuration(res.Duration))
	switch {
	case res.Paused && res.PendingApprovalID != "":
		fmt.Fprintf(w, "paused: approve or reject %s to continue\n", res.PendingApprovalID)
	case res.Paused:
		fmt.Fprintln(w, "paused")
	case res.Error != "":
		fmt.Fprintf(w, "stopped: %s\n", res.Error)
	}
}

func printRollback(w io.Writer, res *planrollback.Result) {
	verb := "rolled back"
	if res.DryRun {
		verb = "would roll back"
	}
	fmt.Fprintf(w, "%s %d steps, %d failed, %d skipped\n", verb, res.RolledBackSteps, res.FailedSteps, res.SkippedSteps)
	for _, e := range res.Errors {
		fmt.Fprintln(w, "  error:", e)
	}
}

func printAnalysis(w io.Writer, a *planrollback.Analysis) {
	fmt.Fprintf(w, "rollback effort: %s\n", a.Effort)
	fmt.Fprintf(w, "  reversible:   %s\n", strings.Join(a.RollbackableSteps, ", "))
	fmt.Fprintf(w, "  irreversible: %s\n", strings.Join(a.IrreversibleSteps, ", "))
	for _, warn := range a.Warnings {
		fmt.Fprintln(w, "  warning:", warn)
	}
}

func printRecovery(w io.Writer, out *planrecovery.Outcome) {
	fmt.Fprintf(w, "recovery: %s (confidence %.2f) %s\n", out.Action.Kind, out.Action.Confidence, out.Action.Reasoning)
	if out.Message != "" {
		fmt.Fprintln(w, "  "+out.Message)
	}
	if out.CanContinue && out.Plan != nil {
		fmt.Fprintf(w, "  run %s again to continue\n", out.Plan.ID)
	}
}

func printEvent(w io.Writer, ev planevents.Event) {
	line := fmt.Sprintf("%s %-22s", ev.Timestamp.Format(time.RFC3339), ev.Type)
	if ev.StepIndex != nil {
		line += fmt.Sprintf(" step %d", *ev.StepIndex)
	}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, ev.Data[k])
	}
	fmt.Fprintln(w, line)
}
