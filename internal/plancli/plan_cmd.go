package plancli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planservice"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planvalidator"
	"github.com/spf13/cobra"
)

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Check a proposed plan against the tool registry and constraints.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			proposed, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			res := planvalidator.New(demoRegistry()).Validate(cmd.Context(), proposed, cfg.Constraints())
			if err := a.print(cmd, res, func(w io.Writer) { printValidation(w, res) }); err != nil {
				return err
			}
			if !res.Valid {
				return errInvalidPlan
			}
			return nil
		},
	}
}

func (a *app) orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <plan-file>",
		Short: "Show the order a plan's steps would run in, without storing it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proposed, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			p, err := engine.Service.Preview(ctx, proposed, planservice.ProposeRequest{UserID: a.userID})
			if err != nil {
				return err
			}
			if err := a.print(cmd, p, func(w io.Writer) { printOrder(w, p) }); err != nil {
				return err
			}
			if p.Plan == nil {
				return errInvalidPlan
			}
			return nil
		},
	}
}

func printOrder(w io.Writer, p *planservice.Proposal) {
	if p.Plan == nil {
		printValidation(w, p.Validation)
		return
	}
	byIndex := make(map[int]*planstore.Step, len(p.Plan.Steps))
	for _, s := range p.Plan.Steps {
		byIndex[s.Index] = s
	}
	for pos, idx := range p.ExecutionOrder {
		s := byIndex[idx]
		approval := ""
		if s.RequiresApproval {
			approval = " (needs approval)"
		}
		fmt.Fprintf(w, "%2d. step %d %s%s\n", pos+1, s.Index, s.ToolName, approval)
	}
	fmt.Fprintf(w, "estimated duration: %s\n", formatDuration(p.EstimatedDuration))
}

func (a *app) createCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "create <plan-file>",
		Short: "Validate a proposed plan and store it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proposed, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			p, err := engine.Service.Propose(ctx, proposed, planservice.ProposeRequest{
				UserID:         a.userID,
				ConversationID: conversationID,
			})
			if err != nil {
				return err
			}
			err = a.print(cmd, p, func(w io.Writer) {
				if p.Plan == nil {
					printValidation(w, p.Validation)
					return
				}
				printPlan(w, p.Plan)
				for _, warn := range p.Validation.Warnings {
					fmt.Fprintln(w, "  warning", formatIssue(warn))
				}
			})
			if err != nil {
				return err
			}
			if p.Plan == nil {
				return errInvalidPlan
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation the plan belongs to")
	return cmd
}

type execFlags struct {
	stopOnFailure bool
	skipApprovals bool
}

func (f *execFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.stopOnFailure, "stop-on-failure", false, "Stop at the first failed step (default from stop_on_failure)")
	cmd.Flags().BoolVar(&f.skipApprovals, "skip-approvals", false, "Run gated steps without asking")
}

func (a *app) executeOptions(cmd *cobra.Command, engine *Engine, f *execFlags) planexec.ExecuteOptions {
	stop := engine.Config.StopOnFailure
	if cmd.Flags().Changed("stop-on-failure") {
		stop = f.stopOnFailure
	}
	return planexec.ExecuteOptions{StopOnFailure: stop, SkipApprovals: f.skipApprovals, UserID: a.userID}
}

func (a *app) runCmd() *cobra.Command {
	f := &execFlags{}
	cmd := &cobra.Command{
		Use:   "run <plan-id>",
		Short: "Execute a plan until it finishes, fails or needs approval.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			res, err := engine.Service.Execute(ctx, args[0], a.executeOptions(cmd, engine, f))
			if err != nil {
				return err
			}
			return a.print(cmd, res, func(w io.Writer) { printExecution(w, res) })
		},
	}
	f.register(cmd)
	return cmd
}

// pendingApproval returns the approval id from args or the plan's pending
// approval.
func pendingApproval(ctx context.Context, engine *Engine, args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	plan, err := engine.Service.Get(ctx, args[0])
	if err != nil {
		return "", err
	}
	if plan.PendingApprovalID == "" {
		return "", errNoPendingApproval
	}
	return plan.PendingApprovalID, nil
}

func (a *app) approveCmd() *cobra.Command {
	f := &execFlags{}
	cmd := &cobra.Command{
		Use:   "approve <plan-id> [approval-id]",
		Short: "Approve the pending step and continue the plan.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			approvalID, err := pendingApproval(ctx, engine, args)
			if err != nil {
				return err
			}
			res, err := engine.Service.Approve(ctx, args[0], approvalID, a.executeOptions(cmd, engine, f))
			if err != nil {
				return err
			}
			return a.print(cmd, res, func(w io.Writer) { printExecution(w, res) })
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) rejectCmd() *cobra.Command {
	f := &execFlags{}
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <plan-id> [approval-id]",
		Short: "Reject the pending step; it is skipped and the plan continues.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			approvalID, err := pendingApproval(ctx, engine, args)
			if err != nil {
				return err
			}
			res, err := engine.Service.Reject(ctx, args[0], approvalID, reason, a.executeOptions(cmd, engine, f))
			if err != nil {
				return err
			}
			return a.print(cmd, res, func(w io.Writer) { printExecution(w, res) })
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "Why the step was rejected")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a plan; remaining steps are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			plan, err := engine.Service.Cancel(ctx, args[0], a.userID, reason)
			if err != nil {
				return err
			}
			return a.print(cmd, plan, func(w io.Writer) { printPlan(w, plan) })
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the plan was cancelled")
	return cmd
}

func (a *app) rollbackCmd() *cobra.Command {
	var (
		stepIDs     []string
		dryRun      bool
		stopOnError bool
		analyze     bool
		reason      string
	)
	cmd := &cobra.Command{
		Use:   "rollback <plan-id>",
		Short: "Undo completed steps in reverse order.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			if analyze {
				an, err := engine.Service.AnalyzeRollback(ctx, args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, an, func(w io.Writer) { printAnalysis(w, an) })
			}
			res, err := engine.Service.Rollback(ctx, args[0], planrollback.Options{
				StepIDs:     stepIDs,
				DryRun:      dryRun,
				StopOnError: stopOnError,
				UserID:      a.userID,
				Reason:      reason,
			})
			if err != nil {
				return err
			}
			if err := a.print(cmd, res, func(w io.Writer) { printRollback(w, res) }); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("rollback of plan %s failed for %d steps", args[0], res.FailedSteps)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringSliceVar(&stepIDs, "step", nil, "Only roll back these step ids (repeatable)")
	fl.BoolVar(&dryRun, "dry-run", false, "Resolve rollback actions without running them")
	fl.BoolVar(&stopOnError, "stop-on-error", false, "Stop at the first rollback action that fails")
	fl.BoolVar(&analyze, "analyze", false, "Only report how much of the plan can be undone")
	fl.StringVar(&reason, "reason", "", "Why the plan is rolled back")
	return cmd
}

func (a *app) recoverCmd() *cobra.Command {
	var (
		action     string
		message    string
		reason     string
		errorKind  string
		stepIDs    []string
		overrides  map[string]string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "recover <plan-id>",
		Short: "Handle the latest failed step: retry, skip, abort, ask, or roll back.",
		Long: `Recover decides what to do about the plan's latest failed step and applies it.
Without --action the engine decides from the error and the plan's shape, asking
the configured model first when OLLAMA_MODEL is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			req := planservice.RecoverRequest{ErrorKind: errorKind, MaxRetries: maxRetries}
			if action != "" {
				req.Action = &planrecovery.ActionView{
					Kind:       planrecovery.Kind(action),
					Reasoning:  "requested by " + a.userID,
					Confidence: 1,
					Message:    message,
					Reason:     reason,
					StepIDs:    stepIDs,
				}
				if len(overrides) > 0 {
					req.Action.ModifiedParams = make(map[string]any, len(overrides))
					for k, v := range overrides {
						req.Action.ModifiedParams[k] = v
					}
				}
			}
			out, err := engine.Service.Recover(ctx, args[0], req)
			if err != nil {
				return err
			}
			return a.print(cmd, out, func(w io.Writer) { printRecovery(w, out) })
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&action, "action", "", "retry, skip, abort, ask_user or rollback")
	fl.StringVar(&message, "message", "", "Message shown to the user with ask_user")
	fl.StringVar(&reason, "reason", "", "Failure reason recorded with abort")
	fl.StringVar(&errorKind, "error-kind", "", "Override the classified error type")
	fl.StringSliceVar(&stepIDs, "step", nil, "Steps to roll back with --action rollback")
	fl.StringToStringVar(&overrides, "set", nil, "Parameter overrides for --action retry (key=value)")
	fl.IntVar(&maxRetries, "max-retries", 0, "Retry cap (default from max_retries)")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its steps and assumptions.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			plan, err := engine.Service.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, plan, func(w io.Writer) { printPlan(w, plan) })
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the user's plans, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			filter := planstore.Filter{UserID: a.userID, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, planstore.PlanStatus(s))
			}
			page, err := engine.Service.List(ctx, filter)
			if err != nil {
				return err
			}
			return a.print(cmd, page, func(w io.Writer) {
				for _, p := range page.Plans {
					fmt.Fprintf(w, "%s  %-18s %s  %s\n", p.ID, p.Status, p.CreatedAt.Format(time.DateTime), p.Goal)
				}
				if page.NextCursor != nil {
					fmt.Fprintln(w, "more plans exist; raise --limit to see them")
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only plans in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of plans")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <plan-id>",
		Short: "Print the plan's recent events.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			events, err := engine.Service.Events(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, events, func(w io.Writer) {
				for _, ev := range events {
					printEvent(w, ev)
				}
			})
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <plan-id>",
		Short: "Stream a plan's events as other processes run it (needs NATS_URL).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, 0)
			if err != nil {
				return err
			}
			defer done()
			if engine.Bus == nil {
				return fmt.Errorf("watch needs a message bus: set nats_url")
			}

			events, err := planevents.SubscribeBus(ctx, engine.Bus, args[0], 64)
			if err != nil {
				return err
			}
			for ev := range events {
				if a.jsonOut {
					if err := printJSON(cmd.OutOrStdout(), ev); err != nil {
						return err
					}
				} else {
					printEvent(cmd.OutOrStdout(), ev)
				}
				switch ev.Type {
				case planevents.PlanCompleted, planevents.PlanFailed, planevents.PlanCancelled:
					return nil
				}
			}
			return ctx.Err()
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	var (
		wrong      bool
		correction string
	)
	cmd := &cobra.Command{
		Use:   "verify <assumption-id>",
		Short: "Confirm or correct an assumption the planner made.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, done, err := a.open(cmd, a.timeout)
			if err != nil {
				return err
			}
			defer done()

			if err := engine.Service.VerifyAssumption(ctx, args[0], !wrong, correction); err != nil {
				return err
			}
			state := "verified"
			if wrong {
				state = "marked wrong"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assumption %s %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wrong, "wrong", false, "Mark the assumption as wrong")
	cmd.Flags().StringVar(&correction, "correction", "", "What is actually true")
	return cmd
}
