// cli.go holds the planctl entrypoint (Main), the root command and its flags.
package plancli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contenox/planengine/engineconfig"
	"github.com/contenox/planengine/libtracker"
	"github.com/spf13/cobra"
)

const (
	defaultUser    = "local"
	defaultTimeout = 5 * time.Minute
)

var (
	errInvalidPlan       = errors.New("plan is invalid")
	errNoPendingApproval = errors.New("plan is not waiting for an approval")
)

// app carries the persistent flags shared by every subcommand.
type app struct {
	configPath string
	userID     string
	timeout    time.Duration
	trace      bool
	jsonOut    bool
}

// Main runs planctl and exits non-zero on failure.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// NewRootCommand builds a fresh command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "planctl",
		Short: "Validate, run, approve and undo multi-step plans.",
		Long: `planctl stores plans proposed by a planner, runs them step by step against a
set of tools, pauses for human approval where a step needs it, and rolls back
or recovers when a step fails.

  Quickstart:
    planctl validate weekly.yaml      # check a proposed plan
    planctl create weekly.yaml        # store it, prints the plan id
    planctl run <plan-id>             # execute until done or paused
    planctl approve <plan-id>         # approve the pending step and continue
    planctl rollback <plan-id>        # undo completed steps

  Settings come from --config (YAML) and environment variables such as
  DATABASE_URL, NATS_URL, KV_ADDR and OLLAMA_MODEL.`,
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML config file; environment variables override it")
	f.StringVar(&a.userID, "user", defaultUser, "User id recorded on plans and decisions")
	f.DurationVar(&a.timeout, "timeout", defaultTimeout, "Maximum time a command may run (e.g. 30s, 5m)")
	f.BoolVar(&a.trace, "trace", false, "Log every engine operation on stderr")
	f.BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		a.validateCmd(),
		a.orderCmd(),
		a.createCmd(),
		a.runCmd(),
		a.approveCmd(),
		a.rejectCmd(),
		a.cancelCmd(),
		a.rollbackCmd(),
		a.recoverCmd(),
		a.showCmd(),
		a.listCmd(),
		a.eventsCmd(),
		a.watchCmd(),
		a.verifyCmd(),
		a.sweepCmd(),
	)
	return root
}

func (a *app) loadConfig() (*engineconfig.Config, error) {
	cfg, err := engineconfig.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// open loads the config and builds the engine. A zero timeout means the
// command runs until interrupted.
func (a *app) open(cmd *cobra.Command, timeout time.Duration) (context.Context, *Engine, func(), error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	var tracker libtracker.ActivityTracker = libtracker.NoopTracker{}
	if a.trace {
		tracker = libtracker.NewLogActivityTracker(logger)
	}

	ctx := libtracker.WithNewRequestID(cmd.Context())
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	engine, err := BuildEngine(ctx, cfg, logger, tracker)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, engine, func() {
		engine.Close()
		cancel()
	}, nil
}

// print writes v as JSON with --json and through human otherwise.
func (a *app) print(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	if a.jsonOut {
		return printJSON(cmd.OutOrStdout(), v)
	}
	human(cmd.OutOrStdout())
	return nil
}
