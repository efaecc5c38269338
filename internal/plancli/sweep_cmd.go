package plancli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/contenox/planengine/libroutine"
	"github.com/contenox/planengine/planservice"
	"github.com/spf13/cobra"
)

func (a *app) sweepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire approvals that passed their deadline.",
		Long: `Sweep marks overdue pending approvals as expired so the plans waiting on them
can no longer be approved. Without --once it keeps running, sweeping every
approval_sweep_interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout := time.Duration(0)
			if once {
				timeout = a.timeout
			}
			ctx, engine, done, err := a.open(cmd, timeout)
			if err != nil {
				return err
			}
			defer done()

			if once {
				n, err := engine.Service.ExpireApprovals(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d approvals\n", n)
				return nil
			}
			sweepApprovals(ctx, engine.Service, engine.Config.ApprovalSweepInterval(), engine.Logger)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Sweep a single time and exit")
	return cmd
}

// sweepApprovals expires overdue approvals every interval until ctx is done.
// Repeated store failures open the breaker, pausing sweeps for a minute.
func sweepApprovals(ctx context.Context, svc planservice.Service, interval time.Duration, logger *slog.Logger) {
	breaker := libroutine.NewRoutine(3, time.Minute)
	breaker.Loop(ctx, interval, nil, func(ctx context.Context) error {
		n, err := svc.ExpireApprovals(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.InfoContext(ctx, "expired overdue approvals", "count", n)
		}
		return nil
	}, func(err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.WarnContext(ctx, "approval sweep failed", "error", err)
	})
}
