package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/spf13/cobra"
)

func passCmd(a *App) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "pass <campaign>",
		Short: "Run one reconciliation pass, or keep running them",
		Long: `Run one reconciliation pass over the active stage: submit pending jobs,
reconcile in-flight jobs with the backend, reset retryable jobs, collect
results and advance the stage. With --interval the pass repeats until the
campaign completes or the process is interrupted; deferred passes are
retried on the next tick.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval < 0 {
				return fmt.Errorf("%w: --interval must not be negative", errUsage)
			}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			if interval == 0 {
				return a.runPass(cmd.Context(), svc.ctl, args[0])
			}
			return a.loopPasses(cmd.Context(), svc.ctl, args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the pass at this interval")
	return cmd
}

func (a *App) runPass(ctx context.Context, ctl *controller.Controller, name string) error {
	report, err := ctl.RunPass(ctx, name)
	if report != nil && report.Stage != "" {
		if a.output == "json" {
			if perr := a.printJSON(report); perr != nil {
				return perr
			}
		} else {
			writePassReport(a.Out, report)
		}
	}
	return err
}

func (a *App) loopPasses(ctx context.Context, ctl *controller.Controller, name string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := ctl.RunPass(ctx, name)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, controller.ErrPassDeferred):
			slog.Warn("pass deferred, retrying on next tick", "campaign", name, "error", err)
		case err != nil:
			return err
		case report.Completed:
			writePassReport(a.Out, report)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
