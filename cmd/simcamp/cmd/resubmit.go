package cmd

import (
	"fmt"

	"github.com/kiranshivaraju/simcamp/internal/controller"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/spf13/cobra"
)

func resubmitCmd(a *App) *cobra.Command {
	var (
		jobIDs []string
		status string
		stage  string
	)
	cmd := &cobra.Command{
		Use:   "resubmit <campaign>",
		Short: "Reset jobs to PENDING regardless of the attempt ceiling",
		Long: `Reset the selected jobs to PENDING so the next pass submits them again.
In-flight jobs are cancelled at the backend first. COMPLETED jobs are
never reset.`,
		Example: `  simcamp resubmit demo --status FAILED
  simcamp resubmit demo --job-id 3f2a... --job-id 9c1b...`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selection(jobIDs, status, stage)
			if err != nil {
				return err
			}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.ctl.ForceResubmit(cmd.Context(), args[0], sel)
			if err != nil {
				return err
			}
			if a.output == "json" {
				return a.printJSON(report)
			}
			writeActionReport(a.Out, "reset", report)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&jobIDs, "job-id", nil, "job to resubmit (repeatable)")
	cmd.Flags().StringVar(&status, "status", "", "resubmit every job in this status")
	cmd.Flags().StringVar(&stage, "stage", "", "stage of --status (default: active stage)")
	return cmd
}

func cancelCmd(a *App) *cobra.Command {
	var jobIDs []string
	cmd := &cobra.Command{
		Use:   "cancel <campaign>",
		Short: "Cancel jobs at the backend and mark them FAILED",
		Long: `Cancel the given jobs at the backend and mark them FAILED. Cancelled
jobs are never retried automatically; use resubmit to run them again.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(jobIDs) == 0 {
				return fmt.Errorf("%w: --job-id is required", errUsage)
			}
			sel := controller.Selection{JobIDs: jobIDs}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.ctl.Cancel(cmd.Context(), args[0], sel)
			if err != nil {
				return err
			}
			if a.output == "json" {
				return a.printJSON(report)
			}
			writeActionReport(a.Out, "cancelled", report)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&jobIDs, "job-id", nil, "job to cancel (repeatable)")
	return cmd
}

func selection(jobIDs []string, status, stage string) (controller.Selection, error) {
	sel := controller.Selection{JobIDs: jobIDs}
	if status != "" {
		st, err := models.ParseStatus(status)
		if err != nil {
			return sel, err
		}
		sel.Status = st
	}
	st, err := parseStage(stage)
	if err != nil {
		return sel, err
	}
	sel.Stage = st
	if len(sel.JobIDs) == 0 && sel.Status == "" {
		return sel, fmt.Errorf("%w: --job-id or --status is required", errUsage)
	}
	return sel, nil
}
