package cmd

import (
	"github.com/spf13/cobra"
)

func summaryCmd(a *App) *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "summary <campaign>",
		Short: "Show job counts per status",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStage(stage)
			if err != nil {
				return err
			}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			sum, err := svc.ctl.Summary(cmd.Context(), args[0], st)
			if err != nil {
				return err
			}
			if a.output == "json" {
				return a.printJSON(sum)
			}
			writeSummary(a.Out, sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage to summarise (default: active stage)")
	return cmd
}
