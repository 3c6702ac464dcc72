package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func purgeCmd(a *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <campaign>",
		Short: "Delete a campaign, its jobs and its results table",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w: purge deletes campaign %s and all its results; pass --yes to confirm", errUsage, args[0])
			}
			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.ctl.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.Out, "campaign %s purged: %d jobs deleted\n", args[0], n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}
