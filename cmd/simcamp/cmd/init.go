package cmd

import (
	"fmt"
	"os"

	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/spf13/cobra"
)

func initCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "init <definition.yaml>",
		Short: "Create a campaign and generate the jobs of its first stage",
		Long: `Create a campaign from a YAML definition and generate the jobs of its
first stage. Running init again with the same definition creates nothing.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return &models.ValidationError{Field: "definition", Reason: err.Error()}
			}

			svc, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			camp, n, err := svc.ctl.InitCampaign(cmd.Context(), raw)
			if err != nil {
				return err
			}
			if a.output == "json" {
				return a.printJSON(map[string]any{"campaign": camp, "jobs_created": n})
			}
			fmt.Fprintf(a.Out, "campaign %s on %s: %d jobs created in %s\n", camp.Name, camp.Backend, n, camp.ActiveStage)
			return nil
		},
	}
}
