package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiranshivaraju/exorun/internal/exorunctl"
)

func watchCmd(app *exorunctl.App, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <jobID>",
		Short: "Follow a job until it finishes.",
		Long: `Polls the job status and prints state, progress and, when run on the
orchestrator host, CPU, memory and thread usage of the engine process.
Exits non-zero if the job fails or is cancelled.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(app, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %s", args[0], err)
			}

			interval, err := cmd.Flags().GetDuration("interval")
			if err != nil {
				return fmt.Errorf("error reading interval: %s", err)
			}
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			app.Params.Interval = interval
			app.Out = cmd.OutOrStdout()

			return app.Watch(cmd.Context(), jobID)
		},
	}
	cmd.Flags().Duration("interval", app.Params.Interval, "Time between status polls")
	return cmd
}
