package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiranshivaraju/exorun/internal/exorunctl"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

func keygenCmd(app *exorunctl.App, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an API key.",
		Long: `Creates an API key directly in the job repository and prints the raw key
once. Scopes are read, submit and admin; admin implies the others.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(app, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return fmt.Errorf("error reading name: %s", err)
			}
			scopes, err := cmd.Flags().GetStringSlice("scopes")
			if err != nil {
				return fmt.Errorf("error reading scopes: %s", err)
			}
			app.Out = cmd.OutOrStdout()
			return app.Keygen(cmd.Context(), name, scopes)
		},
	}
	cmd.Flags().String("name", "", "Name recorded as the principal of requests made with the key")
	cmd.Flags().StringSlice("scopes", []string{models.ScopeRead, models.ScopeSubmit}, "Comma separated scopes")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
