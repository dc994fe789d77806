package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiranshivaraju/exorun/internal/exorunctl"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "exorunctl",
		Short: "exorunctl operates an exorun variant analysis server.",
		Long: `exorunctl operates an exorun variant analysis server.

Connection settings can be given as flags or through the environment:
EXORUN_SERVER, EXORUN_API_KEY and DATABASE_URL (or EXORUN_DATABASE_URL).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("server", "http://localhost:8080", "exorun server base URL")
	cmd.PersistentFlags().String("api-key", "", "API key sent as a Bearer token")
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL URL of the job repository")
	_ = v.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("api_key", cmd.PersistentFlags().Lookup("api-key"))
	_ = v.BindPFlag("database_url", cmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindEnv("server", "EXORUN_SERVER")
	_ = v.BindEnv("api_key", "EXORUN_API_KEY")
	_ = v.BindEnv("database_url", "EXORUN_DATABASE_URL", "DATABASE_URL")

	cmd.AddCommand(
		watchCmd(exorunctl.New(), v),
		keygenCmd(exorunctl.New(), v),
	)

	return cmd
}

func initParams(app *exorunctl.App, v *viper.Viper) error {
	app.Params.Server = v.GetString("server")
	app.Params.APIKey = v.GetString("api_key")
	app.Params.DatabaseURL = v.GetString("database_url")
	return nil
}
