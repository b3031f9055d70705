package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/config"
	"github.com/learngoat/learngoat/internal/logging"
)

// env carries the settings resolved before any subcommand runs.
type env struct {
	v          *viper.Viper
	cfg        *config.Config
	log        *zap.Logger
	configFile string
	envFile    string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	e := &env{v: config.New()}

	cmd := &cobra.Command{
		Use:   "learngoat",
		Short: "learngoat - experiments for a learning app",
		Long: `learngoat runs A/B tests for a learning app.

It assigns learners to test variants, records metric observations and
compares every variant against its control. Tests, assignments and
observations live in an embedded SQLite database.

Running without a subcommand starts the server (same as 'learngoat serve').`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(e.v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(e.v, e.configFile, e.envFile)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.log != nil {
				e.log.Sync()
			}
		},
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, e)
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&e.configFile, "config", "", "YAML config file")
	flags.StringVar(&e.envFile, "env-file", ".env", "dotenv file loaded before reading LG_ variables")
	flags.String("db-path", "./learngoat.db", "database path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
	flags.String("pvalue", "approx", "p-value method (approx, normal, student-t)")

	cmd.AddCommand(
		newServeCmd(e),
		newCreateCmd(e),
		newUpdateCmd(e),
		newListCmd(e),
		newShowCmd(e),
		newActivateCmd(e),
		newPauseCmd(e),
		newResumeCmd(e),
		newCompleteCmd(e),
		newCancelCmd(e),
		newDeleteCmd(e),
		newAssignCmd(e),
		newAssignmentsCmd(e),
		newRecordCmd(e),
		newResultsCmd(e),
		newReportCmd(e),
		newExportCmd(e),
		newSegmentCmd(e),
		newUserCmd(e),
		newTokenCmd(e),
	)
	return cmd
}
