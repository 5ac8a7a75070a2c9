package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ingestor/internal/config"
	"ingestor/internal/logging"
)

const cliExecutable = "ingestor"

// app carries the loaded configuration from the root command to subcommands.
type app struct {
	configFile string
	cfg        config.Config
}

// NewCommand constructs the top-level CLI: configuration is loaded once from
// defaults, the config file, INGESTOR_* variables and flags, then logging is
// configured before any subcommand runs.
func NewCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Batch content ingestion engine",
		Long: `Ingestor accepts batches of files, uploads, validates and processes each
file under a shared worker pool, and reports live progress per batch.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			logging.Configure(cfg.Log.Level, cfg.Log.Format)
			log.Debug().Str("config", a.configFile).Str("data_dir", cfg.DataDir).Msg("configuration loaded")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SilenceUsage = true
	cmd.SuggestionsMinimumDistance = 1

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "config.yml", "configuration file path")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newIngestCommand(a))
	cmd.AddCommand(newConfigCommand(a))

	return cmd
}

func newConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Dump(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
