package main

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/vulnscan/internal/config"
	"github.com/Sternrassler/vulnscan/pkg/logging"
)

// app carries state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfgFile  string
	logLevel string
	pretty   bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr, logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "vulnscan",
		Short: "Resumable vulnerability scans for package inventories",
		Long: `vulnscan looks up every package of an inventory in vulnerability
databases and writes the findings to a CSV report. Long scans are
checkpointed and can be resumed after an interruption.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ./vulnscan.yaml or $HOME/.vulnscan/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "human-readable log output")

	root.AddCommand(
		newScanCmd(a),
		newCheckpointsCmd(a),
		newFailedCmd(a),
		newCacheCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup loads the configuration and configures logging.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return &usageError{msg: err.Error()}
		}
		cfg.Log.Level = level
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = a.pretty
	}

	a.cfg = cfg
	a.logger = logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: a.stderr,
	})
	return nil
}
