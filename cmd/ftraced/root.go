//go:build linux

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"diy-ftrace-agent/internal/config"
)

// app holds what the subcommands share once the configuration is loaded.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "ftraced",
		Short: "Capture kernel trace data through tracefs",
		Long: `ftraced enables the configured tracepoints, splices the per-CPU trace buffers
into pipes and writes them as a framed stream along with the tracepoint formats.

Configuration is read from ftraced.yaml (in /etc/ftraced or the working directory),
FTRACED_ environment variables and flags, in increasing order of precedence.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.capture()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ftraced.yaml)")
	flags.String("tracefs", "", "tracing directory (detected when empty)")
	flags.Bool("raw", true, "capture binary pages from per-CPU trace_pipe_raw instead of text from trace_pipe")
	flags.Int("cpus", 0, "number of CPUs to capture (all when zero)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringP("output", "o", "-", "file the framed trace is written to, - for stdout")
	rootCmd.Flags().DurationP("duration", "d", 0, "capture duration, until interrupted when zero")
	rootCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on, e.g., :9464")
	rootCmd.Flags().IntSlice("pid", nil, "process whose memory map is added to the stream (repeatable)")

	for key, name := range map[string]string{
		"tracefs":   "tracefs",
		"raw":       "raw",
		"cpus":      "cpus",
		"log_level": "log-level",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}
	for key, name := range map[string]string{
		"output":       "output",
		"duration":     "duration",
		"metrics_addr": "metrics-addr",
		"pids":         "pid",
	} {
		_ = a.v.BindPFlag(key, rootCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(newCheckCmd(&a))
	rootCmd.AddCommand(newSymbolizeCmd(&a))
	rootCmd.AddCommand(newInspectCmd())
	return rootCmd
}

func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}
