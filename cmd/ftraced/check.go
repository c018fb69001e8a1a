//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"diy-ftrace-agent/internal/ftrace"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether ftrace capture is supported on this host",
		Long: `Check runs the capability checks a capture would run: kernel version,
tracing directory and privileges. It lists the counters that would be captured
and explains why the others are disabled. Nothing is changed in tracefs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := newEngine(a.cfg, a.logger, nil)
			if err := engine.ReadEvents(a.cfg.CounterSpecs()); err != nil {
				return fmt.Errorf("failed to read ftrace events: %w", err)
			}
			printReport(cmd.OutOrStdout(), engine)
			if !engine.Supported() {
				return fmt.Errorf("ftrace is not supported")
			}
			return nil
		},
	}
}

func printReport(w io.Writer, engine *ftrace.Engine) {
	fmt.Fprintf(w, "supported: %t\n", engine.Supported())
	if engine.Supported() {
		clock := "perf"
		if engine.MonotonicRaw() {
			clock = "mono_raw"
		}
		fmt.Fprintf(w, "raw: %t\n", engine.Raw())
		fmt.Fprintf(w, "clock: %s\n", clock)
	}
	for _, name := range engine.Counters() {
		fmt.Fprintf(w, "counter: %s\n", name)
	}
	for _, d := range engine.Diagnostics() {
		fmt.Fprintf(w, "note: %q\n", d)
	}
}
