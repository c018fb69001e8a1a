//go:build linux

package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"diy-ftrace-agent/internal/stream"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize a captured trace stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open trace: %w", err)
			}
			defer f.Close()

			return inspect(f, cmd.OutOrStdout())
		},
	}
}

// inspect prints every metadata record and the amount of trace data per CPU.
func inspect(r io.Reader, w io.Writer) error {
	perCPU := make(map[uint32]int)
	d := stream.NewDecoder(r)
	for {
		rec, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to decode trace: %w", err)
		}

		if rec.CPU == stream.MetadataCPU {
			fmt.Fprintf(w, "metadata %s %d bytes\n", rec.Kind, len(rec.Data))
			continue
		}
		perCPU[rec.CPU] += len(rec.Data)
	}

	cpus := make([]uint32, 0, len(perCPU))
	for cpu := range perCPU {
		cpus = append(cpus, cpu)
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	for _, cpu := range cpus {
		if cpu == stream.AggregateCPU {
			fmt.Fprintf(w, "trace_pipe %d bytes\n", perCPU[cpu])
			continue
		}
		fmt.Fprintf(w, "cpu%d %d bytes\n", cpu, perCPU[cpu])
	}
	return nil
}
