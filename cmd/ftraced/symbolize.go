//go:build linux

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"diy-ftrace-agent/internal/procfs"
)

func newSymbolizeCmd(a *app) *cobra.Command {
	var pid int

	cmd := &cobra.Command{
		Use:   "symbolize ADDR...",
		Short: "Convert addresses found in trace data into function names",
		Long: `Symbolize resolves kernel addresses with /proc/kallsyms,
or user space addresses of the process given with --pid using the symbol table
of the mapped ELF file. Unresolved addresses are printed as "?".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]uint64, len(args))
			for i, arg := range args {
				addr, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return fmt.Errorf("invalid address %q: %w", arg, err)
				}
				addrs[i] = addr
			}

			resolve := func(addr uint64) (string, error) {
				return procfs.SymbolizeUser(pid, addr)
			}
			if pid == 0 {
				k, err := procfs.ReadKallsymsFile(procfs.KallsymsPath)
				if err != nil {
					return err
				}
				if k.Len() == 0 {
					a.logger.Warn("kallsyms has no addresses, run as root")
				}
				resolve = func(addr uint64) (string, error) {
					return k.Addr2FuncName(addr), nil
				}
			}

			w := cmd.OutOrStdout()
			for _, addr := range addrs {
				name, err := resolve(addr)
				if err != nil {
					return fmt.Errorf("failed to symbolize 0x%x: %w", addr, err)
				}
				fmt.Fprintf(w, "0x%x %s\n", addr, name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process the addresses belong to, kernel addresses when zero")
	return cmd
}
