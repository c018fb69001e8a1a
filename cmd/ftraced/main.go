//go:build linux

/*
Program ftraced captures Linux kernel trace data through tracefs.

It enables the configured tracepoints, moves the per-CPU trace buffers
with splice into pipes and writes everything as a framed stream
together with the tracepoint formats, the kernel symbol table and
the memory maps of selected processes.
The capture runs until the configured duration elapses or INT/TERM signal is received.
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	// By default an exit code is set to indicate a failure since
	// there are more failure scenarios to begin with.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	exitCode = 0
}
