/*
Package ftrace captures Linux kernel trace data through the tracefs pseudo filesystem.

An Engine gates the capture on kernel version, tracefs availability and privilege,
enables the configured tracepoints and runs one Reader per CPU. Each Reader runs on
its own OS thread and moves pages from per_cpu/cpu<n>/trace_pipe_raw into a pipe with
splice(2), so trace data never passes through user space. The read ends of those pipes
are handed to the caller.

Basics:
Create a FileProvider with NewLocalFileProvider (FindTracefs locates the mount point),
create the Engine with New, register counters with ReadEvents, then run a session with
Prepare, Start and Stop. Stop returns the pipe read ends so the remaining data can be drained.
In text mode the engine hands out trace_pipe instead of per-CPU pipes.
*/
package ftrace
