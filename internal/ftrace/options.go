package ftrace

import (
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// DefaultReaderTimeout is how long a stopping reader may take before
// the watchdog closes its descriptors.
const DefaultReaderTimeout = 2 * time.Second

// Option configures the Engine.
type Option func(*config)

type config struct {
	logger            *zap.Logger
	metrics           *Metrics
	cpus              int
	raw               bool
	useForTracepoints bool
	readerTimeout     time.Duration
	pageSize          int
	kernelRelease     func() (string, error)
	euid              func() int
}

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics sets the metrics the engine and its readers update.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithCPUs sets the number of CPUs to capture, runtime.NumCPU by default.
func WithCPUs(n int) Option {
	return func(c *config) {
		c.cpus = n
	}
}

// WithRaw selects raw capture through per-CPU trace_pipe_raw (the default),
// or text capture through trace_pipe when raw is false.
func WithRaw(raw bool) Option {
	return func(c *config) {
		c.raw = raw
	}
}

// WithUseForTracepoints sets whether counters reading a tracepoint are captured by ftrace.
// When false they are left to another collector.
func WithUseForTracepoints(use bool) Option {
	return func(c *config) {
		c.useForTracepoints = use
	}
}

// WithReaderTimeout sets the watchdog timeout of stopping readers.
func WithReaderTimeout(d time.Duration) Option {
	return func(c *config) {
		c.readerTimeout = d
	}
}

// WithPageSize overrides the system page size used as the splice unit.
func WithPageSize(n int) Option {
	return func(c *config) {
		c.pageSize = n
	}
}

// WithKernelRelease overrides how the running kernel release is determined.
func WithKernelRelease(fn func() (string, error)) Option {
	return func(c *config) {
		c.kernelRelease = fn
	}
}

// WithEUID overrides how the effective user id is determined.
func WithEUID(fn func() int) Option {
	return func(c *config) {
		c.euid = fn
	}
}

func defaultConfig() config {
	return config{
		logger:            zap.NewNop(),
		cpus:              runtime.NumCPU(),
		raw:               true,
		useForTracepoints: true,
		readerTimeout:     DefaultReaderTimeout,
		pageSize:          os.Getpagesize(),
		kernelRelease:     unameRelease,
		euid:              os.Geteuid,
	}
}
