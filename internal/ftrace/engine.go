package ftrace

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"diy-ftrace-agent/internal/barrier"
)

const counterPrefix = "ftrace_"

var (
	// ErrNotSupported is returned when a session is prepared on a host
	// where ReadEvents disabled ftrace, see Diagnostics.
	ErrNotSupported = errors.New("ftrace is not supported")
	// ErrMissingRegex is returned by ReadEvents for a counter without a regex.
	ErrMissingRegex = errors.New("ftrace counter has no regex")
	// ErrSessionState is returned when session methods are called out of order.
	ErrSessionState = errors.New("ftrace session is not in the expected state")
)

var (
	minKernelVersion          = NewKernelVersion(3, 10, 0)
	monotonicRawKernelVersion = NewKernelVersion(4, 2, 0)
)

var interruptHandlerOnce sync.Once

// installInterruptHandler makes the Go runtime catch SIGUSR1 instead of terminating the process.
// Delivery is all the readers need, the notifications themselves are dropped.
func installInterruptHandler() {
	interruptHandlerOnce.Do(func() {
		signal.Notify(make(chan os.Signal, 1), unix.SIGUSR1)
	})
}

type sessionState int

const (
	stateIdle sessionState = iota
	statePrepared
	stateStarted
)

// Engine owns the ftrace configuration of the host for the duration of a session.
// It is not safe for concurrent use.
type Engine struct {
	fp     FileProvider
	conf   config
	logger *zap.Logger

	supported    bool
	monotonicRaw bool
	diagnostics  []string
	counters     []*counter

	state     sessionState
	tracingOn int
	// prepared are the counters whose enable state must be restored.
	prepared  []*counter
	barrier   *barrier.Barrier
	readers   []*Reader
}

// New returns an Engine configuring ftrace through fp.
func New(fp FileProvider, opts ...Option) *Engine {
	conf := defaultConfig()
	for _, opt := range opts {
		opt(&conf)
	}
	if conf.metrics == nil {
		conf.metrics = NewMetrics(nil)
	}

	return &Engine{
		fp:      fp,
		conf:    conf,
		logger:  conf.logger,
		barrier: barrier.New(),
	}
}

// Supported reports whether ReadEvents found the host capable of ftrace capture.
func (e *Engine) Supported() bool {
	return e.supported
}

// Raw reports whether the engine captures through per-CPU trace_pipe_raw.
func (e *Engine) Raw() bool {
	return e.conf.raw
}

// MonotonicRaw reports whether the trace is stamped with the mono_raw clock
// rather than the perf clock.
func (e *Engine) MonotonicRaw() bool {
	return e.monotonicRaw
}

// Diagnostics returns the setup messages explaining disabled features.
func (e *Engine) Diagnostics() []string {
	return e.diagnostics
}

// Counters returns the names of the registered counters.
func (e *Engine) Counters() []string {
	names := make([]string, len(e.counters))
	for i, c := range e.counters {
		names[i] = c.name
	}
	return names
}

func (e *Engine) diagnose(msg string) {
	e.logger.Info(msg)
	e.diagnostics = append(e.diagnostics, msg)
}

func (e *Engine) disable(reason string) {
	e.supported = false
	e.diagnose("Ftrace is disabled\n" + reason)
}

// ReadEvents checks whether the host supports ftrace capture and registers counters.
// An unsupported host is not an error: the engine stays disabled
// and Diagnostics explains why.
func (e *Engine) ReadEvents(specs []CounterSpec) error {
	e.supported = false
	e.monotonicRaw = false
	e.diagnostics = nil
	e.counters = e.counters[:0]

	release, err := e.conf.kernelRelease()
	if err != nil {
		return errors.Wrap(err, "failed to determine the kernel version")
	}
	v := ParseKernelVersion(release)
	if v < minKernelVersion {
		e.disable(fmt.Sprintf("For full ftrace functionality please upgrade to Linux %s or later, running %s.", minKernelVersion, v))
		return nil
	}
	e.monotonicRaw = v >= monotonicRawKernelVersion

	if err = e.fp.Access("", unix.R_OK); err != nil {
		e.disable("Unable to locate the tracing directory " + e.fp.Root())
		return nil
	}
	if e.conf.euid() != 0 {
		e.disable("Ftrace is not supported when running non-root")
		return nil
	}
	e.supported = true

	for _, spec := range specs {
		if !strings.HasPrefix(spec.Name, counterPrefix) {
			continue
		}
		if spec.Regex == "" {
			return errors.Wrapf(ErrMissingRegex, "counter %s", spec.Name)
		}

		enable := spec.Enable
		if enable == "" {
			enable = spec.Tracepoint
		}
		if spec.Tracepoint != "" && !e.conf.useForTracepoints {
			e.logger.Debug("not using ftrace for counter", zap.String("counter", spec.Name))
			continue
		}
		if enable != "" {
			c := counter{enable: enable}
			if err = e.fp.Access(c.enablePath(), unix.W_OK); err != nil {
				e.diagnose(fmt.Sprintf("%s is disabled\n%s was not found", spec.Name, c.enablePath()))
				continue
			}
		}

		e.logger.Debug("using ftrace for counter", zap.String("counter", spec.Name), zap.String("enable", enable))
		e.counters = append(e.counters, &counter{
			name:    spec.Name,
			enable:  enable,
			enabled: spec.Enabled,
		})
	}
	return nil
}

// Prepare configures ftrace for a session and returns the descriptors to read the trace from.
// In raw mode there is one pipe per CPU and the readers are started but held on the barrier
// until Start. In text mode the only descriptor is trace_pipe and aggregate is true.
// The caller owns the returned descriptors.
// When Prepare fails, tracing_on and the counters it changed are restored.
func (e *Engine) Prepare() (fds []int, aggregate bool, err error) {
	if !e.supported {
		return nil, false, ErrNotSupported
	}
	if e.state != stateIdle {
		return nil, false, errors.Wrap(ErrSessionState, "prepare")
	}

	e.prepared = e.prepared[:0]
	var restoreTracingOn bool
	defer func() {
		if err != nil {
			e.restore(restoreTracingOn)
		}
	}()

	if e.conf.raw {
		if err = writeString(e.fp, pathEventsEnable, "0"); err != nil {
			return nil, false, errors.Wrap(err, "unable to turn off all events")
		}
	}

	for _, c := range e.counters {
		if !c.enabled {
			continue
		}
		if err = c.prepare(e.fp, e.conf.raw); err != nil {
			return nil, false, err
		}
		e.prepared = append(e.prepared, c)
	}
	e.conf.metrics.CountersEnabled.Set(float64(len(e.prepared)))

	if e.tracingOn, err = readInt(e.fp, pathTracingOn); err != nil {
		return nil, false, errors.Wrap(err, "unable to read if ftrace is enabled")
	}
	restoreTracingOn = true
	if err = writeString(e.fp, pathTracingOn, "0"); err != nil {
		return nil, false, errors.Wrap(err, "unable to turn ftrace off before truncating the buffer")
	}
	if err = e.fp.Truncate(pathTrace); err != nil {
		return nil, false, errors.Wrap(err, "unable to truncate ftrace buffer")
	}
	if err = e.selectClock(); err != nil {
		return nil, false, err
	}

	if !e.conf.raw {
		var fd int
		if fd, err = e.fp.OpenRaw(pathTracePipe); err != nil {
			return nil, false, errors.Wrap(err, "unable to open trace_pipe")
		}
		e.state = statePrepared
		return []int{fd}, true, nil
	}

	if e.conf.pageSize <= 0 {
		return nil, false, errors.Errorf("invalid page size %d", e.conf.pageSize)
	}
	installInterruptHandler()

	cfgs, err := e.openCPUs()
	if err != nil {
		return nil, false, err
	}

	// Descriptors are all open, nothing below can fail
	// so the barrier always gets every reader.
	e.barrier.Init(len(cfgs) + 1)
	e.readers = make([]*Reader, 0, len(cfgs))
	fds = make([]int, 0, len(cfgs))
	for _, cfg := range cfgs {
		r := newReader(cfg)
		r.Start()
		e.readers = append(e.readers, r)
		fds = append(fds, r.PipeReadEnd())
	}
	e.state = statePrepared
	return fds, false, nil
}

// restore writes back tracing_on and the enable state of the prepared counters.
// It is best effort, failures are logged.
func (e *Engine) restore(tracingOn bool) {
	if tracingOn {
		if err := writeInt(e.fp, pathTracingOn, e.tracingOn); err != nil {
			e.logger.Warn("unable to restore tracing_on", zap.Int("tracing_on", e.tracingOn), zap.Error(err))
		}
	}
	for _, c := range e.prepared {
		c.stop(e.fp, e.logger)
	}
	e.prepared = e.prepared[:0]
	e.conf.metrics.CountersEnabled.Set(0)
}

// selectClock switches the trace clock to mono_raw, or perf on kernels before 4.2.
// The clock is written only when it is not already selected.
func (e *Engine) selectClock() error {
	clock, since := "perf", "3.10"
	if e.monotonicRaw {
		clock, since = "mono_raw", "4.2"
	}

	data, err := e.fp.ReadFile(pathTraceClock)
	if err != nil {
		return errors.Wrap(err, "unable to read the ftrace clock")
	}
	if bytes.Contains(data, []byte("["+clock+"]")) {
		return nil
	}
	if err = writeString(e.fp, pathTraceClock, clock); err != nil {
		return errors.Wrapf(err, "unable to switch ftrace to the %s clock, please ensure you are running Linux %s or later", clock, since)
	}
	return nil
}

// openCPUs opens the pipe and trace_pipe_raw of every CPU.
// On failure everything opened so far is closed.
func (e *Engine) openCPUs() ([]readerConfig, error) {
	cfgs := make([]readerConfig, 0, e.conf.cpus)
	closeAll := func() {
		for _, cfg := range cfgs {
			unix.Close(cfg.source)
			unix.Close(cfg.pipeRead)
			unix.Close(cfg.pipeWrite)
			unix.Close(cfg.wake)
		}
	}

	for cpu := 0; cpu < e.conf.cpus; cpu++ {
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
			closeAll()
			return nil, errors.Wrap(err, "pipe2 failed")
		}

		wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			closeAll()
			return nil, errors.Wrap(err, "eventfd failed")
		}

		name := fmt.Sprintf(perCPURawPipeFmt, cpu)
		src, err := e.fp.OpenRaw(name)
		if err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			unix.Close(wake)
			closeAll()
			return nil, errors.Wrapf(err, "unable to open %s", name)
		}

		cfgs = append(cfgs, readerConfig{
			cpu:       cpu,
			pageSize:  e.conf.pageSize,
			timeout:   e.conf.readerTimeout,
			barrier:   e.barrier,
			logger:    e.logger,
			metrics:   e.conf.metrics,
			source:    src,
			pipeRead:  p[0],
			pipeWrite: p[1],
			wake:      wake,
		})
	}
	return cfgs, nil
}

// Start turns tracing on and releases the readers.
// The readers are released even if tracing could not be turned on,
// Stop must be called either way.
func (e *Engine) Start() error {
	if e.state != statePrepared {
		return errors.Wrap(ErrSessionState, "start")
	}
	e.state = stateStarted
	e.conf.metrics.Sessions.Inc()

	err := writeString(e.fp, pathTracingOn, "1")
	if e.conf.raw {
		e.barrier.Wait()
	}
	if err != nil {
		return errors.Wrap(err, "unable to turn ftrace on")
	}
	return nil
}

// Stop restores the host's ftrace configuration, stops the readers and waits for them.
// It returns the pipe read ends so the caller can drain what the readers wrote,
// they are nil in text mode. Restoring the configuration and joining the readers is best effort,
// the returned error reports a reader that failed while capturing.
func (e *Engine) Stop() ([]int, error) {
	if e.state == stateIdle {
		return nil, errors.Wrap(ErrSessionState, "stop")
	}
	if e.state == statePrepared && e.conf.raw {
		// Release readers still held on the barrier so they can be interrupted.
		e.barrier.Wait()
	}
	e.state = stateIdle
	e.restore(true)

	if !e.conf.raw {
		return nil, nil
	}

	fds := make([]int, 0, len(e.readers))
	for _, r := range e.readers {
		if err := r.Interrupt(); err != nil {
			e.logger.Debug("failed to interrupt ftrace reader", zap.Int("cpu", r.CPU()), zap.Error(err))
		}
		fds = append(fds, r.PipeReadEnd())
	}

	var g errgroup.Group
	for _, r := range e.readers {
		r := r
		g.Go(func() error {
			err := r.Join()
			if errors.Is(err, ErrForcedShutdown) {
				e.logger.Warn("failed to wait for ftrace reader to finish", zap.Int("cpu", r.CPU()))
				return nil
			}
			return errors.Wrapf(err, "ftrace reader for cpu %d", r.CPU())
		})
	}
	err := g.Wait()
	e.readers = nil
	return fds, err
}
