package ftrace

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"diy-ftrace-agent/internal/barrier"
)

// slopBufferSize bounds a single read of a partial trace page.
// It must not be smaller than the page size.
const slopBufferSize = 1 << 16

// eventfdIncrement is the 8 byte counter increment written to an eventfd.
var eventfdIncrement = [8]byte{1}

var (
	// ErrUnexpectedEOF is returned when trace_pipe_raw reports end of file while capture is active.
	ErrUnexpectedEOF = errors.New("unexpected end of file on trace_pipe_raw")
	// ErrShortSplice is returned when splice moved less than a whole page.
	ErrShortSplice = errors.New("splice moved a partial page")
	// ErrForcedShutdown is returned by Join when the watchdog gave up on a hanging reader.
	ErrForcedShutdown = errors.New("ftrace reader was forcibly shut down")
)

type readerConfig struct {
	cpu      int
	pageSize int
	timeout  time.Duration
	barrier  *barrier.Barrier
	logger   *zap.Logger
	metrics  *Metrics
	// source is the per-CPU trace_pipe_raw descriptor.
	source int
	// pipeRead and pipeWrite are the ends of the output pipe.
	pipeRead  int
	pipeWrite int
	// wake is an eventfd Interrupt signals so a reader between its active check
	// and poll still wakes up.
	wake int
}

// Reader moves trace pages of one CPU into a pipe.
// It runs on a dedicated OS thread so that Interrupt can signal it with tgkill.
// The reader owns the source, the pipe write end and the wake eventfd
// and closes them when it finishes.
// The pipe read end is handed to the caller.
type Reader struct {
	cpu      int
	pageSize int
	timeout  time.Duration
	barrier  *barrier.Barrier
	logger   *zap.Logger

	pagesSpliced    prometheus.Counter
	slopBytes       prometheus.Counter
	forcedShutdowns prometheus.Counter
	readerErrors    prometheus.Counter

	source    *fileDescriptor
	pipeWrite *fileDescriptor
	pipeRead  int
	wake      *fileDescriptor

	active  atomic.Bool
	forced  atomic.Bool
	tid     int
	started chan struct{}
	done    chan struct{}
	err     error

	mu       sync.Mutex
	watchdog *time.Timer
	finished bool
	expired  chan struct{}
}

func newReader(cfg readerConfig) *Reader {
	labels := cpuLabel(cfg.cpu)
	return &Reader{
		cpu:      cfg.cpu,
		pageSize: cfg.pageSize,
		timeout:  cfg.timeout,
		barrier:  cfg.barrier,
		logger:   cfg.logger.With(zap.Int("cpu", cfg.cpu)),

		pagesSpliced:    cfg.metrics.PagesSpliced.With(labels),
		slopBytes:       cfg.metrics.SlopBytes.With(labels),
		forcedShutdowns: cfg.metrics.ForcedShutdowns.With(labels),
		readerErrors:    cfg.metrics.ReaderErrors.With(labels),

		source:    newFileDescriptor(cfg.source),
		pipeWrite: newFileDescriptor(cfg.pipeWrite),
		pipeRead:  cfg.pipeRead,
		wake:      newFileDescriptor(cfg.wake),

		started: make(chan struct{}),
		done:    make(chan struct{}),
		expired: make(chan struct{}),
	}
}

// CPU returns the CPU the reader captures.
func (r *Reader) CPU() int {
	return r.cpu
}

// PipeReadEnd returns the descriptor the captured pages can be read from.
func (r *Reader) PipeReadEnd() int {
	return r.pipeRead
}

// Start launches the reader thread. It returns once the thread id is known,
// the thread itself waits on the barrier before capturing.
func (r *Reader) Start() {
	r.active.Store(true)
	go r.run()
	<-r.started
}

// Interrupt stops the capture loop and arms the watchdog.
// The thread is woken from a blocking poll through the wake eventfd and SIGUSR1.
func (r *Reader) Interrupt() error {
	r.active.Store(false)

	select {
	case <-r.done:
		return nil
	default:
	}

	r.armWatchdog()
	err := r.wake.with(func(fd int) error {
		_, err := unix.Write(fd, eventfdIncrement[:])
		return err
	})
	if err != nil && !errors.Is(err, errDescriptorGone) {
		return errors.Wrap(err, "failed to wake ftrace reader")
	}
	if err := unix.Tgkill(unix.Getpid(), r.tid, unix.SIGUSR1); err != nil {
		return errors.Wrapf(err, "failed to signal ftrace reader thread %d", r.tid)
	}
	return nil
}

// Join waits for the reader to finish.
// It returns ErrForcedShutdown if the watchdog had to revoke the reader's descriptors,
// the thread is then left behind until its system call returns.
func (r *Reader) Join() error {
	select {
	case <-r.done:
		return r.err
	case <-r.expired:
		return ErrForcedShutdown
	}
}

func (r *Reader) run() {
	// The thread is never unlocked so it exits together with the goroutine
	// and its name and priority do not leak to other goroutines.
	runtime.LockOSThread()
	r.tid = unix.Gettid()
	close(r.started)

	err := r.capture()
	if err != nil && !errors.Is(err, ErrForcedShutdown) {
		r.readerErrors.Inc()
		r.logger.Error("ftrace reader failed", zap.Error(err))
	}
	r.err = err
	close(r.done)
}

func (r *Reader) capture() error {
	defer r.finish()

	name := fmt.Sprintf("ftrace-rd%02d", r.cpu)
	if err := setThreadName(name); err != nil {
		r.logger.Debug("failed to name reader thread", zap.String("name", name), zap.Error(err))
	}
	err := resetPriority(r.tid)

	// The engine waits for every reader on the barrier, so arrive even after a failure.
	r.barrier.Wait()
	if err != nil {
		return errors.Wrap(err, "setpriority failed")
	}

	if err = r.transfer(); err != nil {
		return err
	}
	return r.drain()
}

// transfer splices whole pages while the reader is active.
// Poll is used to block because Go installs signal handlers with SA_RESTART,
// so splice itself would be restarted after SIGUSR1 while poll returns EINTR.
// The wake eventfd stays readable once Interrupt wrote it, a signal that arrives
// before poll is entered cannot be missed.
func (r *Reader) transfer() error {
	wake, ok := r.wake.get()
	if !ok {
		return ErrForcedShutdown
	}

	for r.active.Load() {
		src, dst, ok := r.descriptors()
		if !ok {
			return ErrForcedShutdown
		}

		fds := []unix.PollFd{
			{Fd: int32(src), Events: unix.POLLIN},
			{Fd: int32(wake), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return r.failure(errors.Wrap(err, "poll failed"))
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, err := unix.Splice(src, nil, dst, nil, r.pageSize, unix.SPLICE_F_MOVE)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return r.failure(errors.Wrap(err, "splice failed"))
		case n == 0:
			if !r.active.Load() {
				return nil
			}
			return r.failure(ErrUnexpectedEOF)
		case n != int64(r.pageSize):
			return r.failure(errors.Wrapf(ErrShortSplice, "%d of %d bytes", n, r.pageSize))
		}
		r.pagesSpliced.Inc()
	}
	return nil
}

// descriptors returns the source and the pipe write end
// unless the watchdog revoked them.
func (r *Reader) descriptors() (src, dst int, ok bool) {
	if src, ok = r.source.get(); !ok {
		return -1, -1, false
	}
	if dst, ok = r.pipeWrite.get(); !ok {
		return -1, -1, false
	}
	return src, dst, true
}

// drain moves what is left in the trace buffer without blocking:
// whole pages with splice, then the partial page with read and write.
// The descriptors are looked up on every iteration and the drain stops
// as soon as the watchdog revoked them.
func (r *Reader) drain() error {
	src, _, ok := r.descriptors()
	if !ok {
		return ErrForcedShutdown
	}
	if err := unix.SetNonblock(src, true); err != nil {
		return r.failure(errors.Wrap(err, "failed to make trace_pipe_raw nonblocking"))
	}

	for {
		src, dst, ok := r.descriptors()
		if !ok {
			return ErrForcedShutdown
		}
		n, err := unix.Splice(src, nil, dst, nil, r.pageSize, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil || n <= 0 {
			break
		}
		if n != int64(r.pageSize) {
			return r.failure(errors.Wrapf(ErrShortSplice, "%d of %d bytes while draining", n, r.pageSize))
		}
		r.pagesSpliced.Inc()
	}

	buf := make([]byte, max(slopBufferSize, r.pageSize))
	for {
		src, dst, ok := r.descriptors()
		if !ok {
			return ErrForcedShutdown
		}
		n, err := unix.Read(src, buf)
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return r.failure(errors.Wrap(err, "reading slop from trace_pipe_raw failed"))
		case n == 0:
			return r.failure(errors.Wrap(ErrUnexpectedEOF, "reading slop"))
		}

		w, err := unix.Write(dst, buf[:n])
		if err != nil {
			return r.failure(errors.Wrap(err, "writing slop failed"))
		}
		if w != n {
			return r.failure(errors.Errorf("writing slop failed: %d of %d bytes", w, n))
		}
		r.slopBytes.Add(float64(n))
	}
}

// failure reports err unless the watchdog revoked the descriptors under the reader,
// errors caused by that are expected.
func (r *Reader) failure(err error) error {
	if r.forced.Load() {
		return ErrForcedShutdown
	}
	return err
}

// finish disarms the watchdog and closes the descriptors the reader owns.
// Descriptors revoked by the watchdog are closed here as well.
func (r *Reader) finish() {
	r.mu.Lock()
	r.finished = true
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	r.mu.Unlock()

	if err := r.source.Close(); err != nil {
		r.logger.Debug("failed to close trace_pipe_raw", zap.Error(err))
	}
	if err := r.pipeWrite.Close(); err != nil {
		r.logger.Debug("failed to close pipe", zap.Error(err))
	}
	if err := r.wake.Close(); err != nil {
		r.logger.Debug("failed to close eventfd", zap.Error(err))
	}
}

func (r *Reader) armWatchdog() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watchdog == nil {
		r.watchdog = time.AfterFunc(r.timeout, r.expire)
	}
}

// expire revokes the descriptors of a reader that did not finish in time
// and releases Join. The abandoned thread closes them once its system call returns.
func (r *Reader) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}

	r.logger.Warn("ftrace reader is hanging, forcing shutdown", zap.Duration("timeout", r.timeout))
	r.forced.Store(true)
	r.forcedShutdowns.Inc()
	if err := r.source.revoke(); err != nil {
		r.logger.Warn("failed to revoke trace_pipe_raw", zap.Error(err))
	}
	if err := r.pipeWrite.revoke(); err != nil {
		r.logger.Warn("failed to revoke pipe", zap.Error(err))
	}
	close(r.expired)
}

func setThreadName(name string) error {
	b, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(b)), 0, 0, 0)
}

// resetPriority raises the thread's nice value to 0 if it is negative.
// The getpriority system call reports 20 minus the nice value.
func resetPriority(tid int) error {
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return err
	}
	if nice := 20 - prio; nice >= 0 {
		return nil
	}
	return unix.Setpriority(unix.PRIO_PROCESS, tid, 0)
}
