//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"diy-ftrace-agent/internal/config"
	"diy-ftrace-agent/internal/fifo"
	"diy-ftrace-agent/internal/ftrace"
	"diy-ftrace-agent/internal/procfs"
	"diy-ftrace-agent/internal/stream"
)

// newEngine creates the engine for the configured or detected tracing directory.
// A missing tracefs is left for the engine to diagnose.
func newEngine(cfg *config.Config, logger *zap.Logger, metrics *ftrace.Metrics) *ftrace.Engine {
	root := cfg.Tracefs
	if root == "" {
		var err error
		if root, err = ftrace.FindTracefs(); err != nil {
			logger.Debug("tracefs not found", zap.Error(err))
			root = "/sys/kernel/tracing"
		}
	}

	opts := append(cfg.EngineOptions(), ftrace.WithLogger(logger.Named("ftrace")))
	if metrics != nil {
		opts = append(opts, ftrace.WithMetrics(metrics))
	}
	return ftrace.New(ftrace.NewLocalFileProvider(root), opts...)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func (a *app) capture() error {
	sessionID := uuid.New()
	logger := a.logger.With(zap.String("session", sessionID.String()))

	reg := prometheus.NewRegistry()
	metrics := ftrace.NewMetrics(reg)
	sent := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: "ftraced",
		Name:      "sent_bytes_total",
		Help:      "Framed trace bytes written to the output.",
	})

	engine := newEngine(a.cfg, logger, metrics)
	if err := engine.ReadEvents(a.cfg.CounterSpecs()); err != nil {
		return fmt.Errorf("failed to read ftrace events: %w", err)
	}
	if !engine.Supported() {
		return fmt.Errorf("ftrace is not supported: %s", strings.Join(engine.Diagnostics(), "; "))
	}

	out, err := openOutput(a.cfg.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	ready := fifo.NewSignal()
	f, err := fifo.New(a.cfg.Buffer.Single, a.cfg.Buffer.Size, ready)
	if err != nil {
		return fmt.Errorf("failed to create stream buffer: %w", err)
	}
	pump, err := stream.NewPump(f, a.cfg.Buffer.Single, logger.Named("pump"))
	if err != nil {
		return fmt.Errorf("failed to create pump: %w", err)
	}
	sender := stream.NewSender(f, ready, out, sent, logger.Named("sender"))

	// The sender stops when the pump closes the stream, never earlier,
	// otherwise the pump could block on a full buffer.
	var senders errgroup.Group
	senders.Go(func() error {
		return sender.Run(context.Background())
	})

	var srv *http.Server
	if a.cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		senders.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
			return nil
		})
	}

	sessionErr := a.session(engine, pump, sessionID, logger)
	pump.Close()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("failed to shut down metrics server", zap.Error(err))
		}
	}
	if err := senders.Wait(); err != nil {
		return fmt.Errorf("failed to send trace data: %w", err)
	}
	return sessionErr
}

// session runs one capture from Prepare to Stop while the pump copies the pipes.
func (a *app) session(engine *ftrace.Engine, pump *stream.Pump, sessionID uuid.UUID, logger *zap.Logger) error {
	fds, aggregate, err := engine.Prepare()
	if err != nil {
		return fmt.Errorf("failed to prepare ftrace: %w", err)
	}
	defer func() {
		for _, fd := range fds {
			if err := unix.Close(fd); err != nil {
				logger.Warn("failed to close trace pipe", zap.Error(err))
			}
		}
	}()

	if err = a.writeMetadata(engine, pump, sessionID, logger); err != nil {
		if _, stopErr := engine.Stop(); stopErr != nil {
			logger.Warn("failed to stop ftrace", zap.Error(stopErr))
		}
		return err
	}

	tags := make([]uint32, len(fds))
	for cpu := range fds {
		tags[cpu] = uint32(cpu)
	}
	if aggregate {
		tags[0] = stream.AggregateCPU
	}

	pumpCtx, cancelPump := context.WithCancel(context.Background())
	defer cancelPump()
	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- pump.Run(pumpCtx, fds, tags)
	}()

	if err = engine.Start(); err != nil {
		logger.Error("failed to start ftrace", zap.Error(err))
	} else {
		logger.Info("capturing", zap.Int("pipes", len(fds)), zap.Bool("raw", engine.Raw()))
		a.wait(pumpDone, logger)
	}

	_, stopErr := engine.Stop()
	if aggregate {
		// trace_pipe never reports end of file.
		cancelPump()
	}
	pumpErr := <-pumpDone
	if errors.Is(pumpErr, context.Canceled) {
		pumpErr = nil
	}

	switch {
	case err != nil:
		return fmt.Errorf("failed to start ftrace: %w", err)
	case stopErr != nil:
		return fmt.Errorf("ftrace capture failed: %w", stopErr)
	case pumpErr != nil:
		return fmt.Errorf("failed to copy trace data: %w", pumpErr)
	}
	logger.Info("capture finished")
	return nil
}

// wait blocks until the capture duration elapses, INT/TERM signal is received,
// or the pump stops early. An early pump result is put back for the caller.
func (a *app) wait(pumpDone chan error, logger *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var timeout <-chan time.Time
	if a.cfg.Duration > 0 {
		timer := time.NewTimer(a.cfg.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s := <-sig:
		logger.Info("received signal", zap.Stringer("signal", s))
	case <-timeout:
	case err := <-pumpDone:
		logger.Warn("trace pipes closed before the capture ended", zap.Error(err))
		pumpDone <- err
	}
}

// writeMetadata writes the session id, the tracepoint formats,
// the kernel symbols and the memory maps ahead of the trace data.
func (a *app) writeMetadata(engine *ftrace.Engine, pump *stream.Pump, sessionID uuid.UUID, logger *zap.Logger) error {
	pump.WriteMetadata(stream.KindSession, []byte(sessionID.String()))

	if err := engine.ReadTracepointFormats(pump); err != nil {
		return fmt.Errorf("failed to read tracepoint formats: %w", err)
	}

	if a.cfg.Kallsyms {
		data, err := os.ReadFile(procfs.KallsymsPath)
		if err != nil {
			logger.Warn("failed to read kernel symbols", zap.Error(err))
		} else {
			pump.WriteMetadata(stream.KindKallsyms, data)
		}
	}

	for _, pid := range a.cfg.PIDs {
		mm, err := procfs.ReadMaps(pid)
		if err != nil {
			logger.Warn("failed to read memory map", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		var b bytes.Buffer
		for _, m := range mm {
			fmt.Fprintf(&b, "%d start=0x%x limit=0x%x offset=0x%x %s\n", pid, m.Start, m.Limit, m.Offset, m.File)
		}
		pump.WriteMetadata(stream.KindMaps, b.Bytes())
	}
	return nil
}
