package stream

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"diy-ftrace-agent/internal/fifo"
)

// Sender drains a fifo into a writer.
type Sender struct {
	fifo   *fifo.Fifo
	ready  *fifo.Signal
	w      io.Writer
	logger *zap.Logger
	sent   prometheus.Counter
}

// NewSender returns a Sender for f whose writer posts ready.
// A nil sent counter is replaced by an unregistered one.
func NewSender(f *fifo.Fifo, ready *fifo.Signal, w io.Writer, sent prometheus.Counter, logger *zap.Logger) *Sender {
	if sent == nil {
		sent = prometheus.NewCounter(prometheus.CounterOpts{Name: "sent_bytes_total"})
	}
	return &Sender{
		fifo:   f,
		ready:  ready,
		w:      w,
		logger: logger,
		sent:   sent,
	}
}

// Run writes committed data until the pump closes the stream.
func (s *Sender) Run(ctx context.Context) error {
	var total int
	for {
		buf, err := s.fifo.Read()
		if err == io.EOF {
			s.logger.Debug("stream ended", zap.Int("bytes", total))
			return nil
		}
		if err != nil {
			return err
		}
		if buf == nil {
			if err = s.ready.Wait(ctx); err != nil {
				return err
			}
			continue
		}

		n, err := s.w.Write(buf)
		total += n
		s.sent.Add(float64(n))
		if err != nil {
			return errors.Wrap(err, "failed to write trace data")
		}
		s.fifo.Release()
	}
}
