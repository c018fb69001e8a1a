package stream

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"diy-ftrace-agent/internal/fifo"
)

// pollTimeout bounds how long the pump waits before checking its context.
const pollTimeout = 100 // ms

// Pump frames data read from descriptors into a fifo.
// It is the fifo's only writer: metadata must be written before Run
// or from the goroutine calling Run.
type Pump struct {
	fifo   *fifo.Fifo
	single int
	span   []byte
	logger *zap.Logger
}

// NewPump returns a Pump writing frames of at most singleBufferSize bytes,
// the single buffer size f was created with.
func NewPump(f *fifo.Fifo, singleBufferSize int, logger *zap.Logger) (*Pump, error) {
	if singleBufferSize <= HeaderSize+1 {
		return nil, errors.Errorf("single buffer size %d can't hold a frame", singleBufferSize)
	}
	if singleBufferSize > MaxFrameSize {
		return nil, errors.Errorf("single buffer size %d exceeds the maximum frame size %d", singleBufferSize, MaxFrameSize)
	}

	p := Pump{
		fifo:   f,
		single: singleBufferSize,
		span:   f.Start(),
		logger: logger,
	}
	return &p, nil
}

// WriteMetadata frames a metadata record, splitting it into as many frames as needed.
func (p *Pump) WriteMetadata(kind Kind, data []byte) {
	limit := p.single - HeaderSize - 1
	for {
		chunk, k := data, kind
		if len(chunk) > limit {
			chunk = chunk[:limit]
			k |= FlagContinued
		}

		p.span[HeaderSize] = byte(k)
		copy(p.span[HeaderSize+1:], chunk)
		putHeader(p.span, MetadataCPU, len(chunk)+1)
		p.span = p.fifo.Advance(HeaderSize + 1 + len(chunk))

		data = data[len(chunk):]
		if len(data) == 0 {
			return
		}
	}
}

// MarshalHeaderPage writes the events/header_page record.
func (p *Pump) MarshalHeaderPage(data []byte) {
	p.WriteMetadata(KindHeaderPage, data)
}

// MarshalHeaderEvent writes the events/header_event record.
func (p *Pump) MarshalHeaderEvent(data []byte) {
	p.WriteMetadata(KindHeaderEvent, data)
}

// MarshalFormat writes a tracepoint format record.
func (p *Pump) MarshalFormat(data []byte) {
	p.WriteMetadata(KindFormat, data)
}

// Run copies data from fds until each of them reports end of file or ctx is done.
// Frames read from fds[i] are tagged with tags[i].
func (p *Pump) Run(ctx context.Context, fds []int, tags []uint32) error {
	if len(fds) != len(tags) {
		return errors.Errorf("%d descriptors but %d tags", len(fds), len(tags))
	}

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	open := len(fds)
	for open > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(pfds, pollTimeout)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll failed")
		}

		for i := range pfds {
			// Poll skips negative descriptors, they mark pipes that reached end of file.
			if pfds[i].Fd < 0 || pfds[i].Revents == 0 {
				continue
			}
			eof, err := p.copyFrame(int(pfds[i].Fd), tags[i])
			if err != nil {
				return err
			}
			if eof {
				p.logger.Debug("end of trace data", zap.Uint32("tag", tags[i]))
				pfds[i].Fd = -1
				open--
			}
		}
	}
	return nil
}

// copyFrame reads once from fd straight into the fifo.
func (p *Pump) copyFrame(fd int, tag uint32) (eof bool, err error) {
	for {
		n, err := unix.Read(fd, p.span[HeaderSize:p.single])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		case err != nil:
			return false, errors.Wrapf(err, "failed to read trace data for %d", tag)
		case n == 0:
			return true, nil
		}

		putHeader(p.span, tag, n)
		p.span = p.fifo.Advance(HeaderSize + n)
		return false, nil
	}
}

// Close marks the end of the stream. The pump must not be used afterwards.
func (p *Pump) Close() {
	p.fifo.Advance(0)
}
