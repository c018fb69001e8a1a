/*
Package fifo implements a fixed capacity byte ring for one writer and one reader.

The writer fills the region returned by Start or Advance and commits it with the next
call to Advance. When the write cursor crosses the wrap threshold the remaining tail is
left as a "ragged end" and writing restarts at offset zero, so a committed span is always
contiguous and nothing is copied. The reader takes the committed span with Read and hands
it back with Release.

The writer blocks in Advance while fewer than singleBufferSize contiguous bytes are free.
It is woken by Release. The reader never blocks; it waits on the reader Signal that Advance
posts once per call.
*/
package fifo

import (
	"context"
	"io"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrInvalidSize is returned by New when the requested sizes can't form a buffer.
var ErrInvalidSize = errors.New("fifo: invalid buffer size")

// Fifo is a single-producer single-consumer byte ring with a ragged end.
type Fifo struct {
	// singleBufferSize is the maximum size that may be filled during a single write.
	singleBufferSize int
	// wrapThreshold is the write offset at which writing restarts from zero.
	wrapThreshold int
	// buf is wrapThreshold+singleBufferSize long so that a write started
	// below the threshold always fits.
	buf []byte

	// state packs the write cursor (low 32 bits) and the ragged end (high 32 bits)
	// so the reader observes both with a single load.
	state atomic.Uint64
	read  atomic.Int64
	// readCommit is owned by the reader.
	readCommit int
	ended      atomic.Bool

	spaceAvailable *Signal
	dataReady      *Signal
}

// New creates a Fifo holding bufferSize bytes where a single write
// may fill up to singleBufferSize bytes; bufferSize+singleBufferSize bytes are allocated.
// Every Advance posts dataReady once.
func New(singleBufferSize, bufferSize int, dataReady *Signal) (*Fifo, error) {
	if singleBufferSize <= 0 || bufferSize <= singleBufferSize {
		return nil, errors.Wrapf(ErrInvalidSize, "single buffer %d, buffer %d", singleBufferSize, bufferSize)
	}
	if int64(bufferSize)+int64(singleBufferSize) > math.MaxInt32 {
		return nil, errors.Wrapf(ErrInvalidSize, "buffer %d exceeds 2GiB", bufferSize)
	}
	if dataReady == nil {
		return nil, errors.New("fifo: reader signal is required")
	}

	f := Fifo{
		singleBufferSize: singleBufferSize,
		wrapThreshold:    bufferSize,
		buf:              make([]byte, bufferSize+singleBufferSize),
		spaceAvailable:   NewSignal(),
		dataReady:        dataReady,
	}
	return &f, nil
}

func pack(write, raggedEnd int) uint64 {
	return uint64(uint32(raggedEnd))<<32 | uint64(uint32(write))
}

func unpack(state uint64) (write, raggedEnd int) {
	return int(uint32(state)), int(uint32(state >> 32))
}

// Start returns the region the first write fills.
func (f *Fifo) Start() []byte {
	return f.buf[:f.singleBufferSize]
}

// BytesFilled returns the number of committed bytes not yet released.
func (f *Fifo) BytesFilled() int {
	write, raggedEnd := unpack(f.state.Load())
	return write - int(f.read.Load()) + raggedEnd
}

// IsEmpty reports whether there is nothing to read.
func (f *Fifo) IsEmpty() bool {
	write, raggedEnd := unpack(f.state.Load())
	return int(f.read.Load()) == write && raggedEnd == 0
}

// IsFull reports whether fewer than singleBufferSize contiguous bytes are free.
// It doesn't mean there are zero bytes available.
func (f *Fifo) IsFull() bool {
	return f.willFill(0)
}

// Ended reports whether the writer has signaled the end of the stream.
func (f *Fifo) Ended() bool {
	return f.ended.Load()
}

// willFill determines if the buffer will fill assuming additional bytes are added.
func (f *Fifo) willFill(additional int) bool {
	write, raggedEnd := unpack(f.state.Load())
	read := int(f.read.Load())
	filled := write - read + raggedEnd
	if write > read {
		return filled+additional >= f.wrapThreshold
	}
	return filled+additional >= f.wrapThreshold-f.singleBufferSize
}

// Advance commits length bytes written into the region returned by the previous
// call (or by Start) and returns the next region to fill.
// A length of zero or less marks the end of the stream; Advance must not be called after that.
//
// Advance blocks until singleBufferSize contiguous bytes are available.
func (f *Fifo) Advance(length int) []byte {
	if length > f.singleBufferSize {
		panic("fifo: write exceeds single buffer size")
	}
	if length <= 0 {
		length = 0
		f.ended.Store(true)
	}

	var write int
	for {
		old := f.state.Load()
		w, raggedEnd := unpack(old)
		w += length
		if w >= f.wrapThreshold {
			raggedEnd = w
			w = 0
		}
		if f.state.CompareAndSwap(old, pack(w, raggedEnd)) {
			write = w
			break
		}
	}

	f.dataReady.Post()

	for f.IsFull() {
		// Background context: the writer is only woken by Release.
		_ = f.spaceAvailable.Wait(context.Background())
	}

	return f.buf[write : write+f.singleBufferSize]
}

// Read returns the committed contiguous span starting at the read cursor.
// It returns nil, nil when no data is available yet,
// and nil, io.EOF once the stream has ended and every byte was released.
// The span stays valid until Release.
func (f *Fifo) Read() ([]byte, error) {
	// Observing the end flag first guarantees every write committed
	// before the end is visible in the state loaded below.
	ended := f.ended.Load()
	write, raggedEnd := unpack(f.state.Load())
	read := int(f.read.Load())

	if read == write && raggedEnd == 0 {
		if ended {
			return nil, io.EOF
		}
		return nil, nil
	}

	f.readCommit = write
	if raggedEnd != 0 {
		f.readCommit = raggedEnd
	}
	return f.buf[read:f.readCommit], nil
}

// Release hands the span returned by the last Read back to the writer.
func (f *Fifo) Release() {
	read := f.readCommit
	if read >= f.wrapThreshold {
		// The ragged end is cleared before the read cursor so the writer
		// never sees a stale ragged end next to a reset cursor.
		for {
			old := f.state.Load()
			write, _ := unpack(old)
			if f.state.CompareAndSwap(old, pack(write, 0)) {
				break
			}
		}
		read = 0
		f.readCommit = 0
	}
	f.read.Store(int64(read))

	f.spaceAvailable.Post()
}
