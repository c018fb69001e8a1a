package ftrace

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"diy-ftrace-agent/internal/barrier"
)

// newTestReader returns a reader that is the only participant of its barrier.
func newTestReader(t *testing.T, source, pipeRead, pipeWrite int, timeout time.Duration) *Reader {
	t.Helper()

	installInterruptHandler()
	b := barrier.New()
	b.Init(1)
	wake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)

	return newReader(readerConfig{
		cpu:       3,
		pageSize:  os.Getpagesize(),
		timeout:   timeout,
		barrier:   b,
		logger:    zaptest.NewLogger(t),
		metrics:   NewMetrics(nil),
		source:    source,
		pipeRead:  pipeRead,
		pipeWrite: pipeWrite,
		wake:      wake,
	})
}

// testSource returns a pipe standing in for trace_pipe_raw:
// a descriptor for the reader and the write end kept by the test.
func testSource(t *testing.T) (source, w int) {
	t.Helper()

	r, w := testPipe(t)
	closeAtCleanup(t, r, w)
	source, err := unix.Dup(r)
	require.NoError(t, err)
	return source, w
}

func waitDone(t *testing.T, r *Reader) {
	t.Helper()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader goroutine did not exit")
	}
}

func TestReaderSplicesPages(t *testing.T) {
	pageSize := os.Getpagesize()
	src, srcW := testSource(t)
	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	for i := 0; i < 3; i++ {
		writePage(t, srcW, pageSize, byte(i+1))
	}

	r := newTestReader(t, src, outR, outW, 5*time.Second)
	r.Start()
	for i := 0; i < 3; i++ {
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, pageSize), readFull(t, outR, pageSize))
	}

	require.NoError(t, r.Interrupt())
	require.NoError(t, r.Join())
	assert.True(t, r.source.isClosed())
	assert.True(t, r.pipeWrite.isClosed())

	n, err := unix.Read(outR, make([]byte, 1))
	require.NoError(t, err)
	assert.Zero(t, n, "pipe must report end of file once the reader finished")
}

func TestReaderInterruptWakesPoll(t *testing.T) {
	src, _ := testSource(t)
	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	r := newTestReader(t, src, outR, outW, 5*time.Second)
	r.Start()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, r.Interrupt())
	require.NoError(t, r.Join())
	assert.Less(t, time.Since(start), time.Second, "the watchdog must not be needed")
}

func TestReaderShortSplice(t *testing.T) {
	src, srcW := testSource(t)
	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	_, err := unix.Write(srcW, make([]byte, os.Getpagesize()/2))
	require.NoError(t, err)

	r := newTestReader(t, src, outR, outW, 5*time.Second)
	r.Start()
	assert.ErrorIs(t, r.Join(), ErrShortSplice)
	assert.True(t, r.source.isClosed())
}

func TestReaderUnexpectedEOF(t *testing.T) {
	srcR, srcW := testPipe(t)
	closeAtCleanup(t, srcR)
	src, err := unix.Dup(srcR)
	require.NoError(t, err)
	require.NoError(t, unix.Close(srcW))

	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	r := newTestReader(t, src, outR, outW, 5*time.Second)
	r.Start()
	assert.ErrorIs(t, r.Join(), ErrUnexpectedEOF)
}

func TestReaderForcedShutdown(t *testing.T) {
	const timeout = 200 * time.Millisecond

	pageSize := os.Getpagesize()
	src, srcW := testSource(t)
	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	// A full output pipe blocks splice in a way SIGUSR1 cannot interrupt.
	_, err := unix.FcntlInt(uintptr(outW), unix.F_SETPIPE_SZ, pageSize)
	require.NoError(t, err)
	writePage(t, outW, pageSize, 0xaa)
	writePage(t, srcW, pageSize, 0xbb)

	r := newTestReader(t, src, outR, outW, timeout)
	r.Start()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, r.Interrupt())
	err = r.Join()
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrForcedShutdown)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 10*timeout)
	assert.True(t, r.source.isRevoked())
	assert.True(t, r.pipeWrite.isRevoked())
	assert.False(t, r.source.isClosed(), "the stuck thread still owns the descriptor number")

	// Make room so the abandoned thread's system call returns and it exits quietly.
	readFull(t, outR, pageSize)
	waitDone(t, r)
	assert.ErrorIs(t, r.err, ErrForcedShutdown)
	assert.True(t, r.source.isClosed())
	assert.True(t, r.pipeWrite.isClosed())
	assert.True(t, r.wake.isClosed())
}

func TestReaderForcedDrainKeepsNumbersReserved(t *testing.T) {
	const timeout = 200 * time.Millisecond

	pageSize := os.Getpagesize()
	src, srcW := testSource(t)
	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	// The slop write of the drain blocks on the full output pipe.
	_, err := unix.FcntlInt(uintptr(outW), unix.F_SETPIPE_SZ, pageSize)
	require.NoError(t, err)
	writePage(t, outW, pageSize, 0xaa)
	_, err = unix.Write(srcW, bytes.Repeat([]byte{0xbb}, 100))
	require.NoError(t, err)

	r := newTestReader(t, src, outR, outW, timeout)
	drained := make(chan error, 1)
	go func() {
		drained <- r.drain()
	}()
	time.Sleep(100 * time.Millisecond)

	r.armWatchdog()
	require.ErrorIs(t, r.Join(), ErrForcedShutdown)

	dir := t.TempDir()
	a, err := os.Create(filepath.Join(dir, "a"))
	require.NoError(t, err)
	defer a.Close()
	b, err := os.Create(filepath.Join(dir, "b"))
	require.NoError(t, err)
	defer b.Close()
	for _, f := range []*os.File{a, b} {
		assert.NotEqual(t, src, int(f.Fd()))
		assert.NotEqual(t, outW, int(f.Fd()))
	}
	_, err = a.WriteString("unrelated")
	require.NoError(t, err)
	_, err = a.Seek(0, io.SeekStart)
	require.NoError(t, err)

	readFull(t, outR, pageSize)
	select {
	case err = <-drained:
		assert.ErrorIs(t, err, ErrForcedShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return")
	}
	r.finish()
	assert.True(t, r.source.isClosed())
	assert.True(t, r.pipeWrite.isClosed())

	got, err := os.ReadFile(a.Name())
	require.NoError(t, err)
	assert.Equal(t, "unrelated", string(got))
	got, err = os.ReadFile(b.Name())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReaderWakesWithoutSignal(t *testing.T) {
	src, _ := testSource(t)
	outR, outW := testPipe(t)
	closeAtCleanup(t, outR)

	r := newTestReader(t, src, outR, outW, 5*time.Second)
	r.Start()
	time.Sleep(50 * time.Millisecond)

	// Interrupt without SIGUSR1, as if the signal landed before poll was entered.
	r.active.Store(false)
	require.NoError(t, r.wake.with(func(fd int) error {
		_, err := unix.Write(fd, eventfdIncrement[:])
		return err
	}))
	waitDone(t, r)
	assert.NoError(t, r.err)
}

func TestFileDescriptorRevoke(t *testing.T) {
	r, w := testPipe(t)
	closeAtCleanup(t, r)

	d := newFileDescriptor(w)
	require.NoError(t, d.revoke())
	require.NoError(t, d.revoke())
	_, ok := d.get()
	assert.False(t, ok)
	assert.ErrorIs(t, d.with(func(int) error { return nil }), errDescriptorGone)

	// The number now refers to /dev/null: writes are discarded and the pipe sees no writer.
	n, err := unix.Write(w, []byte("lost"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = unix.Read(r, make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, d.Close())
	assert.True(t, d.isClosed())
}

func TestFileDescriptorClosesOnce(t *testing.T) {
	r, w := testPipe(t)
	closeAtCleanup(t, r)

	d := newFileDescriptor(w)
	fd, ok := d.get()
	assert.True(t, ok)
	assert.Equal(t, w, fd)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, ok = d.get()
	assert.False(t, ok)
	assert.True(t, d.isClosed())
}
