package ftrace

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errDescriptorGone is returned by fileDescriptor.with once the descriptor is closed or revoked.
var errDescriptorGone = errors.New("descriptor is closed")

// devNull is what revoked descriptors point at.
const devNull = "/dev/null"

// fileDescriptor guards a raw descriptor that two goroutines use:
// its owning reader and the reader's watchdog.
// The watchdog only revokes the descriptor, the number stays allocated
// until the owner closes it, so a system call still running on it
// can never reach a file opened later under the same number.
type fileDescriptor struct {
	mu      sync.Mutex
	fd      int
	closed  bool
	revoked bool
}

func newFileDescriptor(fd int) *fileDescriptor {
	return &fileDescriptor{fd: fd}
}

// get returns the descriptor unless it was closed or revoked.
func (d *fileDescriptor) get() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.revoked {
		return -1, false
	}
	return d.fd, true
}

// with calls fn while holding the guard, the descriptor cannot be closed meanwhile.
func (d *fileDescriptor) with(fn func(fd int) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.revoked {
		return errDescriptorGone
	}
	return fn(d.fd)
}

func (d *fileDescriptor) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}

func (d *fileDescriptor) isRevoked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.revoked
}

// revoke replaces the open file behind the descriptor with /dev/null.
// Reads then return end of file and writes are discarded.
func (d *fileDescriptor) revoke() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.revoked {
		return nil
	}
	null, err := unix.Open(devNull, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "failed to open "+devNull)
	}
	defer unix.Close(null)

	if err = unix.Dup3(null, d.fd, unix.O_CLOEXEC); err != nil {
		return errors.Wrapf(err, "failed to revoke descriptor %d", d.fd)
	}
	d.revoked = true
	return nil
}

// Close closes the descriptor once. Later calls do nothing.
func (d *fileDescriptor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}
