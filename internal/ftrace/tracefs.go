package ftrace

import (
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Tracefs file names relative to the tracing directory.
const (
	pathTracingOn    = "tracing_on"
	pathTrace        = "trace"
	pathTraceClock   = "trace_clock"
	pathTracePipe    = "trace_pipe"
	pathEvents       = "events"
	pathEventsEnable = "events/enable"
	pathEventsFtrace = "events/ftrace"
	pathHeaderPage   = "events/header_page"
	pathHeaderEvent  = "events/header_event"
	perCPURawPipeFmt = "per_cpu/cpu%d/trace_pipe_raw"
)

var (
	// ErrBadFileName is returned for names escaping the tracing directory.
	ErrBadFileName = errors.New("bad tracefs file name")
	// ErrTracefsNotFound is returned by FindTracefs when no tracing directory is mounted.
	ErrTracefsNotFound = errors.New("tracefs is not mounted")
	// ErrInvalidValue is returned when an integer control file holds garbage.
	ErrInvalidValue = errors.New("invalid value in tracefs file")
)

// tracefsCandidates are checked in order by FindTracefs.
var tracefsCandidates = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// FileProvider reads and writes the tracing control files.
// Names are relative to the tracing directory.
// NewLocalFileProvider accesses the local tracefs;
// tests wrap it to observe or replace accesses.
type FileProvider interface {
	// Root returns the tracing directory.
	Root() string
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	// Truncate opens the file with O_TRUNC, which clears a trace buffer.
	Truncate(name string) error
	// Access checks the file with access(2) mode bits, e.g., unix.W_OK.
	Access(name string, mode uint32) error
	// OpenRaw opens the file read-only and returns the raw descriptor.
	// The caller owns the descriptor.
	OpenRaw(name string) (int, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

type localFileProvider struct {
	root string
}

// NewLocalFileProvider returns a FileProvider for the tracing directory root.
func NewLocalFileProvider(root string) FileProvider {
	return &localFileProvider{root: root}
}

func (fp *localFileProvider) Root() string {
	return fp.root
}

func (fp *localFileProvider) path(name string) (string, error) {
	if !SafeTracefsPath(name) {
		return "", errors.Wrapf(ErrBadFileName, "%q", name)
	}
	return filepath.Join(fp.root, name), nil
}

func (fp *localFileProvider) ReadFile(name string) ([]byte, error) {
	p, err := fp.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (fp *localFileProvider) WriteFile(name string, data []byte) error {
	p, err := fp.path(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (fp *localFileProvider) Truncate(name string) error {
	p, err := fp.path(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

func (fp *localFileProvider) Access(name string, mode uint32) error {
	p, err := fp.path(name)
	if err != nil {
		return err
	}
	return unix.Access(p, mode)
}

func (fp *localFileProvider) OpenRaw(name string) (int, error) {
	p, err := fp.path(name)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Open(p, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: p, Err: err}
	}
	return fd, nil
}

func (fp *localFileProvider) ReadDir(name string) ([]os.DirEntry, error) {
	p, err := fp.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(p)
}

// SafeTracefsPath reports whether name stays inside the tracing directory.
func SafeTracefsPath(name string) bool {
	if path.IsAbs(name) {
		return false
	}
	for _, d := range strings.Split(name, "/") {
		if d == ".." {
			return false
		}
	}
	return true
}

// FindTracefs returns the first mounted tracing directory.
// A debugfs mount only qualifies through its "tracing" subdirectory.
func FindTracefs() (string, error) {
	for _, root := range tracefsCandidates {
		var fs unix.Statfs_t
		if err := unix.Statfs(root, &fs); err != nil {
			continue
		}
		if fs.Type == unix.TRACEFS_MAGIC {
			return root, nil
		}
		if fs.Type == unix.DEBUGFS_MAGIC && filepath.Base(root) == "tracing" {
			return root, nil
		}
	}
	return "", ErrTracefsNotFound
}

// readInt parses a control file holding one integer terminated by a newline.
func readInt(fp FileProvider, name string) (int, error) {
	data, err := fp.ReadFile(name)
	if err != nil {
		return 0, err
	}
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		return 0, errors.Wrapf(ErrInvalidValue, "%s: %q", name, s)
	}
	v, err := strconv.Atoi(strings.TrimSuffix(s, "\n"))
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidValue, "%s: %q", name, s)
	}
	return v, nil
}

func writeInt(fp FileProvider, name string, v int) error {
	return fp.WriteFile(name, []byte(strconv.Itoa(v)))
}

func writeString(fp FileProvider, name, s string) error {
	return fp.WriteFile(name, []byte(s))
}
