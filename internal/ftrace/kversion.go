package ftrace

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// KernelVersion packs a Linux release the way the kernel's KERNEL_VERSION macro does.
type KernelVersion uint32

// NewKernelVersion returns the packed version of major.minor.patch.
// The patch level saturates at 255.
func NewKernelVersion(major, minor, patch int) KernelVersion {
	if patch > 255 {
		patch = 255
	}
	return KernelVersion(major<<16 + minor<<8 + patch)
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v>>16, (v>>8)&0xff, v&0xff)
}

// ParseKernelVersion parses the leading numeric components of a release string,
// e.g., "5.15.0-91-generic" is 5.15.0. Parsing stops at the first character that is
// neither a digit nor a dot, and at most three components are taken.
func ParseKernelVersion(release string) KernelVersion {
	var (
		parts [3]int
		i     int
	)
	for _, c := range release {
		switch {
		case c >= '0' && c <= '9':
			parts[i] = parts[i]*10 + int(c-'0')
		case c == '.':
			i++
			if i == len(parts) {
				return NewKernelVersion(parts[0], parts[1], parts[2])
			}
		default:
			return NewKernelVersion(parts[0], parts[1], parts[2])
		}
	}
	return NewKernelVersion(parts[0], parts[1], parts[2])
}

// unameRelease returns the release of the running kernel.
func unameRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", errors.Wrap(err, "uname")
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}
