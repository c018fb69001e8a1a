package procfs

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/pprof/profile"
	"github.com/pkg/errors"
)

// ErrNoMapping is returned when an address is not in any file mapping of a process.
var ErrNoMapping = errors.New("address is not in a file mapping")

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]*profile.Mapping, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open memory map file")
	}
	defer f.Close()

	return ParseMaps(f)
}

// ParseMaps returns the executable mappings backed by files.
// Anonymous and pseudo mappings such as [vdso] are left out.
func ParseMaps(r io.Reader) ([]*profile.Mapping, error) {
	mm, err := profile.ParseProcMaps(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse memory map file")
	}

	files := mm[:0]
	for _, m := range mm {
		if m.File == "" || strings.HasPrefix(m.File, "[") {
			continue
		}
		files = append(files, m)
	}
	return files, nil
}

// FindMapping returns the mapping containing addr.
func FindMapping(mm []*profile.Mapping, addr uint64) (*profile.Mapping, error) {
	for _, m := range mm {
		if addr >= m.Start && addr < m.Limit {
			return m, nil
		}
	}
	return nil, errors.Wrapf(ErrNoMapping, "0x%x", addr)
}

// SymbolizeUser resolves a user space address of the process pid.
// The mapped file is opened through /proc/<pid>/root so that processes
// in other mount namespaces resolve against their own files.
func SymbolizeUser(pid int, addr uint64) (string, error) {
	mm, err := ReadMaps(pid)
	if err != nil {
		return "", err
	}
	m, err := FindMapping(mm, addr)
	if err != nil {
		return "", err
	}

	f, err := elf.Open(fmt.Sprintf("/proc/%d/root%s", pid, m.File))
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", m.File)
	}
	defer f.Close()

	s, err := NewSymbolizer(f, m.Offset, m.Start)
	if err != nil {
		return "", errors.Wrap(err, m.File)
	}
	return s.Addr2FuncName(addr), nil
}
