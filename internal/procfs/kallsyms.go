package procfs

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// KallsymsPath is where the kernel exports its symbol table.
const KallsymsPath = "/proc/kallsyms"

// Kallsyms is the kernel text symbol table.
type Kallsyms struct {
	symbols []symbol
}

// ReadKallsymsFile reads the symbol table at path, usually KallsymsPath.
// Without privileges the kernel reports zero addresses,
// such symbols are skipped and lookups return "?".
func ReadKallsymsFile(path string) (*Kallsyms, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open kallsyms")
	}
	defer f.Close()

	return ReadKallsyms(f)
}

// ReadKallsyms parses lines of the form "ffffffff81000000 T _stext [module]"
// keeping text symbols.
func ReadKallsyms(r io.Reader) (*Kallsyms, error) {
	var symbols []symbol

	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		fields := strings.Fields(s.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, errors.Errorf("kallsyms line %d: expected address, type and name", line)
		}

		switch fields[1] {
		case "t", "T", "w", "W":
		default:
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "kallsyms line %d", line)
		}
		if addr == 0 {
			continue
		}
		symbols = append(symbols, symbol{addr: addr, name: fields[2]})
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read kallsyms")
	}

	sortSymbols(symbols)
	return &Kallsyms{symbols: symbols}, nil
}

// Len returns the number of text symbols.
func (k *Kallsyms) Len() int {
	return len(k.symbols)
}

// Addr2FuncName returns the kernel function covering addr, or "?".
func (k *Kallsyms) Addr2FuncName(addr uint64) string {
	return lookup(k.symbols, addr)
}
