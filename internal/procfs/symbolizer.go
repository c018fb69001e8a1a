// Package procfs resolves addresses found in trace data into function names
// using /proc/kallsyms for the kernel and ELF symbol tables for user space.
package procfs

import (
	"debug/elf"
	"sort"

	"github.com/pkg/errors"
)

// notFound is returned by lookups when no symbol covers an address.
const notFound = "?"

// symbol is a function start address and its name.
type symbol struct {
	addr uint64
	name string
}

// sortSymbols orders symbols by address so they can be binary searched.
func sortSymbols(symbols []symbol) {
	sort.SliceStable(symbols, func(i, j int) bool {
		return symbols[i].addr < symbols[j].addr
	})
}

// lookup binary searches the function name covering addr in the sorted symbols.
func lookup(symbols []symbol, addr uint64) string {
	if addr == 0 {
		return notFound
	}

	i := sort.Search(len(symbols), func(i int) bool {
		return symbols[i].addr >= addr
	})
	if i < len(symbols) && symbols[i].addr == addr {
		return symbols[i].name
	}

	// Since addr wasn't found in the symbols array,
	// now i points to a symbol whose address > addr, i.e., 0x40115a.
	//
	// 0x401120 frame_dummy
	// 0x401126 fibNaive
	// 0x40112c ?
	// 0x40115a main
	//
	// Therefore the desired symbol's address is 0x401126.
	if i >= 1 && symbols[i-1].addr > 0 {
		return symbols[i-1].name
	}

	return notFound
}

// Symbolizer resolves addresses within one mapped segment of an ELF file.
type Symbolizer struct {
	// symbols are sorted symbols found in .symtab section.
	symbols []symbol
	// segmentOffset is a segment offset within ELF file, e.g., 0x1000.
	segmentOffset uint64
	// memoryStart is a virtual address where segment was mapped, e.g., 0x401000.
	memoryStart uint64
	// isPIE indicates whether the program is a position independent executable
	// whose segments are mapped at randomized addresses.
	isPIE bool
}

// NewSymbolizer creates a symbolizer for ELF file f.
// The caller must provide the file offset of mapped segment (e.g., 0x1000),
// and the virtual address where segment was mapped, e.g., 0x401000.
// Both are found in /proc/<pid>/maps, see ReadMaps.
func NewSymbolizer(f *elf.File, fileOffset, memoryStart uint64) (*Symbolizer, error) {
	elfSymbols, err := f.Symbols()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get symbols")
	}
	symbols := make([]symbol, 0, len(elfSymbols))
	for _, s := range elfSymbols {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		symbols = append(symbols, symbol{addr: s.Value, name: s.Name})
	}
	sortSymbols(symbols)

	var segment elf.ProgHeader
	for i := range f.Progs {
		if f.Progs[i].Type == elf.PT_LOAD && f.Progs[i].Off == fileOffset {
			segment = f.Progs[i].ProgHeader
			break
		}
	}
	if segment.Type != elf.PT_LOAD {
		return nil, errors.Errorf("loadable segment not found at offset %x", fileOffset)
	}

	// In case of PIE, virtual address and file offset are equal
	// when looking at the ELF file,
	// but vm_start shown in /proc/$PID/maps will be a random high address,
	// e.g., 94862440955904.
	//
	// Type           Offset   VirtAddr           PhysAddr           FileSiz  MemSiz   Flg Align
	// LOAD           0x001000 0x0000000000001000 0x0000000000001000 0x0001ed 0x0001ed R E 0x1000
	s := Symbolizer{
		symbols:       symbols,
		segmentOffset: segment.Off,
		memoryStart:   memoryStart,
		isPIE:         segment.Vaddr == segment.Off,
	}
	return &s, nil
}

// Addr2FuncName binary searches a function name in the symbol table
// by the memory address of a machine instruction.
//
// The address can't be zero or less than memoryStart by definition.
// The function returns "?" if the symbol wasn't found.
func (s *Symbolizer) Addr2FuncName(addr uint64) string {
	if addr == 0 {
		return notFound
	}

	if s.isPIE {
		if addr < s.memoryStart {
			return notFound
		}
		// Distance between the address and
		// beginning of the loaded segment (vm_start memory address).
		segmentDistance := addr - s.memoryStart
		// Address adjusted to .symtab address range.
		addr = s.segmentOffset + segmentDistance
	}

	return lookup(s.symbols, addr)
}
