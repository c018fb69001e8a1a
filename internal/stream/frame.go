/*
Package stream moves captured trace data from the engine's pipes to an output writer.

The Pump reads the pipes and frames what it reads into a fifo.Fifo,
the Sender drains the fifo into an io.Writer. Every frame starts with
an 8 byte little endian header: the CPU number and the payload length.

Frames tagged MetadataCPU carry the trace layout and symbol information:
the first payload byte is the record kind, with FlagContinued set when the
record continues in the next metadata frame. Frames tagged AggregateCPU carry
the text trace read from trace_pipe.
*/
package stream

import (
	"encoding/binary"
)

const (
	// HeaderSize is the size of a frame header.
	HeaderSize = 8
	// MetadataCPU tags frames carrying metadata records.
	MetadataCPU = 0xffffffff
	// AggregateCPU tags frames read from the text trace_pipe.
	AggregateCPU = 0xfffffffe
	// MaxFrameSize bounds a frame including its header.
	MaxFrameSize = 16 << 20
)

// Kind identifies a metadata record.
type Kind byte

const (
	KindHeaderPage Kind = iota + 1
	KindHeaderEvent
	KindFormat
	KindKallsyms
	KindMaps
	KindSession

	// FlagContinued is set on the kind byte of every chunk of a record but the last.
	FlagContinued Kind = 0x80
)

func (k Kind) String() string {
	switch k &^ FlagContinued {
	case KindHeaderPage:
		return "header_page"
	case KindHeaderEvent:
		return "header_event"
	case KindFormat:
		return "format"
	case KindKallsyms:
		return "kallsyms"
	case KindMaps:
		return "maps"
	case KindSession:
		return "session"
	}
	return "unknown"
}

func putHeader(b []byte, cpu uint32, length int) {
	binary.LittleEndian.PutUint32(b[0:4], cpu)
	binary.LittleEndian.PutUint32(b[4:8], uint32(length))
}

func parseHeader(b []byte) (cpu uint32, length int) {
	return binary.LittleEndian.Uint32(b[0:4]), int(binary.LittleEndian.Uint32(b[4:8]))
}
