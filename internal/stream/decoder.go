package stream

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("truncated frame")
	// ErrFrameTooLarge is returned for a header announcing more than MaxFrameSize bytes.
	ErrFrameTooLarge = errors.New("frame exceeds the maximum size")
)

// Record is a decoded frame. Metadata records are reassembled from their chunks.
type Record struct {
	CPU  uint32
	Kind Kind
	Data []byte
}

// Decoder reads records from a framed stream.
type Decoder struct {
	r       *bufio.Reader
	header  [HeaderSize]byte
	partial []byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next record or io.EOF at the end of the stream.
func (d *Decoder) Next() (Record, error) {
	for {
		if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
			if err == io.EOF && d.partial == nil {
				return Record{}, io.EOF
			}
			return Record{}, errors.Wrap(ErrTruncated, "header")
		}

		cpu, length := parseHeader(d.header[:])
		if length > MaxFrameSize-HeaderSize {
			return Record{}, errors.Wrapf(ErrFrameTooLarge, "payload of %d bytes", length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Record{}, errors.Wrapf(ErrTruncated, "payload of %d bytes", length)
		}
		if cpu != MetadataCPU {
			return Record{CPU: cpu, Data: payload}, nil
		}

		if length == 0 {
			return Record{}, errors.New("metadata frame without kind")
		}
		kind := Kind(payload[0])
		d.partial = append(d.partial, payload[1:]...)
		if kind&FlagContinued != 0 {
			continue
		}

		data := d.partial
		d.partial = nil
		if data == nil {
			data = []byte{}
		}
		return Record{CPU: cpu, Kind: kind, Data: data}, nil
	}
}
