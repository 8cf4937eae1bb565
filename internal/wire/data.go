package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DataFmt selects the encoding of a trailing data descriptor.
type DataFmt uint8

const (
	DataFmtNone DataFmt = iota
	// DataFmtImmediate carries the payload inline. A zero-length immediate
	// descriptor in the DataIn position asks the target to reply inline.
	DataFmtImmediate
	// DataFmtDirect lists the remote segments.
	DataFmtDirect
	// DataFmtIndirect points to an out-of-band segment list.
	DataFmtIndirect
)

func (f DataFmt) String() string {
	switch f {
	case DataFmtNone:
		return "none"
	case DataFmtImmediate:
		return "immediate"
	case DataFmtDirect:
		return "direct"
	case DataFmtIndirect:
		return "indirect"
	default:
		return fmt.Sprintf("data_fmt(%d)", uint8(f))
	}
}

const (
	// DataHeaderSize is the descriptor preamble: format byte, padding, count.
	DataHeaderSize = 8
	// SGESize is the encoded size of one segment.
	SGESize = 16
)

var (
	// ErrShortData indicates a truncated data descriptor.
	ErrShortData = errors.New("wire: data descriptor too short")
	// ErrDataFormat indicates an unknown descriptor format.
	ErrDataFormat = errors.New("wire: unknown data format")
)

// SGE describes one registered remote segment.
type SGE struct {
	Addr   uint64
	Length uint32
	Key    uint32
}

// Data is a decoded data descriptor.
//
// For DataFmtIndirect, SGEs holds exactly one segment locating the list and
// Count holds the number of segments in that list.
type Data struct {
	Fmt       DataFmt
	Immediate []byte
	SGEs      []SGE
	Count     uint32
}

// Size returns the encoded size of d.
func (d *Data) Size() int {
	switch d.Fmt {
	case DataFmtImmediate:
		return DataHeaderSize + len(d.Immediate)
	case DataFmtDirect:
		return DataHeaderSize + len(d.SGEs)*SGESize
	case DataFmtIndirect:
		return DataHeaderSize + SGESize
	default:
		return 0
	}
}

// Length returns the number of payload bytes the descriptor covers.
func (d *Data) Length() uint64 {
	switch d.Fmt {
	case DataFmtImmediate:
		return uint64(len(d.Immediate))
	case DataFmtDirect:
		var n uint64
		for _, s := range d.SGEs {
			n += uint64(s.Length)
		}
		return n
	default:
		return 0
	}
}

// Encode writes the descriptor into b.
func (d *Data) Encode(b []byte) (int, error) {
	n := d.Size()
	if len(b) < n {
		return 0, ErrShortData
	}
	be := binary.BigEndian
	b[0] = byte(d.Fmt)
	b[1], b[2], b[3] = 0, 0, 0
	switch d.Fmt {
	case DataFmtImmediate:
		be.PutUint32(b[4:], uint32(len(d.Immediate)))
		copy(b[DataHeaderSize:], d.Immediate)
	case DataFmtDirect:
		be.PutUint32(b[4:], uint32(len(d.SGEs)))
		PutSGEs(b[DataHeaderSize:], d.SGEs)
	case DataFmtIndirect:
		if len(d.SGEs) != 1 {
			return 0, fmt.Errorf("wire: indirect descriptor needs one segment, have %d", len(d.SGEs))
		}
		be.PutUint32(b[4:], d.Count)
		PutSGEs(b[DataHeaderSize:], d.SGEs)
	default:
		return 0, fmt.Errorf("%w: %d", ErrDataFormat, d.Fmt)
	}
	return n, nil
}

// DecodeData parses a descriptor. Immediate payloads alias b.
func DecodeData(b []byte) (Data, int, error) {
	var d Data
	if len(b) < DataHeaderSize {
		return d, 0, ErrShortData
	}
	d.Fmt = DataFmt(b[0])
	count := binary.BigEndian.Uint32(b[4:])
	body := b[DataHeaderSize:]
	switch d.Fmt {
	case DataFmtImmediate:
		if uint64(len(body)) < uint64(count) {
			return d, 0, ErrShortData
		}
		d.Immediate = body[:count]
		return d, DataHeaderSize + int(count), nil
	case DataFmtDirect:
		sges, err := SGEs(body, int(count))
		if err != nil {
			return d, 0, err
		}
		d.SGEs = sges
		return d, DataHeaderSize + int(count)*SGESize, nil
	case DataFmtIndirect:
		sges, err := SGEs(body, 1)
		if err != nil {
			return d, 0, err
		}
		d.SGEs = sges
		d.Count = count
		return d, DataHeaderSize + SGESize, nil
	default:
		return d, 0, fmt.Errorf("%w: %d", ErrDataFormat, d.Fmt)
	}
}

// PutSGEs encodes segments back to back. b must hold len(sges)*SGESize bytes.
func PutSGEs(b []byte, sges []SGE) {
	be := binary.BigEndian
	for i, s := range sges {
		o := b[i*SGESize:]
		be.PutUint64(o[0:], s.Addr)
		be.PutUint32(o[8:], s.Length)
		be.PutUint32(o[12:], s.Key)
	}
}

// SGEs decodes count segments from b.
func SGEs(b []byte, count int) ([]SGE, error) {
	if count < 0 || len(b) < count*SGESize {
		return nil, ErrShortData
	}
	be := binary.BigEndian
	out := make([]SGE, count)
	for i := range out {
		o := b[i*SGESize:]
		out[i] = SGE{
			Addr:   be.Uint64(o[0:]),
			Length: be.Uint32(o[8:]),
			Key:    be.Uint32(o[12:]),
		}
	}
	return out, nil
}
