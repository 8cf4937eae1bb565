package ptl

import (
	"fmt"
	"math"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

// MDOptions controls the events an initiator posts for a memory descriptor.
type MDOptions uint16

const (
	// MDEventSuccessDisable suppresses events for successful operations.
	MDEventSuccessDisable MDOptions = 1 << iota
	MDEventSendDisable
	// MDEventCTSend counts send events on the MD's CT.
	MDEventCTSend
	MDEventCTAck
	MDEventCTReply
	// MDEventCTBytes counts bytes instead of events.
	MDEventCTBytes
)

// MDSpec describes the memory an MD binds. Exactly one of Start and IOV is set.
type MDSpec struct {
	Start   []byte
	IOV     [][]byte
	Options MDOptions
	EQ      *EQ
	CT      *CT
}

type mdSegment struct {
	buf []byte
	mr  *fabric.MemoryRegion
}

// MD is a memory descriptor: local memory registered for data movement.
type MD struct {
	pool.Object

	ni      *NI
	segs    []mdSegment
	length  uint64
	options MDOptions
	eq      *EQ
	ct      *CT
}

func cleanupMD(md *MD) {
	for _, s := range md.segs {
		_ = s.mr.Close()
	}
	if md.eq != nil {
		md.eq.Put()
	}
	if md.ct != nil {
		md.ct.Put()
	}
	md.segs = nil
	md.length = 0
	md.options = 0
	md.eq = nil
	md.ct = nil
}

// MDBind registers the memory of spec with the fabric.
func (ni *NI) MDBind(spec MDSpec) (*MD, error) {
	if ni.isClosed() {
		return nil, ErrClosed
	}
	iov := spec.IOV
	if iov == nil {
		iov = [][]byte{spec.Start}
	} else if spec.Start != nil {
		return nil, fmt.Errorf("%w: both start and iovec given", ErrArgInvalid)
	}
	if len(iov) > ni.cfg.Limits.MaxIOVecs {
		return nil, fmt.Errorf("%w: %d iovecs exceeds %d", ErrArgInvalid, len(iov), ni.cfg.Limits.MaxIOVecs)
	}
	if spec.EQ != nil && !ni.holdEQ(spec.EQ) {
		return nil, fmt.Errorf("%w: event queue not allocated on this interface", ErrArgInvalid)
	}
	if spec.CT != nil && !ni.holdCT(spec.CT) {
		if spec.EQ != nil {
			spec.EQ.Put()
		}
		return nil, fmt.Errorf("%w: counter not allocated on this interface", ErrArgInvalid)
	}

	md, err := ni.mds.Alloc()
	if err != nil {
		if spec.EQ != nil {
			spec.EQ.Put()
		}
		if spec.CT != nil {
			spec.CT.Put()
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	md.eq = spec.EQ
	md.ct = spec.CT
	md.ni = ni
	md.options = spec.Options
	access := fabric.MRAccessLocal | fabric.MRAccessRemoteRead | fabric.MRAccessRemoteWrite
	for _, buf := range iov {
		if len(buf) == 0 {
			continue
		}
		mr, err := ni.domain.RegisterMemory(buf, access)
		if err != nil {
			md.Put()
			return nil, fmt.Errorf("ptl: register md: %w", err)
		}
		md.segs = append(md.segs, mdSegment{buf: buf, mr: mr})
		md.length += uint64(len(buf))
	}
	return md, nil
}

// MDRelease drops the binding. ErrInUse reports an MD still referenced by an
// operation in flight.
func (ni *NI) MDRelease(md *MD) error {
	if md == nil || md.ni != ni || !md.Live() {
		return ErrArgInvalid
	}
	if !md.PutLast() {
		return ErrInUse
	}
	return nil
}

// Length returns the number of bytes the MD covers.
func (md *MD) Length() uint64 { return md.length }

// walk calls fn for every piece of [offset, offset+length) in segment order.
func (md *MD) walk(offset, length uint64, fn func(seg mdSegment, off uint64, n uint64)) {
	for _, s := range md.segs {
		if length == 0 {
			return
		}
		size := uint64(len(s.buf))
		if offset >= size {
			offset -= size
			continue
		}
		n := min(size-offset, length)
		fn(s, offset, n)
		length -= n
		offset = 0
	}
}

// sges describes [offset, offset+length) as remote segments.
func (md *MD) sges(offset, length uint64) []wire.SGE {
	var out []wire.SGE
	md.walk(offset, length, func(s mdSegment, off, n uint64) {
		for n > 0 {
			chunk := min(n, math.MaxUint32)
			out = append(out, wire.SGE{Addr: s.mr.AddressOf(int(off)), Length: uint32(chunk), Key: s.mr.Key()})
			off += chunk
			n -= chunk
		}
	})
	return out
}

// copyOut gathers [offset, offset+length) into dst, returning the bytes copied.
func (md *MD) copyOut(dst []byte, offset uint64) int {
	copied := 0
	md.walk(offset, uint64(len(dst)), func(s mdSegment, off, n uint64) {
		copied += copy(dst[copied:], s.buf[off:off+n])
	})
	return copied
}

// copyIn scatters src to the MD starting at offset.
func (md *MD) copyIn(offset uint64, src []byte) int {
	copied := 0
	md.walk(offset, uint64(len(src)), func(s mdSegment, off, n uint64) {
		copied += copy(s.buf[off:off+n], src[copied:])
	})
	return copied
}
