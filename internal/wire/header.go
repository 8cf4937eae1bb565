// Package wire encodes and decodes the packets exchanged by the RDMA transport.
//
// Every packet starts with a 20 byte transport header followed by a 24 byte
// base header. Requests carry an additional 40 byte request header. All
// multi-byte fields are big-endian. The first four bytes pack the bit fields:
//
//	byte 0: version(4) | operation(4)
//	byte 1: atomic op(5) | ack request(3)
//	byte 2: atomic type(4) | ni type(2) | data in(1) | data out(1)
//	byte 3: packet format(2) | ni fail(4) | reserved(2)
//
// followed by destination node-or-rank, source node-or-rank, destination
// process id and source process id (uint32 each).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only protocol version this package speaks.
const Version = 1

const (
	// TransportHeaderSize is the size of the bit field and addressing header.
	TransportHeaderSize = 20
	// BaseHeaderSize is the size of length, offset and handle.
	BaseHeaderSize = 24
	// RequestHeaderSize is the size of the request-only fields.
	RequestHeaderSize = 40

	// ResponseSize is the encoded size of an ack or reply header.
	ResponseSize = TransportHeaderSize + BaseHeaderSize
	// RequestSize is the encoded size of a request header.
	RequestSize = ResponseSize + RequestHeaderSize
)

var (
	// ErrShortHeader indicates the buffer cannot hold the header.
	ErrShortHeader = errors.New("wire: header too short")
	// ErrVersion indicates a protocol version mismatch.
	ErrVersion = errors.New("wire: unsupported version")
	// ErrPacketFormat indicates a packet produced by another transport.
	ErrPacketFormat = errors.New("wire: unexpected packet format")
	// ErrOperation indicates an unknown operation code.
	ErrOperation = errors.New("wire: unknown operation")
)

// Op is the operation code.
type Op uint8

// Outbound (request) and inbound (response) operation codes.
const (
	OpPut Op = iota + 1
	OpGet
	OpAtomic
	OpFetch
	OpSwap
	OpData
	OpReply
	OpAck
	OpCTAck
	OpOCAck
)

var opNames = [...]string{
	OpPut:    "put",
	OpGet:    "get",
	OpAtomic: "atomic",
	OpFetch:  "fetch",
	OpSwap:   "swap",
	OpData:   "data",
	OpReply:  "reply",
	OpAck:    "ack",
	OpCTAck:  "ct_ack",
	OpOCAck:  "oc_ack",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsRequest reports whether the operation travels initiator to target.
func (o Op) IsRequest() bool { return o >= OpPut && o <= OpSwap }

// Valid reports whether o is a known operation code.
func (o Op) Valid() bool { return o >= OpPut && o <= OpOCAck }

// AckReq is the acknowledgement requested by the initiator.
type AckReq uint8

const (
	AckReqNone AckReq = iota
	AckReqAck
	AckReqCT
	AckReqOC
)

// PktFmt identifies the transport that produced a packet.
type PktFmt uint8

const (
	PktFmtRDMA PktFmt = iota
	PktFmtShmem
	PktFmtUDP
)

// Header is the decoded form of a packet header. The request fields are only
// meaningful when Op.IsRequest().
type Header struct {
	Op       Op
	AtomOp   uint8
	AtomType uint8
	AckReq   AckReq
	NIType   uint8
	PktFmt   PktFmt
	// DataIn marks a descriptor telling the target where initiator-bound data goes.
	DataIn bool
	// DataOut marks a descriptor carrying or locating data leaving the initiator.
	DataOut bool
	NIFail  uint8

	DstNID uint32
	SrcNID uint32
	DstPID uint32
	SrcPID uint32

	Length uint64
	Offset uint64
	Handle uint64

	MatchBits uint64
	HdrData   uint64
	Operand   uint64
	PTIndex   uint32
	JobID     uint32
	UID       uint32
}

// Size returns the encoded size of the header.
func (h *Header) Size() int {
	if h.Op.IsRequest() {
		return RequestSize
	}
	return ResponseSize
}

// Encode writes the header into b and returns the number of bytes written.
func (h *Header) Encode(b []byte) (int, error) {
	n := h.Size()
	if len(b) < n {
		return 0, ErrShortHeader
	}
	if !h.Op.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrOperation, h.Op)
	}
	b[0] = Version<<4 | byte(h.Op)&0x0f
	b[1] = (h.AtomOp&0x1f)<<3 | byte(h.AckReq)&0x07
	b[2] = (h.AtomType&0x0f)<<4 | (h.NIType&0x03)<<2 | bit(h.DataIn)<<1 | bit(h.DataOut)
	b[3] = (byte(h.PktFmt)&0x03)<<6 | (h.NIFail&0x0f)<<2
	be := binary.BigEndian
	be.PutUint32(b[4:], h.DstNID)
	be.PutUint32(b[8:], h.SrcNID)
	be.PutUint32(b[12:], h.DstPID)
	be.PutUint32(b[16:], h.SrcPID)
	be.PutUint64(b[20:], h.Length)
	be.PutUint64(b[28:], h.Offset)
	be.PutUint64(b[36:], h.Handle)
	if h.Op.IsRequest() {
		r := b[ResponseSize:]
		be.PutUint64(r[0:], h.MatchBits)
		be.PutUint64(r[8:], h.HdrData)
		be.PutUint64(r[16:], h.Operand)
		be.PutUint32(r[24:], h.PTIndex)
		be.PutUint32(r[28:], h.JobID)
		be.PutUint32(r[32:], h.UID)
		be.PutUint32(r[36:], 0)
	}
	return n, nil
}

// DecodeHeader parses a header from b, returning it and its encoded size.
func DecodeHeader(b []byte) (Header, int, error) {
	var h Header
	if len(b) < ResponseSize {
		return h, 0, ErrShortHeader
	}
	if v := b[0] >> 4; v != Version {
		return h, 0, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	h.Op = Op(b[0] & 0x0f)
	if !h.Op.Valid() {
		return h, 0, fmt.Errorf("%w: %d", ErrOperation, h.Op)
	}
	h.AtomOp = b[1] >> 3
	h.AckReq = AckReq(b[1] & 0x07)
	h.AtomType = b[2] >> 4
	h.NIType = (b[2] >> 2) & 0x03
	h.DataIn = b[2]&0x02 != 0
	h.DataOut = b[2]&0x01 != 0
	h.PktFmt = PktFmt(b[3] >> 6)
	h.NIFail = (b[3] >> 2) & 0x0f
	be := binary.BigEndian
	h.DstNID = be.Uint32(b[4:])
	h.SrcNID = be.Uint32(b[8:])
	h.DstPID = be.Uint32(b[12:])
	h.SrcPID = be.Uint32(b[16:])
	h.Length = be.Uint64(b[20:])
	h.Offset = be.Uint64(b[28:])
	h.Handle = be.Uint64(b[36:])
	if !h.Op.IsRequest() {
		return h, ResponseSize, nil
	}
	if len(b) < RequestSize {
		return h, 0, ErrShortHeader
	}
	r := b[ResponseSize:]
	h.MatchBits = be.Uint64(r[0:])
	h.HdrData = be.Uint64(r[8:])
	h.Operand = be.Uint64(r[16:])
	h.PTIndex = be.Uint32(r[24:])
	h.JobID = be.Uint32(r[28:])
	h.UID = be.Uint32(r[32:])
	return h, RequestSize, nil
}

func bit(v bool) byte {
	if v {
		return 1
	}
	return 0
}
