package wire

import "encoding/binary"

// ConnParamsSize is the size of the private data carried by a connect request.
const ConnParamsSize = 16

// ConnParams identifies the requesting process during connection setup.
type ConnParams struct {
	Version uint8
	NIType  uint8
	// Shared marks an XRC-style request for a node's main connection.
	Shared bool
	NID    uint32
	PID    uint32
	Rank   uint32
}

// Encode returns the private data form of p.
func (p ConnParams) Encode() []byte {
	b := make([]byte, ConnParamsSize)
	b[0] = Version
	b[1] = p.NIType
	b[2] = bit(p.Shared)
	be := binary.BigEndian
	be.PutUint32(b[4:], p.NID)
	be.PutUint32(b[8:], p.PID)
	be.PutUint32(b[12:], p.Rank)
	return b
}

// DecodeConnParams parses connection private data.
func DecodeConnParams(b []byte) (ConnParams, error) {
	var p ConnParams
	if len(b) < ConnParamsSize {
		return p, ErrShortHeader
	}
	if b[0] != Version {
		return p, ErrVersion
	}
	be := binary.BigEndian
	p.Version = b[0]
	p.NIType = b[1]
	p.Shared = b[2] != 0
	p.NID = be.Uint32(b[4:])
	p.PID = be.Uint32(b[8:])
	p.Rank = be.Uint32(b[12:])
	return p, nil
}
