package fabric

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MRAccessFlag represents allowed operations on a registered memory region.
type MRAccessFlag uint64

const (
	// MRAccessLocal allows the region to be used as a local buffer.
	MRAccessLocal MRAccessFlag = 1 << iota
	// MRAccessRemoteRead allows remote peers to issue read operations.
	MRAccessRemoteRead
	// MRAccessRemoteWrite allows remote peers to issue write operations.
	MRAccessRemoteWrite
)

// MemoryRegion is a registered buffer addressable by peers through its key
// and virtual address range.
type MemoryRegion struct {
	domain *Domain
	buf    []byte
	addr   uint64
	key    uint32
	access MRAccessFlag
	closed atomic.Bool
}

// RegisterMemory registers buf with the domain. The region aliases buf.
func (d *Domain) RegisterMemory(buf []byte, access MRAccessFlag) (*MemoryRegion, error) {
	if d == nil || d.closed.Load() {
		return nil, ErrInvalidHandle{"domain"}
	}
	if len(buf) == 0 {
		return nil, errors.New("fabric: cannot register empty buffer")
	}
	f := d.fabric
	size := uint64(len(buf))
	span := (size + regionAlign - 1) / regionAlign * regionAlign
	mr := &MemoryRegion{
		domain: d,
		buf:    buf,
		addr:   f.addrSeq.Add(span+regionAlign) - span,
		key:    f.keySeq.Add(1),
		access: access,
	}
	f.mu.Lock()
	f.regions[mr.key] = mr
	f.mu.Unlock()
	return mr, nil
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Key returns the remote key for the region.
func (m *MemoryRegion) Key() uint32 {
	if m == nil {
		return 0
	}
	return m.key
}

// Address returns the virtual address of the first byte of the region.
func (m *MemoryRegion) Address() uint64 {
	if m == nil {
		return 0
	}
	return m.addr
}

// AddressOf returns the virtual address of buf[offset].
func (m *MemoryRegion) AddressOf(offset int) uint64 {
	return m.Address() + uint64(offset)
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() MRAccessFlag {
	if m == nil {
		return 0
	}
	return m.access
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// Close deregisters the memory region. Later remote accesses through its key
// fail.
func (m *MemoryRegion) Close() error {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	f := m.domain.fabric
	f.mu.Lock()
	if f.regions[m.key] == m {
		delete(f.regions, m.key)
	}
	f.mu.Unlock()
	return nil
}

// remoteSlice resolves a remote access by a peer on node nid. Regions are
// shared by every domain of the node that registered them.
func (f *Fabric) remoteSlice(nid uint32, key uint32, addr uint64, length int, need MRAccessFlag) ([]byte, error) {
	f.mu.RLock()
	mr := f.regions[key]
	f.mu.RUnlock()
	if mr == nil || mr.closed.Load() {
		return nil, fmt.Errorf("%w: unknown key %d", ErrRemoteAccess, key)
	}
	if mr.domain.addr.NID() != nid {
		return nil, fmt.Errorf("%w: key %d not registered on node %d", ErrRemoteAccess, key, nid)
	}
	if mr.access&need != need {
		return nil, fmt.Errorf("%w: key %d: %w", ErrRemoteAccess, key, ErrInsufficientAccess)
	}
	if addr < mr.addr || addr+uint64(length) > mr.addr+uint64(len(mr.buf)) {
		return nil, fmt.Errorf("%w: key %d: range %#x+%d out of bounds", ErrRemoteAccess, key, addr, length)
	}
	off := addr - mr.addr
	return mr.buf[off : off+uint64(length)], nil
}

// LookupRegion returns the region of this domain that key names, provided it
// covers [addr, addr+length).
func (d *Domain) LookupRegion(key uint32, addr uint64, length int) (*MemoryRegion, error) {
	if d == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	f := d.fabric
	f.mu.RLock()
	mr := f.regions[key]
	f.mu.RUnlock()
	if mr == nil || mr.closed.Load() || mr.domain != d {
		return nil, fmt.Errorf("%w: unknown key %d", ErrRemoteAccess, key)
	}
	if addr < mr.addr || addr+uint64(length) > mr.addr+uint64(len(mr.buf)) {
		return nil, fmt.Errorf("%w: key %d: range %#x+%d out of bounds", ErrRemoteAccess, key, addr, length)
	}
	return mr, nil
}
