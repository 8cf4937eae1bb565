package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MRPool hands out fixed size registered regions used to stage data a peer
// fetches by key, such as out-of-band segment lists. Idle regions are kept
// for reuse up to the pool's capacity.
type MRPool struct {
	domain *Domain
	size   int
	access MRAccessFlag

	mu     sync.Mutex
	idle   []*MemoryRegion
	keep   int
	inUse  atomic.Int64
	closed atomic.Bool
}

// NewMRPool creates a staging pool on domain. keep bounds the number of idle
// regions retained; a negative value retains none.
func NewMRPool(domain *Domain, size int, access MRAccessFlag, keep int) (*MRPool, error) {
	if domain == nil || domain.closed.Load() {
		return nil, ErrInvalidHandle{"domain"}
	}
	if size <= 0 {
		return nil, fmt.Errorf("fabric: staging region size %d", size)
	}
	return &MRPool{domain: domain, size: size, access: access, keep: max(keep, 0)}, nil
}

// Size returns the capacity of each staging region.
func (p *MRPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

// InUse reports regions staged and not yet released.
func (p *MRPool) InUse() int {
	if p == nil {
		return 0
	}
	return int(p.inUse.Load())
}

// Stage takes a region, lets fill write the first n bytes and returns it.
// The caller hands the region back with Release once the peer is done.
func (p *MRPool) Stage(n int, fill func([]byte)) (*MemoryRegion, error) {
	if p == nil || p.closed.Load() {
		return nil, ErrInvalidHandle{"memory region pool"}
	}
	if n > p.size {
		return nil, fmt.Errorf("%w: %d bytes in a %d byte staging region", ErrRegionTooSmall, n, p.size)
	}
	mr := p.take()
	if mr == nil {
		var err error
		mr, err = p.domain.RegisterMemory(make([]byte, p.size), p.access)
		if err != nil {
			return nil, err
		}
	}
	p.inUse.Add(1)
	if fill != nil {
		fill(mr.Bytes()[:n])
	}
	return mr, nil
}

func (p *MRPool) take() *MemoryRegion {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	mr := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return mr
}

// Release returns a staged region. Regions beyond the retention bound, or
// released after Close, are deregistered.
func (p *MRPool) Release(mr *MemoryRegion) {
	if p == nil || mr == nil {
		return
	}
	p.inUse.Add(-1)
	p.mu.Lock()
	if !p.closed.Load() && mr.Size() == p.size && len(p.idle) < p.keep {
		p.idle = append(p.idle, mr)
		mr = nil
	}
	p.mu.Unlock()
	if mr != nil {
		_ = mr.Close()
	}
}

// Close deregisters idle regions. Regions still staged are deregistered as
// they are released.
func (p *MRPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, mr := range idle {
		_ = mr.Close()
	}
}
