// Package fabric is an in-process RDMA provider with reliable-connected queue
// pairs, a shared receive queue per domain, registered memory regions with
// remote keys, a connection manager and completion queues.
//
// Every domain is bound to one Address. Sends, reads and writes move data
// synchronously when they are posted, and their completions are queued for
// the owner to reap. A send that finds no posted receive waits on the
// destination's receive-not-ready backlog until one is posted.
package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Address identifies a domain on the fabric as a node id and process id pair.
type Address uint64

// MakeAddress packs a node id and process id.
func MakeAddress(nid, pid uint32) Address {
	return Address(uint64(nid)<<32 | uint64(pid))
}

// NID returns the node id.
func (a Address) NID() uint32 { return uint32(a >> 32) }

// PID returns the process id.
func (a Address) PID() uint32 { return uint32(a) }

func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.NID(), a.PID())
}

// regionAlign is the spacing between the virtual base addresses of regions.
const regionAlign = 4096

// Fabric is the set of domains that can reach each other.
type Fabric struct {
	name string

	mu      sync.RWMutex
	domains map[Address]*Domain
	regions map[uint32]*MemoryRegion
	closed  bool

	keySeq  atomic.Uint32
	addrSeq atomic.Uint64
	qpSeq   atomic.Uint64
}

// New constructs an empty fabric.
func New(name string) *Fabric {
	if name == "" {
		name = "fabric-" + uuid.NewString()
	}
	f := &Fabric{
		name:    name,
		domains: make(map[Address]*Domain),
		regions: make(map[uint32]*MemoryRegion),
	}
	f.addrSeq.Store(regionAlign)
	return f
}

// Name returns the fabric name.
func (f *Fabric) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// DomainAttr configures a domain.
type DomainAttr struct {
	// Name labels the domain; a random name is generated when empty.
	Name string
}

// OpenDomain binds a new domain to addr.
func (f *Fabric) OpenDomain(addr Address, attr *DomainAttr) (*Domain, error) {
	if f == nil {
		return nil, ErrInvalidHandle{"fabric"}
	}
	name := ""
	if attr != nil {
		name = attr.Name
	}
	if name == "" {
		name = uuid.NewString()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if _, ok := f.domains[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	d := &Domain{
		fabric: f,
		addr:   addr,
		name:   name,
		qps:    make(map[uint64]*QueuePair),
	}
	d.cq = newCompletionQueue(d)
	d.eq = newEventQueue(d)
	f.domains[addr] = d
	return d, nil
}

// Close closes every domain on the fabric.
func (f *Fabric) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	domains := make([]*Domain, 0, len(f.domains))
	for _, d := range f.domains {
		domains = append(domains, d)
	}
	f.mu.Unlock()

	for _, d := range domains {
		_ = d.Close()
	}
	return nil
}

func (f *Fabric) lookupDomain(addr Address) *Domain {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d := f.domains[addr]
	if d == nil || d.closed.Load() {
		return nil
	}
	return d
}

func (f *Fabric) removeDomain(d *Domain) {
	f.mu.Lock()
	if f.domains[d.addr] == d {
		delete(f.domains, d.addr)
	}
	for key, mr := range f.regions {
		if mr.domain == d {
			delete(f.regions, key)
		}
	}
	f.mu.Unlock()
}

// Domain is one process's attachment to the fabric.
type Domain struct {
	fabric *Fabric
	addr   Address
	name   string

	cq  *CompletionQueue
	eq  *EventQueue
	srq sharedRecvQueue

	qpMu sync.Mutex
	qps  map[uint64]*QueuePair

	contexts sync.Map
	ctxSeq   atomic.Uint64
	closed   atomic.Bool
}

// Address returns the domain's fabric address.
func (d *Domain) Address() Address { return d.addr }

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Fabric returns the fabric the domain is attached to.
func (d *Domain) Fabric() *Fabric { return d.fabric }

// CompletionQueue returns the domain's completion queue. Every queue pair and
// the shared receive queue report to it.
func (d *Domain) CompletionQueue() *CompletionQueue { return d.cq }

// EventQueue returns the domain's connection manager event queue.
func (d *Domain) EventQueue() *EventQueue { return d.eq }

// Close disconnects every queue pair, flushes posted receives and detaches the
// domain from the fabric.
func (d *Domain) Close() error {
	if d == nil || !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.qpMu.Lock()
	qps := make([]*QueuePair, 0, len(d.qps))
	for _, qp := range d.qps {
		qps = append(qps, qp)
	}
	d.qpMu.Unlock()
	for _, qp := range qps {
		qp.Disconnect()
	}
	d.fabric.removeDomain(d)
	d.srq.flush(d)
	d.cq.close()
	d.eq.close()
	return nil
}

// CreateQueuePair allocates an unconnected queue pair.
func (d *Domain) CreateQueuePair() (*QueuePair, error) {
	if d == nil || d.closed.Load() {
		return nil, ErrInvalidHandle{"domain"}
	}
	return d.newQueuePair(), nil
}

func (d *Domain) newQueuePair() *QueuePair {
	qp := &QueuePair{id: d.fabric.qpSeq.Add(1), domain: d}
	d.qpMu.Lock()
	d.qps[qp.id] = qp
	d.qpMu.Unlock()
	return qp
}

func (d *Domain) dropQueuePair(qp *QueuePair) {
	d.qpMu.Lock()
	delete(d.qps, qp.id)
	d.qpMu.Unlock()
}
