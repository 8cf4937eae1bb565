// Package ptl implements the Portals 4 progress engine over an RDMA-style
// fabric: connection management, counting events and triggered operations,
// and the initiator and target transaction state machines.
package ptl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

// NI is a network interface: the resource pools, connection table, portal
// table and progress goroutines of one process on one fabric.
type NI struct {
	cfg    Config
	name   string
	id     ProcessID
	rank   uint32
	addr   fabric.Address
	fabric *fabric.Fabric
	domain *fabric.Domain
	// indirect segment lists are staged in pooled registered regions
	mrPool *fabric.MRPool

	bufs     *pool.Pool[Buf, *Buf]
	connPool *pool.Pool[Conn, *Conn]
	cts      *pool.Pool[CT, *CT]
	eqs      *pool.Pool[EQ, *EQ]
	mds      *pool.Pool[MD, *MD]
	mes      *pool.Pool[ME, *ME]
	xis      *pool.Pool[xi, *xi]
	xts      *pool.Pool[xt, *xt]

	connMu sync.Mutex
	conns  map[fabric.Address]*Conn

	ptMu sync.Mutex
	pts  []*PT

	recvSlots *semaphore.Weighted
	sendList  bufList
	recvList  bufList
	rdmaList  bufList

	ctNotify *notifier
	eqNotify *notifier

	triggered atomic.Int64
	stats     niStats

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// NIInit opens an interface for id on f. In logical mode id.Rank selects the
// entry of cfg.Map the interface binds to.
func NIInit(f *fabric.Fabric, id ProcessID, cfg Config) (*NI, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil fabric", ErrArgInvalid)
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	ni := &NI{
		cfg:              cfg,
		id:               id,
		fabric:           f,
		conns:            make(map[fabric.Address]*Conn),
		pts:              make([]*PT, cfg.Limits.MaxPTIndex),
		recvSlots:        semaphore.NewWeighted(int64(cfg.RecvBufCount)),
		ctNotify:         newNotifier(),
		eqNotify:         newNotifier(),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	if cfg.Options&NILogical != 0 {
		if int(id.Rank) >= len(cfg.Map) {
			return nil, fmt.Errorf("%w: rank %d outside map of %d", ErrArgInvalid, id.Rank, len(cfg.Map))
		}
		ni.rank = id.Rank
		phys := cfg.Map[id.Rank]
		ni.id = ProcessID{NID: phys.NID, PID: phys.PID, Rank: id.Rank}
	}
	ni.addr = fabric.MakeAddress(ni.id.NID, ni.id.PID)
	ni.initPools()

	ni.name = "ni-" + uuid.NewString()
	domain, err := f.OpenDomain(ni.addr, &fabric.DomainAttr{Name: ni.name})
	if err != nil {
		return nil, fmt.Errorf("ptl: open domain: %w", err)
	}
	ni.domain = domain
	access := fabric.MRAccessLocal | fabric.MRAccessRemoteRead
	mrPool, err := fabric.NewMRPool(domain, cfg.Limits.MaxIOVecs*wire.SGESize, access, cfg.IndirectPoolSize)
	if err != nil {
		_ = domain.Close()
		return nil, fmt.Errorf("ptl: indirect pool: %w", err)
	}
	ni.mrPool = mrPool

	if err := ni.replenishReceives(); err != nil {
		mrPool.Close()
		_ = domain.Close()
		return nil, fmt.Errorf("ptl: post receives: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	ni.cancel = cancel
	ni.group = group
	group.Go(func() error { return ni.dispatch(gctx) })
	group.Go(func() error { return ni.cmLoop(gctx) })
	ni.logEvent("ni_init", logKV("name", ni.name), logKV("ni_type", cfg.Options), logKV("rank", ni.rank))
	return ni, nil
}

func (ni *NI) initPools() {
	lim := ni.cfg.Limits
	ni.bufs = pool.New[Buf, *Buf](pool.Options[Buf]{Name: "buf", Tag: tagBuf, Setup: setupBuf(ni), Cleanup: cleanupBuf})
	ni.connPool = pool.New[Conn, *Conn](pool.Options[Conn]{Name: "conn", Tag: tagConn, Cleanup: cleanupConn})
	ni.cts = pool.New[CT, *CT](pool.Options[CT]{Name: "ct", Tag: tagCT, Max: lim.MaxCTs, Cleanup: cleanupCT})
	ni.eqs = pool.New[EQ, *EQ](pool.Options[EQ]{Name: "eq", Tag: tagEQ, Max: lim.MaxEQs, Cleanup: cleanupEQ})
	ni.mds = pool.New[MD, *MD](pool.Options[MD]{Name: "md", Tag: tagMD, Max: lim.MaxMDs, Cleanup: cleanupMD})
	ni.mes = pool.New[ME, *ME](pool.Options[ME]{Name: "me", Tag: tagME, Max: lim.MaxEntries, Cleanup: cleanupME})
	ni.xis = pool.New[xi, *xi](pool.Options[xi]{Name: "xi", Tag: tagXI, Cleanup: cleanupXI})
	ni.xts = pool.New[xt, *xt](pool.Options[xt]{Name: "xt", Tag: tagXT, Cleanup: cleanupXT})
}

// Name returns the unique name of the interface's fabric domain.
func (ni *NI) Name() string { return ni.name }

// ID returns the process id the interface is bound to.
func (ni *NI) ID() ProcessID { return ni.id }

// Options returns the matching and addressing mode.
func (ni *NI) Options() NIOptions { return ni.cfg.Options }

// Limits returns the effective resource limits.
func (ni *NI) Limits() Limits { return ni.cfg.Limits }

// UID returns the user id stamped on outgoing requests.
func (ni *NI) UID() uint32 { return ni.cfg.UID }

// NIFini stops progress, discards pending triggered operations, fails
// blocked waiters with ErrInterrupted and closes the fabric domain.
func (ni *NI) NIFini() error {
	if ni == nil || !ni.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	ni.cancel()
	err := ni.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	ni.connMu.Lock()
	conns := make([]*Conn, 0, len(ni.conns))
	for addr, c := range ni.conns {
		conns = append(conns, c)
		delete(ni.conns, addr)
	}
	ni.connMu.Unlock()
	for _, c := range conns {
		c.Lock()
		qp := c.qp
		c.qp = nil
		c.state = ConnDisconnected
		waiters := c.takeWaitersLocked()
		c.Unlock()
		if qp != nil {
			qp.Disconnect()
		}
		flush(waiters, false)
		c.Put()
	}

	// counters first, so queued transactions are aborted instead of launched
	var discarded int
	ni.cts.Range(func(ct *CT) bool {
		if !ct.TryGet() {
			return true
		}
		ct.Lock()
		ct.interrupted = true
		queue := ct.queue
		ct.queue = nil
		ct.Unlock()
		discarded += len(queue)
		ni.discard(queue)
		ct.Put()
		return true
	})
	ni.xis.Range(func(x *xi) bool {
		if x.TryGet() {
			x.interrupt()
			x.Put()
		}
		return true
	})
	if discarded > 0 {
		ni.logEvent("triggered_discarded", logKV("count", discarded))
	}

	ni.ctNotify.broadcast()
	ni.eqNotify.broadcast()
	ni.mrPool.Close()
	if cerr := ni.domain.Close(); cerr != nil && err == nil {
		err = cerr
	}
	ni.logEvent("ni_fini")
	return err
}

func (ni *NI) isClosed() bool { return ni == nil || ni.closed.Load() }

// physical resolves a destination to its fabric address.
func (ni *NI) physical(target ProcessID) (fabric.Address, error) {
	if ni.cfg.Options&NILogical == 0 {
		return fabric.MakeAddress(target.NID, target.PID), nil
	}
	if int(target.Rank) >= len(ni.cfg.Map) {
		return 0, fmt.Errorf("%w: rank %d outside map", ErrArgInvalid, target.Rank)
	}
	p := ni.cfg.Map[target.Rank]
	return fabric.MakeAddress(p.NID, p.PID), nil
}

// LookupCT resolves a counting event handle, taking a reference the caller
// must drop with Put.
func (ni *NI) LookupCT(h Handle) (*CT, error) {
	ct, err := ni.cts.Lookup(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgInvalid, err)
	}
	return ct, nil
}

// LookupMD resolves a memory descriptor handle, taking a reference the
// caller must drop with Put.
func (ni *NI) LookupMD(h Handle) (*MD, error) {
	md, err := ni.mds.Lookup(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgInvalid, err)
	}
	return md, nil
}

// LookupME resolves a match list entry handle, taking a reference the caller
// must drop with Put.
func (ni *NI) LookupME(h Handle) (*ME, error) {
	me, err := ni.mes.Lookup(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgInvalid, err)
	}
	return me, nil
}

// notifier wakes every goroutine blocked on the current generation.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// Stats is a snapshot of interface counters.
type Stats struct {
	PacketsReceived uint64
	PacketsDropped  map[string]uint64
	EventsPosted    uint64
	Initiators      uint64
	Targets         uint64
	BuffersInUse    int
	Connections     int
}

type niStats struct {
	received   atomic.Uint64
	events     atomic.Uint64
	initiators atomic.Uint64
	targets    atomic.Uint64

	mu      sync.Mutex
	dropped map[string]uint64
}

func (s *niStats) drop(reason string) {
	s.mu.Lock()
	if s.dropped == nil {
		s.dropped = make(map[string]uint64)
	}
	s.dropped[reason]++
	s.mu.Unlock()
}

// Stats returns a snapshot of the interface counters.
func (ni *NI) Stats() Stats {
	st := Stats{
		PacketsReceived: ni.stats.received.Load(),
		EventsPosted:    ni.stats.events.Load(),
		Initiators:      ni.stats.initiators.Load(),
		Targets:         ni.stats.targets.Load(),
		BuffersInUse:    ni.bufs.InUse(),
		PacketsDropped:  make(map[string]uint64),
	}
	ni.stats.mu.Lock()
	for k, v := range ni.stats.dropped {
		st.PacketsDropped[k] = v
	}
	ni.stats.mu.Unlock()
	ni.connMu.Lock()
	st.Connections = len(ni.conns)
	ni.connMu.Unlock()
	return st
}

func (ni *NI) dropPacket(reason string, fields ...logField) {
	ni.stats.drop(reason)
	ni.logEvent("packet_dropped", append([]logField{logKV(labelReason, reason)}, fields...)...)
	ni.metricPacketDropped(reason)
}
