package ptl

import (
	"fmt"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

// ConnState is the link establishment state of a Conn.
type ConnState uint8

const (
	ConnDisconnected ConnState = iota
	ConnResolvingAddr
	ConnResolvingRoute
	ConnConnecting
	ConnConnected
	// ConnXRCConnected marks a logical connection that travels over the
	// connection to the lowest rank of the peer's node.
	ConnXRCConnected
)

var connStateNames = [...]string{
	ConnDisconnected:   "disconnected",
	ConnResolvingAddr:  "resolving_addr",
	ConnResolvingRoute: "resolving_route",
	ConnConnecting:     "connecting",
	ConnConnected:      "connected",
	ConnXRCConnected:   "xrc_connected",
}

func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return fmt.Sprintf("conn_state(%d)", uint8(s))
}

// connWaiter is a transaction parked until its connection comes up.
type connWaiter interface {
	connReady(ok bool)
	Get()
	Put()
}

// Conn is the link to one remote process.
type Conn struct {
	pool.Object

	ni   *NI
	addr fabric.Address
	// main carries the traffic of an XRC connection.
	main *Conn

	state     ConnState
	qp        *fabric.QueuePair
	accepting bool
	retries   int
	waiters   []connWaiter
}

func cleanupConn(c *Conn) {
	if c.main != nil {
		c.main.Put()
	}
	c.addr = 0
	c.main = nil
	c.state = ConnDisconnected
	c.qp = nil
	c.accepting = false
	c.retries = 0
	c.waiters = nil
}

// State reports the connection state.
func (c *Conn) State() ConnState {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Addr returns the fabric address of the peer.
func (c *Conn) Addr() fabric.Address { return c.addr }

// conn returns the connection to addr, creating it on first use. The caller
// owns the returned reference.
func (ni *NI) conn(addr fabric.Address) (*Conn, error) {
	var main *Conn
	if route, ok := ni.sharedRoute(addr); ok {
		m, err := ni.conn(route)
		if err != nil {
			return nil, err
		}
		main = m
	}

	ni.connMu.Lock()
	defer ni.connMu.Unlock()
	if c, ok := ni.conns[addr]; ok {
		c.Get()
		if main != nil {
			main.Put()
		}
		return c, nil
	}
	c, err := ni.connPool.Alloc()
	if err != nil {
		if main != nil {
			main.Put()
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	c.ni = ni
	c.addr = addr
	c.main = main
	if main != nil {
		c.state = ConnXRCConnected
	}
	ni.conns[addr] = c
	c.Get()
	return c, nil
}

// sharedRoute returns the address traffic to addr is routed through when
// shared receive is enabled.
func (ni *NI) sharedRoute(addr fabric.Address) (fabric.Address, bool) {
	if !ni.cfg.SharedReceive || ni.cfg.Options&NILogical == 0 {
		return 0, false
	}
	for _, id := range ni.cfg.Map {
		if id.NID != addr.NID() {
			continue
		}
		main := fabric.MakeAddress(id.NID, id.PID)
		if main == addr {
			return 0, false
		}
		return main, true
	}
	return 0, false
}

// sendRequest returns the queue pair and routing for a send to the peer.
func (c *Conn) sendRequest() (*fabric.QueuePair, fabric.SendRequest) {
	if c.main != nil {
		qp, _ := c.main.sendRequest()
		return qp, fabric.SendRequest{XRC: true, XRCTarget: c.addr}
	}
	c.Lock()
	defer c.Unlock()
	if c.state != ConnConnected {
		return nil, fabric.SendRequest{}
	}
	return c.qp, fabric.SendRequest{}
}

// queuePair returns the queue pair RDMA to the peer is issued on.
func (c *Conn) queuePair() *fabric.QueuePair {
	qp, _ := c.sendRequest()
	return qp
}

// waitFor reports whether the connection is usable. Otherwise w is queued,
// dialing starts if nothing is in progress, and w.connReady runs once the
// outcome is known.
func (c *Conn) waitFor(w connWaiter) bool {
	if c.main != nil {
		return c.main.waitFor(w)
	}
	c.Lock()
	if c.state == ConnConnected {
		c.Unlock()
		return true
	}
	w.Get()
	c.waiters = append(c.waiters, w)
	var failed []connWaiter
	if c.state == ConnDisconnected {
		c.retries = 0
		c.dialLocked()
		if c.state == ConnDisconnected {
			failed = c.takeWaitersLocked()
		}
	}
	c.Unlock()
	flush(failed, false)
	return false
}

func (c *Conn) setStateLocked(state ConnState) {
	if c.state == state {
		return
	}
	c.state = state
	c.ni.logEvent("conn_state", logKV("peer", c.addr), logKV("state", state))
	c.ni.metricConnState(state)
}

func (c *Conn) dialLocked() {
	qp, err := c.ni.domain.CreateQueuePair()
	if err == nil {
		qp.SetValue(c)
		c.qp = qp
		c.setStateLocked(ConnResolvingAddr)
		err = qp.ResolveAddress(c.addr)
	}
	if err != nil {
		c.ni.logEvent("conn_dial_error", logKV("peer", c.addr), logKV("error", err))
		c.retryLocked()
	}
}

// retryLocked restarts dialing or, once retries are exhausted, leaves the
// connection disconnected for the caller to fail its waiters.
func (c *Conn) retryLocked() {
	if c.qp != nil {
		c.qp.Disconnect()
		c.qp = nil
	}
	c.retries++
	if c.retries <= c.ni.cfg.ConnectRetries {
		c.dialLocked()
		return
	}
	c.setStateLocked(ConnDisconnected)
}

func (c *Conn) takeWaitersLocked() []connWaiter {
	waiters := c.waiters
	c.waiters = nil
	return waiters
}

// flush hands every waiter back to its state machine in FIFO order. It must
// not be called with the connection lock held.
func flush(waiters []connWaiter, ok bool) {
	for _, w := range waiters {
		w.connReady(ok)
		w.Put()
	}
}

func (c *Conn) params() []byte {
	ni := c.ni
	return wire.ConnParams{
		Version: wire.Version,
		NIType:  ni.cfg.Options.wireType(),
		Shared:  ni.cfg.SharedReceive,
		NID:     ni.id.NID,
		PID:     ni.id.PID,
		Rank:    ni.rank,
	}.Encode()
}

// handleEvent advances the state machine for an event on one of the
// connection's queue pairs.
func (c *Conn) handleEvent(evt *fabric.ConnectionEvent) {
	c.Lock()
	if evt.QP != c.qp {
		c.Unlock()
		if evt.Type == fabric.EventEstablished {
			evt.QP.Disconnect()
		}
		return
	}
	var err error
	switch evt.Type {
	case fabric.EventAddrResolved:
		c.setStateLocked(ConnResolvingRoute)
		err = c.qp.ResolveRoute()
	case fabric.EventRouteResolved:
		c.setStateLocked(ConnConnecting)
		err = c.qp.Connect(c.params())
	case fabric.EventEstablished:
		c.accepting = false
		c.retries = 0
		c.setStateLocked(ConnConnected)
		waiters := c.takeWaitersLocked()
		c.Unlock()
		flush(waiters, true)
		return
	case fabric.EventRejected:
		if c.accepting || c.state == ConnConnected {
			break
		}
		c.ni.logEvent("conn_rejected", logKV("peer", c.addr), logKV("retries", c.retries))
		c.retryLocked()
	case fabric.EventAddrError, fabric.EventRouteError, fabric.EventUnreachable:
		c.ni.logEvent("conn_error", logKV("peer", c.addr), logKV("cm_event", evt.Type), logKV("error", evt.Err))
		c.retryLocked()
	case fabric.EventDisconnected:
		c.qp = nil
		c.setStateLocked(ConnDisconnected)
	}
	if err != nil {
		c.retryLocked()
	}
	var waiters []connWaiter
	if c.state == ConnDisconnected && len(c.waiters) > 0 {
		waiters = c.takeWaitersLocked()
	}
	c.Unlock()
	if waiters != nil {
		flush(waiters, false)
	}
}

// handleConnectRequest decides whether to accept an incoming connection. A
// request from ourselves is always accepted. When both sides are dialing, the
// request from the higher address wins and the lower side becomes the
// accepting side.
func (ni *NI) handleConnectRequest(evt *fabric.ConnectionEvent) {
	params, err := wire.DecodeConnParams(evt.PrivateData)
	if err != nil || params.NIType != ni.cfg.Options.wireType() {
		ni.logEvent("conn_request_invalid", logKV("peer", evt.Peer), logKV("error", err))
		_ = evt.QP.Reject(nil)
		return
	}
	peer := fabric.MakeAddress(params.NID, params.PID)
	if peer == ni.addr {
		if err := evt.QP.Accept(nil); err != nil {
			ni.logEvent("conn_accept_error", logKV("peer", peer), logKV("error", err))
		}
		return
	}

	c, err := ni.conn(peer)
	if err != nil {
		_ = evt.QP.Reject(nil)
		return
	}
	defer c.Put()
	if c.main != nil {
		// our traffic to an XRC peer never uses the queue pair it dialed
		if err := evt.QP.Accept(nil); err != nil {
			ni.logEvent("conn_accept_error", logKV("peer", peer), logKV("error", err))
		}
		return
	}
	c.Lock()
	accept := false
	switch c.state {
	case ConnDisconnected:
		accept = true
	case ConnResolvingAddr, ConnResolvingRoute, ConnConnecting:
		accept = !c.accepting && peer > ni.addr
		if accept {
			c.accepting = true
			if c.qp != nil {
				c.qp.Disconnect()
			}
		}
	}
	if !accept {
		c.Unlock()
		ni.logEvent("conn_request_rejected", logKV("peer", peer))
		_ = evt.QP.Reject(nil)
		return
	}
	evt.QP.SetValue(c)
	c.qp = evt.QP
	c.setStateLocked(ConnConnecting)
	if err := evt.QP.Accept(nil); err != nil {
		ni.logEvent("conn_accept_error", logKV("peer", peer), logKV("error", err))
		c.accepting = false
		c.qp = nil
		c.setStateLocked(ConnDisconnected)
	}
	c.Unlock()
}

func (ni *NI) handleCM(evt *fabric.ConnectionEvent) {
	if evt.Type == fabric.EventConnectRequest {
		ni.handleConnectRequest(evt)
		return
	}
	if evt.QP == nil {
		return
	}
	c, ok := evt.QP.Value().(*Conn)
	if !ok || c == nil {
		return
	}
	c.handleEvent(evt)
}
