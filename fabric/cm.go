package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnreachable indicates that no domain is bound to the destination address.
var ErrUnreachable = errors.New("fabric: destination unreachable")

// ConnectionEventType enumerates connection manager events.
type ConnectionEventType uint8

const (
	EventAddrResolved ConnectionEventType = iota + 1
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventEstablished
	EventRejected
	EventUnreachable
	EventDisconnected
)

var connectionEventNames = [...]string{
	EventAddrResolved:   "addr_resolved",
	EventAddrError:      "addr_error",
	EventRouteResolved:  "route_resolved",
	EventRouteError:     "route_error",
	EventConnectRequest: "connect_request",
	EventEstablished:    "established",
	EventRejected:       "rejected",
	EventUnreachable:    "unreachable",
	EventDisconnected:   "disconnected",
}

func (t ConnectionEventType) String() string {
	if int(t) < len(connectionEventNames) && connectionEventNames[t] != "" {
		return connectionEventNames[t]
	}
	return fmt.Sprintf("cm_event(%d)", uint8(t))
}

// ConnectionEvent is one connection manager notification. QP is the local
// queue pair the event concerns. For connect requests it is a fresh passive
// queue pair that must be accepted or rejected.
type ConnectionEvent struct {
	Type        ConnectionEventType
	QP          *QueuePair
	Peer        Address
	PrivateData []byte
	Err         error
}

// EventQueue collects connection manager events for a domain.
type EventQueue struct {
	domain *Domain

	mu     sync.Mutex
	events []*ConnectionEvent
	notify chan struct{}
	closed bool
}

func newEventQueue(d *Domain) *EventQueue {
	return &EventQueue{domain: d, notify: make(chan struct{})}
}

func (e *EventQueue) push(evt *ConnectionEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.events = append(e.events, evt)
	close(e.notify)
	e.notify = make(chan struct{})
	e.mu.Unlock()
}

// ReadCM pops the oldest event. A zero timeout polls and returns ErrNoEvent
// when empty; a negative timeout waits indefinitely.
func (e *EventQueue) ReadCM(timeout time.Duration) (*ConnectionEvent, error) {
	if timeout == 0 {
		return e.pop()
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	evt, err := e.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return evt, err
}

// Wait blocks until an event is available, the queue closes or ctx is done.
func (e *EventQueue) Wait(ctx context.Context) (*ConnectionEvent, error) {
	for {
		evt, err := e.pop()
		if !errors.Is(err, ErrNoEvent) {
			return evt, err
		}
		e.mu.Lock()
		notify := e.notify
		pending := len(e.events) > 0
		e.mu.Unlock()
		if pending {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (e *EventQueue) pop() (*ConnectionEvent, error) {
	if e == nil {
		return nil, ErrInvalidHandle{"event queue"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		if e.closed {
			return nil, ErrClosed
		}
		return nil, ErrNoEvent
	}
	evt := e.events[0]
	e.events[0] = nil
	e.events = e.events[1:]
	return evt, nil
}

func (e *EventQueue) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.notify)
		e.notify = make(chan struct{})
	}
	e.mu.Unlock()
}

// ResolveAddress binds the queue pair to dest. The outcome is reported as an
// EventAddrResolved or EventAddrError event.
func (q *QueuePair) ResolveAddress(dest Address) error {
	q.mu.Lock()
	if q.state != qpIdle {
		q.mu.Unlock()
		return fmt.Errorf("fabric: resolve address in state %d", q.state)
	}
	q.remote = dest
	q.state = qpAddrResolved
	q.mu.Unlock()

	evt := &ConnectionEvent{Type: EventAddrResolved, QP: q, Peer: dest}
	if q.domain.fabric.lookupDomain(dest) == nil {
		evt.Type = EventAddrError
		evt.Err = fmt.Errorf("%w: %s", ErrUnreachable, dest)
	}
	q.domain.eq.push(evt)
	return nil
}

// ResolveRoute completes route resolution to the resolved address.
func (q *QueuePair) ResolveRoute() error {
	q.mu.Lock()
	if q.state != qpAddrResolved {
		q.mu.Unlock()
		return fmt.Errorf("fabric: resolve route in state %d", q.state)
	}
	q.state = qpRouteResolved
	dest := q.remote
	q.mu.Unlock()

	evt := &ConnectionEvent{Type: EventRouteResolved, QP: q, Peer: dest}
	if q.domain.fabric.lookupDomain(dest) == nil {
		evt.Type = EventRouteError
		evt.Err = fmt.Errorf("%w: %s", ErrUnreachable, dest)
	}
	q.domain.eq.push(evt)
	return nil
}

// Connect sends a connect request carrying priv to the resolved address.
func (q *QueuePair) Connect(priv []byte) error {
	q.mu.Lock()
	if q.state != qpRouteResolved {
		q.mu.Unlock()
		return fmt.Errorf("fabric: connect in state %d", q.state)
	}
	q.state = qpConnecting
	dest := q.remote
	q.mu.Unlock()

	remote := q.domain.fabric.lookupDomain(dest)
	if remote == nil {
		q.domain.eq.push(&ConnectionEvent{Type: EventUnreachable, QP: q, Peer: dest, Err: ErrUnreachable})
		return nil
	}
	passive := remote.newQueuePair()
	passive.remote = q.domain.addr
	passive.state = qpRequested
	passive.requester = q
	remote.eq.push(&ConnectionEvent{
		Type:        EventConnectRequest,
		QP:          passive,
		Peer:        q.domain.addr,
		PrivateData: append([]byte(nil), priv...),
	})
	return nil
}

// Accept completes an incoming connect request. Both sides observe
// EventEstablished.
func (q *QueuePair) Accept(priv []byte) error {
	q.mu.Lock()
	if q.state != qpRequested || q.requester == nil {
		q.mu.Unlock()
		return fmt.Errorf("fabric: accept in state %d", q.state)
	}
	requester := q.requester
	q.requester = nil
	q.mu.Unlock()

	requester.mu.Lock()
	if requester.state != qpConnecting || requester.domain.closed.Load() {
		requester.mu.Unlock()
		q.domain.dropQueuePair(q)
		return ErrNotConnected
	}
	requester.peer = q
	requester.state = qpConnected
	requester.mu.Unlock()

	q.mu.Lock()
	q.peer = requester
	q.state = qpConnected
	q.mu.Unlock()

	data := append([]byte(nil), priv...)
	q.domain.eq.push(&ConnectionEvent{Type: EventEstablished, QP: q, Peer: requester.domain.addr})
	requester.domain.eq.push(&ConnectionEvent{Type: EventEstablished, QP: requester, Peer: q.domain.addr, PrivateData: data})
	return nil
}

// Reject refuses an incoming connect request. The requester observes
// EventRejected carrying priv.
func (q *QueuePair) Reject(priv []byte) error {
	q.mu.Lock()
	if q.state != qpRequested || q.requester == nil {
		q.mu.Unlock()
		return fmt.Errorf("fabric: reject in state %d", q.state)
	}
	requester := q.requester
	q.requester = nil
	q.state = qpClosed
	q.mu.Unlock()
	q.domain.dropQueuePair(q)

	requester.mu.Lock()
	if requester.state == qpConnecting {
		requester.state = qpClosed
	}
	requester.mu.Unlock()
	requester.domain.eq.push(&ConnectionEvent{
		Type:        EventRejected,
		QP:          requester,
		Peer:        q.domain.addr,
		PrivateData: append([]byte(nil), priv...),
	})
	return nil
}

// Disconnect tears the connection down. Both sides observe
// EventDisconnected when a peer was established.
func (q *QueuePair) Disconnect() {
	q.mu.Lock()
	if q.state == qpClosed {
		q.mu.Unlock()
		return
	}
	peer := q.peer
	q.peer = nil
	q.state = qpClosed
	q.mu.Unlock()
	q.domain.dropQueuePair(q)
	if peer == nil {
		return
	}

	peer.mu.Lock()
	linked := peer.peer == q
	if linked {
		peer.peer = nil
		peer.state = qpClosed
	}
	peer.mu.Unlock()
	q.domain.eq.push(&ConnectionEvent{Type: EventDisconnected, QP: q, Peer: peer.domain.addr})
	if linked {
		peer.domain.dropQueuePair(peer)
		peer.domain.eq.push(&ConnectionEvent{Type: EventDisconnected, QP: peer, Peer: q.domain.addr})
	}
}
