package fabric

import (
	"fmt"
	"sync"
)

type qpState uint8

const (
	qpIdle qpState = iota
	qpAddrResolved
	qpRouteResolved
	qpConnecting
	qpRequested
	qpConnected
	qpClosed
)

// QueuePair is a reliable-connected endpoint. Receives are always taken from
// the owning domain's shared receive queue.
type QueuePair struct {
	id     uint64
	domain *Domain

	mu     sync.Mutex
	state  qpState
	remote Address
	peer   *QueuePair
	// requester is the active side of an incoming connect request.
	requester  *QueuePair
	value      any
	pendingErr error
}

// ID returns a fabric-unique queue pair id.
func (q *QueuePair) ID() uint64 { return q.id }

// Domain returns the owning domain.
func (q *QueuePair) Domain() *Domain { return q.domain }

// Value returns the associated arbitrary value.
func (q *QueuePair) Value() any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.value
}

// SetValue attaches arbitrary metadata to the queue pair.
func (q *QueuePair) SetValue(v any) {
	q.mu.Lock()
	q.value = v
	q.mu.Unlock()
}

// Remote returns the address the queue pair resolved or was requested from.
func (q *QueuePair) Remote() Address {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remote
}

// Connected reports whether the queue pair has an established peer.
func (q *QueuePair) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == qpConnected && q.peer != nil
}

func (q *QueuePair) connectedPeer() (*QueuePair, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != qpConnected || q.peer == nil {
		return nil, ErrNotConnected
	}
	return q.peer, nil
}

// setPendingErr records the failure of an unsignaled request.
func (q *QueuePair) setPendingErr(err error) {
	q.mu.Lock()
	if q.pendingErr == nil {
		q.pendingErr = err
	}
	q.mu.Unlock()
}

// takePendingErr returns the error a signaled completion must report when an
// earlier unsignaled request failed.
func (q *QueuePair) takePendingErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.pendingErr
	q.pendingErr = nil
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFlushed, err)
}

// finish reports a work request outcome, honouring the signaled flag.
func (q *QueuePair) finish(op CompletionOp, ctx *CompletionContext, signaled bool, length int, err error) {
	if !signaled {
		if err != nil {
			q.setPendingErr(err)
		}
		if ctx != nil {
			ctx.Release()
		}
		return
	}
	if err == nil {
		err = q.takePendingErr()
	}
	q.domain.cq.push(&CompletionEvent{Op: op, Length: length, Err: err, ctxID: contextID(ctx)})
}
