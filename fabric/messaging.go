package fabric

import (
	"fmt"
	"sync"
)

// SendRequest describes a send operation.
type SendRequest struct {
	Buffer  []byte
	Context *CompletionContext
	// Signaled asks for a completion on success. Failures of unsignaled sends
	// are reported by the next signaled completion on the queue pair.
	Signaled bool
	// XRC routes the message to XRCTarget, which must live on the same node
	// as the connected peer, instead of to the peer itself.
	XRC       bool
	XRCTarget Address
}

// RecvRequest describes a receive posted to the shared receive queue.
type RecvRequest struct {
	Buffer  []byte
	Context *CompletionContext
}

type recvEntry struct {
	buf []byte
	ctx *CompletionContext
}

type pendingSend struct {
	src      *QueuePair
	data     []byte
	ctx      *CompletionContext
	signaled bool
}

type sharedRecvQueue struct {
	mu      sync.Mutex
	recvs   []recvEntry
	backlog []pendingSend
}

// PostSend copies req.Buffer to the destination. The message is delivered
// into the oldest posted receive of the destination domain, or parked on its
// receive-not-ready backlog when none is posted.
func (q *QueuePair) PostSend(req *SendRequest) error {
	if req == nil {
		return fmt.Errorf("fabric: nil send request")
	}
	peer, err := q.connectedPeer()
	if err != nil {
		return err
	}
	dest := peer.domain
	if req.XRC {
		if req.XRCTarget.NID() != dest.addr.NID() {
			return fmt.Errorf("%w: %s via %s", ErrRouting, req.XRCTarget, dest.addr)
		}
		dest = q.domain.fabric.lookupDomain(req.XRCTarget)
		if dest == nil {
			return fmt.Errorf("%w: %s", ErrRouting, req.XRCTarget)
		}
	}
	if dest.closed.Load() {
		return ErrNotConnected
	}
	send := pendingSend{
		src:      q,
		data:     append([]byte(nil), req.Buffer...),
		ctx:      req.Context,
		signaled: req.Signaled,
	}
	dest.srq.deliver(dest, send)
	return nil
}

// PostRecv posts a receive buffer to the domain's shared receive queue.
func (d *Domain) PostRecv(req *RecvRequest) error {
	if d == nil || d.closed.Load() {
		return ErrInvalidHandle{"domain"}
	}
	if req == nil || len(req.Buffer) == 0 {
		return fmt.Errorf("fabric: receive requires a buffer")
	}
	d.srq.mu.Lock()
	defer d.srq.mu.Unlock()
	d.srq.recvs = append(d.srq.recvs, recvEntry{buf: req.Buffer, ctx: req.Context})
	d.srq.drainLocked(d)
	return nil
}

// PostedRecvs reports how many receives are posted and not yet consumed.
func (d *Domain) PostedRecvs() int {
	d.srq.mu.Lock()
	defer d.srq.mu.Unlock()
	return len(d.srq.recvs)
}

func (s *sharedRecvQueue) deliver(d *Domain, send pendingSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = append(s.backlog, send)
	s.drainLocked(d)
}

func (s *sharedRecvQueue) drainLocked(d *Domain) {
	for len(s.backlog) > 0 && len(s.recvs) > 0 {
		send := s.backlog[0]
		s.backlog[0] = pendingSend{}
		s.backlog = s.backlog[1:]
		recv := s.recvs[0]
		s.recvs[0] = recvEntry{}
		s.recvs = s.recvs[1:]
		complete(d, recv, send)
	}
}

func complete(d *Domain, recv recvEntry, send pendingSend) {
	n := len(send.data)
	if n > len(recv.buf) {
		err := fmt.Errorf("%w: %d > %d", ErrTruncated, n, len(recv.buf))
		d.cq.push(&CompletionEvent{Op: CompletionRecv, Source: send.src.domain.addr, Err: err, ctxID: contextID(recv.ctx)})
		send.src.finish(CompletionSend, send.ctx, send.signaled, 0, err)
		return
	}
	copy(recv.buf, send.data)
	d.cq.push(&CompletionEvent{Op: CompletionRecv, Length: n, Source: send.src.domain.addr, ctxID: contextID(recv.ctx)})
	send.src.finish(CompletionSend, send.ctx, send.signaled, n, nil)
}

func (s *sharedRecvQueue) flush(d *Domain) {
	s.mu.Lock()
	recvs := s.recvs
	backlog := s.backlog
	s.recvs = nil
	s.backlog = nil
	s.mu.Unlock()
	for _, r := range recvs {
		d.cq.push(&CompletionEvent{Op: CompletionRecv, Err: ErrClosed, ctxID: contextID(r.ctx)})
	}
	for _, send := range backlog {
		send.src.finish(CompletionSend, send.ctx, send.signaled, 0, ErrNotConnected)
	}
}
