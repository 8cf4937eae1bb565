package ptl

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

// BufKind is the network operation a Buf is used for.
type BufKind uint8

const (
	// BufSend holds one outgoing message.
	BufSend BufKind = iota + 1
	// BufRecv is posted to receive one incoming message.
	BufRecv
	// BufRDMA carries a batch of RDMA read or write work requests.
	BufRDMA
)

func (k BufKind) String() string {
	switch k {
	case BufSend:
		return "send"
	case BufRecv:
		return "recv"
	case BufRDMA:
		return "rdma"
	default:
		return "buf"
	}
}

// Buf is a pooled network buffer for one message or one batch of RDMA work
// requests.
type Buf struct {
	pool.Object

	ni     *NI
	kind   BufKind
	data   []byte
	length int

	xi *xi
	xt *xt

	// list membership, guarded by the owning list's lock
	on   *bufList
	elem *list.Element

	// rdmaCount is the number of work requests the batch completion covers.
	rdmaCount int
	hdr       wire.Header
	source    fabric.Address
}

func setupBuf(ni *NI) func(*Buf) error {
	return func(b *Buf) error {
		b.ni = ni
		b.data = make([]byte, ni.cfg.BufSize)
		return nil
	}
}

func cleanupBuf(b *Buf) {
	if b.on != nil {
		panic(fmt.Sprintf("ptl: %s buffer freed while on a list", b.kind))
	}
	b.kind = 0
	b.length = 0
	b.xi = nil
	b.xt = nil
	b.rdmaCount = 0
	b.hdr = wire.Header{}
	b.source = 0
}

func (ni *NI) allocBuf(kind BufKind) (*Buf, error) {
	b, err := ni.bufs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	b.kind = kind
	return b, nil
}

// bytes returns the filled part of the data area.
func (b *Buf) bytes() []byte { return b.data[:b.length] }

// bufList is one of the send, receive or RDMA in-flight lists.
type bufList struct {
	mu sync.Mutex
	l  list.List
}

func (bl *bufList) add(b *Buf) {
	bl.mu.Lock()
	if b.on != nil {
		bl.mu.Unlock()
		panic("ptl: buffer already on a list")
	}
	b.on = bl
	b.elem = bl.l.PushBack(b)
	bl.mu.Unlock()
}

func (bl *bufList) remove(b *Buf) bool {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if b.on != bl {
		return false
	}
	bl.l.Remove(b.elem)
	b.on = nil
	b.elem = nil
	return true
}

func (bl *bufList) len() int {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.l.Len()
}

// send hands the buffer to the transport over conn. A signaled buffer sits on
// the send list until its completion arrives; an unsignaled buffer is
// released as soon as the transport has taken the data.
func (b *Buf) send(conn *Conn, signaled bool) error {
	qp, req := conn.sendRequest()
	if qp == nil {
		return fabric.ErrNotConnected
	}
	req.Buffer = b.bytes()
	req.Signaled = signaled
	if !signaled {
		err := qp.PostSend(&req)
		b.Put()
		return err
	}

	ni := b.ni
	ctx := ni.domain.NewCompletionContext()
	ctx.SetValue(b)
	req.Context = ctx
	ni.sendList.add(b)
	if err := qp.PostSend(&req); err != nil {
		ni.sendList.remove(b)
		ctx.Release()
		return err
	}
	return nil
}

// postReceive pre-posts one receive buffer on the shared receive queue. The
// caller has already taken a receive slot; it is given back on failure.
func (ni *NI) postReceive() error {
	b, err := ni.allocBuf(BufRecv)
	if err != nil {
		ni.recvSlots.Release(1)
		return err
	}
	ctx := ni.domain.NewCompletionContext()
	ctx.SetValue(b)
	ni.recvList.add(b)
	if err := ni.domain.PostRecv(&fabric.RecvRequest{Buffer: b.data, Context: ctx}); err != nil {
		ni.recvList.remove(b)
		ctx.Release()
		b.Put()
		ni.recvSlots.Release(1)
		return err
	}
	return nil
}

// replenishReceives posts receives until every slot is in use.
func (ni *NI) replenishReceives() error {
	for ni.recvSlots.TryAcquire(1) {
		if err := ni.postReceive(); err != nil {
			return err
		}
	}
	return nil
}
