package ptl

import (
	"fmt"

	"github.com/rocketbitz/portals4-go/internal/wire"
)

// PutRequest describes a put of [LocalOffset, LocalOffset+Length) of MD to
// the target's portal.
type PutRequest struct {
	MD           *MD
	LocalOffset  uint64
	Length       uint64
	Ack          AckReq
	Target       ProcessID
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	UserPtr      any
	HdrData      uint64
}

// GetRequest describes a get from the target's portal into MD.
type GetRequest struct {
	MD           *MD
	LocalOffset  uint64
	Length       uint64
	Target       ProcessID
	PTIndex      uint32
	MatchBits    uint64
	RemoteOffset uint64
	UserPtr      any
}

// AtomicRequest is a put whose data the target combines with its memory.
type AtomicRequest struct {
	PutRequest
	Op   AtomicOp
	Type Datatype
}

// FetchAtomicRequest combines PutMD's data with the target's memory and
// returns the previous contents into GetMD.
type FetchAtomicRequest struct {
	GetMD          *MD
	LocalGetOffset uint64
	PutMD          *MD
	LocalPutOffset uint64
	Length         uint64
	Target         ProcessID
	PTIndex        uint32
	MatchBits      uint64
	RemoteOffset   uint64
	UserPtr        any
	HdrData        uint64
	Op             AtomicOp
	Type           Datatype
}

// SwapRequest is a fetch with one of the swap class operations. Operand is
// the comparison value of the conditional swaps and the mask of MSwap.
type SwapRequest struct {
	FetchAtomicRequest
	Operand uint64
}

// Put starts a put.
func (ni *NI) Put(req PutRequest) error {
	x, err := ni.preparePut(&req)
	if err != nil {
		return err
	}
	x.launch()
	return nil
}

// TriggeredPut defers a put until trigCT reaches threshold.
func (ni *NI) TriggeredPut(req PutRequest, trigCT *CT, threshold uint64) error {
	x, err := ni.preparePut(&req)
	if err != nil {
		return err
	}
	return ni.enqueue(trigCT, &trigger{kind: triggerXfer, threshold: threshold, xi: x})
}

// Get starts a get.
func (ni *NI) Get(req GetRequest) error {
	x, err := ni.prepareGet(&req)
	if err != nil {
		return err
	}
	x.launch()
	return nil
}

// TriggeredGet defers a get until trigCT reaches threshold.
func (ni *NI) TriggeredGet(req GetRequest, trigCT *CT, threshold uint64) error {
	x, err := ni.prepareGet(&req)
	if err != nil {
		return err
	}
	return ni.enqueue(trigCT, &trigger{kind: triggerXfer, threshold: threshold, xi: x})
}

// Atomic starts an atomic operation.
func (ni *NI) Atomic(req AtomicRequest) error {
	x, err := ni.prepareAtomic(&req)
	if err != nil {
		return err
	}
	x.launch()
	return nil
}

// TriggeredAtomic defers an atomic operation until trigCT reaches threshold.
func (ni *NI) TriggeredAtomic(req AtomicRequest, trigCT *CT, threshold uint64) error {
	x, err := ni.prepareAtomic(&req)
	if err != nil {
		return err
	}
	return ni.enqueue(trigCT, &trigger{kind: triggerXfer, threshold: threshold, xi: x})
}

// FetchAtomic starts a fetching atomic operation.
func (ni *NI) FetchAtomic(req FetchAtomicRequest) error {
	x, err := ni.prepareFetch(wire.OpFetch, &req, 0)
	if err != nil {
		return err
	}
	x.launch()
	return nil
}

// TriggeredFetchAtomic defers a fetching atomic operation until trigCT
// reaches threshold.
func (ni *NI) TriggeredFetchAtomic(req FetchAtomicRequest, trigCT *CT, threshold uint64) error {
	x, err := ni.prepareFetch(wire.OpFetch, &req, 0)
	if err != nil {
		return err
	}
	return ni.enqueue(trigCT, &trigger{kind: triggerXfer, threshold: threshold, xi: x})
}

// Swap starts a swap.
func (ni *NI) Swap(req SwapRequest) error {
	x, err := ni.prepareFetch(wire.OpSwap, &req.FetchAtomicRequest, req.Operand)
	if err != nil {
		return err
	}
	x.launch()
	return nil
}

// TriggeredSwap defers a swap until trigCT reaches threshold.
func (ni *NI) TriggeredSwap(req SwapRequest, trigCT *CT, threshold uint64) error {
	x, err := ni.prepareFetch(wire.OpSwap, &req.FetchAtomicRequest, req.Operand)
	if err != nil {
		return err
	}
	return ni.enqueue(trigCT, &trigger{kind: triggerXfer, threshold: threshold, xi: x})
}

func checkRange(md *MD, offset, length uint64) error {
	if md == nil {
		return fmt.Errorf("%w: nil memory descriptor", ErrArgInvalid)
	}
	if offset > md.Length() || md.Length()-offset < length {
		return fmt.Errorf("%w: range %d+%d outside md of %d bytes", ErrArgInvalid, offset, length, md.Length())
	}
	return nil
}

func (ni *NI) preparePut(req *PutRequest) (*xi, error) {
	if err := checkRange(req.MD, req.LocalOffset, req.Length); err != nil {
		return nil, err
	}
	if req.Length > ni.cfg.Limits.MaxMsgSize {
		return nil, fmt.Errorf("%w: put of %d bytes exceeds %d", ErrArgInvalid, req.Length, ni.cfg.Limits.MaxMsgSize)
	}
	if req.Ack > AckOC {
		return nil, fmt.Errorf("%w: ack request %d", ErrArgInvalid, req.Ack)
	}
	x, err := ni.newXI(wire.OpPut, req.Target, req.MD, nil)
	if err != nil {
		return nil, err
	}
	x.putOffset = req.LocalOffset
	x.length = req.Length
	x.ack = req.Ack
	x.ptIndex = req.PTIndex
	x.matchBits = req.MatchBits
	x.offset = req.RemoteOffset
	x.userPtr = req.UserPtr
	x.hdrData = req.HdrData
	x.initMask()
	return x, nil
}

func (ni *NI) prepareGet(req *GetRequest) (*xi, error) {
	if err := checkRange(req.MD, req.LocalOffset, req.Length); err != nil {
		return nil, err
	}
	if req.Length > ni.cfg.Limits.MaxMsgSize {
		return nil, fmt.Errorf("%w: get of %d bytes exceeds %d", ErrArgInvalid, req.Length, ni.cfg.Limits.MaxMsgSize)
	}
	x, err := ni.newXI(wire.OpGet, req.Target, nil, req.MD)
	if err != nil {
		return nil, err
	}
	x.getOffset = req.LocalOffset
	x.length = req.Length
	x.ptIndex = req.PTIndex
	x.matchBits = req.MatchBits
	x.offset = req.RemoteOffset
	x.userPtr = req.UserPtr
	x.initMask()
	return x, nil
}

func (ni *NI) prepareAtomic(req *AtomicRequest) (*xi, error) {
	if err := checkRange(req.MD, req.LocalOffset, req.Length); err != nil {
		return nil, err
	}
	if req.Length > ni.cfg.Limits.MaxAtomicSize {
		return nil, fmt.Errorf("%w: atomic of %d bytes exceeds %d", ErrArgInvalid, req.Length, ni.cfg.Limits.MaxAtomicSize)
	}
	if req.Op.isSwap() {
		return nil, fmt.Errorf("%w: %s requires Swap", ErrArgInvalid, req.Op)
	}
	if err := checkAtomic(req.Op, req.Type, req.Length); err != nil {
		return nil, err
	}
	if req.Ack > AckOC {
		return nil, fmt.Errorf("%w: ack request %d", ErrArgInvalid, req.Ack)
	}
	x, err := ni.newXI(wire.OpAtomic, req.Target, req.MD, nil)
	if err != nil {
		return nil, err
	}
	x.putOffset = req.LocalOffset
	x.length = req.Length
	x.ack = req.Ack
	x.ptIndex = req.PTIndex
	x.matchBits = req.MatchBits
	x.offset = req.RemoteOffset
	x.userPtr = req.UserPtr
	x.hdrData = req.HdrData
	x.atomOp = req.Op
	x.atomType = req.Type
	x.initMask()
	return x, nil
}

func (ni *NI) prepareFetch(op wire.Op, req *FetchAtomicRequest, operand uint64) (*xi, error) {
	if err := checkRange(req.PutMD, req.LocalPutOffset, req.Length); err != nil {
		return nil, err
	}
	if err := checkRange(req.GetMD, req.LocalGetOffset, req.Length); err != nil {
		return nil, err
	}
	if req.Length > ni.cfg.Limits.MaxFetchAtomicSize {
		return nil, fmt.Errorf("%w: fetch of %d bytes exceeds %d", ErrArgInvalid, req.Length, ni.cfg.Limits.MaxFetchAtomicSize)
	}
	if req.Op.isSwap() != (op == wire.OpSwap) {
		return nil, fmt.Errorf("%w: %s not valid for %s", ErrArgInvalid, req.Op, op)
	}
	if err := checkAtomic(req.Op, req.Type, req.Length); err != nil {
		return nil, err
	}
	x, err := ni.newXI(op, req.Target, req.PutMD, req.GetMD)
	if err != nil {
		return nil, err
	}
	x.putOffset = req.LocalPutOffset
	x.getOffset = req.LocalGetOffset
	x.length = req.Length
	x.ptIndex = req.PTIndex
	x.matchBits = req.MatchBits
	x.offset = req.RemoteOffset
	x.userPtr = req.UserPtr
	x.hdrData = req.HdrData
	x.atomOp = req.Op
	x.atomType = req.Type
	x.operand = operand
	x.initMask()
	return x, nil
}

// newXI allocates an initiator transaction holding references on its MDs
// and on the connection to target.
func (ni *NI) newXI(op wire.Op, target ProcessID, putMD, getMD *MD) (*xi, error) {
	if ni.isClosed() {
		return nil, ErrClosed
	}
	var held []*MD
	drop := func() {
		for _, md := range held {
			md.Put()
		}
	}
	for _, md := range []*MD{putMD, getMD} {
		if md == nil {
			continue
		}
		if md.ni != ni {
			drop()
			return nil, fmt.Errorf("%w: memory descriptor of another interface", ErrArgInvalid)
		}
		if !md.TryGet() {
			drop()
			return nil, fmt.Errorf("%w: memory descriptor released", ErrArgInvalid)
		}
		held = append(held, md)
	}
	addr, err := ni.physical(target)
	if err != nil {
		drop()
		return nil, err
	}
	conn, err := ni.conn(addr)
	if err != nil {
		drop()
		return nil, err
	}
	x, err := ni.xis.Alloc()
	if err != nil {
		drop()
		conn.Put()
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	x.ni = ni
	x.op = op
	x.target = target
	x.conn = conn
	x.putMD = putMD
	x.getMD = getMD
	return x, nil
}
