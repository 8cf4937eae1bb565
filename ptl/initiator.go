package ptl

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

type xiState uint8

const (
	xiStart xiState = iota
	xiPrepareReq
	xiWaitConn
	xiSendReq
	xiWaitSendComp
	xiEarlySendEvent
	xiWaitRecv
	xiDataIn
	xiLateSendEvent
	xiAckEvent
	xiReplyEvent
	xiSendError
	xiCleanup
	xiDone
)

var xiStateNames = [...]string{
	xiStart:          "start",
	xiPrepareReq:     "prepare_req",
	xiWaitConn:       "wait_conn",
	xiSendReq:        "send_req",
	xiWaitSendComp:   "wait_send_comp",
	xiEarlySendEvent: "early_send_event",
	xiWaitRecv:       "wait_recv",
	xiDataIn:         "data_in",
	xiLateSendEvent:  "late_send_event",
	xiAckEvent:       "ack_event",
	xiReplyEvent:     "reply_event",
	xiSendError:      "send_error",
	xiCleanup:        "cleanup",
	xiDone:           "done",
}

func (s xiState) String() string {
	if int(s) < len(xiStateNames) {
		return xiStateNames[s]
	}
	return fmt.Sprintf("xi_state(%d)", uint8(s))
}

// eventMask tracks the events a transaction still owes.
type eventMask uint8

const (
	maskSend eventMask = 1 << iota
	maskCTSend
	maskAck
	maskCTAck
	maskReply
	maskCTReply
)

// xi is the initiator side of one data movement operation.
type xi struct {
	pool.Object

	runAgain    atomic.Bool
	sendPending atomic.Bool
	connFailed  atomic.Bool
	// interrupted is set when the interface shuts down under the machine
	interrupted atomic.Bool
	resp        atomic.Pointer[Buf]
	// sendErr is written before sendPending is cleared
	sendErr error

	ni    *NI
	state xiState

	op        wire.Op
	putMD     *MD
	getMD     *MD
	putOffset uint64
	getOffset uint64
	length    uint64
	target    ProcessID
	conn      *Conn
	ptIndex   uint32
	matchBits uint64
	offset    uint64
	hdrData   uint64
	operand   uint64
	ack       AckReq
	atomOp    AtomicOp
	atomType  Datatype
	userPtr   any

	mask     eventMask
	wireAck  bool
	sendBuf  *Buf
	recvBuf  *Buf
	region   *fabric.MemoryRegion
	respOp   wire.Op
	fail     NIFail
	mlength  uint64
	finished bool
}

func cleanupXI(x *xi) {
	if r := x.resp.Swap(nil); r != nil {
		r.Put()
	}
	x.runAgain.Store(false)
	x.sendPending.Store(false)
	x.connFailed.Store(false)
	x.interrupted.Store(false)
	x.sendErr = nil
	x.state = xiStart
	x.op = 0
	x.putMD, x.getMD = nil, nil
	x.putOffset, x.getOffset, x.length = 0, 0, 0
	x.target = ProcessID{}
	x.conn = nil
	x.ptIndex = 0
	x.matchBits, x.offset, x.hdrData, x.operand = 0, 0, 0, 0
	x.ack = AckNone
	x.atomOp, x.atomType = 0, 0
	x.userPtr = nil
	x.mask = 0
	x.wireAck = false
	x.sendBuf, x.recvBuf = nil, nil
	x.region = nil
	x.respOp = 0
	x.fail = NIOK
	x.mlength = 0
	x.finished = false
}

func (x *xi) dataOut() bool {
	switch x.op {
	case wire.OpPut, wire.OpAtomic, wire.OpFetch, wire.OpSwap:
		return true
	}
	return false
}

func (x *xi) dataIn() bool {
	switch x.op {
	case wire.OpGet, wire.OpFetch, wire.OpSwap:
		return true
	}
	return false
}

func (x *xi) expectsResponse() bool {
	return x.dataIn() || x.ack != AckNone || x.wireAck
}

func (x *xi) initMask() {
	if md := x.putMD; md != nil {
		if md.eq != nil && md.options&MDEventSendDisable == 0 {
			x.mask |= maskSend
		}
		if md.ct != nil && md.options&MDEventCTSend != 0 {
			x.mask |= maskCTSend
		}
		if x.op == wire.OpPut || x.op == wire.OpAtomic {
			if md.eq != nil && (x.ack == AckFull || x.ack == AckOC) {
				x.mask |= maskAck
			}
			if md.ct != nil && md.options&MDEventCTAck != 0 && (x.ack == AckFull || x.ack == AckCT) {
				x.mask |= maskCTAck
			}
		}
	}
	if md := x.getMD; md != nil {
		if md.eq != nil {
			x.mask |= maskReply
		}
		if md.ct != nil && md.options&MDEventCTReply != 0 {
			x.mask |= maskCTReply
		}
	}
}

// launch starts the state machine of a new or triggered transaction.
func (x *xi) launch() {
	x.Get()
	x.run()
	x.Put()
}

// abort drops a triggered transaction that never ran.
func (x *xi) abort() {
	x.Lock()
	x.release()
	x.finished = true
	x.Unlock()
	x.Put()
}

// interrupt fails a machine that is waiting on a peer or on a completion
// that will never arrive.
func (x *xi) interrupt() {
	x.interrupted.Store(true)
	x.run()
}

func (x *xi) connReady(ok bool) {
	if !ok {
		x.connFailed.Store(true)
	}
	x.run()
}

// deliver hands a response buffer to the transaction.
func (x *xi) deliver(buf *Buf) {
	if !x.resp.CompareAndSwap(nil, buf) {
		x.ni.dropPacket("duplicate_response", logKV("xi", x.Handle()))
		buf.Put()
		return
	}
	x.run()
}

func (x *xi) sendCompleted(err error) {
	x.sendErr = err
	x.sendPending.Store(false)
	x.run()
}

// run drives the state machine. A caller that loses the try-lock race
// leaves runAgain set so the holder makes one more pass.
func (x *xi) run() {
	x.runAgain.Store(true)
	for x.runAgain.Load() {
		if !x.TryLock() {
			return
		}
		x.runAgain.Store(false)
		for {
			next, wait := x.step()
			x.state = next
			if wait {
				break
			}
		}
		x.Unlock()
	}
}

func (x *xi) step() (xiState, bool) {
	switch x.state {
	case xiStart:
		return xiPrepareReq, false
	case xiPrepareReq:
		return x.prepareRequest()
	case xiWaitConn:
		return x.waitConn()
	case xiSendReq:
		return x.sendRequest()
	case xiWaitSendComp:
		return x.waitSendCompletion()
	case xiEarlySendEvent:
		x.sendEvent(NIOK)
		if x.expectsResponse() {
			return xiWaitRecv, false
		}
		return xiCleanup, false
	case xiWaitRecv:
		return x.waitRecv()
	case xiDataIn:
		return x.recvData()
	case xiLateSendEvent:
		x.sendEvent(x.fail)
		return xiAckEvent, false
	case xiAckEvent:
		x.ackEvent()
		return xiReplyEvent, false
	case xiReplyEvent:
		x.emit(x.getMD, EventReply, maskReply, maskCTReply, x.fail, x.mlength)
		return xiCleanup, false
	case xiSendError:
		x.sendEvent(x.fail)
		x.emit(x.putMD, EventAck, maskAck, maskCTAck, x.fail, 0)
		x.emit(x.getMD, EventReply, maskReply, maskCTReply, x.fail, 0)
		return xiCleanup, false
	case xiCleanup:
		x.release()
		x.ni.stats.initiators.Add(1)
		x.ni.metricTransaction("initiator", x.fail)
		return xiDone, false
	case xiDone:
		return x.done()
	}
	panic(fmt.Sprintf("ptl: initiator in unknown state %d", x.state))
}

func (x *xi) prepareRequest() (xiState, bool) {
	ni := x.ni
	var out, in wire.Data
	var err error
	if x.dataOut() {
		out, err = x.outDescriptor()
	}
	if err == nil && x.dataIn() {
		in, err = x.inDescriptor()
	}
	var buf *Buf
	if err == nil {
		buf, err = ni.allocBuf(BufSend)
	}
	if err == nil {
		err = x.encodeRequest(buf, &out, &in)
		if err != nil {
			buf.Put()
		}
	}
	if err != nil {
		ni.logEvent("xi_prepare_error", logKV("xi", x.Handle()), logKV("op", x.op), logKV("error", err))
		x.fail = NIUndeliverable
		return xiSendError, false
	}
	buf.xi = x
	x.sendBuf = buf
	return xiWaitConn, false
}

func (x *xi) encodeRequest(buf *Buf, out, in *wire.Data) error {
	hdr := x.requestHeader()
	n, err := hdr.Encode(buf.data)
	if err != nil {
		return err
	}
	for _, d := range []*wire.Data{out, in} {
		if d.Fmt == wire.DataFmtNone {
			continue
		}
		m, err := d.Encode(buf.data[n:])
		if err != nil {
			return err
		}
		n += m
	}
	buf.length = n
	return nil
}

func (x *xi) requestHeader() wire.Header {
	ni := x.ni
	ack := x.ack.wire()
	if x.wireAck && ack == wire.AckReqNone {
		ack = wire.AckReqOC
	}
	h := wire.Header{
		Op:        x.op,
		AtomOp:    uint8(x.atomOp),
		AtomType:  uint8(x.atomType),
		AckReq:    ack,
		NIType:    ni.cfg.Options.wireType(),
		PktFmt:    wire.PktFmtRDMA,
		DataIn:    x.dataIn(),
		DataOut:   x.dataOut(),
		Length:    x.length,
		Offset:    x.offset,
		Handle:    uint64(x.Handle()),
		MatchBits: x.matchBits,
		HdrData:   x.hdrData,
		Operand:   x.operand,
		PTIndex:   x.ptIndex,
		JobID:     ni.cfg.JobID,
		UID:       ni.cfg.UID,
		SrcPID:    ni.id.PID,
	}
	if ni.cfg.Options&NILogical != 0 {
		h.DstNID = x.target.Rank
		h.SrcNID = ni.rank
		h.DstPID = x.conn.addr.PID()
	} else {
		h.DstNID = x.target.NID
		h.DstPID = x.target.PID
		h.SrcNID = ni.id.NID
	}
	return h
}

// outDescriptor carries small puts and every atomic inline and describes
// larger puts by their registered segments, which requires an ack so the
// memory outlives the target's reads.
func (x *xi) outDescriptor() (wire.Data, error) {
	if x.op != wire.OpPut || x.length <= uint64(x.ni.cfg.MaxInlineData) {
		data := make([]byte, x.length)
		x.putMD.copyOut(data, x.putOffset)
		return wire.Data{Fmt: wire.DataFmtImmediate, Immediate: data}, nil
	}
	x.wireAck = true
	return x.descriptor(x.putMD, x.putOffset)
}

// inDescriptor asks for an inline reply with an empty immediate descriptor
// when the data fits in a receive buffer.
func (x *xi) inDescriptor() (wire.Data, error) {
	if x.op != wire.OpGet || x.length <= uint64(x.ni.cfg.MaxInlineData) {
		return wire.Data{Fmt: wire.DataFmtImmediate}, nil
	}
	return x.descriptor(x.getMD, x.getOffset)
}

func (x *xi) descriptor(md *MD, offset uint64) (wire.Data, error) {
	ni := x.ni
	sges := md.sges(offset, x.length)
	if len(sges) <= ni.cfg.MaxDirectSGEs {
		return wire.Data{Fmt: wire.DataFmtDirect, SGEs: sges}, nil
	}
	size := len(sges) * wire.SGESize
	region, err := ni.mrPool.Stage(size, func(b []byte) { wire.PutSGEs(b, sges) })
	if errors.Is(err, fabric.ErrRegionTooSmall) {
		return wire.Data{}, fmt.Errorf("%w: %d segments exceed the indirect list", ErrNoSpace, len(sges))
	}
	if err != nil {
		return wire.Data{}, err
	}
	x.region = region
	return wire.Data{
		Fmt:   wire.DataFmtIndirect,
		SGEs:  []wire.SGE{{Addr: region.Address(), Length: uint32(size), Key: region.Key()}},
		Count: uint32(len(sges)),
	}, nil
}

func (x *xi) waitConn() (xiState, bool) {
	if x.connFailed.Load() || x.interrupted.Load() {
		x.ni.logEvent("xi_undeliverable", logKV("xi", x.Handle()), logKV("peer", x.conn.addr))
		x.fail = NIUndeliverable
		return xiSendError, false
	}
	if !x.conn.waitFor(x) {
		return xiWaitConn, true
	}
	return xiSendReq, false
}

func (x *xi) sendRequest() (xiState, bool) {
	buf := x.sendBuf
	x.sendBuf = nil
	x.sendPending.Store(true)
	if err := buf.send(x.conn, true); err != nil {
		x.sendPending.Store(false)
		buf.Put()
		x.ni.logEvent("xi_send_error", logKV("xi", x.Handle()), logKV("error", err))
		x.fail = NIUndeliverable
		return xiSendError, false
	}
	switch {
	case !x.wireAck && x.mask&(maskSend|maskCTSend) != 0:
		return xiWaitSendComp, false
	case x.expectsResponse():
		return xiWaitRecv, false
	default:
		return xiCleanup, false
	}
}

func (x *xi) waitSendCompletion() (xiState, bool) {
	if x.sendPending.Load() {
		if x.interrupted.Load() {
			x.fail = NIUndeliverable
			return xiSendError, false
		}
		return xiWaitSendComp, true
	}
	if x.sendErr != nil {
		x.fail = NIUndeliverable
		return xiSendError, false
	}
	return xiEarlySendEvent, false
}

func (x *xi) waitRecv() (xiState, bool) {
	if x.recvBuf == nil {
		x.recvBuf = x.resp.Swap(nil)
	}
	buf := x.recvBuf
	if buf == nil {
		if (!x.sendPending.Load() && x.sendErr != nil) || x.interrupted.Load() {
			x.fail = NIUndeliverable
			return xiSendError, false
		}
		return xiWaitRecv, true
	}
	x.respOp = buf.hdr.Op
	x.fail = NIFail(buf.hdr.NIFail)
	x.mlength = buf.hdr.Length
	x.offset = buf.hdr.Offset
	if x.respOp == wire.OpData {
		return xiDataIn, false
	}
	return xiLateSendEvent, false
}

func (x *xi) recvData() (xiState, bool) {
	buf := x.recvBuf
	d, _, err := wire.DecodeData(buf.bytes()[wire.ResponseSize:])
	switch {
	case err != nil:
		x.ni.logEvent("xi_reply_malformed", logKV("xi", x.Handle()), logKV("error", err))
	case d.Fmt != wire.DataFmtImmediate:
		x.ni.logEvent("xi_reply_malformed", logKV("xi", x.Handle()), logKV("data_fmt", d.Fmt))
	default:
		n := min(uint64(len(d.Immediate)), x.length)
		x.getMD.copyIn(x.getOffset, d.Immediate[:n])
	}
	return xiLateSendEvent, false
}

// ackEvent reports the acknowledgement the target actually sent, which may
// be weaker than the one requested.
func (x *xi) ackEvent() {
	if x.op != wire.OpPut && x.op != wire.OpAtomic {
		return
	}
	var bit, ctBit eventMask
	if x.respOp == wire.OpAck || x.respOp == wire.OpOCAck {
		bit = maskAck
	}
	if x.respOp == wire.OpAck || x.respOp == wire.OpCTAck {
		ctBit = maskCTAck
	}
	x.emit(x.putMD, EventAck, bit, ctBit, x.fail, x.mlength)
	x.mask &^= maskAck | maskCTAck
}

func (x *xi) sendEvent(fail NIFail) {
	x.emit(x.putMD, EventSend, maskSend, maskCTSend, fail, x.length)
}

// emit posts the full event and the counting event update selected by bit
// and ctBit, each at most once.
func (x *xi) emit(md *MD, kind EventKind, bit, ctBit eventMask, fail NIFail, mlength uint64) {
	if md == nil {
		return
	}
	if bit != 0 && x.mask&bit != 0 {
		x.mask &^= bit
		if fail != NIOK || md.options&MDEventSuccessDisable == 0 {
			md.eq.post(Event{
				Kind:         kind,
				PTIndex:      x.ptIndex,
				MatchBits:    x.matchBits,
				RLength:      x.length,
				MLength:      mlength,
				RemoteOffset: x.offset,
				UserPtr:      x.userPtr,
				HdrData:      x.hdrData,
				NIFail:       fail,
				AtomicOp:     x.atomOp,
				AtomicType:   x.atomType,
			})
		}
	}
	if ctBit != 0 && x.mask&ctBit != 0 {
		x.mask &^= ctBit
		countEvent(md.ct, md.options&MDEventCTBytes != 0, mlength, fail)
	}
}

func countEvent(ct *CT, bytes bool, mlength uint64, fail NIFail) {
	switch {
	case ct == nil:
	case fail != NIOK:
		ct.add(0, 1)
	case bytes:
		ct.add(mlength, 0)
	default:
		ct.add(1, 0)
	}
}

// release drops everything the transaction holds.
func (x *xi) release() {
	if x.sendBuf != nil {
		x.sendBuf.Put()
		x.sendBuf = nil
	}
	if x.recvBuf != nil {
		x.recvBuf.Put()
		x.recvBuf = nil
	}
	if r := x.resp.Swap(nil); r != nil {
		r.Put()
	}
	if x.region != nil {
		x.ni.mrPool.Release(x.region)
		x.region = nil
	}
	if x.putMD != nil {
		x.putMD.Put()
		x.putMD = nil
	}
	if x.getMD != nil {
		x.getMD.Put()
		x.getMD = nil
	}
	if x.conn != nil {
		x.conn.Put()
		x.conn = nil
	}
}

// done drops the machine reference once the send completion, which may
// arrive after the response, has been seen. An interrupted machine stops
// waiting for it.
func (x *xi) done() (xiState, bool) {
	if (x.sendPending.Load() && !x.interrupted.Load()) || x.finished {
		return xiDone, true
	}
	x.finished = true
	if x.Refs() < 2 {
		panic(fmt.Sprintf("ptl: initiator %s finished without a driver reference", x.Handle()))
	}
	x.Put()
	return xiDone, true
}
