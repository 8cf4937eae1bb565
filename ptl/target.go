package ptl

import (
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/portals4-go/fabric"
	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

type xtState uint8

const (
	xtStart xtState = iota
	xtGetMatch
	xtGetPermission
	xtGetLength
	xtDataIn
	xtDataOut
	xtAtomicDataIn
	xtSwapDataIn
	xtRDMA
	xtRDMADescFetch
	xtUnlink
	xtCommEvent
	xtSendAck
	xtSendReply
	xtCleanup
	xtDone
	xtDrop
	xtError
)

var xtStateNames = [...]string{
	xtStart:         "start",
	xtGetMatch:      "get_match",
	xtGetPermission: "get_permission",
	xtGetLength:     "get_length",
	xtDataIn:        "data_in",
	xtDataOut:       "data_out",
	xtAtomicDataIn:  "atomic_data_in",
	xtSwapDataIn:    "swap_data_in",
	xtRDMA:          "rdma",
	xtRDMADescFetch: "rdma_desc_fetch",
	xtUnlink:        "unlink",
	xtCommEvent:     "comm_event",
	xtSendAck:       "send_ack",
	xtSendReply:     "send_reply",
	xtCleanup:       "cleanup",
	xtDone:          "done",
	xtDrop:          "drop",
	xtError:         "error",
}

func (s xtState) String() string {
	if int(s) < len(xtStateNames) {
		return xtStateNames[s]
	}
	return fmt.Sprintf("xt_state(%d)", uint8(s))
}

// xt is the target side of one data movement operation.
type xt struct {
	pool.Object

	runAgain   atomic.Bool
	connFailed atomic.Bool
	inflight   atomic.Int32
	rdmaFailed atomic.Bool

	ni    *NI
	state xtState
	buf   *Buf
	hdr   wire.Header
	// out is data the initiator sends, in describes where data for the
	// initiator goes.
	out       wire.Data
	in        wire.Data
	initiator ProcessID
	conn      *Conn

	pt   *PT
	me   *ME
	list ListKind
	// ownsLink marks the list reference of an entry this transaction unlinked
	ownsLink    bool
	unlinked    bool
	unlinkLocal bool

	fail    NIFail
	mlength uint64
	moffset uint64
	start   []byte
	reply   []byte

	rdmaWrite  bool
	rdmaUsed   bool
	sges       []wire.SGE
	sgeIndex   int
	sgeOff     uint64
	residual   uint64
	localOff   uint64
	descList   []byte
	descPosted bool
	finished   bool
}

func cleanupXT(x *xt) {
	x.runAgain.Store(false)
	x.connFailed.Store(false)
	x.inflight.Store(0)
	x.rdmaFailed.Store(false)
	x.state = xtStart
	x.buf = nil
	x.hdr = wire.Header{}
	x.out, x.in = wire.Data{}, wire.Data{}
	x.initiator = ProcessID{}
	x.conn = nil
	x.pt, x.me = nil, nil
	x.list = PriorityList
	x.ownsLink, x.unlinked, x.unlinkLocal = false, false, false
	x.fail = NIOK
	x.mlength, x.moffset = 0, 0
	x.start, x.reply = nil, nil
	x.rdmaWrite, x.rdmaUsed = false, false
	x.sges = nil
	x.sgeIndex = 0
	x.sgeOff, x.residual, x.localOff = 0, 0, 0
	x.descList = nil
	x.descPosted = false
	x.finished = false
}

// startTarget creates a target transaction for a request buffer, which it
// takes ownership of.
func (ni *NI) startTarget(buf *Buf) {
	x, err := ni.xts.Alloc()
	if err != nil {
		ni.dropPacket("no_target_space", logKV("error", err))
		buf.Put()
		return
	}
	x.ni = ni
	x.buf = buf
	x.hdr = buf.hdr
	buf.xt = x
	x.launch()
}

func (x *xt) launch() {
	x.Get()
	x.run()
	x.Put()
}

func (x *xt) connReady(ok bool) {
	if !ok {
		x.connFailed.Store(true)
	}
	x.run()
}

// rdmaCompleted accounts for count finished work requests. The caller holds
// a reference on x.
func (x *xt) rdmaCompleted(count int, err error) {
	if err != nil {
		x.rdmaFailed.Store(true)
	}
	x.inflight.Add(int32(-count))
	x.run()
}

func (x *xt) run() {
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

func (x *xt) step() (xtState, bool) {
	switch x.state {
	case xtStart:
		return x.begin()
	case xtGetMatch:
		return x.getMatch()
	case xtGetPermission:
		return x.getPermission()
	case xtGetLength:
		return x.getLength()
	case xtDataIn:
		return x.dataIn()
	case xtDataOut:
		return x.dataOut()
	case xtAtomicDataIn, xtSwapDataIn:
		return x.atomicDataIn()
	case xtRDMA:
		return x.rdma()
	case xtRDMADescFetch:
		return x.fetchDescriptors()
	case xtUnlink:
		return x.unlink()
	case xtCommEvent:
		return x.commEvent()
	case xtSendAck:
		return x.sendAck()
	case xtSendReply:
		return x.sendReply()
	case xtDrop:
		x.ni.logEvent("xt_drop", logKV("xt", x.Handle()), logKV("pt_index", x.hdr.PTIndex), logKV("ni_fail", x.fail))
		return x.respond(), false
	case xtError:
		x.ni.logEvent("xt_error", logKV("xt", x.Handle()), logKV("pt_index", x.hdr.PTIndex), logKV("ni_fail", x.fail))
		return x.respond(), false
	case xtCleanup:
		return x.cleanup()
	case xtDone:
		return x.done()
	}
	panic(fmt.Sprintf("ptl: target in unknown state %d", x.state))
}

func (x *xt) begin() (xtState, bool) {
	ni := x.ni
	conn, err := ni.conn(x.buf.source)
	if err == nil {
		x.conn = conn
	}
	x.initiator = ni.initiatorID(&x.hdr)

	body := x.buf.bytes()[wire.RequestSize:]
	if x.hdr.DataOut {
		d, n, derr := wire.DecodeData(body)
		if derr != nil {
			err = derr
		}
		x.out = d
		body = body[n:]
	}
	if err == nil && x.hdr.DataIn {
		x.in, _, err = wire.DecodeData(body)
	}
	if err != nil {
		ni.logEvent("xt_malformed", logKV("xt", x.Handle()), logKV("error", err))
		x.fail = NIDropped
		return xtDrop, false
	}
	return xtGetMatch, false
}

func (ni *NI) initiatorID(h *wire.Header) ProcessID {
	if ni.cfg.Options&NILogical == 0 {
		return ProcessID{NID: h.SrcNID, PID: h.SrcPID}
	}
	id := ProcessID{Rank: h.SrcNID, PID: h.SrcPID}
	if int(h.SrcNID) < len(ni.cfg.Map) {
		id.NID = ni.cfg.Map[h.SrcNID].NID
	}
	return id
}

func (x *xt) getMatch() (xtState, bool) {
	ni := x.ni
	pt := ni.lookupPT(x.hdr.PTIndex)
	if pt == nil {
		x.fail = NIDropped
		return xtDrop, false
	}
	x.pt = pt
	if !pt.Enabled() {
		x.fail = NIPTDisabled
		return xtDrop, false
	}
	req := &MatchRequest{
		Initiator: x.initiator,
		MatchBits: x.hdr.MatchBits,
		RLength:   x.hdr.Length,
		Offset:    x.hdr.Offset,
		Logical:   ni.cfg.Options&NILogical != 0,
		Matching:  ni.cfg.Options&NIMatching != 0,
	}
	for {
		me, list, ok := ni.cfg.Matcher.FindMatch(pt, req)
		if !ok {
			break
		}
		if me.spec.Options&MEUseOnce != 0 {
			// another request consumed the entry first
			if !ni.cfg.Matcher.Unlink(pt, me) {
				me.Put()
				continue
			}
			x.ownsLink = true
			x.unlinked = true
		}
		x.me = me
		x.list = list
		return xtGetPermission, false
	}

	if pt.options&PTFlowControl != 0 && pt.emptyPriority() {
		pt.mu.Lock()
		wasEnabled := pt.enabled
		pt.enabled = false
		pt.mu.Unlock()
		if wasEnabled {
			ni.logEvent("pt_disabled", logKV("pt_index", pt.index))
			pt.eq.post(Event{
				Kind:      EventPTDisabled,
				Initiator: x.initiator,
				PTIndex:   pt.index,
				MatchBits: x.hdr.MatchBits,
				RLength:   x.hdr.Length,
				NIFail:    NIPTDisabled,
			})
		}
		x.fail = NIPTDisabled
		return xtDrop, false
	}
	x.fail = NIDropped
	return xtDrop, false
}

func (x *xt) getPermission() (xtState, bool) {
	s := &x.me.spec
	if s.UID != AnyUID && s.UID != x.hdr.UID {
		x.fail = NIPermViolation
		return xtError, false
	}
	var need MEOptions
	switch x.hdr.Op {
	case wire.OpPut, wire.OpAtomic:
		need = MEOpPut
	case wire.OpGet:
		need = MEOpGet
	case wire.OpFetch, wire.OpSwap:
		need = MEOpPut | MEOpGet
	}
	if s.Options&need != need {
		x.fail = NIOpViolation
		return xtError, false
	}
	if x.isAtomic() {
		if err := checkAtomic(AtomicOp(x.hdr.AtomOp), Datatype(x.hdr.AtomType), x.hdr.Length); err != nil {
			x.fail = NIOpViolation
			return xtError, false
		}
	}
	return xtGetLength, false
}

func (x *xt) isAtomic() bool {
	return x.hdr.Op == wire.OpAtomic || x.hdr.Op == wire.OpFetch || x.hdr.Op == wire.OpSwap
}

func (x *xt) getLength() (xtState, bool) {
	lim := x.ni.cfg.Limits
	me := x.me
	s := &me.spec
	limit := lim.MaxMsgSize
	switch x.hdr.Op {
	case wire.OpAtomic:
		limit = lim.MaxAtomicSize
	case wire.OpFetch, wire.OpSwap:
		limit = lim.MaxFetchAtomicSize
	}
	size := uint64(len(s.Start))

	x.pt.mu.Lock()
	offset := x.hdr.Offset
	if s.Options&MEManageLocal != 0 {
		offset = me.localOffset
	}
	var room uint64
	if offset < size {
		room = size - offset
	}
	mlength := min(room, x.hdr.Length, limit)
	if x.isAtomic() {
		if dsize := uint64(Datatype(x.hdr.AtomType).Size()); dsize > 0 {
			mlength -= mlength % dsize
		}
	}
	if s.Options&MEManageLocal != 0 {
		me.localOffset = offset + mlength
		if size-me.localOffset < s.MinFree {
			x.unlinkLocal = true
		}
	}
	x.pt.mu.Unlock()

	x.moffset = offset
	x.mlength = mlength
	if mlength > 0 {
		x.start = s.Start[offset : offset+mlength]
	}
	if mlength == 0 {
		return xtUnlink, false
	}
	switch x.hdr.Op {
	case wire.OpPut:
		return xtDataIn, false
	case wire.OpGet:
		return xtDataOut, false
	case wire.OpSwap:
		return xtSwapDataIn, false
	default:
		return xtAtomicDataIn, false
	}
}

func (x *xt) dataIn() (xtState, bool) {
	switch x.out.Fmt {
	case wire.DataFmtImmediate:
		copy(x.start, x.out.Immediate)
		return xtUnlink, false
	case wire.DataFmtDirect:
		x.beginRDMA(false, x.out.SGEs)
		return xtRDMA, false
	case wire.DataFmtIndirect:
		x.rdmaWrite = false
		return xtRDMADescFetch, false
	}
	x.fail = NIDropped
	return xtUnlink, false
}

func (x *xt) dataOut() (xtState, bool) {
	switch x.in.Fmt {
	case wire.DataFmtImmediate:
		x.reply = append([]byte(nil), x.start...)
		return xtUnlink, false
	case wire.DataFmtDirect:
		x.beginRDMA(true, x.in.SGEs)
		return xtRDMA, false
	case wire.DataFmtIndirect:
		x.rdmaWrite = true
		return xtRDMADescFetch, false
	}
	x.fail = NIDropped
	return xtUnlink, false
}

// atomicDataIn applies an atomic, fetch or swap to the entry's memory under
// the entry lock, keeping the old value for operations that return it.
func (x *xt) atomicDataIn() (xtState, bool) {
	if x.out.Fmt != wire.DataFmtImmediate || uint64(len(x.out.Immediate)) < x.mlength {
		x.fail = NIDropped
		return xtUnlink, false
	}
	op, dt := AtomicOp(x.hdr.AtomOp), Datatype(x.hdr.AtomType)
	x.me.Lock()
	if x.hdr.Op != wire.OpAtomic {
		x.reply = append([]byte(nil), x.start...)
	}
	applyAtomic(op, dt, x.start, x.out.Immediate[:x.mlength], x.hdr.Operand)
	x.me.Unlock()
	return xtUnlink, false
}

func (x *xt) beginRDMA(write bool, sges []wire.SGE) {
	x.rdmaWrite = write
	x.rdmaUsed = true
	x.sges = sges
	x.sgeIndex = 0
	x.sgeOff = 0
	x.residual = x.mlength
	x.localOff = 0
}

// rdma keeps up to MaxRDMAOutstanding work requests in flight and re-enters
// until the residual is zero and every completion has arrived.
func (x *xt) rdma() (xtState, bool) {
	if x.connFailed.Load() {
		x.fail = NIUndeliverable
		return xtUnlink, false
	}
	if !x.conn.waitFor(x) {
		return xtRDMA, true
	}
	limit := int32(x.ni.cfg.MaxRDMAOutstanding)
	for x.residual > 0 && !x.rdmaFailed.Load() {
		room := limit - x.inflight.Load()
		if room <= 0 {
			break
		}
		if err := x.postBatch(int(room)); err != nil {
			x.ni.logEvent("xt_rdma_error", logKV("xt", x.Handle()), logKV("error", err))
			x.rdmaFailed.Store(true)
		}
	}
	if x.inflight.Load() > 0 || (x.residual > 0 && !x.rdmaFailed.Load()) {
		return xtRDMA, true
	}
	if x.rdmaFailed.Load() {
		x.fail = NISegv
	}
	return xtUnlink, false
}

// postBatch issues up to room work requests. Only the last one of the batch
// is signaled and its completion accounts for the whole batch.
func (x *xt) postBatch(room int) error {
	segment := uint64(x.ni.cfg.MaxRDMASegment)
	var reqs []fabric.RMARequest
	for len(reqs) < room && x.residual > 0 && x.sgeIndex < len(x.sges) {
		sge := x.sges[x.sgeIndex]
		n := min(uint64(sge.Length)-x.sgeOff, x.residual, segment)
		if n > 0 {
			reqs = append(reqs, fabric.RMARequest{
				Buffer: x.start[x.localOff : x.localOff+n],
				Addr:   sge.Addr + x.sgeOff,
				Key:    sge.Key,
			})
		}
		x.sgeOff += n
		x.localOff += n
		x.residual -= n
		if x.sgeOff >= uint64(sge.Length) {
			x.sgeIndex++
			x.sgeOff = 0
		}
	}
	if x.sgeIndex >= len(x.sges) {
		x.residual = 0
	}
	if len(reqs) == 0 {
		return nil
	}
	return x.post(reqs, x.rdmaWrite)
}

func (x *xt) post(reqs []fabric.RMARequest, write bool) error {
	ni := x.ni
	qp := x.conn.queuePair()
	if qp == nil {
		return fabric.ErrNotConnected
	}
	buf, err := ni.allocBuf(BufRDMA)
	if err != nil {
		return err
	}
	buf.xt = x
	buf.rdmaCount = len(reqs)
	ctx := ni.domain.NewCompletionContext()
	ctx.SetValue(buf)
	last := &reqs[len(reqs)-1]
	last.Signaled = true
	last.Context = ctx

	x.inflight.Add(int32(len(reqs)))
	ni.rdmaList.add(buf)
	for i := range reqs {
		if write {
			err = qp.PostWrite(&reqs[i])
		} else {
			err = qp.PostRead(&reqs[i])
		}
		if err != nil {
			ni.rdmaList.remove(buf)
			ctx.Release()
			buf.Put()
			x.inflight.Add(int32(-len(reqs)))
			return err
		}
	}
	return nil
}

// fetchDescriptors reads an indirect segment list from the initiator.
func (x *xt) fetchDescriptors() (xtState, bool) {
	d := &x.out
	if x.rdmaWrite {
		d = &x.in
	}
	if !x.descPosted {
		if x.connFailed.Load() {
			x.fail = NIUndeliverable
			return xtUnlink, false
		}
		if !x.conn.waitFor(x) {
			return xtRDMADescFetch, true
		}
		if len(d.SGEs) != 1 {
			x.fail = NISegv
			return xtUnlink, false
		}
		sge := d.SGEs[0]
		x.descList = make([]byte, sge.Length)
		x.descPosted = true
		req := []fabric.RMARequest{{Buffer: x.descList, Addr: sge.Addr, Key: sge.Key}}
		if err := x.post(req, false); err != nil {
			x.ni.logEvent("xt_desc_fetch_error", logKV("xt", x.Handle()), logKV("error", err))
			x.fail = NISegv
			return xtUnlink, false
		}
	}
	if x.inflight.Load() > 0 {
		return xtRDMADescFetch, true
	}
	if x.rdmaFailed.Load() {
		x.fail = NISegv
		return xtUnlink, false
	}
	sges, err := wire.SGEs(x.descList, int(d.Count))
	if err != nil {
		x.fail = NISegv
		return xtUnlink, false
	}
	x.beginRDMA(x.rdmaWrite, sges)
	return xtRDMA, false
}

// unlink removes a use-once entry, or a locally managed one that fell below
// its free threshold, and drops the list reference.
func (x *xt) unlink() (xtState, bool) {
	if x.me == nil {
		return xtCommEvent, false
	}
	if x.unlinkLocal && !x.ownsLink {
		if x.ni.cfg.Matcher.Unlink(x.pt, x.me) {
			x.ownsLink = true
			x.unlinked = true
		}
	}
	if x.ownsLink {
		x.ownsLink = false
		x.me.Put()
	}
	return xtCommEvent, false
}

func (x *xt) eventKind() EventKind {
	overflow := x.list == OverflowList
	switch x.hdr.Op {
	case wire.OpPut:
		return pick(overflow, EventPutOverflow, EventPut)
	case wire.OpGet:
		return pick(overflow, EventGetOverflow, EventGet)
	case wire.OpAtomic:
		return pick(overflow, EventAtomicOverflow, EventAtomic)
	default:
		return pick(overflow, EventFetchAtomicOverflow, EventFetchAtomic)
	}
}

func (x *xt) commEvent() (xtState, bool) {
	s := &x.me.spec
	if s.Options&MEEventCommDisable == 0 && (x.fail != NIOK || s.Options&MEEventSuccessDisable == 0) {
		evt := Event{
			Kind:         x.eventKind(),
			Initiator:    x.initiator,
			PTIndex:      x.pt.index,
			UID:          x.hdr.UID,
			JobID:        x.hdr.JobID,
			MatchBits:    x.hdr.MatchBits,
			RLength:      x.hdr.Length,
			MLength:      x.mlength,
			RemoteOffset: x.moffset,
			Start:        x.start,
			UserPtr:      x.me.userPtr,
			HdrData:      x.hdr.HdrData,
			NIFail:       x.fail,
		}
		if x.isAtomic() {
			evt.AtomicOp = AtomicOp(x.hdr.AtomOp)
			evt.AtomicType = Datatype(x.hdr.AtomType)
		}
		x.pt.eq.post(evt)
	}
	if s.Options&MEEventCTComm != 0 {
		countEvent(s.CT, s.Options&MEEventCTBytes != 0, x.mlength, x.fail)
	}
	if x.unlinked && s.Options&MEEventUnlinkDisable == 0 {
		x.pt.eq.post(Event{Kind: EventAutoUnlink, PTIndex: x.pt.index, UserPtr: x.me.userPtr})
	}
	return x.respond(), false
}

// respond selects the response the operation owes the initiator. Dropped and
// failed requests answer like successful ones so the initiator's events stay
// balanced.
func (x *xt) respond() xtState {
	switch x.hdr.Op {
	case wire.OpGet, wire.OpFetch, wire.OpSwap:
		return xtSendReply
	}
	if x.hdr.AckReq == wire.AckReqNone {
		return xtCleanup
	}
	return xtSendAck
}

func (x *xt) readyToRespond() (ready bool, wait bool) {
	if x.conn == nil || x.connFailed.Load() {
		x.ni.logEvent("xt_response_undeliverable", logKV("xt", x.Handle()), logKV("peer", x.buf.source))
		return false, false
	}
	if !x.conn.waitFor(x) {
		return false, true
	}
	return true, false
}

func (x *xt) sendAck() (xtState, bool) {
	ready, wait := x.readyToRespond()
	if wait {
		return xtSendAck, true
	}
	if ready {
		op := wire.OpAck
		switch x.hdr.AckReq {
		case wire.AckReqCT:
			op = wire.OpCTAck
		case wire.AckReqOC:
			op = wire.OpOCAck
		}
		if op == wire.OpAck && x.me != nil && x.me.spec.Options&MEAckDisable != 0 {
			op = wire.OpOCAck
		}
		x.sendResponse(op, nil)
	}
	return xtCleanup, false
}

func (x *xt) sendReply() (xtState, bool) {
	ready, wait := x.readyToRespond()
	if wait {
		return xtSendReply, true
	}
	if ready {
		if x.fail == NIOK && !x.rdmaUsed {
			x.sendResponse(wire.OpData, x.reply)
		} else {
			x.sendResponse(wire.OpReply, nil)
		}
	}
	return xtCleanup, false
}

func (x *xt) sendResponse(op wire.Op, data []byte) {
	ni := x.ni
	buf, err := ni.allocBuf(BufSend)
	if err != nil {
		ni.logEvent("xt_response_error", logKV("xt", x.Handle()), logKV("error", err))
		return
	}
	hdr := wire.Header{
		Op:     op,
		NIType: ni.cfg.Options.wireType(),
		PktFmt: wire.PktFmtRDMA,
		NIFail: uint8(x.fail),
		DstNID: x.hdr.SrcNID,
		DstPID: x.hdr.SrcPID,
		SrcNID: ni.id.NID,
		SrcPID: ni.id.PID,
		Length: x.mlength,
		Offset: x.moffset,
		Handle: x.hdr.Handle,
	}
	if ni.cfg.Options&NILogical != 0 {
		hdr.SrcNID = ni.rank
	}
	n, err := hdr.Encode(buf.data)
	if err == nil && op == wire.OpData {
		d := wire.Data{Fmt: wire.DataFmtImmediate, Immediate: data}
		var m int
		m, err = d.Encode(buf.data[n:])
		n += m
	}
	if err != nil {
		buf.Put()
		ni.logEvent("xt_response_error", logKV("xt", x.Handle()), logKV("error", err))
		return
	}
	buf.length = n
	if err := buf.send(x.conn, false); err != nil {
		ni.logEvent("xt_response_error", logKV("xt", x.Handle()), logKV("op", op), logKV("error", err))
	}
}

func (x *xt) cleanup() (xtState, bool) {
	if x.ownsLink {
		x.ownsLink = false
		x.me.Put()
	}
	if x.me != nil {
		x.me.Put()
		x.me = nil
	}
	if x.buf != nil {
		x.buf.xt = nil
		x.buf.Put()
		x.buf = nil
	}
	if x.conn != nil {
		x.conn.Put()
		x.conn = nil
	}
	x.ni.stats.targets.Add(1)
	x.ni.metricTransaction("target", x.fail)
	return xtDone, false
}

func (x *xt) done() (xtState, bool) {
	if x.inflight.Load() > 0 || x.finished {
		return xtDone, true
	}
	x.finished = true
	if x.Refs() < 2 {
		panic(fmt.Sprintf("ptl: target %s finished without a driver reference", x.Handle()))
	}
	x.Put()
	return xtDone, true
}
