package ptl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestPutWithAck(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	landing := make([]byte, 64)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: anyID, MatchBits: 0x77, UID: AnyUID})

	ieq := newEQ(t, ini)
	payload := pattern(32, 3)
	md := bindMD(t, ini, MDSpec{Start: payload, EQ: ieq})
	err := ini.Put(PutRequest{
		MD:           md,
		Length:       32,
		Ack:          AckFull,
		Target:       Phys(2, 1),
		MatchBits:    0x77,
		RemoteOffset: 8,
		UserPtr:      "put",
		HdrData:      0xfeed,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	send := expectEvent(t, ini, ieq, EventSend)
	if send.NIFail != NIOK || send.UserPtr != "put" {
		t.Fatalf("unexpected send event %+v", send)
	}
	ack := expectEvent(t, ini, ieq, EventAck)
	if ack.NIFail != NIOK || ack.MLength != 32 || ack.RemoteOffset != 8 {
		t.Fatalf("unexpected ack event %+v", ack)
	}

	put := expectEvent(t, tgt, teq, EventPut)
	if put.RLength != 32 || put.MLength != 32 || put.RemoteOffset != 8 {
		t.Fatalf("unexpected put event %+v", put)
	}
	if put.MatchBits != 0x77 || put.HdrData != 0xfeed || put.UserPtr != "entry" {
		t.Fatalf("put event lost request fields: %+v", put)
	}
	if put.Initiator.NID != 1 || put.Initiator.PID != 1 {
		t.Fatalf("unexpected initiator %s", put.Initiator)
	}
	if !bytes.Equal(landing[8:40], payload) {
		t.Fatalf("landing buffer mismatch: %x", landing)
	}
	if err := tgt.MDRelease(md); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("expected release of a foreign MD to fail, got %v", err)
	}
}

func TestLargePutUsesRDMA(t *testing.T) {
	tcfg := matchingConfig()
	tcfg.MaxRDMASegment = 100
	tcfg.MaxRDMAOutstanding = 2
	icfg := matchingConfig()
	icfg.MaxInlineData = 64
	ini, tgt := newPair(t, icfg, tcfg)

	teq := newEQ(t, tgt)
	landing := make([]byte, 4096)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	payload := pattern(4096, 11)
	md := bindMD(t, ini, MDSpec{Start: payload, EQ: ieq})
	if err := ini.Put(PutRequest{MD: md, Length: 4096, Target: Phys(2, 1)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// the send event of an RDMA put waits for the target to finish reading
	expectEvent(t, ini, ieq, EventSend)
	put := expectEvent(t, tgt, teq, EventPut)
	if put.MLength != 4096 || put.NIFail != NIOK {
		t.Fatalf("unexpected put event %+v", put)
	}
	if !bytes.Equal(landing, payload) {
		t.Fatal("landing buffer mismatch after RDMA put")
	}
	expectNoEvent(t, ini, ieq, 20*time.Millisecond)
}

func TestIndirectPut(t *testing.T) {
	icfg := matchingConfig()
	icfg.MaxInlineData = 64
	icfg.MaxDirectSGEs = 2
	ini, tgt := newPair(t, icfg, matchingConfig())

	teq := newEQ(t, tgt)
	landing := make([]byte, 8*128)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	iov := make([][]byte, 8)
	var want []byte
	for i := range iov {
		iov[i] = pattern(128, byte(i))
		want = append(want, iov[i]...)
	}
	md := bindMD(t, ini, MDSpec{IOV: iov, EQ: ieq})
	if md.Length() != uint64(len(want)) {
		t.Fatalf("unexpected md length %d", md.Length())
	}
	if err := ini.Put(PutRequest{MD: md, Length: md.Length(), Ack: AckFull, Target: Phys(2, 1)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	expectEvent(t, ini, ieq, EventSend)
	ack := expectEvent(t, ini, ieq, EventAck)
	if ack.MLength != uint64(len(want)) {
		t.Fatalf("unexpected ack length %d", ack.MLength)
	}
	expectEvent(t, tgt, teq, EventPut)
	if !bytes.Equal(landing, want) {
		t.Fatal("landing buffer mismatch after indirect put")
	}
}

func TestGetInlineAndRDMA(t *testing.T) {
	icfg := matchingConfig()
	icfg.MaxInlineData = 256
	ini, tgt := newPair(t, icfg, matchingConfig())

	teq := newEQ(t, tgt)
	source := pattern(2048, 5)
	target(t, tgt, teq, 0, MESpec{Start: source, Options: MEOpGet, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	for _, length := range []uint64{128, 2048} {
		dst := make([]byte, length)
		md := bindMD(t, ini, MDSpec{Start: dst, EQ: ieq})
		if err := ini.Get(GetRequest{MD: md, Length: length, Target: Phys(2, 1)}); err != nil {
			t.Fatalf("Get(%d) failed: %v", length, err)
		}
		reply := expectEvent(t, ini, ieq, EventReply)
		if reply.NIFail != NIOK || reply.MLength != length {
			t.Fatalf("unexpected reply event %+v", reply)
		}
		if !bytes.Equal(dst, source[:length]) {
			t.Fatalf("get of %d bytes returned wrong data", length)
		}
		get := expectEvent(t, tgt, teq, EventGet)
		if get.MLength != length {
			t.Fatalf("unexpected get event %+v", get)
		}
		// the transaction drops its reference after posting the reply
		eventually(t, "md release", func() bool { return ini.MDRelease(md) == nil })
	}
}

func TestAtomicSum(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	landing := make([]byte, 16)
	binary.LittleEndian.PutUint64(landing, 1)
	binary.LittleEndian.PutUint64(landing[8:], 2)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	operand := make([]byte, 16)
	binary.LittleEndian.PutUint64(operand, 10)
	binary.LittleEndian.PutUint64(operand[8:], 20)
	md := bindMD(t, ini, MDSpec{Start: operand, EQ: ieq})
	err := ini.Atomic(AtomicRequest{
		PutRequest: PutRequest{MD: md, Length: 16, Ack: AckFull, Target: Phys(2, 1)},
		Op:         AtomicSum,
		Type:       Int64,
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}
	expectEvent(t, ini, ieq, EventSend)
	expectEvent(t, ini, ieq, EventAck)
	evt := expectEvent(t, tgt, teq, EventAtomic)
	if evt.AtomicOp != AtomicSum || evt.AtomicType != Int64 {
		t.Fatalf("unexpected atomic event %+v", evt)
	}
	if a, b := binary.LittleEndian.Uint64(landing), binary.LittleEndian.Uint64(landing[8:]); a != 11 || b != 22 {
		t.Fatalf("unexpected sums %d %d", a, b)
	}

	if err := ini.Atomic(AtomicRequest{PutRequest: PutRequest{MD: md, Length: 16, Target: Phys(2, 1)}, Op: AtomicSwap, Type: Int64}); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("expected swap class atomic to be rejected, got %v", err)
	}
	if err := ini.Atomic(AtomicRequest{PutRequest: PutRequest{MD: md, Length: 12, Target: Phys(2, 1)}, Op: AtomicSum, Type: Int64}); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("expected ragged atomic length to be rejected, got %v", err)
	}
}

func TestFetchAtomicAndSwap(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	landing := make([]byte, 4)
	binary.LittleEndian.PutUint32(landing, 5)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut | MEOpGet, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	in := make([]byte, 4)
	out := make([]byte, 4)
	getMD := bindMD(t, ini, MDSpec{Start: in, EQ: ieq})
	putMD := bindMD(t, ini, MDSpec{Start: out, Options: MDEventSendDisable})

	fetch := func(op AtomicOp, operand uint64, value uint32) uint32 {
		t.Helper()
		binary.LittleEndian.PutUint32(out, value)
		req := FetchAtomicRequest{GetMD: getMD, PutMD: putMD, Length: 4, Target: Phys(2, 1), Op: op, Type: Uint32}
		var err error
		if op.isSwap() {
			err = ini.Swap(SwapRequest{FetchAtomicRequest: req, Operand: operand})
		} else {
			err = ini.FetchAtomic(req)
		}
		if err != nil {
			t.Fatalf("%s failed: %v", op, err)
		}
		reply := expectEvent(t, ini, ieq, EventReply)
		if reply.NIFail != NIOK {
			t.Fatalf("%s reply failed: %s", op, reply.NIFail)
		}
		expectEvent(t, tgt, teq, EventFetchAtomic)
		return binary.LittleEndian.Uint32(in)
	}

	if old := fetch(AtomicMax, 0, 9); old != 5 {
		t.Fatalf("fetch max returned %d, want 5", old)
	}
	if old := fetch(AtomicCSwap, 9, 1); old != 9 {
		t.Fatalf("cswap returned %d, want 9", old)
	}
	if cur := binary.LittleEndian.Uint32(landing); cur != 1 {
		t.Fatalf("cswap with matching operand left %d", cur)
	}
	if old := fetch(AtomicCSwap, 9, 7); old != 1 {
		t.Fatalf("cswap returned %d, want 1", old)
	}
	if cur := binary.LittleEndian.Uint32(landing); cur != 1 {
		t.Fatalf("cswap with mismatching operand changed target to %d", cur)
	}

	err := ini.FetchAtomic(FetchAtomicRequest{GetMD: getMD, PutMD: putMD, Length: 4, Target: Phys(2, 1), Op: AtomicSwap, Type: Uint32})
	if !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("expected swap op on FetchAtomic to be rejected, got %v", err)
	}
}

func TestTriggeredPut(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	landing := make([]byte, 16)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: anyID, UID: AnyUID})

	trig := newCT(t, ini)
	payload := pattern(16, 1)
	md := bindMD(t, ini, MDSpec{Start: payload})
	if err := ini.TriggeredPut(PutRequest{MD: md, Length: 16, Target: Phys(2, 1)}, trig, 2); err != nil {
		t.Fatalf("TriggeredPut failed: %v", err)
	}
	if err := ini.MDRelease(md); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected MD held by a triggered put to be in use, got %v", err)
	}

	if err := ini.CTInc(trig, CTEvent{Success: 1}); err != nil {
		t.Fatalf("CTInc failed: %v", err)
	}
	expectNoEvent(t, tgt, teq, 50*time.Millisecond)

	if err := ini.CTInc(trig, CTEvent{Failure: 1}); err != nil {
		t.Fatalf("CTInc failed: %v", err)
	}
	expectEvent(t, tgt, teq, EventPut)
	if !bytes.Equal(landing, payload) {
		t.Fatal("triggered put delivered wrong data")
	}
}

func TestTriggeredPutDiscardedByCTFree(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	target(t, tgt, teq, 0, MESpec{Start: make([]byte, 8), Options: MEOpPut, MatchID: anyID, UID: AnyUID})

	trig := newCT(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8)})
	if err := ini.TriggeredPut(PutRequest{MD: md, Length: 8, Target: Phys(2, 1)}, trig, 1); err != nil {
		t.Fatalf("TriggeredPut failed: %v", err)
	}
	if err := ini.CTFree(trig); err != nil {
		t.Fatalf("CTFree failed: %v", err)
	}
	if err := ini.MDRelease(md); err != nil {
		t.Fatalf("expected discarded put to release its MD, got %v", err)
	}
	expectNoEvent(t, tgt, teq, 50*time.Millisecond)
}

func TestPermissionAndOperationViolations(t *testing.T) {
	ini, tgt := newPair(t, Config{Options: NIMatching, UID: 7}, matchingConfig())
	teq := newEQ(t, tgt)
	if _, err := tgt.PTAlloc(0, teq, 0); err != nil {
		t.Fatalf("PTAlloc failed: %v", err)
	}
	for _, spec := range []MESpec{
		{Start: make([]byte, 8), Options: MEOpPut | MEEventLinkDisable, UID: 42, MatchID: anyID, MatchBits: 1},
		{Start: make([]byte, 8), Options: MEOpGet | MEEventLinkDisable, UID: AnyUID, MatchID: anyID, MatchBits: 2},
	} {
		if _, err := tgt.MEAppend(0, spec, PriorityList, nil); err != nil {
			t.Fatalf("MEAppend failed: %v", err)
		}
	}

	ieq := newEQ(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8), EQ: ieq})
	for bits, want := range map[uint64]NIFail{1: NIPermViolation, 2: NIOpViolation, 3: NIDropped} {
		if err := ini.Put(PutRequest{MD: md, Length: 8, Ack: AckFull, Target: Phys(2, 1), MatchBits: bits}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		// the send event of an acknowledged put reports the target's verdict
		if send := expectEvent(t, ini, ieq, EventSend); send.NIFail != want {
			t.Fatalf("match bits %d: send got %s, want %s", bits, send.NIFail, want)
		}
		ack := expectEvent(t, ini, ieq, EventAck)
		if ack.NIFail != want {
			t.Fatalf("match bits %d: got %s, want %s", bits, ack.NIFail, want)
		}
	}
	expectNoEvent(t, tgt, teq, 20*time.Millisecond)
}

func TestFlowControlDisablesPortal(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	if _, err := tgt.PTAlloc(PTFlowControl, teq, 0); err != nil {
		t.Fatalf("PTAlloc failed: %v", err)
	}

	ieq := newEQ(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8), EQ: ieq})
	put := func() Event {
		t.Helper()
		if err := ini.Put(PutRequest{MD: md, Length: 8, Ack: AckFull, Target: Phys(2, 1)}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		expectEvent(t, ini, ieq, EventSend)
		return expectEvent(t, ini, ieq, EventAck)
	}

	if ack := put(); ack.NIFail != NIPTDisabled {
		t.Fatalf("expected pt_disabled, got %s", ack.NIFail)
	}
	disabled := expectEvent(t, tgt, teq, EventPTDisabled)
	if disabled.PTIndex != 0 {
		t.Fatalf("unexpected pt disabled event %+v", disabled)
	}
	if pt := tgt.lookupPT(0); pt.Enabled() {
		t.Fatal("flow control left the portal enabled")
	}
	if ack := put(); ack.NIFail != NIPTDisabled {
		t.Fatalf("expected pt_disabled while disabled, got %s", ack.NIFail)
	}

	if _, err := tgt.MEAppend(0, MESpec{Start: make([]byte, 8), Options: MEOpPut, MatchID: anyID, UID: AnyUID}, PriorityList, nil); err != nil {
		t.Fatalf("MEAppend failed: %v", err)
	}
	expectEvent(t, tgt, teq, EventLink)
	if err := tgt.PTEnable(0); err != nil {
		t.Fatalf("PTEnable failed: %v", err)
	}
	if ack := put(); ack.NIFail != NIOK {
		t.Fatalf("expected ok after re-enable, got %s", ack.NIFail)
	}
	expectEvent(t, tgt, teq, EventPut)
}

func TestUseOnceAutoUnlink(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	target(t, tgt, teq, 0, MESpec{Start: make([]byte, 8), Options: MEOpPut | MEUseOnce, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8), EQ: ieq, Options: MDEventSendDisable})
	for i, want := range []NIFail{NIOK, NIDropped} {
		if err := ini.Put(PutRequest{MD: md, Length: 8, Ack: AckFull, Target: Phys(2, 1)}); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
		if ack := expectEvent(t, ini, ieq, EventAck); ack.NIFail != want {
			t.Fatalf("put %d: got %s, want %s", i, ack.NIFail, want)
		}
	}
	expectEvent(t, tgt, teq, EventPut)
	unlink := expectEvent(t, tgt, teq, EventAutoUnlink)
	if unlink.UserPtr != "entry" {
		t.Fatalf("unexpected auto unlink event %+v", unlink)
	}
}

func TestManageLocalOffsets(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	landing := make([]byte, 64)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut | MEManageLocal, MinFree: 16, MatchID: anyID, UID: AnyUID})

	md := bindMD(t, ini, MDSpec{Start: pattern(24, 9)})
	want := []struct{ offset, mlength uint64 }{{0, 24}, {24, 24}, {48, 16}}
	for i := range want {
		if err := ini.Put(PutRequest{MD: md, Length: 24, Target: Phys(2, 1), RemoteOffset: 1000}); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}
	for i, w := range want {
		evt := expectEvent(t, tgt, teq, EventPut)
		if evt.RemoteOffset != w.offset || evt.MLength != w.mlength {
			t.Fatalf("put %d landed at %d+%d, want %d+%d", i, evt.RemoteOffset, evt.MLength, w.offset, w.mlength)
		}
	}
	expectEvent(t, tgt, teq, EventAutoUnlink)
	if !bytes.Equal(landing[24:48], pattern(24, 9)) {
		t.Fatal("second put landed at the wrong offset")
	}
}

func TestOverflowListEvent(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	teq := newEQ(t, tgt)
	if _, err := tgt.PTAlloc(0, teq, 0); err != nil {
		t.Fatalf("PTAlloc failed: %v", err)
	}
	spec := MESpec{Start: make([]byte, 8), Options: MEOpPut | MEEventLinkDisable, MatchID: anyID, UID: AnyUID}
	if _, err := tgt.MEAppend(0, spec, OverflowList, "overflow"); err != nil {
		t.Fatalf("MEAppend failed: %v", err)
	}
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8)})
	if err := ini.Put(PutRequest{MD: md, Length: 8, Target: Phys(2, 1)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	evt := expectEvent(t, tgt, teq, EventPutOverflow)
	if evt.UserPtr != "overflow" {
		t.Fatalf("unexpected overflow event %+v", evt)
	}
}

func TestCountingEventsOnBothSides(t *testing.T) {
	ini, tgt := newPair(t, matchingConfig(), matchingConfig())
	tct := newCT(t, tgt)
	if _, err := tgt.PTAlloc(0, nil, 0); err != nil {
		t.Fatalf("PTAlloc failed: %v", err)
	}
	spec := MESpec{
		Start:   make([]byte, 64),
		CT:      tct,
		Options: MEOpPut | MEEventCTComm | MEEventCTBytes,
		MatchID: anyID,
		UID:     AnyUID,
	}
	if _, err := tgt.MEAppend(0, spec, PriorityList, nil); err != nil {
		t.Fatalf("MEAppend failed: %v", err)
	}

	ict := newCT(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 20), CT: ict, Options: MDEventCTAck | MDEventCTSend})
	for i := 0; i < 3; i++ {
		if err := ini.Put(PutRequest{MD: md, Length: 20, Ack: AckCT, Target: Phys(2, 1)}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// one send and one ack count per put
	if val := waitCT(t, ini, ict, 6); val.Failure != 0 {
		t.Fatalf("unexpected initiator counter %+v", val)
	}
	if val := waitCT(t, tgt, tct, 60); val.Success != 60 {
		t.Fatalf("unexpected target byte count %+v", val)
	}
}

func TestLogicalAddressing(t *testing.T) {
	cfg := Config{Options: NIMatching | NILogical, Map: []ProcessID{Phys(1, 1), Phys(2, 1)}}
	f := newFabric(t)
	ini := newTestNI(t, f, Rank(0), cfg)
	tgt := newTestNI(t, f, Rank(1), cfg)
	if ini.ID().NID != 1 || tgt.ID().NID != 2 {
		t.Fatalf("rank map not applied: %s %s", ini.ID(), tgt.ID())
	}

	teq := newEQ(t, tgt)
	landing := make([]byte, 8)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: ProcessID{Rank: 0}, UID: AnyUID})

	md := bindMD(t, ini, MDSpec{Start: pattern(8, 4)})
	if err := ini.Put(PutRequest{MD: md, Length: 8, Target: Rank(1)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	evt := expectEvent(t, tgt, teq, EventPut)
	if evt.Initiator.Rank != 0 || evt.Initiator.NID != 1 {
		t.Fatalf("unexpected initiator %+v", evt.Initiator)
	}
	if err := ini.Put(PutRequest{MD: md, Length: 8, Target: Rank(5)}); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("expected rank outside the map to be rejected, got %v", err)
	}
}

func TestSharedReceiveRoutesThroughNodeConnection(t *testing.T) {
	cfg := Config{
		Options:       NIMatching | NILogical,
		Map:           []ProcessID{Phys(1, 1), Phys(2, 1), Phys(2, 2)},
		SharedReceive: true,
	}
	f := newFabric(t)
	ini := newTestNI(t, f, Rank(0), cfg)
	newTestNI(t, f, Rank(1), cfg)
	tgt := newTestNI(t, f, Rank(2), cfg)

	teq := newEQ(t, tgt)
	landing := make([]byte, 8)
	target(t, tgt, teq, 0, MESpec{Start: landing, Options: MEOpPut, MatchID: anyID, UID: AnyUID})

	ieq := newEQ(t, ini)
	md := bindMD(t, ini, MDSpec{Start: pattern(8, 2), EQ: ieq})
	if err := ini.Put(PutRequest{MD: md, Length: 8, Ack: AckFull, Target: Rank(2)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	expectEvent(t, ini, ieq, EventSend)
	if ack := expectEvent(t, ini, ieq, EventAck); ack.NIFail != NIOK {
		t.Fatalf("unexpected ack %+v", ack)
	}
	expectEvent(t, tgt, teq, EventPut)
	if !bytes.Equal(landing, pattern(8, 2)) {
		t.Fatal("shared receive put delivered wrong data")
	}

	ini.connMu.Lock()
	c := ini.conns[tgt.addr]
	ini.connMu.Unlock()
	if c == nil || c.main == nil || c.State() != ConnXRCConnected {
		t.Fatalf("expected an XRC connection to rank 2, got %+v", c)
	}
}

func TestUndeliverableWithoutPeer(t *testing.T) {
	cfg := matchingConfig()
	cfg.ConnectRetries = 1
	f := newFabric(t)
	ini := newTestNI(t, f, Phys(1, 1), cfg)
	ieq := newEQ(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8), EQ: ieq})
	if err := ini.Put(PutRequest{MD: md, Length: 8, Ack: AckFull, Target: Phys(9, 9)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if send := expectEvent(t, ini, ieq, EventSend); send.NIFail != NIUndeliverable {
		t.Fatalf("expected undeliverable send, got %s", send.NIFail)
	}
	if ack := expectEvent(t, ini, ieq, EventAck); ack.NIFail != NIUndeliverable {
		t.Fatalf("expected undeliverable ack, got %s", ack.NIFail)
	}
}

func TestPutArgumentValidation(t *testing.T) {
	ini, _ := newPair(t, matchingConfig(), matchingConfig())
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8)})
	cases := []PutRequest{
		{MD: nil, Length: 8, Target: Phys(2, 1)},
		{MD: md, Length: 9, Target: Phys(2, 1)},
		{MD: md, LocalOffset: 4, Length: 5, Target: Phys(2, 1)},
		{MD: md, Length: 8, Ack: AckOC + 1, Target: Phys(2, 1)},
	}
	for i, req := range cases {
		if err := ini.Put(req); !errors.Is(err, ErrArgInvalid) {
			t.Fatalf("case %d: expected ErrArgInvalid, got %v", i, err)
		}
	}
}

func TestReleasedMDRejected(t *testing.T) {
	ini, _ := newPair(t, matchingConfig(), matchingConfig())
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8)})
	if err := ini.MDRelease(md); err != nil {
		t.Fatalf("MDRelease failed: %v", err)
	}
	if err := ini.Put(PutRequest{MD: md, Length: 8, Target: Phys(2, 1)}); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("Put with a released MD: expected ErrArgInvalid, got %v", err)
	}
	if err := ini.MDRelease(md); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("double release: expected ErrArgInvalid, got %v", err)
	}
	if n := ini.xis.InUse(); n != 0 {
		t.Fatalf("rejected put left %d initiators allocated", n)
	}

	ct := newCT(t, ini)
	if err := ini.CTFree(ct); err != nil {
		t.Fatalf("CTFree failed: %v", err)
	}
	if _, err := ini.MDBind(MDSpec{Start: make([]byte, 8), CT: ct}); !errors.Is(err, ErrArgInvalid) {
		t.Fatalf("MDBind with a freed counter: expected ErrArgInvalid, got %v", err)
	}
}

func TestMDReleaseInUse(t *testing.T) {
	ini, _ := newPair(t, matchingConfig(), matchingConfig())
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8)})
	if !md.TryGet() {
		t.Fatal("TryGet on a bound MD failed")
	}
	if err := ini.MDRelease(md); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if refs := md.Refs(); refs != 2 {
		t.Fatalf("a refused release changed the count: refs=%d", refs)
	}
	md.Put()
	if err := ini.MDRelease(md); err != nil {
		t.Fatalf("MDRelease failed: %v", err)
	}
	if md.Live() {
		t.Fatal("released MD still allocated")
	}
}
