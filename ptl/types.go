package ptl

import (
	"fmt"

	"github.com/rocketbitz/portals4-go/internal/pool"
	"github.com/rocketbitz/portals4-go/internal/wire"
)

// Handle is an opaque, generation-checked reference to a Portals object.
type Handle = pool.Handle

// Wildcards accepted in a ProcessID used for matching.
const (
	AnyNID  uint32 = 0xffffffff
	AnyPID  uint32 = 0xffffffff
	AnyRank uint32 = 0xffffffff
	AnyUID  uint32 = 0xffffffff
	// PTAny asks PTAlloc to choose a free portal table index.
	PTAny uint32 = 0xffffffff
)

// ProcessID names a process. Physically addressed interfaces use NID and PID,
// logically addressed interfaces use Rank.
type ProcessID struct {
	NID  uint32
	PID  uint32
	Rank uint32
}

// Phys constructs a physical process id.
func Phys(nid, pid uint32) ProcessID { return ProcessID{NID: nid, PID: pid} }

// Rank constructs a logical process id.
func Rank(rank uint32) ProcessID { return ProcessID{Rank: rank} }

func (p ProcessID) String() string {
	return fmt.Sprintf("%d/%d", p.NID, p.PID)
}

// NIOptions selects the matching and addressing mode of an interface.
type NIOptions uint8

const (
	// NIMatching enables match bits; otherwise the interface is non-matching.
	NIMatching NIOptions = 1 << iota
	// NILogical addresses peers by rank through Config.Map.
	NILogical
)

// wireType packs the options into the two bit interface type field.
func (o NIOptions) wireType() uint8 { return uint8(o & (NIMatching | NILogical)) }

func (o NIOptions) String() string {
	m := "nomatch"
	if o&NIMatching != 0 {
		m = "match"
	}
	a := "phys"
	if o&NILogical != 0 {
		a = "logical"
	}
	return m + "_" + a
}

// AckReq selects the acknowledgement a put or atomic asks for.
type AckReq uint8

const (
	AckNone AckReq = iota
	// AckFull produces an EventAck mirrored to the MD's counting event.
	AckFull
	// AckCT only updates the MD's counting event.
	AckCT
	// AckOC produces an EventAck reporting completion without a length.
	AckOC
)

func (a AckReq) wire() wire.AckReq {
	switch a {
	case AckFull:
		return wire.AckReqAck
	case AckCT:
		return wire.AckReqCT
	case AckOC:
		return wire.AckReqOC
	default:
		return wire.AckReqNone
	}
}

// NIFail is the per-operation network failure code carried by events.
type NIFail uint8

const (
	// NIOK reports success.
	NIOK NIFail = iota
	// NIUndeliverable reports a request that never reached the target.
	NIUndeliverable
	// NIPTDisabled reports a portal disabled by flow control or PTDisable.
	NIPTDisabled
	// NIDropped reports a request the target discarded.
	NIDropped
	// NIPermViolation reports an entry that rejected the initiator.
	NIPermViolation
	// NIOpViolation reports an entry that does not accept the operation.
	NIOpViolation
	// NISegv reports an offset or length outside the target memory.
	NISegv
	// NINoMatch reports a request no entry accepted.
	NINoMatch
)

var niFailNames = [...]string{
	NIOK:            "ok",
	NIUndeliverable: "undeliverable",
	NIPTDisabled:    "pt_disabled",
	NIDropped:       "dropped",
	NIPermViolation: "perm_violation",
	NIOpViolation:   "op_violation",
	NISegv:          "segv",
	NINoMatch:       "no_match",
}

func (f NIFail) String() string {
	if int(f) < len(niFailNames) {
		return niFailNames[f]
	}
	return fmt.Sprintf("ni_fail(%d)", uint8(f))
}

// EventKind identifies a full event.
type EventKind uint8

const (
	EventGet EventKind = iota + 1
	EventGetOverflow
	EventPut
	EventPutOverflow
	EventAtomic
	EventAtomicOverflow
	EventFetchAtomic
	EventFetchAtomicOverflow
	EventReply
	EventSend
	EventAck
	EventPTDisabled
	EventAutoUnlink
	EventLink
)

var eventKindNames = [...]string{
	EventGet:                 "get",
	EventGetOverflow:         "get_overflow",
	EventPut:                 "put",
	EventPutOverflow:         "put_overflow",
	EventAtomic:              "atomic",
	EventAtomicOverflow:      "atomic_overflow",
	EventFetchAtomic:         "fetch_atomic",
	EventFetchAtomicOverflow: "fetch_atomic_overflow",
	EventReply:               "reply",
	EventSend:                "send",
	EventAck:                 "ack",
	EventPTDisabled:          "pt_disabled",
	EventAutoUnlink:          "auto_unlink",
	EventLink:                "link",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) && eventKindNames[k] != "" {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is a full event delivered through an EQ.
type Event struct {
	Kind      EventKind
	Initiator ProcessID
	PTIndex   uint32
	UID       uint32
	JobID     uint32
	MatchBits uint64
	RLength   uint64
	MLength   uint64
	// RemoteOffset is the offset at the target the operation landed at.
	RemoteOffset uint64
	// Start is the region of the matched entry's buffer that was accessed.
	Start      []byte
	UserPtr    any
	HdrData    uint64
	NIFail     NIFail
	AtomicOp   AtomicOp
	AtomicType Datatype
}

// CTEvent is the value of a counting event.
type CTEvent struct {
	Success uint64
	Failure uint64
}

func (c CTEvent) sum() uint64 { return c.Success + c.Failure }

// Limits bounds the resources of an interface.
type Limits struct {
	MaxEntries           int
	MaxUnexpectedHeaders int
	MaxMDs               int
	MaxCTs               int
	MaxEQs               int
	MaxPTIndex           int
	MaxIOVecs            int
	MaxListSize          int
	MaxTriggeredOps      int
	MaxMsgSize           uint64
	MaxAtomicSize        uint64
	MaxFetchAtomicSize   uint64
	MaxWaw               uint64
}

// DefaultLimits returns the limits an interface gets when Config.Limits is zero.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:           16384,
		MaxUnexpectedHeaders: 1024,
		MaxMDs:               8192,
		MaxCTs:               4096,
		MaxEQs:               256,
		MaxPTIndex:           64,
		MaxIOVecs:            1024,
		MaxListSize:          16384,
		MaxTriggeredOps:      4096,
		MaxMsgSize:           1 << 30,
		MaxAtomicSize:        512,
		MaxFetchAtomicSize:   512,
		MaxWaw:               512,
	}
}

// Pool type tags encoded in object handles.
const (
	tagBuf pool.Tag = iota + 1
	tagConn
	tagCT
	tagEQ
	tagMD
	tagME
	tagXI
	tagXT
)
