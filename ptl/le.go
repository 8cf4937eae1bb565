package ptl

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rocketbitz/portals4-go/internal/pool"
)

// PTOptions controls a portal table entry.
type PTOptions uint8

const (
	// PTFlowControl disables the entry when a request finds no match and the
	// priority list is empty.
	PTFlowControl PTOptions = 1 << iota
)

// ListKind selects the priority or overflow list of a portal table entry.
type ListKind uint8

const (
	// PriorityList entries are searched first and take posted receives.
	PriorityList ListKind = iota
	// OverflowList entries catch requests that found no priority match.
	OverflowList
)

func (k ListKind) String() string {
	if k == OverflowList {
		return "overflow"
	}
	return "priority"
}

// PT is one portal table entry and its match lists.
type PT struct {
	index   uint32
	options PTOptions
	eq      *EQ

	mu       sync.Mutex
	enabled  bool
	priority []*ME
	overflow []*ME
}

// Index returns the portal table index.
func (pt *PT) Index() uint32 { return pt.index }

// Enabled reports whether the entry accepts requests.
func (pt *PT) Enabled() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.enabled
}

// PTAlloc allocates a portal table entry at desired, or at the lowest free
// index when desired is PTAny.
func (ni *NI) PTAlloc(options PTOptions, eq *EQ, desired uint32) (uint32, error) {
	if ni.isClosed() {
		return 0, ErrClosed
	}
	if eq != nil && !ni.holdEQ(eq) {
		return 0, ErrArgInvalid
	}
	ni.ptMu.Lock()
	defer ni.ptMu.Unlock()
	index := desired
	var err error
	if desired == PTAny {
		i := slices.Index(ni.pts, nil)
		if i < 0 {
			err = ErrPTFull
		}
		index = uint32(i)
	} else if int(desired) >= len(ni.pts) {
		err = fmt.Errorf("%w: portal index %d", ErrArgInvalid, desired)
	} else if ni.pts[desired] != nil {
		err = ErrPTInUse
	}
	if err != nil {
		if eq != nil {
			eq.Put()
		}
		return 0, err
	}
	ni.pts[index] = &PT{index: index, options: options, eq: eq, enabled: true}
	return index, nil
}

// PTFree releases an entry whose match lists are empty.
func (ni *NI) PTFree(index uint32) error {
	ni.ptMu.Lock()
	defer ni.ptMu.Unlock()
	if int(index) >= len(ni.pts) || ni.pts[index] == nil {
		return ErrArgInvalid
	}
	pt := ni.pts[index]
	pt.mu.Lock()
	busy := len(pt.priority) > 0 || len(pt.overflow) > 0
	pt.mu.Unlock()
	if busy {
		return ErrPTInUse
	}
	if pt.eq != nil {
		pt.eq.Put()
	}
	ni.pts[index] = nil
	return nil
}

// PTEnable re-enables an entry, typically after flow control disabled it.
func (ni *NI) PTEnable(index uint32) error { return ni.setPTEnabled(index, true) }

// PTDisable stops an entry from accepting requests.
func (ni *NI) PTDisable(index uint32) error { return ni.setPTEnabled(index, false) }

func (ni *NI) setPTEnabled(index uint32, enabled bool) error {
	pt := ni.lookupPT(index)
	if pt == nil {
		return ErrArgInvalid
	}
	pt.mu.Lock()
	pt.enabled = enabled
	pt.mu.Unlock()
	return nil
}

func (ni *NI) lookupPT(index uint32) *PT {
	ni.ptMu.Lock()
	defer ni.ptMu.Unlock()
	if int(index) >= len(ni.pts) {
		return nil
	}
	return ni.pts[index]
}

// MEOptions controls how a match list entry accepts requests and reports them.
type MEOptions uint32

const (
	// MEOpPut and MEOpGet select the operations the entry accepts.
	MEOpPut MEOptions = 1 << iota
	MEOpGet
	// MEUseOnce unlinks the entry after its first match.
	MEUseOnce
	// MEAckDisable suppresses acknowledgements for requests landing here.
	MEAckDisable
	// MEManageLocal places each request at the entry's running local offset.
	MEManageLocal
	// MENoTruncate rejects requests longer than the remaining entry.
	MENoTruncate
	MEEventCommDisable
	MEEventSuccessDisable
	// MEEventCTComm counts communication events on the entry's CT.
	MEEventCTComm
	MEEventCTBytes
	MEEventUnlinkDisable
	MEEventLinkDisable
)

// MESpec describes a match list entry.
type MESpec struct {
	Start   []byte
	CT      *CT
	UID     uint32
	Options MEOptions
	// MatchID restricts the initiator; wildcards accept any.
	MatchID    ProcessID
	MatchBits  uint64
	IgnoreBits uint64
	// MinFree unlinks a locally managed entry once less room remains.
	MinFree uint64
}

// ME is a match list entry: a receive buffer plus the rule for requests that
// may land in it.
type ME struct {
	pool.Object

	ni   *NI
	pt   *PT
	list ListKind
	spec MESpec

	userPtr any
	// linked and localOffset are guarded by pt.mu
	linked      bool
	localOffset uint64
}

func cleanupME(me *ME) {
	if me.spec.CT != nil {
		me.spec.CT.Put()
	}
	me.pt = nil
	me.spec = MESpec{}
	me.userPtr = nil
	me.linked = false
	me.localOffset = 0
}

// UserPtr returns the value given to MEAppend.
func (me *ME) UserPtr() any { return me.userPtr }

// MEAppend links a new entry at the tail of the portal's list.
func (ni *NI) MEAppend(index uint32, spec MESpec, list ListKind, userPtr any) (*ME, error) {
	if ni.isClosed() {
		return nil, ErrClosed
	}
	pt := ni.lookupPT(index)
	if pt == nil {
		return nil, fmt.Errorf("%w: portal index %d not allocated", ErrArgInvalid, index)
	}
	if spec.CT != nil && !ni.holdCT(spec.CT) {
		return nil, ErrArgInvalid
	}
	if ni.cfg.Options&NIMatching == 0 {
		spec.MatchBits, spec.IgnoreBits = 0, 0
	}
	me, err := ni.mes.Alloc()
	if err != nil {
		if spec.CT != nil {
			spec.CT.Put()
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	me.ni = ni
	me.pt = pt
	me.list = list
	me.spec = spec
	me.userPtr = userPtr

	pt.mu.Lock()
	if len(pt.priority)+len(pt.overflow) >= ni.cfg.Limits.MaxListSize {
		pt.mu.Unlock()
		me.Put()
		return nil, fmt.Errorf("%w: portal %d list full", ErrNoSpace, index)
	}
	me.linked = true
	if list == OverflowList {
		pt.overflow = append(pt.overflow, me)
	} else {
		pt.priority = append(pt.priority, me)
	}
	pt.mu.Unlock()

	if spec.Options&MEEventLinkDisable == 0 {
		pt.eq.post(Event{Kind: EventLink, PTIndex: index, UserPtr: userPtr})
	}
	return me, nil
}

// MEUnlink removes an entry from its list. ErrInUse reports an entry a
// request is still landing in.
func (ni *NI) MEUnlink(me *ME) error {
	if me == nil || me.ni != ni || !me.TryGet() {
		return ErrArgInvalid
	}
	defer me.Put()
	pt := me.pt
	pt.mu.Lock()
	if !me.linked {
		pt.mu.Unlock()
		return ErrArgInvalid
	}
	// matches take their reference under pt.mu, so beyond ours and the
	// list's the count cannot grow here
	if me.Refs() > 2 {
		pt.mu.Unlock()
		return ErrInUse
	}
	pt.removeLocked(me)
	pt.mu.Unlock()
	me.Put()
	return nil
}

// MatchRequest is what the target knows about a request when searching the
// match lists.
type MatchRequest struct {
	Initiator ProcessID
	MatchBits uint64
	RLength   uint64
	Offset    uint64
	Logical   bool
	Matching  bool
}

// MatchEngine searches and maintains the match lists of a portal.
type MatchEngine interface {
	// FindMatch returns the first acceptable entry, priority list first,
	// with a reference the caller must drop. The reference must be taken
	// before Unlink can detach the entry.
	FindMatch(pt *PT, req *MatchRequest) (*ME, ListKind, bool)
	// Unlink removes me from its list, reporting whether it was linked.
	Unlink(pt *PT, me *ME) bool
}

// ListMatcher is the linear list search used unless Config.Matcher is set.
type ListMatcher struct{}

// FindMatch scans the priority list then the overflow list in append order
// and returns the first entry that accepts req.
func (ListMatcher) FindMatch(pt *PT, req *MatchRequest) (*ME, ListKind, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, list := range []ListKind{PriorityList, OverflowList} {
		entries := pt.priority
		if list == OverflowList {
			entries = pt.overflow
		}
		for _, me := range entries {
			if me.matches(req) {
				me.Get()
				return me, list, true
			}
		}
	}
	return nil, PriorityList, false
}

// Unlink detaches me from whichever list holds it.
func (ListMatcher) Unlink(pt *PT, me *ME) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.removeLocked(me)
}

// removeLocked detaches me from its list. pt.mu must be held.
func (pt *PT) removeLocked(me *ME) bool {
	if !me.linked {
		return false
	}
	me.linked = false
	if me.list == OverflowList {
		pt.overflow = slices.DeleteFunc(pt.overflow, func(e *ME) bool { return e == me })
	} else {
		pt.priority = slices.DeleteFunc(pt.priority, func(e *ME) bool { return e == me })
	}
	return true
}

func (me *ME) matches(req *MatchRequest) bool {
	s := &me.spec
	if req.Logical {
		if s.MatchID.Rank != AnyRank && s.MatchID.Rank != req.Initiator.Rank {
			return false
		}
	} else {
		if s.MatchID.NID != AnyNID && s.MatchID.NID != req.Initiator.NID {
			return false
		}
		if s.MatchID.PID != AnyPID && s.MatchID.PID != req.Initiator.PID {
			return false
		}
	}
	if req.Matching && (req.MatchBits^s.MatchBits)&^s.IgnoreBits != 0 {
		return false
	}
	if s.Options&MENoTruncate != 0 {
		offset := req.Offset
		if s.Options&MEManageLocal != 0 {
			offset = me.localOffset
		}
		if offset > uint64(len(s.Start)) || uint64(len(s.Start))-offset < req.RLength {
			return false
		}
	}
	return true
}

// emptyPriority reports whether the portal's priority list is empty.
func (pt *PT) emptyPriority() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.priority) == 0
}
