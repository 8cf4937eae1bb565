package ptl

import "fmt"

type triggerKind uint8

const (
	triggerCTSet triggerKind = iota + 1
	triggerCTInc
	triggerXfer
)

// trigger is one deferred action on a CT's work queue. A CT action owns one
// reference on target; a data movement owns its initiator transaction.
type trigger struct {
	kind      triggerKind
	threshold uint64
	target    *CT
	value     CTEvent
	xi        *xi
	// triggered marks a trigger counted against MaxTriggeredOps
	triggered bool
}

// enqueue registers t on ct. A threshold that is already met fires before
// enqueue returns.
func (ni *NI) enqueue(ct *CT, t *trigger) error {
	if !ni.holdCT(ct) {
		ni.discard([]*trigger{t})
		return ErrArgInvalid
	}
	defer ct.Put()
	if n := ni.triggered.Add(1); int(n) > ni.cfg.Limits.MaxTriggeredOps {
		ni.triggered.Add(-1)
		t.triggered = false
		ni.release(t)
		return fmt.Errorf("%w: %d triggered operations pending", ErrNoSpace, n-1)
	}
	t.triggered = true

	ct.Lock()
	if ct.interrupted {
		ct.Unlock()
		ni.discard([]*trigger{t})
		return ErrInterrupted
	}
	if ct.val.sum() >= t.threshold {
		ct.Unlock()
		ni.fire([]*trigger{t})
		return nil
	}
	ct.queue = append(ct.queue, t)
	ct.Unlock()
	return nil
}

// fire runs ready triggers in order. It must not be called with a CT lock
// held.
func (ni *NI) fire(ready []*trigger) {
	for _, t := range ready {
		switch t.kind {
		case triggerCTSet:
			t.target.set(t.value)
		case triggerCTInc:
			t.target.add(t.value.Success, t.value.Failure)
		case triggerXfer:
			x := t.xi
			t.xi = nil
			x.launch()
		default:
			panic(fmt.Sprintf("ptl: unknown trigger kind %d", t.kind))
		}
		ni.release(t)
	}
}

// discard drops triggers without running them.
func (ni *NI) discard(queue []*trigger) {
	for _, t := range queue {
		ni.release(t)
	}
}

func (ni *NI) release(t *trigger) {
	if t.target != nil {
		t.target.Put()
		t.target = nil
	}
	if t.xi != nil {
		t.xi.abort()
		t.xi = nil
	}
	if t.triggered {
		ni.triggered.Add(-1)
		t.triggered = false
	}
}

// TriggeredCTSet sets ct to val once trigCT reaches threshold.
func (ni *NI) TriggeredCTSet(ct *CT, val CTEvent, trigCT *CT, threshold uint64) error {
	return ni.triggerCT(triggerCTSet, ct, val, trigCT, threshold)
}

// TriggeredCTInc increments ct by inc once trigCT reaches threshold.
func (ni *NI) TriggeredCTInc(ct *CT, inc CTEvent, trigCT *CT, threshold uint64) error {
	return ni.triggerCT(triggerCTInc, ct, inc, trigCT, threshold)
}

func (ni *NI) triggerCT(kind triggerKind, ct *CT, val CTEvent, trigCT *CT, threshold uint64) error {
	if ni.isClosed() {
		return ErrClosed
	}
	if !ni.holdCT(ct) {
		return ErrArgInvalid
	}
	return ni.enqueue(trigCT, &trigger{kind: kind, threshold: threshold, target: ct, value: val})
}
