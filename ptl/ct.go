package ptl

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rocketbitz/portals4-go/internal/pool"
)

// CT is a counting event: a success and failure counter pair plus the work
// queue of triggered operations waiting on its threshold.
type CT struct {
	pool.Object

	ni          *NI
	val         CTEvent
	interrupted bool
	queue       []*trigger
}

func cleanupCT(ct *CT) {
	ct.val = CTEvent{}
	ct.interrupted = false
	ct.queue = nil
}

// CTAlloc allocates a counting event with both counters at zero.
func (ni *NI) CTAlloc() (*CT, error) {
	if ni.isClosed() {
		return nil, ErrClosed
	}
	ct, err := ni.cts.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	ct.ni = ni
	return ct, nil
}

// CTFree interrupts every waiter, discards the pending triggered operations
// and drops the caller's reference. Triggered operations targeting the CT
// keep it alive until they fire or are cancelled.
func (ni *NI) CTFree(ct *CT) error {
	if ct == nil || ct.ni != ni || !ct.Live() {
		return ErrArgInvalid
	}
	ct.Lock()
	if ct.interrupted {
		ct.Unlock()
		return ErrArgInvalid
	}
	ct.interrupted = true
	queue := ct.queue
	ct.queue = nil
	ct.Unlock()

	ni.discard(queue)
	ni.ctNotify.broadcast()
	ni.logEvent("ct_free", logKV("ct", ct.Handle()), logKV("discarded", len(queue)))
	ct.Put()
	return nil
}

// holdCT takes a reference on a CT that belongs to ni and is still allocated.
func (ni *NI) holdCT(ct *CT) bool {
	return ct != nil && ct.ni == ni && ct.TryGet()
}

// CTGet returns the current counter values.
func (ni *NI) CTGet(ct *CT) (CTEvent, error) {
	if !ni.holdCT(ct) {
		return CTEvent{}, ErrArgInvalid
	}
	defer ct.Put()
	ct.Lock()
	defer ct.Unlock()
	if ct.interrupted {
		return ct.val, ErrInterrupted
	}
	return ct.val, nil
}

// CTSet replaces both counters.
func (ni *NI) CTSet(ct *CT, val CTEvent) error {
	if !ni.holdCT(ct) {
		return ErrArgInvalid
	}
	defer ct.Put()
	return ct.update(func(v *CTEvent) { *v = val }, true)
}

// CTInc adds inc to the counters.
func (ni *NI) CTInc(ct *CT, inc CTEvent) error {
	if !ni.holdCT(ct) {
		return ErrArgInvalid
	}
	defer ct.Put()
	return ct.update(func(v *CTEvent) {
		v.Success += inc.Success
		v.Failure += inc.Failure
	}, true)
}

// CTCancelTriggered discards every triggered operation queued on ct.
func (ni *NI) CTCancelTriggered(ct *CT) error {
	if !ni.holdCT(ct) {
		return ErrArgInvalid
	}
	defer ct.Put()
	ct.Lock()
	queue := ct.queue
	ct.queue = nil
	ct.Unlock()
	ni.discard(queue)
	return nil
}

// add is the update path of transactions and triggered operations. It
// applies even after CTFree.
func (ct *CT) add(success, failure uint64) {
	_ = ct.update(func(v *CTEvent) {
		v.Success += success
		v.Failure += failure
	}, false)
}

func (ct *CT) set(val CTEvent) {
	_ = ct.update(func(v *CTEvent) { *v = val }, false)
}

// update mutates the counters under the CT lock, then fires the triggered
// operations whose threshold is now met in registration order with the
// lock released.
func (ct *CT) update(fn func(*CTEvent), user bool) error {
	ct.Lock()
	if ct.interrupted && user {
		ct.Unlock()
		return ErrInterrupted
	}
	fn(&ct.val)
	ready := ct.readyLocked()
	ct.Unlock()

	ct.ni.ctNotify.broadcast()
	ct.ni.fire(ready)
	return nil
}

func (ct *CT) readyLocked() []*trigger {
	if len(ct.queue) == 0 {
		return nil
	}
	sum := ct.val.sum()
	var ready []*trigger
	kept := ct.queue[:0]
	for _, t := range ct.queue {
		if t.threshold <= sum {
			ready = append(ready, t)
		} else {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(ct.queue); i++ {
		ct.queue[i] = nil
	}
	ct.queue = kept
	return ready
}

// CTWait blocks until success+failure reaches threshold. It spins briefly
// before sleeping and returns ErrInterrupted when the CT or the interface is
// freed first.
func (ni *NI) CTWait(ctx context.Context, ct *CT, threshold uint64) (CTEvent, error) {
	if !ni.holdCT(ct) {
		return CTEvent{}, ErrArgInvalid
	}
	defer ct.Put()
	if ctx == nil {
		ctx = context.Background()
	}
	for spin := 0; ; spin++ {
		wake := ni.ctNotify.wait()
		ct.Lock()
		val, interrupted := ct.val, ct.interrupted
		ct.Unlock()
		if val.sum() >= threshold {
			return val, nil
		}
		if interrupted || ni.isClosed() {
			return val, ErrInterrupted
		}
		if spin < ni.cfg.CTSpinCount {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return val, ctx.Err()
		case <-wake:
		}
	}
}

// CTPoll waits until any cts[i] reaches thresholds[i] and returns its index
// and value. A negative timeout waits indefinitely; ErrCTNoneReached reports
// an expired timeout.
func (ni *NI) CTPoll(ctx context.Context, cts []*CT, thresholds []uint64, timeout time.Duration) (int, CTEvent, error) {
	if len(cts) == 0 || len(cts) != len(thresholds) {
		return -1, CTEvent{}, ErrArgInvalid
	}
	if ctx == nil {
		ctx = context.Background()
	}
	held := 0
	defer func() {
		for _, ct := range cts[:held] {
			ct.Put()
		}
	}()
	for _, ct := range cts {
		if !ni.holdCT(ct) {
			return -1, CTEvent{}, ErrArgInvalid
		}
		held++
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for spin := 0; ; spin++ {
		wake := ni.ctNotify.wait()
		for i, ct := range cts {
			ct.Lock()
			val, interrupted := ct.val, ct.interrupted
			ct.Unlock()
			if val.sum() >= thresholds[i] {
				return i, val, nil
			}
			if interrupted {
				return i, val, ErrInterrupted
			}
		}
		if ni.isClosed() {
			return -1, CTEvent{}, ErrInterrupted
		}
		if timeout == 0 {
			return -1, CTEvent{}, ErrCTNoneReached
		}
		if spin < ni.cfg.CTSpinCount {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return -1, CTEvent{}, ctx.Err()
		case <-expired:
			return -1, CTEvent{}, ErrCTNoneReached
		case <-wake:
		}
	}
}
