package ptl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/portals4-go/internal/pool"
)

// EQ is a bounded ring of full events. When it is full new events are
// dropped and the next Get reports ErrEQDropped.
type EQ struct {
	pool.Object

	ni      *NI
	ring    []Event
	head    int
	count   int
	dropped bool
	freed   bool
}

func cleanupEQ(eq *EQ) {
	eq.ring = nil
	eq.head = 0
	eq.count = 0
	eq.dropped = false
	eq.freed = false
}

// EQAlloc allocates an event queue holding up to count events.
func (ni *NI) EQAlloc(count int) (*EQ, error) {
	if ni.isClosed() {
		return nil, ErrClosed
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: event queue size %d", ErrArgInvalid, count)
	}
	eq, err := ni.eqs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	eq.ni = ni
	eq.ring = make([]Event, count)
	return eq, nil
}

// EQFree releases eq and interrupts its waiters.
func (ni *NI) EQFree(eq *EQ) error {
	if eq == nil || eq.ni != ni || !eq.Live() {
		return ErrArgInvalid
	}
	eq.Lock()
	if eq.freed {
		eq.Unlock()
		return ErrArgInvalid
	}
	eq.freed = true
	eq.Unlock()
	ni.eqNotify.broadcast()
	eq.Put()
	return nil
}

// post appends an event. It is the sink the state machines report through.
func (eq *EQ) post(evt Event) {
	if eq == nil {
		return
	}
	ni := eq.ni
	eq.Lock()
	if eq.freed {
		eq.Unlock()
		return
	}
	if eq.count == len(eq.ring) {
		eq.dropped = true
		eq.Unlock()
		ni.logEvent("eq_overflow", logKV("eq", eq.Handle()), logKV("kind", evt.Kind))
		return
	}
	eq.ring[(eq.head+eq.count)%len(eq.ring)] = evt
	eq.count++
	eq.Unlock()

	ni.stats.events.Add(1)
	ni.metricEventPosted(evt.Kind)
	ni.eqNotify.broadcast()
}

func (eq *EQ) pop() (Event, error) {
	eq.Lock()
	defer eq.Unlock()
	if eq.count == 0 {
		if eq.freed {
			return Event{}, ErrInterrupted
		}
		return Event{}, ErrEQEmpty
	}
	evt := eq.ring[eq.head]
	eq.ring[eq.head] = Event{}
	eq.head = (eq.head + 1) % len(eq.ring)
	eq.count--
	if eq.dropped {
		eq.dropped = false
		return evt, ErrEQDropped
	}
	return evt, nil
}

// holdEQ takes a reference on an EQ that belongs to ni and is still
// allocated.
func (ni *NI) holdEQ(eq *EQ) bool {
	return eq != nil && eq.ni == ni && eq.TryGet()
}

// EQGet pops the oldest event or returns ErrEQEmpty. The event accompanying
// ErrEQDropped is valid.
func (ni *NI) EQGet(eq *EQ) (Event, error) {
	if !ni.holdEQ(eq) {
		return Event{}, ErrArgInvalid
	}
	defer eq.Put()
	return eq.pop()
}

// EQWait blocks until an event is available.
func (ni *NI) EQWait(ctx context.Context, eq *EQ) (Event, error) {
	_, evt, err := ni.EQPoll(ctx, []*EQ{eq}, -1)
	return evt, err
}

// EQPoll waits until any of eqs holds an event and returns its index. A
// negative timeout waits indefinitely; ErrEQEmpty reports an expired timeout.
func (ni *NI) EQPoll(ctx context.Context, eqs []*EQ, timeout time.Duration) (int, Event, error) {
	if len(eqs) == 0 {
		return -1, Event{}, ErrArgInvalid
	}
	if ctx == nil {
		ctx = context.Background()
	}
	held := 0
	defer func() {
		for _, eq := range eqs[:held] {
			eq.Put()
		}
	}()
	for _, eq := range eqs {
		if !ni.holdEQ(eq) {
			return -1, Event{}, ErrArgInvalid
		}
		held++
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		wake := ni.eqNotify.wait()
		for i, eq := range eqs {
			evt, err := eq.pop()
			if errors.Is(err, ErrEQEmpty) {
				continue
			}
			return i, evt, err
		}
		if ni.isClosed() {
			return -1, Event{}, ErrInterrupted
		}
		if timeout == 0 {
			return -1, Event{}, ErrEQEmpty
		}
		select {
		case <-ctx.Done():
			return -1, Event{}, ctx.Err()
		case <-expired:
			return -1, Event{}, ErrEQEmpty
		case <-wake:
		}
	}
}
