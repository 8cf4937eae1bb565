package fabric

import (
	"context"
	"sync"
	"time"
)

// CompletionOp identifies the work request type a completion reports.
type CompletionOp uint8

const (
	CompletionSend CompletionOp = iota + 1
	CompletionRecv
	CompletionRead
	CompletionWrite
)

func (o CompletionOp) String() string {
	switch o {
	case CompletionSend:
		return "send"
	case CompletionRecv:
		return "recv"
	case CompletionRead:
		return "read"
	case CompletionWrite:
		return "write"
	default:
		return "unknown"
	}
}

// CompletionEvent reports a finished work request.
type CompletionEvent struct {
	Op     CompletionOp
	Length int
	// Source is the sending domain for receive completions.
	Source Address
	// Err is non-nil for failed work requests.
	Err error

	ctxID  uint64
	domain *Domain
}

// Resolve returns the completion context associated with the work request and
// runs its completion callbacks. It succeeds at most once per event.
func (e *CompletionEvent) Resolve() (*CompletionContext, error) {
	if e == nil || e.domain == nil {
		return nil, ErrContextUnknown
	}
	return e.domain.resolveCompletion(e.ctxID)
}

// CompletionQueue collects completions for a domain.
type CompletionQueue struct {
	domain *Domain

	mu     sync.Mutex
	events []*CompletionEvent
	notify chan struct{}
	closed bool
}

func newCompletionQueue(d *Domain) *CompletionQueue {
	return &CompletionQueue{domain: d, notify: make(chan struct{})}
}

func (c *CompletionQueue) push(evt *CompletionEvent) {
	evt.domain = c.domain
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.events = append(c.events, evt)
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// ReadContext pops the oldest completion or returns ErrNoCompletion.
func (c *CompletionQueue) ReadContext() (*CompletionEvent, error) {
	if c == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		if c.closed {
			return nil, ErrClosed
		}
		return nil, ErrNoCompletion
	}
	evt := c.events[0]
	c.events[0] = nil
	c.events = c.events[1:]
	return evt, nil
}

// Len reports how many completions are queued.
func (c *CompletionQueue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Wait blocks until a completion is queued, the queue closes, the timeout
// expires or ctx is done. A non-positive timeout waits indefinitely.
func (c *CompletionQueue) Wait(ctx context.Context, timeout time.Duration) error {
	if c == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		c.mu.Lock()
		if len(c.events) > 0 {
			c.mu.Unlock()
			return nil
		}
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		notify := c.notify
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return ErrTimeout
		case <-notify:
		}
	}
}

func (c *CompletionQueue) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.notify)
		c.notify = make(chan struct{})
	}
	c.mu.Unlock()
}
