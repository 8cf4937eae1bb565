package fabric

import (
	"sync"
	"sync/atomic"
)

// CompletionContext ties a posted work request to its owner. The domain keeps
// it registered until the matching completion resolves it, or until Release on
// paths where no completion will arrive.
type CompletionContext struct {
	id     uint64
	domain *Domain

	mu       sync.Mutex
	value    any
	cleanups []func()
	done     atomic.Bool
}

// NewCompletionContext registers a fresh context with d.
func (d *Domain) NewCompletionContext() *CompletionContext {
	ctx := &CompletionContext{id: d.ctxSeq.Add(1), domain: d}
	d.contexts.Store(ctx.id, ctx)
	return ctx
}

// Value returns the owner attached with SetValue.
func (c *CompletionContext) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// SetValue attaches the owner of the work request.
func (c *CompletionContext) SetValue(v any) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// AddCleanup registers fn to run, most recent first, when the context is
// resolved or released.
func (c *CompletionContext) AddCleanup(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

// IsReleased reports whether the context was resolved or released.
func (c *CompletionContext) IsReleased() bool {
	return c.done.Load()
}

// Release unregisters a context whose work request was never posted or will
// not be signaled.
func (c *CompletionContext) Release() {
	if c == nil {
		return
	}
	if c.finish() && c.domain != nil {
		c.domain.contexts.Delete(c.id)
	}
}

// finish runs the cleanups once and reports whether this call did so.
func (c *CompletionContext) finish() bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return true
}

func (d *Domain) resolveCompletion(id uint64) (*CompletionContext, error) {
	value, ok := d.contexts.LoadAndDelete(id)
	if id == 0 || !ok {
		return nil, ErrContextUnknown
	}
	ctx := value.(*CompletionContext)
	ctx.finish()
	return ctx, nil
}

func contextID(ctx *CompletionContext) uint64 {
	if ctx == nil {
		return 0
	}
	return ctx.id
}
