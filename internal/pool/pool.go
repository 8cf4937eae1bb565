// Package pool implements the slab-backed, reference-counted object allocator
// every Portals entity is built on.
//
// Objects live in fixed-size slabs that are never freed while the pool is in
// use. Free objects sit on a lock-free stack; growing the pool by one slab is
// serialised by a pool-wide lock. Each object is addressable by an opaque
// Handle carrying a type tag, a generation and a slot index, so stale handles
// are rejected after the slot has been recycled.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrNoSpace indicates the pool reached its configured object limit.
	ErrNoSpace = errors.New("pool: no space")
	// ErrInvalidHandle indicates a stale, freed or type-mismatched handle.
	ErrInvalidHandle = errors.New("pool: invalid handle")
)

const (
	defaultSlabSize = 64
	genMask         = 1<<24 - 1
)

// Tag identifies the object type encoded in a Handle.
type Tag uint8

// Handle is an opaque, generation-checked reference to a pooled object.
type Handle uint64

// HandleNone is never assigned to a live object.
const HandleNone Handle = 0

func makeHandle(tag Tag, gen uint32, index uint32) Handle {
	return Handle(uint64(tag)<<56 | uint64(gen&genMask)<<32 | uint64(index))
}

// Tag returns the type tag encoded in the handle.
func (h Handle) Tag() Tag { return Tag(h >> 56) }

func (h Handle) gen() uint32   { return uint32(h>>32) & genMask }
func (h Handle) index() uint32 { return uint32(h) }

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d:%d", h.Tag(), h.gen(), h.index())
}

// Releaser is anything holding a droppable reference, typically a parent object.
type Releaser interface {
	Put()
}

// Pooled is satisfied by every type embedding Object.
type Pooled interface {
	object() *Object
}

type owner interface {
	reclaim(o *Object)
	tag() Tag
}

// Object is the header of every pooled entity. Embed it by value.
type Object struct {
	mu     sync.Mutex
	refs   atomic.Int32
	gen    atomic.Uint32
	live   atomic.Bool
	next   atomic.Uint32
	index  uint32
	owner  owner
	parent Releaser
}

func (o *Object) object() *Object { return o }

// Lock acquires the per-object lock.
func (o *Object) Lock() { o.mu.Lock() }

// Unlock releases the per-object lock.
func (o *Object) Unlock() { o.mu.Unlock() }

// TryLock attempts the per-object lock without blocking.
func (o *Object) TryLock() bool { return o.mu.TryLock() }

// Get takes an additional reference. The caller must already hold one.
func (o *Object) Get() {
	if n := o.refs.Add(1); n < 2 {
		panic(fmt.Sprintf("pool: Get on unreferenced object (refs=%d)", n))
	}
}

// TryGet takes a reference on an allocated object the caller does not
// necessarily hold. It fails once the last reference is gone.
func (o *Object) TryGet() bool {
	for {
		refs := o.refs.Load()
		if refs <= 0 || !o.live.Load() {
			return false
		}
		if o.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// PutLast drops the caller's reference only if it is the last one, returning
// the object to its pool. It reports false and leaves the count untouched
// while anyone else holds a reference.
func (o *Object) PutLast() bool {
	if !o.refs.CompareAndSwap(1, 0) {
		return false
	}
	o.owner.reclaim(o)
	return true
}

// Put drops a reference, returning the object to its pool at zero.
func (o *Object) Put() {
	n := o.refs.Add(-1)
	switch {
	case n == 0:
		o.owner.reclaim(o)
	case n < 0:
		panic(fmt.Sprintf("pool: refcount underflow (refs=%d)", n))
	}
}

// Refs reports the current reference count.
func (o *Object) Refs() int32 { return o.refs.Load() }

// Live reports whether the object is allocated.
func (o *Object) Live() bool { return o.live.Load() }

// Handle returns the object's current handle.
func (o *Object) Handle() Handle {
	return makeHandle(o.owner.tag(), o.gen.Load(), o.index)
}

// SetParent records a parent whose reference this object now owns. The parent
// reference is dropped when this object returns to its pool.
func (o *Object) SetParent(parent Releaser) {
	o.parent = parent
}

// Options configures a Pool.
type Options[T any] struct {
	Name     string
	Tag      Tag
	SlabSize int
	// Max bounds the number of objects ever created; zero means unbounded.
	Max int
	// Setup runs once per object when its slab is created.
	Setup func(*T) error
	// Cleanup runs every time an object returns to the free list.
	Cleanup func(*T)
}

// Pool is a growable set of slabs of T with a lock-free free list.
type Pool[T any, P interface {
	*T
	Pooled
}] struct {
	opts   Options[T]
	growMu sync.Mutex
	slabs  atomic.Pointer[[]*[]T]
	// head packs an ABA counter in the upper half and index+1 in the lower.
	head  atomic.Uint64
	count atomic.Int64
	inUse atomic.Int64
}

// New constructs an empty pool. No slab is allocated until the first Alloc.
func New[T any, P interface {
	*T
	Pooled
}](opts Options[T]) *Pool[T, P] {
	if opts.SlabSize <= 0 {
		opts.SlabSize = defaultSlabSize
	}
	p := &Pool[T, P]{opts: opts}
	empty := make([]*[]T, 0)
	p.slabs.Store(&empty)
	return p
}

// Name returns the pool's configured name.
func (p *Pool[T, P]) Name() string { return p.opts.Name }

func (p *Pool[T, P]) tag() Tag { return p.opts.Tag }

// Count reports how many objects exist across all slabs.
func (p *Pool[T, P]) Count() int { return int(p.count.Load()) }

// InUse reports how many objects are currently allocated.
func (p *Pool[T, P]) InUse() int { return int(p.inUse.Load()) }

func (p *Pool[T, P]) at(index uint32) P {
	slabs := *p.slabs.Load()
	size := uint32(p.opts.SlabSize)
	slab := slabs[index/size]
	return P(&(*slab)[index%size])
}

// Alloc pops a free object, growing the pool by one slab when the free list is
// empty. The returned object carries one reference.
func (p *Pool[T, P]) Alloc() (P, error) {
	for {
		if obj := p.pop(); obj != nil {
			o := obj.object()
			o.parent = nil
			o.refs.Store(1)
			o.live.Store(true)
			p.inUse.Add(1)
			return obj, nil
		}
		if err := p.grow(); err != nil {
			return nil, err
		}
	}
}

// Lookup resolves a handle to a live object, taking a reference on success.
func (p *Pool[T, P]) Lookup(h Handle) (P, error) {
	if h == HandleNone || h.Tag() != p.opts.Tag {
		return nil, ErrInvalidHandle
	}
	index := h.index()
	if int64(index) >= p.count.Load() {
		return nil, ErrInvalidHandle
	}
	obj := p.at(index)
	o := obj.object()
	if !o.TryGet() {
		return nil, ErrInvalidHandle
	}
	if o.gen.Load() != h.gen() {
		o.Put()
		return nil, ErrInvalidHandle
	}
	return obj, nil
}

// Range calls fn for each allocated object until fn returns false. Objects
// may be released concurrently; fn should take a reference with TryGet.
func (p *Pool[T, P]) Range(fn func(P) bool) {
	n := p.count.Load()
	for i := int64(0); i < n; i++ {
		obj := p.at(uint32(i))
		if !obj.object().live.Load() {
			continue
		}
		if !fn(obj) {
			return
		}
	}
}

func (p *Pool[T, P]) pop() P {
	for {
		head := p.head.Load()
		idx := uint32(head)
		if idx == 0 {
			return nil
		}
		obj := p.at(idx - 1)
		next := obj.object().next.Load()
		if p.head.CompareAndSwap(head, (head>>32+1)<<32|uint64(next)) {
			return obj
		}
	}
}

func (p *Pool[T, P]) push(o *Object) {
	for {
		head := p.head.Load()
		o.next.Store(uint32(head))
		if p.head.CompareAndSwap(head, (head>>32+1)<<32|uint64(o.index+1)) {
			return
		}
	}
}

func (p *Pool[T, P]) grow() error {
	p.growMu.Lock()
	defer p.growMu.Unlock()

	if uint32(p.head.Load()) != 0 {
		return nil
	}
	current := p.count.Load()
	n := p.opts.SlabSize
	if p.opts.Max > 0 {
		if int(current) >= p.opts.Max {
			return fmt.Errorf("%s: %w", p.opts.Name, ErrNoSpace)
		}
		if int(current)+n > p.opts.Max {
			n = p.opts.Max - int(current)
		}
	}

	slab := make([]T, p.opts.SlabSize)
	base := uint32(current)
	for i := 0; i < n; i++ {
		obj := P(&slab[i])
		o := obj.object()
		o.index = base + uint32(i)
		o.owner = p
		o.gen.Store(1)
		if p.opts.Setup != nil {
			if err := p.opts.Setup(&slab[i]); err != nil {
				return fmt.Errorf("%s: setup: %w", p.opts.Name, err)
			}
		}
	}

	old := *p.slabs.Load()
	next := make([]*[]T, len(old), len(old)+1)
	copy(next, old)
	next = append(next, &slab)
	p.slabs.Store(&next)
	p.count.Add(int64(n))

	for i := n - 1; i >= 0; i-- {
		p.push(P(&slab[i]).object())
	}
	return nil
}

func (p *Pool[T, P]) reclaim(o *Object) {
	obj := p.at(o.index)
	if !o.live.Load() {
		panic(fmt.Sprintf("%s: double free of slot %d", p.opts.Name, o.index))
	}
	if p.opts.Cleanup != nil {
		p.opts.Cleanup((*T)(obj))
	}
	parent := o.parent
	o.parent = nil
	if parent != nil {
		parent.Put()
	}
	gen := (o.gen.Load() + 1) & genMask
	if gen == 0 {
		gen = 1
	}
	o.gen.Store(gen)
	o.live.Store(false)
	p.inUse.Add(-1)
	p.push(o)
}
