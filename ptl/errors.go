package ptl

import "errors"

var (
	// ErrArgInvalid indicates an invalid argument or argument combination.
	ErrArgInvalid = errors.New("ptl: invalid argument")
	// ErrNoSpace indicates an exhausted object pool or list limit.
	ErrNoSpace = errors.New("ptl: no space")
	// ErrInterrupted indicates a wait cut short by freeing its object or the interface.
	ErrInterrupted = errors.New("ptl: interrupted")
	// ErrCTNoneReached indicates that CTPoll timed out before any threshold was reached.
	ErrCTNoneReached = errors.New("ptl: no counting event reached its threshold")
	// ErrEQEmpty indicates that no event is queued.
	ErrEQEmpty = errors.New("ptl: event queue empty")
	// ErrEQDropped accompanies the first event read after the queue overflowed.
	ErrEQDropped = errors.New("ptl: event queue dropped events")
	// ErrClosed indicates the interface has already been finalized.
	ErrClosed = errors.New("ptl: interface closed")
	// ErrPTInUse indicates a portal table index already allocated or still holding entries.
	ErrPTInUse = errors.New("ptl: portal table entry in use")
	// ErrPTFull indicates that no portal table index is free.
	ErrPTFull = errors.New("ptl: portal table full")
	// ErrInUse indicates an object still referenced by pending operations.
	ErrInUse = errors.New("ptl: object in use")
)
