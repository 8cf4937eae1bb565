package fabric

import "errors"

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("fabric: no completion available")
	// ErrNoEvent indicates that no connection events were available.
	ErrNoEvent = errors.New("fabric: no event available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("fabric: wait timed out")
	// ErrContextUnknown indicates that a completion context was not found.
	ErrContextUnknown = errors.New("fabric: completion context not found")
	// ErrClosed indicates the fabric object has been closed.
	ErrClosed = errors.New("fabric: closed")
	// ErrAddressInUse indicates a domain is already open at the address.
	ErrAddressInUse = errors.New("fabric: address in use")
	// ErrNotConnected indicates a queue pair without an established peer.
	ErrNotConnected = errors.New("fabric: queue pair not connected")
	// ErrRouting indicates a shared receive target outside the peer's node.
	ErrRouting = errors.New("fabric: no route to shared receive target")
	// ErrRemoteAccess indicates a remote key, bounds or permission failure.
	ErrRemoteAccess = errors.New("fabric: remote access error")
	// ErrTruncated indicates a message larger than the posted receive buffer.
	ErrTruncated = errors.New("fabric: message truncated")
	// ErrFlushed marks a completion failed because an earlier unsignaled
	// request on the same queue pair failed.
	ErrFlushed = errors.New("fabric: work request flushed")
	// ErrRegionTooSmall indicates staged data larger than a pooled region.
	ErrRegionTooSmall = errors.New("fabric: data exceeds staging region")
	// ErrInsufficientAccess indicates that a memory region lacks the required
	// access flags for the requested operation.
	ErrInsufficientAccess = errors.New("fabric: memory region missing required access")
)

// ErrInvalidHandle reports use of a nil or closed fabric object.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}
