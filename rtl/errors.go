package rtl

import "errors"

// Status errors surfaced to clients through Ops.Complete, matching
// spec.md §7. PTL-originated errors are forwarded through Complete
// unchanged and are not among these sentinels.
var (
	// ErrCanceled indicates the request was cancelled before completion.
	ErrCanceled = errors.New("rtl: request canceled")
	// ErrTimedOut indicates the deadline elapsed with no response.
	ErrTimedOut = errors.New("rtl: request timed out")
	// ErrShutdown indicates the layer shut down before completion.
	ErrShutdown = errors.New("rtl: layer shut down")
	// ErrRemoteIO indicates a response arrived before the transmission ACK,
	// a protocol violation.
	ErrRemoteIO = errors.New("rtl: response received before transmission acked")

	// ErrAlready is returned by Submit when the request has already been
	// bound to an RTL (re-submission).
	ErrAlready = errors.New("rtl: request already submitted")
	// ErrInvalid is returned by Submit when the request is malformed
	// (HasResponse without a sequenced packet) or already locked.
	ErrInvalid = errors.New("rtl: invalid request")
)
