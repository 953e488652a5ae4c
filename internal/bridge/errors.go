package bridge

import "errors"

// Error kinds surfaced by the bridge. Handlers map these onto HTTP status
// codes; everything else is an internal error.
var (
	// ErrNoPeer: no agent is connected and the request cannot be parked.
	ErrNoPeer = errors.New("no agent connected")
	// ErrInvalidSession: the resolved session tuple is unusable.
	ErrInvalidSession = errors.New("invalid session or message id")
	// ErrRecoveryTimeout: a parked request was not replayed in time.
	ErrRecoveryTimeout = errors.New("agent did not reconnect in time")
	// ErrChannelTimeout: no upstream data arrived within the stream deadline.
	ErrChannelTimeout = errors.New("timed out waiting for upstream data")
	// ErrQueueFull: the pending queue rejected an offer before its deadline.
	ErrQueueFull = errors.New("pending queue is full")
	// ErrStaleRequest: a frame arrived for a request that no longer exists.
	ErrStaleRequest = errors.New("unknown or completed request id")
)
