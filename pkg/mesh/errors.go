package mesh

import "errors"

// Sentinel errors returned by Client operations. Callers should compare
// with errors.Is rather than switching on string content, since wrapped
// forms carry additional context (e.g. the failing transport call).
var (
	// ErrTimeout is returned by Request and AsyncRequest (via the resolved
	// future) when the deadline elapses before a reply, and is reported per
	// identity in Map's results. CollectBids does not return it: a deadline
	// with no eligible bids yields an AuctionResult with no winner.
	ErrTimeout = errors.New("mesh: timeout")

	// ErrNotInGroup is returned by GroupBroadcast when the client has no
	// active group membership.
	ErrNotInGroup = errors.New("mesh: not in group")

	// ErrShutdown is returned by in-flight Request and AsyncRequest calls
	// (and reported per identity in Map's results) aborted because the
	// client is shutting down. An in-flight CollectBids is not given it; it
	// returns with no winner and a nil error.
	ErrShutdown = errors.New("mesh: shutdown")

	// ErrMissing is returned by Registry.Get when the key does not exist.
	ErrMissing = errors.New("mesh: missing key")
)

// HandlerError wraps an error returned by a user-registered request
// handler. It is never surfaced by the dispatcher as a Go panic/error to
// the pump; instead it is encoded onto the wire as an error payload (see
// envelope.go's errorPayload) and reconstructed as a HandlerError on the
// caller side once the response comes back.
type HandlerError struct {
	// Message is the text the remote handler reported.
	Message string
}

func (e *HandlerError) Error() string {
	return "mesh: remote handler error: " + e.Message
}

// TransportFailure wraps an error surfaced by the Transport adapter from
// publish, subscribe or key/value operations. It is returned
// synchronously to the caller of the failing operation; it is never
// raised from the transport's reader goroutine into user code.
type TransportFailure struct {
	Op  string
	Err error
}

func (e *TransportFailure) Error() string {
	return "mesh: transport failure during " + e.Op + ": " + e.Err.Error()
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}
