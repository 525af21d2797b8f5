package client

import "errors"

var (
	// ErrNotAuthenticated is returned while the socket is open but the
	// session has not authenticated. Nothing is queued.
	ErrNotAuthenticated = errors.New("client: not authenticated")
	// ErrTransportDown is returned while the gateway is disconnected or
	// connecting, and for requests outstanding when the transport drops.
	ErrTransportDown = errors.New("client: transport down")
	// ErrAckTimeout is returned when the server did not confirm a request in time.
	ErrAckTimeout = errors.New("client: ack timeout")
	// ErrRejected wraps a logical refusal reported by the server.
	ErrRejected = errors.New("client: rejected")
	// ErrNotJoined is returned for operations on a conversation without a live channel.
	ErrNotJoined = errors.New("client: conversation not joined")
	ErrClosed    = errors.New("client: closed")
)

// fallbackEligible reports whether a failed channel send may be retried over REST.
func fallbackEligible(err error) bool {
	return errors.Is(err, ErrAckTimeout) || errors.Is(err, ErrTransportDown)
}
