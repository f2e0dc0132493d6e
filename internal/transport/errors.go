package transport

import "errors"

var (
	// ErrNotConnected rejects a request attempted while the session is not
	// connected. Requests are never queued.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrSessionClosed means Disconnect was called; the session is terminal.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrUnknownRequest means the kind is missing from the request registry.
	ErrUnknownRequest = errors.New("transport: unknown request kind")

	// ErrRequestTimeout means the server never answered within the kind's
	// bound. Distinct from RemoteError so callers can tell "server said no"
	// from "server never replied".
	ErrRequestTimeout = errors.New("transport: request timed out")
)

// RemoteError carries the human-readable message of a `*:error` reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}
