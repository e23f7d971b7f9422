// Package bridgeerr defines the sentinel error kinds shared by the bridge
// core and the tool surface. Handlers compare against these with errors.Is
// rather than matching on message strings.
package bridgeerr

import "errors"

var (
	// ErrNotConnected is returned when a command is dispatched with no
	// authenticated peer attached.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when a dispatched command's caller-supplied
	// timeout elapses before a matching response arrives.
	ErrTimeout = errors.New("timeout")

	// ErrPeerDisconnected is returned to every pending request when the
	// authenticated peer's connection is lost.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrShuttingDown is returned to every pending request, and to any new
	// dispatch, once Stop has been called.
	ErrShuttingDown = errors.New("shutting down")

	// ErrInvalidInput covers malformed baseline names and undecodable
	// navigate or tool arguments. An invalid ACT_PORT value is not reported
	// with it (the default port is used instead), and a navigate URL that
	// does not parse fails with ErrNotAllowed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotAllowed is returned when a navigate command's URL fails the
	// origin allowlist check.
	ErrNotAllowed = errors.New("not allowed")

	// ErrStorage covers baseline-store filesystem failures.
	ErrStorage = errors.New("storage error")
)

// PeerError wraps an error message reported by the peer in a response
// frame. It is never one of the sentinel kinds above — it carries
// whatever the peer chose to say.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string { return e.Message }

// NewPeerError constructs a PeerError from a peer-reported message.
func NewPeerError(msg string) error { return &PeerError{Message: msg} }
