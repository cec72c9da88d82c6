package server

import (
	"errors"
	"fmt"

	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Sentinel errors for common server error conditions.
var (
	// ErrServerClosed is returned by Serve and ServeSession after Shutdown.
	ErrServerClosed = errors.New("server: server closed")

	// ErrPlayerNotFound is returned when no player has the given username.
	ErrPlayerNotFound = errors.New("server: player not found")

	// ErrConnTerminated is returned when terminating a connection that has
	// already been terminated.
	ErrConnTerminated = errors.New("server: connection already terminated")

	// ErrNoControlStream is returned when a client does not open its control
	// stream within the handshake timeout.
	ErrNoControlStream = errors.New("server: no control stream")

	// ErrInvalidChatMessage is returned for empty or oversized chat messages.
	ErrInvalidChatMessage = errors.New("server: invalid chat message")
)

// ConnError wraps an error with connection context for debugging.
type ConnError struct {
	Peer transport.PeerAddress
	Op   string // Operation that failed
	Err  error  // Underlying error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	return fmt.Sprintf("server: conn %s: %s: %v", e.Peer, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// newConnError creates a new ConnError.
func newConnError(peer transport.PeerAddress, op string, err error) *ConnError {
	return &ConnError{
		Peer: peer,
		Op:   op,
		Err:  err,
	}
}
