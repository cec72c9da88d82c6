package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Sentinel errors.
var (
	// ErrConnectionClosed is returned by any operation on a closed
	// connection or on a capability whose connection has terminated.
	ErrConnectionClosed = errors.New("rpc: connection closed")

	// ErrStaleHandle is returned when a handle's generation no longer
	// matches its slot.
	ErrStaleHandle = errors.New("rpc: stale capability handle")

	// ErrNoCapability is returned when a result cap table has no entry at
	// the requested index.
	ErrNoCapability = errors.New("rpc: no capability at index")

	// ErrUnimplemented is returned by servers for unknown methods.
	ErrUnimplemented = errors.New("rpc: method not implemented")

	// ErrReleased is returned when calling a released client.
	ErrReleased = errors.New("rpc: capability released")

	// ErrProtocol is returned when the peer violates the RPC protocol.
	ErrProtocol = errors.New("rpc: protocol violation")

	// ErrAborted is returned by Serve when the peer aborted the connection.
	ErrAborted = errors.New("rpc: connection aborted by peer")
)

// Exception is a failure reported by the remote side of a call.
type Exception struct {
	Type   protocol.ExceptionType
	Reason string
}

func (e *Exception) Error() string {
	return fmt.Sprintf("rpc: remote exception (%s): %s", e.Type, e.Reason)
}

// Is lets errors.Is match a disconnected exception against
// ErrConnectionClosed and an unimplemented one against ErrUnimplemented.
// A failure raised by the peer for a pipelined call on a missing result
// capability matches ErrNoCapability.
func (e *Exception) Is(target error) bool {
	switch target {
	case ErrConnectionClosed:
		return e.Type == protocol.ExceptionDisconnected
	case ErrUnimplemented:
		return e.Type == protocol.ExceptionUnimplemented
	case ErrNoCapability:
		return e.Type == protocol.ExceptionFailed && strings.HasPrefix(e.Reason, ErrNoCapability.Error())
	}
	return false
}

// Failed returns an exception of type failed.
func Failed(format string, args ...any) *Exception {
	return &Exception{Type: protocol.ExceptionFailed, Reason: fmt.Sprintf(format, args...)}
}

// toException converts a local error to its wire form.
func toException(err error) *protocol.RPCException {
	var exc *Exception
	switch {
	case errors.As(err, &exc):
		return &protocol.RPCException{Type: exc.Type, Reason: exc.Reason}
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrStaleHandle), errors.Is(err, ErrReleased):
		return &protocol.RPCException{Type: protocol.ExceptionDisconnected, Reason: err.Error()}
	case errors.Is(err, ErrUnimplemented):
		return &protocol.RPCException{Type: protocol.ExceptionUnimplemented, Reason: err.Error()}
	case errors.Is(err, context.Canceled):
		return &protocol.RPCException{Type: protocol.ExceptionFailed, Reason: "canceled"}
	default:
		return &protocol.RPCException{Type: protocol.ExceptionFailed, Reason: err.Error()}
	}
}

func fromException(e *protocol.RPCException) error {
	return &Exception{Type: e.Type, Reason: e.Reason}
}
