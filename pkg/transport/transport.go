package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

// Transport errors.
var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")

	// ErrDatagramTooLarge is returned when a datagram exceeds the transport's size limit.
	ErrDatagramTooLarge = errors.New("transport: datagram too large")

	// ErrUnsupportedScheme is returned by Dial for an unknown URL scheme.
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
)

// Stream is a reliable, ordered, bidirectional byte stream within a Session.
type Stream interface {
	io.ReadWriteCloser

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// ID returns the stream id, unique within its session.
	ID() uint64
}

// Session is one transport connection.
type Session interface {
	// OpenStream opens a new outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the peer to open a stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// SendDatagram sends b without delivery or ordering guarantees.
	// A datagram that cannot be queued is dropped silently.
	SendDatagram(b []byte) error

	// ReceiveDatagram waits for the next datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// Peer returns the address of the remote side.
	Peer() PeerAddress

	// Close closes the session and every stream on it.
	Close(reason string) error

	// Done is closed once the session has ended for any reason.
	Done() <-chan struct{}
}

// Listener accepts incoming sessions.
type Listener interface {
	// Accept waits for the next session.
	Accept(ctx context.Context) (Session, error)

	// Addr returns the listening address.
	Addr() net.Addr

	// Close stops accepting. Sessions already accepted stay open.
	Close() error
}

// PeerAddress identifies the remote end of a session. In-process sessions
// have a local id instead of a network address.
type PeerAddress struct {
	Local   bool
	LocalID uint64
	Network net.Addr
}

// String returns "local:<id>" or the network address.
func (a PeerAddress) String() string {
	if a.Local {
		return "local:" + strconv.FormatUint(a.LocalID, 10)
	}
	if a.Network == nil {
		return "unknown"
	}
	return a.Network.String()
}
