package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Application error codes sent when closing a QUIC connection.
const (
	quicCodeNormal quic.ApplicationErrorCode = 0
)

// QUICConfig configures QUIC sessions.
type QUICConfig struct {
	// KeepAlivePeriod is how often a keepalive is sent on an idle connection.
	// Default: 15s.
	KeepAlivePeriod time.Duration

	// MaxIdleTimeout closes a connection with no network activity.
	// Default: 45s.
	MaxIdleTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake.
	// Default: 10s.
	HandshakeTimeout time.Duration
}

// DefaultQUICConfig returns a QUICConfig with sensible defaults.
func DefaultQUICConfig() *QUICConfig {
	return &QUICConfig{
		KeepAlivePeriod:  15 * time.Second,
		MaxIdleTimeout:   45 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c *QUICConfig) quicConfig() *quic.Config {
	if c == nil {
		c = DefaultQUICConfig()
	}
	return &quic.Config{
		EnableDatagrams:      true,
		KeepAlivePeriod:      c.KeepAlivePeriod,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		HandshakeIdleTimeout: c.HandshakeTimeout,
	}
}

type quicStream struct {
	quic.Stream
}

func (s quicStream) ID() uint64 { return uint64(s.StreamID()) }

// Close closes both directions. quic.Stream.Close only closes the send side.
func (s quicStream) Close() error {
	s.CancelRead(0)
	return s.Stream.Close()
}

type quicSession struct {
	conn quic.Connection
	peer PeerAddress
}

func newQUICSession(conn quic.Connection) *quicSession {
	return &quicSession{
		conn: conn,
		peer: PeerAddress{Network: conn.RemoteAddr()},
	}
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}
	return quicStream{st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}
	return quicStream{st}, nil
}

func (s *quicSession) SendDatagram(b []byte) error {
	err := s.conn.SendDatagram(b)
	var tooLarge *quic.DatagramTooLargeError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tooLarge):
		return ErrDatagramTooLarge
	case s.conn.Context().Err() != nil:
		return ErrSessionClosed
	default:
		return err
	}
}

func (s *quicSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	b, err := s.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}
	return b, nil
}

func (s *quicSession) Peer() PeerAddress { return s.peer }

func (s *quicSession) Close(reason string) error {
	return s.conn.CloseWithError(quicCodeNormal, reason)
}

func (s *quicSession) Done() <-chan struct{} { return s.conn.Context().Done() }

func (s *quicSession) mapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.conn.Context().Err() != nil {
		return ErrSessionClosed
	}
	return err
}

// QUICListener accepts QUIC sessions.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC listens for QUIC sessions on the UDP address addr.
// The TLS config must carry a certificate; ALPN defaults to ALPN.
func ListenQUIC(addr string, tlsConf *tls.Config, config *QUICConfig) (*QUICListener, error) {
	tlsConf = withALPN(tlsConf)
	ln, err := quic.ListenAddr(addr, tlsConf, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen quic %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return newQUICSession(conn), nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

func (l *QUICListener) Close() error { return l.ln.Close() }

// DialQUIC dials a QUIC session.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, config *QUICConfig) (Session, error) {
	tlsConf = withALPN(tlsConf)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial quic %s: %w", addr, err)
	}
	return newQUICSession(conn), nil
}
