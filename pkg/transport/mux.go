package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// maxLaneDatagram bounds a datagram carried on a yamux lane.
// It is larger than protocol.MaxDatagramSize since the lane is a stream.
const maxLaneDatagram = 64 << 10

// MuxConfig configures yamux-based sessions (TCP, WebSocket and in-process).
type MuxConfig struct {
	// KeepAliveInterval is how often yamux pings an idle connection.
	// Zero disables keepalives.
	// Default: 30s.
	KeepAliveInterval time.Duration

	// ConnectionWriteTimeout bounds a single write to the connection.
	// Default: 10s.
	ConnectionWriteTimeout time.Duration

	// MaxStreamWindowSize is the per-stream receive window in bytes.
	// Default: 256 KiB.
	MaxStreamWindowSize uint32

	// DatagramQueue is the number of datagrams buffered in each direction
	// before new ones are dropped.
	// Default: 64.
	DatagramQueue int

	// LaneTimeout bounds how long the acceptor waits for the peer's
	// datagram lane header.
	// Default: 10s.
	LaneTimeout time.Duration

	// Logger receives yamux diagnostics. Nil discards them.
	Logger *zap.Logger
}

// DefaultMuxConfig returns a MuxConfig with sensible defaults.
func DefaultMuxConfig() *MuxConfig {
	return &MuxConfig{
		KeepAliveInterval:      30 * time.Second,
		ConnectionWriteTimeout: 10 * time.Second,
		MaxStreamWindowSize:    256 << 10,
		DatagramQueue:          64,
		LaneTimeout:            10 * time.Second,
	}
}

// Clone returns a copy of the config.
func (c *MuxConfig) Clone() *MuxConfig {
	clone := *c
	return &clone
}

// WithLogger returns a copy of the config with the given logger.
func (c *MuxConfig) WithLogger(logger *zap.Logger) *MuxConfig {
	clone := c.Clone()
	clone.Logger = logger
	return clone
}

func (c *MuxConfig) orDefault() *MuxConfig {
	if c == nil {
		return DefaultMuxConfig()
	}
	out := c.Clone()
	def := DefaultMuxConfig()
	if out.ConnectionWriteTimeout <= 0 {
		out.ConnectionWriteTimeout = def.ConnectionWriteTimeout
	}
	if out.MaxStreamWindowSize == 0 {
		out.MaxStreamWindowSize = def.MaxStreamWindowSize
	}
	if out.DatagramQueue <= 0 {
		out.DatagramQueue = def.DatagramQueue
	}
	if out.LaneTimeout <= 0 {
		out.LaneTimeout = def.LaneTimeout
	}
	return out
}

func (c *MuxConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *MuxConfig) yamuxConfig() *yamux.Config {
	yc := yamux.DefaultConfig()
	yc.EnableKeepAlive = c.KeepAliveInterval > 0
	if yc.EnableKeepAlive {
		yc.KeepAliveInterval = c.KeepAliveInterval
	}
	yc.ConnectionWriteTimeout = c.ConnectionWriteTimeout
	if c.MaxStreamWindowSize > yc.MaxStreamWindowSize {
		yc.MaxStreamWindowSize = c.MaxStreamWindowSize
	}
	yc.LogOutput = nil
	yc.Logger = zap.NewStdLog(c.logger().Named("yamux"))
	return yc
}

// muxStream adapts a yamux stream.
type muxStream struct {
	*yamux.Stream
}

func (s muxStream) ID() uint64 { return uint64(s.StreamID()) }

// muxSession is a Session over a yamux session. Datagrams travel on a
// dedicated lane stream that each side opens before anything else.
type muxSession struct {
	sess   *yamux.Session
	peer   PeerAddress
	config *MuxConfig
	log    *zap.Logger

	lane    *yamux.Stream
	sendq   chan []byte
	recvq   chan []byte
	acceptq chan *yamux.Stream

	closeOnce sync.Once
	done      chan struct{}
}

// newMuxSession wraps sess and opens the local datagram lane.
func newMuxSession(sess *yamux.Session, peer PeerAddress, config *MuxConfig) (*muxSession, error) {
	lane, err := sess.OpenStream()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("transport: open datagram lane: %w", err)
	}
	header := protocol.StandardHeader(protocol.StreamDatagramLane)
	if err := protocol.NewWriter(lane, nil).WriteMessage(&header); err != nil {
		sess.Close()
		return nil, fmt.Errorf("transport: write datagram lane header: %w", err)
	}

	s := &muxSession{
		sess:    sess,
		peer:    peer,
		config:  config,
		log:     config.logger().With(zap.Stringer("peer", peer)),
		lane:    lane,
		sendq:   make(chan []byte, config.DatagramQueue),
		recvq:   make(chan []byte, config.DatagramQueue),
		acceptq: make(chan *yamux.Stream),
		done:    make(chan struct{}),
	}
	go s.acceptLoop()
	go s.sendLoop()
	go func() {
		select {
		case <-sess.CloseChan():
			s.shutdown()
		case <-s.done:
		}
	}()
	return s, nil
}

func (s *muxSession) acceptLoop() {
	first := true
	for {
		st, err := s.sess.AcceptStream()
		if err != nil {
			s.shutdown()
			return
		}
		if first {
			first = false
			go s.readLane(st)
			continue
		}
		select {
		case s.acceptq <- st:
		case <-s.done:
			st.Close()
			return
		}
	}
}

// readLane verifies the peer's lane header and feeds its datagrams to recvq.
func (s *muxSession) readLane(st *yamux.Stream) {
	r := protocol.NewReader(st, &protocol.Limits{MaxFrameSize: maxLaneDatagram})

	st.SetReadDeadline(time.Now().Add(s.config.LaneTimeout))
	var header protocol.StreamHeader
	if err := r.ReadMessage(&header); err != nil {
		s.log.Warn("datagram lane header", zap.Error(err))
		s.Close("missing datagram lane")
		return
	}
	if header.IsCustom() || header.Standard != protocol.StreamDatagramLane {
		s.log.Warn("unexpected first stream", zap.Stringer("header", header))
		s.Close("missing datagram lane")
		return
	}
	st.SetReadDeadline(time.Time{})

	for {
		b, err := r.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.log.Debug("datagram lane closed", zap.Error(err))
			}
			return
		}
		select {
		case s.recvq <- b:
		default:
		}
	}
}

func (s *muxSession) sendLoop() {
	buf := make([]byte, 0, maxLaneDatagram+protocol.MaxVarintLen)
	for {
		select {
		case b := <-s.sendq:
			buf = protocol.AppendUvarint(buf[:0], uint64(len(b)))
			buf = append(buf, b...)
			if _, err := s.lane.Write(buf); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *muxSession) OpenStream(ctx context.Context) (Stream, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	type result struct {
		st  *yamux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.sess.OpenStream()
		ch <- result{st, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, s.mapErr(r.err)
		}
		return muxStream{r.st}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.st != nil {
				r.st.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (s *muxSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st := <-s.acceptq:
		return muxStream{st}, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *muxSession) SendDatagram(b []byte) error {
	if len(b) > maxLaneDatagram {
		return ErrDatagramTooLarge
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	msg := append([]byte(nil), b...)
	select {
	case s.sendq <- msg:
	default:
	}
	return nil
}

func (s *muxSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.recvq:
		return b, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *muxSession) Peer() PeerAddress { return s.peer }

func (s *muxSession) Close(reason string) error {
	if s.isClosed() {
		return nil
	}
	s.log.Debug("closing session", zap.String("reason", reason))
	s.shutdown()
	return nil
}

func (s *muxSession) Done() <-chan struct{} { return s.done }

func (s *muxSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.lane.Close()
		s.sess.Close()
	})
}

func (s *muxSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *muxSession) mapErr(err error) error {
	if errors.Is(err, yamux.ErrSessionShutdown) || s.isClosed() {
		return ErrSessionClosed
	}
	return err
}

// ListenMux listens for yamux sessions over TCP.
func ListenMux(addr string, config *MuxConfig) (*MuxListener, error) {
	config = config.orDefault()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	l := &MuxListener{
		ln:     ln,
		config: config,
		queue:  newSessionQueue(),
	}
	go l.serve()
	return l, nil
}

// MuxListener accepts yamux sessions over TCP.
type MuxListener struct {
	ln     net.Listener
	config *MuxConfig
	queue  *sessionQueue
}

func (l *MuxListener) serve() {
	log := l.config.logger()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.queue.close()
			return
		}
		go func() {
			s, err := serverMux(conn, PeerAddress{Network: conn.RemoteAddr()}, l.config)
			if err != nil {
				log.Debug("tcp session setup failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
				return
			}
			if !l.queue.push(s) {
				s.Close("listener closed")
			}
		}()
	}
}

func (l *MuxListener) Accept(ctx context.Context) (Session, error) { return l.queue.accept(ctx) }

func (l *MuxListener) Addr() net.Addr { return l.ln.Addr() }

func (l *MuxListener) Close() error {
	l.queue.close()
	return l.ln.Close()
}

// DialMux dials a yamux session over TCP.
func DialMux(ctx context.Context, addr string, config *MuxConfig) (Session, error) {
	config = config.orDefault()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return clientMux(conn, PeerAddress{Network: conn.RemoteAddr()}, config)
}

func clientMux(conn io.ReadWriteCloser, peer PeerAddress, config *MuxConfig) (Session, error) {
	sess, err := yamux.Client(conn, config.yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: yamux client: %w", err)
	}
	return newMuxSession(sess, peer, config)
}

func serverMux(conn io.ReadWriteCloser, peer PeerAddress, config *MuxConfig) (Session, error) {
	sess, err := yamux.Server(conn, config.yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: yamux server: %w", err)
	}
	return newMuxSession(sess, peer, config)
}

var localIDs atomic.Uint64

// Pipe returns two connected in-process sessions. Both report the same
// local peer address.
func Pipe(config *MuxConfig) (client, server Session, err error) {
	config = config.orDefault()
	c1, c2 := net.Pipe()

	cs, err := yamux.Client(c1, config.yamuxConfig())
	if err != nil {
		c1.Close()
		c2.Close()
		return nil, nil, err
	}
	ss, err := yamux.Server(c2, config.yamuxConfig())
	if err != nil {
		cs.Close()
		c2.Close()
		return nil, nil, err
	}

	peer := PeerAddress{Local: true, LocalID: localIDs.Add(1)}
	cm, err := newMuxSession(cs, peer, config)
	if err != nil {
		ss.Close()
		return nil, nil, err
	}
	sm, err := newMuxSession(ss, peer, config)
	if err != nil {
		cm.Close("pipe setup failed")
		return nil, nil, err
	}
	return cm, sm, nil
}

// sessionQueue hands sessions from a background acceptor to Accept.
type sessionQueue struct {
	ch        chan Session
	done      chan struct{}
	closeOnce sync.Once
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{
		ch:   make(chan Session),
		done: make(chan struct{}),
	}
}

func (q *sessionQueue) push(s Session) bool {
	select {
	case q.ch <- s:
		return true
	case <-q.done:
		return false
	}
}

func (q *sessionQueue) accept(ctx context.Context) (Session, error) {
	select {
	case s := <-q.ch:
		return s, nil
	case <-q.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *sessionQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
