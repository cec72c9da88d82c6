package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConn adapts a WebSocket connection to a byte stream for yamux.
// Each Write is one binary message; Read drains messages in order.
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// WebSocketConfig configures a WebSocketListener.
type WebSocketConfig struct {
	// Mux configures the yamux session carried over each WebSocket.
	Mux *MuxConfig

	// CheckOrigin validates the Origin header. Nil accepts any origin,
	// since game clients are not browsers.
	CheckOrigin func(r *http.Request) bool

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	// Default: 32 KiB each.
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		Mux:             DefaultMuxConfig(),
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
	}
}

// WebSocketListener is an http.Handler that upgrades requests and yields
// each as a Session from Accept. Mount it on a router (for example at
// /connect) and serve it with any http.Server.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	mux      *MuxConfig
	queue    *sessionQueue
	addr     net.Addr
}

// NewWebSocketListener returns a WebSocketListener. addr is reported by Addr
// and may be nil.
func NewWebSocketListener(addr net.Addr, config *WebSocketConfig) *WebSocketListener {
	if config == nil {
		config = DefaultWebSocketConfig()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		mux:   config.Mux.orDefault(),
		queue: newSessionQueue(),
		addr:  addr,
	}
}

// ServeHTTP upgrades the request and queues the resulting session.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.queue.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	conn := newWSConn(ws)
	s, err := serverMux(conn, PeerAddress{Network: ws.RemoteAddr()}, l.mux)
	if err != nil {
		l.mux.logger().Debug("websocket session setup failed", zap.Stringer("remote", ws.RemoteAddr()), zap.Error(err))
		return
	}
	if !l.queue.push(s) {
		s.Close("listener closed")
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Session, error) {
	return l.queue.accept(ctx)
}

func (l *WebSocketListener) Addr() net.Addr { return l.addr }

func (l *WebSocketListener) Close() error {
	l.queue.close()
	return nil
}

// DialWebSocket dials a yamux session over a WebSocket at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, dialer *websocket.Dialer, config *MuxConfig) (Session, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return clientMux(newWSConn(ws), PeerAddress{Network: ws.RemoteAddr()}, config.orDefault())
}
