package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// DefaultPort is the port servers listen on when none is given.
const DefaultPort = "28032"

// DialOptions configures Dial.
type DialOptions struct {
	// TLS configures QUIC and wss:// connections. Nil verifies the server
	// certificate against the system roots.
	TLS *tls.Config

	// QUIC configures QUIC sessions.
	QUIC *QUICConfig

	// Mux configures TCP and WebSocket sessions.
	Mux *MuxConfig
}

// Dial connects to target, which is one of:
//
//	quic://host[:port]
//	tcp://host[:port]
//	ws://host[:port]/path
//	wss://host[:port]/path
//
// A bare host[:port] dials QUIC.
func Dial(ctx context.Context, target string, opts *DialOptions) (Session, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	if !strings.Contains(target, "://") {
		target = "quic://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("transport: parse %q: %w", target, err)
	}

	switch u.Scheme {
	case "quic":
		return DialQUIC(ctx, hostPort(u), opts.TLS, opts.QUIC)
	case "tcp":
		return DialMux(ctx, hostPort(u), opts.Mux)
	case "ws", "wss":
		dialer := *websocket.DefaultDialer
		if opts.TLS != nil {
			dialer.TLSClientConfig = opts.TLS
		}
		return DialWebSocket(ctx, u.String(), &dialer, opts.Mux)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), DefaultPort)
}
