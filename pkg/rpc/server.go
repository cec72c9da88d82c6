package rpc

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Method identifies an interface method. The names are informational and
// never sent on the wire.
type Method struct {
	InterfaceID   uint64
	MethodID      uint16
	InterfaceName string
	MethodName    string
}

// String returns "Interface.method", falling back to the numeric ids.
func (m Method) String() string {
	iface := m.InterfaceName
	if iface == "" {
		iface = fmt.Sprintf("@%x", m.InterfaceID)
	}
	name := m.MethodName
	if name == "" {
		name = fmt.Sprintf("%d", m.MethodID)
	}
	return iface + "." + name
}

// Server hosts a capability.
type Server interface {
	// Dispatch runs one call. ctx is canceled when the caller cancels, the
	// capability is released, or the connection closes.
	Dispatch(ctx context.Context, call *Call) (*Results, error)
}

// Describer is implemented by servers that can name their methods.
// Names feed logs, metrics and traces.
type Describer interface {
	Describe(methodID uint16) Method
}

// Shutdowner is implemented by servers that want to know when their last
// export is dropped, whether by Release or by connection close.
type Shutdowner interface {
	Shutdown()
}

// Call is an inbound call as seen by a Server.
type Call struct {
	Method Method

	params cbor.RawMessage
	caps   []*Client
	conn   *Conn
}

// Args decodes the call parameters into v.
func (c *Call) Args(v any) error {
	if len(c.params) == 0 {
		return nil
	}
	return protocol.UnmarshalRaw(c.params, v)
}

// Cap returns the i-th capability passed with the call.
func (c *Call) Cap(i int) (*Client, error) {
	if i < 0 || i >= len(c.caps) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoCapability, i, len(c.caps))
	}
	return c.caps[i], nil
}

// NumCaps returns the number of capabilities passed with the call.
func (c *Call) NumCaps() int { return len(c.caps) }

// Conn returns the connection the call arrived on.
func (c *Call) Conn() *Conn { return c.conn }

// Results is a successful call outcome. Caps are exported by the callee and
// referenced from Value by position.
type Results struct {
	Value any
	Caps  []Server
}

// Return builds Results.
func Return(v any, caps ...Server) *Results {
	return &Results{Value: v, Caps: caps}
}

// ServerFunc adapts a function to Server.
type ServerFunc func(ctx context.Context, call *Call) (*Results, error)

// Dispatch calls f.
func (f ServerFunc) Dispatch(ctx context.Context, call *Call) (*Results, error) {
	return f(ctx, call)
}

// Middleware wraps inbound call dispatch.
type Middleware interface {
	Handle(ctx context.Context, call *Call, next func(ctx context.Context) (*Results, error)) (*Results, error)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, call *Call, next func(ctx context.Context) (*Results, error)) (*Results, error)

// Handle calls f.
func (f MiddlewareFunc) Handle(ctx context.Context, call *Call, next func(ctx context.Context) (*Results, error)) (*Results, error) {
	return f(ctx, call, next)
}

// chain runs srv behind mws, outermost first.
func chain(ctx context.Context, mws []Middleware, srv Server, call *Call) (*Results, error) {
	var run func(i int, ctx context.Context) (*Results, error)
	run = func(i int, ctx context.Context) (*Results, error) {
		if i == len(mws) {
			return srv.Dispatch(ctx, call)
		}
		return mws[i].Handle(ctx, call, func(ctx context.Context) (*Results, error) {
			return run(i+1, ctx)
		})
	}
	return run(0, ctx)
}

// unimplementedServer answers every call with ErrUnimplemented. It fills the
// bootstrap slot of connections that do not export one.
type unimplementedServer struct{}

func (unimplementedServer) Dispatch(context.Context, *Call) (*Results, error) {
	return nil, ErrUnimplemented
}
