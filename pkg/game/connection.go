package game

import (
	"context"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// AuthenticatedServerConnection is minted by the server for a logged-in
// client.
type AuthenticatedServerConnection interface {
	BootstrapGameData(ctx context.Context) (*protocol.GameBootstrapData, error)
	SendChatMessage(ctx context.Context, text string) error
}

// AuthenticatedClientConnection is supplied by the client at login so the
// server can reach it.
type AuthenticatedClientConnection interface {
	// TerminateConnection announces that the server is about to close the
	// connection, and why.
	TerminateConnection(ctx context.Context, reason protocol.ConnectionTermination) error
	AddChatMessage(ctx context.Context, tick uint64, text string) error
}

type authenticatedServerConnectionServer struct {
	impl AuthenticatedServerConnection
}

// NewAuthenticatedServerConnectionServer exposes impl as an rpc.Server.
func NewAuthenticatedServerConnectionServer(impl AuthenticatedServerConnection) rpc.Server {
	return &authenticatedServerConnectionServer{impl: impl}
}

func (s *authenticatedServerConnectionServer) Describe(id uint16) rpc.Method {
	return describeFrom(id, MethodBootstrapGameData, MethodSendChatMessage)
}

func (s *authenticatedServerConnectionServer) Shutdown() {
	if sd, ok := s.impl.(rpc.Shutdowner); ok {
		sd.Shutdown()
	}
}

func (s *authenticatedServerConnectionServer) Dispatch(ctx context.Context, call *rpc.Call) (*rpc.Results, error) {
	if call.Method.InterfaceID != AuthenticatedServerConnectionID {
		return nil, rpc.ErrUnimplemented
	}
	switch call.Method.MethodID {
	case MethodBootstrapGameData.MethodID:
		data, err := s.impl.BootstrapGameData(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.Return(data), nil

	case MethodSendChatMessage.MethodID:
		var p sendChatMessageParams
		if err := call.Args(&p); err != nil {
			return nil, err
		}
		return nil, s.impl.SendChatMessage(ctx, p.Text)
	}
	return nil, rpc.ErrUnimplemented
}

// AuthenticatedServerConnectionClient calls a remote
// AuthenticatedServerConnection.
type AuthenticatedServerConnectionClient struct {
	client *rpc.Client
}

// NewAuthenticatedServerConnectionClient wraps c.
func NewAuthenticatedServerConnectionClient(c *rpc.Client) AuthenticatedServerConnectionClient {
	return AuthenticatedServerConnectionClient{client: c}
}

// Client returns the underlying capability.
func (c AuthenticatedServerConnectionClient) Client() *rpc.Client { return c.client }

// IsValid reports whether the stub refers to a capability at all.
func (c AuthenticatedServerConnectionClient) IsValid() bool { return c.client != nil }

// BootstrapGameData fetches the session's universe id and block registry.
// The bundle is validated before it is returned.
func (c AuthenticatedServerConnectionClient) BootstrapGameData(ctx context.Context) (*protocol.GameBootstrapData, error) {
	var data protocol.GameBootstrapData
	if err := c.client.Call(ctx, MethodBootstrapGameData, nil).Struct(ctx, &data); err != nil {
		return nil, err
	}
	if err := data.BlockRegistry.Validate(); err != nil {
		return nil, err
	}
	return &data, nil
}

// SendChatMessage posts text to the server's chat.
func (c AuthenticatedServerConnectionClient) SendChatMessage(ctx context.Context, text string) error {
	return c.client.Call(ctx, MethodSendChatMessage, sendChatMessageParams{Text: text}).Err(ctx)
}

// Release drops the capability.
func (c AuthenticatedServerConnectionClient) Release() {
	if c.client != nil {
		c.client.Release()
	}
}

type authenticatedClientConnectionServer struct {
	impl AuthenticatedClientConnection
}

// NewAuthenticatedClientConnectionServer exposes impl as an rpc.Server.
func NewAuthenticatedClientConnectionServer(impl AuthenticatedClientConnection) rpc.Server {
	return &authenticatedClientConnectionServer{impl: impl}
}

func (s *authenticatedClientConnectionServer) Describe(id uint16) rpc.Method {
	return describeFrom(id, MethodTerminateConnection, MethodAddChatMessage)
}

func (s *authenticatedClientConnectionServer) Shutdown() {
	if sd, ok := s.impl.(rpc.Shutdowner); ok {
		sd.Shutdown()
	}
}

func (s *authenticatedClientConnectionServer) Dispatch(ctx context.Context, call *rpc.Call) (*rpc.Results, error) {
	if call.Method.InterfaceID != AuthenticatedClientConnectionID {
		return nil, rpc.ErrUnimplemented
	}
	switch call.Method.MethodID {
	case MethodTerminateConnection.MethodID:
		var p terminateConnectionParams
		if err := call.Args(&p); err != nil {
			return nil, err
		}
		return nil, s.impl.TerminateConnection(ctx, p.Reason)

	case MethodAddChatMessage.MethodID:
		var p addChatMessageParams
		if err := call.Args(&p); err != nil {
			return nil, err
		}
		return nil, s.impl.AddChatMessage(ctx, p.Tick, p.Text)
	}
	return nil, rpc.ErrUnimplemented
}

// AuthenticatedClientConnectionClient calls a remote
// AuthenticatedClientConnection. It implements AuthenticatedClientConnection.
type AuthenticatedClientConnectionClient struct {
	client *rpc.Client
}

// NewAuthenticatedClientConnectionClient wraps c.
func NewAuthenticatedClientConnectionClient(c *rpc.Client) AuthenticatedClientConnectionClient {
	return AuthenticatedClientConnectionClient{client: c}
}

// Client returns the underlying capability.
func (c AuthenticatedClientConnectionClient) Client() *rpc.Client { return c.client }

// TerminateConnection tells the client why it is being disconnected.
func (c AuthenticatedClientConnectionClient) TerminateConnection(ctx context.Context, reason protocol.ConnectionTermination) error {
	return c.client.Call(ctx, MethodTerminateConnection, terminateConnectionParams{Reason: reason}).Err(ctx)
}

// AddChatMessage delivers a chat line stamped with the server tick.
func (c AuthenticatedClientConnectionClient) AddChatMessage(ctx context.Context, tick uint64, text string) error {
	return c.client.Call(ctx, MethodAddChatMessage, addChatMessageParams{Tick: tick, Text: text}).Err(ctx)
}

// Release drops the capability.
func (c AuthenticatedClientConnectionClient) Release() {
	if c.client != nil {
		c.client.Release()
	}
}
