package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// GameServer is the anonymous capability a server exports as its bootstrap.
type GameServer interface {
	// GetServerMetadata returns a fresh description of the server.
	GetServerMetadata(ctx context.Context) (*protocol.ServerMetadata, error)

	// Ping returns input unchanged.
	Ping(ctx context.Context, input int32) (int32, error)

	// Authenticate logs the connection in as username. client is the
	// caller's AuthenticatedClientConnection. A rejected login returns a
	// *protocol.AuthenticationError, which reaches the caller as a normal
	// result rather than an exception.
	Authenticate(ctx context.Context, username string, client AuthenticatedClientConnection) (AuthenticatedServerConnection, error)
}

type gameServerServer struct {
	impl GameServer
}

// NewGameServerServer exposes impl as an rpc.Server.
func NewGameServerServer(impl GameServer) rpc.Server {
	return &gameServerServer{impl: impl}
}

func (s *gameServerServer) Describe(id uint16) rpc.Method {
	return describeFrom(id, MethodGetServerMetadata, MethodPing, MethodAuthenticate)
}

func (s *gameServerServer) Shutdown() {
	if sd, ok := s.impl.(rpc.Shutdowner); ok {
		sd.Shutdown()
	}
}

func (s *gameServerServer) Dispatch(ctx context.Context, call *rpc.Call) (*rpc.Results, error) {
	if call.Method.InterfaceID != GameServerID {
		return nil, rpc.ErrUnimplemented
	}
	switch call.Method.MethodID {
	case MethodGetServerMetadata.MethodID:
		md, err := s.impl.GetServerMetadata(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.Return(md), nil

	case MethodPing.MethodID:
		var p pingParams
		if err := call.Args(&p); err != nil {
			return nil, err
		}
		out, err := s.impl.Ping(ctx, p.Input)
		if err != nil {
			return nil, err
		}
		return rpc.Return(pingResults{Output: out}), nil

	case MethodAuthenticate.MethodID:
		var p authenticateParams
		if err := call.Args(&p); err != nil {
			return nil, err
		}
		capClient, err := call.Cap(0)
		if err != nil {
			return nil, rpc.Failed("authenticate requires a client connection")
		}
		conn, err := s.impl.Authenticate(ctx, p.Username, NewAuthenticatedClientConnectionClient(capClient))
		var authErr *protocol.AuthenticationError
		switch {
		case errors.As(err, &authErr):
			return rpc.Return(authenticateResults{Error: authErr}), nil
		case err != nil:
			return nil, err
		case conn == nil:
			return nil, rpc.Failed("authenticate returned no connection")
		}
		return rpc.Return(authenticateResults{}, NewAuthenticatedServerConnectionServer(conn)), nil
	}
	return nil, rpc.ErrUnimplemented
}

// GameServerClient calls a remote GameServer.
type GameServerClient struct {
	client *rpc.Client
}

// NewGameServerClient wraps c, usually a connection's bootstrap client.
func NewGameServerClient(c *rpc.Client) GameServerClient {
	return GameServerClient{client: c}
}

// Client returns the underlying capability.
func (c GameServerClient) Client() *rpc.Client { return c.client }

// GetServerMetadata queries the server description.
func (c GameServerClient) GetServerMetadata(ctx context.Context) (*protocol.ServerMetadata, error) {
	var md protocol.ServerMetadata
	if err := c.client.Call(ctx, MethodGetServerMetadata, nil).Struct(ctx, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Ping sends input and returns the echoed value.
func (c GameServerClient) Ping(ctx context.Context, input int32) (int32, error) {
	var res pingResults
	if err := c.client.Call(ctx, MethodPing, pingParams{Input: input}).Struct(ctx, &res); err != nil {
		return 0, err
	}
	if res.Output != input {
		return res.Output, fmt.Errorf("game: ping returned %d for %d", res.Output, input)
	}
	return res.Output, nil
}

// Authenticate starts a login. handler is exported to the server as this
// side's AuthenticatedClientConnection. The call does not wait; use the
// answer's Connection to pipeline calls, or Wait for the outcome.
func (c GameServerClient) Authenticate(ctx context.Context, username string, handler AuthenticatedClientConnection) *AuthenticateAnswer {
	a := c.client.Call(ctx, MethodAuthenticate, authenticateParams{Username: username},
		NewAuthenticatedClientConnectionServer(handler))
	return &AuthenticateAnswer{answer: a}
}

// AuthenticateAnswer is the pending result of GameServer.authenticate.
type AuthenticateAnswer struct {
	answer *rpc.Answer
}

// Done is closed once the server has answered.
func (a *AuthenticateAnswer) Done() <-chan struct{} { return a.answer.Done() }

// Connection returns the promised AuthenticatedServerConnection. Calls made
// on it before the answer arrives are pipelined and run once the login
// succeeds; if it fails they fail with rpc.ErrNoCapability.
func (a *AuthenticateAnswer) Connection() AuthenticatedServerConnectionClient {
	return NewAuthenticatedServerConnectionClient(a.answer.Cap(0))
}

// Wait blocks for the outcome. A rejected login returns a
// *protocol.AuthenticationError.
func (a *AuthenticateAnswer) Wait(ctx context.Context) (AuthenticatedServerConnectionClient, error) {
	var res authenticateResults
	if err := a.answer.Struct(ctx, &res); err != nil {
		return AuthenticatedServerConnectionClient{}, err
	}
	if res.Error != nil {
		res.Error.Kind = res.Error.Kind.Normalize()
		return AuthenticatedServerConnectionClient{}, res.Error
	}
	return a.Connection(), nil
}
