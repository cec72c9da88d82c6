package server

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/game"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// gameServer is the bootstrap capability of one connection.
type gameServer struct {
	conn *Conn
}

var _ game.GameServer = (*gameServer)(nil)

func (g *gameServer) GetServerMetadata(ctx context.Context) (*protocol.ServerMetadata, error) {
	return g.conn.srv.Metadata(), nil
}

func (g *gameServer) Ping(ctx context.Context, input int32) (int32, error) {
	return input, nil
}

func (g *gameServer) Authenticate(ctx context.Context, username string, client game.AuthenticatedClientConnection) (game.AuthenticatedServerConnection, error) {
	c := g.conn
	srv := c.srv
	log := c.log.With(zap.String("username", username))

	conn, err := g.authenticate(ctx, username, client)
	srv.metrics.authResult(err)
	if err != nil {
		if r, ok := client.(interface{ Release() }); ok {
			r.Release()
		}
		log.Info("login rejected", zap.Error(err))
		return nil, err
	}
	log.Info("player joined", zap.Bool("privileged", conn.player.Privileged))
	return conn, nil
}

func (g *gameServer) authenticate(ctx context.Context, username string, client game.AuthenticatedClientConnection) (*serverConnection, error) {
	c := g.conn
	srv := c.srv

	if err := c.machine.Begin(); err != nil {
		if errors.Is(err, auth.ErrTerminated) {
			return nil, rpc.ErrConnectionClosed
		}
		return nil, protocol.NewAuthenticationError(protocol.AuthUnspecified, "%v", err)
	}
	if err := srv.validator.Validate(ctx, username); err != nil {
		c.machine.Fail()
		return nil, err
	}

	p := &Player{
		Username:   username,
		Peer:       c.Peer(),
		Privileged: srv.operators.IsPrivileged(username),
		conn:       c,
	}
	err := c.machine.Succeed(func() error {
		if err := srv.players.add(p); err != nil {
			return err
		}
		c.mu.Lock()
		c.player = p
		c.client = client
		c.mu.Unlock()
		close(c.authenticated)
		return nil
	})
	if err != nil {
		if errors.Is(err, auth.ErrTerminated) {
			return nil, rpc.ErrConnectionClosed
		}
		return nil, err
	}
	return &serverConnection{conn: c, player: p}, nil
}

// serverConnection is the AuthenticatedServerConnection minted for a player.
// It stops working the moment its connection is terminated.
type serverConnection struct {
	conn   *Conn
	player *Player
}

var _ game.AuthenticatedServerConnection = (*serverConnection)(nil)

func (s *serverConnection) valid() error {
	if s.conn.machine.State() != auth.Authenticated {
		return rpc.ErrConnectionClosed
	}
	return nil
}

func (s *serverConnection) BootstrapGameData(ctx context.Context) (*protocol.GameBootstrapData, error) {
	if err := s.valid(); err != nil {
		return nil, err
	}
	data := s.conn.srv.bootstrapData()
	return &data, nil
}

func (s *serverConnection) SendChatMessage(ctx context.Context, text string) error {
	if err := s.valid(); err != nil {
		return err
	}
	limit := s.conn.srv.cfg.MaxChatLength
	if text == "" || len(text) > limit || !utf8.ValidString(text) {
		return fmt.Errorf("%w: must be 1 to %d bytes of UTF-8", ErrInvalidChatMessage, limit)
	}
	s.conn.log.Info("chat", zap.String("username", s.player.Username), zap.String("text", text))
	return s.conn.srv.Broadcast(ctx, fmt.Sprintf("<%s> %s", s.player.Username, text))
}
