package server

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/chunksync"
	"github.com/geosia-dev/gsnet/pkg/datagram"
	"github.com/geosia-dev/gsnet/pkg/game"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Conn is the server side of one transport session.
type Conn struct {
	srv     *Server
	session transport.Session
	log     *zap.Logger
	machine *auth.Machine

	sender    *chunksync.Sender
	publisher *datagram.Publisher
	ingest    *datagram.Ingester

	// authenticated is closed by the successful login.
	authenticated chan struct{}

	mu     sync.Mutex
	rpc    *rpc.Conn
	cancel context.CancelFunc
	player *Player
	client game.AuthenticatedClientConnection
}

func newConn(srv *Server, session transport.Session) *Conn {
	log := srv.log.With(zap.Stringer("peer", session.Peer()))
	c := &Conn{
		srv:           srv,
		session:       session,
		log:           log,
		machine:       auth.NewMachine(),
		authenticated: make(chan struct{}),
		sender: chunksync.NewSender(session, &chunksync.SenderConfig{
			Streams:   srv.cfg.ChunkStreams,
			QueueSize: srv.cfg.ChunkQueueSize,
			Logger:    log,
		}),
		publisher: datagram.NewPublisher(session),
	}
	c.machine.OnTransition = func(from, to auth.State) {
		log.Debug("auth state", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	c.ingest = &datagram.Ingester{
		Table:   datagram.NewTable(),
		Handler: datagram.HandlerFunc(c.handleDatagram),
		Limits:  srv.cfg.Limits,
		Logger:  log,
	}
	return c
}

// Peer returns the remote address.
func (c *Conn) Peer() transport.PeerAddress { return c.session.Peer() }

// State returns the authentication state.
func (c *Conn) State() auth.State { return c.machine.State() }

// Player returns the authenticated player, or nil.
func (c *Conn) Player() *Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player
}

func (c *Conn) chatClient() game.AuthenticatedClientConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// serve runs the connection until the transport closes, the peer breaks
// the control protocol, or ctx ends.
func (c *Conn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close()

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if c.machine.State() == auth.Terminated {
		return nil
	}

	control, err := c.acceptControl(ctx)
	if err != nil {
		return newConnError(c.Peer(), "accept control stream", err)
	}
	conn := rpc.NewConn(control, &rpc.Options{
		Bootstrap:  game.NewGameServerServer(&gameServer{conn: c}),
		Middleware: c.srv.middleware,
		Limits:     c.srv.cfg.Limits,
		Logger:     c.log,
	})
	c.mu.Lock()
	c.rpc = conn
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := conn.Serve(gctx); err != nil {
			return newConnError(c.Peer(), "control stream", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return c.acceptStreams(gctx, g)
	})
	g.Go(func() error {
		return c.ingest.Run(gctx, c.session)
	})
	g.Go(func() error {
		select {
		case <-c.session.Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		return c.streamChunks(gctx)
	})
	g.Go(func() error {
		return c.sendInitialChunks(gctx)
	})
	return g.Wait()
}

func (c *Conn) acceptControl(ctx context.Context) (transport.Stream, error) {
	hctx, cancel := context.WithTimeout(ctx, c.srv.cfg.HandshakeTimeout)
	defer cancel()
	st, err := c.session.AcceptStream(hctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoControlStream
		}
		return nil, err
	}
	return st, nil
}

// acceptStreams hands auxiliary streams to the dispatcher. Streams opened
// before login are closed unread.
func (c *Conn) acceptStreams(ctx context.Context, g *errgroup.Group) error {
	for {
		st, err := c.session.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrSessionClosed) {
				return nil
			}
			return newConnError(c.Peer(), "accept stream", err)
		}
		p := c.Player()
		if p == nil || c.machine.State() != auth.Authenticated {
			c.srv.metrics.StreamRejected("unauthenticated")
			c.log.Debug("stream before login closed", zap.Uint64("stream_id", st.ID()))
			st.Close()
			continue
		}
		g.Go(func() error {
			if err := c.srv.dispatcher.Serve(WithPlayer(ctx, p), st); err != nil {
				c.log.Debug("stream closed", zap.Uint64("stream_id", st.ID()), zap.Error(err))
			}
			return nil
		})
	}
}

// streamChunks runs the chunk sender once the player has logged in. A
// failed chunk stream stops chunk delivery but leaves the connection up.
func (c *Conn) streamChunks(ctx context.Context) error {
	select {
	case <-c.authenticated:
	case <-ctx.Done():
		return nil
	}
	if err := c.sender.Run(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("chunk streaming stopped", zap.Error(err))
	}
	return nil
}

// sendInitialChunks queues every stored chunk to a newly logged in player.
func (c *Conn) sendInitialChunks(ctx context.Context) error {
	select {
	case <-c.authenticated:
	case <-ctx.Done():
		return nil
	}
	positions := c.srv.chunks.Positions()
	n, err := c.sender.SendFrom(ctx, c.srv.chunks, positions...)
	c.srv.metrics.chunksQueued.Add(float64(n))
	if err != nil && !errors.Is(err, chunksync.ErrSenderClosed) && ctx.Err() == nil {
		c.log.Warn("initial chunk sync failed", zap.Error(err))
	}
	return nil
}

func (c *Conn) handleDatagram(ctx context.Context, d *protocol.Datagram) {
	p := c.Player()
	if p == nil || c.machine.State() != auth.Authenticated {
		return
	}
	c.srv.metrics.datagrams.Inc()
	if h := c.srv.cfg.Datagrams; h != nil {
		h.HandleDatagram(WithPlayer(ctx, p), d)
	}
}

// Terminate moves the connection to Terminated, tells the player why, and
// closes the transport. The player leaves the player table in the same
// step, so its capabilities stop working before the peer hears about it.
func (c *Conn) Terminate(ctx context.Context, kind protocol.TerminationKind, message string) error {
	var client game.AuthenticatedClientConnection
	ok := c.machine.Terminate(func(auth.State) {
		client = c.detachLocked()
	})
	if !ok {
		return ErrConnTerminated
	}
	c.srv.metrics.terminated(kind)

	reason := protocol.ConnectionTermination{Kind: kind, Message: message}
	c.log.Info("terminating connection", zap.Stringer("reason", reason))
	if client != nil {
		tctx, cancel := context.WithTimeout(ctx, c.srv.cfg.TerminateTimeout)
		if err := client.TerminateConnection(tctx, reason); err != nil {
			c.log.Debug("terminateConnection not delivered", zap.Error(err))
		}
		cancel()
	}
	c.shutdown(reason.String())
	return nil
}

// detachLocked removes the player from the table and returns its client
// capability. It runs under the auth machine's lock.
func (c *Conn) detachLocked() game.AuthenticatedClientConnection {
	c.mu.Lock()
	p, client := c.player, c.client
	c.mu.Unlock()
	if p != nil {
		c.srv.players.remove(p)
		c.log.Info("player left", zap.String("username", p.Username))
	}
	return client
}

// close terminates without notifying the peer.
func (c *Conn) close() {
	c.machine.Terminate(func(auth.State) {
		c.detachLocked()
	})
	c.shutdown("connection closed")
}

func (c *Conn) shutdown(reason string) {
	c.mu.Lock()
	conn, cancel := c.rpc, c.cancel
	c.mu.Unlock()

	c.sender.Close()
	if conn != nil {
		conn.Close(reason)
	}
	c.session.Close(reason)
	if cancel != nil {
		cancel()
	}
}
