package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/bans"
	"github.com/geosia-dev/gsnet/pkg/chunksync"
	"github.com/geosia-dev/gsnet/pkg/middleware"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
	"github.com/geosia-dev/gsnet/pkg/stream"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Server is a game server.
type Server struct {
	// Configuration
	cfg *Config

	// Logger
	log *zap.Logger

	// Observability
	metrics    *Metrics
	middleware []rpc.Middleware

	// Authentication
	validator *auth.Validator
	operators auth.Operators
	players   *playerTable

	// World state
	chunks    *chunksync.Store
	bootstrap protocol.GameBootstrapData
	tick      atomic.Uint64

	dispatcher *stream.Dispatcher

	mu        sync.Mutex
	closed    bool
	conns     map[*Conn]struct{}
	listeners map[transport.Listener]struct{}
	wg        sync.WaitGroup
}

// New creates a new Server with the given configuration.
func New(config *Config) (*Server, error) {
	cfg := config.orDefault()
	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}

	log := cfg.Logger.With(zap.String("component", "server"))
	metrics := NewMetrics(cfg.Registry)
	operators := auth.NewOperators(cfg.Operators...)
	players := newPlayerTable(cfg.PlayerLimit)
	players.onChange = func(n int) { metrics.players.Set(float64(n)) }

	mws := []rpc.Middleware{
		middleware.OpenTelemetry(middleware.WithTracerProvider(cfg.TracerProvider)),
		middleware.NewMetrics(middleware.WithRegistry(cfg.Registry)).Middleware(),
		middleware.Logging(log.Named("rpc")),
	}
	mws = append(mws, cfg.Middleware...)

	s := &Server{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		middleware: mws,
		validator: &auth.Validator{
			BanList:     cfg.BanList,
			PlayerLimit: cfg.PlayerLimit,
			Roster:      players,
			Privileges:  operators,
		},
		operators: operators,
		players:   players,
		chunks:    chunksync.NewStore(),
		bootstrap: protocol.GameBootstrapData{
			UniverseID:    protocol.UniverseID,
			BlockRegistry: protocol.BundleFromMapping(cfg.BlockRegistry),
		},
		dispatcher: &stream.Dispatcher{
			Registry:      cfg.Streams,
			HeaderTimeout: cfg.HeaderTimeout,
			Limits:        cfg.Limits,
			Logger:        log,
			Observer:      metrics,
		},
		conns:     make(map[*Conn]struct{}),
		listeners: make(map[transport.Listener]struct{}),
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Server) Config() *Config { return s.cfg }

// Logger returns the server logger.
func (s *Server) Logger() *zap.Logger { return s.log }

// Registry returns the registry holding the server's metrics.
func (s *Server) Registry() *prometheus.Registry { return s.cfg.Registry }

// Chunks returns the authoritative chunk store.
func (s *Server) Chunks() *chunksync.Store { return s.chunks }

// Tick returns the current game tick.
func (s *Server) Tick() uint64 { return s.tick.Load() }

// SetTick sets the game tick stamped on chat messages and datagrams.
func (s *Server) SetTick(t uint64) { s.tick.Store(t) }

// Metadata returns a fresh description of the server.
func (s *Server) Metadata() *protocol.ServerMetadata {
	return &protocol.ServerMetadata{
		ServerVersion: s.cfg.Version,
		Title:         s.cfg.Title,
		Subtitle:      s.cfg.Subtitle,
		PlayerCount:   int32(s.players.PlayerCount()),
		PlayerLimit:   int32(s.cfg.PlayerLimit),
	}
}

// Players lists the authenticated players sorted by username.
func (s *Server) Players() []PlayerInfo {
	players := s.players.list()
	out := make([]PlayerInfo, len(players))
	for i, p := range players {
		out[i] = p.Info()
	}
	return out
}

// Player returns the player logged in as username.
func (s *Server) Player(username string) (*Player, bool) {
	return s.players.get(username)
}

func (s *Server) bootstrapData() protocol.GameBootstrapData {
	return s.bootstrap
}

// Serve accepts sessions from every listener until ctx ends or Shutdown is
// called, serving each on its own goroutine. The listeners are closed when
// Serve returns. After Shutdown it returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context, listeners ...transport.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, ln := range listeners {
			ln.Close()
		}
		return ErrServerClosed
	}
	for _, ln := range listeners {
		s.listeners[ln] = struct{}{}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		s.log.Info("server listening", zap.Stringer("address", ln.Addr()))
		g.Go(func() error {
			return s.acceptLoop(gctx, ln)
		})
	}
	err := g.Wait()
	if s.isClosed() {
		return ErrServerClosed
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) error {
	defer func() {
		ln.Close()
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()
	for {
		session, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("server: accept on %s: %w", ln.Addr(), err)
		}
		go s.ServeSession(ctx, session)
	}
}

// ServeSession runs one connection until it ends. Errors are logged and
// returned for callers that want them.
func (s *Server) ServeSession(ctx context.Context, session transport.Session) error {
	c := newConn(s, session)
	if !s.track(c) {
		session.Close("server shutting down")
		return ErrServerClosed
	}
	defer s.untrack(c)

	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsActive.Inc()
	defer s.metrics.connectionsActive.Dec()

	c.log.Debug("connection opened")
	err := c.serve(ctx)
	if err != nil {
		c.log.Info("connection failed", zap.Error(err))
	} else {
		c.log.Debug("connection closed")
	}
	return err
}

// ConnectLocal opens an in-process connection for a single-player session.
// The returned session is the client end; the server end is served until
// it closes or ctx ends.
func (s *Server) ConnectLocal(ctx context.Context) (transport.Session, error) {
	client, server, err := transport.Pipe(transport.DefaultMuxConfig().WithLogger(s.log))
	if err != nil {
		return nil, fmt.Errorf("server: local connection: %w", err)
	}
	go s.ServeSession(ctx, server)
	return client, nil
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Broadcast delivers a chat line to every player. Delivery failures are
// logged; the error is non-nil only if ctx ended.
func (s *Server) Broadcast(ctx context.Context, text string) error {
	tick := s.Tick()
	var g errgroup.Group
	for _, p := range s.players.list() {
		client := p.conn.chatClient()
		if client == nil {
			continue
		}
		g.Go(func() error {
			if err := client.AddChatMessage(ctx, tick, text); err != nil {
				p.conn.log.Debug("chat delivery failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
	s.metrics.chatMessages.Inc()
	return ctx.Err()
}

// Kick terminates a player's connection.
func (s *Server) Kick(ctx context.Context, username, message string) error {
	p, ok := s.players.get(username)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, username)
	}
	return p.conn.Terminate(ctx, protocol.TerminationKick, message)
}

// Ban records a ban for username and terminates the player if online.
// A zero duration bans permanently.
func (s *Server) Ban(ctx context.Context, username, reason string, duration time.Duration) error {
	if !auth.ValidUsername(username) {
		return fmt.Errorf("server: invalid username %q", username)
	}
	if s.cfg.Bans != nil {
		now := time.Now().UTC()
		b := bans.Ban{
			Username:  auth.NormalizeUsername(username),
			Reason:    reason,
			CreatedAt: now,
		}
		if duration > 0 {
			exp := now.Add(duration)
			b.ExpiresAt = &exp
		}
		if err := s.cfg.Bans.Add(ctx, b); err != nil {
			return fmt.Errorf("server: record ban: %w", err)
		}
	}
	if inv, ok := s.cfg.BanList.(interface{ Invalidate(string) }); ok {
		inv.Invalidate(username)
	}
	s.log.Info("player banned", zap.String("username", username), zap.String("reason", reason))

	p, ok := s.players.get(username)
	if !ok {
		return nil
	}
	if err := p.conn.Terminate(ctx, protocol.TerminationBan, reason); err != nil && !errors.Is(err, ErrConnTerminated) {
		return err
	}
	return nil
}

// PublishChunk stores new content for pos and queues it to every player.
// It blocks while a player's chunk queue is full, until ctx ends.
func (s *Server) PublishChunk(ctx context.Context, pos protocol.ChunkPosition, tick uint64, data protocol.ChunkData) (protocol.ChunkDataStreamPacket, error) {
	pkt, err := s.chunks.Put(pos, tick, data)
	if err != nil {
		return pkt, err
	}
	for _, p := range s.players.list() {
		queued, err := p.conn.sender.Send(ctx, pkt)
		switch {
		case errors.Is(err, chunksync.ErrSenderClosed):
			continue
		case err != nil:
			return pkt, err
		case queued:
			s.metrics.chunksQueued.Inc()
		default:
			s.metrics.chunksSkipped.Inc()
		}
	}
	return pkt, nil
}

// SendDatagram sends an unreliable update to one player.
func (s *Server) SendDatagram(username string, channel protocol.RegistryName, payload []byte) error {
	p, ok := s.players.get(username)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, username)
	}
	return p.conn.publisher.Publish(channel, s.Tick(), payload)
}

// BroadcastDatagram sends an unreliable update to every player. Players
// whose session has closed are skipped.
func (s *Server) BroadcastDatagram(channel protocol.RegistryName, payload []byte) error {
	tick := s.Tick()
	for _, p := range s.players.list() {
		err := p.conn.publisher.Publish(channel, tick, payload)
		if err != nil && !errors.Is(err, transport.ErrSessionClosed) {
			return err
		}
	}
	return nil
}

// Shutdown stops accepting sessions, sends terminateConnection{shuttingDown}
// to every player, closes every connection and waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	s.mu.Unlock()

	s.log.Info("shutting down", zap.Int("connections", len(conns)))
	for _, ln := range listeners {
		ln.Close()
	}

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			c.Terminate(ctx, protocol.TerminationShuttingDown, "server is shutting down")
			return nil
		})
	}
	g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("server shutdown complete")
		return nil
	case <-ctx.Done():
		s.log.Error("shutdown error", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
