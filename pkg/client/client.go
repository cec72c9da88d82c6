package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geosia-dev/gsnet/pkg/chunksync"
	"github.com/geosia-dev/gsnet/pkg/datagram"
	"github.com/geosia-dev/gsnet/pkg/game"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
	"github.com/geosia-dev/gsnet/pkg/stream"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Client errors.
var (
	// ErrNotLoggedIn is returned by calls that need a successful Login.
	ErrNotLoggedIn = errors.New("client: not logged in")

	// ErrAlreadyLoggedIn is returned by a second successful Login.
	ErrAlreadyLoggedIn = errors.New("client: already logged in")
)

// Handler receives events pushed by the server. Methods are called from
// RPC goroutines and must not block for long.
type Handler interface {
	// ChatMessage is called for every chat line.
	ChatMessage(tick uint64, text string)

	// Terminated is called when the server announces it is closing the
	// connection.
	Terminated(reason protocol.ConnectionTermination)
}

// HandlerFuncs adapts functions to Handler. Nil fields ignore the event.
type HandlerFuncs struct {
	OnChat      func(tick uint64, text string)
	OnTerminate func(reason protocol.ConnectionTermination)
}

// ChatMessage implements Handler.
func (h HandlerFuncs) ChatMessage(tick uint64, text string) {
	if h.OnChat != nil {
		h.OnChat(tick, text)
	}
}

// Terminated implements Handler.
func (h HandlerFuncs) Terminated(reason protocol.ConnectionTermination) {
	if h.OnTerminate != nil {
		h.OnTerminate(reason)
	}
}

// Config configures a Client.
type Config struct {
	// Handler receives chat and termination events. Nil ignores them.
	Handler Handler

	// ChunkSink receives chunk packets newer than what it already holds.
	// Nil only tracks revisions.
	ChunkSink chunksync.Sink

	// Datagrams is called for each datagram that supersedes its channel's
	// previous value.
	Datagrams datagram.Handler

	// Streams resolves custom stream types opened by the server.
	// Default: an empty frozen registry.
	Streams *stream.Registry

	// Limits applies to every frame read from the server.
	// Default: protocol.DefaultLimits().
	Limits *protocol.Limits

	// Dial configures the transport used by Dial.
	Dial *transport.DialOptions

	// Logger receives client events. Default: no-op.
	Logger *zap.Logger
}

func (c *Config) orDefault() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Handler == nil {
		out.Handler = HandlerFuncs{}
	}
	if out.Streams == nil {
		out.Streams = stream.NewRegistry()
		out.Streams.Freeze()
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}

// Client is a connection to a game server.
type Client struct {
	cfg     *Config
	log     *zap.Logger
	session transport.Session
	rpc     *rpc.Conn
	game    game.GameServerClient

	receiver  *chunksync.Receiver
	table     *datagram.Table
	publisher *datagram.Publisher

	cancel context.CancelFunc
	wait   chan error
	once   sync.Once

	mu          sync.Mutex
	conn        game.AuthenticatedServerConnectionClient
	bootstrap   *protocol.GameBootstrapData
	blocks      map[protocol.RegistryName]uint32
	termination *protocol.ConnectionTermination
}

// Dial connects to target (see transport.Dial) and returns a running client.
func Dial(ctx context.Context, target string, config *Config) (*Client, error) {
	cfg := config.orDefault()
	session, err := transport.Dial(ctx, target, cfg.Dial)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, session, cfg)
	if err != nil {
		session.Close("client setup failed")
		return nil, err
	}
	return c, nil
}

// New starts a client on an established session. It opens the control
// stream and serves server-initiated traffic until Close.
func New(ctx context.Context, session transport.Session, config *Config) (*Client, error) {
	cfg := config.orDefault()
	log := cfg.Logger.With(zap.String("component", "client"), zap.Stringer("server", session.Peer()))

	control, err := session.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: open control stream: %w", err)
	}
	conn := rpc.NewConn(control, &rpc.Options{
		Limits: cfg.Limits,
		Logger: log,
	})

	c := &Client{
		cfg:       cfg,
		log:       log,
		session:   session,
		rpc:       conn,
		game:      game.NewGameServerClient(conn.Bootstrap()),
		receiver:  chunksync.NewReceiver(cfg.ChunkSink, log),
		table:     datagram.NewTable(),
		publisher: datagram.NewPublisher(session),
		wait:      make(chan error, 1),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() { c.wait <- c.run(runCtx) }()
	return c, nil
}

func (c *Client) run(ctx context.Context) error {
	defer c.shutdown("client stopped")

	dispatcher := &stream.Dispatcher{
		Registry: c.cfg.Streams,
		Standard: map[protocol.StandardStreamType]stream.HandlerFactory{
			protocol.StreamChunkData: c.receiver.Factory(),
		},
		Limits: c.cfg.Limits,
		Logger: c.log,
	}
	ingest := &datagram.Ingester{
		Table:   c.table,
		Handler: c.cfg.Datagrams,
		Limits:  c.cfg.Limits,
		Logger:  c.log,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.session.Close("control stream closed")
		return c.rpc.Serve(gctx)
	})
	g.Go(func() error {
		return ingest.Run(gctx, c.session)
	})
	g.Go(func() error {
		for {
			st, err := c.session.AcceptStream(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, transport.ErrSessionClosed) {
					return nil
				}
				return err
			}
			g.Go(func() error {
				if err := dispatcher.Serve(gctx, st); err != nil {
					c.log.Debug("stream closed", zap.Uint64("stream_id", st.ID()), zap.Error(err))
				}
				return nil
			})
		}
	})
	return g.Wait()
}

// Metadata queries the server description. It works before Login.
func (c *Client) Metadata(ctx context.Context) (*protocol.ServerMetadata, error) {
	return c.game.GetServerMetadata(ctx)
}

// Ping sends v and checks that it comes back unchanged.
func (c *Client) Ping(ctx context.Context, v int32) (int32, error) {
	return c.game.Ping(ctx, v)
}

// Login authenticates as username and fetches the game bootstrap data.
// bootstrapGameData is pipelined on the promised connection, so both calls
// travel together. A rejected login returns a *protocol.AuthenticationError
// and may be retried.
func (c *Client) Login(ctx context.Context, username string) (*protocol.GameBootstrapData, error) {
	c.mu.Lock()
	loggedIn := c.conn.IsValid()
	c.mu.Unlock()
	if loggedIn {
		return nil, ErrAlreadyLoggedIn
	}

	ans := c.game.Authenticate(ctx, username, &clientConnection{client: c})
	data, bootErr := ans.Connection().BootstrapGameData(ctx)
	conn, err := ans.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if bootErr != nil {
		conn.Release()
		return nil, fmt.Errorf("client: bootstrap: %w", bootErr)
	}
	blocks, err := data.BlockRegistry.Mapping()
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("client: bootstrap: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.bootstrap = data
	c.blocks = blocks
	c.mu.Unlock()
	c.log.Info("logged in", zap.String("username", username), zap.Int("blocks", len(blocks)))
	return data, nil
}

func (c *Client) connection() (game.AuthenticatedServerConnectionClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.conn.IsValid() {
		return game.AuthenticatedServerConnectionClient{}, ErrNotLoggedIn
	}
	return c.conn, nil
}

// SendChat sends a chat line. The server relays it to every player,
// including this one.
func (c *Client) SendChat(ctx context.Context, text string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.SendChatMessage(ctx, text)
}

// Bootstrap returns the data received at login.
func (c *Client) Bootstrap() (*protocol.GameBootstrapData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrap, c.bootstrap != nil
}

// BlockID resolves a block name through the session's registry mapping.
func (c *Client) BlockID(name protocol.RegistryName) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.blocks[name]
	return id, ok
}

// Chunks returns the chunk receiver, whose tracker holds the revision of
// every applied chunk.
func (c *Client) Chunks() *chunksync.Receiver { return c.receiver }

// Latest returns the newest datagram received on channel.
func (c *Client) Latest(channel protocol.RegistryName) (*protocol.Datagram, bool) {
	return c.table.Latest(channel)
}

// PublishDatagram sends an unreliable update to the server.
func (c *Client) PublishDatagram(channel protocol.RegistryName, tick uint64, payload []byte) error {
	return c.publisher.Publish(channel, tick, payload)
}

// Termination returns the reason the server gave for closing the
// connection, if it gave one.
func (c *Client) Termination() (protocol.ConnectionTermination, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.termination == nil {
		return protocol.ConnectionTermination{}, false
	}
	return *c.termination, true
}

// Done is closed once the session has ended.
func (c *Client) Done() <-chan struct{} { return c.session.Done() }

// Wait blocks until the client stops and returns the error that stopped it.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case err := <-c.wait:
		c.wait <- err
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.shutdown("client closed")
	return nil
}

func (c *Client) shutdown(reason string) {
	c.once.Do(func() {
		c.cancel()
		c.rpc.Close(reason)
		c.session.Close(reason)
	})
}

// clientConnection is the AuthenticatedClientConnection exported at login.
type clientConnection struct {
	client *Client
}

func (cc *clientConnection) TerminateConnection(ctx context.Context, reason protocol.ConnectionTermination) error {
	c := cc.client
	c.mu.Lock()
	c.termination = &reason
	c.mu.Unlock()
	c.log.Info("server terminated the connection", zap.Stringer("reason", reason))
	c.cfg.Handler.Terminated(reason)
	return nil
}

func (cc *clientConnection) AddChatMessage(ctx context.Context, tick uint64, text string) error {
	cc.client.cfg.Handler.ChatMessage(tick, text)
	return nil
}
