package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/bans"
	"github.com/geosia-dev/gsnet/pkg/datagram"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
	"github.com/geosia-dev/gsnet/pkg/stream"
)

// Version is the protocol version this package speaks.
var Version = protocol.ServerVersion{Major: 0, Minor: 1, Patch: 0}

// DefaultMaxChatLength is the default limit on chat message length, in bytes.
const DefaultMaxChatLength = 256

// BanWriter persists bans. *bans.Store implements it.
type BanWriter interface {
	Add(ctx context.Context, b bans.Ban) error
}

// Config holds configuration for a game server.
type Config struct {
	// Metadata

	// Title is shown in server lists.
	// Default: "Geosia Server".
	Title string

	// Subtitle is shown under the title.
	// Default: "".
	Subtitle string

	// Version is advertised in the metadata.
	// Default: Version.
	Version protocol.ServerVersion

	// Authentication

	// PlayerLimit is the maximum number of authenticated players.
	// Operators are exempt. Zero or less means unlimited.
	// Default: 4 (DefaultConfig or a nil Config).
	PlayerLimit int

	// Operators lists the usernames exempt from the player limit.
	Operators []string

	// BanList is consulted on every login. Nil means nobody is banned.
	BanList auth.BanList

	// Bans records bans issued through Server.Ban. Nil makes bans last only
	// as long as the connection.
	Bans BanWriter

	// Game data

	// BlockRegistry is sent to every player by bootstrapGameData.
	// Default: a single "gs:air" entry with id 1.
	BlockRegistry map[protocol.RegistryName]uint32

	// Streams resolves custom stream types opened by players.
	// Default: an empty frozen registry.
	Streams *stream.Registry

	// Datagrams receives the newest datagram per channel from each player.
	// The player is available through PlayerFromContext.
	Datagrams datagram.Handler

	// MaxChatLength bounds chat messages in bytes.
	// Default: DefaultMaxChatLength.
	MaxChatLength int

	// Chunk streaming

	// ChunkStreams is the number of chunkData streams per player.
	// Default: 2.
	ChunkStreams int

	// ChunkQueueSize bounds the chunk packets queued per player.
	// Default: 64.
	ChunkQueueSize int

	// Timeouts

	// HandshakeTimeout bounds the wait for the control stream.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeaderTimeout bounds the wait for an auxiliary stream header.
	// Default: stream.DefaultHeaderTimeout.
	HeaderTimeout time.Duration

	// TerminateTimeout bounds the terminateConnection call made before a
	// connection is closed.
	// Default: 2 seconds.
	TerminateTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Limits applies to every frame read from a player.
	// Default: protocol.DefaultLimits().
	Limits *protocol.Limits

	// Observability

	// Logger receives server events. Default: no-op.
	Logger *zap.Logger

	// Registry receives the server's metrics.
	// Default: a new registry, available from Server.Registry.
	Registry *prometheus.Registry

	// TracerProvider traces inbound RPC calls.
	// Default: the global provider.
	TracerProvider trace.TracerProvider

	// Middleware wraps every inbound RPC call, after the built-in tracing,
	// metrics and logging middleware.
	Middleware []rpc.Middleware
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Title:            "Geosia Server",
		Version:          Version,
		PlayerLimit:      4,
		BlockRegistry:    map[protocol.RegistryName]uint32{protocol.MustRegistryName(protocol.DefaultNamespace, "air"): 1},
		MaxChatLength:    DefaultMaxChatLength,
		ChunkStreams:     2,
		ChunkQueueSize:   64,
		HandshakeTimeout: 10 * time.Second,
		HeaderTimeout:    stream.DefaultHeaderTimeout,
		TerminateTimeout: 2 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Operators != nil {
		clone.Operators = append([]string(nil), c.Operators...)
	}
	if c.BlockRegistry != nil {
		clone.BlockRegistry = make(map[protocol.RegistryName]uint32, len(c.BlockRegistry))
		for k, v := range c.BlockRegistry {
			clone.BlockRegistry[k] = v
		}
	}
	if c.Middleware != nil {
		clone.Middleware = append([]rpc.Middleware(nil), c.Middleware...)
	}
	return &clone
}

// orDefault returns a copy of c with unset fields filled in.
func (c *Config) orDefault() *Config {
	defaults := DefaultConfig()
	if c == nil {
		c = defaults
	} else {
		c = c.Clone()
	}
	if c.Title == "" {
		c.Title = defaults.Title
	}
	if c.Version == (protocol.ServerVersion{}) {
		c.Version = defaults.Version
	}
	if c.BlockRegistry == nil {
		c.BlockRegistry = defaults.BlockRegistry
	}
	if c.MaxChatLength <= 0 {
		c.MaxChatLength = defaults.MaxChatLength
	}
	if c.ChunkStreams <= 0 {
		c.ChunkStreams = defaults.ChunkStreams
	}
	if c.ChunkQueueSize <= 0 {
		c.ChunkQueueSize = defaults.ChunkQueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = defaults.HeaderTimeout
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = defaults.TerminateTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.Streams == nil {
		c.Streams = stream.NewRegistry()
		c.Streams.Freeze()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	return c
}

// ValidateConfig reports configuration errors that would make the server
// misbehave.
func (c *Config) ValidateConfig() error {
	var errs []error
	if err := c.Version.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("version: %w", err))
	}
	bundle := protocol.BundleFromMapping(c.BlockRegistry)
	if err := bundle.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("block registry: %w", err))
	}
	for _, op := range c.Operators {
		if !auth.ValidUsername(op) {
			errs = append(errs, fmt.Errorf("operator %q: invalid username", op))
		}
	}
	return errors.Join(errs...)
}
