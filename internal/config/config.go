// Package config loads gsnet server configuration and the client profile.
//
// Server configuration is a YAML file read with viper. Every key can be
// overridden from the environment with the GSNET_ prefix; nested keys use
// underscores, so ban_snapshot.bucket is GSNET_BAN_SNAPSHOT_BUCKET:
//
//	title: My Server
//	max_players: 16
//	operators: [alice]
//	listen_addresses: ["0.0.0.0:28032"]
//	admin_address: 127.0.0.1:28080
//	ban_db: gsnet.db
//	ban_snapshot:
//	  bucket: my-bans
//	log:
//	  level: debug
//
// The client profile is a small YAML file under the user's home directory
// that remembers the last username and server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GSNET"

	// DefaultListenAddress is where the QUIC listener binds.
	DefaultListenAddress = "0.0.0.0:28032"

	// DefaultAdminAddress is where the admin HTTP server binds.
	DefaultAdminAddress = "127.0.0.1:28080"

	// DefaultBanDB is the ban database path.
	DefaultBanDB = "gsnet.db"
)

// Server is the configuration of `gsnet serve`.
type Server struct {
	// Title and Subtitle are shown in server listings.
	Title    string `mapstructure:"title"`
	Subtitle string `mapstructure:"subtitle"`

	// MaxPlayers caps non-operator players.
	MaxPlayers int `mapstructure:"max_players"`

	// Operators may join when the server is full.
	Operators []string `mapstructure:"operators"`

	// MaxChatLength bounds chat messages in bytes.
	MaxChatLength int `mapstructure:"max_chat_length"`

	// ListenAddresses are QUIC listen addresses.
	ListenAddresses []string `mapstructure:"listen_addresses"`

	// TCPAddress, if set, also accepts yamux over TCP.
	TCPAddress string `mapstructure:"tcp_address"`

	// AdminAddress serves /healthz, /metadata, /players, /metrics and the
	// WebSocket transport at /connect. Empty disables it.
	AdminAddress string `mapstructure:"admin_address"`

	// TLSCert and TLSKey are PEM files for QUIC. Both empty generates a
	// self-signed certificate at startup.
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`

	// BanDB is the SQLite ban database.
	BanDB string `mapstructure:"ban_db"`

	// BanCacheTTL caches ban lookups. Zero disables the cache.
	BanCacheTTL time.Duration `mapstructure:"ban_cache_ttl"`

	// BanSnapshot locates the shared ban list in object storage.
	BanSnapshot BanSnapshot `mapstructure:"ban_snapshot"`

	Chunks struct {
		// Streams is the number of chunk streams per player.
		Streams int `mapstructure:"streams"`
		// QueueSize bounds queued chunk packets per player.
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"chunks"`

	Timeouts struct {
		Handshake time.Duration `mapstructure:"handshake"`
		Shutdown  time.Duration `mapstructure:"shutdown"`
	} `mapstructure:"timeouts"`

	Log Log `mapstructure:"log"`

	path string
}

// BanSnapshot mirrors bans.S3Config.
type BanSnapshot struct {
	Bucket          string `mapstructure:"bucket"`
	Key             string `mapstructure:"key"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// Enabled reports whether a bucket is configured.
func (b BanSnapshot) Enabled() bool { return b.Bucket != "" }

// Log configures logging.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Development switches to human-readable console output.
	Development bool `mapstructure:"development"`
}

var defaults = map[string]any{
	"title":                          "Geosia Server",
	"subtitle":                       "",
	"max_players":                    4,
	"operators":                      []string{},
	"max_chat_length":                256,
	"listen_addresses":               []string{DefaultListenAddress},
	"tcp_address":                    "",
	"admin_address":                  DefaultAdminAddress,
	"tls_cert":                       "",
	"tls_key":                        "",
	"ban_db":                         DefaultBanDB,
	"ban_cache_ttl":                  "5s",
	"ban_snapshot.bucket":            "",
	"ban_snapshot.key":               "gsnet/bans.yaml",
	"ban_snapshot.region":            "us-east-1",
	"ban_snapshot.endpoint":          "",
	"ban_snapshot.access_key_id":     "",
	"ban_snapshot.secret_access_key": "",
	"ban_snapshot.use_path_style":    false,
	"chunks.streams":                 2,
	"chunks.queue_size":              64,
	"timeouts.handshake":             "10s",
	"timeouts.shutdown":              "10s",
	"log.level":                      "info",
	"log.development":                false,
}

// ErrNotFound is returned by LoadServer when an explicit path does not exist.
var ErrNotFound = errors.New("config: file not found")

// LoadServer reads the configuration at path, applies GSNET_ environment
// overrides and validates the result. An empty path uses defaults and the
// environment only.
func LoadServer(path string) (*Server, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Server{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Server) Path() string {
	return c.path
}

// Validate checks the configuration and returns every problem found.
func (c *Server) Validate() error {
	var errs []error
	if c.MaxPlayers < 0 {
		errs = append(errs, errors.New("max_players must not be negative"))
	}
	if c.MaxChatLength <= 0 {
		errs = append(errs, errors.New("max_chat_length must be positive"))
	}
	if len(c.ListenAddresses) == 0 && c.TCPAddress == "" && c.AdminAddress == "" {
		errs = append(errs, errors.New("no listen_addresses, tcp_address or admin_address configured"))
	}
	addrs := append([]string{c.TCPAddress, c.AdminAddress}, c.ListenAddresses...)
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("address %q: %w", addr, err))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.BanCacheTTL < 0 {
		errs = append(errs, errors.New("ban_cache_ttl must not be negative"))
	}
	if c.Chunks.Streams < 0 || c.Chunks.QueueSize < 0 {
		errs = append(errs, errors.New("chunks.streams and chunks.queue_size must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
