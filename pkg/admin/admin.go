// Package admin serves the operator HTTP surface of a game server: health,
// metadata, the player list, Prometheus metrics, moderation actions and
// the WebSocket transport endpoint.
//
//	a, err := admin.New(srv, &admin.Config{Address: "127.0.0.1:28080"})
//	if err != nil {
//	    return err
//	}
//	go a.Serve()
//	return srv.Serve(ctx, quicListener, a.WebSocket())
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/server"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Config configures the admin HTTP server.
type Config struct {
	// Address is the TCP address to listen on.
	// Default: "127.0.0.1:28080".
	Address string

	// ReadHeaderTimeout bounds reading request headers.
	// Default: 5s.
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds Shutdown.
	// Default: 10s.
	ShutdownTimeout time.Duration

	// WebSocket configures the /connect transport endpoint.
	// Default: transport.DefaultWebSocketConfig().
	WebSocket *transport.WebSocketConfig

	// Logger receives request logs. Default: the server's logger.
	Logger *zap.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           "127.0.0.1:28080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

func (c *Config) orDefault(srv *server.Server) *Config {
	defaults := DefaultConfig()
	out := *defaults
	if c != nil {
		out = *c
	}
	if out.Address == "" {
		out.Address = defaults.Address
	}
	if out.ReadHeaderTimeout <= 0 {
		out.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.Logger == nil {
		out.Logger = srv.Logger()
	}
	ws := transport.DefaultWebSocketConfig()
	if out.WebSocket != nil {
		ws = out.WebSocket
	}
	wsCopy := *ws
	if wsCopy.Mux == nil {
		wsCopy.Mux = transport.DefaultMuxConfig()
	}
	wsCopy.Mux = wsCopy.Mux.WithLogger(out.Logger)
	out.WebSocket = &wsCopy
	return &out
}

// Admin is the admin HTTP server of one game server.
type Admin struct {
	srv    *server.Server
	cfg    *Config
	log    *zap.Logger
	ln     net.Listener
	ws     *transport.WebSocketListener
	router chi.Router
	http   *http.Server
}

// New binds cfg.Address and builds the router. Call Serve to start
// answering requests.
func New(srv *server.Server, config *Config) (*Admin, error) {
	cfg := config.orDefault(srv)
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	a := &Admin{
		srv: srv,
		cfg: cfg,
		log: cfg.Logger.Named("admin"),
		ln:  ln,
		ws:  transport.NewWebSocketListener(ln.Addr(), cfg.WebSocket),
	}
	a.router = a.routes()
	a.http = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return a, nil
}

func (a *Admin) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.requestLog)

	r.Get("/healthz", a.health)
	r.Get("/metadata", a.metadata)
	r.Route("/players", func(r chi.Router) {
		r.Get("/", a.players)
		r.Get("/{username}", a.player)
		r.Post("/{username}/kick", a.kick)
	})
	r.Post("/bans", a.ban)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.srv.Registry(), promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/connect", a.ws)
	return r
}

// Handler returns the admin router.
func (a *Admin) Handler() http.Handler { return a.router }

// Addr returns the bound address.
func (a *Admin) Addr() net.Addr { return a.ln.Addr() }

// WebSocket returns the listener fed by /connect. Pass it to
// server.Serve.
func (a *Admin) WebSocket() transport.Listener { return a.ws }

// Serve answers requests until Shutdown. It returns nil after Shutdown.
func (a *Admin) Serve() error {
	a.log.Info("admin listening", zap.Stringer("address", a.ln.Addr()))
	if err := a.http.Serve(a.ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and the WebSocket listener.
func (a *Admin) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	a.ws.Close()
	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Error("shutdown error", zap.Error(err))
		return err
	}
	return nil
}

func (a *Admin) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
