package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geosia-dev/gsnet/internal/config"
	"github.com/geosia-dev/gsnet/internal/errors"
	"github.com/geosia-dev/gsnet/internal/logging"
	"github.com/geosia-dev/gsnet/pkg/admin"
	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/bans"
	"github.com/geosia-dev/gsnet/pkg/server"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		listen  []string
		tcpAddr string
		title   string
		noAdmin bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a game server",
		Long: `Run a game server.

Configuration comes from --config, GSNET_* environment variables
(also read from .env) and the flags below, in increasing priority.

Examples:
  gsnet serve
  gsnet serve --config server.yaml
  gsnet serve --listen 0.0.0.0:28032 --tcp 0.0.0.0:28033
  GSNET_MAX_PLAYERS=16 gsnet serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddresses = listen
			}
			if tcpAddr != "" {
				cfg.TCPAddress = tcpAddr
			}
			if title != "" {
				cfg.Title = title
			}
			if noAdmin {
				cfg.AdminAddress = ""
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringSliceVarP(&listen, "listen", "l", nil, "QUIC listen addresses (default from config)")
	cmd.Flags().StringVar(&tcpAddr, "tcp", "", "Also accept yamux over TCP on this address")
	cmd.Flags().StringVar(&title, "title", "", "Server title")
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "Disable the admin HTTP server")

	return cmd
}

func loadServerConfig(flags *globalFlags) (*config.Server, error) {
	cfg, err := config.LoadServer(flags.configPath)
	if stderrors.Is(err, config.ErrNotFound) {
		return nil, errors.New("E100").Wrap(err).
			WithSuggestion("Pass an existing file with --config, or omit it to use defaults")
	}
	if err != nil {
		return nil, errors.New("E101").Wrap(err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.dev {
		cfg.Log.Development = true
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Server) error {
	log, err := logging.New(logging.Options{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		return errors.New("E101").Wrap(err)
	}
	defer log.Sync()

	store, err := bans.Open(cfg.BanDB)
	if err != nil {
		return errors.New("E400").Wrap(err).WithSuggestion("Check that ban_db points to a writable path")
	}
	defer store.Close()

	if cfg.BanSnapshot.Enabled() {
		n, err := bans.Pull(ctx, snapshotSource(cfg.BanSnapshot), store)
		if err != nil {
			warn("ban snapshot not loaded: %v", err)
		} else {
			log.Info("ban snapshot loaded", zap.Int("bans", n), zap.String("bucket", cfg.BanSnapshot.Bucket))
		}
	}

	var banList auth.BanList = store
	if cfg.BanCacheTTL > 0 {
		banList = bans.NewCached(store, cfg.BanCacheTTL)
	}

	srv, err := server.New(&server.Config{
		Title:            cfg.Title,
		Subtitle:         cfg.Subtitle,
		PlayerLimit:      cfg.MaxPlayers,
		Operators:        cfg.Operators,
		BanList:          banList,
		Bans:             store,
		MaxChatLength:    cfg.MaxChatLength,
		ChunkStreams:     cfg.Chunks.Streams,
		ChunkQueueSize:   cfg.Chunks.QueueSize,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ShutdownTimeout:  cfg.Timeouts.Shutdown,
		Logger:           log,
	})
	if err != nil {
		return errors.New("E101").Wrap(err)
	}

	listeners, err := openListeners(cfg, log)
	if err != nil {
		return err
	}

	var adm *admin.Admin
	if cfg.AdminAddress != "" {
		adm, err = admin.New(srv, &admin.Config{Address: cfg.AdminAddress, Logger: log})
		if err != nil {
			for _, ln := range listeners {
				ln.Close()
			}
			return errors.New("E201").Wrap(err).WithSuggestion("Change admin_address or pass --no-admin")
		}
		listeners = append(listeners, adm.WebSocket())
	}

	success("%s listening (%d players max)", cfg.Title, cfg.MaxPlayers)
	for _, ln := range listeners {
		info("%s", ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(gctx, listeners...)
		if stderrors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	if adm != nil {
		g.Go(adm.Serve)
	}
	g.Go(func() error {
		<-gctx.Done()
		info("Shutting down...")
		shutdownCtx := context.Background()
		err := srv.Shutdown(shutdownCtx)
		if adm != nil {
			err = stderrors.Join(err, adm.Shutdown(shutdownCtx))
		}
		return err
	})
	return g.Wait()
}

func openListeners(cfg *config.Server, log *zap.Logger) ([]transport.Listener, error) {
	var listeners []transport.Listener
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}

	if len(cfg.ListenAddresses) > 0 {
		tlsConf, err := serverTLS(cfg)
		if err != nil {
			return nil, err
		}
		for _, addr := range cfg.ListenAddresses {
			ln, err := transport.ListenQUIC(addr, tlsConf, nil)
			if err != nil {
				closeAll()
				return nil, errors.New("E201").Wrap(err)
			}
			listeners = append(listeners, ln)
		}
	}
	if cfg.TCPAddress != "" {
		ln, err := transport.ListenMux(cfg.TCPAddress, transport.DefaultMuxConfig().WithLogger(log))
		if err != nil {
			closeAll()
			return nil, errors.New("E201").Wrap(err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func serverTLS(cfg *config.Server) (*tls.Config, error) {
	if cfg.TLSCert != "" {
		conf, err := transport.LoadTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, errors.New("E102").Wrap(err)
		}
		return conf, nil
	}
	conf, err := transport.SelfSignedTLSConfig("localhost")
	if err != nil {
		return nil, errors.New("E102").Wrap(err)
	}
	warn("using a self-signed certificate; clients need --insecure")
	return conf, nil
}

func snapshotSource(s config.BanSnapshot) *bans.S3Source {
	client := bans.NewS3Client(bans.S3Config{
		Bucket:          s.Bucket,
		Key:             s.Key,
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UsePathStyle:    s.UsePathStyle,
	})
	return bans.NewS3Source(client, s.Bucket, s.Key)
}
