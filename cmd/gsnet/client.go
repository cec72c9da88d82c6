package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/internal/config"
	"github.com/geosia-dev/gsnet/internal/errors"
	"github.com/geosia-dev/gsnet/pkg/client"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// dialFlags are shared by commands that connect to a server.
type dialFlags struct {
	insecure bool
	timeout  time.Duration
}

func (d *dialFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&d.insecure, "insecure", "k", false, "Skip TLS certificate verification")
	cmd.Flags().DurationVar(&d.timeout, "timeout", 10*time.Second, "Connection timeout")
}

func (d *dialFlags) dial(ctx context.Context, target string, cfg *client.Config) (*client.Client, error) {
	if cfg == nil {
		cfg = &client.Config{}
	}
	cfg.Dial = &transport.DialOptions{TLS: transport.ClientTLSConfig(d.insecure)}
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	c, err := client.Dial(dctx, target, cfg)
	if err != nil {
		return nil, errors.New("E200").Wrap(err).
			WithSuggestion("Check that the server is running, or pass --insecure for a self-signed certificate")
	}
	return c, nil
}

// resolveTarget falls back to the last server in the profile.
func resolveTarget(args []string, profile *config.Profile) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if profile != nil && profile.LastServer != "" {
		return profile.LastServer, nil
	}
	return "", errors.New("E500").WithDetail("No server given and no last server in the client profile.").
		WithSuggestion("gsnet connect quic://host:28032 --username alice")
}

func loadProfile() (string, *config.Profile) {
	path, err := config.ProfilePath()
	if err != nil {
		return "", &config.Profile{}
	}
	p, err := config.LoadProfile(path)
	if err != nil {
		warn("%v", errors.New("E103").Wrap(err))
		return path, &config.Profile{}
	}
	return path, p
}

func pingCmd(flags *globalFlags) *cobra.Command {
	var (
		dial  dialFlags
		count int
	)

	cmd := &cobra.Command{
		Use:   "ping [server]",
		Short: "Measure RPC round trips to a server",
		Long: `Measure RPC round trips to a server.

Examples:
  gsnet ping quic://play.example.net
  gsnet ping tcp://127.0.0.1:28033 -n 10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, profile := loadProfile()
			target, err := resolveTarget(args, profile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial.dial(ctx, target, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			for i := 0; i < count; i++ {
				start := time.Now()
				got, err := c.Ping(ctx, int32(i))
				if err != nil {
					return errors.New("E203").Wrap(err)
				}
				if got != int32(i) {
					return errors.Newf(errors.CategoryNetwork, "ping %d echoed %d", i, got)
				}
				info("seq=%d time=%s", i, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	dial.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 4, "Number of pings")

	return cmd
}

func infoCmd(flags *globalFlags) *cobra.Command {
	var dial dialFlags

	cmd := &cobra.Command{
		Use:   "info [server]",
		Short: "Show a server's metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, profile := loadProfile()
			target, err := resolveTarget(args, profile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := dial.dial(ctx, target, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			md, err := c.Metadata(ctx)
			if err != nil {
				return errors.New("E203").Wrap(err)
			}
			fmt.Println()
			fmt.Printf("  Title:    %s\n", md.Title)
			if md.Subtitle != "" {
				fmt.Printf("  Subtitle: %s\n", md.Subtitle)
			}
			fmt.Printf("  Version:  %s\n", md.ServerVersion)
			fmt.Printf("  Players:  %d/%d\n", md.PlayerCount, md.PlayerLimit)
			fmt.Println()
			return nil
		},
	}
	dial.register(cmd)

	return cmd
}

func connectCmd(flags *globalFlags) *cobra.Command {
	var (
		dial     dialFlags
		username string
	)

	cmd := &cobra.Command{
		Use:   "connect [server]",
		Short: "Log in and chat",
		Long: `Log in to a server and chat from the terminal.

Each line typed is sent as a chat message. The username and server are
remembered in ~/.gsnet/client.yaml.

Examples:
  gsnet connect quic://play.example.net --username alice
  gsnet connect`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profilePath, profile := loadProfile()
			target, err := resolveTarget(args, profile)
			if err != nil {
				return err
			}
			if username == "" {
				username = profile.Username
			}
			if !cmd.Flags().Changed("insecure") && len(args) == 0 {
				dial.insecure = profile.Insecure
			}
			if username == "" {
				return errors.New("E500").WithDetail("No username given.").WithSuggestion("Pass --username")
			}

			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, &dial, target, username, log, func() {
				profile.Username = username
				profile.LastServer = target
				profile.Insecure = dial.insecure
				if profilePath != "" {
					if err := config.SaveProfile(profilePath, profile); err != nil {
						warn("profile not saved: %v", err)
					}
				}
			})
		},
	}
	dial.register(cmd)
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (default from profile)")

	return cmd
}

func runConnect(ctx context.Context, dial *dialFlags, target, username string, log *zap.Logger, onLogin func()) error {
	c, err := dial.dial(ctx, target, &client.Config{
		Handler: client.HandlerFuncs{
			OnChat: func(tick uint64, text string) {
				fmt.Printf("[%d] %s\n", tick, text)
			},
			OnTerminate: func(reason protocol.ConnectionTermination) {
				warn("disconnected: %s", reason)
			},
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := c.Login(ctx, username)
	if err != nil {
		if kind, ok := protocol.AuthErrorKindOf(err); ok {
			return errors.New("E300").Wrap(err).WithDetail(fmt.Sprintf("The server refused %s (%s).", username, kind))
		}
		return errors.New("E203").Wrap(err)
	}
	onLogin()
	success("logged in as %s (universe %s, %d block types)", username, data.UniverseID, data.BlockRegistry.Len())
	info("type a message and press enter; Ctrl-C quits")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			if reason, ok := c.Termination(); ok {
				return errors.New("E202").WithDetail(reason.String())
			}
			return errors.New("E202")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := c.SendChat(ctx, line); err != nil {
				warn("%v", err)
			}
		}
	}
}
