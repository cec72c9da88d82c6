package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/geosia-dev/gsnet/internal/config"
	"github.com/geosia-dev/gsnet/internal/errors"
	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/bans"
)

func bansCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bans",
		Short: "Manage the ban list",
		Long: `Manage the ban database named by ban_db in the server configuration.

A running server reads the same database, so bans added here apply to the
next login. pull and push exchange the list with the ban_snapshot bucket.`,
	}
	cmd.AddCommand(
		bansListCmd(flags),
		bansAddCmd(flags),
		bansRemoveCmd(flags),
		bansPurgeCmd(flags),
		bansPullCmd(flags),
		bansPushCmd(flags),
	)
	return cmd
}

// withStore opens the configured ban database for fn.
func withStore(flags *globalFlags, fn func(cfg *config.Server, store *bans.Store) error) error {
	cfg, err := loadServerConfig(flags)
	if err != nil {
		return err
	}
	store, err := bans.Open(cfg.BanDB)
	if err != nil {
		return errors.New("E400").Wrap(err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func bansListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(cfg *config.Server, store *bans.Store) error {
				list, err := store.List(cmd.Context())
				if err != nil {
					return errors.New("E400").Wrap(err)
				}
				if len(list) == 0 {
					info("no bans")
					return nil
				}
				now := time.Now()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USERNAME\tREASON\tSINCE\tEXPIRES")
				for _, b := range list {
					expires := "never"
					if b.ExpiresAt != nil {
						expires = b.ExpiresAt.Local().Format(time.DateTime)
						if !b.Active(now) {
							expires += " (expired)"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Username, b.Reason, b.CreatedAt.Local().Format(time.DateTime), expires)
				}
				return w.Flush()
			})
		},
	}
}

func bansAddCmd(flags *globalFlags) *cobra.Command {
	var (
		reason   string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Ban a username",
		Long: `Ban a username.

Examples:
  gsnet bans add mallory --reason griefing
  gsnet bans add mallory --reason spam --for 24h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			if !auth.ValidUsername(username) {
				return errors.New("E500").WithDetail(fmt.Sprintf("%q is not a valid username.", username))
			}
			return withStore(flags, func(cfg *config.Server, store *bans.Store) error {
				now := time.Now().UTC()
				b := bans.Ban{Username: username, Reason: reason, CreatedAt: now}
				if duration > 0 {
					exp := now.Add(duration)
					b.ExpiresAt = &exp
				}
				if err := store.Add(cmd.Context(), b); err != nil {
					return errors.New("E400").Wrap(err)
				}
				success("banned %s", username)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason shown to the player")
	cmd.Flags().DurationVar(&duration, "for", 0, "Ban duration (default permanent)")

	return cmd
}

func bansRemoveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <username>",
		Aliases: []string{"rm"},
		Short:   "Lift a ban",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(cfg *config.Server, store *bans.Store) error {
				if err := store.Remove(cmd.Context(), args[0]); err != nil {
					return errors.New("E400").Wrap(err)
				}
				success("unbanned %s", args[0])
				return nil
			})
		},
	}
}

func bansPurgeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(cfg *config.Server, store *bans.Store) error {
				n, err := store.Purge(cmd.Context())
				if err != nil {
					return errors.New("E400").Wrap(err)
				}
				success("purged %d expired bans", n)
				return nil
			})
		},
	}
}

func bansPullCmd(flags *globalFlags) *cobra.Command {
	return snapshotCmd(flags, "pull", "Replace the local ban list with the bucket snapshot",
		func(ctx context.Context, src *bans.S3Source, store *bans.Store) (int, error) {
			return bans.Pull(ctx, src, store)
		})
}

func bansPushCmd(flags *globalFlags) *cobra.Command {
	return snapshotCmd(flags, "push", "Upload the local ban list to the bucket",
		func(ctx context.Context, src *bans.S3Source, store *bans.Store) (int, error) {
			return bans.Push(ctx, store, src)
		})
}

func snapshotCmd(flags *globalFlags, use, short string, fn func(context.Context, *bans.S3Source, *bans.Store) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(cfg *config.Server, store *bans.Store) error {
				if !cfg.BanSnapshot.Enabled() {
					return errors.New("E101").WithDetail("ban_snapshot.bucket is not set.").
						WithSuggestion("Set ban_snapshot.bucket in the config or GSNET_BAN_SNAPSHOT_BUCKET")
				}
				n, err := fn(cmd.Context(), snapshotSource(cfg.BanSnapshot), store)
				if err != nil {
					return errors.New("E401").Wrap(err)
				}
				success("%s: %d bans (s3://%s/%s)", use, n, cfg.BanSnapshot.Bucket, cfg.BanSnapshot.Key)
				return nil
			})
		},
	}
}
