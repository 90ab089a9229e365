package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whisper/companion/internal/ban"
	"github.com/whisper/companion/internal/chat"
	"github.com/whisper/companion/internal/session"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage sign-in tokens",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Manage conversations",
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

func init() {
	tokenCmd.AddCommand(&cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue a sign-in token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: withRedis(func(ctx context.Context, cmd *cobra.Command, rdb *redis.Client, args []string) error {
			token, err := session.NewStoreWithClient(rdb, "admin").IssueToken(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}, &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a sign-in token",
		Args:  cobra.ExactArgs(1),
		RunE: withRedis(func(ctx context.Context, _ *cobra.Command, rdb *redis.Client, args []string) error {
			return session.NewStoreWithClient(rdb, "admin").RevokeToken(ctx, args[0])
		}),
	})

	chatCmd.AddCommand(&cobra.Command{
		Use:   "open <user-a> <user-b>",
		Short: "Open (or look up) the chat between two users",
		Args:  cobra.ExactArgs(2),
		RunE: withRedis(func(ctx context.Context, cmd *cobra.Command, rdb *redis.Client, args []string) error {
			c, created, err := chat.NewStore(rdb).Open(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			state := "existing"
			if created {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.ID, state)
			return nil
		}),
	})

	banCmd := &cobra.Command{
		Use:   "ban <user-id>",
		Short: "Suspend a user",
		Args:  cobra.ExactArgs(1),
		RunE: withRedis(func(ctx context.Context, cmd *cobra.Command, rdb *redis.Client, args []string) error {
			d, _ := cmd.Flags().GetDuration("for")
			reason, _ := cmd.Flags().GetString("reason")
			return ban.NewStore(rdb).Ban(ctx, args[0], d, reason)
		}),
	}
	banCmd.Flags().Duration("for", ban.Ban24Hour, "suspension length")
	banCmd.Flags().String("reason", "admin", "reason recorded with the suspension")

	userCmd.AddCommand(&cobra.Command{
		Use:   "name <user-id> <display-name>",
		Short: "Set the name partners see as the chat title",
		Args:  cobra.ExactArgs(2),
		RunE: withRedis(func(ctx context.Context, _ *cobra.Command, rdb *redis.Client, args []string) error {
			return chat.NewStore(rdb).SetDisplayName(ctx, args[0], args[1])
		}),
	}, banCmd, &cobra.Command{
		Use:   "unban <user-id>",
		Short: "Lift a suspension",
		Args:  cobra.ExactArgs(1),
		RunE: withRedis(func(ctx context.Context, _ *cobra.Command, rdb *redis.Client, args []string) error {
			return ban.NewStore(rdb).Unban(ctx, args[0])
		}),
	})
}

// withRedis runs fn with a Redis client for the configured address.
func withRedis(fn func(ctx context.Context, cmd *cobra.Command, rdb *redis.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		return fn(ctx, cmd, rdb, args)
	}
}
