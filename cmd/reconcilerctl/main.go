// Command reconcilerctl runs maintenance tasks against the webhook store and
// mints tokens for checkout clients.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/josh-kwaku/order-payment-webhooks/internal/auth"
	"github.com/josh-kwaku/order-payment-webhooks/internal/config"
	"github.com/josh-kwaku/order-payment-webhooks/internal/repository"
)

var Version = "dev"

func main() {
	if err := config.LoadDotenv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "reconcilerctl",
		Short:        "Maintenance commands for the payment webhook reconciler",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(purgeBeforeCmd())
	rootCmd.AddCommand(purgeExpiredCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every stored webhook event",
		Long: `Delete every stored webhook event, whatever its status.
Notification markers and order contexts are kept, so orders already
notified are not notified again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("purge deletes all webhook events; pass --yes to confirm")
			}
			return withDB(cmd, func(db *sql.DB) error {
				n, err := repository.NewWebhookEventRepository(db).PurgeAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d webhook events\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm the purge")
	return cmd
}

func purgeBeforeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-before",
		Short: "Delete webhook events older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			cutoff := time.Now().UTC().Add(-age)
			return withDB(cmd, func(db *sql.DB) error {
				n, err := repository.NewWebhookEventRepository(db).PurgeBefore(cmd.Context(), cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d webhook events received before %s\n", n, cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().Duration("older-than", 720*time.Hour, "Age of the oldest event to keep")
	return cmd
}

func purgeExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete expired order contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(db *sql.DB) error {
				// TTL only matters on write; purging reads expires_at.
				n, err := repository.NewOrderContextRepository(db, 0).PurgeExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d expired order contexts\n", n)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a checkout client",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := cmd.Flags().GetString("client")
			secret, _ := cmd.Flags().GetString("secret")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if client == "" {
				return fmt.Errorf("--client is required")
			}
			if secret == "" {
				return fmt.Errorf("--secret or CHECKOUT_JWT_SECRET is required")
			}

			token, err := auth.GenerateToken(client, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("client", "", "Checkout client id (token subject)")
	cmd.Flags().String("secret", os.Getenv("CHECKOUT_JWT_SECRET"), "Signing secret")
	cmd.Flags().Duration("ttl", 90*24*time.Hour, "Token lifetime")
	return cmd
}

func withDB(cmd *cobra.Command, fn func(db *sql.DB) error) error {
	url, _ := cmd.Flags().GetString("database-url")
	if url == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	db, err := repository.NewPostgresDB(cmd.Context(), url, repository.PoolConfig{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnectAttempts: 3,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
