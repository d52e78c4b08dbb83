package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

var allocateCmd = &cobra.Command{
	Use:   "allocate <user-id> <credits>",
	Short: "Grant credits to a user",
	Long: `Grant an expiring allocation of credits to a user.

Examples:
  gocredit allocate user_123 1000
  gocredit allocate user_123 500 --expiry-days 30 --notes "support credit"
  gocredit allocate user_123 500 --idempotency-key ticket-4711`,
	Args: cobra.ExactArgs(2),
	RunE: runAllocate,
}

var (
	allocateExpiryDays     int
	allocateBy             string
	allocateNotes          string
	allocateIdempotencyKey string
)

func init() {
	rootCmd.AddCommand(allocateCmd)

	allocateCmd.Flags().IntVar(&allocateExpiryDays, "expiry-days", 365, "days until the credits expire")
	allocateCmd.Flags().StringVar(&allocateBy, "by", "cli", "issuer recorded on the allocation")
	allocateCmd.Flags().StringVar(&allocateNotes, "notes", "", "free-form note")
	allocateCmd.Flags().StringVar(&allocateIdempotencyKey, "idempotency-key", "", "reject a repeat grant with the same key")
}

func runAllocate(cmd *cobra.Command, args []string) error {
	credits, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("credits must be an integer: %w", err)
	}

	ctx := cmd.Context()
	manager, closeStorage, err := setupManager(ctx)
	if err != nil {
		return err
	}
	defer closeStorage()

	var opts []gocredit.AllocateOption
	if allocateIdempotencyKey != "" {
		opts = append(opts, gocredit.WithIdempotencyKey(allocateIdempotencyKey))
	}
	alloc, err := manager.Ledger.Allocate(ctx, args[0], credits, allocateBy, allocateExpiryDays, allocateNotes, opts...)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Allocated %d credits to %s (allocation %s, expires %s)\n",
		alloc.TotalCredits, alloc.UserID, alloc.ID, alloc.ExpiresAt.Format(time.RFC3339))
	return nil
}
