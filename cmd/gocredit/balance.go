package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's spendable credits",
	Long: `Show the total spendable credits of a user and the active allocations
that make it up, earliest-expiring first.

Examples:
  gocredit balance user_123
  gocredit balance user_123 --all`,
	Args: cobra.ExactArgs(1),
	RunE: runBalance,
}

var balanceShowAll bool

func init() {
	rootCmd.AddCommand(balanceCmd)

	balanceCmd.Flags().BoolVar(&balanceShowAll, "all", false, "list expired and drained allocations too")
}

func runBalance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manager, closeStorage, err := setupManager(ctx)
	if err != nil {
		return err
	}
	defer closeStorage()

	userID := args[0]
	out := cmd.OutOrStdout()

	if balanceShowAll {
		allocs, err := manager.Ledger.Allocations(ctx, userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tREMAINING\tTOTAL\tEXPIRES\tALLOCATED BY")
		for _, a := range allocs {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
				a.ID, a.RemainingCredits, a.TotalCredits, a.ExpiresAt.Format(time.RFC3339), a.AllocatedBy)
		}
		return tw.Flush()
	}

	balance, err := manager.Balance(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d credits\n", balance.UserID, balance.TotalCredits)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, a := range balance.ActiveAllocations {
		fmt.Fprintf(tw, "  %s\t%d\texpires %s\n", a.ID, a.Credits, a.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
