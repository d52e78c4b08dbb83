package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the gocredit configuration.

Checks:
  - YAML syntax is valid
  - Storage driver settings are complete
  - Pricing, session and billing values are in range
  - Storage is reachable (optional)

Examples:
  gocredit validate --config gocredit.yaml
  gocredit validate --config gocredit.yaml --check-storage`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var validateCheckStorage bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStorage, "check-storage", false, "connect to the configured storage")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	source := cfgFile
	if source == "" {
		source = "environment"
	}
	fmt.Fprintf(out, "Validating %s...\n\n", source)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return err
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Storage: %s\n", checkMark, describeStorage(cfg.Storage))
	fmt.Fprintf(out, "  %s Default rate: %v credits/1000 units, %d model rates\n",
		checkMark, cfg.Pricing.DefaultRate, len(cfg.Pricing.Rates))
	fmt.Fprintf(out, "  %s Buffer ratio: %v\n", checkMark, cfg.Sessions.BufferRatio)
	if cfg.Billing.Stripe.Enabled() {
		packs := make([]string, 0, len(cfg.Billing.Stripe.Packs))
		for id := range cfg.Billing.Stripe.Packs {
			packs = append(packs, id)
		}
		sort.Strings(packs)
		fmt.Fprintf(out, "  %s Stripe packs: %v\n", checkMark, packs)
	}

	if validateCheckStorage {
		_, closeStorage, err := openStorage(cmd.Context(), cfg.Storage, false)
		if err != nil {
			fmt.Fprintf(out, "  %s Storage reachable\n", crossMark)
			return err
		}
		_ = closeStorage()
		fmt.Fprintf(out, "  %s Storage reachable\n", checkMark)
	}

	fmt.Fprintln(out, "\nConfiguration is valid.")
	return nil
}
