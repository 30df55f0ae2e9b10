package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/brandvoice/contentops/internal/config"
	"github.com/brandvoice/contentops/internal/logger"
	"github.com/brandvoice/contentops/internal/usage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pricingCmd = &cobra.Command{
	Use:   "pricing",
	Short: "Show model pricing and estimate call costs",
}

var pricingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List per-1K token rates for every configured model",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := pricingFromConfig()
		if err != nil {
			return err
		}
		return writePricingTable(cmd.OutOrStdout(), table)
	},
}

var pricingEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the cost of a single call",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		prompt, _ := cmd.Flags().GetInt("prompt")
		completion, _ := cmd.Flags().GetInt("completion")
		if prompt < 0 || completion < 0 {
			return fmt.Errorf("token counts must not be negative")
		}

		table, err := pricingFromConfig()
		if err != nil {
			return err
		}
		writeEstimate(cmd.OutOrStdout(), table, model, prompt, completion)
		return nil
	},
}

func init() {
	pricingEstimateCmd.Flags().String("model", "gpt-4o", "model identifier")
	pricingEstimateCmd.Flags().Int("prompt", 0, "prompt tokens")
	pricingEstimateCmd.Flags().Int("completion", 0, "completion tokens")

	pricingCmd.AddCommand(pricingListCmd)
	pricingCmd.AddCommand(pricingEstimateCmd)
	rootCmd.AddCommand(pricingCmd)
}

func pricingFromConfig() (usage.PricingTable, error) {
	log, err := logger.NewDevelopment()
	if err != nil {
		return usage.PricingTable{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return usage.PricingTable{}, fmt.Errorf("failed to load config: %w", err)
	}

	table, err := loadPricing(cfg)
	if err != nil {
		log.Error("Pricing file rejected", zap.String("file", cfg.Usage.PricingFile), zap.Error(err))
		return usage.PricingTable{}, err
	}
	if cfg.Usage.PricingFile == "" {
		log.Debug("No pricing file configured, using built-in rates")
	} else {
		log.Debug("Loaded pricing file", zap.String("file", cfg.Usage.PricingFile), zap.Int("models", len(table.Models)))
	}
	return table, nil
}

func writePricingTable(out io.Writer, table usage.PricingTable) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROMPT / 1K\tCOMPLETION / 1K")
	for _, name := range table.ModelNames() {
		rate := table.Models[name]
		fmt.Fprintf(w, "%s\t%.5f\t%.5f\n", name, rate.PromptPer1K, rate.CompletionPer1K)
	}
	fmt.Fprintf(w, "(default)\t%.5f\t%.5f\n", table.Default.PromptPer1K, table.Default.CompletionPer1K)
	return w.Flush()
}

func writeEstimate(out io.Writer, table usage.PricingTable, model string, prompt, completion int) {
	rate, known := table.RateFor(model)
	source := "model rate"
	if !known {
		source = "default rate"
	}
	fmt.Fprintf(out, "Model:       %s (%s: %.5f / %.5f per 1K)\n", model, source, rate.PromptPer1K, rate.CompletionPer1K)
	fmt.Fprintf(out, "Tokens:      %d prompt + %d completion = %d\n", prompt, completion, prompt+completion)
	fmt.Fprintf(out, "Cost (USD):  %.4f\n", table.Cost(model, prompt, completion))
}
