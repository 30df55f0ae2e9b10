package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brandvoice/contentops/internal/config"
	"github.com/brandvoice/contentops/internal/logger"
	"github.com/brandvoice/contentops/internal/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect and maintain recorded AI usage",
}

var usageReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print token usage and cost per day, model and feature",
	RunE:  runUsageReport,
}

var usagePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete usage records older than the retention period",
	RunE:  runUsagePrune,
}

func init() {
	usageReportCmd.Flags().Int("days", 7, "number of UTC days to include, today counts as one")
	usagePruneCmd.Flags().Int("older-than-days", 90, "delete records created before this many days ago")

	usageCmd.AddCommand(usageReportCmd)
	usageCmd.AddCommand(usagePruneCmd)
	rootCmd.AddCommand(usageCmd)
}

func runUsageReport(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	if days < 1 {
		return fmt.Errorf("--days must be at least 1")
	}

	log, err := logger.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openUsageStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	since := reportSince(time.Now(), days)
	log.Debug("Building usage report",
		zap.String("driver", cfg.Storage.Driver),
		zap.Time("since", since))
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	rows, err := store.Summary(ctx, since)
	if err != nil {
		return err
	}
	totals, err := store.Totals(ctx, since)
	if err != nil {
		return err
	}

	return writeUsageReport(cmd.OutOrStdout(), since, rows, totals)
}

func runUsagePrune(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("older-than-days")
	if days < 1 {
		return fmt.Errorf("--older-than-days must be at least 1")
	}

	log, err := logger.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := openUsageStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	n, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.Error("Usage prune failed", zap.Error(err))
		return err
	}
	log.Info("Pruned usage records",
		zap.Int64("deleted", n),
		zap.String("driver", cfg.Storage.Driver),
		zap.Time("cutoff", cutoff))
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d usage records created before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

// reportSince returns the start of the UTC day days-1 days before now.
func reportSince(now time.Time, days int) time.Time {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -(days - 1))
}

func writeUsageReport(out io.Writer, since time.Time, rows []models.UsageSummary, totals models.UsageTotals) error {
	fmt.Fprintf(out, "Usage since %s\n\n", since.Format("2006-01-02"))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DAY\tMODEL\tFEATURE\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL\tCOST (USD)")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.4f\n",
			r.Day, r.Model, r.Feature, r.Requests, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD)
	}
	fmt.Fprintf(w, "TOTAL\t\t\t%d\t\t\t%d\t%.4f\n", totals.Requests, totals.TotalTokens, totals.CostUSD)
	return w.Flush()
}
