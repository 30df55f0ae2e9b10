package cmd

import (
	"fmt"
	"os"

	"github.com/brandvoice/contentops/internal/config"
	"github.com/brandvoice/contentops/internal/ratelimit"
	"github.com/brandvoice/contentops/internal/storage"
	"github.com/brandvoice/contentops/internal/usage"
)

// buildPolicies validates configured overrides on top of the built-in
// policies. A malformed policy stops startup.
func buildPolicies(cfg *config.Config) (*ratelimit.PolicySet, error) {
	overrides := make(map[string]ratelimit.Policy, len(cfg.RateLimit.Policies))
	for name, p := range cfg.RateLimit.Policies {
		overrides[name] = ratelimit.Policy{Name: name, Limit: p.Limit, Window: p.Window}
	}

	set, err := ratelimit.NewPolicySet(overrides)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit configuration: %w", err)
	}
	return set, nil
}

func openUsageStore(cfg *config.Config) (*storage.UsageStore, error) {
	store, err := storage.OpenUsageStore(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage store: %w", err)
	}
	return store, nil
}

func loadPricing(cfg *config.Config) (usage.PricingTable, error) {
	table, err := usage.LoadPricing(cfg.Usage.PricingFile)
	if err != nil {
		return usage.PricingTable{}, fmt.Errorf("failed to load pricing: %w", err)
	}
	return table, nil
}

func initDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.Storage.KeysDir,
		cfg.Storage.LogsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// maskAPIKey returns a masked version of the API key for logging
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
