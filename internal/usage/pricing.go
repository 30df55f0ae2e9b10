package usage

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rate is the USD price per 1,000 tokens for one model.
type Rate struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// PricingTable maps model identifiers to rates. Unknown models use Default.
type PricingTable struct {
	Default Rate            `yaml:"default" json:"default"`
	Models  map[string]Rate `yaml:"models" json:"models"`
}

// DefaultPricing returns the built-in rates.
func DefaultPricing() PricingTable {
	return PricingTable{
		Default: Rate{PromptPer1K: 0.0025, CompletionPer1K: 0.01},
		Models: map[string]Rate{
			"gpt-4o":        {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
			"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
			"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
			"gpt-3.5-turbo": {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
		},
	}
}

// LoadPricing reads a YAML pricing file and merges it over the built-in rates.
// An empty path returns the built-in rates.
func LoadPricing(path string) (PricingTable, error) {
	table := DefaultPricing()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return PricingTable{}, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var file PricingTable
	if err := yaml.Unmarshal(data, &file); err != nil {
		return PricingTable{}, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	if file.Default != (Rate{}) {
		table.Default = file.Default
	}
	for model, rate := range file.Models {
		table.Models[model] = rate
	}

	if err := table.Validate(); err != nil {
		return PricingTable{}, err
	}
	return table, nil
}

// Validate rejects negative rates.
func (t PricingTable) Validate() error {
	check := func(name string, r Rate) error {
		if r.PromptPer1K < 0 || r.CompletionPer1K < 0 {
			return fmt.Errorf("pricing for %q must not be negative", name)
		}
		return nil
	}
	if err := check("default", t.Default); err != nil {
		return err
	}
	for model, r := range t.Models {
		if err := check(model, r); err != nil {
			return err
		}
	}
	return nil
}

// RateFor resolves the rate for model. An exact match wins, then the longest
// known model that model extends with a "-" suffix (dated snapshots such as
// "gpt-4o-2024-08-06"), then the default rate.
func (t PricingTable) RateFor(model string) (Rate, bool) {
	if r, ok := t.Models[model]; ok {
		return r, true
	}

	best := ""
	for known := range t.Models {
		if strings.HasPrefix(model, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best != "" {
		return t.Models[best], true
	}
	return t.Default, false
}

// Cost prices a call, rounded to 4 decimal places.
func (t PricingTable) Cost(model string, promptTokens, completionTokens int) float64 {
	r, _ := t.RateFor(model)
	raw := float64(promptTokens)/1000*r.PromptPer1K + float64(completionTokens)/1000*r.CompletionPer1K
	return RoundUSD(raw)
}

// ModelNames returns the priced models in sorted order.
func (t PricingTable) ModelNames() []string {
	names := make([]string, 0, len(t.Models))
	for m := range t.Models {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// RoundUSD rounds to 4 decimal places.
func RoundUSD(v float64) float64 {
	return math.Round(v*10000) / 10000
}
