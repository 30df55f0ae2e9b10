package models

import "time"

// UsageRecord is one metered AI call.
type UsageRecord struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	Feature          string    `json:"feature"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	UserID           string    `json:"user_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageSummary aggregates usage for one day, model and feature.
type UsageSummary struct {
	Day              string  `json:"day"`
	Model            string  `json:"model"`
	Feature          string  `json:"feature"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageTotals aggregates usage over a period.
type UsageTotals struct {
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}
