package models

import (
	"time"
)

// APIKey is a caller credential. UserID is the identity that rate limits and
// usage records are attributed to.
type APIKey struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	UserID     string `json:"userId"`
	CreatedAt  int64  `json:"createdAt"`
	LastUsed   *int64 `json:"lastUsed,omitempty"`
	UsageCount int64  `json:"usageCount"`
}

// CallerID returns the identity used for admission keys.
func (k *APIKey) CallerID() string {
	if k.UserID != "" {
		return k.UserID
	}
	return k.Name
}

// UpdateUsage updates the key's usage statistics
func (k *APIKey) UpdateUsage() {
	now := time.Now().Unix()
	k.LastUsed = &now
	k.UsageCount++
}
