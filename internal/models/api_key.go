package models

import "time"

// DefaultKeyLimit applies when a key has no MaxLimit of its own.
const DefaultKeyLimit = 1000

type APIKey struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"user_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Key         string     `json:"key"`
	Usage       int        `json:"usage"`
	MaxLimit    int        `json:"max_limit"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

// Limit returns the effective quota ceiling, falling back to def when the
// key has none configured.
func (k *APIKey) Limit(def int) int {
	if k.MaxLimit > 0 {
		return k.MaxLimit
	}
	if def > 0 {
		return def
	}
	return DefaultKeyLimit
}

// KeyPrefix returns a short, log-safe prefix of the credential.
func KeyPrefix(key string) string {
	const n = 10
	if len(key) <= n {
		return key
	}
	return key[:n] + "..."
}
