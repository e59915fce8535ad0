// Package store defines the persistence contract for API keys and demo
// quotas, and an in-memory implementation of it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

var (
	// ErrNotFound is returned when a key or record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLimitReached is returned by the conditional increments when the
	// counter is already at its ceiling.
	ErrLimitReached = errors.New("usage limit reached")
)

// CredentialStore holds issued API keys and their usage counters.
type CredentialStore interface {
	GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error)
	// IncrementAPIKeyUsage atomically adds one to the key's usage when the
	// result stays within limit (limit is used when the record has no
	// max_limit of its own). It returns the new usage, or ErrLimitReached
	// with the unchanged usage.
	IncrementAPIKeyUsage(ctx context.Context, id string, limit int) (int, error)
	// DecrementAPIKeyUsage atomically subtracts one, never going below zero.
	DecrementAPIKeyUsage(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	CreateAPIKey(ctx context.Context, k *models.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, k *models.APIKey) error
	DeleteAPIKey(ctx context.Context, id string) error
	ResetAPIKeyUsage(ctx context.Context, id string) error
}

// DemoQuotaStore holds the per-identity demo counters.
type DemoQuotaStore interface {
	// GetOrCreateDemoUsage returns the record for email, creating it with a
	// zero counter when absent.
	GetOrCreateDemoUsage(ctx context.Context, email string) (*models.DemoUsage, error)
	// IncrementDemoUsage atomically adds one when the result stays within
	// limit. Same contract as IncrementAPIKeyUsage.
	IncrementDemoUsage(ctx context.Context, email string, limit int) (int, error)
	DecrementDemoUsage(ctx context.Context, email string) error
	TouchDemoUsage(ctx context.Context, email string, at time.Time) error
}

type Store interface {
	CredentialStore
	DemoQuotaStore
	InitSchema(ctx context.Context) error
	Close(ctx context.Context) error
}
