// Package storetest holds a behavioral suite every store.Store backend must
// pass.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

// NewKey returns an active key owned by owner with the given usage and limit.
func NewKey(owner string, usage, limit int) *models.APIKey {
	return &models.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Name:      "test key",
		Key:       "rsum_" + uuid.NewString(),
		Usage:     usage,
		MaxLimit:  limit,
		IsActive:  true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// Run exercises s through the whole store contract.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Should look up a created key by its credential", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 0, 10)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		got, err := s.GetAPIKeyByKey(ctx, k.Key)
		require.NoError(t, err)
		assert.Equal(t, k.ID, got.ID)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Equal(t, 10, got.MaxLimit)
		assert.True(t, got.IsActive)
	})

	t.Run("Should return ErrNotFound for unknown keys", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAPIKeyByKey(context.Background(), "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetAPIKey(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.IncrementAPIKeyUsage(context.Background(), uuid.NewString(), 10)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Should stop incrementing at the limit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 1, 2)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		usage, err := s.IncrementAPIKeyUsage(ctx, k.ID, 1000)
		require.NoError(t, err)
		assert.Equal(t, 2, usage)

		usage, err = s.IncrementAPIKeyUsage(ctx, k.ID, 1000)
		assert.ErrorIs(t, err, store.ErrLimitReached)
		assert.Equal(t, 2, usage)
	})

	t.Run("Should apply the default limit when the key has none", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 2, 0)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		_, err := s.IncrementAPIKeyUsage(ctx, k.ID, 3)
		require.NoError(t, err)
		_, err = s.IncrementAPIKeyUsage(ctx, k.ID, 3)
		assert.ErrorIs(t, err, store.ErrLimitReached)
	})

	t.Run("Should never decrement below zero", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 1, 5)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		require.NoError(t, s.DecrementAPIKeyUsage(ctx, k.ID))
		require.NoError(t, s.DecrementAPIKeyUsage(ctx, k.ID))
		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Usage)
	})

	t.Run("Should admit exactly one of many concurrent increments on the last unit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 4, 5)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		const n = 20
		var ok, limited atomic.Int32
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementAPIKeyUsage(ctx, k.ID, 1000)
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, store.ErrLimitReached):
					limited.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, ok.Load())
		assert.EqualValues(t, n-1, limited.Load())

		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.Usage)
	})

	t.Run("Should update descriptive fields and keep usage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 3, 5)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		desc := "rotated"
		k.Name = "renamed"
		k.Description = &desc
		k.IsActive = false
		k.MaxLimit = 50
		k.Usage = 0
		require.NoError(t, s.UpdateAPIKey(ctx, k))

		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		require.NotNil(t, got.Description)
		assert.Equal(t, "rotated", *got.Description)
		assert.False(t, got.IsActive)
		assert.Equal(t, 50, got.MaxLimit)
		assert.Equal(t, 3, got.Usage)
	})

	t.Run("Should list keys per owner and delete them", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := NewKey("owner-a", 0, 5)
		b := NewKey("owner-b", 0, 5)
		require.NoError(t, s.CreateAPIKey(ctx, a))
		require.NoError(t, s.CreateAPIKey(ctx, b))

		list, err := s.ListAPIKeys(ctx, "owner-a")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, a.ID, list[0].ID)

		require.NoError(t, s.DeleteAPIKey(ctx, a.ID))
		_, err = s.GetAPIKeyByKey(ctx, a.Key)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.DeleteAPIKey(ctx, a.ID), store.ErrNotFound)
	})

	t.Run("Should reset and touch keys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		k := NewKey("owner-1", 4, 5)
		require.NoError(t, s.CreateAPIKey(ctx, k))

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.TouchAPIKey(ctx, k.ID, at))
		require.NoError(t, s.ResetAPIKeyUsage(ctx, k.ID))

		got, err := s.GetAPIKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Usage)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, at.Equal(*got.LastUsedAt))
	})

	t.Run("Should create demo records on first read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		d, err := s.GetOrCreateDemoUsage(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", d.Email)
		assert.Equal(t, 0, d.DemoUsage)
	})

	t.Run("Should cap demo usage at the limit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		email := "demo@example.com"
		_, err := s.GetOrCreateDemoUsage(ctx, email)
		require.NoError(t, err)

		for i := 1; i <= models.DemoLimit; i++ {
			usage, err := s.IncrementDemoUsage(ctx, email, models.DemoLimit)
			require.NoError(t, err)
			assert.Equal(t, i, usage)
		}
		usage, err := s.IncrementDemoUsage(ctx, email, models.DemoLimit)
		assert.ErrorIs(t, err, store.ErrLimitReached)
		assert.Equal(t, models.DemoLimit, usage)

		require.NoError(t, s.DecrementDemoUsage(ctx, email))
		d, err := s.GetOrCreateDemoUsage(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, models.DemoLimit-1, d.DemoUsage)

		require.NoError(t, s.TouchDemoUsage(ctx, email, time.Now()))
	})
}
