package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinmichaelchen/repo-summarizer/internal/config"
	"github.com/kevinmichaelchen/repo-summarizer/internal/gate"
	"github.com/kevinmichaelchen/repo-summarizer/internal/logger"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

func TestCreateKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	t.Run("Should issue an active key with the configured prefix", func(t *testing.T) {
		st := store.NewMemory()
		k, err := createKey(ctx, st, "rsum_", newKeyParams{Owner: "u1", Name: "ci", Description: "pipeline", Limit: 50}, now)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(k.Key, "rsum_"))
		assert.Len(t, k.Key, len("rsum_")+32)
		assert.True(t, k.IsActive)
		assert.Equal(t, 50, k.MaxLimit)
		require.NotNil(t, k.Description)
		assert.Equal(t, "pipeline", *k.Description)
		assert.Equal(t, now.Truncate(time.Second), k.CreatedAt)

		got, err := st.GetAPIKeyByKey(ctx, k.Key)
		require.NoError(t, err)
		assert.Equal(t, k.ID, got.ID)
	})

	t.Run("Should require owner and name", func(t *testing.T) {
		st := store.NewMemory()
		_, err := createKey(ctx, st, "rsum_", newKeyParams{Name: "ci"}, now)
		assert.Error(t, err)
		_, err = createKey(ctx, st, "rsum_", newKeyParams{Owner: "u1"}, now)
		assert.Error(t, err)
	})

	t.Run("Should reject a negative limit", func(t *testing.T) {
		_, err := createKey(ctx, store.NewMemory(), "rsum_", newKeyParams{Owner: "u1", Name: "ci", Limit: -1}, now)
		assert.Error(t, err)
	})

	t.Run("Should generate distinct values", func(t *testing.T) {
		assert.NotEqual(t, newKeyValue("p_"), newKeyValue("p_"))
	})
}

func TestUpdateKey(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*store.Memory, *models.APIKey) {
		st := store.NewMemory()
		k, err := createKey(ctx, st, "rsum_", newKeyParams{Owner: "u1", Name: "ci", Description: "old"}, time.Now())
		require.NoError(t, err)
		_, err = st.IncrementAPIKeyUsage(ctx, k.ID, 10)
		require.NoError(t, err)
		return st, k
	}

	t.Run("Should change only the patched fields", func(t *testing.T) {
		st, k := seed(t)
		inactive, limit := false, 20
		got, err := updateKey(ctx, st, k.ID, keyPatch{Active: &inactive, Limit: &limit})
		require.NoError(t, err)

		assert.False(t, got.IsActive)
		assert.Equal(t, 20, got.MaxLimit)
		assert.Equal(t, "ci", got.Name)
		assert.Equal(t, 1, got.Usage)
		require.NotNil(t, got.Description)
		assert.Equal(t, "old", *got.Description)
	})

	t.Run("Should clear the description when set empty", func(t *testing.T) {
		st, k := seed(t)
		empty := ""
		got, err := updateKey(ctx, st, k.ID, keyPatch{Description: &empty})
		require.NoError(t, err)
		assert.Nil(t, got.Description)
	})

	t.Run("Should reject an empty name", func(t *testing.T) {
		st, k := seed(t)
		empty := ""
		_, err := updateKey(ctx, st, k.ID, keyPatch{Name: &empty})
		assert.Error(t, err)
	})

	t.Run("Should report unknown ids", func(t *testing.T) {
		_, err := updateKey(ctx, store.NewMemory(), "nope", keyPatch{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestComputeStats(t *testing.T) {
	t.Run("Should count active, exhausted and total usage", func(t *testing.T) {
		keys := []*models.APIKey{
			{IsActive: true, Usage: 3, MaxLimit: 3},
			{IsActive: true, Usage: 1},
			{IsActive: false, Usage: 5, MaxLimit: 10},
		}
		s := computeStats(keys, 100)
		assert.Equal(t, keyStats{Total: 3, Active: 2, Exhausted: 1, Usage: 9}, s)
	})
}

func TestPrintKeyTable(t *testing.T) {
	t.Run("Should only show a key prefix", func(t *testing.T) {
		var buf bytes.Buffer
		printKeyTable(&buf, []*models.APIKey{{ID: "id1", OwnerID: "u1", Name: "ci", Key: "rsum_abcdefghijklmnop", IsActive: true}}, 1000)
		out := buf.String()
		assert.Contains(t, out, "rsum_abcde...")
		assert.NotContains(t, out, "rsum_abcdefghijklmnop")
		assert.Contains(t, out, "0/1000")
	})

	t.Run("Should say so when empty", func(t *testing.T) {
		var buf bytes.Buffer
		printKeyTable(&buf, nil, 1000)
		assert.Equal(t, "No keys.\n", buf.String())
	})
}

func TestOpenStore(t *testing.T) {
	t.Run("Should open the memory backend without a limiter store", func(t *testing.T) {
		st, ls, err := openStore(context.Background(), &config.Config{StoreBackend: config.BackendMemory})
		require.NoError(t, err)
		assert.IsType(t, &store.Memory{}, st)
		assert.Nil(t, ls)
	})

	t.Run("Should reject an unknown backend", func(t *testing.T) {
		_, _, err := openStore(context.Background(), &config.Config{StoreBackend: "sqlite"})
		assert.Error(t, err)
	})
}

func TestNewModel(t *testing.T) {
	t.Run("Should return no model without an API key", func(t *testing.T) {
		m, closeFn, err := newModel(context.Background(), &config.Config{LLMProvider: config.ProviderOpenAI})
		require.NoError(t, err)
		assert.Nil(t, m)
		closeFn()
	})

	t.Run("Should build the OpenAI client", func(t *testing.T) {
		m, _, err := newModel(context.Background(), &config.Config{
			LLMProvider: config.ProviderOpenAI,
			LLMAPIKey:   "sk-test",
			LLMBaseURL:  "http://localhost:1",
			LLMModel:    "gpt-4o-mini",
		})
		require.NoError(t, err)
		assert.NotNil(t, m)
	})
}

func TestSeedKeys(t *testing.T) {
	ctx := context.Background()

	t.Run("Should make seeded keys admissible on the memory backend", func(t *testing.T) {
		cfg := &config.Config{
			StoreBackend:    config.BackendMemory,
			LLMProvider:     config.ProviderOpenAI,
			DefaultKeyLimit: 1000,
			SeedAPIKeys:     []config.SeedKey{{Key: "rsum_dev"}, {Key: "rsum_ci", Limit: 1}},
		}
		a, err := newApp(ctx, cfg, logger.Discard())
		require.NoError(t, err)
		defer a.Close()

		lease, err := a.gate.Admit(ctx, gate.Credentials{APIKey: "rsum_ci"})
		require.NoError(t, err)
		assert.Equal(t, 1, lease.Usage())
		assert.Equal(t, 1, lease.Limit())

		lease, err = a.gate.Admit(ctx, gate.Credentials{APIKey: "rsum_dev"})
		require.NoError(t, err)
		assert.Equal(t, 1000, lease.Limit())
	})

	t.Run("Should reject duplicate seeds", func(t *testing.T) {
		cfg := &config.Config{
			StoreBackend: config.BackendMemory,
			SeedAPIKeys:  []config.SeedKey{{Key: "rsum_dev"}, {Key: "rsum_dev"}},
		}
		assert.Error(t, seedKeys(ctx, cfg, store.NewMemory(), logger.Discard()))
	})

	t.Run("Should leave persistent backends alone", func(t *testing.T) {
		st := store.NewMemory()
		cfg := &config.Config{
			StoreBackend: config.BackendPostgres,
			SeedAPIKeys:  []config.SeedKey{{Key: "rsum_dev"}},
		}
		require.NoError(t, seedKeys(ctx, cfg, st, logger.Discard()))
		keys, err := st.ListAPIKeys(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestWithStore(t *testing.T) {
	t.Run("Should refuse key administration on the memory backend", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("STORE_BACKEND", "memory")
		t.Setenv("LLM_PROVIDER", "")
		t.Setenv("DEFAULT_KEY_LIMIT", "")

		called := false
		err := withStore(func(context.Context, *config.Config, store.Store) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, errMemoryBackend)
		assert.False(t, called)
	})
}
