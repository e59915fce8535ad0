package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/kevinmichaelchen/repo-summarizer/internal/config"
	"github.com/kevinmichaelchen/repo-summarizer/internal/gate"
	"github.com/kevinmichaelchen/repo-summarizer/internal/github"
	"github.com/kevinmichaelchen/repo-summarizer/internal/llm"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/pipeline"
	"github.com/kevinmichaelchen/repo-summarizer/internal/postgres"
	"github.com/kevinmichaelchen/repo-summarizer/internal/redis"
	"github.com/kevinmichaelchen/repo-summarizer/internal/server"
	"github.com/kevinmichaelchen/repo-summarizer/internal/session"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
	"github.com/kevinmichaelchen/repo-summarizer/internal/summary"
	"github.com/kevinmichaelchen/repo-summarizer/internal/surrealdb"
)

// openStore connects the configured backend. The returned limiter store is
// non-nil only when the backend can share its connection with the burst
// limiter.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, limiter.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil, nil
	case config.BackendSurrealDB:
		c, err := surrealdb.NewClient(ctx, cfg)
		return c, nil, err
	case config.BackendPostgres:
		s, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DefaultKeyLimit)
		return s, nil, err
	case config.BackendRedis:
		s, err := redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DefaultKeyLimit)
		if err != nil {
			return nil, nil, err
		}
		ls, err := sredis.NewStoreWithOptions(s.Client(), limiter.StoreOptions{Prefix: "rsum_limiter"})
		if err != nil {
			_ = s.Close(ctx)
			return nil, nil, fmt.Errorf("creating limiter store: %w", err)
		}
		return s, ls, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// newModel builds the configured LLM client. A missing API key yields a nil
// model, which makes every summary use the metadata fallback.
func newModel(ctx context.Context, cfg *config.Config) (llm.Model, func(), error) {
	noop := func() {}
	if cfg.LLMAPIKey == "" {
		return nil, noop, nil
	}
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		g, err := llm.NewGeminiClient(ctx, cfg.LLMAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, noop, err
		}
		return g, func() { _ = g.Close() }, nil
	default:
		return llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMStructuredOutput), noop, nil
	}
}

func newFetcher(cfg *config.Config, log *slog.Logger) *github.Client {
	opts := []github.Option{github.WithTimeout(cfg.GitHubTimeout), github.WithLogger(log)}
	if cfg.GitHubBaseURL != "" {
		opts = append(opts, github.WithBaseURL(cfg.GitHubBaseURL))
	}
	return github.NewClient(cfg.GitHubToken, opts...)
}

func newEngine(cfg *config.Config, model llm.Model, log *slog.Logger) *summary.Engine {
	return summary.NewEngine(model, cfg.LLMTimeout, log)
}

// seedKeys installs SEED_API_KEYS into the memory backend, which starts
// empty on every run. Persistent backends are managed with `keys create`.
func seedKeys(ctx context.Context, cfg *config.Config, st store.CredentialStore, log *slog.Logger) error {
	if len(cfg.SeedAPIKeys) == 0 {
		return nil
	}
	if cfg.StoreBackend != config.BackendMemory {
		log.Warn("SEED_API_KEYS is only applied to the memory backend", "backend", cfg.StoreBackend)
		return nil
	}
	now := time.Now().UTC().Truncate(time.Second)
	for i, sk := range cfg.SeedAPIKeys {
		k := &models.APIKey{
			ID:        uuid.NewString(),
			OwnerID:   "seed",
			Name:      fmt.Sprintf("seed-%d", i+1),
			Key:       sk.Key,
			MaxLimit:  sk.Limit,
			IsActive:  true,
			CreatedAt: now,
		}
		if err := st.CreateAPIKey(ctx, k); err != nil {
			return fmt.Errorf("seeding key %s: %w", models.KeyPrefix(sk.Key), err)
		}
	}
	log.Info("seeded memory store", "keys", len(cfg.SeedAPIKeys))
	return nil
}

// app is the wired server dependency graph.
type app struct {
	store        store.Store
	limiterStore limiter.Store
	gate         *gate.Gate
	pipeline     *pipeline.Pipeline
	log          *slog.Logger
	closeModel   func()
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	st, ls, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	model, closeModel, err := newModel(ctx, cfg)
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	if model == nil {
		log.Warn("LLM_API_KEY not set, summaries will use repository metadata only")
	}

	if err := seedKeys(ctx, cfg, st, log); err != nil {
		_ = st.Close(ctx)
		closeModel()
		return nil, err
	}

	g := gate.New(st, cfg.DefaultKeyLimit, log)
	return &app{
		store:        st,
		limiterStore: ls,
		gate:         g,
		pipeline:     pipeline.New(g, newFetcher(cfg, log), newEngine(cfg, model, log), log),
		log:          log,
		closeModel:   closeModel,
	}, nil
}

func (a *app) server(cfg *config.Config) (*server.Server, error) {
	return server.New(a.pipeline, a.gate, session.NewVerifier(cfg.DemoSessionSecret), a.log, server.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit:      cfg.RateLimit,
		LimiterStore:   a.limiterStore,
	})
}

func (a *app) Close() {
	a.closeModel()
	if err := a.store.Close(context.Background()); err != nil {
		a.log.Error("closing store", "err", err)
	}
}
