package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory    = "memory"
	BackendSurrealDB = "surrealdb"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// SeedKey is an API key installed into the memory backend at startup.
type SeedKey struct {
	Key   string
	Limit int
}

type Config struct {
	Port         string
	StoreBackend string

	SurrealURL  string
	SurrealNS   string
	SurrealDB   string
	SurrealUser string
	SurrealPass string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GitHubToken   string
	GitHubBaseURL string
	GitHubTimeout time.Duration

	LLMProvider         string
	LLMBaseURL          string
	LLMAPIKey           string
	LLMModel            string
	LLMTimeout          time.Duration
	LLMStructuredOutput bool

	DefaultKeyLimit   int
	KeyPrefix         string
	DemoSessionSecret string
	SeedAPIKeys       []SeedKey

	CORSAllowedOrigins []string
	RateLimit          string

	LogLevel string
	LogJSON  bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         os.Getenv("PORT"),
		StoreBackend: strings.ToLower(os.Getenv("STORE_BACKEND")),

		SurrealURL:  os.Getenv("SURREAL_URL"),
		SurrealNS:   os.Getenv("SURREAL_NS"),
		SurrealDB:   os.Getenv("SURREAL_DB"),
		SurrealUser: os.Getenv("SURREAL_USER"),
		SurrealPass: os.Getenv("SURREAL_PASS"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		GitHubBaseURL: os.Getenv("GITHUB_BASE_URL"),

		LLMProvider: strings.ToLower(os.Getenv("LLM_PROVIDER")),
		LLMBaseURL:  os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:   os.Getenv("LLM_API_KEY"),
		LLMModel:    os.Getenv("LLM_MODEL"),

		KeyPrefix:         os.Getenv("KEY_PREFIX"),
		DemoSessionSecret: os.Getenv("DEMO_SESSION_SECRET"),

		RateLimit: os.Getenv("RATE_LIMIT"),
		LogLevel:  os.Getenv("LOG_LEVEL"),
	}

	// The SDK appends /rpc automatically
	cfg.SurrealURL = strings.TrimSuffix(cfg.SurrealURL, "/rpc")
	cfg.SurrealURL = strings.TrimSuffix(cfg.SurrealURL, "/")

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.DefaultKeyLimit, err = intEnv("DEFAULT_KEY_LIMIT", 1000); err != nil {
		return nil, err
	}
	if cfg.GitHubTimeout, err = durationEnv("GITHUB_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LLMTimeout, err = durationEnv("LLM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LLMStructuredOutput, err = boolEnv("LLM_STRUCTURED_OUTPUT", true); err != nil {
		return nil, err
	}
	if cfg.LogJSON, err = boolEnv("LOG_JSON", false); err != nil {
		return nil, err
	}

	if cfg.SeedAPIKeys, err = seedKeysEnv("SEED_API_KEYS"); err != nil {
		return nil, err
	}

	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = ProviderOpenAI
	}
	if cfg.LLMBaseURL == "" && cfg.LLMProvider == ProviderOpenAI {
		cfg.LLMBaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLMModel == "" {
		switch cfg.LLMProvider {
		case ProviderGemini:
			cfg.LLMModel = "gemini-1.5-flash"
		default:
			cfg.LLMModel = "gpt-4o-mini"
		}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rsum_"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendSurrealDB, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres backend")
	}
	if c.StoreBackend == BackendSurrealDB && c.SurrealURL == "" {
		return fmt.Errorf("SURREAL_URL is required for the surrealdb backend")
	}
	if c.DefaultKeyLimit <= 0 {
		return fmt.Errorf("DEFAULT_KEY_LIMIT must be positive, got %d", c.DefaultKeyLimit)
	}
	return nil
}

func intEnv(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return n, nil
}

func boolEnv(name string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", name, err)
	}
	return b, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return d, nil
}

// seedKeysEnv parses a comma-separated list of key[:limit] entries.
func seedKeysEnv(name string) ([]SeedKey, error) {
	var out []SeedKey
	for _, entry := range strings.Split(os.Getenv(name), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, limit, hasLimit := strings.Cut(entry, ":")
		sk := SeedKey{Key: strings.TrimSpace(key)}
		if sk.Key == "" {
			return nil, fmt.Errorf("parsing %s: empty key in %q", name, entry)
		}
		if hasLimit {
			n, err := strconv.Atoi(strings.TrimSpace(limit))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("parsing %s: bad limit in %q", name, entry)
			}
			sk.Limit = n
		}
		out = append(out, sk)
	}
	return out, nil
}
