package surrealdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sdk "github.com/surrealdb/surrealdb.go"

	"github.com/kevinmichaelchen/repo-summarizer/internal/config"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

// conflictRetries bounds how often a statement is re-run after SurrealDB
// reports a retryable transaction conflict.
const conflictRetries = 5

type Client struct {
	db           *sdk.DB
	defaultLimit int
}

var _ store.Store = (*Client)(nil)

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	db, err := sdk.FromEndpointURLString(ctx, cfg.SurrealURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, sdk.Auth{
		Namespace: cfg.SurrealNS,
		Database:  cfg.SurrealDB,
		Username:  cfg.SurrealUser,
		Password:  cfg.SurrealPass,
	}); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("signing in: %w", err)
	}

	if err := db.Use(ctx, cfg.SurrealNS, cfg.SurrealDB); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("selecting ns/db: %w", err)
	}

	return &Client{db: db, defaultLimit: cfg.DefaultKeyLimit}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.db.Close(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
DEFINE TABLE IF NOT EXISTS api_key SCHEMAFULL;

DEFINE FIELD IF NOT EXISTS user_id      ON TABLE api_key TYPE string;
DEFINE FIELD IF NOT EXISTS name         ON TABLE api_key TYPE string;
DEFINE FIELD IF NOT EXISTS description  ON TABLE api_key TYPE option<string>;
DEFINE FIELD IF NOT EXISTS key          ON TABLE api_key TYPE string;
DEFINE FIELD IF NOT EXISTS usage        ON TABLE api_key TYPE int DEFAULT 0 ASSERT $value >= 0;
DEFINE FIELD IF NOT EXISTS max_limit    ON TABLE api_key TYPE int DEFAULT 0;
DEFINE FIELD IF NOT EXISTS is_active    ON TABLE api_key TYPE bool DEFAULT true;
DEFINE FIELD IF NOT EXISTS created_at   ON TABLE api_key TYPE datetime DEFAULT time::now();
DEFINE FIELD IF NOT EXISTS last_used_at ON TABLE api_key TYPE option<datetime>;

DEFINE INDEX IF NOT EXISTS idx_api_key_key  ON TABLE api_key FIELDS key UNIQUE;
DEFINE INDEX IF NOT EXISTS idx_api_key_user ON TABLE api_key FIELDS user_id;

DEFINE TABLE IF NOT EXISTS demo_usage SCHEMAFULL;

DEFINE FIELD IF NOT EXISTS email      ON TABLE demo_usage TYPE string;
DEFINE FIELD IF NOT EXISTS demo_usage ON TABLE demo_usage TYPE int DEFAULT 0 ASSERT $value >= 0;
DEFINE FIELD IF NOT EXISTS updated_at ON TABLE demo_usage TYPE datetime DEFAULT time::now();

DEFINE INDEX IF NOT EXISTS idx_demo_usage_email ON TABLE demo_usage FIELDS email UNIQUE;
`
	_, err := sdk.Query[any](ctx, c.db, schema, nil)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Datetimes are projected as strings so rows decode without the SDK's
// custom CBOR datetime type.
const keyFields = `meta::id(id) AS id, user_id, name, description, key, usage, max_limit, is_active,
	<string> created_at AS created_at,
	IF last_used_at IS NOT NONE THEN <string> last_used_at END AS last_used_at`

const demoFields = `email, demo_usage, <string> updated_at AS updated_at`

type keyRow struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"user_id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Key         string  `json:"key"`
	Usage       int     `json:"usage"`
	MaxLimit    int     `json:"max_limit"`
	IsActive    bool    `json:"is_active"`
	CreatedAt   string  `json:"created_at"`
	LastUsedAt  *string `json:"last_used_at"`
}

func (r keyRow) toModel() (*models.APIKey, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("api key %s created_at: %w", r.ID, err)
	}
	k := &models.APIKey{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Description: r.Description,
		Key:         r.Key,
		Usage:       r.Usage,
		MaxLimit:    r.MaxLimit,
		IsActive:    r.IsActive,
		CreatedAt:   created,
	}
	if r.LastUsedAt != nil && *r.LastUsedAt != "" {
		at, err := parseTime(*r.LastUsedAt)
		if err != nil {
			return nil, fmt.Errorf("api key %s last_used_at: %w", r.ID, err)
		}
		k.LastUsedAt = &at
	}
	return k, nil
}

type demoRow struct {
	Email     string `json:"email"`
	DemoUsage int    `json:"demo_usage"`
	UpdatedAt string `json:"updated_at"`
}

func (r demoRow) toModel() (*models.DemoUsage, error) {
	at, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("demo usage %s updated_at: %w", r.Email, err)
	}
	return &models.DemoUsage{Email: r.Email, DemoUsage: r.DemoUsage, UpdatedAt: at}, nil
}

// parseTime accepts SurrealDB's string form of a datetime, which may be
// wrapped in the d'...' literal syntax.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimPrefix(s, "d")
	s = strings.Trim(s, `'"`)
	return time.Parse(time.RFC3339Nano, s)
}

// queryLast runs sql and returns the result set of its final statement.
func queryLast[T any](ctx context.Context, db *sdk.DB, sql string, vars map[string]any) (T, error) {
	var zero T
	var lastErr error
	for range conflictRetries {
		results, err := sdk.Query[T](ctx, db, sql, vars)
		if err != nil {
			if isConflict(err) {
				lastErr = err
				continue
			}
			return zero, err
		}
		if results == nil || len(*results) == 0 {
			return zero, nil
		}
		return (*results)[len(*results)-1].Result, nil
	}
	return zero, lastErr
}

func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can be retried") || strings.Contains(msg, "conflict")
}

func (c *Client) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	rows, err := queryLast[[]keyRow](ctx, c.db,
		`SELECT `+keyFields+` FROM api_key WHERE key = $key LIMIT 1`,
		map[string]any{"key": key})
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0].toModel()
}

func (c *Client) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	rows, err := queryLast[[]keyRow](ctx, c.db,
		`SELECT `+keyFields+` FROM type::thing("api_key", $id)`,
		map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("querying api key %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0].toModel()
}

func (c *Client) IncrementAPIKeyUsage(ctx context.Context, id string, limit int) (int, error) {
	if limit <= 0 {
		limit = c.defaultLimit
	}
	usage, err := queryLast[[]int](ctx, c.db,
		`UPDATE type::thing("api_key", $id) SET usage += 1
		WHERE usage < (IF max_limit > 0 THEN max_limit ELSE $default END)
		RETURN VALUE usage`,
		map[string]any{"id": id, "default": limit})
	if err != nil {
		return 0, fmt.Errorf("incrementing usage for %s: %w", id, err)
	}
	if len(usage) > 0 {
		return usage[0], nil
	}
	k, err := c.GetAPIKey(ctx, id)
	if err != nil {
		return 0, err
	}
	return k.Usage, store.ErrLimitReached
}

func (c *Client) DecrementAPIKeyUsage(ctx context.Context, id string) error {
	_, err := queryLast[[]int](ctx, c.db,
		`UPDATE type::thing("api_key", $id) SET usage -= 1 WHERE usage > 0 RETURN VALUE usage`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("decrementing usage for %s: %w", id, err)
	}
	return nil
}

func (c *Client) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return c.updateKey(ctx, id, `last_used_at = $at`, map[string]any{"at": at.UTC()})
}

func (c *Client) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	// Only non-nil optional fields are sent to avoid the
	// CBOR NULL vs SurrealDB NONE mismatch.
	data := map[string]any{
		"user_id":    k.OwnerID,
		"name":       k.Name,
		"key":        k.Key,
		"usage":      k.Usage,
		"max_limit":  k.MaxLimit,
		"is_active":  k.IsActive,
		"created_at": k.CreatedAt.UTC(),
	}
	if k.Description != nil {
		data["description"] = *k.Description
	}
	if k.LastUsedAt != nil {
		data["last_used_at"] = k.LastUsedAt.UTC()
	}
	_, err := queryLast[any](ctx, c.db,
		`CREATE type::thing("api_key", $id) CONTENT $data RETURN NONE`,
		map[string]any{"id": k.ID, "data": data})
	if err != nil {
		return fmt.Errorf("creating api key %s: %w", k.ID, err)
	}
	return nil
}

func (c *Client) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := queryLast[[]keyRow](ctx, c.db,
		`SELECT `+keyFields+` FROM api_key WHERE $owner = "" OR user_id = $owner`,
		map[string]any{"owner": ownerID})
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	out := make([]*models.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (c *Client) UpdateAPIKey(ctx context.Context, k *models.APIKey) error {
	vars := map[string]any{
		"name":      k.Name,
		"is_active": k.IsActive,
		"max_limit": k.MaxLimit,
	}
	set := `name = $name, is_active = $is_active, max_limit = $max_limit, `
	if k.Description != nil {
		set += `description = $description`
		vars["description"] = *k.Description
	} else {
		set += `description = NONE`
	}
	return c.updateKey(ctx, k.ID, set, vars)
}

func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	if _, err := c.GetAPIKey(ctx, id); err != nil {
		return err
	}
	_, err := queryLast[any](ctx, c.db,
		`DELETE type::thing("api_key", $id) RETURN NONE`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("deleting api key %s: %w", id, err)
	}
	return nil
}

func (c *Client) ResetAPIKeyUsage(ctx context.Context, id string) error {
	return c.updateKey(ctx, id, `usage = 0`, nil)
}

// updateKey applies set to an existing key and reports ErrNotFound when
// the record is missing.
func (c *Client) updateKey(ctx context.Context, id, set string, vars map[string]any) error {
	if vars == nil {
		vars = map[string]any{}
	}
	vars["id"] = id
	ids, err := queryLast[[]string](ctx, c.db,
		`UPDATE type::thing("api_key", $id) SET `+set+` RETURN VALUE meta::id(id)`, vars)
	if err != nil {
		return fmt.Errorf("updating api key %s: %w", id, err)
	}
	if len(ids) == 0 {
		return store.ErrNotFound
	}
	return nil
}

const ensureDemo = `UPSERT type::thing("demo_usage", $email) SET
	email = $email,
	demo_usage = demo_usage ?? 0,
	updated_at = updated_at ?? time::now()
RETURN NONE;
`

func (c *Client) GetOrCreateDemoUsage(ctx context.Context, email string) (*models.DemoUsage, error) {
	rows, err := queryLast[[]demoRow](ctx, c.db,
		ensureDemo+`SELECT `+demoFields+` FROM type::thing("demo_usage", $email);`,
		map[string]any{"email": email})
	if err != nil {
		return nil, fmt.Errorf("loading demo usage: %w", err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0].toModel()
}

func (c *Client) IncrementDemoUsage(ctx context.Context, email string, limit int) (int, error) {
	usage, err := queryLast[[]int](ctx, c.db,
		ensureDemo+`UPDATE type::thing("demo_usage", $email) SET demo_usage += 1
		WHERE demo_usage < $limit RETURN VALUE demo_usage;`,
		map[string]any{"email": email, "limit": limit})
	if err != nil {
		return 0, fmt.Errorf("incrementing demo usage: %w", err)
	}
	if len(usage) > 0 {
		return usage[0], nil
	}
	d, err := c.GetOrCreateDemoUsage(ctx, email)
	if err != nil {
		return 0, err
	}
	return d.DemoUsage, store.ErrLimitReached
}

func (c *Client) DecrementDemoUsage(ctx context.Context, email string) error {
	_, err := queryLast[[]int](ctx, c.db,
		`UPDATE type::thing("demo_usage", $email) SET demo_usage -= 1
		WHERE demo_usage > 0 RETURN VALUE demo_usage`,
		map[string]any{"email": email})
	if err != nil {
		return fmt.Errorf("decrementing demo usage: %w", err)
	}
	return nil
}

func (c *Client) TouchDemoUsage(ctx context.Context, email string, at time.Time) error {
	ids, err := queryLast[[]string](ctx, c.db,
		`UPDATE type::thing("demo_usage", $email) SET updated_at = $at RETURN VALUE email`,
		map[string]any{"email": email, "at": at.UTC()})
	if err != nil {
		return fmt.Errorf("touching demo usage: %w", err)
	}
	if len(ids) == 0 {
		return store.ErrNotFound
	}
	return nil
}
