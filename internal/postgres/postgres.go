// Package postgres is a store.Store backed by PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock pools satisfy
// it too.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db           DB
	close        func()
	defaultLimit int
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool against dsn and pings it.
func Connect(ctx context.Context, dsn string, defaultLimit int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s := New(pool, defaultLimit)
	s.close = pool.Close
	return s, nil
}

// New wraps an existing connection. Close is a no-op for stores built this
// way; the caller owns db.
func New(db DB, defaultLimit int) *Store {
	if defaultLimit <= 0 {
		defaultLimit = models.DefaultKeyLimit
	}
	return &Store{db: db, defaultLimit: defaultLimit}
}

func (s *Store) Close(context.Context) error {
	if s.close != nil {
		s.close()
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT,
	key          TEXT NOT NULL UNIQUE,
	usage        INTEGER NOT NULL DEFAULT 0 CHECK (usage >= 0),
	max_limit    INTEGER NOT NULL DEFAULT 0,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys (user_id);

CREATE TABLE IF NOT EXISTS demo_usage (
	email      TEXT PRIMARY KEY,
	demo_usage INTEGER NOT NULL DEFAULT 0 CHECK (demo_usage >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

const keyColumns = `id, user_id, name, description, key, usage, max_limit, is_active, created_at, last_used_at`

func scanKey(row interface{ Scan(dest ...any) error }) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(
		&k.ID,
		&k.OwnerID,
		&k.Name,
		&k.Description,
		&k.Key,
		&k.Usage,
		&k.MaxLimit,
		&k.IsActive,
		&k.CreatedAt,
		&k.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *Store) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	k, err := scanKey(s.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key = $1`, key))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get api key by key: %w", err)
	}
	return k, err
}

func (s *Store) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	k, err := scanKey(s.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, err
}

func (s *Store) IncrementAPIKeyUsage(ctx context.Context, id string, limit int) (int, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	query := `UPDATE api_keys
SET usage = usage + 1
WHERE id = $1 AND usage < CASE WHEN max_limit > 0 THEN max_limit ELSE $2 END
RETURNING usage`
	var usage int
	err := s.db.QueryRow(ctx, query, id, limit).Scan(&usage)
	if err == nil {
		return usage, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	// No row updated: either the key is gone or it is at its ceiling.
	err = s.db.QueryRow(ctx, `SELECT usage FROM api_keys WHERE id = $1`, id).Scan(&usage)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return usage, store.ErrLimitReached
}

func (s *Store) DecrementAPIKeyUsage(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET usage = usage - 1 WHERE id = $1 AND usage > 0`, id)
	if err != nil {
		return fmt.Errorf("failed to decrement usage: %w", err)
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "touch api key", `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
}

func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	query := `INSERT INTO api_keys (` + keyColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.Exec(ctx, query,
		k.ID,
		k.OwnerID,
		k.Name,
		k.Description,
		k.Key,
		k.Usage,
		k.MaxLimit,
		k.IsActive,
		k.CreatedAt,
		k.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	query := `SELECT ` + keyColumns + `
FROM api_keys
WHERE $1 = '' OR user_id = $1
ORDER BY created_at DESC`
	rows, err := s.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()
	keys := []*models.APIKey{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}
	return keys, nil
}

func (s *Store) UpdateAPIKey(ctx context.Context, k *models.APIKey) error {
	query := `UPDATE api_keys
SET name = $2, description = $3, is_active = $4, max_limit = $5
WHERE id = $1`
	return s.execOne(ctx, "update api key", query, k.ID, k.Name, k.Description, k.IsActive, k.MaxLimit)
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete api key", `DELETE FROM api_keys WHERE id = $1`, id)
}

func (s *Store) ResetAPIKeyUsage(ctx context.Context, id string) error {
	return s.execOne(ctx, "reset api key usage", `UPDATE api_keys SET usage = 0 WHERE id = $1`, id)
}

// execOne runs a statement that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetOrCreateDemoUsage(ctx context.Context, email string) (*models.DemoUsage, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `INSERT INTO demo_usage (email, demo_usage, updated_at)
VALUES ($1, 0, now())
ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
RETURNING email, demo_usage, updated_at`
	var d models.DemoUsage
	if err := s.db.QueryRow(ctx, query, email).Scan(&d.Email, &d.DemoUsage, &d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to load demo usage: %w", err)
	}
	return &d, nil
}

func (s *Store) IncrementDemoUsage(ctx context.Context, email string, limit int) (int, error) {
	query := `INSERT INTO demo_usage (email, demo_usage, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (email) DO UPDATE SET demo_usage = demo_usage.demo_usage + 1
WHERE demo_usage.demo_usage < $2
RETURNING demo_usage`
	var usage int
	err := s.db.QueryRow(ctx, query, email, limit).Scan(&usage)
	if err == nil {
		return usage, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to increment demo usage: %w", err)
	}
	if err := s.db.QueryRow(ctx, `SELECT demo_usage FROM demo_usage WHERE email = $1`, email).Scan(&usage); err != nil {
		return 0, fmt.Errorf("failed to read demo usage: %w", err)
	}
	return usage, store.ErrLimitReached
}

func (s *Store) DecrementDemoUsage(ctx context.Context, email string) error {
	_, err := s.db.Exec(ctx, `UPDATE demo_usage SET demo_usage = demo_usage - 1 WHERE email = $1 AND demo_usage > 0`, email)
	if err != nil {
		return fmt.Errorf("failed to decrement demo usage: %w", err)
	}
	return nil
}

func (s *Store) TouchDemoUsage(ctx context.Context, email string, at time.Time) error {
	return s.execOne(ctx, "touch demo usage", `UPDATE demo_usage SET updated_at = $2 WHERE email = $1`, email, at)
}
