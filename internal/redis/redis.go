// Package redis is a store.Store backed by Redis hashes. Counter updates run
// as Lua scripts so the ceiling check and increment happen in one step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

const (
	keyPrefix   = "apikey:"
	keyIndex    = "apikey:key:"
	ownerIndex  = "apikeys:owner:"
	allKeys     = "apikeys"
	demoPrefix  = "demo:"
	fieldUsage  = "usage"
	fieldDemo   = "demo_usage"
	fieldActive = "is_active"
)

// incrementScript returns {1, usage} on success, {0, usage} at the ceiling
// and {-1, 0} when the hash is missing.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local usage = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local limit = tonumber(redis.call('HGET', KEYS[1], 'max_limit') or '0')
if limit == nil or limit <= 0 then
	limit = tonumber(ARGV[2])
end
if usage >= limit then
	return {0, usage}
end
return {1, redis.call('HINCRBY', KEYS[1], ARGV[1], 1)}
`)

var decrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local usage = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if usage > 0 then
	return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
end
return 0
`)

type Store struct {
	rdb          redis.UniversalClient
	defaultLimit int
}

var _ store.Store = (*Store)(nil)

// Connect dials addr and pings it.
func Connect(ctx context.Context, addr, password string, db, defaultLimit int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return New(rdb, defaultLimit), nil
}

func New(rdb redis.UniversalClient, defaultLimit int) *Store {
	if defaultLimit <= 0 {
		defaultLimit = models.DefaultKeyLimit
	}
	return &Store{rdb: rdb, defaultLimit: defaultLimit}
}

// Client exposes the underlying connection so other components (the HTTP
// rate limiter) can share it.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// InitSchema is a no-op; hashes are created on write.
func (s *Store) InitSchema(context.Context) error { return nil }

func (s *Store) Close(context.Context) error { return s.rdb.Close() }

func (s *Store) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	id, err := s.rdb.Get(ctx, keyIndex+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving api key: %w", err)
	}
	return s.GetAPIKey(ctx, id)
}

func (s *Store) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	fields, err := s.rdb.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("loading api key %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeKey(fields)
}

func (s *Store) IncrementAPIKeyUsage(ctx context.Context, id string, limit int) (int, error) {
	if limit <= 0 {
		limit = s.defaultLimit
	}
	return runIncrement(ctx, s.rdb, keyPrefix+id, fieldUsage, limit)
}

func (s *Store) DecrementAPIKeyUsage(ctx context.Context, id string) error {
	return runDecrement(ctx, s.rdb, keyPrefix+id, fieldUsage)
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.setIfExists(ctx, keyPrefix+id, "last_used_at", formatTime(at))
}

func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	ok, err := s.rdb.SetNX(ctx, keyIndex+k.Key, k.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("indexing api key: %w", err)
	}
	if !ok {
		return fmt.Errorf("api key value already issued")
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyPrefix+k.ID, encodeKey(k))
		p.SAdd(ctx, allKeys, k.ID)
		p.SAdd(ctx, ownerIndex+k.OwnerID, k.ID)
		return nil
	})
	if err != nil {
		_ = s.rdb.Del(ctx, keyIndex+k.Key).Err()
		return fmt.Errorf("creating api key %s: %w", k.ID, err)
	}
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	set := allKeys
	if ownerID != "" {
		set = ownerIndex + ownerID
	}
	ids, err := s.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	keys := make([]*models.APIKey, 0, len(ids))
	for _, id := range ids {
		k, err := s.GetAPIKey(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *Store) UpdateAPIKey(ctx context.Context, k *models.APIKey) error {
	h := keyPrefix + k.ID
	n, err := s.rdb.Exists(ctx, h).Result()
	if err != nil {
		return fmt.Errorf("updating api key %s: %w", k.ID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, h,
			"name", k.Name,
			fieldActive, formatBool(k.IsActive),
			"max_limit", k.MaxLimit,
		)
		if k.Description != nil {
			p.HSet(ctx, h, "description", *k.Description)
		} else {
			p.HDel(ctx, h, "description")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating api key %s: %w", k.ID, err)
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	k, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keyPrefix+id, keyIndex+k.Key)
		p.SRem(ctx, allKeys, id)
		p.SRem(ctx, ownerIndex+k.OwnerID, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting api key %s: %w", id, err)
	}
	return nil
}

func (s *Store) ResetAPIKeyUsage(ctx context.Context, id string) error {
	return s.setIfExists(ctx, keyPrefix+id, fieldUsage, "0")
}

func (s *Store) GetOrCreateDemoUsage(ctx context.Context, email string) (*models.DemoUsage, error) {
	h := demoPrefix + email
	if err := s.ensureDemo(ctx, h); err != nil {
		return nil, err
	}
	fields, err := s.rdb.HGetAll(ctx, h).Result()
	if err != nil {
		return nil, fmt.Errorf("loading demo usage: %w", err)
	}
	usage, _ := strconv.Atoi(fields[fieldDemo])
	at, err := parseTime(fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("demo usage updated_at: %w", err)
	}
	return &models.DemoUsage{Email: email, DemoUsage: usage, UpdatedAt: at}, nil
}

func (s *Store) IncrementDemoUsage(ctx context.Context, email string, limit int) (int, error) {
	h := demoPrefix + email
	if err := s.ensureDemo(ctx, h); err != nil {
		return 0, err
	}
	// Demo hashes carry no max_limit, so the script falls back to limit.
	return runIncrement(ctx, s.rdb, h, fieldDemo, limit)
}

func (s *Store) DecrementDemoUsage(ctx context.Context, email string) error {
	return runDecrement(ctx, s.rdb, demoPrefix+email, fieldDemo)
}

func (s *Store) TouchDemoUsage(ctx context.Context, email string, at time.Time) error {
	return s.setIfExists(ctx, demoPrefix+email, "updated_at", formatTime(at))
}

func (s *Store) ensureDemo(ctx context.Context, h string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, h, fieldDemo, 0)
		p.HSetNX(ctx, h, "updated_at", formatTime(time.Now()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating demo usage: %w", err)
	}
	return nil
}

func (s *Store) setIfExists(ctx context.Context, h, field, value string) error {
	n, err := s.rdb.Exists(ctx, h).Result()
	if err != nil {
		return fmt.Errorf("checking %s: %w", h, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	if err := s.rdb.HSet(ctx, h, field, value).Err(); err != nil {
		return fmt.Errorf("setting %s on %s: %w", field, h, err)
	}
	return nil
}

func runIncrement(ctx context.Context, rdb redis.Scripter, h, field string, limit int) (int, error) {
	res, err := incrementScript.Run(ctx, rdb, []string{h}, field, limit).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", h, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("incrementing %s: unexpected reply %v", h, res)
	}
	switch res[0] {
	case -1:
		return 0, store.ErrNotFound
	case 0:
		return int(res[1]), store.ErrLimitReached
	default:
		return int(res[1]), nil
	}
}

func runDecrement(ctx context.Context, rdb redis.Scripter, h, field string) error {
	n, err := decrementScript.Run(ctx, rdb, []string{h}, field).Int64()
	if err != nil {
		return fmt.Errorf("decrementing %s: %w", h, err)
	}
	if n < 0 {
		return store.ErrNotFound
	}
	return nil
}

func encodeKey(k *models.APIKey) map[string]any {
	m := map[string]any{
		"id":         k.ID,
		"user_id":    k.OwnerID,
		"name":       k.Name,
		"key":        k.Key,
		fieldUsage:   k.Usage,
		"max_limit":  k.MaxLimit,
		fieldActive:  formatBool(k.IsActive),
		"created_at": formatTime(k.CreatedAt),
	}
	if k.Description != nil {
		m["description"] = *k.Description
	}
	if k.LastUsedAt != nil {
		m["last_used_at"] = formatTime(*k.LastUsedAt)
	}
	return m
}

func decodeKey(f map[string]string) (*models.APIKey, error) {
	usage, err := strconv.Atoi(f[fieldUsage])
	if err != nil {
		return nil, fmt.Errorf("api key usage: %w", err)
	}
	limit, err := strconv.Atoi(f["max_limit"])
	if err != nil {
		return nil, fmt.Errorf("api key max_limit: %w", err)
	}
	created, err := parseTime(f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("api key created_at: %w", err)
	}
	k := &models.APIKey{
		ID:        f["id"],
		OwnerID:   f["user_id"],
		Name:      f["name"],
		Key:       f["key"],
		Usage:     usage,
		MaxLimit:  limit,
		IsActive:  f[fieldActive] == "1",
		CreatedAt: created,
	}
	if d, ok := f["description"]; ok {
		k.Description = &d
	}
	if v, ok := f["last_used_at"]; ok && v != "" {
		at, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("api key last_used_at: %w", err)
		}
		k.LastUsedAt = &at
	}
	return k, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
