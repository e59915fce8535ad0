package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

// Memory is a process-local Store. Counters are guarded by a single mutex,
// so check-and-increment is atomic across goroutines.
type Memory struct {
	mu    sync.Mutex
	keys  map[string]*models.APIKey
	byKey map[string]string
	demo  map[string]*models.DemoUsage
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		keys:  make(map[string]*models.APIKey),
		byKey: make(map[string]string),
		demo:  make(map[string]*models.DemoUsage),
	}
}

func (m *Memory) InitSchema(context.Context) error { return nil }
func (m *Memory) Close(context.Context) error      { return nil }

func (m *Memory) GetAPIKeyByKey(_ context.Context, key string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(m.keys[id]), nil
}

func (m *Memory) IncrementAPIKeyUsage(_ context.Context, id string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return 0, ErrNotFound
	}
	if k.Usage >= k.Limit(limit) {
		return k.Usage, ErrLimitReached
	}
	k.Usage++
	return k.Usage, nil
}

func (m *Memory) DecrementAPIKeyUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.Usage > 0 {
		k.Usage--
	}
	return nil
}

func (m *Memory) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[k.ID]; exists {
		return fmt.Errorf("api key %s already exists", k.ID)
	}
	if _, exists := m.byKey[k.Key]; exists {
		return fmt.Errorf("api key value already issued")
	}
	m.keys[k.ID] = copyKey(k)
	m.byKey[k.Key] = k.ID
	return nil
}

func (m *Memory) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

func (m *Memory) ListAPIKeys(_ context.Context, ownerID string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []*models.APIKey{}
	for _, k := range m.keys {
		if ownerID == "" || k.OwnerID == ownerID {
			list = append(list, copyKey(k))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

// UpdateAPIKey replaces the descriptive fields, active flag and limit.
// Key material and usage are left untouched.
func (m *Memory) UpdateAPIKey(_ context.Context, k *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.keys[k.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = k.Name
	cur.Description = k.Description
	cur.IsActive = k.IsActive
	cur.MaxLimit = k.MaxLimit
	return nil
}

func (m *Memory) DeleteAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byKey, k.Key)
	delete(m.keys, id)
	return nil
}

func (m *Memory) ResetAPIKeyUsage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	k.Usage = 0
	return nil
}

func (m *Memory) GetOrCreateDemoUsage(_ context.Context, email string) (*models.DemoUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.demoRecord(email)
	out := *d
	return &out, nil
}

func (m *Memory) IncrementDemoUsage(_ context.Context, email string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.demoRecord(email)
	if d.DemoUsage >= limit {
		return d.DemoUsage, ErrLimitReached
	}
	d.DemoUsage++
	return d.DemoUsage, nil
}

func (m *Memory) DecrementDemoUsage(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demo[email]
	if !ok {
		return ErrNotFound
	}
	if d.DemoUsage > 0 {
		d.DemoUsage--
	}
	return nil
}

func (m *Memory) TouchDemoUsage(_ context.Context, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.demo[email]
	if !ok {
		return ErrNotFound
	}
	d.UpdatedAt = at
	return nil
}

// demoRecord must be called with m.mu held.
func (m *Memory) demoRecord(email string) *models.DemoUsage {
	d, ok := m.demo[email]
	if !ok {
		d = &models.DemoUsage{Email: email, UpdatedAt: time.Now().UTC()}
		m.demo[email] = d
	}
	return d
}

func copyKey(k *models.APIKey) *models.APIKey {
	out := *k
	if k.Description != nil {
		d := *k.Description
		out.Description = &d
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
