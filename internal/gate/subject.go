package gate

import (
	"context"
	"time"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

type SubjectKind string

const (
	SubjectAPIKey SubjectKind = "api_key"
	SubjectDemo   SubjectKind = "demo"
)

// Subject is anything that carries a bounded usage counter. API keys and
// demo identities both implement it so the admission logic is shared.
type Subject interface {
	Kind() SubjectKind
	// Ref identifies the subject in logs without exposing key material.
	Ref() string
	Usage() int
	Limit() int
	// Consume atomically reserves one unit, returning the new usage or
	// store.ErrLimitReached.
	Consume(ctx context.Context) (int, error)
	Refund(ctx context.Context) error
	Touch(ctx context.Context, at time.Time) error
}

type keySubject struct {
	store store.CredentialStore
	key   *models.APIKey
	limit int
}

func (s *keySubject) Kind() SubjectKind { return SubjectAPIKey }
func (s *keySubject) Ref() string       { return models.KeyPrefix(s.key.Key) }
func (s *keySubject) Usage() int        { return s.key.Usage }
func (s *keySubject) Limit() int        { return s.limit }

func (s *keySubject) Consume(ctx context.Context) (int, error) {
	return s.store.IncrementAPIKeyUsage(ctx, s.key.ID, s.limit)
}

func (s *keySubject) Refund(ctx context.Context) error {
	return s.store.DecrementAPIKeyUsage(ctx, s.key.ID)
}

func (s *keySubject) Touch(ctx context.Context, at time.Time) error {
	return s.store.TouchAPIKey(ctx, s.key.ID, at)
}

type demoSubject struct {
	store  store.DemoQuotaStore
	record *models.DemoUsage
}

func (s *demoSubject) Kind() SubjectKind { return SubjectDemo }
func (s *demoSubject) Ref() string       { return s.record.Email }
func (s *demoSubject) Usage() int        { return s.record.DemoUsage }
func (s *demoSubject) Limit() int        { return models.DemoLimit }

func (s *demoSubject) Consume(ctx context.Context) (int, error) {
	return s.store.IncrementDemoUsage(ctx, s.record.Email, models.DemoLimit)
}

func (s *demoSubject) Refund(ctx context.Context) error {
	return s.store.DecrementDemoUsage(ctx, s.record.Email)
}

func (s *demoSubject) Touch(ctx context.Context, at time.Time) error {
	return s.store.TouchDemoUsage(ctx, s.record.Email, at)
}
