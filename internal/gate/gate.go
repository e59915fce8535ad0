// Package gate admits or rejects summarization requests against per-key and
// per-demo-user quotas.
//
// Admission reserves one unit with the store's conditional increment, so two
// requests racing for the last unit cannot both pass. The returned Lease is
// then either committed (the request produced a summary) or released (the
// request failed after admission and the unit is refunded).
package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kevinmichaelchen/repo-summarizer/internal/apierr"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/session"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

const (
	msgInvalidKey    = "Invalid API key"
	msgInactiveKey   = "API key is inactive"
	msgRateLimited   = "Rate limit exceeded"
	msgDemoLimited   = "Demo limit reached"
	msgMisconfigured = "Server configuration error"
	msgStoreFailure  = "Internal server error"

	releaseTimeout = 5 * time.Second
)

type Credentials struct {
	APIKey string
	Demo   *session.Identity
}

type Gate struct {
	store        store.Store
	defaultLimit int
	log          *slog.Logger
	now          func() time.Time
}

func New(s store.Store, defaultLimit int, log *slog.Logger) *Gate {
	if defaultLimit <= 0 {
		defaultLimit = models.DefaultKeyLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		store:        s,
		defaultLimit: defaultLimit,
		log:          log.With("component", "gate"),
		now:          time.Now,
	}
}

// Admit resolves the caller's subject and reserves one unit of quota. An API
// key takes precedence over a demo identity.
func (g *Gate) Admit(ctx context.Context, c Credentials) (*Lease, error) {
	if g.store == nil {
		return nil, apierr.New(apierr.StoreUnavailable, msgMisconfigured)
	}

	sub, err := g.resolve(ctx, c)
	if err != nil {
		return nil, err
	}

	if sub.Usage() >= sub.Limit() {
		g.log.Info("quota exhausted", "kind", sub.Kind(), "ref", sub.Ref(), "usage", sub.Usage(), "limit", sub.Limit())
		return nil, apierr.Quota(quotaMessage(sub.Kind()), sub.Usage(), sub.Limit())
	}

	usage, err := sub.Consume(ctx)
	switch {
	case errors.Is(err, store.ErrLimitReached):
		g.log.Info("quota exhausted by concurrent request", "kind", sub.Kind(), "ref", sub.Ref())
		return nil, apierr.Quota(quotaMessage(sub.Kind()), usage, sub.Limit())
	case errors.Is(err, store.ErrNotFound):
		return nil, apierr.New(apierr.InvalidCredential, msgInvalidKey)
	case err != nil:
		return nil, apierr.Wrap(apierr.StoreUnavailable, msgStoreFailure, err)
	}

	g.log.Debug("admitted", "kind", sub.Kind(), "ref", sub.Ref(), "usage", usage, "limit", sub.Limit())
	return &Lease{
		subject: sub,
		usage:   usage,
		log:     g.log,
		now:     g.now,
	}, nil
}

func (g *Gate) resolve(ctx context.Context, c Credentials) (Subject, error) {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		k, err := g.store.GetAPIKeyByKey(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			g.log.Info("unknown api key", "ref", models.KeyPrefix(key))
			return nil, apierr.New(apierr.InvalidCredential, msgInvalidKey)
		}
		if err != nil {
			return nil, apierr.Wrap(apierr.StoreUnavailable, msgStoreFailure, err)
		}
		if !k.IsActive {
			return nil, apierr.New(apierr.CredentialInactive, msgInactiveKey)
		}
		return &keySubject{store: g.store, key: k, limit: k.Limit(g.defaultLimit)}, nil
	}

	if c.Demo != nil {
		rec, err := g.store.GetOrCreateDemoUsage(ctx, c.Demo.Email())
		if err != nil {
			return nil, apierr.Wrap(apierr.StoreUnavailable, msgStoreFailure, err)
		}
		return &demoSubject{store: g.store, record: rec}, nil
	}

	return nil, apierr.New(apierr.InvalidCredential, msgInvalidKey)
}

// Validate reports whether key is an existing, active credential without
// consuming any quota.
func (g *Gate) Validate(ctx context.Context, key string) (*models.APIKey, error) {
	if g.store == nil {
		return nil, apierr.New(apierr.StoreUnavailable, msgMisconfigured)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apierr.New(apierr.InvalidCredential, msgInvalidKey)
	}
	k, err := g.store.GetAPIKeyByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.InvalidCredential, msgInvalidKey)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreUnavailable, msgStoreFailure, err)
	}
	if !k.IsActive {
		return nil, apierr.New(apierr.InvalidCredential, msgInvalidKey)
	}
	return k, nil
}

func quotaMessage(k SubjectKind) string {
	if k == SubjectDemo {
		return msgDemoLimited
	}
	return msgRateLimited
}

// Lease is one reserved unit of quota. Exactly one of Commit or Release
// takes effect; later calls are no-ops.
type Lease struct {
	subject Subject
	usage   int
	once    sync.Once
	log     *slog.Logger
	now     func() time.Time
}

func (l *Lease) Kind() SubjectKind { return l.subject.Kind() }
func (l *Lease) Ref() string       { return l.subject.Ref() }

// Usage is the counter value after the reservation.
func (l *Lease) Usage() int { return l.usage }
func (l *Lease) Limit() int { return l.subject.Limit() }

// Commit keeps the reserved unit and records when it was used. Store
// failures are logged, not returned: the caller already has its summary.
func (l *Lease) Commit(ctx context.Context) {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.subject.Touch(ctx, l.now().UTC()); err != nil {
			l.log.Warn("recording usage time failed", "kind", l.Kind(), "ref", l.Ref(), "error", err)
		}
	})
}

// Release refunds the reserved unit. It runs detached from ctx's
// cancellation so an aborted request still gives its unit back.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.subject.Refund(ctx); err != nil {
			l.log.Warn("refunding usage failed", "kind", l.Kind(), "ref", l.Ref(), "error", err)
			return
		}
		l.log.Debug("released", "kind", l.Kind(), "ref", l.Ref())
	})
}
