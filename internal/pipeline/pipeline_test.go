package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kevinmichaelchen/repo-summarizer/internal/apierr"
	"github.com/kevinmichaelchen/repo-summarizer/internal/gate"
	"github.com/kevinmichaelchen/repo-summarizer/internal/llm"
	"github.com/kevinmichaelchen/repo-summarizer/internal/logger"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store/storetest"
	"github.com/kevinmichaelchen/repo-summarizer/internal/summary"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, owner, repo string) (*models.Repo, string, error) {
	args := m.Called(ctx, owner, repo)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*models.Repo), args.String(1), args.Error(2)
}

type modelFunc func(ctx context.Context, p llm.Prompt) (*models.SummaryResult, error)

func (f modelFunc) Summarize(ctx context.Context, p llm.Prompt) (*models.SummaryResult, error) {
	return f(ctx, p)
}

type fixture struct {
	store   *store.Memory
	fetcher *mockFetcher
	key     *models.APIKey
	p       *Pipeline
}

func newFixture(t *testing.T, model llm.Model) *fixture {
	t.Helper()
	s := store.NewMemory()
	k := storetest.NewKey("owner-1", 0, 10)
	require.NoError(t, s.CreateAPIKey(context.Background(), k))
	f := &mockFetcher{}
	log := logger.Discard()
	p := New(gate.New(s, 1000, log), f, summary.NewEngine(model, 0, log), log)
	return &fixture{store: s, fetcher: f, key: k, p: p}
}

func (f *fixture) usage(t *testing.T) int {
	t.Helper()
	k, err := f.store.GetAPIKey(context.Background(), f.key.ID)
	require.NoError(t, err)
	return k.Usage
}

func helloWorld() *models.Repo {
	desc := "My first repository on GitHub!"
	return &models.Repo{Owner: "octocat", Name: "Hello-World", FullName: "octocat/Hello-World", Description: &desc, Stars: 50}
}

func okModel(context.Context, llm.Prompt) (*models.SummaryResult, error) {
	return &models.SummaryResult{Summary: "Greets the world.", CoolFacts: models.StringList{"classic"}}, nil
}

func TestPipeline_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("Should summarize and commit one unit", func(t *testing.T) {
		f := newFixture(t, modelFunc(okModel))
		f.fetcher.On("Fetch", mock.Anything, "octocat", "Hello-World").Return(helloWorld(), "# Hello", nil)

		resp, err := f.p.Run(ctx, Request{
			Credentials: gate.Credentials{APIKey: f.key.Key},
			GitHubURL:   "https://github.com/octocat/Hello-World.git",
		})
		require.NoError(t, err)
		assert.Equal(t, "Greets the world.", resp.Summary)
		assert.Equal(t, summary.SourceModel, resp.Source)
		assert.Empty(t, resp.Warning)
		assert.Equal(t, 1, f.usage(t))
		f.fetcher.AssertExpectations(t)
	})

	t.Run("Should commit a fallback summary with a warning", func(t *testing.T) {
		f := newFixture(t, modelFunc(func(context.Context, llm.Prompt) (*models.SummaryResult, error) {
			return nil, errors.New("model down")
		}))
		f.fetcher.On("Fetch", mock.Anything, "octocat", "Hello-World").Return(helloWorld(), "", nil)

		resp, err := f.p.Run(ctx, Request{
			Credentials: gate.Credentials{APIKey: f.key.Key},
			GitHubURL:   "https://github.com/octocat/Hello-World",
		})
		require.NoError(t, err)
		assert.Equal(t, summary.SourceFallback, resp.Source)
		assert.Equal(t, summary.FallbackWarning, resp.Warning)
		assert.Equal(t, models.StringList{"My first repository on GitHub!"}, resp.CoolFacts)
		assert.Equal(t, 1, f.usage(t))
	})

	t.Run("Should refund the unit when the URL is malformed", func(t *testing.T) {
		f := newFixture(t, modelFunc(okModel))

		_, err := f.p.Run(ctx, Request{
			Credentials: gate.Credentials{APIKey: f.key.Key},
			GitHubURL:   "https://example.com/nope",
		})
		assert.Equal(t, apierr.MalformedRepositoryURL, apierr.KindOf(err))
		assert.Equal(t, 0, f.usage(t))
		f.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Should refund the unit when the fetch fails", func(t *testing.T) {
		f := newFixture(t, modelFunc(okModel))
		f.fetcher.On("Fetch", mock.Anything, "octocat", "missing").
			Return(nil, "", apierr.New(apierr.RepositoryNotFound, "Repository not found"))

		_, err := f.p.Run(ctx, Request{
			Credentials: gate.Credentials{APIKey: f.key.Key},
			GitHubURL:   "https://github.com/octocat/missing",
		})
		e := apierr.From(err)
		assert.Equal(t, http.StatusNotFound, e.Status)
		assert.Equal(t, 0, f.usage(t))
	})

	t.Run("Should reject before parsing when credentials are invalid", func(t *testing.T) {
		f := newFixture(t, modelFunc(okModel))

		_, err := f.p.Run(ctx, Request{
			Credentials: gate.Credentials{APIKey: "rsum_unknown"},
			GitHubURL:   "",
		})
		assert.Equal(t, apierr.InvalidCredential, apierr.KindOf(err))
	})
}

func TestPipeline_Summarize(t *testing.T) {
	f := newFixture(t, modelFunc(okModel))
	f.fetcher.On("Fetch", mock.Anything, "octocat", "Hello-World").Return(helloWorld(), "", nil)

	resp, err := f.p.Summarize(context.Background(), "https://github.com/octocat/Hello-World")
	require.NoError(t, err)
	assert.Equal(t, "Greets the world.", resp.Summary)
	assert.Equal(t, 0, f.usage(t))
}
