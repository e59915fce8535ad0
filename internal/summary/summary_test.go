package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kevinmichaelchen/repo-summarizer/internal/apierr"
	"github.com/kevinmichaelchen/repo-summarizer/internal/llm"
	"github.com/kevinmichaelchen/repo-summarizer/internal/logger"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
)

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Summarize(ctx context.Context, p llm.Prompt) (*models.SummaryResult, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SummaryResult), args.Error(1)
}

func strPtr(s string) *string { return &s }

func helloWorld() *models.Repo {
	return &models.Repo{
		Owner:       "octocat",
		Name:        "Hello-World",
		FullName:    "octocat/Hello-World",
		Description: strPtr("My First Repository"),
		Language:    strPtr("Go"),
		Topics:      []string{"a", "b", "c", "d"},
		Stars:       2500,
	}
}

func TestFallback(t *testing.T) {
	t.Run("Should describe a fully populated repository", func(t *testing.T) {
		r := Fallback(helloWorld())
		assert.Equal(t,
			"octocat/Hello-World is a Go project focused on my first repository. It aims to My First Repository by leveraging modern technology.",
			r.Summary)
		assert.Equal(t, models.StringList{
			"My First Repository",
			"Uses a, b, c technologies",
			"2500 stars on GitHub",
		}, r.CoolFacts)
	})

	t.Run("Should use generic wording for a bare repository", func(t *testing.T) {
		r := Fallback(&models.Repo{FullName: "a/b", Stars: 100})
		assert.Equal(t, "a/b is a software project. It aims to provide solutions by leveraging modern technology.", r.Summary)
		assert.NotNil(t, r.CoolFacts)
		assert.Empty(t, r.CoolFacts)
	})
}

func TestEngine_Summarize(t *testing.T) {
	repo := helloWorld()

	t.Run("Should return the model result", func(t *testing.T) {
		m := &mockModel{}
		m.On("Summarize", mock.Anything, llm.NewPrompt(repo, "# readme")).
			Return(&models.SummaryResult{Summary: "Greets.", CoolFacts: models.StringList{"x"}}, nil)
		e := NewEngine(m, time.Second, logger.Discard())

		out := e.Summarize(context.Background(), repo, "# readme")
		assert.Equal(t, SourceModel, out.Source)
		assert.Empty(t, out.Warning)
		assert.NoError(t, out.Err)
		assert.Equal(t, "Greets.", out.Result.Summary)
		m.AssertExpectations(t)
	})

	t.Run("Should fall back when the model fails", func(t *testing.T) {
		m := &mockModel{}
		m.On("Summarize", mock.Anything, mock.Anything).Return(nil, errors.New("503"))
		e := NewEngine(m, time.Second, logger.Discard())

		out := e.Summarize(context.Background(), repo, "")
		assert.Equal(t, SourceFallback, out.Source)
		assert.Equal(t, "AI generation failed, using fallback", out.Warning)
		assert.Equal(t, Fallback(repo), out.Result)
		assert.Equal(t, apierr.ModelInvocationFailed, apierr.KindOf(out.Err))
		assert.ErrorContains(t, out.Err, "503")
	})

	t.Run("Should fall back on an empty summary", func(t *testing.T) {
		m := &mockModel{}
		m.On("Summarize", mock.Anything, mock.Anything).Return(&models.SummaryResult{Summary: " "}, nil)
		out := NewEngine(m, 0, logger.Discard()).Summarize(context.Background(), repo, "")
		assert.Equal(t, SourceFallback, out.Source)
	})

	t.Run("Should fall back when no model is configured", func(t *testing.T) {
		out := NewEngine(nil, 0, logger.Discard()).Summarize(context.Background(), repo, "")
		assert.Equal(t, SourceFallback, out.Source)
	})

	t.Run("Should bound the model call with the timeout", func(t *testing.T) {
		m := &mockModel{}
		m.On("Summarize", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.DeadlineExceeded)
		e := NewEngine(m, 20*time.Millisecond, logger.Discard())

		out := e.Summarize(context.Background(), repo, "")
		assert.Equal(t, SourceFallback, out.Source)
	})

	t.Run("Should recover from a panicking model", func(t *testing.T) {
		m := &mockModel{}
		m.On("Summarize", mock.Anything, mock.Anything).Panic("boom")
		out := NewEngine(m, 0, logger.Discard()).Summarize(context.Background(), repo, "")
		require.NotNil(t, out.Result)
		assert.Equal(t, SourceFallback, out.Source)
	})
}
