package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestHeaderVerifier(t *testing.T) {
	t.Run("Should trust the demo header", func(t *testing.T) {
		id, err := HeaderVerifier{}.Verify(context.Background(), header(HeaderDemoUser, " demo@example.com "))
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, "demo@example.com", id.Email())
	})

	t.Run("Should return no identity without the header", func(t *testing.T) {
		id, err := HeaderVerifier{}.Verify(context.Background(), header())
		require.NoError(t, err)
		assert.Nil(t, id)
	})
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	ctx := context.Background()

	t.Run("Should accept a matching token", func(t *testing.T) {
		tok, err := v.Issue("demo@example.com", time.Hour)
		require.NoError(t, err)

		id, err := v.Verify(ctx, header(HeaderDemoUser, "demo@example.com", HeaderDemoSession, tok))
		require.NoError(t, err)
		assert.Equal(t, "demo@example.com", id.Email())
	})

	t.Run("Should reject a bare header", func(t *testing.T) {
		_, err := v.Verify(ctx, header(HeaderDemoUser, "demo@example.com"))
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("Should reject a token for another user", func(t *testing.T) {
		tok, err := v.Issue("other@example.com", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(ctx, header(HeaderDemoUser, "demo@example.com", HeaderDemoSession, tok))
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("Should reject a token signed with another secret", func(t *testing.T) {
		tok, err := NewJWTVerifier("other").Issue("demo@example.com", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(ctx, header(HeaderDemoUser, "demo@example.com", HeaderDemoSession, tok))
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("Should reject an expired token", func(t *testing.T) {
		tok, err := v.Issue("demo@example.com", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(ctx, header(HeaderDemoUser, "demo@example.com", HeaderDemoSession, tok))
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("Should return no identity when no demo headers are sent", func(t *testing.T) {
		id, err := v.Verify(ctx, header())
		require.NoError(t, err)
		assert.Nil(t, id)
	})
}

func TestNewVerifier(t *testing.T) {
	assert.IsType(t, HeaderVerifier{}, NewVerifier(""))
	assert.IsType(t, &JWTVerifier{}, NewVerifier("s"))
}
