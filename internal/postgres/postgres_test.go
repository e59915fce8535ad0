package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

var keyCols = []string{"id", "user_id", "name", "description", "key", "usage", "max_limit", "is_active", "created_at", "last_used_at"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, New(mock, 1000)
}

func TestStore_GetAPIKeyByKey(t *testing.T) {
	t.Run("Should scan the key row", func(t *testing.T) {
		mock, s := newMock(t)
		now := time.Now()
		var nilTime *time.Time
		var nilString *string
		rows := mock.NewRows(keyCols).
			AddRow("id-1", "owner-1", "Default", nilString, "rsum_abc", 3, 10, true, now, nilTime)
		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key = \\$1").
			WithArgs("rsum_abc").
			WillReturnRows(rows)

		k, err := s.GetAPIKeyByKey(context.Background(), "rsum_abc")
		require.NoError(t, err)
		assert.Equal(t, "id-1", k.ID)
		assert.Equal(t, "owner-1", k.OwnerID)
		assert.Equal(t, 3, k.Usage)
		assert.Equal(t, 10, k.MaxLimit)
		assert.True(t, k.IsActive)
		assert.Nil(t, k.LastUsedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should map no rows to ErrNotFound", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key = \\$1").
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		k, err := s.GetAPIKeyByKey(context.Background(), "missing")
		assert.Nil(t, k)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should wrap driver errors", func(t *testing.T) {
		mock, s := newMock(t)
		boom := errors.New("connection reset")
		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key = \\$1").
			WithArgs("k").
			WillReturnError(boom)

		_, err := s.GetAPIKeyByKey(context.Background(), "k")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, store.ErrNotFound)
	})
}

func TestStore_IncrementAPIKeyUsage(t *testing.T) {
	t.Run("Should return the new usage", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery("SET usage = usage \\+ 1").
			WithArgs("id-1", 1000).
			WillReturnRows(mock.NewRows([]string{"usage"}).AddRow(5))

		usage, err := s.IncrementAPIKeyUsage(context.Background(), "id-1", 0)
		require.NoError(t, err)
		assert.Equal(t, 5, usage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report the ceiling when no row was updated", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery("SET usage = usage \\+ 1").
			WithArgs("id-1", 1000).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT usage FROM api_keys WHERE id = \\$1").
			WithArgs("id-1").
			WillReturnRows(mock.NewRows([]string{"usage"}).AddRow(10))

		usage, err := s.IncrementAPIKeyUsage(context.Background(), "id-1", 1000)
		assert.ErrorIs(t, err, store.ErrLimitReached)
		assert.Equal(t, 10, usage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should report missing keys", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery("SET usage = usage \\+ 1").
			WithArgs("gone", 1000).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT usage FROM api_keys WHERE id = \\$1").
			WithArgs("gone").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.IncrementAPIKeyUsage(context.Background(), "gone", 1000)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_DecrementAPIKeyUsage(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectExec("SET usage = usage - 1 WHERE id = \\$1 AND usage > 0").
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.DecrementAPIKeyUsage(context.Background(), "id-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateAPIKey(t *testing.T) {
	mock, s := newMock(t)
	desc := "ci"
	k := &models.APIKey{
		ID:          "id-1",
		OwnerID:     "owner-1",
		Name:        "Default",
		Description: &desc,
		Key:         "rsum_abc",
		MaxLimit:    1000,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	mock.ExpectExec("INSERT INTO api_keys").
		WithArgs(k.ID, k.OwnerID, k.Name, k.Description, k.Key, k.Usage, k.MaxLimit, k.IsActive, k.CreatedAt, k.LastUsedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateAPIKey(context.Background(), k))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateAndDelete(t *testing.T) {
	t.Run("Should update descriptive fields", func(t *testing.T) {
		mock, s := newMock(t)
		k := &models.APIKey{ID: "id-1", Name: "renamed", IsActive: false, MaxLimit: 50}
		mock.ExpectExec("UPDATE api_keys").
			WithArgs(k.ID, k.Name, k.Description, k.IsActive, k.MaxLimit).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateAPIKey(context.Background(), k))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should return ErrNotFound when nothing was deleted", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec("DELETE FROM api_keys WHERE id = \\$1").
			WithArgs("gone").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))

		assert.ErrorIs(t, s.DeleteAPIKey(context.Background(), "gone"), store.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should reset usage", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectExec("SET usage = 0 WHERE id = \\$1").
			WithArgs("id-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.ResetAPIKeyUsage(context.Background(), "id-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ListAPIKeys(t *testing.T) {
	mock, s := newMock(t)
	now := time.Now()
	var nilTime *time.Time
	var nilString *string
	rows := mock.NewRows(keyCols).
		AddRow("id-2", "owner-1", "Second", nilString, "rsum_2", 0, 0, true, now, nilTime).
		AddRow("id-1", "owner-1", "First", nilString, "rsum_1", 4, 10, false, now.Add(-time.Hour), &now)
	mock.ExpectQuery("SELECT (.+) FROM api_keys").
		WithArgs("owner-1").
		WillReturnRows(rows)

	keys, err := s.ListAPIKeys(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "id-2", keys[0].ID)
	require.NotNil(t, keys[1].LastUsedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DemoUsage(t *testing.T) {
	t.Run("Should upsert on read", func(t *testing.T) {
		mock, s := newMock(t)
		now := time.Now()
		mock.ExpectQuery("INSERT INTO demo_usage").
			WithArgs("demo@example.com").
			WillReturnRows(mock.NewRows([]string{"email", "demo_usage", "updated_at"}).AddRow("demo@example.com", 0, now))

		d, err := s.GetOrCreateDemoUsage(context.Background(), "demo@example.com")
		require.NoError(t, err)
		assert.Equal(t, 0, d.DemoUsage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should increment under the ceiling", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery("ON CONFLICT \\(email\\) DO UPDATE SET demo_usage = demo_usage.demo_usage \\+ 1").
			WithArgs("demo@example.com", models.DemoLimit).
			WillReturnRows(mock.NewRows([]string{"demo_usage"}).AddRow(3))

		usage, err := s.IncrementDemoUsage(context.Background(), "demo@example.com", models.DemoLimit)
		require.NoError(t, err)
		assert.Equal(t, 3, usage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should refuse at the ceiling", func(t *testing.T) {
		mock, s := newMock(t)
		mock.ExpectQuery("INSERT INTO demo_usage").
			WithArgs("demo@example.com", models.DemoLimit).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT demo_usage FROM demo_usage WHERE email = \\$1").
			WithArgs("demo@example.com").
			WillReturnRows(mock.NewRows([]string{"demo_usage"}).AddRow(models.DemoLimit))

		usage, err := s.IncrementDemoUsage(context.Background(), "demo@example.com", models.DemoLimit)
		assert.ErrorIs(t, err, store.ErrLimitReached)
		assert.Equal(t, models.DemoLimit, usage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should touch the record", func(t *testing.T) {
		mock, s := newMock(t)
		at := time.Now()
		mock.ExpectExec("UPDATE demo_usage SET updated_at = \\$2 WHERE email = \\$1").
			WithArgs("demo@example.com", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.TouchDemoUsage(context.Background(), "demo@example.com", at))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_InitSchema(t *testing.T) {
	mock, s := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS api_keys").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// statementsOnly has no transaction support, like a bare pgx.Conn wrapper.
type statementsOnly struct {
	mock pgxmock.PgxPoolIface
}

func (s statementsOnly) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.mock.Exec(ctx, sql, args...)
}

func (s statementsOnly) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.mock.Query(ctx, sql, args...)
}

func (s statementsOnly) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.mock.QueryRow(ctx, sql, args...)
}

func TestNew_StatementsOnlyDB(t *testing.T) {
	t.Run("Should run against a DB without transactions", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		t.Cleanup(mock.Close)
		s := New(statementsOnly{mock}, 1000)

		mock.ExpectExec("SET usage = 0 WHERE id = \\$1").
			WithArgs("id-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		require.NoError(t, s.ResetAPIKeyUsage(context.Background(), "id-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
