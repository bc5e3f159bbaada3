package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

// --- Mocks ---

// fakeRow scans a fixed set of string values, or returns err.
type fakeRow struct {
	values []string
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan: column count mismatch")
	}
	for i, d := range dest {
		*(d.(*string)) = r.values[i]
	}
	return nil
}

type mockDB struct{ mock.Mock }

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}
func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ret := m.Called(sql, args)
	return ret.Get(0).(pgx.Row)
}

// --- Test Setup ---

func setup(t *testing.T) (*PostgresRepository, *mockDB) {
	t.Helper()
	db := new(mockDB)
	repo, err := NewPostgresRepository(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return repo, db
}

func TestNewPostgresRepository_NilPool(t *testing.T) {
	_, err := NewPostgresRepository(nil, slog.Default())
	assert.Error(t, err)
}

func TestGetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - found", func(t *testing.T) {
		repo, db := setup(t)
		db.On("QueryRow", selectSessionQuery, []any{"s-1"}).Return(fakeRow{values: []string{"s-1", "u-1", "d-1", "single"}}).Once()

		session, err := repo.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, &edge.Session{ID: "s-1", UserID: "u-1", DeviceID: "d-1", Policy: "single"}, session)
	})

	t.Run("Success - missing is nil without error", func(t *testing.T) {
		repo, db := setup(t)
		db.On("QueryRow", selectSessionQuery, []any{"s-2"}).Return(fakeRow{err: pgx.ErrNoRows}).Once()

		session, err := repo.GetSession(ctx, "s-2")
		require.NoError(t, err)
		assert.Nil(t, session)
	})

	t.Run("Failure - driver error is a storage error", func(t *testing.T) {
		repo, db := setup(t)
		driverErr := errors.New("dial tcp: connection refused")
		db.On("QueryRow", selectSessionQuery, []any{"s-3"}).Return(fakeRow{err: driverErr}).Once()

		session, err := repo.GetSession(ctx, "s-3")
		assert.Nil(t, session)
		assert.ErrorIs(t, err, edge.ErrStorage)
		assert.ErrorIs(t, err, driverErr)
	})
}

func TestFMRegistration(t *testing.T) {
	ctx := context.Background()
	fm := edge.FrontMachine{ID: "fm-1", IP: "10.0.0.1", Port: "9090"}

	t.Run("Success - set, get, delete", func(t *testing.T) {
		repo, db := setup(t)
		db.On("Exec", upsertFMQuery, []any{"fm-1", "10.0.0.1", "9090"}).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
		db.On("QueryRow", selectFMQuery, []any{"fm-1"}).Return(fakeRow{values: []string{"fm-1", "10.0.0.1", "9090"}}).Once()
		db.On("Exec", deleteFMQuery, []any{"fm-1"}).Return(pgconn.NewCommandTag("DELETE 1"), nil).Once()

		require.NoError(t, repo.SetFMRegistration(ctx, fm))
		got, err := repo.GetFMRegistration(ctx, "fm-1")
		require.NoError(t, err)
		assert.Equal(t, &fm, got)
		require.NoError(t, repo.DeleteFMRegistration(ctx, "fm-1"))
		db.AssertExpectations(t)
	})

	t.Run("Success - missing record", func(t *testing.T) {
		repo, db := setup(t)
		db.On("QueryRow", selectFMQuery, []any{"fm-9"}).Return(fakeRow{err: pgx.ErrNoRows}).Once()
		got, err := repo.GetFMRegistration(ctx, "fm-9")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Failure - write errors are storage errors", func(t *testing.T) {
		repo, db := setup(t)
		db.On("Exec", upsertFMQuery, mock.Anything).Return(pgconn.CommandTag{}, errors.New("read only transaction")).Once()
		db.On("Exec", deleteFMQuery, mock.Anything).Return(pgconn.CommandTag{}, errors.New("timeout")).Once()
		db.On("Exec", SchemaFMRegistration, mock.Anything).Return(pgconn.CommandTag{}, errors.New("permission denied")).Once()

		assert.ErrorIs(t, repo.SetFMRegistration(ctx, fm), edge.ErrStorage)
		assert.ErrorIs(t, repo.DeleteFMRegistration(ctx, "fm-1"), edge.ErrStorage)
		assert.ErrorIs(t, repo.EnsureSchema(ctx), edge.ErrStorage)
	})
}
