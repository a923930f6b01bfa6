package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"power-watchdog/internal/models"
)

type storeFactory func(t *testing.T) Store

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestSQLite)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		_, err = s.Pool.Exec(context.Background(), "TRUNCATE power_events, power_sessions RESTART IDENTITY")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("open and close session", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Apply(ctx, Mutation{
			Events: []models.PowerEvent{{Kind: models.KindConnected, Timestamp: 1000}},
			Open:   &models.PowerSession{StartTimestamp: 1000},
		})
		require.NoError(t, err)
		require.Len(t, res.EventIDs, 1)
		require.NotZero(t, res.OpenedID)

		open, err := s.OpenSessions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, int64(1000), open[0].StartTimestamp)
		assert.Nil(t, open[0].EndTimestamp)

		_, err = s.Apply(ctx, Mutation{
			Events: []models.PowerEvent{{Kind: models.KindDisconnected, Timestamp: 6000}},
			Close:  &SessionClose{ID: res.OpenedID, EndTimestamp: 6000, DurationSeconds: 5},
		})
		require.NoError(t, err)

		open, err = s.OpenSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		sessions, err := s.ListSessions(ctx, 0)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		require.NotNil(t, sessions[0].EndTimestamp)
		require.NotNil(t, sessions[0].DurationSeconds)
		assert.Equal(t, int64(6000), *sessions[0].EndTimestamp)
		assert.Equal(t, int64(5), *sessions[0].DurationSeconds)
	})

	t.Run("second open session rejected", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, Mutation{Open: &models.PowerSession{StartTimestamp: 1}})
		require.NoError(t, err)

		_, err = s.Apply(ctx, Mutation{
			Events: []models.PowerEvent{{Kind: models.KindConnected, Timestamp: 2}},
			Open:   &models.PowerSession{StartTimestamp: 2},
		})
		require.ErrorIs(t, err, ErrOpenSessionExists)

		// The rejected mutation left no event behind.
		events, err := s.ListEvents(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("close and reopen in one mutation", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Apply(ctx, Mutation{Open: &models.PowerSession{StartTimestamp: 1000}})
		require.NoError(t, err)
		second, err := s.Apply(ctx, Mutation{
			Close: &SessionClose{ID: first.OpenedID, EndTimestamp: 3000, DurationSeconds: 2},
			Open:  &models.PowerSession{StartTimestamp: 3000},
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.OpenedID, second.OpenedID)

		open, err := s.OpenSessions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, second.OpenedID, open[0].ID)
	})

	t.Run("closing a closed session fails atomically", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Apply(ctx, Mutation{Open: &models.PowerSession{StartTimestamp: 0}})
		require.NoError(t, err)
		_, err = s.Apply(ctx, Mutation{Close: &SessionClose{ID: res.OpenedID, EndTimestamp: 10, DurationSeconds: 0}})
		require.NoError(t, err)

		_, err = s.Apply(ctx, Mutation{
			Events: []models.PowerEvent{{Kind: models.KindDisconnected, Timestamp: 20}},
			Close:  &SessionClose{ID: res.OpenedID, EndTimestamp: 20, DurationSeconds: 0},
		})
		require.ErrorIs(t, err, ErrSessionNotOpen)

		events, err := s.ListEvents(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("events newest first with limit", func(t *testing.T) {
		s := newStore(t)
		kinds := []models.EventKind{models.KindConnected, models.KindInfo, models.KindDisconnected, models.KindError}
		for i, k := range kinds {
			_, err := s.Apply(ctx, Mutation{Events: []models.PowerEvent{{Kind: k, Timestamp: int64(i), Detail: "d"}}})
			require.NoError(t, err)
		}

		all, err := s.ListEvents(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, models.KindError, all[0].Kind)
		assert.Equal(t, models.KindConnected, all[3].Kind)
		assert.Greater(t, all[0].ID, all[1].ID)

		two, err := s.ListEvents(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, two, 2)

		last, err := s.LastTransition(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, models.KindDisconnected, last.Kind)
	})

	t.Run("clear events", func(t *testing.T) {
		s := newStore(t)
		last, err := s.LastTransition(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)

		_, err = s.Apply(ctx, Mutation{Events: []models.PowerEvent{
			{Kind: models.KindConnected, Timestamp: 1},
			{Kind: models.KindDisconnected, Timestamp: 2},
		}})
		require.NoError(t, err)

		n, err := s.ClearEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		events, err := s.ListEvents(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("invalid mutation rejected", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Apply(ctx, Mutation{Events: []models.PowerEvent{{Timestamp: 1}}})
		require.Error(t, err)
		_, err = s.Apply(ctx, Mutation{Close: &SessionClose{ID: 1, DurationSeconds: -1}})
		require.Error(t, err)
	})
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.Apply(ctx, Mutation{
		Events: []models.PowerEvent{{Kind: models.KindConnected, Timestamp: 42}},
		Open:   &models.PowerSession{StartTimestamp: 42},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	open, err := s.OpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(42), open[0].StartTimestamp)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "bolt", "")
	require.Error(t, err)

	s, err := Open(context.Background(), "memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
