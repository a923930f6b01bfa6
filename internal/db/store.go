package db

import (
	"context"
	"errors"
	"fmt"

	"power-watchdog/internal/models"
)

var (
	// ErrSessionNotOpen is returned when closing a session that is absent or already closed.
	ErrSessionNotOpen = errors.New("session is not open")
	// ErrOpenSessionExists is returned when opening a session while another is still open.
	ErrOpenSessionExists = errors.New("an open session already exists")
)

// SessionClose closes one open session.
type SessionClose struct {
	ID              int64
	EndTimestamp    int64
	DurationSeconds int64
}

// Mutation is applied atomically: either every part commits or none does.
// Events are appended in slice order before the close and open steps run.
type Mutation struct {
	Events []models.PowerEvent
	Close  *SessionClose
	Open   *models.PowerSession
}

// Applied reports the ids assigned by a Mutation.
type Applied struct {
	EventIDs []int64
	OpenedID int64
}

// Store persists power events and sessions.
type Store interface {
	Apply(ctx context.Context, m Mutation) (Applied, error)
	ListEvents(ctx context.Context, limit int) ([]models.PowerEvent, error)
	LastTransition(ctx context.Context) (*models.PowerEvent, error)
	ClearEvents(ctx context.Context) (int64, error)
	ListSessions(ctx context.Context, limit int) ([]models.PowerSession, error)
	OpenSessions(ctx context.Context) ([]models.PowerSession, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

func validateMutation(m Mutation) error {
	for i, e := range m.Events {
		if e.Kind == "" {
			return fmt.Errorf("event %d: kind is required", i)
		}
	}
	if m.Close != nil && m.Close.DurationSeconds < 0 {
		return fmt.Errorf("session %d: negative duration %d", m.Close.ID, m.Close.DurationSeconds)
	}
	return nil
}
