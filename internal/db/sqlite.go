package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure Go driver

	"power-watchdog/internal/models"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
// and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Apply runs the mutation in a single transaction.
func (s *SQLiteStore) Apply(ctx context.Context, m Mutation) (Applied, error) {
	if err := validateMutation(m); err != nil {
		return Applied{}, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Applied{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var out Applied
	for _, e := range m.Events {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO power_events (kind, timestamp_ms, detail) VALUES (?, ?, ?)",
			string(e.Kind), e.Timestamp, e.Detail)
		if err != nil {
			return Applied{}, fmt.Errorf("appending %s event: %w", e.Kind, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Applied{}, fmt.Errorf("reading event id: %w", err)
		}
		out.EventIDs = append(out.EventIDs, id)
	}

	if m.Close != nil {
		res, err := tx.ExecContext(ctx,
			"UPDATE power_sessions SET end_ms = ?, duration_sec = ? WHERE id = ? AND end_ms IS NULL",
			m.Close.EndTimestamp, m.Close.DurationSeconds, m.Close.ID)
		if err != nil {
			return Applied{}, fmt.Errorf("closing session %d: %w", m.Close.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Applied{}, fmt.Errorf("closing session %d: %w", m.Close.ID, err)
		} else if n == 0 {
			return Applied{}, fmt.Errorf("closing session %d: %w", m.Close.ID, ErrSessionNotOpen)
		}
	}

	if m.Open != nil {
		var open int
		if err := tx.GetContext(ctx, &open, "SELECT COUNT(*) FROM power_sessions WHERE end_ms IS NULL"); err != nil {
			return Applied{}, fmt.Errorf("counting open sessions: %w", err)
		}
		if open > 0 {
			return Applied{}, ErrOpenSessionExists
		}
		res, err := tx.ExecContext(ctx, "INSERT INTO power_sessions (start_ms) VALUES (?)", m.Open.StartTimestamp)
		if err != nil {
			return Applied{}, fmt.Errorf("opening session: %w", err)
		}
		if out.OpenedID, err = res.LastInsertId(); err != nil {
			return Applied{}, fmt.Errorf("reading session id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Applied{}, fmt.Errorf("committing transaction: %w", err)
	}
	return out, nil
}

// ListEvents returns events newest first. A non-positive limit returns all.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]models.PowerEvent, error) {
	query := "SELECT id, kind, timestamp_ms, detail FROM power_events ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	events := []models.PowerEvent{}
	if err := s.db.SelectContext(ctx, &events, query); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) LastTransition(ctx context.Context) (*models.PowerEvent, error) {
	var e models.PowerEvent
	err := s.db.GetContext(ctx, &e,
		"SELECT id, kind, timestamp_ms, detail FROM power_events WHERE kind IN ('CONNECTED', 'DISCONNECTED') ORDER BY id DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last transition: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) ClearEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM power_events")
	if err != nil {
		return 0, fmt.Errorf("clearing events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]models.PowerSession, error) {
	query := "SELECT id, start_ms, end_ms, duration_sec FROM power_sessions ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	sessions := []models.PowerSession{}
	if err := s.db.SelectContext(ctx, &sessions, query); err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) OpenSessions(ctx context.Context) ([]models.PowerSession, error) {
	var sessions []models.PowerSession
	err := s.db.SelectContext(ctx, &sessions,
		"SELECT id, start_ms, end_ms, duration_sec FROM power_sessions WHERE end_ms IS NULL ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying open sessions: %w", err)
	}
	return sessions, nil
}
