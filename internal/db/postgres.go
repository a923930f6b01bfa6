package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"power-watchdog/internal/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{Pool: pool}, nil
}

func (d *PostgresStore) Close() error {
	d.Pool.Close()
	return nil
}

func (d *PostgresStore) Ping(ctx context.Context) error {
	return d.Pool.Ping(ctx)
}

func (d *PostgresStore) Apply(ctx context.Context, m Mutation) (Applied, error) {
	if err := validateMutation(m); err != nil {
		return Applied{}, err
	}
	tx, err := d.Pool.Begin(ctx)
	if err != nil {
		return Applied{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var out Applied
	for _, e := range m.Events {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO power_events (kind, timestamp_ms, detail) VALUES ($1, $2, $3) RETURNING id`,
			string(e.Kind), e.Timestamp, e.Detail).Scan(&id)
		if err != nil {
			return Applied{}, fmt.Errorf("failed to append %s event: %w", e.Kind, err)
		}
		out.EventIDs = append(out.EventIDs, id)
	}

	if m.Close != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE power_sessions SET end_ms = $1, duration_sec = $2 WHERE id = $3 AND end_ms IS NULL`,
			m.Close.EndTimestamp, m.Close.DurationSeconds, m.Close.ID)
		if err != nil {
			return Applied{}, fmt.Errorf("failed to close session %d: %w", m.Close.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return Applied{}, fmt.Errorf("failed to close session %d: %w", m.Close.ID, ErrSessionNotOpen)
		}
	}

	if m.Open != nil {
		// Serializes concurrent openers across processes sharing the database.
		if _, err := tx.Exec(ctx, `LOCK TABLE power_sessions IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return Applied{}, fmt.Errorf("failed to lock sessions: %w", err)
		}
		var open int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM power_sessions WHERE end_ms IS NULL`).Scan(&open); err != nil {
			return Applied{}, fmt.Errorf("failed to count open sessions: %w", err)
		}
		if open > 0 {
			return Applied{}, ErrOpenSessionExists
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO power_sessions (start_ms) VALUES ($1) RETURNING id`,
			m.Open.StartTimestamp).Scan(&out.OpenedID)
		if err != nil {
			return Applied{}, fmt.Errorf("failed to open session: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Applied{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return out, nil
}

func (d *PostgresStore) ListEvents(ctx context.Context, limit int) ([]models.PowerEvent, error) {
	rows, err := d.Pool.Query(ctx,
		`SELECT id, kind, timestamp_ms, detail FROM power_events ORDER BY id DESC LIMIT $1`, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.PowerEvent{}
	for rows.Next() {
		var e models.PowerEvent
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Timestamp, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (d *PostgresStore) LastTransition(ctx context.Context) (*models.PowerEvent, error) {
	var e models.PowerEvent
	var kind string
	err := d.Pool.QueryRow(ctx,
		`SELECT id, kind, timestamp_ms, detail FROM power_events
		 WHERE kind IN ('CONNECTED', 'DISCONNECTED') ORDER BY id DESC LIMIT 1`).
		Scan(&e.ID, &kind, &e.Timestamp, &e.Detail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last transition: %w", err)
	}
	e.Kind = models.EventKind(kind)
	return &e, nil
}

func (d *PostgresStore) ClearEvents(ctx context.Context) (int64, error) {
	tag, err := d.Pool.Exec(ctx, `DELETE FROM power_events`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (d *PostgresStore) ListSessions(ctx context.Context, limit int) ([]models.PowerSession, error) {
	return d.querySessions(ctx,
		`SELECT id, start_ms, end_ms, duration_sec FROM power_sessions ORDER BY id DESC LIMIT $1`, pgLimit(limit))
}

func (d *PostgresStore) OpenSessions(ctx context.Context) ([]models.PowerSession, error) {
	return d.querySessions(ctx,
		`SELECT id, start_ms, end_ms, duration_sec FROM power_sessions WHERE end_ms IS NULL ORDER BY id`)
}

func (d *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]models.PowerSession, error) {
	rows, err := d.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.PowerSession{}
	for rows.Next() {
		var s models.PowerSession
		if err := rows.Scan(&s.ID, &s.StartTimestamp, &s.EndTimestamp, &s.DurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// pgLimit maps a non-positive limit to NULL, which Postgres treats as no limit.
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
