// Package store persists call records and transcripts to Postgres. The
// bridge works without a database; when no DSN is configured the nop
// recorder is used instead.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder receives call lifecycle and transcript events. Implementations
// must tolerate being called from the relay's event loop, so failures are
// returned rather than retried.
type Recorder interface {
	StartCall(ctx context.Context, callID, callerNumber string, startedAt time.Time) error
	EndCall(ctx context.Context, callID, reason string, endedAt time.Time) error
	AppendUtterance(ctx context.Context, callID, role, transcript string, at time.Time) error
	Close()
}

// querier is the subset of pgxpool.Pool the recorder needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

type pgRecorder struct {
	db querier
}

// NewPG opens a pool against dsn and returns a Postgres-backed recorder.
func NewPG(ctx context.Context, dsn string) (Recorder, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &pgRecorder{db: pool}, nil
}

// newWithQuerier exists for tests.
func newWithQuerier(db querier) Recorder {
	return &pgRecorder{db: db}
}

func (r *pgRecorder) StartCall(ctx context.Context, callID, callerNumber string, startedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO calls (call_id, caller_number, started_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (call_id) DO NOTHING
    `, callID, nullableString(callerNumber), startedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (r *pgRecorder) EndCall(ctx context.Context, callID, reason string, endedAt time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE calls
        SET ended_at = $2, end_reason = $3
        WHERE call_id = $1 AND ended_at IS NULL
    `, callID, endedAt.UTC(), nullableString(reason))
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	return nil
}

func (r *pgRecorder) AppendUtterance(ctx context.Context, callID, role, transcript string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO utterances (call_id, role, transcript, spoken_at)
        VALUES ($1, $2, $3, $4)
    `, callID, role, transcript, at.UTC())
	if err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	return nil
}

func (r *pgRecorder) Close() {
	r.db.Close()
}

// NopRecorder discards everything. Used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) StartCall(context.Context, string, string, time.Time) error {
	return nil
}

func (NopRecorder) EndCall(context.Context, string, string, time.Time) error {
	return nil
}

func (NopRecorder) AppendUtterance(context.Context, string, string, string, time.Time) error {
	return nil
}

func (NopRecorder) Close() {}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
