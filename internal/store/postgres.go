// Package store journals job lifecycle events. The journal is append-only
// and never read back to rebuild in-memory state.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voiceforge/internal/models"
)

// Postgres appends events to the job_events table.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Record adds an event row.
func (s *Postgres) Record(ctx context.Context, ev models.JobEvent) error {
	if ev.Recorded.IsZero() {
		ev.Recorded = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, kind, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.JobID, string(ev.Kind), ev.Event, ev.Detail, ev.Recorded)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// Events returns the journal of a job in recording order.
func (s *Postgres) Events(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id::text, kind, event, detail, recorded_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY recorded_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobEvent, error) {
		var ev models.JobEvent
		var kind string
		err := row.Scan(&ev.JobID, &kind, &ev.Event, &ev.Detail, &ev.Recorded)
		ev.Kind = models.JobKind(kind)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan job events: %w", err)
	}
	return events, nil
}
