package store

import (
	"context"
	"log/slog"

	"voiceforge/internal/models"
)

// Log writes events to a structured logger when no database is configured.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log.With("component", "journal")}
}

func (l *Log) Record(ctx context.Context, ev models.JobEvent) error {
	l.log.LogAttrs(ctx, slog.LevelInfo, "job event",
		slog.String("job_id", ev.JobID),
		slog.String("kind", string(ev.Kind)),
		slog.String("event", ev.Event),
		slog.String("detail", ev.Detail),
		slog.Time("recorded_at", ev.Recorded),
	)
	return nil
}
