package sinks

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-downloader/internal/signals"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

// StoreSink collapses ResponseDownloaded events into per-slot counters and
// upserts them into Postgres, one row per (spider, slot, status class).
type StoreSink struct {
	db     execer
	table  string
	logger *zap.Logger
}

// NewStoreSink builds a sink writing to table (default "slot_stats").
func NewStoreSink(db execer, table string, logger *zap.Logger) (*StoreSink, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if table == "" {
		table = "slot_stats"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{db: db, table: table, logger: logger}, nil
}

type statsKey struct {
	spider      string
	slot        string
	statusClass signals.StatusClass
}

type statsDelta struct {
	responses int64
	bytes     int64
	at        time.Time
}

// Consume upserts one row per key present in batch.
func (s *StoreSink) Consume(ctx context.Context, batch []signals.Event) error {
	deltas := make(map[statsKey]*statsDelta)
	var order []statsKey
	for _, evt := range batch {
		if evt.Signal != signals.ResponseDownloaded || evt.Slot == "" {
			continue
		}
		key := statsKey{spider: evt.Spider, slot: evt.Slot, statusClass: evt.StatusClass}
		d := deltas[key]
		if d == nil {
			d = &statsDelta{}
			deltas[key] = d
			order = append(order, key)
		}
		d.responses++
		d.bytes += evt.Bytes
		if evt.TS.After(d.at) {
			d.at = evt.TS
		}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (spider, slot, status_class, responses, bytes, last_seen)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (spider, slot, status_class) DO UPDATE
SET responses = %[1]s.responses + EXCLUDED.responses,
    bytes = %[1]s.bytes + EXCLUDED.bytes,
    last_seen = GREATEST(%[1]s.last_seen, EXCLUDED.last_seen)`, s.table)
	for _, key := range order {
		d := deltas[key]
		if _, err := s.db.Exec(ctx, query, key.spider, key.slot, string(key.statusClass), d.responses, d.bytes, d.at); err != nil {
			return fmt.Errorf("upsert slot stats: %w", err)
		}
	}
	if len(order) > 0 {
		s.logger.Debug("slot stats persisted", zap.Int("rows", len(order)))
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
