package dupefilter

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the pool used for the shared seen-set.
type PostgresConfig struct {
	DSN             string
	Table           string
	Job             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore keeps fingerprints in a table keyed by (job, fingerprint) so
// several processes working the same job share one seen-set.
type PostgresStore struct {
	pool  pool
	table string
	job   string
}

// NewPostgresStore connects a pool from cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dupefilter.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresStoreWithPool(p, cfg.Table, cfg.Job)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool builds a store over an existing pool.
func NewPostgresStoreWithPool(p pool, table, job string) (*PostgresStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "request_fingerprints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if job == "" {
		job = "default"
	}
	return &PostgresStore{pool: p, table: table, job: job}, nil
}

// Load returns the fingerprints recorded for the store's job.
func (s *PostgresStore) Load(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT fingerprint FROM %s WHERE job = $1`, s.table)
	rows, err := s.pool.Query(ctx, query, s.job)
	if err != nil {
		return nil, fmt.Errorf("select fingerprints: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return out, nil
}

// Append inserts fp, ignoring rows another process already wrote.
func (s *PostgresStore) Append(ctx context.Context, fp string) error {
	query := fmt.Sprintf(`
INSERT INTO %s (job, fingerprint, seen_at)
VALUES ($1, $2, NOW())
ON CONFLICT (job, fingerprint) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.job, fp); err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
