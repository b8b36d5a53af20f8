// Package postgres provides a PostgreSQL-backed Ledger for genroute.
//
// Cache entries, in-flight records, and spend aggregates live in PostgreSQL
// tables, with elections and evictions done transactionally. This makes it
// safe for multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/genroute"
)

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool         *pgxpool.Pool
	tablePrefix  string
	pollInterval time.Duration
	staleAfter   time.Duration
}

var (
	_ genroute.Ledger = (*Store)(nil)
	_ genroute.Pruner = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "genroute_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithPollInterval sets how often WaitInflight polls (default 25ms).
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStaleAfter sets how long a waiting record may go without updates
// before a new election may reclaim it (default 5m).
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:         pool,
		tablePrefix:  "genroute_",
		pollInterval: 25 * time.Millisecond,
		staleAfter:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) cacheTable() string    { return s.tablePrefix + "cache_entries" }
func (s *Store) inflightTable() string { return s.tablePrefix + "inflight" }
func (s *Store) spendTable() string    { return s.tablePrefix + "spend_latency" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key        TEXT PRIMARY KEY,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			ttl_ms     BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_created_idx ON %[1]s (created_at);

		CREATE TABLE IF NOT EXISTS %[2]s (
			key        TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			payload    JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_updated_idx ON %[2]s (updated_at);

		CREATE TABLE IF NOT EXISTS %[3]s (
			model            TEXT PRIMARY KEY,
			total_spend      DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			sample_count     BIGINT NOT NULL DEFAULT 0,
			failure_count    BIGINT NOT NULL DEFAULT 0
		);
	`, s.cacheTable(), s.inflightTable(), s.spendTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("genroute/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetCache returns the cached entry for key, or nil when absent or expired.
func (s *Store) GetCache(ctx context.Context, key string) (*genroute.CacheEntry, error) {
	var (
		payload   []byte
		createdAt time.Time
		ttlMS     int64
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT payload, created_at, ttl_ms FROM %s WHERE key = $1`, s.cacheTable()),
		key,
	).Scan(&payload, &createdAt, &ttlMS)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("genroute/postgres: read cache entry: %w", err)
	}

	entry := genroute.CacheEntry{
		Key:       key,
		CreatedAt: createdAt,
		TTL:       time.Duration(ttlMS) * time.Millisecond,
	}
	if entry.Expired(time.Now()) {
		return nil, nil
	}

	if err := json.Unmarshal(payload, &entry.Result); err != nil {
		_, _ = s.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.cacheTable()), key)
		return nil, &genroute.CacheCorruptionError{Key: key, Err: err}
	}
	return &entry, nil
}

// PutCache stores an entry, evicting oldest-created entries past capacity.
func (s *Store) PutCache(ctx context.Context, entry genroute.CacheEntry, maxEntries int) error {
	payload, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("genroute/postgres: encode cache entry: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("genroute/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if maxEntries > 0 {
		var others int
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE key != $1`, s.cacheTable()),
			entry.Key,
		).Scan(&others)
		if err != nil {
			return fmt.Errorf("genroute/postgres: count cache entries: %w", err)
		}
		if excess := others - maxEntries + 1; excess > 0 {
			_, err = tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %[1]s WHERE key IN (
					SELECT key FROM %[1]s WHERE key != $1
					ORDER BY created_at ASC, key ASC LIMIT $2)`, s.cacheTable()),
				entry.Key, excess,
			)
			if err != nil {
				return fmt.Errorf("genroute/postgres: evict cache entries: %w", err)
			}
		}
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, payload, created_at, ttl_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				payload = EXCLUDED.payload,
				created_at = EXCLUDED.created_at,
				ttl_ms = EXCLUDED.ttl_ms`, s.cacheTable()),
		entry.Key, payload, createdAt, entry.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("genroute/postgres: write cache entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("genroute/postgres: commit cache write: %w", err)
	}
	return nil
}

// BeginInflight claims execution of key. The insert wins for a fresh key;
// otherwise the record is reclaimed when terminal or stale.
func (s *Store) BeginInflight(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	var inserted bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, status, created_at, updated_at)
			VALUES ($1, $2, $3, $3) ON CONFLICT DO NOTHING RETURNING true`, s.inflightTable()),
		key, string(genroute.InflightWaiting), now,
	).Scan(&inserted)
	if err == nil {
		return true, nil
	}
	if err != pgx.ErrNoRows {
		return false, fmt.Errorf("genroute/postgres: begin inflight: %w", err)
	}

	var reclaimed bool
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, payload = NULL, created_at = $2, updated_at = $2
			WHERE key = $3 AND (status != $1 OR updated_at < $4)
			RETURNING true`, s.inflightTable()),
		string(genroute.InflightWaiting), now, key, now.Add(-s.staleAfter),
	).Scan(&reclaimed)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("genroute/postgres: reclaim inflight: %w", err)
	}
	return true, nil
}

// WaitInflight polls the record for key until terminal or timeout.
func (s *Store) WaitInflight(ctx context.Context, key string, timeout time.Duration) (genroute.RoutedGeneration, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	last := genroute.InflightWaiting

	for {
		var (
			status  string
			payload []byte
		)
		err := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT status, payload FROM %s WHERE key = $1`, s.inflightTable()),
			key,
		).Scan(&status, &payload)
		switch {
		case err == pgx.ErrNoRows:
			// Swept between polls; keep waiting until the deadline.
		case err != nil:
			return genroute.RoutedGeneration{}, fmt.Errorf("genroute/postgres: poll inflight: %w", err)
		default:
			last = genroute.InflightStatus(status)
			switch last {
			case genroute.InflightCompleted:
				var result genroute.RoutedGeneration
				if err := json.Unmarshal(payload, &result); err != nil {
					return genroute.RoutedGeneration{}, fmt.Errorf("genroute/postgres: decode inflight result: %w", err)
				}
				return result, nil
			case genroute.InflightFailed:
				var failure genroute.InflightFailure
				if err := json.Unmarshal(payload, &failure); err != nil {
					return genroute.RoutedGeneration{}, fmt.Errorf("genroute/postgres: decode inflight failure: %w", err)
				}
				return genroute.RoutedGeneration{}, failure.Err()
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return genroute.RoutedGeneration{}, &genroute.LedgerTimeoutError{
				Key:     key,
				Status:  last,
				Elapsed: time.Since(start),
			}
		}
		interval := s.pollInterval
		if remaining < interval {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return genroute.RoutedGeneration{}, &genroute.LedgerTimeoutError{
				Key:     key,
				Status:  last,
				Elapsed: time.Since(start),
				Err:     ctx.Err(),
			}
		case <-time.After(interval):
		}
	}
}

// CompleteInflight publishes the executor's result for key.
func (s *Store) CompleteInflight(ctx context.Context, key string, result genroute.RoutedGeneration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("genroute/postgres: encode inflight result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, payload = $2, updated_at = $3 WHERE key = $4`, s.inflightTable()),
		string(genroute.InflightCompleted), payload, time.Now(), key,
	)
	if err != nil {
		return fmt.Errorf("genroute/postgres: complete inflight: %w", err)
	}
	return nil
}

// FailInflight publishes the executor's failure for key.
func (s *Store) FailInflight(ctx context.Context, key string, cause error) error {
	payload, err := json.Marshal(genroute.NewInflightFailure(cause))
	if err != nil {
		return fmt.Errorf("genroute/postgres: encode inflight failure: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, payload = $2, updated_at = $3 WHERE key = $4`, s.inflightTable()),
		string(genroute.InflightFailed), payload, time.Now(), key,
	)
	if err != nil {
		return fmt.Errorf("genroute/postgres: fail inflight: %w", err)
	}
	return nil
}

// RecordSuccess folds one generation into the model's aggregates.
func (s *Store) RecordSuccess(ctx context.Context, model string, cost float64, latency time.Duration) error {
	latencyMS := float64(latency.Microseconds()) / 1000.0
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (model, total_spend, total_latency_ms, sample_count)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (model) DO UPDATE SET
				total_spend = %[1]s.total_spend + EXCLUDED.total_spend,
				total_latency_ms = %[1]s.total_latency_ms + EXCLUDED.total_latency_ms,
				sample_count = %[1]s.sample_count + 1`, s.spendTable()),
		model, cost, latencyMS,
	)
	if err != nil {
		return fmt.Errorf("genroute/postgres: record success: %w", err)
	}
	return nil
}

// RecordFailure counts a failed generation against the model.
func (s *Store) RecordFailure(ctx context.Context, model string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (model, failure_count) VALUES ($1, 1)
			ON CONFLICT (model) DO UPDATE SET failure_count = %[1]s.failure_count + 1`, s.spendTable()),
		model,
	)
	if err != nil {
		return fmt.Errorf("genroute/postgres: record failure: %w", err)
	}
	return nil
}

// AllSpend returns cumulative spend per model across all instances.
func (s *Store) AllSpend(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT model, total_spend FROM %s`, s.spendTable()))
	if err != nil {
		return nil, fmt.Errorf("genroute/postgres: read spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			model string
			spend float64
		)
		if err := rows.Scan(&model, &spend); err != nil {
			return nil, fmt.Errorf("genroute/postgres: scan spend: %w", err)
		}
		out[model] = spend
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("genroute/postgres: read spend: %w", err)
	}
	return out, nil
}

// AllLatency returns average recorded latency per model in milliseconds.
func (s *Store) AllLatency(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT model, total_latency_ms, sample_count FROM %s WHERE sample_count > 0`, s.spendTable()))
	if err != nil {
		return nil, fmt.Errorf("genroute/postgres: read latency: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			model   string
			totalMS float64
			samples int64
		)
		if err := rows.Scan(&model, &totalMS, &samples); err != nil {
			return nil, fmt.Errorf("genroute/postgres: scan latency: %w", err)
		}
		out[model] = totalMS / float64(samples)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("genroute/postgres: read latency: %w", err)
	}
	return out, nil
}

// PruneCache deletes expired cache entries.
func (s *Store) PruneCache(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE ttl_ms > 0
			AND created_at + ttl_ms * interval '1 millisecond' < $1`, s.cacheTable()),
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("genroute/postgres: prune cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneInflight deletes in-flight records not updated within olderThan.
func (s *Store) PruneInflight(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1`, s.inflightTable()),
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("genroute/postgres: prune inflight: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
