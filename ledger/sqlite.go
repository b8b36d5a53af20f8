package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline/genroute"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	ttl_ms     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_created ON cache_entries(created_at);

CREATE TABLE IF NOT EXISTS inflight (
	key        TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	payload    TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inflight_status  ON inflight(status);
CREATE INDEX IF NOT EXISTS idx_inflight_updated ON inflight(updated_at);

CREATE TABLE IF NOT EXISTS spend_latency (
	model            TEXT PRIMARY KEY,
	total_spend      REAL NOT NULL DEFAULT 0,
	total_latency_ms REAL NOT NULL DEFAULT 0,
	sample_count     INTEGER NOT NULL DEFAULT 0,
	failure_count    INTEGER NOT NULL DEFAULT 0
);
`

// checkpointInterval is how often WAL pages are folded back into the main
// database file.
const checkpointInterval = time.Minute

// SQLite is a Ledger on a single database file in WAL mode, shared by every
// process on the host. Elections and evictions rely on SQLite's own
// locking, so the at-most-one-executor guarantee holds across processes.
type SQLite struct {
	db        *sql.DB
	opts      options
	logger    *slog.Logger
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

var (
	_ genroute.Ledger = (*SQLite)(nil)
	_ genroute.Pruner = (*SQLite)(nil)
)

// NewSQLite opens (creating if needed) the ledger database at path.
func NewSQLite(path string, opts ...Option) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger: sqlite path cannot be empty")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	// Transactions take the write lock up front so a read-then-evict
	// transaction cannot fail upgrading a stale snapshot.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}

	// SQLite supports a single writer per database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: initialize schema: %w", err)
	}

	s := &SQLite{
		db:      db,
		opts:    o,
		logger:  o.logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.checkpointLoop()
	return s, nil
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLite) checkpointLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
				s.logger.Warn("wal checkpoint", "error", err)
			}
		}
	}
}

// GetCache returns the cached entry for key, or nil when absent or expired.
func (s *SQLite) GetCache(ctx context.Context, key string) (*genroute.CacheEntry, error) {
	var (
		payload   []byte
		createdMS int64
		ttlMS     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, created_at, ttl_ms FROM cache_entries WHERE key = ?`, key).
		Scan(&payload, &createdMS, &ttlMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read cache entry: %w", err)
	}

	entry := genroute.CacheEntry{
		Key:       key,
		CreatedAt: time.UnixMilli(createdMS),
		TTL:       time.Duration(ttlMS) * time.Millisecond,
	}
	if entry.Expired(time.Now()) {
		return nil, nil
	}

	if err := json.Unmarshal(payload, &entry.Result); err != nil {
		// Drop the row so the bad payload cannot shadow a future write.
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); delErr != nil {
			s.logger.Warn("delete corrupt cache entry", "key", key, "error", delErr)
		}
		return nil, &genroute.CacheCorruptionError{Key: key, Err: err}
	}
	return &entry, nil
}

// PutCache stores an entry, evicting oldest-created entries past capacity.
// Eviction and insert run in one write transaction so capacity holds under
// concurrent writers in other processes.
func (s *SQLite) PutCache(ctx context.Context, entry genroute.CacheEntry, maxEntries int) error {
	payload, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("ledger: encode cache entry: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin cache write: %w", err)
	}
	defer tx.Rollback()

	if maxEntries > 0 {
		var others int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cache_entries WHERE key != ?`, entry.Key).Scan(&others); err != nil {
			return fmt.Errorf("ledger: count cache entries: %w", err)
		}
		if excess := others - maxEntries + 1; excess > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE key IN (
					SELECT key FROM cache_entries WHERE key != ?
					ORDER BY created_at ASC, key ASC LIMIT ?)`,
				entry.Key, excess); err != nil {
				return fmt.Errorf("ledger: evict cache entries: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (key, payload, created_at, ttl_ms)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			ttl_ms = excluded.ttl_ms`,
		entry.Key, payload, createdAt.UnixMilli(), entry.TTL.Milliseconds()); err != nil {
		return fmt.Errorf("ledger: write cache entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit cache write: %w", err)
	}
	return nil
}

// BeginInflight claims execution of key. The insert wins for a fresh key;
// otherwise a single atomic update reclaims the record when the previous
// round is terminal or its executor has gone quiet past the stale
// threshold.
func (s *SQLite) BeginInflight(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inflight (key, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		key, string(genroute.InflightWaiting), now, now)
	if err != nil {
		return false, fmt.Errorf("ledger: begin inflight: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	staleBefore := time.Now().Add(-s.opts.staleAfter).UnixMilli()
	res, err = s.db.ExecContext(ctx,
		`UPDATE inflight
		 SET status = ?, payload = NULL, created_at = ?, updated_at = ?
		 WHERE key = ? AND (status != ? OR updated_at < ?)`,
		string(genroute.InflightWaiting), now, now,
		key, string(genroute.InflightWaiting), staleBefore)
	if err != nil {
		return false, fmt.Errorf("ledger: reclaim inflight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: reclaim inflight: %w", err)
	}
	return n > 0, nil
}

// WaitInflight polls the record for key until terminal or timeout.
func (s *SQLite) WaitInflight(ctx context.Context, key string, timeout time.Duration) (genroute.RoutedGeneration, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	last := genroute.InflightWaiting

	for {
		var (
			status  string
			payload sql.NullString
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT status, payload FROM inflight WHERE key = ?`, key).
			Scan(&status, &payload)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Swept between polls; keep waiting until the deadline.
		case err != nil:
			return genroute.RoutedGeneration{}, fmt.Errorf("ledger: poll inflight: %w", err)
		default:
			last = genroute.InflightStatus(status)
			switch last {
			case genroute.InflightCompleted:
				var result genroute.RoutedGeneration
				if err := json.Unmarshal([]byte(payload.String), &result); err != nil {
					return genroute.RoutedGeneration{}, fmt.Errorf("ledger: decode inflight result: %w", err)
				}
				return result, nil
			case genroute.InflightFailed:
				var failure genroute.InflightFailure
				if err := json.Unmarshal([]byte(payload.String), &failure); err != nil {
					return genroute.RoutedGeneration{}, fmt.Errorf("ledger: decode inflight failure: %w", err)
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
		interval := s.opts.pollInterval
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
func (s *SQLite) CompleteInflight(ctx context.Context, key string, result genroute.RoutedGeneration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ledger: encode inflight result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE inflight SET status = ?, payload = ?, updated_at = ? WHERE key = ?`,
		string(genroute.InflightCompleted), payload, time.Now().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("ledger: complete inflight: %w", err)
	}
	return nil
}

// FailInflight publishes the executor's failure for key.
func (s *SQLite) FailInflight(ctx context.Context, key string, cause error) error {
	payload, err := json.Marshal(genroute.NewInflightFailure(cause))
	if err != nil {
		return fmt.Errorf("ledger: encode inflight failure: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE inflight SET status = ?, payload = ?, updated_at = ? WHERE key = ?`,
		string(genroute.InflightFailed), payload, time.Now().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("ledger: fail inflight: %w", err)
	}
	return nil
}

// RecordSuccess folds one generation into the model's aggregates.
func (s *SQLite) RecordSuccess(ctx context.Context, model string, cost float64, latency time.Duration) error {
	latencyMS := float64(latency.Microseconds()) / 1000.0
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_latency (model, total_spend, total_latency_ms, sample_count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (model) DO UPDATE SET
			total_spend = total_spend + excluded.total_spend,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms,
			sample_count = sample_count + 1`,
		model, cost, latencyMS)
	if err != nil {
		return fmt.Errorf("ledger: record success: %w", err)
	}
	return nil
}

// RecordFailure counts a failed generation against the model.
func (s *SQLite) RecordFailure(ctx context.Context, model string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_latency (model, failure_count)
		 VALUES (?, 1)
		 ON CONFLICT (model) DO UPDATE SET failure_count = failure_count + 1`,
		model)
	if err != nil {
		return fmt.Errorf("ledger: record failure: %w", err)
	}
	return nil
}

// AllSpend returns cumulative spend per model across all processes.
func (s *SQLite) AllSpend(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model, total_spend FROM spend_latency`)
	if err != nil {
		return nil, fmt.Errorf("ledger: read spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			model string
			spend float64
		)
		if err := rows.Scan(&model, &spend); err != nil {
			return nil, fmt.Errorf("ledger: scan spend: %w", err)
		}
		out[model] = spend
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read spend: %w", err)
	}
	return out, nil
}

// AllLatency returns average recorded latency per model in milliseconds.
func (s *SQLite) AllLatency(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, total_latency_ms, sample_count FROM spend_latency WHERE sample_count > 0`)
	if err != nil {
		return nil, fmt.Errorf("ledger: read latency: %w", err)
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
			return nil, fmt.Errorf("ledger: scan latency: %w", err)
		}
		out[model] = totalMS / float64(samples)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read latency: %w", err)
	}
	return out, nil
}

// PruneCache deletes expired cache entries.
func (s *SQLite) PruneCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE ttl_ms > 0 AND created_at + ttl_ms < ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ledger: prune cache: %w", err)
	}
	return res.RowsAffected()
}

// PruneInflight deletes in-flight records not updated within olderThan.
func (s *SQLite) PruneInflight(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM inflight WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: prune inflight: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the checkpoint loop, truncates the WAL, and closes the file.
func (s *SQLite) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}
