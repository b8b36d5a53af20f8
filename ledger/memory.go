package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/genroute"
)

// Memory is an in-process Ledger. It honors the full contract, including
// polling waits and stale reclaim, but shares nothing across processes.
type Memory struct {
	mu       sync.Mutex
	cache    map[string]genroute.CacheEntry
	inflight map[string]*memRecord
	agg      map[string]*memAggregate
	opts     options
}

type memRecord struct {
	status    genroute.InflightStatus
	result    genroute.RoutedGeneration
	failure   *genroute.GenerationError
	updatedAt time.Time
}

type memAggregate struct {
	totalSpend     float64
	totalLatencyMS float64
	sampleCount    int64
	failureCount   int64
}

var (
	_ genroute.Ledger = (*Memory)(nil)
	_ genroute.Pruner = (*Memory)(nil)
)

// NewMemory creates an in-process ledger.
func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		cache:    make(map[string]genroute.CacheEntry),
		inflight: make(map[string]*memRecord),
		agg:      make(map[string]*memAggregate),
		opts:     o,
	}
}

// GetCache returns the cached entry for key, or nil when absent or expired.
func (m *Memory) GetCache(_ context.Context, key string) (*genroute.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[key]
	if !ok {
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		delete(m.cache, key)
		return nil, nil
	}
	out := entry
	return &out, nil
}

// PutCache stores an entry, evicting oldest-created entries past capacity.
func (m *Memory) PutCache(_ context.Context, entry genroute.CacheEntry, maxEntries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if maxEntries > 0 {
		_, replacing := m.cache[entry.Key]
		if !replacing && len(m.cache) >= maxEntries {
			m.evictOldest(len(m.cache) - maxEntries + 1)
		}
	}

	m.cache[entry.Key] = entry
	return nil
}

// evictOldest removes n entries in created_at order. Must hold mu.
func (m *Memory) evictOldest(n int) {
	type aged struct {
		key       string
		createdAt time.Time
	}
	entries := make([]aged, 0, len(m.cache))
	for k, e := range m.cache {
		entries = append(entries, aged{key: k, createdAt: e.CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].createdAt.Before(entries[j].createdAt)
		}
		return entries[i].key < entries[j].key
	})
	for i := 0; i < n && i < len(entries); i++ {
		delete(m.cache, entries[i].key)
	}
}

// BeginInflight claims execution of key. The caller is elected when no
// record exists, when the previous round is terminal, or when a waiting
// record has gone stale.
func (m *Memory) BeginInflight(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.inflight[key]
	if ok && rec.status == genroute.InflightWaiting && now.Sub(rec.updatedAt) < m.opts.staleAfter {
		return false, nil
	}

	m.inflight[key] = &memRecord{status: genroute.InflightWaiting, updatedAt: now}
	return true, nil
}

// WaitInflight polls the record for key until terminal or timeout.
func (m *Memory) WaitInflight(ctx context.Context, key string, timeout time.Duration) (genroute.RoutedGeneration, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	last := genroute.InflightWaiting

	for {
		m.mu.Lock()
		rec, ok := m.inflight[key]
		if ok {
			last = rec.status
			switch rec.status {
			case genroute.InflightCompleted:
				result := rec.result
				m.mu.Unlock()
				return result, nil
			case genroute.InflightFailed:
				failure := rec.failure
				m.mu.Unlock()
				return genroute.RoutedGeneration{}, failure
			}
		}
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return genroute.RoutedGeneration{}, &genroute.LedgerTimeoutError{
				Key:     key,
				Status:  last,
				Elapsed: time.Since(start),
			}
		}
		interval := m.opts.pollInterval
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
func (m *Memory) CompleteInflight(_ context.Context, key string, result genroute.RoutedGeneration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inflight[key] = &memRecord{
		status:    genroute.InflightCompleted,
		result:    result,
		updatedAt: time.Now(),
	}
	return nil
}

// FailInflight publishes the executor's failure for key.
func (m *Memory) FailInflight(_ context.Context, key string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inflight[key] = &memRecord{
		status:    genroute.InflightFailed,
		failure:   genroute.NewInflightFailure(cause).Err(),
		updatedAt: time.Now(),
	}
	return nil
}

// RecordSuccess folds one generation into the model's aggregates.
func (m *Memory) RecordSuccess(_ context.Context, model string, cost float64, latency time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := m.getOrCreateAgg(model)
	agg.totalSpend += cost
	agg.totalLatencyMS += float64(latency.Microseconds()) / 1000.0
	agg.sampleCount++
	return nil
}

// RecordFailure counts a failed generation against the model.
func (m *Memory) RecordFailure(_ context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateAgg(model).failureCount++
	return nil
}

// AllSpend returns cumulative spend per model.
func (m *Memory) AllSpend(_ context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.agg))
	for model, agg := range m.agg {
		out[model] = agg.totalSpend
	}
	return out, nil
}

// AllLatency returns average recorded latency per model in milliseconds.
func (m *Memory) AllLatency(_ context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.agg))
	for model, agg := range m.agg {
		if agg.sampleCount > 0 {
			out[model] = agg.totalLatencyMS / float64(agg.sampleCount)
		}
	}
	return out, nil
}

// PruneCache deletes expired cache entries.
func (m *Memory) PruneCache(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int64
	for key, entry := range m.cache {
		if entry.Expired(now) {
			delete(m.cache, key)
			removed++
		}
	}
	return removed, nil
}

// PruneInflight deletes in-flight records not updated within olderThan.
func (m *Memory) PruneInflight(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for key, rec := range m.inflight {
		if rec.updatedAt.Before(cutoff) {
			delete(m.inflight, key)
			removed++
		}
	}
	return removed, nil
}

// Close releases the store.
func (m *Memory) Close() error { return nil }

func (m *Memory) getOrCreateAgg(model string) *memAggregate {
	agg, ok := m.agg[model]
	if !ok {
		agg = &memAggregate{}
		m.agg[model] = agg
	}
	return agg
}
