package genroute

import (
	"context"
	"errors"
	"time"
)

// InflightStatus is the lifecycle state of an in-flight generation record.
type InflightStatus string

const (
	InflightWaiting   InflightStatus = "waiting"
	InflightCompleted InflightStatus = "completed"
	InflightFailed    InflightStatus = "failed"
)

// CacheEntry is a cached generation result.
type CacheEntry struct {
	Key       string
	Result    RoutedGeneration
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is past its TTL at the given time.
// A zero TTL never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// InflightRecord is a point-in-time view of an in-flight generation.
type InflightRecord struct {
	Key       string
	Status    InflightStatus
	Result    *RoutedGeneration
	Failure   *GenerationError
	UpdatedAt time.Time
}

// Ledger is the durable store shared by every process routing generations:
// the response cache, the in-flight dedup table, and per-model spend and
// latency aggregates. Implementations must be safe for concurrent use and,
// except for the in-memory one, across processes.
type Ledger interface {
	// GetCache returns the cached entry for key, or nil when absent or past
	// its TTL. A *CacheCorruptionError means the stored payload did not
	// decode; callers treat it as a miss.
	GetCache(ctx context.Context, key string) (*CacheEntry, error)

	// PutCache stores an entry. When maxEntries > 0 and the cache is at
	// capacity, the oldest-created entries are evicted to make room.
	PutCache(ctx context.Context, entry CacheEntry, maxEntries int) error

	// BeginInflight attempts to claim execution of key. Exactly one caller
	// across all processes wins a round; the winner must finish it with
	// CompleteInflight or FailInflight. A record left waiting longer than
	// the backend's stale threshold may be reclaimed by a new election.
	BeginInflight(ctx context.Context, key string) (bool, error)

	// WaitInflight polls the record for key until it reaches a terminal
	// status, then returns the executor's result or failure. After timeout
	// it returns a *LedgerTimeoutError; the executor keeps running.
	WaitInflight(ctx context.Context, key string, timeout time.Duration) (RoutedGeneration, error)

	// CompleteInflight publishes the executor's result for key.
	CompleteInflight(ctx context.Context, key string, result RoutedGeneration) error

	// FailInflight publishes the executor's failure for key.
	FailInflight(ctx context.Context, key string, cause error) error

	// RecordSuccess folds a completed generation into the model's spend and
	// latency aggregates.
	RecordSuccess(ctx context.Context, model string, cost float64, latency time.Duration) error

	// RecordFailure counts a failed generation against the model.
	RecordFailure(ctx context.Context, model string) error

	// AllSpend returns cumulative spend per model across all processes.
	AllSpend(ctx context.Context) (map[string]float64, error)

	// AllLatency returns average recorded latency per model in milliseconds.
	AllLatency(ctx context.Context) (map[string]float64, error)

	// Close releases the store.
	Close() error
}

// Pruner is implemented by ledgers that support background maintenance.
// The Sweeper drives it on a schedule.
type Pruner interface {
	// PruneCache deletes expired cache entries, returning how many.
	PruneCache(ctx context.Context) (int64, error)

	// PruneInflight deletes in-flight records not updated within olderThan,
	// returning how many. Terminal records past the window have notified
	// every waiter that was going to be notified; waiting records past it
	// belong to executors presumed dead.
	PruneInflight(ctx context.Context, olderThan time.Duration) (int64, error)
}

// InflightFailure is the stored form of an executor failure. Backends
// persist it as JSON so a waiter in one process can reconstruct the error
// an executor in another process produced.
type InflightFailure struct {
	Provider   string `json:"provider"`
	StatusCode int    `json:"status_code"`
	Retryable  bool   `json:"retryable"`
	Message    string `json:"message"`
}

// NewInflightFailure captures err for storage.
func NewInflightFailure(err error) InflightFailure {
	var ge *GenerationError
	if errors.As(err, &ge) {
		msg := ge.Message
		if msg == "" && ge.Err != nil {
			msg = ge.Err.Error()
		}
		return InflightFailure{
			Provider:   ge.Provider,
			StatusCode: ge.StatusCode,
			Retryable:  ge.Retryable,
			Message:    msg,
		}
	}
	return InflightFailure{Message: err.Error()}
}

// Err converts the stored failure back into the error waiters receive.
func (f InflightFailure) Err() *GenerationError {
	return &GenerationError{
		Provider:   f.Provider,
		StatusCode: f.StatusCode,
		Retryable:  f.Retryable,
		Message:    f.Message,
	}
}
