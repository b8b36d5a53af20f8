// Package ledger provides the built-in Ledger backends: an in-process
// store for tests and single-process use, and the primary durable store on
// a single SQLite file shared by every process on the host. PostgreSQL and
// Redis backends live in their own submodules under this directory.
package ledger

import (
	"log/slog"
	"time"
)

// Option configures a ledger backend. Options that do not apply to a
// backend are ignored by it.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	staleAfter   time.Duration
	busyTimeout  time.Duration
	logger       *slog.Logger
}

func defaultOptions() options {
	return options{
		pollInterval: 25 * time.Millisecond,
		staleAfter:   5 * time.Minute,
		busyTimeout:  5 * time.Second,
		logger:       slog.Default(),
	}
}

// WithPollInterval sets how often waiters re-read an in-flight record.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithStaleAfter sets the age past which a waiting in-flight record may be
// reclaimed by a new election. It must comfortably exceed the slowest
// expected generation, or a slow executor's key can be taken over while it
// still runs.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithBusyTimeout sets how long SQLite waits on another process's lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
