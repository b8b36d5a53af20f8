package genroute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSweepSchedule  = "*/5 * * * *"
	defaultInflightMaxAge = 10 * time.Minute
)

// Sweeper prunes expired cache entries and old in-flight records from a
// ledger on a cron schedule. One sweeper per store is enough; extra ones
// are harmless.
type Sweeper struct {
	pruner   Pruner
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepSchedule sets the cron schedule (standard five-field syntax).
func WithSweepSchedule(schedule string) SweeperOption {
	return func(s *Sweeper) { s.schedule = schedule }
}

// WithInflightMaxAge sets how long in-flight records are kept after their
// last update. It must comfortably exceed the slowest expected generation.
func WithInflightMaxAge(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.maxAge = d }
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper over led, which must support pruning.
func NewSweeper(led Ledger, opts ...SweeperOption) (*Sweeper, error) {
	pruner, ok := led.(Pruner)
	if !ok {
		return nil, fmt.Errorf("genroute: ledger %T does not support pruning", led)
	}

	s := &Sweeper{
		pruner:   pruner,
		schedule: defaultSweepSchedule,
		maxAge:   defaultInflightMaxAge,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return nil, fmt.Errorf("genroute: invalid sweep schedule %q: %w", s.schedule, err)
	}
	return s, nil
}

// Start begins scheduled sweeps.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("genroute: schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule, "inflight_max_age", s.maxAge)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one maintenance pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cacheRemoved, err := s.pruner.PruneCache(ctx)
	if err != nil {
		return fmt.Errorf("genroute: prune cache: %w", err)
	}
	inflightRemoved, err := s.pruner.PruneInflight(ctx, s.maxAge)
	if err != nil {
		return fmt.Errorf("genroute: prune inflight: %w", err)
	}
	if cacheRemoved > 0 || inflightRemoved > 0 {
		s.logger.Info("sweep completed",
			"cache_removed", cacheRemoved,
			"inflight_removed", inflightRemoved,
		)
	}
	return nil
}

func (s *Sweeper) run() {
	if err := s.Sweep(context.Background()); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}
