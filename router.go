package genroute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Router routes generation requests across model backends. Candidates are
// filtered by circuit state and spend ceiling, one model is picked in
// proportion to weight, and the result is served from the response cache,
// from another caller's identical in-flight request, or from exactly one
// backend call. All shared state lives in the Ledger; the Router itself
// holds only process-local health.
type Router struct {
	cfg       Config
	clients   map[string]GenerationClient
	policy    Policy
	ledger    Ledger
	health    *HealthTracker
	estimator *TokenEstimator
	meter     Meter
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the selection policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithLedger sets the shared ledger.
func WithLedger(l Ledger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithEstimator sets the token estimator.
func WithEstimator(e *TokenEstimator) Option {
	return func(r *Router) { r.estimator = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router over the given clients. A ledger is required;
// other components (weighted policy, noop meter, token estimator) default
// unless overridden via options. Every configured model must bind to a
// registered client.
func NewRouter(cfg Config, clients []GenerationClient, opts ...Option) (*Router, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("genroute: at least one client is required")
	}

	clientMap := make(map[string]GenerationClient, len(clients))
	for _, c := range clients {
		clientMap[c.Name()] = c
	}

	r := &Router{
		cfg:     cfg,
		clients: clientMap,
		health:  NewHealthTracker(),
	}

	for _, opt := range opts {
		opt(r)
	}

	// Apply defaults after options.
	if r.ledger == nil {
		return nil, fmt.Errorf("genroute: a ledger is required (see the ledger package)")
	}
	if r.policy == nil {
		r.policy = newDefaultWeightedPolicy()
	}
	if r.meter == nil {
		r.meter = &noopMeter{}
	}
	if r.estimator == nil {
		r.estimator = NewTokenEstimator()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	for _, m := range cfg.Models {
		if _, ok := clientMap[m.Provider]; !ok {
			return nil, fmt.Errorf("genroute: model %q: no client registered for provider %q", m.Name, m.Provider)
		}
	}

	return r, nil
}

// ExecuteGeneration routes one generation request over the given candidate
// descriptors. timeout bounds only how long this call waits on another
// executor's in-flight record; it neither cancels that executor nor limits
// this process's own backend call, which is bounded by ctx. No retry is
// performed: a failed call surfaces to the caller, who owns retry policy.
func (r *Router) ExecuteGeneration(ctx context.Context, candidates []ModelDescriptor, workflow, prompt string, params Params, timeout time.Duration) (RoutedGeneration, error) {
	if err := validateRequest(candidates, prompt, timeout); err != nil {
		return RoutedGeneration{}, err
	}
	requestID := uuid.New().String()

	annotated, err := buildCandidates(ctx, candidates, r.ledger, r.health)
	if err != nil {
		return RoutedGeneration{}, err
	}

	f := r.filterCandidates(annotated)
	if len(f.eligible) == 0 {
		return RoutedGeneration{}, f.err()
	}

	selected, err := r.policy.Select(f.eligible)
	if err != nil {
		r.releaseProbes(f.eligible, "")
		return RoutedGeneration{}, fmt.Errorf("genroute: select candidate: %w", err)
	}
	r.releaseProbes(f.eligible, selected.Model.Name)

	model := selected.Model
	client, ok := r.clients[model.Provider]
	if !ok {
		r.releaseProbes(f.eligible, "")
		return RoutedGeneration{}, &ValidationError{
			Field:   "candidates",
			Message: fmt.Sprintf("no client registered for provider %q", model.Provider),
		}
	}

	key := CacheKey(model.Name, workflow, params, prompt)
	log := r.logger.With(
		"request_id", requestID,
		"model", model.Name,
		"workflow", workflow,
		"key", key,
	)

	if model.CacheEnabled {
		if result, ok := r.lookupCache(ctx, log, key); ok {
			if selected.probe {
				r.health.ReleaseProbe(model.Name)
			}
			r.meter.OnResult(ResultEvent{
				RequestID: requestID,
				Model:     model.Name,
				Provider:  model.Provider,
				Workflow:  workflow,
				Key:       key,
				Source:    SourceCache,
				Success:   true,
				Usage:     resultUsage(result),
			})
			return result, nil
		}
	}

	elected, err := r.ledger.BeginInflight(ctx, key)
	if err != nil {
		if selected.probe {
			r.health.ReleaseProbe(model.Name)
		}
		return RoutedGeneration{}, fmt.Errorf("genroute: begin inflight: %w", err)
	}

	if !elected {
		// Another caller is already executing this exact request; waiting
		// on it is not a probe of the model.
		if selected.probe {
			r.health.ReleaseProbe(model.Name)
		}
		return r.awaitExecutor(ctx, requestID, model, workflow, key, timeout)
	}

	return r.execute(ctx, client, requestID, selected, workflow, prompt, params, key, log)
}

// awaitExecutor follows another caller's execution to its terminal state.
func (r *Router) awaitExecutor(ctx context.Context, requestID string, model ModelDescriptor, workflow, key string, timeout time.Duration) (RoutedGeneration, error) {
	r.meter.OnRoute(RouteEvent{
		RequestID: requestID,
		Model:     model.Name,
		Provider:  model.Provider,
		Workflow:  workflow,
		Key:       key,
		Executor:  false,
	})

	start := time.Now()
	result, err := r.ledger.WaitInflight(ctx, key, timeout)
	if err != nil {
		r.meter.OnResult(ResultEvent{
			RequestID: requestID,
			Model:     model.Name,
			Provider:  model.Provider,
			Workflow:  workflow,
			Key:       key,
			Source:    SourceWaiter,
			Success:   false,
			Duration:  time.Since(start),
			Error:     err,
		})
		return RoutedGeneration{}, err
	}

	r.meter.OnResult(ResultEvent{
		RequestID: requestID,
		Model:     model.Name,
		Provider:  model.Provider,
		Workflow:  workflow,
		Key:       key,
		Source:    SourceWaiter,
		Success:   true,
		Duration:  time.Since(start),
		Usage:     resultUsage(result),
	})
	return result, nil
}

// execute performs the backend call this process was elected for and
// records the outcome: health first, then aggregates, then the cache, then
// the in-flight record so waiters observe a fully recorded result.
func (r *Router) execute(ctx context.Context, client GenerationClient, requestID string, selected Candidate, workflow, prompt string, params Params, key string, log *slog.Logger) (RoutedGeneration, error) {
	model := selected.Model

	estimated, exact := r.estimator.Estimate(model.Name, prompt)
	r.meter.OnRoute(RouteEvent{
		RequestID:       requestID,
		Model:           model.Name,
		Provider:        model.Provider,
		Workflow:        workflow,
		Key:             key,
		Executor:        true,
		Probe:           selected.probe,
		EstimatedTokens: estimated,
	})
	log.Debug("executing generation",
		"estimated_tokens", estimated,
		"exact_estimate", exact,
		"probe", selected.probe,
	)

	start := time.Now()
	res, genErr := client.Generate(ctx, GenerationRequest{
		Model:  model.Name,
		Prompt: prompt,
		Params: params,
	})
	latency := time.Since(start)

	if genErr != nil {
		genErr = asGenerationError(model.Provider, genErr)
		r.health.RecordFailure(model)
		if err := r.ledger.RecordFailure(ctx, model.Name); err != nil {
			log.Warn("record failure", "error", err)
		}
		if err := r.ledger.FailInflight(ctx, key, genErr); err != nil {
			log.Warn("fail inflight", "error", err)
		}
		r.meter.OnResult(ResultEvent{
			RequestID: requestID,
			Model:     model.Name,
			Provider:  model.Provider,
			Workflow:  workflow,
			Key:       key,
			Source:    SourceExecutor,
			Success:   false,
			Duration:  latency,
			Error:     genErr,
		})
		return RoutedGeneration{}, genErr
	}

	result := RoutedGeneration{
		Model:            model.Name,
		Output:           res.Output,
		LatencyMS:        latency.Milliseconds(),
		Cost:             res.Cost,
		CacheHit:         false,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
	}

	r.health.RecordSuccess(model.Name)
	if err := r.ledger.RecordSuccess(ctx, model.Name, res.Cost, latency); err != nil {
		log.Warn("record success", "error", err)
	}
	if model.CacheEnabled {
		entry := CacheEntry{
			Key:       key,
			Result:    result,
			CreatedAt: time.Now(),
			TTL:       model.CacheTTL(),
		}
		if err := r.ledger.PutCache(ctx, entry, model.CacheMaxEntries); err != nil {
			log.Warn("cache write", "error", err)
		}
	}
	if err := r.ledger.CompleteInflight(ctx, key, result); err != nil {
		log.Warn("complete inflight", "error", err)
	}

	r.meter.OnResult(ResultEvent{
		RequestID: requestID,
		Model:     model.Name,
		Provider:  model.Provider,
		Workflow:  workflow,
		Key:       key,
		Source:    SourceExecutor,
		Success:   true,
		Duration:  latency,
		Cost:      res.Cost,
		Usage:     res.Usage,
	})
	return result, nil
}

// lookupCache reads the response cache, treating corruption as a miss.
func (r *Router) lookupCache(ctx context.Context, log *slog.Logger, key string) (RoutedGeneration, bool) {
	entry, err := r.ledger.GetCache(ctx, key)
	if err != nil {
		var corrupt *CacheCorruptionError
		if errors.As(err, &corrupt) {
			log.Warn("corrupt cache entry treated as miss", "error", corrupt)
		} else {
			log.Warn("cache lookup failed, treating as miss", "error", err)
		}
		return RoutedGeneration{}, false
	}
	if entry == nil {
		return RoutedGeneration{}, false
	}

	result := entry.Result
	result.CacheHit = true
	result.Cost = 0
	result.LatencyMS = 0
	return result, true
}

// releaseProbes returns probe slots claimed during filtering for every
// eligible candidate except the selected one.
func (r *Router) releaseProbes(eligible []Candidate, selected string) {
	for _, c := range eligible {
		if c.probe && c.Model.Name != selected {
			r.health.ReleaseProbe(c.Model.Name)
		}
	}
}

func validateRequest(candidates []ModelDescriptor, prompt string, timeout time.Duration) error {
	if len(candidates) == 0 {
		return &ValidationError{Field: "candidates", Message: "at least one candidate is required"}
	}
	for i, m := range candidates {
		if m.Name == "" {
			return &ValidationError{Field: "candidates", Message: fmt.Sprintf("candidate[%d]: name is required", i)}
		}
		if m.Weight <= 0 {
			return &ValidationError{Field: "candidates", Message: fmt.Sprintf("candidate[%d] (%s): weight must be positive", i, m.Name)}
		}
	}
	if prompt == "" {
		return &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if timeout <= 0 {
		return &ValidationError{Field: "timeout", Message: "timeout must be positive"}
	}
	return nil
}

// asGenerationError ensures backend failures surface as *GenerationError.
func asGenerationError(provider string, err error) error {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	return &GenerationError{Provider: provider, Message: err.Error(), Err: err}
}

func resultUsage(r RoutedGeneration) Usage {
	return Usage{
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.PromptTokens + r.CompletionTokens,
	}
}

// defaultWeightedPolicy is an inline weighted policy to avoid an import
// cycle with the policy package.
type defaultWeightedPolicy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newDefaultWeightedPolicy() *defaultWeightedPolicy {
	return &defaultWeightedPolicy{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *defaultWeightedPolicy) Select(candidates []Candidate) (Candidate, error) {
	p.mu.Lock()
	roll := p.rnd.Float64()
	p.mu.Unlock()
	return WeightedChoice(candidates, roll), nil
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnRoute(RouteEvent)             {}
func (m *noopMeter) OnResult(ResultEvent)           {}
func (m *noopMeter) OnBudgetAlert(BudgetAlertEvent) {}
