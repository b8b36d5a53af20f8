package genroute

import (
	"log/slog"
	"math"
	"strings"
	"sync"
)

// Tokenizer counts tokens exactly for one model family.
type Tokenizer interface {
	Count(text string) (int64, error)
}

// TokenizerFactory constructs a Tokenizer. Construction may be expensive
// (vocabulary loading); the estimator calls each factory at most once.
type TokenizerFactory func() (Tokenizer, error)

// fallbackCharsPerToken is the approximation used when no tokenizer or
// ratio is registered for a model.
const fallbackCharsPerToken = 4.0

// TokenEstimator estimates prompt token counts. Exact tokenizers are
// registered per model family and matched by longest name prefix; models
// without one fall back to a chars-per-token heuristic. Estimate never
// fails: tokenizer trouble degrades to the heuristic.
type TokenEstimator struct {
	mu         sync.Mutex
	factories  map[string]TokenizerFactory
	tokenizers map[string]Tokenizer
	failed     map[string]bool
	ratios     map[string]float64
	logger     *slog.Logger
}

// EstimatorOption configures a TokenEstimator.
type EstimatorOption func(*TokenEstimator)

// WithEstimatorLogger sets the logger for degradation warnings.
func WithEstimatorLogger(l *slog.Logger) EstimatorOption {
	return func(e *TokenEstimator) { e.logger = l }
}

// WithCharsPerToken sets the heuristic ratio for a model family.
func WithCharsPerToken(family string, ratio float64) EstimatorOption {
	return func(e *TokenEstimator) {
		if ratio > 0 {
			e.ratios[family] = ratio
		}
	}
}

// NewTokenEstimator creates a TokenEstimator.
func NewTokenEstimator(opts ...EstimatorOption) *TokenEstimator {
	e := &TokenEstimator{
		factories:  make(map[string]TokenizerFactory),
		tokenizers: make(map[string]Tokenizer),
		failed:     make(map[string]bool),
		ratios:     make(map[string]float64),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterTokenizer registers an exact tokenizer factory for a model
// family. A family matches every model it prefixes ("gpt-4" covers
// "gpt-4o-mini").
func (e *TokenEstimator) RegisterTokenizer(family string, f TokenizerFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factories[family] = f
	delete(e.tokenizers, family)
	delete(e.failed, family)
}

// Estimate returns a token count for text under the given model and whether
// the count came from an exact tokenizer.
func (e *TokenEstimator) Estimate(model, text string) (int64, bool) {
	if tok := e.tokenizer(model); tok != nil {
		n, err := tok.Count(text)
		if err == nil {
			return n, true
		}
		e.logger.Warn("tokenizer failed, using heuristic",
			"model", model,
			"error", err,
		)
	}

	ratio := e.ratio(model)
	return int64(math.Ceil(float64(len(text)) / ratio)), false
}

// tokenizer returns the cached exact tokenizer for model, constructing it
// on first use. Returns nil when no family matches or construction failed.
func (e *TokenEstimator) tokenizer(model string) Tokenizer {
	e.mu.Lock()
	defer e.mu.Unlock()

	family := longestPrefix(e.factories, model)
	if family == "" {
		return nil
	}
	if tok, ok := e.tokenizers[family]; ok {
		return tok
	}
	if e.failed[family] {
		return nil
	}

	tok, err := e.factories[family]()
	if err != nil {
		e.failed[family] = true
		e.logger.Warn("tokenizer construction failed, family degrades to heuristic",
			"family", family,
			"error", err,
		)
		return nil
	}
	e.tokenizers[family] = tok
	return tok
}

func (e *TokenEstimator) ratio(model string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if family := longestPrefix(e.ratios, model); family != "" {
		return e.ratios[family]
	}
	return fallbackCharsPerToken
}

func longestPrefix[V any](m map[string]V, model string) string {
	best := ""
	for family := range m {
		if strings.HasPrefix(model, family) && len(family) > len(best) {
			best = family
		}
	}
	return best
}
