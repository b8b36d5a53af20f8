package genroute_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gr "github.com/ledgerline/genroute"
	"github.com/ledgerline/genroute/client/mock"
	"github.com/ledgerline/genroute/ledger"
	"github.com/ledgerline/genroute/meter"
	"github.com/ledgerline/genroute/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(name, provider string) gr.ModelDescriptor {
	return gr.ModelDescriptor{
		Name:                    name,
		Provider:                provider,
		Weight:                  1,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeoutS:  30,
		CacheEnabled:            true,
		CacheTTLSeconds:         60,
		CacheMaxEntries:         100,
	}
}

func newTestRouter(t *testing.T, led gr.Ledger, models []gr.ModelDescriptor, opts []gr.Option, clients ...gr.GenerationClient) *gr.Router {
	t.Helper()
	base := []gr.Option{
		gr.WithLedger(led),
		gr.WithPolicy(policy.NewSeededWeighted(42)),
		gr.WithMeter(&meter.NoopMeter{}),
	}
	r, err := gr.NewRouter(gr.Config{Models: models}, clients, append(base, opts...)...)
	require.NoError(t, err)
	return r
}

func newTestLedger(t *testing.T) *ledger.Memory {
	t.Helper()
	led := ledger.NewMemory(ledger.WithPollInterval(5 * time.Millisecond))
	t.Cleanup(func() { led.Close() })
	return led
}

// recordingLedger logs the order of write operations for assertions.
type recordingLedger struct {
	gr.Ledger
	mu  sync.Mutex
	ops []string
}

func (l *recordingLedger) append(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *recordingLedger) log() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *recordingLedger) PutCache(ctx context.Context, entry gr.CacheEntry, maxEntries int) error {
	l.append("put_cache")
	return l.Ledger.PutCache(ctx, entry, maxEntries)
}

func (l *recordingLedger) CompleteInflight(ctx context.Context, key string, result gr.RoutedGeneration) error {
	l.append("complete_inflight")
	return l.Ledger.CompleteInflight(ctx, key, result)
}

func (l *recordingLedger) FailInflight(ctx context.Context, key string, cause error) error {
	l.append("fail_inflight")
	return l.Ledger.FailInflight(ctx, key, cause)
}

func (l *recordingLedger) RecordSuccess(ctx context.Context, model string, cost float64, latency time.Duration) error {
	l.append("record_success")
	return l.Ledger.RecordSuccess(ctx, model, cost, latency)
}

func (l *recordingLedger) RecordFailure(ctx context.Context, model string) error {
	l.append("record_failure")
	return l.Ledger.RecordFailure(ctx, model)
}

// captureMeter retains budget alerts for assertions.
type captureMeter struct {
	mu     sync.Mutex
	alerts []gr.BudgetAlertEvent
}

func (m *captureMeter) OnRoute(gr.RouteEvent)   {}
func (m *captureMeter) OnResult(gr.ResultEvent) {}
func (m *captureMeter) OnBudgetAlert(e gr.BudgetAlertEvent) {
	m.mu.Lock()
	m.alerts = append(m.alerts, e)
	m.mu.Unlock()
}

// Test: identical request served from cache with zeroed cost and latency
func TestCacheHit_SecondCallIsFree(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithCost(0.5), mock.WithOutput("four"))
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	params := gr.Params{"temperature": 0.2}

	first, err := r.ExecuteGeneration(ctx, models, "chat", "what is 2+2", params, time.Second)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "four", first.Output)
	assert.Equal(t, 0.5, first.Cost)
	assert.Equal(t, "m1", first.Model)

	second, err := r.ExecuteGeneration(ctx, models, "chat", "what is 2+2", params, time.Second)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "four", second.Output)
	assert.Zero(t, second.Cost)
	assert.Zero(t, second.LatencyMS)
	assert.Equal(t, first.PromptTokens, second.PromptTokens)
	assert.Equal(t, first.CompletionTokens, second.CompletionTokens)

	assert.Equal(t, int64(1), client.CallCount())
}

// Test: param order does not change the cache key
func TestCacheHit_ParamOrderInsensitive(t *testing.T) {
	a := gr.CacheKey("m1", "chat", gr.Params{"a": 1, "b": "x", "c": true}, "p")
	b := gr.CacheKey("m1", "chat", gr.Params{"c": true, "b": "x", "a": 1}, "p")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, gr.CacheKey("m2", "chat", gr.Params{"a": 1, "b": "x", "c": true}, "p"))
	assert.NotEqual(t, a, gr.CacheKey("m1", "batch", gr.Params{"a": 1, "b": "x", "c": true}, "p"))
	assert.NotEqual(t, a, gr.CacheKey("m1", "chat", gr.Params{"a": 2, "b": "x", "c": true}, "p"))
	assert.NotEqual(t, a, gr.CacheKey("m1", "chat", gr.Params{"a": 1, "b": "x", "c": true}, "q"))
}

// Test: concurrent identical requests share one backend call
func TestDedup_SingleBackendCall(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithLatency(30*time.Millisecond), mock.WithOutput("dedup"))
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, led, models, nil, client)

	var wg sync.WaitGroup
	results := make([]gr.RoutedGeneration, 20)
	errs := make([]error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = r.ExecuteGeneration(context.Background(),
				models, "chat", "same prompt", nil, 5*time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "dedup", results[i].Output)
	}
	assert.Equal(t, int64(1), client.CallCount())
}

// Test: a second caller attaches to the first caller's execution
func TestDedup_WaiterReceivesExecutorResult(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithLatency(50*time.Millisecond), mock.WithOutput("X"))
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, led, models, nil, client)

	var wg sync.WaitGroup
	var executorResult, waiterResult gr.RoutedGeneration
	var executorErr, waiterErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		executorResult, executorErr = r.ExecuteGeneration(context.Background(),
			models, "chat", "slow prompt", nil, 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		waiterResult, waiterErr = r.ExecuteGeneration(context.Background(),
			models, "chat", "slow prompt", nil, 5*time.Second)
	}()
	wg.Wait()

	require.NoError(t, executorErr)
	require.NoError(t, waiterErr)
	assert.Equal(t, "X", executorResult.Output)
	assert.Equal(t, "X", waiterResult.Output)
	assert.Equal(t, int64(1), client.CallCount())
}

// Test: waiter timeout surfaces a ledger timeout but leaves the executor running
func TestDedup_WaiterTimeoutLeavesExecutorRunning(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithLatency(200*time.Millisecond), mock.WithOutput("late"))
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, led, models, nil, client)

	var wg sync.WaitGroup
	var executorResult gr.RoutedGeneration
	var executorErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		executorResult, executorErr = r.ExecuteGeneration(context.Background(),
			models, "chat", "very slow", nil, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := r.ExecuteGeneration(context.Background(), models, "chat", "very slow", nil, 50*time.Millisecond)
	var timeoutErr *gr.LedgerTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, gr.CacheKey("m1", "chat", nil, "very slow"), timeoutErr.Key)
	assert.Equal(t, gr.InflightWaiting, timeoutErr.Status)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 50*time.Millisecond)

	wg.Wait()
	require.NoError(t, executorErr)
	assert.Equal(t, "late", executorResult.Output)
	assert.Equal(t, int64(1), client.CallCount())

	// The executor's result is cached; a retry after the timeout is free.
	retry, err := r.ExecuteGeneration(context.Background(), models, "chat", "very slow", nil, time.Second)
	require.NoError(t, err)
	assert.True(t, retry.CacheHit)
	assert.Equal(t, int64(1), client.CallCount())
}

// Test: traffic routes around a model at its spend ceiling
func TestBudget_RoutesAroundExhaustedModel(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.SpendCeiling = 1.0
	m2 := testModel("m2", "mock")
	models := []gr.ModelDescriptor{m1, m2}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 1.5, 10*time.Millisecond))

	for i := 0; i < 5; i++ {
		res, err := r.ExecuteGeneration(ctx, models, "chat", fmt.Sprintf("prompt %d", i), nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "m2", res.Model)
	}
}

// Test: every candidate over its ceiling yields a budget error
func TestBudget_AllExhausted(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.SpendCeiling = 1.0
	m2 := testModel("m2", "mock")
	m2.SpendCeiling = 2.0
	models := []gr.ModelDescriptor{m1, m2}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 1.5, 10*time.Millisecond))
	require.NoError(t, led.RecordSuccess(ctx, "m2", 2.5, 10*time.Millisecond))

	_, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	var budgetErr *gr.BudgetExhaustedError
	require.ErrorAs(t, err, &budgetErr)
	assert.ElementsMatch(t, []string{"m1", "m2"}, budgetErr.Models)
	assert.Zero(t, client.CallCount())
}

// Test: a ceiling of zero means unlimited spend
func TestBudget_ZeroCeilingIsUnlimited(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	models := []gr.ModelDescriptor{m1}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 1e9, 10*time.Millisecond))

	_, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	require.NoError(t, err)
}

// Test: consecutive failures open the circuit and later requests fail fast
func TestCircuit_OpensAfterThreshold(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithError(&gr.GenerationError{
		Provider:   "mock",
		StatusCode: 503,
		Retryable:  true,
		Message:    "backend down",
	}))
	m1 := testModel("m1", "mock")
	m1.CircuitBreakerThreshold = 2
	models := []gr.ModelDescriptor{m1}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.ExecuteGeneration(ctx, models, "chat", fmt.Sprintf("prompt %d", i), nil, time.Second)
		var genErr *gr.GenerationError
		require.ErrorAs(t, err, &genErr)
		assert.True(t, gr.IsRetryable(err))
	}
	assert.Equal(t, int64(2), client.CallCount())

	_, err := r.ExecuteGeneration(ctx, models, "chat", "prompt 3", nil, time.Second)
	var circuitErr *gr.CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, []string{"m1"}, circuitErr.Models)
	assert.Equal(t, int64(2), client.CallCount())
}

// Test: an affordable model behind an open circuit reports the circuit, not the budget
func TestCircuit_MixedExclusionsReportCircuit(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithError(&gr.GenerationError{Provider: "mock", StatusCode: 500, Retryable: true}))
	m1 := testModel("m1", "mock")
	m1.SpendCeiling = 1.0
	m2 := testModel("m2", "mock")
	m2.CircuitBreakerThreshold = 1
	models := []gr.ModelDescriptor{m1, m2}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 2.0, 10*time.Millisecond))

	// The only affordable model is m2; its first failure opens the circuit.
	_, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	var genErr *gr.GenerationError
	require.ErrorAs(t, err, &genErr)

	_, err = r.ExecuteGeneration(ctx, models, "chat", "prompt 2", nil, time.Second)
	var circuitErr *gr.CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, []string{"m2"}, circuitErr.Models)
}

// Test: a failed call surfaces immediately, with no second model tried
func TestFailure_NoRetry(t *testing.T) {
	led := newTestLedger(t)
	bad := mock.New(mock.WithName("bad"), mock.WithError(&gr.GenerationError{
		Provider:   "bad",
		StatusCode: 429,
		Retryable:  true,
		Message:    "rate limited",
	}))
	good := mock.New(mock.WithName("good"))
	m1 := testModel("m1", "bad")
	m2 := testModel("m2", "good")
	models := []gr.ModelDescriptor{m1, m2}

	health := gr.NewHealthTracker()
	r := newTestRouter(t, led, models,
		[]gr.Option{gr.WithPolicy(policy.LatencyFirst{}), gr.WithHealthTracker(health)},
		bad, good)

	ctx := context.Background()
	// m1 has the lower recorded latency, so LatencyFirst always picks it.
	require.NoError(t, led.RecordSuccess(ctx, "m1", 0, 10*time.Millisecond))
	require.NoError(t, led.RecordSuccess(ctx, "m2", 0, 50*time.Millisecond))

	_, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	var genErr *gr.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "bad", genErr.Provider)
	assert.Equal(t, 429, genErr.StatusCode)

	assert.Equal(t, int64(1), bad.CallCount())
	assert.Zero(t, good.CallCount())
	assert.Equal(t, 1, health.Snapshot("m1").ConsecutiveFailures)
}

// Test: success records aggregates, then cache, then the in-flight record
func TestRecordingOrder_Success(t *testing.T) {
	rec := &recordingLedger{Ledger: newTestLedger(t)}
	client := mock.New()
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, rec, models, nil, client)

	_, err := r.ExecuteGeneration(context.Background(), models, "chat", "prompt", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"record_success", "put_cache", "complete_inflight"}, rec.log())
}

// Test: failure records the aggregate, then fails the in-flight record
func TestRecordingOrder_Failure(t *testing.T) {
	rec := &recordingLedger{Ledger: newTestLedger(t)}
	client := mock.New(mock.WithError(errors.New("boom")))
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, rec, models, nil, client)

	_, err := r.ExecuteGeneration(context.Background(), models, "chat", "prompt", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, []string{"record_failure", "fail_inflight"}, rec.log())
}

// Test: a plain client error still surfaces as a GenerationError
func TestFailure_WrapsPlainErrors(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New(mock.WithError(errors.New("connection reset")))
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, led, models, nil, client)

	_, err := r.ExecuteGeneration(context.Background(), models, "chat", "prompt", nil, time.Second)
	var genErr *gr.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "mock", genErr.Provider)
	assert.False(t, gr.IsRetryable(err))
	assert.Contains(t, genErr.Error(), "connection reset")
}

// Test: disabled cache means every identical call reaches the backend
func TestCacheDisabled_NoReuse(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.CacheEnabled = false
	m1.CacheTTLSeconds = 0
	models := []gr.ModelDescriptor{m1}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	first, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	require.NoError(t, err)
	second, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.False(t, second.CacheHit)
	assert.Equal(t, int64(2), client.CallCount())
}

// Test: selection follows configured weights over many requests
func TestWeighted_DistributionFollowsWeights(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.Weight = 3
	m1.CacheEnabled = false
	m1.CacheTTLSeconds = 0
	m2 := testModel("m2", "mock")
	m2.Weight = 1
	m2.CacheEnabled = false
	m2.CacheTTLSeconds = 0
	models := []gr.ModelDescriptor{m1, m2}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		res, err := r.ExecuteGeneration(ctx, models, "chat", fmt.Sprintf("prompt %d", i), nil, time.Second)
		require.NoError(t, err)
		counts[res.Model]++
	}

	// Expect roughly 3:1; allow generous slack for the roll sequence.
	assert.Greater(t, counts["m1"], 250)
	assert.Greater(t, counts["m2"], 50)
	assert.Equal(t, 400, counts["m1"]+counts["m2"])
}

// Test: a model over its latency threshold loses traffic to a faster one
func TestLatencyGate_RoutesAroundSlowModel(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.LatencyThresholdMS = 100
	m2 := testModel("m2", "mock")
	m2.LatencyThresholdMS = 100
	models := []gr.ModelDescriptor{m1, m2}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 0, 500*time.Millisecond))
	require.NoError(t, led.RecordSuccess(ctx, "m2", 0, 20*time.Millisecond))

	for i := 0; i < 10; i++ {
		res, err := r.ExecuteGeneration(ctx, models, "chat", fmt.Sprintf("prompt %d", i), nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "m2", res.Model)
	}
}

// Test: the latency gate never empties the set; all-slow still serves
func TestLatencyGate_AllSlowStillServes(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.LatencyThresholdMS = 10
	m2 := testModel("m2", "mock")
	m2.LatencyThresholdMS = 10
	models := []gr.ModelDescriptor{m1, m2}
	r := newTestRouter(t, led, models, nil, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 0, 500*time.Millisecond))
	require.NoError(t, led.RecordSuccess(ctx, "m2", 0, 600*time.Millisecond))

	for i := 0; i < 3; i++ {
		res, err := r.ExecuteGeneration(ctx, models, "chat", fmt.Sprintf("prompt %d", i), nil, time.Second)
		require.NoError(t, err)
		assert.Contains(t, []string{"m1", "m2"}, res.Model)
	}
}

// Test: spend past the warning ratio emits a budget alert
func TestBudgetAlert_EmittedPastWarningRatio(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	m1 := testModel("m1", "mock")
	m1.SpendCeiling = 10
	m1.WarningRatio = 0.8
	models := []gr.ModelDescriptor{m1}

	capture := &captureMeter{}
	r := newTestRouter(t, led, models, []gr.Option{gr.WithMeter(capture)}, client)

	ctx := context.Background()
	require.NoError(t, led.RecordSuccess(ctx, "m1", 9.0, 10*time.Millisecond))

	_, err := r.ExecuteGeneration(ctx, models, "chat", "prompt", nil, time.Second)
	require.NoError(t, err)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	require.NotEmpty(t, capture.alerts)
	alert := capture.alerts[0]
	assert.Equal(t, "m1", alert.Model)
	assert.Equal(t, 9.0, alert.Spend)
	assert.Equal(t, 10.0, alert.Ceiling)
	assert.InDelta(t, 0.9, alert.Ratio, 1e-9)
}

// Test: request validation
func TestExecuteGeneration_Validation(t *testing.T) {
	led := newTestLedger(t)
	client := mock.New()
	models := []gr.ModelDescriptor{testModel("m1", "mock")}
	r := newTestRouter(t, led, models, nil, client)
	ctx := context.Background()

	cases := []struct {
		name       string
		candidates []gr.ModelDescriptor
		prompt     string
		timeout    time.Duration
		field      string
	}{
		{"no candidates", nil, "prompt", time.Second, "candidates"},
		{"unnamed candidate", []gr.ModelDescriptor{{Provider: "mock", Weight: 1}}, "prompt", time.Second, "candidates"},
		{"non-positive weight", []gr.ModelDescriptor{{Name: "m1", Provider: "mock"}}, "prompt", time.Second, "candidates"},
		{"empty prompt", models, "", time.Second, "prompt"},
		{"non-positive timeout", models, "prompt", 0, "timeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.ExecuteGeneration(ctx, tc.candidates, "chat", tc.prompt, nil, tc.timeout)
			var valErr *gr.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tc.field, valErr.Field)
		})
	}
}

// Test: constructor requirements
func TestNewRouter_Validation(t *testing.T) {
	led := ledger.NewMemory()
	defer led.Close()

	t.Run("no clients", func(t *testing.T) {
		_, err := gr.NewRouter(gr.Config{}, nil, gr.WithLedger(led))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one client")
	})

	t.Run("missing ledger", func(t *testing.T) {
		_, err := gr.NewRouter(gr.Config{}, []gr.GenerationClient{mock.New()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger is required")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := gr.Config{Models: []gr.ModelDescriptor{testModel("m1", "nope")}}
		_, err := gr.NewRouter(cfg, []gr.GenerationClient{mock.New()}, gr.WithLedger(led))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no client registered")
	})
}

// Test: CircuitState String()
func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", gr.CircuitClosed.String())
	assert.Equal(t, "open", gr.CircuitOpen.String())
	assert.Equal(t, "half-open", gr.CircuitHalfOpen.String())
}
