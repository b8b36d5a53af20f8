package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledgerline/genroute"
)

// PromMeter exports routing events as Prometheus metrics.
//
// Metrics:
//   - genroute_requests_total: Completed requests by model, source, outcome
//   - genroute_request_duration_seconds: Generation duration histogram
//   - genroute_tokens_total: Tokens processed by model and kind
//   - genroute_spend_usd_total: Cumulative spend per model
//   - genroute_budget_alerts_total: Budget warning threshold crossings
type PromMeter struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	spendTotal      *prometheus.CounterVec
	budgetAlerts    *prometheus.CounterVec
}

var _ genroute.Meter = (*PromMeter)(nil)

// NewPromMeter creates and registers routing metrics with the provided
// registerer. If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "genroute",
				Name:      "requests_total",
				Help:      "Total number of routed generation requests",
			},
			[]string{"model", "source", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "genroute",
				Name:      "request_duration_seconds",
				Help:      "Duration of backend generations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "genroute",
				Name:      "tokens_total",
				Help:      "Total number of tokens processed",
			},
			[]string{"model", "kind"},
		),

		spendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "genroute",
				Name:      "spend_usd_total",
				Help:      "Cumulative generation spend in USD",
			},
			[]string{"model"},
		),

		budgetAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "genroute",
				Name:      "budget_alerts_total",
				Help:      "Times a model crossed its budget warning threshold",
			},
			[]string{"model"},
		),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensTotal,
		m.spendTotal,
		m.budgetAlerts,
	)

	return m
}

func (m *PromMeter) OnRoute(genroute.RouteEvent) {}

func (m *PromMeter) OnResult(e genroute.ResultEvent) {
	outcome := "success"
	if !e.Success {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(e.Model, string(e.Source), outcome).Inc()

	// Cache hits and waiter handoffs report the executor's stored numbers;
	// only a real backend call contributes a duration sample.
	if e.Source == genroute.SourceExecutor {
		m.requestDuration.WithLabelValues(e.Model).Observe(e.Duration.Seconds())
	}
	if !e.Success {
		return
	}
	if e.Usage.PromptTokens > 0 {
		m.tokensTotal.WithLabelValues(e.Model, "prompt").Add(float64(e.Usage.PromptTokens))
	}
	if e.Usage.CompletionTokens > 0 {
		m.tokensTotal.WithLabelValues(e.Model, "completion").Add(float64(e.Usage.CompletionTokens))
	}
	if e.Cost > 0 && e.Source == genroute.SourceExecutor {
		m.spendTotal.WithLabelValues(e.Model).Add(e.Cost)
	}
}

func (m *PromMeter) OnBudgetAlert(e genroute.BudgetAlertEvent) {
	m.budgetAlerts.WithLabelValues(e.Model).Inc()
}
