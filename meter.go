package genroute

import "time"

// Meter observes routing events for monitoring/logging.
type Meter interface {
	// OnRoute is called once a request has a selected model and an
	// execution role (executor or waiter).
	OnRoute(event RouteEvent)

	// OnResult is called when a request resolves, whatever the source.
	OnResult(event ResultEvent)

	// OnBudgetAlert is called when a model's recorded spend crosses its
	// warning ratio.
	OnBudgetAlert(event BudgetAlertEvent)
}

// ResultSource says where a result came from.
type ResultSource string

const (
	// SourceExecutor means this process called the backend.
	SourceExecutor ResultSource = "executor"
	// SourceCache means the result was served from the response cache.
	SourceCache ResultSource = "cache"
	// SourceWaiter means the result came from another caller's execution.
	SourceWaiter ResultSource = "waiter"
)

// RouteEvent describes a routing decision.
type RouteEvent struct {
	RequestID       string
	Model           string
	Provider        string
	Workflow        string
	Key             string
	Executor        bool
	Probe           bool
	EstimatedTokens int64
}

// ResultEvent describes how a request resolved.
type ResultEvent struct {
	RequestID string
	Model     string
	Provider  string
	Workflow  string
	Key       string
	Source    ResultSource
	Success   bool
	Duration  time.Duration
	Cost      float64
	Usage     Usage
	Error     error
}

// BudgetAlertEvent describes spend approaching a model's ceiling.
type BudgetAlertEvent struct {
	Model   string
	Spend   float64
	Ceiling float64
	Ratio   float64
}
