package meter

import (
	"log/slog"

	"github.com/ledgerline/genroute"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ genroute.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e genroute.RouteEvent) {
	m.Logger.Info("route",
		"request_id", e.RequestID,
		"model", e.Model,
		"provider", e.Provider,
		"workflow", e.Workflow,
		"key", e.Key,
		"executor", e.Executor,
		"probe", e.Probe,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnResult(e genroute.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"model", e.Model,
			"provider", e.Provider,
			"workflow", e.Workflow,
			"source", e.Source,
			"duration_ms", e.Duration.Milliseconds(),
			"cost", e.Cost,
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"model", e.Model,
			"provider", e.Provider,
			"workflow", e.Workflow,
			"source", e.Source,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnBudgetAlert(e genroute.BudgetAlertEvent) {
	m.Logger.Warn("budget_alert",
		"model", e.Model,
		"spend", e.Spend,
		"ceiling", e.Ceiling,
		"ratio", e.Ratio,
	)
}
