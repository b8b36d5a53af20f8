package meter

import "github.com/ledgerline/genroute"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ genroute.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(genroute.RouteEvent)             {}
func (m *NoopMeter) OnResult(genroute.ResultEvent)           {}
func (m *NoopMeter) OnBudgetAlert(genroute.BudgetAlertEvent) {}
