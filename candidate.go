package genroute

import (
	"context"
	"fmt"
)

// Candidate is a model descriptor annotated with the live signals routing
// reads: recorded spend, recorded average latency, and circuit state.
type Candidate struct {
	Model        ModelDescriptor
	Spend        float64
	AvgLatencyMS float64
	State        CircuitState

	// probe marks that this request holds the model's half-open probe slot.
	probe bool
}

// overBudget reports whether the candidate's recorded spend has reached its
// ceiling. A zero ceiling means unlimited.
func (c Candidate) overBudget() bool {
	return c.Model.SpendCeiling > 0 && c.Spend >= c.Model.SpendCeiling
}

// buildCandidates annotates descriptors with ledger aggregates and circuit
// state. Aggregates are read once per request, not per candidate.
func buildCandidates(ctx context.Context, models []ModelDescriptor, led Ledger, health *HealthTracker) ([]Candidate, error) {
	spend, err := led.AllSpend(ctx)
	if err != nil {
		return nil, fmt.Errorf("genroute: read spend aggregates: %w", err)
	}
	latency, err := led.AllLatency(ctx)
	if err != nil {
		return nil, fmt.Errorf("genroute: read latency aggregates: %w", err)
	}

	candidates := make([]Candidate, 0, len(models))
	for _, m := range models {
		candidates = append(candidates, Candidate{
			Model:        m,
			Spend:        spend[m.Name],
			AvgLatencyMS: latency[m.Name],
			State:        health.State(m),
		})
	}
	return candidates, nil
}

// filtered is the outcome of candidate filtering, keeping what was excluded
// and why so an empty eligible set can be explained.
type filtered struct {
	eligible    []Candidate
	overBudget  []string
	unavailable []string
	allOver     bool
}

// err explains an empty eligible set. When every candidate is at or over
// its ceiling the budget error wins; otherwise at least one affordable
// candidate was blocked by its circuit.
func (f filtered) err() error {
	if f.allOver {
		return &BudgetExhaustedError{Models: f.overBudget}
	}
	return &CircuitOpenError{Models: f.unavailable}
}

// filterCandidates applies the circuit gate, the budget gate, and then a
// soft latency gate. A half-open candidate stays in only if it claims the
// model's single probe slot; probe slots claimed for candidates that end up
// excluded are released here, the rest after selection.
func (r *Router) filterCandidates(candidates []Candidate) filtered {
	f := filtered{allOver: true}

	for _, c := range candidates {
		over := c.overBudget()
		if !over {
			f.allOver = false
		}

		switch c.State {
		case CircuitOpen:
			f.unavailable = append(f.unavailable, c.Model.Name)
			if over {
				f.overBudget = append(f.overBudget, c.Model.Name)
			}
			continue
		case CircuitHalfOpen:
			if !r.health.AcquireProbe(c.Model.Name) {
				// Another request in this process is already probing.
				f.unavailable = append(f.unavailable, c.Model.Name)
				if over {
					f.overBudget = append(f.overBudget, c.Model.Name)
				}
				continue
			}
			c.probe = true
		}

		if over {
			f.overBudget = append(f.overBudget, c.Model.Name)
			if c.probe {
				r.health.ReleaseProbe(c.Model.Name)
			}
			continue
		}

		if c.Model.WarningRatio > 0 && c.Model.SpendCeiling > 0 &&
			c.Spend >= c.Model.WarningRatio*c.Model.SpendCeiling {
			r.meter.OnBudgetAlert(BudgetAlertEvent{
				Model:   c.Model.Name,
				Spend:   c.Spend,
				Ceiling: c.Model.SpendCeiling,
				Ratio:   c.Spend / c.Model.SpendCeiling,
			})
			r.logger.Warn("model spend near ceiling",
				"model", c.Model.Name,
				"spend", c.Spend,
				"ceiling", c.Model.SpendCeiling,
			)
		}

		f.eligible = append(f.eligible, c)
	}

	f.eligible = r.latencyGate(f.eligible)
	return f
}

// latencyGate drops candidates whose recorded average latency exceeds their
// threshold, but only while at least one candidate survives: slow is worse
// than nothing only when there is a faster alternative.
func (r *Router) latencyGate(eligible []Candidate) []Candidate {
	if len(eligible) < 2 {
		return eligible
	}

	fast := make([]Candidate, 0, len(eligible))
	for _, c := range eligible {
		if c.Model.LatencyThresholdMS > 0 && c.AvgLatencyMS > float64(c.Model.LatencyThresholdMS) {
			continue
		}
		fast = append(fast, c)
	}
	if len(fast) == 0 || len(fast) == len(eligible) {
		return eligible
	}

	kept := make(map[string]bool, len(fast))
	for _, c := range fast {
		kept[c.Model.Name] = true
	}
	for _, c := range eligible {
		if c.probe && !kept[c.Model.Name] {
			r.health.ReleaseProbe(c.Model.Name)
		}
	}
	return fast
}
