// Package policy provides ready-made selection policies for the router.
package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ledgerline/genroute"
)

// Weighted picks candidates at random in proportion to their configured
// weight. Over many requests traffic converges on the weight ratios.
type Weighted struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

var _ genroute.Policy = (*Weighted)(nil)

// NewWeighted creates a weighted policy seeded from the clock.
func NewWeighted() *Weighted {
	return NewSeededWeighted(time.Now().UnixNano())
}

// NewSeededWeighted creates a weighted policy with a deterministic roll
// sequence. Useful in tests.
func NewSeededWeighted(seed int64) *Weighted {
	return &Weighted{rnd: rand.New(rand.NewSource(seed))}
}

// Select picks one candidate, weight-proportionally.
func (p *Weighted) Select(candidates []genroute.Candidate) (genroute.Candidate, error) {
	p.mu.Lock()
	roll := p.rnd.Float64()
	p.mu.Unlock()
	return genroute.WeightedChoice(candidates, roll), nil
}
