package policy

import (
	"sort"

	"github.com/ledgerline/genroute"
)

// LatencyFirst always picks the candidate with the lowest recorded average
// latency, ignoring weights. Candidates with no history sort first, so new
// models get traffic until they accumulate samples.
type LatencyFirst struct{}

var _ genroute.Policy = (*LatencyFirst)(nil)

// Select picks the lowest-latency candidate. Ties break by name.
func (LatencyFirst) Select(candidates []genroute.Candidate) (genroute.Candidate, error) {
	ordered := make([]genroute.Candidate, len(candidates))
	copy(ordered, candidates)

	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].AvgLatencyMS != ordered[j].AvgLatencyMS {
			return ordered[i].AvgLatencyMS < ordered[j].AvgLatencyMS
		}
		return ordered[i].Model.Name < ordered[j].Model.Name
	})

	return ordered[0], nil
}
