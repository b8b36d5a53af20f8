package genroute

import "sort"

// Policy picks the candidate a generation is routed to. Select is called
// with a non-empty slice and must return one of its elements unmodified.
type Policy interface {
	Select(candidates []Candidate) (Candidate, error)
}

// WeightedChoice picks a candidate in proportion to descriptor weight.
// Candidates are first ordered deterministically, by recorded average
// latency and then by name, so a fixed roll always lands on the same
// candidate. roll must be in [0, 1); non-positive weights contribute
// nothing.
func WeightedChoice(candidates []Candidate, roll float64) Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].AvgLatencyMS != ordered[j].AvgLatencyMS {
			return ordered[i].AvgLatencyMS < ordered[j].AvgLatencyMS
		}
		return ordered[i].Model.Name < ordered[j].Model.Name
	})

	var total float64
	for _, c := range ordered {
		if c.Model.Weight > 0 {
			total += c.Model.Weight
		}
	}
	if total <= 0 {
		return ordered[0]
	}

	x := roll * total
	last := ordered[0]
	for _, c := range ordered {
		if c.Model.Weight <= 0 {
			continue
		}
		last = c
		x -= c.Model.Weight
		if x < 0 {
			return c
		}
	}
	return last
}
