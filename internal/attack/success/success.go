// Package success measures how many attacks produced a candidate that is
// feasible, misclassified and close to its reference.
package success

import (
	"sort"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Thresholds decide when a candidate counts as misclassified and as close
// enough to the reference.
type Thresholds struct {
	// Evasion is the evasion value below which a candidate is misclassified.
	Evasion float64 `json:"evasion" yaml:"evasion" validate:"gte=0"`
	// Distance is the radius of the distance ball around the reference.
	Distance float64 `json:"distance" yaml:"distance" validate:"gte=0"`
}

// Rates holds, for each combination of conditions, the fraction of reference
// inputs with at least one candidate meeting it.
type Rates struct {
	Constraints                      float64 `json:"constraints"`
	Misclassified                    float64 `json:"misclassified"`
	Distance                         float64 `json:"distance"`
	ConstraintsMisclassified         float64 `json:"constraints_misclassified"`
	ConstraintsDistance              float64 `json:"constraints_distance"`
	MisclassifiedDistance            float64 `json:"misclassified_distance"`
	ConstraintsMisclassifiedDistance float64 `json:"constraints_misclassified_distance"`
}

type flags struct {
	feasible, misclassified, close bool
}

func check(c attack.Candidate, th Thresholds) flags {
	return flags{
		feasible:      c.Feasible,
		misclassified: c.Evasion() < th.Evasion,
		close:         c.Distance() <= th.Distance,
	}
}

// Evaluate computes success rates over the results of a batch of attacks.
// Nil results count as failed inputs.
func Evaluate(results []*attack.Result, th Thresholds) Rates {
	var counts [7]int
	for _, res := range results {
		if res == nil {
			continue
		}
		var hit [7]bool
		for _, c := range res.Front {
			f := check(c, th)
			hit[0] = hit[0] || f.feasible
			hit[1] = hit[1] || f.misclassified
			hit[2] = hit[2] || f.close
			hit[3] = hit[3] || (f.feasible && f.misclassified)
			hit[4] = hit[4] || (f.feasible && f.close)
			hit[5] = hit[5] || (f.misclassified && f.close)
			hit[6] = hit[6] || (f.feasible && f.misclassified && f.close)
		}
		for i, h := range hit {
			if h {
				counts[i]++
			}
		}
	}
	if len(results) == 0 {
		return Rates{}
	}
	n := float64(len(results))
	return Rates{
		Constraints:                      float64(counts[0]) / n,
		Misclassified:                    float64(counts[1]) / n,
		Distance:                         float64(counts[2]) / n,
		ConstraintsMisclassified:         float64(counts[3]) / n,
		ConstraintsDistance:              float64(counts[4]) / n,
		MisclassifiedDistance:            float64(counts[5]) / n,
		ConstraintsMisclassifiedDistance: float64(counts[6]) / n,
	}
}

// SortKey orders successful candidates.
type SortKey string

const (
	ByEvasion  SortKey = "evasion"
	ByDistance SortKey = "distance"
)

// Successful returns the candidates of res that are feasible, misclassified
// and inside the distance ball, ordered by key. limit <= 0 returns all of them.
func Successful(res *attack.Result, th Thresholds, key SortKey, descending bool, limit int) []attack.Candidate {
	if res == nil {
		return nil
	}
	var out []attack.Candidate
	for _, c := range res.Front {
		if f := check(c, th); f.feasible && f.misclassified && f.close {
			out = append(out, c)
		}
	}

	idx := attack.IndexEvasion
	if key == ByDistance {
		idx = attack.IndexDistance
	}
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Objectives[idx] > out[j].Objectives[idx]
		}
		return out[i].Objectives[idx] < out[j].Objectives[idx]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
