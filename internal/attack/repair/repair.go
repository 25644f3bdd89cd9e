// Package repair projects infeasible genomes toward the feasible region using
// the repair hooks of the constraint set.
package repair

import (
	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/constraints"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

// DefaultMaxPasses is the number of sweeps over the repairable constraints
// when none is configured.
const DefaultMaxPasses = 3

// Repairer is a best-effort projection toward feasibility. It never fails and
// never makes a genome less feasible.
type Repairer struct {
	encoder     *encoding.Encoder
	constraints *constraints.Evaluator
	repairable  []constraints.Repairable
	maxPasses   int
}

// New returns a repairer. A nil evaluator yields a no-op repairer.
func New(encoder *encoding.Encoder, cons *constraints.Evaluator, maxPasses int) *Repairer {
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	r := &Repairer{encoder: encoder, constraints: cons, maxPasses: maxPasses}
	if cons != nil {
		r.repairable = cons.Repairable()
	}
	return r
}

// Repair returns g unchanged when it is feasible or cannot be decoded.
// Otherwise it applies every repairable constraint in declaration order for
// up to MaxPasses sweeps and returns the clamped result if its violation is
// not larger than g's.
func (r *Repairer) Repair(g attack.Genome) attack.Genome {
	if r.constraints == nil || len(r.repairable) == 0 {
		return g
	}
	raw, err := r.encoder.Decode(g)
	if err != nil {
		return g
	}
	before := r.constraints.Violation(raw)
	if before == 0 {
		return g
	}

	schema := r.encoder.Schema()
	for pass := 0; pass < r.maxPasses; pass++ {
		for _, c := range r.repairable {
			c.Repair(raw, schema)
		}
		if r.constraints.Violation(raw) == 0 {
			break
		}
	}

	repaired, ok := r.reencode(raw)
	if !ok {
		return g
	}
	after, err := r.encoder.Decode(repaired)
	if err != nil || r.constraints.Violation(after) > before {
		return g
	}
	return repaired
}

// RepairAll repairs every genome in place of the slice.
func (r *Repairer) RepairAll(genomes []attack.Genome) {
	for i, g := range genomes {
		genomes[i] = r.Repair(g)
	}
}

// reencode maps a repaired raw vector back to a clamped genome. It fails when
// a categorical value left its domain.
func (r *Repairer) reencode(raw []float64) (attack.Genome, bool) {
	schema := r.encoder.Schema()
	g := make(attack.Genome, len(raw))
	for i, v := range raw {
		f := &schema.Features[i]
		if f.Type == encoding.Categorical {
			idx, ok := f.CategoryIndex(v)
			if !ok {
				return nil, false
			}
			g[i] = float64(idx)
			continue
		}
		g[i] = v
	}
	return r.encoder.Clamp(g), true
}
