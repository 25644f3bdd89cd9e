package constraints

import (
	"math"

	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

// Aggregation selects how per-constraint violations combine into one scalar.
type Aggregation string

const (
	// AggregateSum adds all violations.
	AggregateSum Aggregation = "sum"
	// AggregateMax keeps the largest violation.
	AggregateMax Aggregation = "max"
	// AggregateWeighted adds violations scaled by per-constraint weights.
	AggregateWeighted Aggregation = "weighted"
)

// Evaluator computes the aggregate violation of a raw vector over a fixed set
// of constraints. It is immutable and safe for concurrent use.
type Evaluator struct {
	schema      *encoding.Schema
	constraints []Constraint
	aggregation Aggregation
	weights     []float64
}

// NewEvaluator validates every constraint against the schema. weights is only
// read for AggregateWeighted and must then hold one positive weight per
// constraint.
func NewEvaluator(schema *encoding.Schema, aggregation Aggregation, weights []float64, cs ...Constraint) (*Evaluator, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if aggregation == "" {
		aggregation = AggregateSum
	}
	switch aggregation {
	case AggregateSum, AggregateMax:
		weights = nil
	case AggregateWeighted:
		if len(weights) != len(cs) {
			return nil, specError("", "weighted aggregation needs %d weights, got %d", len(cs), len(weights))
		}
		for i, w := range weights {
			if !(w > 0) || math.IsInf(w, 0) {
				return nil, specError("", "weight %d is %v, want a finite positive value", i, w)
			}
		}
		weights = append([]float64(nil), weights...)
	default:
		return nil, specError("", "unknown aggregation %q", aggregation)
	}

	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		if c == nil {
			return nil, specError("", "nil constraint")
		}
		if err := c.Validate(schema); err != nil {
			return nil, err
		}
		if name := c.Name(); name != "" {
			if _, dup := seen[name]; dup {
				return nil, specError(name, "duplicate constraint name")
			}
			seen[name] = struct{}{}
		}
	}

	return &Evaluator{
		schema:      schema,
		constraints: append([]Constraint(nil), cs...),
		aggregation: aggregation,
		weights:     weights,
	}, nil
}

// Schema returns the feature schema the constraints were validated against.
func (e *Evaluator) Schema() *encoding.Schema {
	return e.schema
}

// Constraints returns the constraints in declaration order.
func (e *Evaluator) Constraints() []Constraint {
	return append([]Constraint(nil), e.constraints...)
}

// Aggregation returns the aggregation mode.
func (e *Evaluator) Aggregation() Aggregation {
	return e.aggregation
}

// Len returns the number of constraints.
func (e *Evaluator) Len() int {
	return len(e.constraints)
}

// Violation returns the aggregate violation of raw. It is 0 iff every
// constraint is satisfied.
func (e *Evaluator) Violation(raw []float64) float64 {
	total := 0.0
	for i, c := range e.constraints {
		v := c.Violation(raw)
		switch e.aggregation {
		case AggregateMax:
			total = math.Max(total, v)
		case AggregateWeighted:
			total += e.weights[i] * v
		default:
			total += v
		}
	}
	return total
}

// PerConstraint returns the unweighted violation of each constraint in
// declaration order.
func (e *Evaluator) PerConstraint(raw []float64) []float64 {
	out := make([]float64, len(e.constraints))
	for i, c := range e.constraints {
		out[i] = c.Violation(raw)
	}
	return out
}

// Feasible reports whether raw satisfies every constraint.
func (e *Evaluator) Feasible(raw []float64) bool {
	for _, c := range e.constraints {
		if c.Violation(raw) > 0 {
			return false
		}
	}
	return true
}

// Repairable returns the constraints that implement Repairable, in
// declaration order.
func (e *Evaluator) Repairable() []Repairable {
	var out []Repairable
	for _, c := range e.constraints {
		if r, ok := c.(Repairable); ok {
			out = append(out, r)
		}
	}
	return out
}
