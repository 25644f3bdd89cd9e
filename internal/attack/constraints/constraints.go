// Package constraints evaluates domain feasibility of raw feature vectors.
//
// Constraints form a closed set of variants (linear inequality, range,
// categorical implication and one-hot group). Each computes a non-negative
// violation and may implement Repairable to move a vector toward feasibility.
package constraints

import (
	"fmt"
	"math"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

// DefaultTolerance is the excess below which a linear inequality counts as
// satisfied.
const DefaultTolerance = 1e-9

// Constraint is a feasibility predicate over a subset of features. All
// methods must be pure.
type Constraint interface {
	// Name identifies the constraint in errors and reports.
	Name() string
	// Violation returns 0 when raw satisfies the constraint, a positive
	// amount otherwise.
	Violation(raw []float64) float64
	// Validate checks the constraint against the feature schema.
	Validate(schema *encoding.Schema) error
}

// Repairable constraints can move a violating vector toward feasibility.
// Repair edits raw in place, only touches mutable features and keeps them
// inside their schema domains.
type Repairable interface {
	Constraint
	Repair(raw []float64, schema *encoding.Schema)
}

// Op is the comparison of a linear constraint.
type Op string

const (
	LessEqual    Op = "<="
	GreaterEqual Op = ">="
	Equal        Op = "=="
)

// Term is one coefficient of a linear constraint.
type Term struct {
	Feature int
	Coef    float64
}

// LinearInequality requires sum(coef_i * x_i) Op Bound.
type LinearInequality struct {
	Label     string
	Terms     []Term
	Op        Op
	Bound     float64
	Tolerance float64
}

// Name implements Constraint.
func (c *LinearInequality) Name() string { return c.Label }

func (c *LinearInequality) lhs(raw []float64) float64 {
	sum := 0.0
	for _, t := range c.Terms {
		sum += t.Coef * raw[t.Feature]
	}
	return sum
}

func (c *LinearInequality) tolerance() float64 {
	if c.Tolerance > 0 {
		return c.Tolerance
	}
	return DefaultTolerance
}

// shortfall returns the signed change of the left-hand side needed to satisfy
// the constraint, 0 when it already holds.
func (c *LinearInequality) shortfall(raw []float64) float64 {
	diff := c.Bound - c.lhs(raw)
	switch c.Op {
	case LessEqual:
		if diff >= -c.tolerance() {
			return 0
		}
	case GreaterEqual:
		if diff <= c.tolerance() {
			return 0
		}
	default:
		if math.Abs(diff) <= c.tolerance() {
			return 0
		}
	}
	return diff
}

// Violation implements Constraint.
func (c *LinearInequality) Violation(raw []float64) float64 {
	return math.Abs(c.shortfall(raw))
}

// Validate implements Constraint.
func (c *LinearInequality) Validate(schema *encoding.Schema) error {
	if len(c.Terms) == 0 {
		return specError(c.Label, "linear constraint has no terms")
	}
	switch c.Op {
	case LessEqual, GreaterEqual, Equal:
	default:
		return specError(c.Label, "unknown operator %q", c.Op)
	}
	for _, t := range c.Terms {
		if t.Feature < 0 || t.Feature >= schema.Len() {
			return specError(c.Label, "feature index %d out of range", t.Feature)
		}
		if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
			return specError(c.Label, "coefficient of feature %d is not finite", t.Feature)
		}
	}
	if math.IsNaN(c.Bound) {
		return specError(c.Label, "bound is NaN")
	}
	return nil
}

// Repair shifts mutable numeric terms, in declaration order, until the
// left-hand side reaches the bound or no term can move further.
func (c *LinearInequality) Repair(raw []float64, schema *encoding.Schema) {
	need := c.shortfall(raw)
	for _, t := range c.Terms {
		if need == 0 {
			return
		}
		f := &schema.Features[t.Feature]
		if t.Coef == 0 || f.Immutable || f.Type == encoding.Categorical {
			continue
		}
		step := need / t.Coef
		if f.Type == encoding.Integer {
			// Round away from zero so the integer step covers the shortfall.
			step = math.Copysign(math.Ceil(math.Abs(step)-1e-12), step)
		}
		x := raw[t.Feature]
		moved := math.Max(f.Lower, math.Min(f.Upper, x+step))
		raw[t.Feature] = moved
		need = c.shortfall(raw)
	}
}

// Range requires Lower <= x[Feature] <= Upper.
type Range struct {
	Label   string
	Feature int
	Lower   float64
	Upper   float64
}

// Name implements Constraint.
func (c *Range) Name() string { return c.Label }

// Violation implements Constraint.
func (c *Range) Violation(raw []float64) float64 {
	v := raw[c.Feature]
	return math.Max(0, c.Lower-v) + math.Max(0, v-c.Upper)
}

// Validate implements Constraint.
func (c *Range) Validate(schema *encoding.Schema) error {
	if c.Feature < 0 || c.Feature >= schema.Len() {
		return specError(c.Label, "feature index %d out of range", c.Feature)
	}
	if math.IsNaN(c.Lower) || math.IsNaN(c.Upper) || c.Lower > c.Upper {
		return specError(c.Label, "invalid interval [%v, %v]", c.Lower, c.Upper)
	}
	return nil
}

// Repair snaps the feature to the nearest bound it violates. Categorical
// features move to the closest category inside the interval.
func (c *Range) Repair(raw []float64, schema *encoding.Schema) {
	if c.Violation(raw) == 0 {
		return
	}
	f := &schema.Features[c.Feature]
	if f.Immutable {
		return
	}
	v := raw[c.Feature]
	switch f.Type {
	case encoding.Categorical:
		best, found := 0.0, false
		for _, cat := range f.Categories {
			if cat < c.Lower || cat > c.Upper {
				continue
			}
			if !found || math.Abs(cat-v) < math.Abs(best-v) {
				best, found = cat, true
			}
		}
		if found {
			raw[c.Feature] = best
		}
	case encoding.Integer:
		lo, hi := math.Ceil(c.Lower), math.Floor(c.Upper)
		raw[c.Feature] = math.Max(f.Lower, math.Min(f.Upper, math.Max(lo, math.Min(hi, v))))
	default:
		raw[c.Feature] = math.Max(f.Lower, math.Min(f.Upper, math.Max(c.Lower, math.Min(c.Upper, v))))
	}
}

// Condition matches when a feature takes one of Values.
type Condition struct {
	Feature int
	Values  []float64
}

func (c Condition) holds(raw []float64) bool {
	return containsValue(c.Values, raw[c.Feature])
}

// CategoricalImplication requires Then to hold whenever If holds. The
// violation is the 0/Penalty indicator of the implication failing.
type CategoricalImplication struct {
	Label   string
	If      Condition
	Then    Condition
	Penalty float64
}

// Name implements Constraint.
func (c *CategoricalImplication) Name() string { return c.Label }

func (c *CategoricalImplication) penalty() float64 {
	if c.Penalty > 0 {
		return c.Penalty
	}
	return 1
}

// Violation implements Constraint.
func (c *CategoricalImplication) Violation(raw []float64) float64 {
	if c.If.holds(raw) && !c.Then.holds(raw) {
		return c.penalty()
	}
	return 0
}

// Validate implements Constraint.
func (c *CategoricalImplication) Validate(schema *encoding.Schema) error {
	for _, cond := range []Condition{c.If, c.Then} {
		if cond.Feature < 0 || cond.Feature >= schema.Len() {
			return specError(c.Label, "feature index %d out of range", cond.Feature)
		}
		if len(cond.Values) == 0 {
			return specError(c.Label, "condition on feature %d lists no values", cond.Feature)
		}
		f := &schema.Features[cond.Feature]
		for _, v := range cond.Values {
			if f.Type == encoding.Categorical {
				if _, ok := f.CategoryIndex(v); !ok {
					return specError(c.Label, "%v is not a category of %s", v, f.Name)
				}
			} else if math.IsNaN(v) || v < f.Lower || v > f.Upper {
				return specError(c.Label, "%v outside the domain of %s", v, f.Name)
			} else if f.Type == encoding.Integer && v != math.Trunc(v) {
				return specError(c.Label, "%v is not an integer value of %s", v, f.Name)
			}
		}
	}
	return nil
}

// Repair sets the consequent feature to its first allowed value. When the
// consequent is immutable it falls back to breaking the antecedent.
func (c *CategoricalImplication) Repair(raw []float64, schema *encoding.Schema) {
	if c.Violation(raw) == 0 {
		return
	}
	if !schema.Features[c.Then.Feature].Immutable {
		raw[c.Then.Feature] = c.Then.Values[0]
		return
	}
	f := &schema.Features[c.If.Feature]
	if f.Immutable || f.Type != encoding.Categorical {
		return
	}
	for _, cat := range f.Categories {
		if !containsValue(c.If.Values, cat) {
			raw[c.If.Feature] = cat
			return
		}
	}
}

func containsValue(values []float64, v float64) bool {
	for _, want := range values {
		if v == want {
			return true
		}
	}
	return false
}

// OneHot requires exactly one member of a group of binary features to be 1.
type OneHot struct {
	Label    string
	Features []int
	Penalty  float64
}

// Name implements Constraint.
func (c *OneHot) Name() string { return c.Label }

// Violation implements Constraint.
func (c *OneHot) Violation(raw []float64) float64 {
	sum, offBinary := 0.0, 0.0
	for _, i := range c.Features {
		v := raw[i]
		sum += v
		offBinary += math.Min(math.Abs(v), math.Abs(1-v))
	}
	excess := math.Abs(sum-1) + offBinary
	if excess == 0 {
		return 0
	}
	if c.Penalty > 0 {
		return c.Penalty * excess
	}
	return excess
}

// Validate implements Constraint.
func (c *OneHot) Validate(schema *encoding.Schema) error {
	if len(c.Features) < 2 {
		return specError(c.Label, "one-hot group needs at least two features")
	}
	for _, i := range c.Features {
		if i < 0 || i >= schema.Len() {
			return specError(c.Label, "feature index %d out of range", i)
		}
		f := &schema.Features[i]
		if f.Type == encoding.Categorical || f.Lower > 0 || f.Upper < 1 {
			return specError(c.Label, "feature %s cannot hold 0 and 1", f.Name)
		}
	}
	return nil
}

// Repair keeps the strongest mutable member at 1 and clears the others. An
// immutable member already at 1 wins.
func (c *OneHot) Repair(raw []float64, schema *encoding.Schema) {
	if c.Violation(raw) == 0 {
		return
	}
	winner := -1
	for _, i := range c.Features {
		if schema.Features[i].Immutable && raw[i] == 1 {
			winner = i
			break
		}
	}
	if winner < 0 {
		for _, i := range c.Features {
			if schema.Features[i].Immutable {
				continue
			}
			if winner < 0 || raw[i] > raw[winner] {
				winner = i
			}
		}
	}
	for _, i := range c.Features {
		if schema.Features[i].Immutable {
			continue
		}
		if i == winner {
			raw[i] = 1
		} else {
			raw[i] = 0
		}
	}
}

func specError(label, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if label != "" {
		msg = fmt.Sprintf("constraint %q: %s", label, msg)
	}
	return attack.NewError(attack.KindConstraintSpec, msg).WithComponent("constraints")
}
