package constraints

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

var validate = validator.New()

// Definition kinds accepted in a Spec.
const (
	KindLinear      = "linear"
	KindRange       = "range"
	KindImplication = "implication"
	KindOneHot      = "one_hot"
)

// Spec is the declarative form of a constraint set. Features are referenced by
// name.
type Spec struct {
	Aggregation Aggregation  `json:"aggregation,omitempty" yaml:"aggregation,omitempty" validate:"omitempty,oneof=sum max weighted"`
	Constraints []Definition `json:"constraints" yaml:"constraints" validate:"dive"`
}

// Definition declares one constraint. Only the fields of its Kind are read.
type Definition struct {
	Kind string `json:"kind" yaml:"kind" validate:"required,oneof=linear range implication one_hot"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Weight scales the violation under weighted aggregation. Defaults to 1.
	Weight *float64 `json:"weight,omitempty" yaml:"weight,omitempty" validate:"omitempty,gt=0"`

	// linear
	Terms     []TermSpec `json:"terms,omitempty" yaml:"terms,omitempty" validate:"dive"`
	Op        string     `json:"op,omitempty" yaml:"op,omitempty"`
	Bound     float64    `json:"bound,omitempty" yaml:"bound,omitempty"`
	Tolerance float64    `json:"tolerance,omitempty" yaml:"tolerance,omitempty" validate:"gte=0"`

	// range
	Feature string   `json:"feature,omitempty" yaml:"feature,omitempty"`
	Lower   *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper   *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`

	// implication
	If      *ConditionSpec `json:"if,omitempty" yaml:"if,omitempty"`
	Then    *ConditionSpec `json:"then,omitempty" yaml:"then,omitempty"`
	Penalty float64        `json:"penalty,omitempty" yaml:"penalty,omitempty" validate:"gte=0"`

	// one_hot
	Features []string `json:"features,omitempty" yaml:"features,omitempty"`
}

// TermSpec is one term of a linear definition.
type TermSpec struct {
	Feature string  `json:"feature" yaml:"feature" validate:"required"`
	Coef    float64 `json:"coef" yaml:"coef"`
}

// ConditionSpec is one side of an implication.
type ConditionSpec struct {
	Feature string    `json:"feature" yaml:"feature" validate:"required"`
	Values  []float64 `json:"values" yaml:"values" validate:"required,min=1"`
}

// ParseSpec decodes a YAML constraint spec. Unknown fields are rejected.
func ParseSpec(r io.Reader) (*Spec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Spec
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, attack.WrapError(err, attack.KindConstraintSpec, "decoding constraint spec").
			WithComponent("constraints").
			WithOperation("ParseSpec")
	}
	return &s, nil
}

// ParseSpecBytes is ParseSpec over a byte slice.
func ParseSpecBytes(data []byte) (*Spec, error) {
	return ParseSpec(bytes.NewReader(data))
}

// Build resolves feature names against schema, validates every definition and
// returns the evaluator. Malformed definitions fail with a ConstraintSpec
// error.
func (s *Spec) Build(schema *encoding.Schema) (*Evaluator, error) {
	if err := validate.Struct(s); err != nil {
		return nil, attack.WrapError(err, attack.KindConstraintSpec, describeValidation(err)).
			WithComponent("constraints").
			WithOperation("Build")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	cs := make([]Constraint, 0, len(s.Constraints))
	weights := make([]float64, 0, len(s.Constraints))
	for i, d := range s.Constraints {
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s#%d", d.Kind, i)
		}
		c, err := d.build(schema)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
		w := 1.0
		if d.Weight != nil {
			w = *d.Weight
		}
		weights = append(weights, w)
	}
	return NewEvaluator(schema, s.Aggregation, weights, cs...)
}

func (d Definition) build(schema *encoding.Schema) (Constraint, error) {
	resolve := func(name string) (int, error) {
		if name == "" {
			return -1, specError(d.Name, "missing feature name")
		}
		i, ok := schema.Index(name)
		if !ok {
			return -1, specError(d.Name, "unknown feature %q", name)
		}
		return i, nil
	}

	switch d.Kind {
	case KindLinear:
		if d.Op == "" {
			return nil, specError(d.Name, "linear constraint needs an op")
		}
		terms := make([]Term, 0, len(d.Terms))
		for _, t := range d.Terms {
			idx, err := resolve(t.Feature)
			if err != nil {
				return nil, err
			}
			terms = append(terms, Term{Feature: idx, Coef: t.Coef})
		}
		return &LinearInequality{Label: d.Name, Terms: terms, Op: Op(d.Op), Bound: d.Bound, Tolerance: d.Tolerance}, nil

	case KindRange:
		idx, err := resolve(d.Feature)
		if err != nil {
			return nil, err
		}
		if d.Lower == nil && d.Upper == nil {
			return nil, specError(d.Name, "range constraint needs lower or upper")
		}
		lo, hi := math.Inf(-1), math.Inf(1)
		if d.Lower != nil {
			lo = *d.Lower
		}
		if d.Upper != nil {
			hi = *d.Upper
		}
		return &Range{Label: d.Name, Feature: idx, Lower: lo, Upper: hi}, nil

	case KindImplication:
		if d.If == nil || d.Then == nil {
			return nil, specError(d.Name, "implication needs if and then")
		}
		ifIdx, err := resolve(d.If.Feature)
		if err != nil {
			return nil, err
		}
		thenIdx, err := resolve(d.Then.Feature)
		if err != nil {
			return nil, err
		}
		return &CategoricalImplication{
			Label:   d.Name,
			If:      Condition{Feature: ifIdx, Values: d.If.Values},
			Then:    Condition{Feature: thenIdx, Values: d.Then.Values},
			Penalty: d.Penalty,
		}, nil

	case KindOneHot:
		idx := make([]int, 0, len(d.Features))
		for _, name := range d.Features {
			i, err := resolve(name)
			if err != nil {
				return nil, err
			}
			idx = append(idx, i)
		}
		return &OneHot{Label: d.Name, Features: idx, Penalty: d.Penalty}, nil
	}
	return nil, specError(d.Name, "unknown kind %q", d.Kind)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid constraint spec"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "invalid constraint spec: " + strings.Join(parts, ", ")
}
