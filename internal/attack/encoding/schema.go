// Package encoding maps raw feature vectors to and from genomes and keeps
// genomes inside their per-feature domains.
package encoding

import (
	"math"
	"strconv"

	"github.com/copyleftdev/moeva/internal/attack"
)

// GeneType is the type of a feature. It is fixed per feature index for the
// whole run.
type GeneType string

const (
	// Continuous genes take any real value within [Lower, Upper].
	Continuous GeneType = "continuous"
	// Integer genes take integral values within [Lower, Upper].
	Integer GeneType = "integer"
	// Categorical genes take one of the values listed in Categories. The genome
	// stores the index of the value.
	Categorical GeneType = "categorical"
)

// Feature declares the domain of one feature.
type Feature struct {
	Name       string    `json:"name" yaml:"name" validate:"required"`
	Type       GeneType  `json:"type" yaml:"type" validate:"required,oneof=continuous integer categorical"`
	Lower      float64   `json:"lower" yaml:"lower"`
	Upper      float64   `json:"upper" yaml:"upper"`
	Categories []float64 `json:"categories,omitempty" yaml:"categories,omitempty"`
	// Immutable features are pinned to the reference value.
	Immutable bool `json:"immutable,omitempty" yaml:"immutable,omitempty"`
}

// CategoryIndex returns the index of v in the feature's categories.
func (f *Feature) CategoryIndex(v float64) (int, bool) {
	for i, c := range f.Categories {
		if c == v {
			return i, true
		}
	}
	return -1, false
}

// Schema is the ordered list of feature domains of a dataset.
type Schema struct {
	Features []Feature `json:"features" yaml:"features" validate:"required,min=1,dive"`
}

// NewSchema creates a schema from features.
func NewSchema(features ...Feature) *Schema {
	return &Schema{Features: features}
}

// Len returns the number of features.
func (s *Schema) Len() int {
	return len(s.Features)
}

// Validate checks bounds and domains of every feature.
func (s *Schema) Validate() error {
	if s == nil || len(s.Features) == 0 {
		return attack.NewError(attack.KindConstraintSpec, "schema declares no features").
			WithComponent("encoding")
	}
	for i := range s.Features {
		f := &s.Features[i]
		switch f.Type {
		case Continuous, Integer:
			if !finite(f.Lower) || !finite(f.Upper) {
				return schemaError(i, f, "bounds [%v, %v] must be finite", f.Lower, f.Upper)
			}
			if f.Lower > f.Upper {
				return schemaError(i, f, "lower bound %v exceeds upper bound %v", f.Lower, f.Upper)
			}
			if f.Type == Continuous {
				continue
			}
			if f.Lower != math.Trunc(f.Lower) || f.Upper != math.Trunc(f.Upper) {
				return schemaError(i, f, "integer bounds [%v, %v] must be integral", f.Lower, f.Upper)
			}
		case Categorical:
			if len(f.Categories) == 0 {
				return schemaError(i, f, "categorical feature declares no categories")
			}
			seen := make(map[float64]struct{}, len(f.Categories))
			for _, c := range f.Categories {
				if !finite(c) {
					return schemaError(i, f, "category %v must be finite", c)
				}
				if _, dup := seen[c]; dup {
					return schemaError(i, f, "duplicate category %v", c)
				}
				seen[c] = struct{}{}
			}
		default:
			return schemaError(i, f, "unknown feature type %q", f.Type)
		}
	}
	return nil
}

// GeneBounds returns the bounds of gene i in genome space.
func (s *Schema) GeneBounds(i int) (float64, float64) {
	f := &s.Features[i]
	if f.Type == Categorical {
		return 0, float64(len(f.Categories) - 1)
	}
	return f.Lower, f.Upper
}

// RawBounds returns the bounds of feature i in raw space.
func (s *Schema) RawBounds(i int) (float64, float64) {
	f := &s.Features[i]
	if f.Type != Categorical {
		return f.Lower, f.Upper
	}
	lo, hi := f.Categories[0], f.Categories[0]
	for _, c := range f.Categories[1:] {
		lo = math.Min(lo, c)
		hi = math.Max(hi, c)
	}
	return lo, hi
}

// Mutable reports whether feature i may be perturbed.
func (s *Schema) Mutable(i int) bool {
	return !s.Features[i].Immutable
}

// MutableCount returns the number of mutable features.
func (s *Schema) MutableCount() int {
	n := 0
	for i := range s.Features {
		if !s.Features[i].Immutable {
			n++
		}
	}
	return n
}

// Index returns the position of the feature with the given name.
func (s *Schema) Index(name string) (int, bool) {
	for i := range s.Features {
		if s.Features[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func schemaError(i int, f *Feature, format string, args ...interface{}) error {
	e := attack.NewErrorf(attack.KindConstraintSpec, format, args...)
	e.Message = "feature " + featureLabel(i, f) + ": " + e.Message
	return e.WithComponent("encoding")
}

func featureLabel(i int, f *Feature) string {
	if f.Name != "" {
		return f.Name
	}
	return "#" + strconv.Itoa(i)
}
