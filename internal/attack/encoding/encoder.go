package encoding

import (
	"math"
	"math/rand"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Encoder converts between raw feature vectors and genomes for one reference
// input. It is immutable after construction and safe for concurrent use.
type Encoder struct {
	schema    *Schema
	reference []float64
	refGenome attack.Genome
}

// NewEncoder validates the schema and the reference input and returns an
// encoder bound to them.
func NewEncoder(schema *Schema, reference []float64) (*Encoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{
		schema:    schema,
		reference: append([]float64(nil), reference...),
	}
	g, err := e.Encode(reference)
	if err != nil {
		return nil, attack.WrapError(err, attack.KindInvalidGenome, "reference input does not match schema").
			WithComponent("encoding").
			WithOperation("NewEncoder")
	}
	e.refGenome = g
	return e, nil
}

// Schema returns the feature schema.
func (e *Encoder) Schema() *Schema {
	return e.schema
}

// Reference returns a copy of the reference input in raw space.
func (e *Encoder) Reference() []float64 {
	return append([]float64(nil), e.reference...)
}

// ReferenceGenome returns a copy of the encoded reference input.
func (e *Encoder) ReferenceGenome() attack.Genome {
	return e.refGenome.Clone()
}

// Encode maps a raw vector to its genome. It fails with an InvalidGenome error
// when the vector does not conform to the schema.
func (e *Encoder) Encode(raw []float64) (attack.Genome, error) {
	if err := e.CheckRaw(raw); err != nil {
		return nil, err
	}
	g := make(attack.Genome, len(raw))
	for i, v := range raw {
		f := &e.schema.Features[i]
		if f.Type == Categorical {
			idx, _ := f.CategoryIndex(v)
			g[i] = float64(idx)
			continue
		}
		g[i] = v
	}
	return g, nil
}

// Decode maps a genome back to raw space.
func (e *Encoder) Decode(g attack.Genome) ([]float64, error) {
	if err := e.CheckGenome(g); err != nil {
		return nil, err
	}
	return e.decode(g), nil
}

// decode skips validation. Callers guarantee g went through Clamp.
func (e *Encoder) decode(g attack.Genome) []float64 {
	raw := make([]float64, len(g))
	for i, v := range g {
		f := &e.schema.Features[i]
		if f.Type == Categorical {
			raw[i] = f.Categories[int(v)]
			continue
		}
		raw[i] = v
	}
	return raw
}

// DecodeAll decodes a batch of genomes.
func (e *Encoder) DecodeAll(genomes []attack.Genome) ([][]float64, error) {
	out := make([][]float64, len(genomes))
	for i, g := range genomes {
		raw, err := e.Decode(g)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// CheckRaw verifies that raw matches the schema's length, types and bounds.
func (e *Encoder) CheckRaw(raw []float64) error {
	if len(raw) != e.schema.Len() {
		return invalid("CheckRaw", "vector has %d features, schema declares %d", len(raw), e.schema.Len())
	}
	for i, v := range raw {
		f := &e.schema.Features[i]
		if math.IsNaN(v) {
			return invalid("CheckRaw", "feature %s is NaN", featureLabel(i, f))
		}
		switch f.Type {
		case Categorical:
			if _, ok := f.CategoryIndex(v); !ok {
				return invalid("CheckRaw", "feature %s: %v is not a declared category", featureLabel(i, f), v)
			}
		case Integer:
			if v != math.Trunc(v) {
				return invalid("CheckRaw", "feature %s: %v is not integral", featureLabel(i, f), v)
			}
			fallthrough
		default:
			if v < f.Lower || v > f.Upper {
				return invalid("CheckRaw", "feature %s: %v outside [%v, %v]", featureLabel(i, f), v, f.Lower, f.Upper)
			}
		}
	}
	return nil
}

// CheckGenome verifies that every gene lies in its genome-space domain.
func (e *Encoder) CheckGenome(g attack.Genome) error {
	if len(g) != e.schema.Len() {
		return invalid("CheckGenome", "genome has %d genes, schema declares %d", len(g), e.schema.Len())
	}
	for i, v := range g {
		f := &e.schema.Features[i]
		lo, hi := e.schema.GeneBounds(i)
		if math.IsNaN(v) || v < lo || v > hi {
			return invalid("CheckGenome", "gene %s: %v outside [%v, %v]", featureLabel(i, f), v, lo, hi)
		}
		if f.Type != Continuous && v != math.Trunc(v) {
			return invalid("CheckGenome", "gene %s: %v is not integral", featureLabel(i, f), v)
		}
	}
	return nil
}

// Clamp returns a copy of g with every gene projected into its domain:
// numeric genes are clipped to bounds, integer and categorical genes are
// rounded, and immutable genes are reset to the reference. Clamp is
// idempotent and never changes a gene's type.
func (e *Encoder) Clamp(g attack.Genome) attack.Genome {
	out := make(attack.Genome, len(g))
	for i, v := range g {
		if e.schema.Features[i].Immutable || math.IsNaN(v) {
			out[i] = e.refGenome[i]
			continue
		}
		out[i] = e.ClampGene(i, v)
	}
	return out
}

// ClampGene projects a single value into the domain of gene i.
func (e *Encoder) ClampGene(i int, v float64) float64 {
	lo, hi := e.schema.GeneBounds(i)
	if e.schema.Features[i].Type != Continuous {
		v = math.Round(v)
	}
	return math.Max(lo, math.Min(hi, v))
}

// RandomGenome samples a genome inside a ball around the reference. radius is
// a fraction of each feature's range; categorical genes are resampled with
// probability radius.
func (e *Encoder) RandomGenome(rng *rand.Rand, radius float64) attack.Genome {
	radius = math.Max(0, math.Min(1, radius))
	g := e.refGenome.Clone()
	for i := range g {
		f := &e.schema.Features[i]
		if f.Immutable {
			continue
		}
		if f.Type == Categorical {
			if rng.Float64() < radius {
				g[i] = float64(rng.Intn(len(f.Categories)))
			}
			continue
		}
		width := (f.Upper - f.Lower) * radius
		g[i] += (2*rng.Float64() - 1) * width
	}
	return e.Clamp(g)
}

// InitialPopulation builds n genomes around the reference. A share of
// perturbedRatio is sampled with RandomGenome; the rest are exact copies of
// the reference, placed first.
func (e *Encoder) InitialPopulation(rng *rand.Rand, n int, radius, perturbedRatio float64) []attack.Genome {
	perturbed := int(math.Round(math.Max(0, math.Min(1, perturbedRatio)) * float64(n)))
	out := make([]attack.Genome, 0, n)
	for i := 0; i < n-perturbed; i++ {
		out = append(out, e.refGenome.Clone())
	}
	for len(out) < n {
		out = append(out, e.RandomGenome(rng, radius))
	}
	return out
}

// NormalizedDelta returns the per-feature difference between raw and the
// reference, scaled by each feature's range. Categorical features contribute
// 0 when equal to the reference and 1 otherwise.
func (e *Encoder) NormalizedDelta(raw []float64) []float64 {
	delta := make([]float64, len(raw))
	for i, v := range raw {
		f := &e.schema.Features[i]
		if f.Type == Categorical {
			if v != e.reference[i] {
				delta[i] = 1
			}
			continue
		}
		width := f.Upper - f.Lower
		if width == 0 {
			continue
		}
		delta[i] = (v - e.reference[i]) / width
	}
	return delta
}

func invalid(op, format string, args ...interface{}) error {
	return attack.NewErrorf(attack.KindInvalidGenome, format, args...).
		WithComponent("encoding").
		WithOperation(op)
}
