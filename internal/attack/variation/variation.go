// Package variation produces offspring genomes by crossover and mutation.
// Every random draw comes from the caller's *rand.Rand and every child goes
// through the encoder's Clamp.
package variation

import (
	"math"
	"math/rand"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
	"github.com/copyleftdev/moeva/internal/attack/selection"
)

// CrossoverKind selects the crossover applied to numeric genes.
type CrossoverKind string

const (
	SBX      CrossoverKind = "sbx"
	Uniform  CrossoverKind = "uniform"
	TwoPoint CrossoverKind = "two_point"
)

const defaultEta = 20.0

// Config holds the variation parameters of a run.
type Config struct {
	Crossover            CrossoverKind `json:"crossover" yaml:"crossover" validate:"omitempty,oneof=sbx uniform two_point"`
	CrossoverProbability float64       `json:"crossover_probability" yaml:"crossover_probability" validate:"gte=0,lte=1"`
	// CrossoverEta is the SBX distribution index. 0 means 20.
	CrossoverEta float64 `json:"crossover_eta" yaml:"crossover_eta" validate:"gte=0"`
	// MutationProbability is the per-gene mutation rate. 0 means one over the
	// number of mutable genes.
	MutationProbability float64 `json:"mutation_probability" yaml:"mutation_probability" validate:"gte=0,lte=1"`
	// MutationEta is the polynomial mutation distribution index. 0 means 20.
	MutationEta float64 `json:"mutation_eta" yaml:"mutation_eta" validate:"gte=0"`
}

// DefaultConfig returns SBX with probability 0.9 and eta 20 for both
// operators.
func DefaultConfig() Config {
	return Config{
		Crossover:            SBX,
		CrossoverProbability: 0.9,
		CrossoverEta:         defaultEta,
		MutationEta:          defaultEta,
	}
}

// Operators applies crossover and mutation for one encoder.
type Operators struct {
	cfg     Config
	encoder *encoding.Encoder
	mutable []int
	pm      float64
}

// New returns operators bound to encoder.
func New(cfg Config, encoder *encoding.Encoder) *Operators {
	if cfg.Crossover == "" {
		cfg.Crossover = SBX
	}
	if cfg.CrossoverEta == 0 {
		cfg.CrossoverEta = defaultEta
	}
	if cfg.MutationEta == 0 {
		cfg.MutationEta = defaultEta
	}
	schema := encoder.Schema()
	var mutable []int
	for i := 0; i < schema.Len(); i++ {
		if schema.Mutable(i) {
			mutable = append(mutable, i)
		}
	}
	pm := cfg.MutationProbability
	if pm == 0 && len(mutable) > 0 {
		pm = 1 / float64(len(mutable))
	}
	return &Operators{cfg: cfg, encoder: encoder, mutable: mutable, pm: pm}
}

// MutationRate returns the effective per-gene mutation probability.
func (o *Operators) MutationRate() float64 {
	return o.pm
}

// Crossover recombines two parents into two clamped children. With
// probability 1-CrossoverProbability the children are copies of the parents.
// Parents are never modified.
func (o *Operators) Crossover(rng *rand.Rand, a, b attack.Genome) (attack.Genome, attack.Genome) {
	c1, c2 := a.Clone(), b.Clone()
	if rng.Float64() >= o.cfg.CrossoverProbability || len(o.mutable) == 0 {
		return o.encoder.Clamp(c1), o.encoder.Clamp(c2)
	}

	switch o.cfg.Crossover {
	case Uniform:
		for _, i := range o.mutable {
			if rng.Float64() < 0.5 {
				c1[i], c2[i] = c2[i], c1[i]
			}
		}
	case TwoPoint:
		lo, hi := rng.Intn(len(o.mutable)), rng.Intn(len(o.mutable))
		if lo > hi {
			lo, hi = hi, lo
		}
		for _, i := range o.mutable[lo : hi+1] {
			c1[i], c2[i] = c2[i], c1[i]
		}
	default:
		schema := o.encoder.Schema()
		for _, i := range o.mutable {
			if rng.Float64() >= 0.5 {
				continue
			}
			if schema.Features[i].Type == encoding.Categorical {
				c1[i], c2[i] = c2[i], c1[i]
				continue
			}
			c1[i], c2[i] = sbx(rng, c1[i], c2[i], o.cfg.CrossoverEta)
		}
	}
	return o.encoder.Clamp(c1), o.encoder.Clamp(c2)
}

// sbx is simulated binary crossover of one gene pair.
func sbx(rng *rand.Rand, p1, p2, eta float64) (float64, float64) {
	if math.Abs(p1-p2) < 1e-14 {
		return p1, p2
	}
	u := rng.Float64()
	var beta float64
	if u <= 0.5 {
		beta = math.Pow(2*u, 1/(eta+1))
	} else {
		beta = math.Pow(1/(2*(1-u)), 1/(eta+1))
	}
	return 0.5 * ((1+beta)*p1 + (1-beta)*p2), 0.5 * ((1-beta)*p1 + (1+beta)*p2)
}

// Mutate returns a clamped copy of g where each mutable gene is perturbed
// with the configured probability: polynomial mutation for numeric genes,
// resampling to another category for categorical ones.
func (o *Operators) Mutate(rng *rand.Rand, g attack.Genome) attack.Genome {
	out := g.Clone()
	schema := o.encoder.Schema()
	for _, i := range o.mutable {
		if rng.Float64() >= o.pm {
			continue
		}
		f := &schema.Features[i]
		if f.Type == encoding.Categorical {
			if k := len(f.Categories); k > 1 {
				next := rng.Intn(k - 1)
				if next >= int(out[i]) {
					next++
				}
				out[i] = float64(next)
			}
			continue
		}
		out[i] = polynomial(rng, out[i], f.Lower, f.Upper, o.cfg.MutationEta)
	}
	return o.encoder.Clamp(out)
}

// polynomial applies bounded polynomial mutation to x.
func polynomial(rng *rand.Rand, x, lower, upper, eta float64) float64 {
	width := upper - lower
	if width <= 0 {
		return x
	}
	u := rng.Float64()
	var dq float64
	if u < 0.5 {
		dq = math.Pow(2*u, 1/(eta+1)) - 1
	} else {
		dq = 1 - math.Pow(2*(1-u), 1/(eta+1))
	}
	return x + dq*width
}

// Offspring builds n children from parents. Parents are drawn by crowded
// tournaments of the given size, so Rank and Distance must be assigned. A
// single parent degenerates to mutation only.
func (o *Operators) Offspring(rng *rand.Rand, parents attack.Population, n, tournament int) []attack.Genome {
	out := make([]attack.Genome, 0, n)
	if len(parents) == 0 {
		return out
	}
	if len(parents) == 1 {
		for len(out) < n {
			out = append(out, o.Mutate(rng, parents[0].Genome))
		}
		return out
	}
	for len(out) < n {
		a := selection.Tournament(rng, parents, tournament)
		b := selection.Tournament(rng, parents, tournament)
		c1, c2 := o.Crossover(rng, a.Genome, b.Genome)
		out = append(out, o.Mutate(rng, c1))
		if len(out) < n {
			out = append(out, o.Mutate(rng, c2))
		}
	}
	return out
}
