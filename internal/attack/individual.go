package attack

// Objective vector layout. Additional objectives, when configured, follow
// IndexViolation in declaration order.
const (
	IndexEvasion = iota
	IndexDistance
	IndexViolation

	// NumBaseObjectives is the arity of the objective vector without extras.
	NumBaseObjectives
)

// Genome is the encoded form of a candidate: one gene per feature. Numeric
// genes hold the raw value, categorical genes hold the index of the category.
type Genome []float64

// Clone returns a copy of g that shares no memory with it.
func (g Genome) Clone() Genome {
	if g == nil {
		return nil
	}
	return append(Genome(nil), g...)
}

// Equal reports whether both genomes hold identical genes.
func (g Genome) Equal(other Genome) bool {
	if len(g) != len(other) {
		return false
	}
	for i := range g {
		if g[i] != other[i] {
			return false
		}
	}
	return true
}

// Objectives is a fixed-arity objective vector. Every objective is minimised.
type Objectives []float64

// Clone returns a copy of o.
func (o Objectives) Clone() Objectives {
	if o == nil {
		return nil
	}
	return append(Objectives(nil), o...)
}

// Individual is a genome together with its evaluation and selection state.
type Individual struct {
	Genome     Genome
	Objectives Objectives
	Feasible   bool

	// Rank and Distance are assigned by the selector.
	Rank     int
	Distance float64
}

// NewIndividual wraps a genome that has not been evaluated yet.
func NewIndividual(g Genome) *Individual {
	return &Individual{Genome: g}
}

// Violation returns the aggregated constraint violation of the individual.
func (ind *Individual) Violation() float64 {
	return ind.Objectives[IndexViolation]
}

// Evasion returns the evasion objective of the individual.
func (ind *Individual) Evasion() float64 {
	return ind.Objectives[IndexEvasion]
}

// Clone returns a deep copy of the individual.
func (ind *Individual) Clone() *Individual {
	return &Individual{
		Genome:     ind.Genome.Clone(),
		Objectives: ind.Objectives.Clone(),
		Feasible:   ind.Feasible,
		Rank:       ind.Rank,
		Distance:   ind.Distance,
	}
}

// Population is the set of individuals of one generation.
type Population []*Individual

// Clone deep-copies every individual.
func (p Population) Clone() Population {
	out := make(Population, len(p))
	for i, ind := range p {
		out[i] = ind.Clone()
	}
	return out
}

// Genomes returns the genomes of the population in order, without copying.
func (p Population) Genomes() []Genome {
	out := make([]Genome, len(p))
	for i, ind := range p {
		out[i] = ind.Genome
	}
	return out
}

// Merge returns a new population holding the members of p followed by the
// members of other. Neither input is modified.
func (p Population) Merge(other Population) Population {
	out := make(Population, 0, len(p)+len(other))
	out = append(out, p...)
	return append(out, other...)
}
