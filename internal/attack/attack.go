package attack

import (
	"context"
	"time"
)

// Attacker defines the interface for adversarial search engines
type Attacker interface {
	// Attack runs the search around a single reference input
	Attack(ctx context.Context, reference []float64) (*Result, error)

	// Front returns the non-dominated candidates of the last completed generation
	Front() []Candidate

	// History returns per-generation statistics recorded so far
	History() []GenerationStats

	// Stop requests cancellation after the current generation completes
	Stop()
}

// Scorer is the only coupling to the target classifier. It receives a batch of
// decoded raw feature vectors and returns one score (or probability) vector per
// row. Implementations must be safe for concurrent use and must not retain the
// batch slices.
type Scorer interface {
	Score(ctx context.Context, batch [][]float64) ([][]float64, error)
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(ctx context.Context, batch [][]float64) ([][]float64, error)

// Score calls f(ctx, batch).
func (f ScorerFunc) Score(ctx context.Context, batch [][]float64) ([][]float64, error) {
	return f(ctx, batch)
}

// TerminationReason explains why a run stopped.
type TerminationReason string

const (
	// ReasonBudget means the generation budget was exhausted.
	ReasonBudget TerminationReason = "budget"
	// ReasonSuccess means a feasible candidate crossed the success threshold and
	// early stopping was enabled.
	ReasonSuccess TerminationReason = "success"
	// ReasonStagnation means the best evasion/violation trade-off did not improve
	// over the configured window.
	ReasonStagnation TerminationReason = "stagnation"
	// ReasonCancelled means the caller cancelled the run between generations.
	ReasonCancelled TerminationReason = "cancelled"
	// ReasonFailed means evaluation failed and the run was aborted.
	ReasonFailed TerminationReason = "failed"
)

// Candidate is one member of the returned Pareto front, in raw feature space.
type Candidate struct {
	Features   []float64 `json:"features"`
	Objectives []float64 `json:"objectives"`
	Feasible   bool      `json:"feasible"`
}

// Evasion returns the evasion objective of the candidate.
func (c Candidate) Evasion() float64 { return c.Objectives[IndexEvasion] }

// Distance returns the distance objective of the candidate.
func (c Candidate) Distance() float64 { return c.Objectives[IndexDistance] }

// Violation returns the constraint violation of the candidate.
func (c Candidate) Violation() float64 { return c.Objectives[IndexViolation] }

// GenerationStats summarises one completed generation
type GenerationStats struct {
	Generation    int     `json:"generation"`
	FrontSize     int     `json:"front_size"`
	FeasibleCount int     `json:"feasible_count"`
	BestEvasion   float64 `json:"best_evasion"`
	BestDistance  float64 `json:"best_distance"`
	MinViolation  float64 `json:"min_violation"`
	MeanEvasion   float64 `json:"mean_evasion"`
	Evaluations   int     `json:"evaluations"`
}

// Result contains the outcome of one attack run
type Result struct {
	Reference   []float64         `json:"reference"`
	Front       []Candidate       `json:"front"`
	Generations int               `json:"generations"`
	Reason      TerminationReason `json:"reason"`
	Seed        int64             `json:"seed"`
	// Feasible is false when no member of the front satisfies every constraint;
	// the front then holds the least-infeasible candidates.
	Feasible bool `json:"feasible"`
	// Success reports whether any feasible candidate crossed the success threshold.
	Success     bool              `json:"success"`
	Evaluations int               `json:"evaluations"`
	History     []GenerationStats `json:"history,omitempty"`
	Duration    time.Duration     `json:"duration"`
}
