// Package objectives computes the objective vector of genomes: classifier
// evasion, distance to the reference input and constraint violation, plus any
// caller-supplied extras.
package objectives

import (
	"context"
	"errors"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/constraints"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

// Direction selects what the evasion objective rewards.
type Direction string

const (
	// Untargeted minimizes the score of the reference's true class.
	Untargeted Direction = "untargeted"
	// Targeted maximizes the score of a chosen target class.
	Targeted Direction = "targeted"
)

// Norm selects the distance norm.
type Norm string

const (
	L1   Norm = "l1"
	L2   Norm = "l2"
	LInf Norm = "linf"
)

// Config holds the objective settings of a run.
type Config struct {
	Direction Direction `json:"direction" yaml:"direction" validate:"omitempty,oneof=untargeted targeted"`
	// Class is the true class for untargeted runs and the target otherwise.
	Class int  `json:"class" yaml:"class" validate:"gte=0"`
	Norm  Norm `json:"norm" yaml:"norm" validate:"omitempty,oneof=l1 l2 linf"`
	// FeatureWeights scales each feature's contribution to the distance. Empty
	// means all ones.
	FeatureWeights []float64 `json:"feature_weights,omitempty" yaml:"feature_weights,omitempty" validate:"omitempty,dive,gte=0"`
	// ScaleDistance divides the distance by its largest attainable value.
	ScaleDistance bool `json:"scale_distance" yaml:"scale_distance"`
	// BatchSize is the number of rows per classifier query. 0 sends the whole
	// generation at once.
	BatchSize int `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	// Workers bounds concurrent classifier queries. 0 means unbounded.
	Workers int `json:"workers" yaml:"workers" validate:"gte=0"`
}

// DefaultConfig returns an untargeted L2 configuration.
func DefaultConfig() Config {
	return Config{
		Direction:     Untargeted,
		Norm:          L2,
		ScaleDistance: true,
		Workers:       4,
	}
}

// Objective is an additional objective to minimize. Value must be pure.
type Objective interface {
	Name() string
	Value(raw []float64, scores []float64) float64
}

// ObjectiveFunc adapts a function to Objective.
type ObjectiveFunc struct {
	Label string
	Fn    func(raw []float64, scores []float64) float64
}

// Name implements Objective.
func (o ObjectiveFunc) Name() string { return o.Label }

// Value implements Objective.
func (o ObjectiveFunc) Value(raw []float64, scores []float64) float64 { return o.Fn(raw, scores) }

// Evaluator maps genomes to objective vectors. It holds no mutable state and
// is safe for concurrent use.
type Evaluator struct {
	cfg         Config
	encoder     *encoding.Encoder
	constraints *constraints.Evaluator
	scorer      attack.Scorer
	extra       []Objective
	weights     []float64
	maxDistance float64
}

// New returns an evaluator. cons may be nil when the problem has no
// constraints.
func New(cfg Config, encoder *encoding.Encoder, cons *constraints.Evaluator, scorer attack.Scorer, extra ...Objective) (*Evaluator, error) {
	if encoder == nil || scorer == nil {
		return nil, errors.New("objectives: encoder and scorer are required")
	}
	if cfg.Direction == "" {
		cfg.Direction = Untargeted
	}
	if cfg.Norm == "" {
		cfg.Norm = L2
	}
	if cfg.Class < 0 {
		return nil, attack.NewErrorf(attack.KindConstraintSpec, "class %d is negative", cfg.Class).
			WithComponent("objectives")
	}
	n := encoder.Schema().Len()
	weights := make([]float64, n)
	switch len(cfg.FeatureWeights) {
	case 0:
		for i := range weights {
			weights[i] = 1
		}
	case n:
		copy(weights, cfg.FeatureWeights)
	default:
		return nil, attack.NewErrorf(attack.KindConstraintSpec,
			"%d feature weights for %d features", len(cfg.FeatureWeights), n).
			WithComponent("objectives")
	}

	reach := make([]float64, n)
	for i := range reach {
		if encoder.Schema().Mutable(i) {
			reach[i] = weights[i]
		}
	}

	return &Evaluator{
		cfg:         cfg,
		encoder:     encoder,
		constraints: cons,
		scorer:      scorer,
		extra:       extra,
		weights:     weights,
		maxDistance: normOf(reach, cfg.Norm),
	}, nil
}

// Arity returns the length of every objective vector.
func (e *Evaluator) Arity() int {
	return attack.NumBaseObjectives + len(e.extra)
}

// Config returns the evaluator's configuration.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evasion converts a score row into the evasion objective. Lower is better.
func (e *Evaluator) Evasion(scores []float64) float64 {
	p := scores[e.cfg.Class]
	if e.cfg.Direction == Targeted {
		return 1 - p
	}
	return p
}

// Distance returns the weighted norm of raw's min-max scaled difference to
// the reference.
func (e *Evaluator) Distance(raw []float64) float64 {
	delta := e.encoder.NormalizedDelta(raw)
	floats.Mul(delta, e.weights)
	d := normOf(delta, e.cfg.Norm)
	if e.cfg.ScaleDistance && e.maxDistance > 0 {
		d /= e.maxDistance
	}
	return d
}

// Violation returns the aggregate constraint violation of raw.
func (e *Evaluator) Violation(raw []float64) float64 {
	if e.constraints == nil {
		return 0
	}
	return e.constraints.Violation(raw)
}

// Evaluate scores a single genome.
func (e *Evaluator) Evaluate(ctx context.Context, g attack.Genome) (attack.Objectives, error) {
	out, err := e.EvaluateBatch(ctx, []attack.Genome{g})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EvaluateBatch scores genomes in chunks of BatchSize, running up to Workers
// classifier queries concurrently. Results are in input order.
func (e *Evaluator) EvaluateBatch(ctx context.Context, genomes []attack.Genome) ([]attack.Objectives, error) {
	if len(genomes) == 0 {
		return nil, nil
	}
	raws, err := e.encoder.DecodeAll(genomes)
	if err != nil {
		return nil, err
	}

	scores := make([][]float64, len(raws))
	size := e.cfg.BatchSize
	if size <= 0 || size > len(raws) {
		size = len(raws)
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Workers > 0 {
		g.SetLimit(e.cfg.Workers)
	}
	for start := 0; start < len(raws); start += size {
		start, end := start, start+size
		if end > len(raws) {
			end = len(raws)
		}
		g.Go(func() error {
			rows, err := e.scorer.Score(gctx, raws[start:end])
			if err != nil {
				return err
			}
			if len(rows) != end-start {
				return attack.NewErrorf(attack.KindClassifierUnavailable,
					"scorer returned %d rows for %d inputs", len(rows), end-start)
			}
			for i, row := range rows {
				if err := e.checkRow(row); err != nil {
					return err
				}
				scores[start+i] = row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if ae, ok := attack.AsError(err); ok && ae.Kind == attack.KindClassifierUnavailable {
			return nil, ae.WithComponent("objectives").WithOperation("EvaluateBatch")
		}
		return nil, attack.WrapError(err, attack.KindClassifierUnavailable, "scoring batch").
			WithComponent("objectives").
			WithOperation("EvaluateBatch")
	}

	out := make([]attack.Objectives, len(raws))
	for i, raw := range raws {
		obj := make(attack.Objectives, e.Arity())
		obj[attack.IndexEvasion] = e.Evasion(scores[i])
		obj[attack.IndexDistance] = e.Distance(raw)
		obj[attack.IndexViolation] = e.Violation(raw)
		for j, x := range e.extra {
			obj[attack.NumBaseObjectives+j] = x.Value(raw, scores[i])
		}
		out[i] = obj
	}
	return out, nil
}

// EvaluatePopulation fills Objectives and Feasible of every individual.
func (e *Evaluator) EvaluatePopulation(ctx context.Context, pop attack.Population) error {
	objs, err := e.EvaluateBatch(ctx, pop.Genomes())
	if err != nil {
		return err
	}
	for i, ind := range pop {
		ind.Objectives = objs[i]
		ind.Feasible = objs[i][attack.IndexViolation] == 0
	}
	return nil
}

func (e *Evaluator) checkRow(row []float64) error {
	if e.cfg.Class >= len(row) {
		return attack.NewErrorf(attack.KindClassifierUnavailable,
			"score row has %d classes, class %d requested", len(row), e.cfg.Class)
	}
	for _, p := range row {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return attack.NewError(attack.KindClassifierUnavailable, "score row holds a non-finite value")
		}
	}
	return nil
}

func normOf(v []float64, n Norm) float64 {
	switch n {
	case L1:
		return floats.Norm(v, 1)
	case LInf:
		return floats.Norm(v, math.Inf(1))
	default:
		return floats.Norm(v, 2)
	}
}
