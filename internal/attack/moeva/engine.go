// Package moeva runs constrained multi-objective adversarial searches with an
// NSGA-II generation loop.
package moeva

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/constraints"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
	"github.com/copyleftdev/moeva/internal/attack/objectives"
	"github.com/copyleftdev/moeva/internal/attack/repair"
	"github.com/copyleftdev/moeva/internal/attack/selection"
	"github.com/copyleftdev/moeva/internal/attack/variation"
)

var tracer = otel.Tracer("moeva.engine")

// Observer receives the statistics of every completed generation, including
// generation 0 (the evaluated initial population).
type Observer interface {
	OnGeneration(stats attack.GenerationStats)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(stats attack.GenerationStats)

// OnGeneration calls f(stats).
func (f ObserverFunc) OnGeneration(stats attack.GenerationStats) { f(stats) }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers a per-generation observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithObjectives appends extra objectives after the three base objectives.
func WithObjectives(extra ...objectives.Objective) Option {
	return func(e *Engine) {
		e.extra = append(e.extra, extra...)
	}
}

// Engine implements attack.Attacker. One engine runs one attack at a time;
// use one engine per goroutine for concurrent runs.
type Engine struct {
	cfg         Config
	schema      *encoding.Schema
	constraints *constraints.Evaluator
	scorer      attack.Scorer
	extra       []objectives.Objective
	logger      *zap.Logger
	observers   []Observer

	mu      sync.Mutex
	front   []attack.Candidate
	history []attack.GenerationStats
	cancel  context.CancelFunc
}

var _ attack.Attacker = (*Engine)(nil)

// New validates cfg and returns an engine. cons may be nil for unconstrained
// problems.
func New(cfg Config, schema *encoding.Schema, cons *constraints.Evaluator, scorer attack.Scorer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		return nil, errors.New("moeva: scorer is required")
	}
	e := &Engine{
		cfg:         cfg,
		schema:      schema,
		constraints: cons,
		scorer:      scorer,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Front returns the output front of the last completed generation.
func (e *Engine) Front() []attack.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]attack.Candidate(nil), e.front...)
}

// History returns the statistics of all completed generations of the current
// or last run.
func (e *Engine) History() []attack.GenerationStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]attack.GenerationStats(nil), e.history...)
}

// Stop cancels the running attack. It takes effect between generations or
// interrupts the classifier query in flight.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// run is the state of one attack.
type run struct {
	engine    *Engine
	cfg       Config
	seed      int64
	rng       *rand.Rand
	encoder   *encoding.Encoder
	objective *objectives.Evaluator
	variation *variation.Operators
	repairer  *repair.Repairer
	logger    *zap.Logger

	population  attack.Population
	generation  int
	evaluations int
	started     time.Time

	bestViolation float64
	bestEvasion   float64
	sinceImproved int
}

// Attack searches for adversarial candidates around reference. On
// cancellation it returns the result of the last completed generation along
// with the context error. On evaluation failure it returns an
// *attack.Error of kind ClassifierUnavailable carrying that result.
func (e *Engine) Attack(ctx context.Context, reference []float64) (*attack.Result, error) {
	r, err := e.newRun(reference)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "moeva.Attack", trace.WithAttributes(
		attribute.Int64("moeva.seed", r.seed),
		attribute.Int("moeva.population_size", r.cfg.PopulationSize),
		attribute.Int("moeva.generations", r.cfg.Generations),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.front = nil
	e.history = nil
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	res, err := r.execute(ctx)
	if res != nil {
		span.SetAttributes(
			attribute.String("moeva.reason", string(res.Reason)),
			attribute.Int("moeva.generations_run", res.Generations),
			attribute.Int("moeva.front_size", len(res.Front)),
			attribute.Bool("moeva.success", res.Success),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) newRun(reference []float64) (*run, error) {
	cfg := e.cfg
	if cfg.OffspringSize == 0 {
		cfg.OffspringSize = cfg.PopulationSize
	}
	if cfg.TournamentSize == 0 {
		cfg.TournamentSize = 2
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	encoder, err := encoding.NewEncoder(e.schema, reference)
	if err != nil {
		return nil, err
	}
	obj, err := objectives.New(cfg.Objectives, encoder, e.constraints, e.scorer, e.extra...)
	if err != nil {
		return nil, err
	}
	var rep *repair.Repairer
	if cfg.Repair.Enabled {
		rep = repair.New(encoder, e.constraints, cfg.Repair.MaxPasses)
	}

	return &run{
		engine:        e,
		cfg:           cfg,
		seed:          seed,
		rng:           rand.New(rand.NewSource(seed)),
		encoder:       encoder,
		objective:     obj,
		variation:     variation.New(cfg.Variation, encoder),
		repairer:      rep,
		logger:        e.logger.With(zap.Int64("seed", seed)),
		bestViolation: math.Inf(1),
		bestEvasion:   math.Inf(1),
	}, nil
}

// execute drives Init → Evaluate → Select → (Vary → Repair → Evaluate →
// Select)* → Terminate.
func (r *run) execute(ctx context.Context) (*attack.Result, error) {
	r.started = time.Now()
	r.logger.Info("attack started",
		zap.Int("population_size", r.cfg.PopulationSize),
		zap.Int("offspring_size", r.cfg.OffspringSize),
		zap.Int("generations", r.cfg.Generations),
	)

	genomes := r.encoder.InitialPopulation(r.rng, r.cfg.PopulationSize, r.cfg.Init.Radius, r.cfg.Init.PerturbedRatio)
	initial, err := r.evaluate(ctx, genomes)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, r.failure(err, nil)
	}
	r.population = selection.Select(initial, r.cfg.PopulationSize)
	r.complete()

	reason := attack.ReasonBudget
	for r.generation < r.cfg.Generations {
		if r.succeeded() && r.cfg.Termination.EarlyStop {
			reason = attack.ReasonSuccess
			break
		}
		if w := r.cfg.Termination.StagnationWindow; w > 0 && r.sinceImproved >= w {
			reason = attack.ReasonStagnation
			break
		}
		if ctx.Err() != nil {
			return r.result(attack.ReasonCancelled), ctx.Err()
		}

		if err := r.step(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.result(attack.ReasonCancelled), ctxErr
			}
			partial := r.result(attack.ReasonFailed)
			return partial, r.failure(err, partial)
		}
	}
	if reason == attack.ReasonBudget && r.succeeded() && r.cfg.Termination.EarlyStop {
		reason = attack.ReasonSuccess
	}

	res := r.result(reason)
	r.logger.Info("attack finished",
		zap.String("reason", string(reason)),
		zap.Int("generations", r.generation),
		zap.Int("evaluations", r.evaluations),
		zap.Int("front_size", len(res.Front)),
		zap.Bool("success", res.Success),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// step runs one generation: vary, repair, evaluate, select.
func (r *run) step(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "moeva.generation",
		trace.WithAttributes(attribute.Int("moeva.generation", r.generation+1)))
	defer span.End()

	genomes := r.variation.Offspring(r.rng, r.population, r.cfg.OffspringSize, r.cfg.TournamentSize)
	children, err := r.evaluate(ctx, genomes)
	if err != nil {
		span.RecordError(err)
		return err
	}
	r.population = selection.Select(r.population.Merge(children), r.cfg.PopulationSize)
	r.generation++
	r.complete()
	return nil
}

// evaluate repairs and scores genomes and wraps them into individuals.
func (r *run) evaluate(ctx context.Context, genomes []attack.Genome) (attack.Population, error) {
	if r.repairer != nil {
		r.repairer.RepairAll(genomes)
	}
	pop := make(attack.Population, len(genomes))
	for i, g := range genomes {
		pop[i] = attack.NewIndividual(g)
	}
	if err := r.objective.EvaluatePopulation(ctx, pop); err != nil {
		return nil, err
	}
	r.evaluations += len(pop)
	return pop, nil
}

// complete records the statistics of the generation that just finished and
// publishes its front.
func (r *run) complete() {
	stats := r.stats()
	r.track()

	front := r.front()
	e := r.engine
	e.mu.Lock()
	e.history = append(e.history, stats)
	e.front = front
	e.mu.Unlock()

	for _, o := range e.observers {
		o.OnGeneration(stats)
	}
	r.logger.Debug("generation completed",
		zap.Int("generation", stats.Generation),
		zap.Int("front_size", stats.FrontSize),
		zap.Int("feasible", stats.FeasibleCount),
		zap.Float64("best_evasion", stats.BestEvasion),
		zap.Float64("min_violation", stats.MinViolation),
	)
}

func (r *run) stats() attack.GenerationStats {
	s := attack.GenerationStats{
		Generation:   r.generation,
		BestEvasion:  math.Inf(1),
		BestDistance: math.Inf(1),
		MinViolation: math.Inf(1),
		Evaluations:  r.evaluations,
	}
	evasions := make([]float64, len(r.population))
	for i, ind := range r.population {
		if ind.Rank == 0 {
			s.FrontSize++
		}
		if ind.Feasible {
			s.FeasibleCount++
		}
		evasions[i] = ind.Evasion()
		s.BestEvasion = math.Min(s.BestEvasion, ind.Evasion())
		s.BestDistance = math.Min(s.BestDistance, ind.Objectives[attack.IndexDistance])
		s.MinViolation = math.Min(s.MinViolation, ind.Violation())
	}
	s.MeanEvasion = stat.Mean(evasions, nil)
	return s
}

// track updates the stagnation counter with the lexicographic best of the
// population: lowest violation first, then lowest evasion.
func (r *run) track() {
	bestV, bestE := math.Inf(1), math.Inf(1)
	for _, ind := range r.population {
		v, ev := ind.Violation(), ind.Evasion()
		if v < bestV || (v == bestV && ev < bestE) {
			bestV, bestE = v, ev
		}
	}

	tol := r.cfg.Termination.StagnationTolerance
	improved := bestV < r.bestViolation-tol ||
		(math.Abs(bestV-r.bestViolation) <= tol && bestE < r.bestEvasion-tol)
	if improved || math.IsInf(r.bestViolation, 1) {
		r.sinceImproved = 0
	} else {
		r.sinceImproved++
	}
	if bestV < r.bestViolation || (bestV == r.bestViolation && bestE < r.bestEvasion) {
		r.bestViolation, r.bestEvasion = bestV, bestE
	}
}

func (r *run) succeeded() bool {
	for _, ind := range r.population {
		if r.successful(ind.Feasible, ind.Evasion()) {
			return true
		}
	}
	return false
}

func (r *run) successful(feasible bool, evasion float64) bool {
	return feasible && evasion < r.cfg.Termination.SuccessThreshold
}

// front extracts the output front of the current population.
func (r *run) front() []attack.Candidate {
	members := selection.ParetoFront(r.population)

	if r.cfg.Output.FeasibleOnly {
		var feasible attack.Population
		for _, ind := range members {
			if ind.Feasible {
				feasible = append(feasible, ind)
			}
		}
		if len(feasible) > 0 {
			members = feasible
		} else {
			members = leastInfeasible(members)
		}
	}

	out := make([]attack.Candidate, 0, len(members))
	for i, ind := range members {
		if r.cfg.Output.Deduplicate && duplicate(members[:i], ind) {
			continue
		}
		raw, err := r.encoder.Decode(ind.Genome)
		if err != nil {
			// Every genome went through Clamp; a decode failure is a bug.
			r.logger.Error("decoding front member", zap.Error(err))
			continue
		}
		out = append(out, attack.Candidate{
			Features:   raw,
			Objectives: ind.Objectives.Clone(),
			Feasible:   ind.Feasible,
		})
	}
	return out
}

func leastInfeasible(pop attack.Population) attack.Population {
	minV := math.Inf(1)
	for _, ind := range pop {
		minV = math.Min(minV, ind.Violation())
	}
	var out attack.Population
	for _, ind := range pop {
		if ind.Violation() == minV {
			out = append(out, ind)
		}
	}
	return out
}

func duplicate(seen attack.Population, ind *attack.Individual) bool {
	for _, s := range seen {
		if s.Genome.Equal(ind.Genome) {
			return true
		}
	}
	return false
}

// result snapshots the current population into a Result.
func (r *run) result(reason attack.TerminationReason) *attack.Result {
	front := r.front()
	res := &attack.Result{
		Reference:   r.encoder.Reference(),
		Front:       front,
		Generations: r.generation,
		Reason:      reason,
		Seed:        r.seed,
		Evaluations: r.evaluations,
		Duration:    time.Since(r.started),
	}
	for _, c := range front {
		if c.Feasible {
			res.Feasible = true
		}
		if r.successful(c.Feasible, c.Evasion()) {
			res.Success = true
		}
	}
	if r.cfg.RecordHistory {
		res.History = r.engine.History()
	}
	return res
}

// failure converts an evaluation error into an *attack.Error carrying the
// partial result.
func (r *run) failure(err error, partial *attack.Result) error {
	r.logger.Error("attack aborted", zap.Int("generation", r.generation), zap.Error(err))
	ae, ok := attack.AsError(err)
	if !ok {
		ae = attack.WrapError(err, attack.KindClassifierUnavailable, "evaluating population")
	}
	if ae.Component == "" {
		ae.WithComponent("moeva")
	}
	return ae.WithPartial(partial)
}
