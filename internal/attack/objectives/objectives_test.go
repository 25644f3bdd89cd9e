package objectives

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/constraints"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
)

func newEncoder(t *testing.T) *encoding.Encoder {
	t.Helper()
	schema := encoding.NewSchema(
		encoding.Feature{Name: "x", Type: encoding.Continuous, Lower: 0, Upper: 10},
		encoding.Feature{Name: "y", Type: encoding.Continuous, Lower: 0, Upper: 10},
		encoding.Feature{Name: "z", Type: encoding.Continuous, Lower: 0, Upper: 10, Immutable: true},
	)
	enc, err := encoding.NewEncoder(schema, []float64{5, 5, 5})
	require.NoError(t, err)
	return enc
}

// linearScorer returns [1-p, p] with p = x/10.
func linearScorer() attack.ScorerFunc {
	return func(_ context.Context, batch [][]float64) ([][]float64, error) {
		out := make([][]float64, len(batch))
		for i, row := range batch {
			p := row[0] / 10
			out[i] = []float64{1 - p, p}
		}
		return out, nil
	}
}

func TestEvaluateBaseObjectives(t *testing.T) {
	enc := newEncoder(t)
	cons, err := constraints.NewEvaluator(enc.Schema(), constraints.AggregateSum, nil,
		&constraints.Range{Label: "y-cap", Feature: 1, Upper: 6})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Class = 1
	cfg.ScaleDistance = false
	ev, err := New(cfg, enc, cons, linearScorer())
	require.NoError(t, err)
	assert.Equal(t, 3, ev.Arity())

	obj, err := ev.Evaluate(context.Background(), attack.Genome{8, 9, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, obj[attack.IndexEvasion], 1e-12)
	assert.InDelta(t, 0.5, obj[attack.IndexDistance], 1e-12) // sqrt(0.3^2 + 0.4^2)
	assert.InDelta(t, 3, obj[attack.IndexViolation], 1e-12)

	ref, err := ev.Evaluate(context.Background(), enc.ReferenceGenome())
	require.NoError(t, err)
	assert.Equal(t, 0.0, ref[attack.IndexDistance])
	assert.Equal(t, 0.0, ref[attack.IndexViolation])
}

func TestNewRejectsBadConfig(t *testing.T) {
	enc := newEncoder(t)

	negative := DefaultConfig()
	negative.Class = -1
	_, err := New(negative, enc, nil, linearScorer())
	assert.True(t, errors.Is(err, attack.ErrConstraintSpec), "got %v", err)

	weights := DefaultConfig()
	weights.FeatureWeights = []float64{1, 1}
	_, err = New(weights, enc, nil, linearScorer())
	assert.True(t, errors.Is(err, attack.ErrConstraintSpec), "got %v", err)

	_, err = New(DefaultConfig(), enc, nil, nil)
	assert.Error(t, err)
}

func TestTargetedEvasion(t *testing.T) {
	enc := newEncoder(t)
	cfg := DefaultConfig()
	cfg.Direction = Targeted
	cfg.Class = 1
	ev, err := New(cfg, enc, nil, linearScorer())
	require.NoError(t, err)

	obj, err := ev.Evaluate(context.Background(), attack.Genome{9, 5, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, obj[attack.IndexEvasion], 1e-12)
}

func TestDistanceNorms(t *testing.T) {
	enc := newEncoder(t)
	raw := []float64{8, 1, 5} // normalized delta (0.3, -0.4, 0)

	tests := []struct {
		norm  Norm
		scale bool
		want  float64
	}{
		{L1, false, 0.7},
		{L2, false, 0.5},
		{LInf, false, 0.4},
		{L1, true, 0.35},
		{L2, true, 0.5 / math.Sqrt2},
		{LInf, true, 0.4},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Norm = tt.norm
		cfg.ScaleDistance = tt.scale
		ev, err := New(cfg, enc, nil, linearScorer())
		require.NoError(t, err)
		assert.InDelta(t, tt.want, ev.Distance(raw), 1e-12, "norm %s scaled %v", tt.norm, tt.scale)
	}

	cfg := DefaultConfig()
	cfg.Norm = L1
	cfg.ScaleDistance = false
	cfg.FeatureWeights = []float64{2, 0, 1}
	ev, err := New(cfg, enc, nil, linearScorer())
	require.NoError(t, err)
	assert.InDelta(t, 0.6, ev.Distance(raw), 1e-12)

	cfg.FeatureWeights = []float64{1}
	_, err = New(cfg, enc, nil, linearScorer())
	assert.Error(t, err)
}

func TestEvaluateBatchChunksInOrder(t *testing.T) {
	enc := newEncoder(t)
	var calls int32
	var mu sync.Mutex
	sizes := map[int]int{}
	scorer := attack.ScorerFunc(func(ctx context.Context, batch [][]float64) ([][]float64, error) {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		sizes[len(batch)]++
		mu.Unlock()
		return linearScorer()(ctx, batch)
	})

	cfg := DefaultConfig()
	cfg.Class = 1
	cfg.BatchSize = 4
	cfg.Workers = 2
	ev, err := New(cfg, enc, nil, scorer)
	require.NoError(t, err)

	genomes := make([]attack.Genome, 10)
	for i := range genomes {
		genomes[i] = attack.Genome{float64(i), 5, 5}
	}
	objs, err := ev.EvaluateBatch(context.Background(), genomes)
	require.NoError(t, err)
	require.Len(t, objs, 10)
	for i, o := range objs {
		assert.InDelta(t, float64(i)/10, o[attack.IndexEvasion], 1e-12)
	}
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, map[int]int{4: 2, 2: 1}, sizes)
}

func TestEvaluateBatchScorerFailure(t *testing.T) {
	enc := newEncoder(t)
	failing := attack.ScorerFunc(func(context.Context, [][]float64) ([][]float64, error) {
		return nil, errors.New("connection refused")
	})
	ev, err := New(DefaultConfig(), enc, nil, failing)
	require.NoError(t, err)

	_, err = ev.EvaluateBatch(context.Background(), []attack.Genome{enc.ReferenceGenome()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, attack.ErrClassifierUnavailable))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEvaluateBatchMalformedScores(t *testing.T) {
	enc := newEncoder(t)
	tests := []struct {
		name string
		rows [][]float64
	}{
		{"too few rows", [][]float64{}},
		{"missing class", [][]float64{{1}}},
		{"NaN score", [][]float64{{math.NaN(), 0.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scorer := attack.ScorerFunc(func(context.Context, [][]float64) ([][]float64, error) {
				return tt.rows, nil
			})
			cfg := DefaultConfig()
			cfg.Class = 1
			ev, err := New(cfg, enc, nil, scorer)
			require.NoError(t, err)
			_, err = ev.EvaluateBatch(context.Background(), []attack.Genome{enc.ReferenceGenome()})
			assert.True(t, errors.Is(err, attack.ErrClassifierUnavailable), "got %v", err)
		})
	}
}

func TestEvaluateBatchCancelled(t *testing.T) {
	enc := newEncoder(t)
	blocking := attack.ScorerFunc(func(ctx context.Context, _ [][]float64) ([][]float64, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ev, err := New(DefaultConfig(), enc, nil, blocking)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ev.EvaluateBatch(ctx, []attack.Genome{enc.ReferenceGenome()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtraObjectivesAndPopulation(t *testing.T) {
	enc := newEncoder(t)
	changed := ObjectiveFunc{Label: "changed", Fn: func(raw, _ []float64) float64 {
		n := 0.0
		for i, v := range raw {
			if v != enc.Reference()[i] {
				n++
			}
		}
		return n
	}}
	cfg := DefaultConfig()
	cfg.Class = 1
	ev, err := New(cfg, enc, nil, linearScorer(), changed)
	require.NoError(t, err)
	assert.Equal(t, 4, ev.Arity())

	pop := attack.Population{
		attack.NewIndividual(enc.ReferenceGenome()),
		attack.NewIndividual(attack.Genome{1, 2, 5}),
	}
	require.NoError(t, ev.EvaluatePopulation(context.Background(), pop))
	assert.Equal(t, 0.0, pop[0].Objectives[3])
	assert.Equal(t, 2.0, pop[1].Objectives[3])
	assert.True(t, pop[0].Feasible)
	assert.True(t, pop[1].Feasible)
}
