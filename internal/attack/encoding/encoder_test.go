package encoding

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/moeva/internal/attack"
)

func mixedSchema() *Schema {
	return NewSchema(
		Feature{Name: "amount", Type: Continuous, Lower: 0, Upper: 100},
		Feature{Name: "count", Type: Integer, Lower: -5, Upper: 5},
		Feature{Name: "protocol", Type: Categorical, Categories: []float64{6, 17, 1}},
		Feature{Name: "port", Type: Integer, Lower: 0, Upper: 65535, Immutable: true},
	)
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  *Schema
		wantErr bool
	}{
		{"valid", mixedSchema(), false},
		{"empty", NewSchema(), true},
		{"inverted bounds", NewSchema(Feature{Name: "x", Type: Continuous, Lower: 1, Upper: 0}), true},
		{"infinite continuous bound", NewSchema(
			Feature{Name: "x0", Type: Continuous, Lower: 0, Upper: 1},
			Feature{Name: "x1", Type: Continuous, Lower: math.Inf(-1), Upper: math.Inf(1)},
		), true},
		{"infinite integer bound", NewSchema(Feature{Name: "x", Type: Integer, Lower: 0, Upper: math.Inf(1)}), true},
		{"NaN bound", NewSchema(Feature{Name: "x", Type: Continuous, Lower: math.NaN(), Upper: 1}), true},
		{"NaN category", NewSchema(Feature{Name: "x", Type: Categorical, Categories: []float64{1, math.NaN()}}), true},
		{"fractional integer bounds", NewSchema(Feature{Name: "x", Type: Integer, Lower: 0.5, Upper: 3}), true},
		{"no categories", NewSchema(Feature{Name: "x", Type: Categorical}), true},
		{"duplicate categories", NewSchema(Feature{Name: "x", Type: Categorical, Categories: []float64{1, 1}}), true},
		{"unknown type", NewSchema(Feature{Name: "x", Type: "bitset"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, attack.ErrConstraintSpec))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reference := []float64{12.5, 3, 17, 443}
	enc, err := NewEncoder(mixedSchema(), reference)
	require.NoError(t, err)

	inputs := [][]float64{
		reference,
		{0, -5, 6, 443},
		{100, 5, 1, 80},
		{57.25, 0, 17, 0},
	}
	for _, raw := range inputs {
		g, err := enc.Encode(raw)
		require.NoError(t, err)
		back, err := enc.Decode(g)
		require.NoError(t, err)
		assert.Equal(t, raw, back)
	}

	g, err := enc.Encode(reference)
	require.NoError(t, err)
	assert.Equal(t, attack.Genome{12.5, 3, 1, 443}, g)
}

func TestEncodeRejectsNonConformingInput(t *testing.T) {
	enc, err := NewEncoder(mixedSchema(), []float64{1, 0, 6, 80})
	require.NoError(t, err)

	bad := [][]float64{
		{1, 0, 6},               // too short
		{101, 0, 6, 80},         // out of bounds
		{1, 0.5, 6, 80},         // fractional integer
		{1, 0, 7, 80},           // unknown category
		{math.NaN(), 0, 6, 80},  // NaN
	}
	for _, raw := range bad {
		_, err := enc.Encode(raw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, attack.ErrInvalidGenome), "input %v", raw)
	}

	_, err = NewEncoder(mixedSchema(), []float64{1, 0, 99, 80})
	assert.True(t, errors.Is(err, attack.ErrInvalidGenome))
}

func TestClampIsIdempotent(t *testing.T) {
	enc, err := NewEncoder(mixedSchema(), []float64{50, 0, 17, 443})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		g := attack.Genome{
			rng.NormFloat64() * 200,
			rng.NormFloat64() * 10,
			rng.NormFloat64() * 4,
			rng.NormFloat64() * 1000,
		}
		once := enc.Clamp(g)
		twice := enc.Clamp(once)
		require.Equal(t, once, twice)
		require.NoError(t, enc.CheckGenome(once))
		assert.Equal(t, 443.0, once[3], "immutable feature must stay at the reference")
	}

	clamped := enc.Clamp(attack.Genome{math.NaN(), 2.6, -1, 0})
	assert.Equal(t, attack.Genome{50, 3, 0, 443}, clamped)
}

func TestRandomGenomeStaysInRadius(t *testing.T) {
	schema := NewSchema(
		Feature{Name: "a", Type: Continuous, Lower: 0, Upper: 10},
		Feature{Name: "b", Type: Integer, Lower: 0, Upper: 100},
	)
	enc, err := NewEncoder(schema, []float64{5, 50})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		g := enc.RandomGenome(rng, 0.1)
		require.NoError(t, enc.CheckGenome(g))
		assert.InDelta(t, 5, g[0], 1.0+1e-9)
		assert.InDelta(t, 50, g[1], 10.0+1e-9)
	}
}

func TestInitialPopulation(t *testing.T) {
	enc, err := NewEncoder(mixedSchema(), []float64{50, 0, 17, 443})
	require.NoError(t, err)

	pop := enc.InitialPopulation(rand.New(rand.NewSource(3)), 10, 0.2, 0.5)
	require.Len(t, pop, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, enc.ReferenceGenome(), pop[i])
	}
	for _, g := range pop {
		assert.NoError(t, enc.CheckGenome(g))
	}

	// Copies must not alias the reference genome.
	pop[0][0] = -1
	assert.Equal(t, 50.0, enc.ReferenceGenome()[0])
}

func TestNormalizedDelta(t *testing.T) {
	enc, err := NewEncoder(mixedSchema(), []float64{50, 0, 17, 443})
	require.NoError(t, err)

	delta := enc.NormalizedDelta([]float64{75, 5, 6, 443})
	assert.InDeltaSlice(t, []float64{0.25, 0.5, 1, 0}, delta, 1e-12)
}
