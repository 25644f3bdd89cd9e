package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/moeva/internal/attack"
)

func TestSoftmaxScore(t *testing.T) {
	m, err := NewSoftmax([][]float64{{1, 0}, {0, 1}}, []float64{0, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Classes())

	out, err := m.Score(context.Background(), [][]float64{{0, 0}, {5, 0}, {0, 5}})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.InDelta(t, 0.5, out[0][0], 1e-12)
	assert.Greater(t, out[1][0], 0.99)
	assert.Greater(t, out[2][1], 0.99)
	for _, row := range out {
		assert.InDelta(t, 1, row[0]+row[1], 1e-12)
	}
}

func TestSoftmaxScaler(t *testing.T) {
	scaler := &MinMaxScaler{Min: []float64{0, 100}, Max: []float64{10, 100}}
	m, err := NewSoftmax([][]float64{{0, 0}, {2, 7}}, []float64{0, 0}, scaler)
	require.NoError(t, err)

	// x0=10 scales to 1, x1 has zero width and scales to 0.
	out, err := m.Score(context.Background(), [][]float64{{10, 100}})
	require.NoError(t, err)
	want := 1 / (1 + math.Exp(-2))
	assert.InDelta(t, want, out[0][1], 1e-12)
}

func TestSoftmaxConcurrentBatches(t *testing.T) {
	m, err := NewSoftmax([][]float64{{1, -1, 0}, {0, 1, 1}, {-1, 0, 2}}, []float64{0.1, 0, -0.1}, nil)
	require.NoError(t, err)

	batch := func(size int) [][]float64 {
		rows := make([][]float64, size)
		for i := range rows {
			rows[i] = []float64{float64(i) / 10, 1 - float64(i)/10, 0.5}
		}
		return rows
	}
	want, err := m.Score(context.Background(), batch(8))
	require.NoError(t, err)

	// Batches of varying size share the matrix pool.
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		size := 1 + w
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				got, err := m.Score(context.Background(), batch(size))
				if err != nil {
					return err
				}
				for r := range got {
					for c := range got[r] {
						if math.Abs(got[r][c]-want[r][c]) > 1e-12 {
							return errors.New("score drifted between calls")
						}
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestSoftmaxLargeLogits(t *testing.T) {
	m, err := NewSoftmax([][]float64{{1000}, {-1000}}, []float64{0, 0}, nil)
	require.NoError(t, err)
	out, err := m.Score(context.Background(), [][]float64{{1}})
	require.NoError(t, err)
	assert.InDelta(t, 1, out[0][0], 1e-12)
	assert.InDelta(t, 0, out[0][1], 1e-12)
}

func TestSoftmaxRejects(t *testing.T) {
	_, err := NewSoftmax([][]float64{{1}}, []float64{0}, nil)
	assert.Error(t, err)
	_, err = NewSoftmax([][]float64{{1}, {1}}, []float64{0}, nil)
	assert.Error(t, err)
	_, err = NewSoftmax([][]float64{{1, 2}, {1}}, []float64{0, 0}, nil)
	assert.Error(t, err)
	_, err = NewSoftmax([][]float64{{1}, {1}}, []float64{0, 0}, &MinMaxScaler{Min: []float64{0, 0}, Max: []float64{1}})
	assert.Error(t, err)

	m, err := NewSoftmax([][]float64{{1}, {1}}, []float64{0, 0}, nil)
	require.NoError(t, err)
	_, err = m.Score(context.Background(), [][]float64{{1, 2}})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Score(ctx, [][]float64{{1}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseSoftmax(t *testing.T) {
	doc := `
weights:
  - [1, 0]
  - [0, 1]
bias: [0, 0]
scaler:
  min: [0, 0]
  max: [2, 2]
`
	m, err := ParseSoftmax(strings.NewReader(doc))
	require.NoError(t, err)
	out, err := m.Score(context.Background(), [][]float64{{2, 2}})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out[0][0], 1e-12)

	_, err = ParseSoftmax(strings.NewReader("weights: [[1]]\nbias: [0]\nlayers: 3\n"))
	assert.Error(t, err)
}

func TestHTTPScorer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		var req PredictRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := PredictResponse{}
		for _, row := range req.Instances {
			resp.Predictions = append(resp.Predictions, []float64{row[0], 1 - row[0]})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, time.Second, WithHeader("X-Api-Key", "secret"))
	out, err := s.Score(context.Background(), [][]float64{{0.25}, {0.75}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.25, 0.75}, {0.75, 0.25}}, out)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPScorerErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		_, err := NewHTTPScorer(srv.URL, time.Second).Score(context.Background(), [][]float64{{1}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not loaded")
	})

	t.Run("row count", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"predictions": [[1, 0]]}`))
		}))
		defer srv.Close()
		_, err := NewHTTPScorer(srv.URL, time.Second).Score(context.Background(), [][]float64{{1}, {2}})
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		}))
		defer srv.Close()
		_, err := NewHTTPScorer(srv.URL, time.Second).Score(context.Background(), [][]float64{{1}})
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
		defer srv.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewHTTPScorer(srv.URL, time.Second).Score(ctx, [][]float64{{1}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCachedScoresOnlyMisses(t *testing.T) {
	var seen [][][]float64
	inner := attack.ScorerFunc(func(_ context.Context, batch [][]float64) ([][]float64, error) {
		seen = append(seen, batch)
		out := make([][]float64, len(batch))
		for i, row := range batch {
			out[i] = []float64{row[0], 1 - row[0]}
		}
		return out, nil
	})
	c := NewCached(inner, 0)

	out, err := c.Score(context.Background(), [][]float64{{0.1}, {0.2}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.1, 0.9}, {0.2, 0.8}}, out)

	out, err = c.Score(context.Background(), [][]float64{{0.2}, {0.3}, {0.1}})
	require.NoError(t, err)
	assert.Equal(t, 0.2, out[0][0])
	assert.Equal(t, 0.3, out[1][0])
	assert.Equal(t, 0.1, out[2][0])

	require.Len(t, seen, 2)
	assert.Equal(t, [][]float64{{0.3}}, seen[1])

	hits, misses := c.Stats()
	assert.EqualValues(t, 2, hits)
	assert.EqualValues(t, 3, misses)
	assert.Equal(t, 3, c.Len())

	// All hits: the inner scorer is not called again.
	_, err = c.Score(context.Background(), [][]float64{{0.1}})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestCachedReturnsCopies(t *testing.T) {
	c := NewCached(Constant{Scores: []float64{0.4, 0.6}}, time.Minute)
	out, err := c.Score(context.Background(), [][]float64{{1}})
	require.NoError(t, err)
	out[0][0] = 99

	again, err := c.Score(context.Background(), [][]float64{{1}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4, 0.6}, again[0])
}

func TestCachedDistinguishesRows(t *testing.T) {
	assert.NotEqual(t, rowKey([]float64{0}), rowKey([]float64{0, 0}))
	assert.NotEqual(t, rowKey([]float64{1, 2}), rowKey([]float64{2, 1}))
	assert.Equal(t, rowKey([]float64{1, 2}), rowKey([]float64{1, 2}))
}

func TestCachedPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewCached(attack.ScorerFunc(func(context.Context, [][]float64) ([][]float64, error) {
		return nil, boom
	}), 0)
	_, err := c.Score(context.Background(), [][]float64{{1}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestCachedRejectsMismatchedRowCount(t *testing.T) {
	var calls atomic.Int32
	c := NewCached(attack.ScorerFunc(func(_ context.Context, batch [][]float64) ([][]float64, error) {
		if calls.Add(1) == 1 {
			out := make([][]float64, len(batch))
			for i, row := range batch {
				out[i] = []float64{row[0]}
			}
			return out, nil
		}
		return [][]float64{{1}, {2}, {3}, {4}}, nil
	}), 0)

	_, err := c.Score(context.Background(), [][]float64{{10}, {11}})
	require.NoError(t, err)

	// Two rows are cached, the inner scorer answers four rows for two misses.
	out, err := c.Score(context.Background(), [][]float64{{10}, {11}, {20}, {21}})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 2, c.Len())
}

func TestConstant(t *testing.T) {
	c := Constant{Scores: []float64{0.3, 0.7}}
	out, err := c.Score(context.Background(), [][]float64{{1}, {2}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.3, 0.7}, {0.3, 0.7}}, out)
	out[0][0] = 1
	assert.Equal(t, 0.3, c.Scores[0])
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("weights: [[1], [-1]]\nbias: [0, 0]\n"), 0o600))

	s, err := Open(Source{ModelPath: path})
	require.NoError(t, err)
	assert.IsType(t, &Softmax{}, s)

	s, err = Open(Source{ModelPath: path, CacheTTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, s)

	s, err = Open(Source{ModelPath: path, URL: "http://localhost:1/predict", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &HTTPScorer{}, s)

	_, err = Open(Source{})
	assert.Error(t, err)
	_, err = Open(Source{ModelPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
