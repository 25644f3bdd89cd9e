// Package classifier provides attack.Scorer implementations: an in-process
// softmax model, a remote HTTP model, a score cache and a constant scorer.
package classifier

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/moeva/internal/attack"
)

// MinMaxScaler maps each feature from [Min, Max] to [0, 1] before scoring.
type MinMaxScaler struct {
	Min []float64 `json:"min" yaml:"min"`
	Max []float64 `json:"max" yaml:"max"`
}

// Transform scales row into dst and returns it.
func (s *MinMaxScaler) Transform(dst, row []float64) []float64 {
	for i, v := range row {
		width := s.Max[i] - s.Min[i]
		if width == 0 {
			dst[i] = 0
			continue
		}
		dst[i] = (v - s.Min[i]) / width
	}
	return dst
}

// ModelFile is the YAML form of a softmax model: one weight row per class.
type ModelFile struct {
	Weights [][]float64   `json:"weights" yaml:"weights"`
	Bias    []float64     `json:"bias" yaml:"bias"`
	Scaler  *MinMaxScaler `json:"scaler,omitempty" yaml:"scaler,omitempty"`
}

// Softmax is a multinomial logistic regression model. It is read-only after
// construction and safe for concurrent use.
type Softmax struct {
	weights  *mat.Dense // classes × features
	bias     []float64
	scaler   *MinMaxScaler
	features int
	buffers  *densePool
}

var _ attack.Scorer = (*Softmax)(nil)

// NewSoftmax builds a model from per-class weight rows and biases. scaler may
// be nil.
func NewSoftmax(weights [][]float64, bias []float64, scaler *MinMaxScaler) (*Softmax, error) {
	if len(weights) < 2 {
		return nil, fmt.Errorf("softmax model needs at least two classes, got %d", len(weights))
	}
	if len(bias) != len(weights) {
		return nil, fmt.Errorf("softmax model has %d classes but %d biases", len(weights), len(bias))
	}
	nf := len(weights[0])
	if nf == 0 {
		return nil, fmt.Errorf("softmax model has no features")
	}
	data := make([]float64, 0, len(weights)*nf)
	for c, row := range weights {
		if len(row) != nf {
			return nil, fmt.Errorf("class %d has %d weights, want %d", c, len(row), nf)
		}
		data = append(data, row...)
	}
	if scaler != nil && (len(scaler.Min) != nf || len(scaler.Max) != nf) {
		return nil, fmt.Errorf("scaler covers %d/%d features, want %d", len(scaler.Min), len(scaler.Max), nf)
	}
	return &Softmax{
		weights:  mat.NewDense(len(weights), nf, data),
		bias:     append([]float64(nil), bias...),
		scaler:   scaler,
		features: nf,
		buffers:  newDensePool(),
	}, nil
}

// ParseSoftmax decodes a YAML model file.
func ParseSoftmax(r io.Reader) (*Softmax, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f ModelFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding model file: %w", err)
	}
	return NewSoftmax(f.Weights, f.Bias, f.Scaler)
}

// LoadSoftmax reads a YAML model file from path.
func LoadSoftmax(path string) (*Softmax, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model file: %w", err)
	}
	defer fh.Close()
	return ParseSoftmax(fh)
}

// Classes returns the number of classes.
func (m *Softmax) Classes() int {
	r, _ := m.weights.Dims()
	return r
}

// Score implements attack.Scorer. Each row of the result sums to 1.
func (m *Softmax) Score(ctx context.Context, batch [][]float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	for i, row := range batch {
		if len(row) != m.features {
			return nil, fmt.Errorf("row %d has %d features, model expects %d", i, len(row), m.features)
		}
	}

	x := m.buffers.get(len(batch), m.features)
	defer m.buffers.put(x)
	for i, row := range batch {
		if m.scaler != nil {
			m.scaler.Transform(x.RawRowView(i), row)
		} else {
			x.SetRow(i, row)
		}
	}

	logits := m.buffers.get(len(batch), m.Classes())
	defer m.buffers.put(logits)
	logits.Mul(x, m.weights.T())

	out := make([][]float64, len(batch))
	for i := range out {
		z := append([]float64(nil), logits.RawRowView(i)...)
		floats.Add(z, m.bias)
		out[i] = softmax(z)
	}
	return out, nil
}

// softmax normalises z in place with the max-shift trick.
func softmax(z []float64) []float64 {
	shift := floats.Max(z)
	for i := range z {
		z[i] = math.Exp(z[i] - shift)
	}
	floats.Scale(1/floats.Sum(z), z)
	return z
}
