package classifier

import (
	"context"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Constant returns the same scores for every row. It stands in for a model
// in dry runs.
type Constant struct {
	Scores []float64
}

var _ attack.Scorer = Constant{}

// Score implements attack.Scorer.
func (c Constant) Score(ctx context.Context, batch [][]float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(batch))
	for i := range out {
		out[i] = append([]float64(nil), c.Scores...)
	}
	return out, nil
}
