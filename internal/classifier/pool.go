package classifier

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// densePool recycles the input and logit matrices of Softmax.Score. Scoring
// runs on several evaluation workers at once, so it is backed by sync.Pool.
type densePool struct {
	pool sync.Pool
}

func newDensePool() *densePool {
	return &densePool{pool: sync.Pool{New: func() interface{} { return &mat.Dense{} }}}
}

// get returns a zeroed r×c matrix.
func (p *densePool) get(r, c int) *mat.Dense {
	m := p.pool.Get().(*mat.Dense)
	m.ReuseAs(r, c)
	return m
}

// put returns m to the pool. m must not be used afterwards.
func (p *densePool) put(m *mat.Dense) {
	m.Reset()
	p.pool.Put(m)
}
