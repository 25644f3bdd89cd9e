package classifier

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Cached memoises the scores of an inner scorer keyed by the xxhash of each
// row. Only rows missing from the cache are forwarded.
type Cached struct {
	inner  attack.Scorer
	cache  *cache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

var _ attack.Scorer = (*Cached)(nil)

// NewCached wraps inner. Entries expire after ttl; ttl <= 0 keeps them for
// the lifetime of the process.
func NewCached(inner attack.Scorer, ttl time.Duration) *Cached {
	expiry, cleanup := ttl, 2*ttl
	if ttl <= 0 {
		expiry, cleanup = cache.NoExpiration, 0
	}
	return &Cached{
		inner: inner,
		cache: cache.New(expiry, cleanup),
	}
}

// Score implements attack.Scorer.
func (c *Cached) Score(ctx context.Context, batch [][]float64) ([][]float64, error) {
	out := make([][]float64, len(batch))
	keys := make([]string, len(batch))
	var missIdx []int
	var missRows [][]float64

	for i, row := range batch {
		keys[i] = rowKey(row)
		if v, ok := c.cache.Get(keys[i]); ok {
			out[i] = append([]float64(nil), v.([]float64)...)
			continue
		}
		missIdx = append(missIdx, i)
		missRows = append(missRows, row)
	}
	c.hits.Add(int64(len(batch) - len(missIdx)))
	c.misses.Add(int64(len(missIdx)))
	if len(missRows) == 0 {
		return out, nil
	}

	scores, err := c.inner.Score(ctx, missRows)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(missRows) {
		return nil, fmt.Errorf("scorer returned %d rows for %d uncached rows", len(scores), len(missRows))
	}
	for j, i := range missIdx {
		out[i] = scores[j]
		c.cache.Set(keys[i], append([]float64(nil), scores[j]...), cache.DefaultExpiration)
	}
	return out, nil
}

// Stats returns the number of cache hits and misses so far.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached rows.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}

func rowKey(row []float64) string {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range row {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	return strconv.FormatUint(d.Sum64(), 16) + ":" + strconv.Itoa(len(row))
}
