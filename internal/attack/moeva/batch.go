package moeva

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Factory builds the engine of run i. cfg carries the derived per-run seed.
type Factory func(i int, cfg Config) (*Engine, error)

// AttackAll attacks every reference concurrently with at most workers runs in
// flight (0 means one per reference). Each run gets its own engine and a seed
// derived from cfg.Seed and its index, so results do not depend on
// scheduling. results[i] belongs to references[i] and may hold a partial
// result when that run failed. The returned error joins all run errors.
func AttackAll(ctx context.Context, cfg Config, references [][]float64, workers int, factory Factory) ([]*attack.Result, error) {
	base := cfg.Seed
	if base == 0 {
		base = time.Now().UnixNano()
	}

	results := make([]*attack.Result, len(references))
	errs := make([]error, len(references))

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, ref := range references {
		i, ref := i, ref
		runCfg := cfg
		runCfg.Seed = DeriveSeed(base, uint64(i))
		g.Go(func() error {
			engine, err := factory(i, runCfg)
			if err != nil {
				errs[i] = fmt.Errorf("run %d: %w", i, err)
				return nil
			}
			res, err := engine.Attack(ctx, ref)
			if res == nil {
				res = attack.PartialResult(err)
			}
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("run %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// DeriveSeed mixes a parent seed and a stream index into an independent
// non-zero seed with the SplitMix64 finalizer.
func DeriveSeed(parent int64, stream uint64) int64 {
	x := uint64(parent) ^ (stream + 0x9e3779b97f4a7c15)
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	if x == 0 {
		return 1
	}
	return int64(x)
}
