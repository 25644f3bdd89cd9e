// Package selection implements NSGA-II survivor selection: non-dominated
// sorting, crowding distance and crowded binary tournaments.
//
// Every routine breaks ties by input order so that a fixed seed yields a fixed
// run.
package selection

import (
	"math"
	"math/rand"
	"sort"

	"github.com/copyleftdev/moeva/internal/attack"
)

// Dominates reports whether a is no worse than b in every objective and
// strictly better in at least one. All objectives are minimised.
func Dominates(a, b attack.Objectives) bool {
	better := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			better = true
		}
	}
	return better
}

// NonDominatedSort partitions pop into fronts of indices and stores each
// individual's front number in Rank. Front 0 holds the non-dominated members;
// indices inside a front are ascending.
func NonDominatedSort(pop attack.Population) [][]int {
	n := len(pop)
	if n == 0 {
		return nil
	}
	dominated := make([][]int, n)
	domCount := make([]int, n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			switch {
			case Dominates(pop[i].Objectives, pop[j].Objectives):
				dominated[i] = append(dominated[i], j)
				domCount[j]++
			case Dominates(pop[j].Objectives, pop[i].Objectives):
				dominated[j] = append(dominated[j], i)
				domCount[i]++
			}
		}
	}

	var current []int
	for i := 0; i < n; i++ {
		if domCount[i] == 0 {
			pop[i].Rank = 0
			current = append(current, i)
		}
	}

	var fronts [][]int
	for rank := 0; len(current) > 0; rank++ {
		fronts = append(fronts, current)
		var next []int
		for _, idx := range current {
			for _, d := range dominated[idx] {
				domCount[d]--
				if domCount[d] == 0 {
					pop[d].Rank = rank + 1
					next = append(next, d)
				}
			}
		}
		sort.Ints(next)
		current = next
	}
	return fronts
}

// CrowdingDistance assigns Distance to the members of front, given as indices
// into pop. Boundary members of every objective get +Inf; inner members sum
// their neighbour gaps normalised by the objective's range.
func CrowdingDistance(pop attack.Population, front []int) {
	for _, idx := range front {
		pop[idx].Distance = 0
	}
	if len(front) <= 2 {
		for _, idx := range front {
			pop[idx].Distance = math.Inf(1)
		}
		return
	}

	order := make([]int, len(front))
	arity := len(pop[front[0]].Objectives)
	for m := 0; m < arity; m++ {
		copy(order, front)
		sort.SliceStable(order, func(i, j int) bool {
			return pop[order[i]].Objectives[m] < pop[order[j]].Objectives[m]
		})

		first, last := pop[order[0]], pop[order[len(order)-1]]
		first.Distance = math.Inf(1)
		last.Distance = math.Inf(1)

		span := last.Objectives[m] - first.Objectives[m]
		if span == 0 || math.IsInf(span, 0) || math.IsNaN(span) {
			continue
		}
		for i := 1; i < len(order)-1; i++ {
			gap := pop[order[i+1]].Objectives[m] - pop[order[i-1]].Objectives[m]
			pop[order[i]].Distance += gap / span
		}
	}
}

// Better is the crowded-comparison operator: lower rank wins, then larger
// crowding distance.
func Better(a, b *attack.Individual) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.Distance > b.Distance
}

// Rank sorts pop into fronts and assigns crowding distances to every member.
// It returns the fronts.
func Rank(pop attack.Population) [][]int {
	fronts := NonDominatedSort(pop)
	for _, f := range fronts {
		CrowdingDistance(pop, f)
	}
	return fronts
}

// Select returns the n survivors of pool. Whole fronts are admitted in rank
// order; the front that overflows is truncated by descending crowding distance.
// Rank and Distance of every survivor are set. pool itself is not reordered.
func Select(pool attack.Population, n int) attack.Population {
	fronts := Rank(pool)
	if n >= len(pool) {
		return append(attack.Population(nil), pool...)
	}

	out := make(attack.Population, 0, n)
	for _, f := range fronts {
		if len(out)+len(f) <= n {
			for _, idx := range f {
				out = append(out, pool[idx])
			}
			if len(out) == n {
				break
			}
			continue
		}
		last := append([]int(nil), f...)
		sort.SliceStable(last, func(i, j int) bool {
			return pool[last[i]].Distance > pool[last[j]].Distance
		})
		for _, idx := range last[:n-len(out)] {
			out = append(out, pool[idx])
		}
		break
	}
	return out
}

// Tournament draws size members of pop uniformly with replacement and returns
// the best by the crowded-comparison operator. Earlier draws win ties.
func Tournament(rng *rand.Rand, pop attack.Population, size int) *attack.Individual {
	if size < 1 {
		size = 1
	}
	best := pop[rng.Intn(len(pop))]
	for i := 1; i < size; i++ {
		contestant := pop[rng.Intn(len(pop))]
		if Better(contestant, best) {
			best = contestant
		}
	}
	return best
}

// ParetoFront returns the non-dominated members of pop in input order.
func ParetoFront(pop attack.Population) attack.Population {
	var out attack.Population
	for i, a := range pop {
		dominated := false
		for j, b := range pop {
			if i != j && Dominates(b.Objectives, a.Objectives) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, a)
		}
	}
	return out
}
