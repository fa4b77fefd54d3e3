package opt

import (
	"math/rand"

	"github.com/MaxHalford/eaopt"
)

func cloneRoute(r []int) []int { return append([]int(nil), r...) }

// randomRoute returns a uniformly random permutation of 0..n-1.
func randomRoute(n int, rng *rand.Rand) []int { return rng.Perm(n) }

// orderCrossover keeps a random contiguous slice of p1 in place and fills the
// remaining positions with the missing locations in p2's order. Parents are not modified.
func orderCrossover(p1, p2 []int, rng *rand.Rand) []int {
	c1, c2 := cloneRoute(p1), cloneRoute(p2)
	if len(c1) < 2 {
		return c1
	}
	eaopt.CrossOXInt(c1, c2, rng)
	return c1
}

// swapMutation exchanges two random positions of r with probability rate.
func swapMutation(r []int, rate float64, rng *rand.Rand) {
	if len(r) < 2 || rng.Float64() >= rate {
		return
	}
	eaopt.MutPermuteInt(r, 1, rng)
}

// tournament draws size contestants with replacement and returns the best.
func tournament(pop []*candidate, size int, rng *rand.Rand) *candidate {
	best := pop[rng.Intn(len(pop))]
	for i := 1; i < size; i++ {
		if c := pop[rng.Intn(len(pop))]; better(c, best) {
			best = c
		}
	}
	return best
}
