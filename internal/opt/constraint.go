package opt

// Feasible reports whether a route's accumulated risk stays within the ceiling.
func Feasible(totalRisk, ceiling float64) bool {
	return totalRisk <= ceiling
}

type candidate struct {
	route      []int
	eval       Evaluation
	evaluated  bool
	score      float64
	excess     float64 // risk above the ceiling, zero when feasible
	generation int     // generation in which the route was first evaluated as best
}

// better orders candidates lexicographically: any feasible candidate beats any
// infeasible one, infeasible candidates compare by how far they exceed the ceiling,
// and ties fall through to the objective score.
func better(a, b *candidate) bool {
	if a.eval.Feasible != b.eval.Feasible {
		return a.eval.Feasible
	}
	if !a.eval.Feasible && a.excess != b.excess {
		return a.excess < b.excess
	}
	return a.score < b.score
}
