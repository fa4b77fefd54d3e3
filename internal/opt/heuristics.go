package opt

// nearestNeighbour builds a tour greedily from start, always moving to the closest
// unvisited location.
func nearestNeighbour(dist [][]float64, start int) []int {
	n := len(dist)
	if n == 0 {
		return nil
	}
	used := make([]bool, n)
	order := make([]int, 0, n)
	cur := start
	used[cur] = true
	order = append(order, cur)
	for len(order) < n {
		next, best := -1, 0.0
		for j := 0; j < n; j++ {
			if used[j] {
				continue
			}
			if next < 0 || dist[cur][j] < best {
				next, best = j, dist[cur][j]
			}
		}
		used[next] = true
		order = append(order, next)
		cur = next
	}
	return order
}

// improveOrder2Opt applies 2-opt segment reversals until no reversal shortens the
// static distance or the iteration cap is hit.
func improveOrder2Opt(dist [][]float64, order []int, closed bool, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestDist := pathDistance(dist, best, closed)
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				d := pathDistance(dist, cand, closed)
				if d+1e-9 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func pathDistance(dist [][]float64, order []int, closed bool) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		total += dist[order[i]][order[i+1]]
	}
	if closed && len(order) > 1 {
		total += dist[order[len(order)-1]][order[0]]
	}
	return total
}
