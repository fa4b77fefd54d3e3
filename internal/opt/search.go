// Package opt implements the time-dependent, risk-constrained route search.
package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"ecoroute/internal/dataset"
)

var (
	// ErrNoFeasibleRoute is returned when no evaluated route met the risk ceiling.
	ErrNoFeasibleRoute = errors.New("no feasible route")
	// ErrInvalidConfig is wrapped by every configuration error detected before generation 0.
	ErrInvalidConfig = errors.New("invalid search config")
)

const (
	DefaultMutationRate   = 0.2
	DefaultTournamentSize = 3
	// DefaultStart is the departure time callers use when none is given.
	DefaultStart = 8 * time.Hour

	twoOptIterations = 50
)

// Config controls one search run. Zero values of the optional knobs select defaults.
type Config struct {
	PopulationSize int
	Generations    int
	Objective      Objective
	RiskCeiling    float64

	Start          time.Duration // departure offset from midnight
	MutationRate   float64       // per-child swap probability, default 0.2
	NoMutation     bool          // children are never mutated; MutationRate is ignored
	TournamentSize int           // default 3
	Seed           int64         // 0 derives a seed from the clock
	Workers        int           // evaluation goroutines, default GOMAXPROCS

	StagnationLimit int  // stop after this many generations without a better feasible score; 0 disables
	ClosedTour      bool // add the edge from the last location back to the first
	SeedHeuristic   bool // replace one initial member with a nearest-neighbour + 2-opt tour
	Weights         Weights

	// OnGeneration is called from the coordinating goroutine after each evaluation barrier.
	OnGeneration func(GenerationStats)
}

// GenerationStats summarizes one evaluated generation.
type GenerationStats struct {
	Generation    int     `json:"generation"`
	BestScore     float64 `json:"bestScore"` // best feasible score so far, 0 until one exists
	HasFeasible   bool    `json:"hasFeasible"`
	FeasibleCount int     `json:"feasibleCount"`
	MeanScore     float64 `json:"meanScore"`
}

// Metrics describe how a run went, whether or not it found a route.
type Metrics struct {
	Seed         int64             `json:"seed"`
	Generations  int               `json:"generations"`
	Evaluations  int               `json:"evaluations"`
	Improvements int               `json:"improvements"`
	StoppedEarly bool              `json:"stoppedEarly"`
	Reference    Reference         `json:"reference"`
	History      []GenerationStats `json:"history,omitempty"`
}

// Outcome is the best feasible route found and the evaluation that produced it.
type Outcome struct {
	Route      []string `json:"route"`
	Order      []int    `json:"order"`
	Totals
	DistanceKm float64 `json:"distanceKm"`
	Legs       []Leg   `json:"legs"`
	Score      float64 `json:"score"`
	Generation int     `json:"generation"`
	Seed       int64   `json:"seed"`
}

func (c Config) withDefaults() Config {
	switch {
	case c.NoMutation:
		c.MutationRate = 0
	case c.MutationRate == 0:
		c.MutationRate = DefaultMutationRate
	}
	if c.TournamentSize == 0 {
		c.TournamentSize = DefaultTournamentSize
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	return c
}

// Validate reports configuration errors. Defaults are applied first.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.PopulationSize <= 0:
		return fmt.Errorf("%w: population size must be > 0, got %d", ErrInvalidConfig, c.PopulationSize)
	case c.Generations <= 0:
		return fmt.Errorf("%w: generations must be > 0, got %d", ErrInvalidConfig, c.Generations)
	case !c.Objective.Valid():
		return fmt.Errorf("%w: unknown objective %d", ErrInvalidConfig, int(c.Objective))
	case math.IsNaN(c.RiskCeiling) || c.RiskCeiling <= 0:
		return fmt.Errorf("%w: risk ceiling must be > 0, got %g", ErrInvalidConfig, c.RiskCeiling)
	case c.MutationRate < 0 || c.MutationRate > 1 || math.IsNaN(c.MutationRate):
		return fmt.Errorf("%w: mutation rate must be in [0,1], got %g", ErrInvalidConfig, c.MutationRate)
	case c.TournamentSize < 1:
		return fmt.Errorf("%w: tournament size must be >= 1, got %d", ErrInvalidConfig, c.TournamentSize)
	case c.StagnationLimit < 0:
		return fmt.Errorf("%w: stagnation limit must be >= 0, got %d", ErrInvalidConfig, c.StagnationLimit)
	case c.Start < 0:
		return fmt.Errorf("%w: start must be >= 0, got %s", ErrInvalidConfig, c.Start)
	}
	return c.Weights.validate()
}

type search struct {
	cfg  Config
	ev   *Evaluator
	rng  *rand.Rand
	n    int
	ref  Reference
	best *candidate // best feasible so far
	m    Metrics
}

// Search evolves a population of routes over ds and returns the best feasible one.
// It returns ErrNoFeasibleRoute when no generation produced a route within the risk
// ceiling, and ctx.Err() when cancelled at a generation boundary. Metrics are
// returned in every case once the run has started.
func Search(ctx context.Context, ds *dataset.Dataset, cfg Config) (*Outcome, Metrics, error) {
	if ds == nil {
		return nil, Metrics{}, fmt.Errorf("search: %w: nil dataset", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, Metrics{}, fmt.Errorf("search: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, Metrics{}, fmt.Errorf("search: %w: %w", ErrInvalidConfig, err)
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &search{
		cfg: cfg,
		ev:  NewEvaluator(ds, cfg.Start, cfg.RiskCeiling, cfg.ClosedTour),
		rng: rand.New(rand.NewSource(seed)),
		n:   ds.Len(),
		m:   Metrics{Seed: seed},
	}
	return s.run(ctx)
}

func (s *search) run(ctx context.Context) (*Outcome, Metrics, error) {
	pop := s.initialize()
	stale := 0
	for gen := 0; gen < s.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, s.m, err
		}
		if err := s.evaluate(ctx, pop); err != nil {
			return nil, s.m, err
		}
		if gen == 0 {
			s.ref = referenceFrom(pop)
			s.m.Reference = s.ref
		}
		s.score(pop)
		leader, improved := s.track(pop, gen)
		s.m.Generations = gen + 1

		if improved {
			stale = 0
		} else if s.best != nil {
			stale++
		}
		if s.cfg.StagnationLimit > 0 && stale >= s.cfg.StagnationLimit {
			s.m.StoppedEarly = true
			break
		}
		if gen == s.cfg.Generations-1 {
			break
		}
		elite := leader
		if s.best != nil {
			elite = s.best
		}
		pop = s.reproduce(pop, elite)
	}
	if s.best == nil {
		return nil, s.m, ErrNoFeasibleRoute
	}
	return s.assemble(s.best), s.m, nil
}

func (s *search) initialize() []*candidate {
	pop := make([]*candidate, s.cfg.PopulationSize)
	for i := range pop {
		pop[i] = &candidate{route: randomRoute(s.n, s.rng)}
	}
	if s.cfg.SeedHeuristic && s.n > 1 {
		tour := nearestNeighbour(s.ev.distKm, 0)
		pop[0].route = improveOrder2Opt(s.ev.distKm, tour, s.cfg.ClosedTour, twoOptIterations)
	}
	return pop
}

// evaluate fills in the evaluation of every member that lacks one. Members are split
// into one contiguous chunk per worker; Wait is the generation barrier.
func (s *search) evaluate(ctx context.Context, pop []*candidate) error {
	todo := make([]*candidate, 0, len(pop))
	for _, c := range pop {
		if !c.evaluated {
			todo = append(todo, c)
		}
	}
	s.m.Evaluations += len(todo)
	workers := s.cfg.Workers
	if workers > len(todo) {
		workers = len(todo)
	}
	if workers <= 1 {
		for _, c := range todo {
			s.evaluateOne(c)
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	chunk := (len(todo) + workers - 1) / workers
	for lo := 0; lo < len(todo); lo += chunk {
		part := todo[lo:min(lo+chunk, len(todo))]
		g.Go(func() error {
			for _, c := range part {
				if err := gctx.Err(); err != nil {
					return err
				}
				s.evaluateOne(c)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *search) evaluateOne(c *candidate) {
	c.eval = s.ev.Evaluate(c.route)
	c.excess = math.Max(0, c.eval.Risk-s.cfg.RiskCeiling)
	c.evaluated = true
}

func (s *search) score(pop []*candidate) {
	for _, c := range pop {
		c.score = s.cfg.Objective.Scalarize(c.eval.Totals, s.ref, s.cfg.Weights)
	}
}

// track updates the best feasible record and returns the generation's leader.
func (s *search) track(pop []*candidate, gen int) (*candidate, bool) {
	leader := pop[0]
	feasible := 0
	sum := 0.0
	improved := false
	for _, c := range pop {
		sum += c.score
		if better(c, leader) {
			leader = c
		}
		if !c.eval.Feasible {
			continue
		}
		feasible++
		if s.best == nil || c.score < s.best.score {
			c.generation = gen
			s.best = c
			improved = true
		}
	}
	if improved {
		s.m.Improvements++
	}
	st := GenerationStats{
		Generation:    gen,
		HasFeasible:   s.best != nil,
		FeasibleCount: feasible,
		MeanScore:     sum / float64(len(pop)),
	}
	if s.best != nil {
		st.BestScore = s.best.score
	}
	s.m.History = append(s.m.History, st)
	if s.cfg.OnGeneration != nil {
		s.cfg.OnGeneration(st)
	}
	return leader, improved
}

// reproduce builds the next population: the elite unchanged, then children of
// tournament-selected parents.
func (s *search) reproduce(pop []*candidate, elite *candidate) []*candidate {
	next := make([]*candidate, 0, len(pop))
	next = append(next, elite)
	for len(next) < len(pop) {
		p1 := tournament(pop, s.cfg.TournamentSize, s.rng)
		p2 := tournament(pop, s.cfg.TournamentSize, s.rng)
		child := orderCrossover(p1.route, p2.route, s.rng)
		swapMutation(child, s.cfg.MutationRate, s.rng)
		next = append(next, &candidate{route: child})
	}
	return next
}

// assemble packages the stored evaluation of the winner without recomputing it.
func (s *search) assemble(c *candidate) *Outcome {
	ids := s.ev.ids
	route := make([]string, len(c.route))
	for i, idx := range c.route {
		route[i] = ids[idx]
	}
	legs := c.eval.Legs
	if legs == nil {
		legs = []Leg{}
	}
	return &Outcome{
		Route:      route,
		Order:      cloneRoute(c.route),
		Totals:     c.eval.Totals,
		DistanceKm: c.eval.DistanceKm,
		Legs:       legs,
		Score:      c.score,
		Generation: c.generation,
		Seed:       s.m.Seed,
	}
}
