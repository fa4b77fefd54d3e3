package api

import (
	"fmt"
	"math"
	"regexp"

	"ecoroute/internal/model"
	"ecoroute/internal/opt"
)

// Limits bound what a single request may ask of the engine.
type Limits struct {
	MaxPopulation  int
	MaxGenerations int
	Workers        int
}

// runIDPattern keeps client-chosen run ids addressable as a single path segment.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// searchConfig validates req and maps it onto an engine configuration.
func searchConfig(req *model.SearchRequest, lim Limits) (opt.Config, error) {
	if req.RunID != "" && !runIDPattern.MatchString(req.RunID) {
		return opt.Config{}, fmt.Errorf("runId must be 1-64 characters of [A-Za-z0-9_-]")
	}
	if req.PopulationSize <= 0 || req.PopulationSize > lim.MaxPopulation {
		return opt.Config{}, fmt.Errorf("populationSize must be in [1,%d]", lim.MaxPopulation)
	}
	if req.Generations <= 0 || req.Generations > lim.MaxGenerations {
		return opt.Config{}, fmt.Errorf("generations must be in [1,%d]", lim.MaxGenerations)
	}
	if math.IsNaN(req.MaxRisk) || math.IsInf(req.MaxRisk, 0) || req.MaxRisk <= 0 {
		return opt.Config{}, fmt.Errorf("maxRisk must be > 0")
	}
	obj, err := opt.ParseObjective(req.Objective)
	if err != nil {
		return opt.Config{}, err
	}
	start := opt.DefaultStart
	if req.StartTime != "" {
		if start, err = opt.ParseClock(req.StartTime); err != nil {
			return opt.Config{}, fmt.Errorf("startTime: %w", err)
		}
	}
	if mr := req.MutationRate; mr != nil && (math.IsNaN(*mr) || *mr < 0 || *mr > 1) {
		return opt.Config{}, fmt.Errorf("mutationRate must be in [0,1]")
	}
	if req.TournamentSize < 0 || req.TournamentSize > req.PopulationSize {
		return opt.Config{}, fmt.Errorf("tournamentSize must be in [1,populationSize]")
	}
	if req.StagnationLimit < 0 {
		return opt.Config{}, fmt.Errorf("stagnationLimit must be >= 0")
	}
	cfg := opt.Config{
		PopulationSize:  req.PopulationSize,
		Generations:     req.Generations,
		Objective:       obj,
		RiskCeiling:     req.MaxRisk,
		Start:           start,
		TournamentSize:  req.TournamentSize,
		Seed:            req.Seed,
		Workers:         lim.Workers,
		StagnationLimit: req.StagnationLimit,
		ClosedTour:      req.ClosedTour,
		SeedHeuristic:   req.SeedHeuristic,
	}
	if req.MutationRate != nil {
		cfg.MutationRate = *req.MutationRate
		cfg.NoMutation = *req.MutationRate == 0
	}
	if req.Weights != nil {
		cfg.Weights = opt.Weights{Duration: req.Weights.Duration, Emission: req.Weights.Emission, Risk: req.Weights.Risk}
		if cfg.Weights == (opt.Weights{}) {
			return opt.Config{}, fmt.Errorf("weights must not all be zero")
		}
	}
	if err := cfg.Validate(); err != nil {
		return opt.Config{}, err
	}
	return cfg, nil
}
