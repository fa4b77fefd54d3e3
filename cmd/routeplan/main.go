// Command routeplan runs one route search from the terminal and prints the legs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"ecoroute/internal/dataset"
	"ecoroute/internal/opt"
)

const (
	exitError      = 1
	exitInfeasible = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("routeplan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pop := fs.Int("pop", 100, "population size")
	gens := fs.Int("gens", 300, "generations")
	objective := fs.String("objective", "blended", "duration | emission | risk | blended")
	maxRisk := fs.Float64("max-risk", 1.2, "total risk ceiling")
	seed := fs.Int64("seed", 0, "random seed, 0 picks one from the clock")
	start := fs.String("start", "08:00", "departure time HH:MM")
	dataPath := fs.String("dataset", "", "YAML dataset, built-in Istanbul districts when empty")
	mutation := fs.Float64("mutation", opt.DefaultMutationRate, "per-child swap probability, 0 disables mutation")
	closed := fs.Bool("closed", false, "return to the first location")
	asJSON := fs.Bool("json", false, "print the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	obj, err := opt.ParseObjective(*objective)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	startAt, err := opt.ParseClock(*start)
	if err != nil {
		fmt.Fprintf(stderr, "start: %v\n", err)
		return exitError
	}
	ds := dataset.Istanbul()
	if *dataPath != "" {
		if ds, err = dataset.LoadYAML(*dataPath); err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	out, m, err := opt.Search(ctx, ds, opt.Config{
		PopulationSize: *pop,
		Generations:    *gens,
		Objective:      obj,
		RiskCeiling:    *maxRisk,
		Start:          startAt,
		MutationRate:   *mutation,
		NoMutation:     *mutation == 0,
		Seed:           *seed,
		ClosedTour:     *closed,
	})
	if errors.Is(err, opt.ErrNoFeasibleRoute) {
		fmt.Fprintf(stderr, "no feasible route after %d generations (seed %d): relax the risk ceiling or increase the generation count\n", m.Generations, m.Seed)
		return exitInfeasible
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
		return 0
	}
	printTable(stdout, out, m)
	return 0
}

func printTable(w io.Writer, out *opt.Outcome, m opt.Metrics) {
	fmt.Fprintf(w, "route: %s\n\n", strings.Join(out.Route, " -> "))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tfrom\tto\thour\tkm\tmin\tfuel L\tCO2 kg\trisk\tarrive\t")
	for i, l := range out.Legs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%02d\t%.1f\t%.1f\t%.2f\t%.2f\t%.3f\t%s\t\n",
			i+1, l.From, l.To, l.Hour, l.DistanceKm, l.DurationMin, l.FuelL, l.CO2Kg, l.Risk, opt.FormatClock(l.ArrivalMin))
	}
	fmt.Fprintf(tw, "\ttotal\t\t\t%.1f\t%.1f\t%.2f\t%.2f\t%.3f\t\t\n",
		out.DistanceKm, out.DurationMin, out.FuelL, out.CO2Kg, out.Risk)
	_ = tw.Flush()
	fmt.Fprintf(w, "\nscore %.4f at generation %d of %d, seed %d\n", out.Score, out.Generation, m.Generations, m.Seed)
}
