package opt

import (
	"fmt"
	"strings"
)

// Objective selects how the four route metrics reduce to one score. Lower is better.
type Objective int

const (
	ObjectiveDuration Objective = iota
	ObjectiveEmission
	ObjectiveRisk
	ObjectiveBlended
)

var objectiveNames = [...]string{"duration", "emission", "risk", "blended"}

func (o Objective) String() string {
	if o < 0 || int(o) >= len(objectiveNames) {
		return fmt.Sprintf("objective(%d)", int(o))
	}
	return objectiveNames[o]
}

// Valid reports whether o is one of the four known objectives.
func (o Objective) Valid() bool { return o >= ObjectiveDuration && o <= ObjectiveBlended }

// MarshalText lets objectives travel as their token in JSON.
func (o Objective) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unknown objective %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText accepts any token ParseObjective accepts.
func (o *Objective) UnmarshalText(b []byte) error {
	v, err := ParseObjective(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ParseObjective maps a caller token to an Objective. Besides the canonical names it
// accepts short aliases and the dashboard's Turkish labels.
func ParseObjective(s string) (Objective, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "duration", "time", "süre", "sure":
		return ObjectiveDuration, nil
	case "emission", "emissions", "co2", "emisyon":
		return ObjectiveEmission, nil
	case "risk":
		return ObjectiveRisk, nil
	case "blended", "all", "tümü", "tumu":
		return ObjectiveBlended, nil
	}
	return 0, fmt.Errorf("%w: unknown objective %q (allowed: duration, emission, risk, blended)", ErrInvalidConfig, s)
}

// Weights scale the normalized terms of the blended objective.
type Weights struct {
	Duration float64 `json:"duration"`
	Emission float64 `json:"emission"`
	Risk     float64 `json:"risk"`
}

// DefaultWeights gives the three blended terms equal say.
func DefaultWeights() Weights { return Weights{Duration: 1.0 / 3, Emission: 1.0 / 3, Risk: 1.0 / 3} }

func (w Weights) validate() error {
	if w.Duration < 0 || w.Emission < 0 || w.Risk < 0 {
		return fmt.Errorf("%w: blended weights must be >= 0", ErrInvalidConfig)
	}
	if w.Duration+w.Emission+w.Risk == 0 {
		return fmt.Errorf("%w: blended weights must not all be zero", ErrInvalidConfig)
	}
	return nil
}

// Reference holds the run-wide scale of each blended term.
type Reference struct {
	DurationMin float64 `json:"durationMin"`
	CO2Kg       float64 `json:"co2Kg"`
	Risk        float64 `json:"risk"`
}

// referenceFrom averages the metrics of an evaluated population.
func referenceFrom(pop []*candidate) Reference {
	var ref Reference
	if len(pop) == 0 {
		return ref
	}
	for _, c := range pop {
		ref.DurationMin += c.eval.DurationMin
		ref.CO2Kg += c.eval.CO2Kg
		ref.Risk += c.eval.Risk
	}
	n := float64(len(pop))
	ref.DurationMin /= n
	ref.CO2Kg /= n
	ref.Risk /= n
	return ref
}

func scale(v, ref float64) float64 {
	if ref <= 0 {
		return v
	}
	return v / ref
}

// Scalarize reduces totals to a single comparable score.
func (o Objective) Scalarize(t Totals, ref Reference, w Weights) float64 {
	switch o {
	case ObjectiveDuration:
		return t.DurationMin
	case ObjectiveEmission:
		return t.CO2Kg
	case ObjectiveRisk:
		return t.Risk
	default:
		return w.Duration*scale(t.DurationMin, ref.DurationMin) +
			w.Emission*scale(t.CO2Kg, ref.CO2Kg) +
			w.Risk*scale(t.Risk, ref.Risk)
	}
}
