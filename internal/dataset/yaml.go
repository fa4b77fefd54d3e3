package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Hourly is a cost that is either a single value for all hours or a list of 24.
type Hourly [HoursPerDay]float64

// UnmarshalYAML accepts a scalar or a 24-element sequence.
func (h *Hourly) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := value.Decode(&v); err != nil {
			return err
		}
		for i := range h {
			h[i] = v
		}
		return nil
	case yaml.SequenceNode:
		var vs []float64
		if err := value.Decode(&vs); err != nil {
			return err
		}
		if len(vs) != HoursPerDay {
			return fmt.Errorf("line %d: hourly list has %d values, want %d", value.Line, len(vs), HoursPerDay)
		}
		copy(h[:], vs)
		return nil
	default:
		return fmt.Errorf("line %d: hourly cost must be a number or a list of %d numbers", value.Line, HoursPerDay)
	}
}

type yamlEdge struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Symmetric bool   `yaml:"symmetric"`
	Risk      Hourly `yaml:"risk"`
	Speed     Hourly `yaml:"speed"`
	FuelRate  Hourly `yaml:"fuelRate"`
}

type yamlDataset struct {
	Locations []Location `yaml:"locations"`
	Edges     []yamlEdge `yaml:"edges"`
}

// ParseYAML decodes and validates a dataset document.
func ParseYAML(data []byte) (*Dataset, error) {
	var doc yamlDataset
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	n := len(doc.Locations)
	d := &Dataset{
		Locations: doc.Locations,
		Risk:      NewMatrix(n),
		Speed:     NewMatrix(n),
		FuelRate:  NewMatrix(n),
	}
	index := make(map[string]int, n)
	for i, l := range doc.Locations {
		index[l.ID] = i
	}
	explicit := make(map[[2]int]bool, len(doc.Edges))
	set := func(i, j int, e yamlEdge) {
		d.Risk[i][j] = e.Risk
		d.Speed[i][j] = e.Speed
		d.FuelRate[i][j] = e.FuelRate
	}
	for k, e := range doc.Edges {
		i, ok := index[e.From]
		if !ok {
			return nil, fmt.Errorf("parse dataset: %w: edge %d references unknown location %q", ErrInvalid, k, e.From)
		}
		j, ok := index[e.To]
		if !ok {
			return nil, fmt.Errorf("parse dataset: %w: edge %d references unknown location %q", ErrInvalid, k, e.To)
		}
		if i == j {
			return nil, fmt.Errorf("parse dataset: %w: edge %d is a self loop on %q", ErrInvalid, k, e.From)
		}
		set(i, j, e)
		explicit[[2]int{i, j}] = true
	}
	// reverse copies never override an explicitly listed direction
	for _, e := range doc.Edges {
		if !e.Symmetric {
			continue
		}
		i, j := index[e.From], index[e.To]
		if !explicit[[2]int{j, i}] {
			set(j, i, e)
		}
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	return d, nil
}

// LoadYAML reads a dataset file from disk.
func LoadYAML(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load dataset %q: %w", path, err)
	}
	d, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("load dataset %q: %w", path, err)
	}
	return d, nil
}
