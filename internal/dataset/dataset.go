// Package dataset holds the static location set and the hour-indexed cost matrices
// consumed by the route search.
package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// HoursPerDay is the number of hour buckets in every cost matrix.
const HoursPerDay = 24

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid dataset")

// Location is a stop that every route visits exactly once.
type Location struct {
	ID   string  `json:"id" yaml:"id"`
	Name string  `json:"name,omitempty" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lng  float64 `json:"lng" yaml:"lng"`
}

// Matrix is indexed [from][to][hour]. Diagonal entries are unused.
type Matrix [][][HoursPerDay]float64

// NewMatrix allocates an n x n matrix with every off-diagonal entry set to NaN,
// which Validate reports as missing.
func NewMatrix(n int) Matrix {
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([][HoursPerDay]float64, n)
		for j := range m[i] {
			if i == j {
				continue
			}
			for h := 0; h < HoursPerDay; h++ {
				m[i][j][h] = math.NaN()
			}
		}
	}
	return m
}

// Dataset is read-only once validated.
type Dataset struct {
	Locations []Location
	Risk      Matrix // additive, no unit
	Speed     Matrix // km/h
	FuelRate  Matrix // litres per km
}

// Len returns the number of locations.
func (d *Dataset) Len() int { return len(d.Locations) }

// IDs returns location identifiers in dataset order.
func (d *Dataset) IDs() []string {
	out := make([]string, len(d.Locations))
	for i, l := range d.Locations {
		out[i] = l.ID
	}
	return out
}

// Index returns the position of the location with the given ID.
func (d *Dataset) Index(id string) (int, bool) {
	for i, l := range d.Locations {
		if l.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Validate checks that the dataset is usable by the search: at least one location,
// unique IDs, sane coordinates, and a finite positive speed and fuel rate and a finite
// nonnegative risk for every ordered pair of distinct locations at every hour.
func (d *Dataset) Validate() error {
	n := len(d.Locations)
	if n == 0 {
		return fmt.Errorf("%w: no locations", ErrInvalid)
	}
	seen := make(map[string]struct{}, n)
	for i, l := range d.Locations {
		if l.ID == "" {
			return fmt.Errorf("%w: location %d has an empty id", ErrInvalid, i)
		}
		if _, ok := seen[l.ID]; ok {
			return fmt.Errorf("%w: duplicate location id %q", ErrInvalid, l.ID)
		}
		seen[l.ID] = struct{}{}
		if math.IsNaN(l.Lat) || l.Lat < -90 || l.Lat > 90 || math.IsNaN(l.Lng) || l.Lng < -180 || l.Lng > 180 {
			return fmt.Errorf("%w: location %q has coordinates out of range", ErrInvalid, l.ID)
		}
	}
	checks := []struct {
		name     string
		m        Matrix
		positive bool
	}{
		{"risk", d.Risk, false},
		{"speed", d.Speed, true},
		{"fuelRate", d.FuelRate, true},
	}
	for _, c := range checks {
		if len(c.m) != n {
			return fmt.Errorf("%w: %s matrix has %d rows, want %d", ErrInvalid, c.name, len(c.m), n)
		}
		for i := 0; i < n; i++ {
			if len(c.m[i]) != n {
				return fmt.Errorf("%w: %s matrix row %q has %d columns, want %d", ErrInvalid, c.name, d.Locations[i].ID, len(c.m[i]), n)
			}
			for j := 0; j < n; j++ {
				if i == j {
					continue
				}
				for h, v := range c.m[i][j] {
					from, to := d.Locations[i].ID, d.Locations[j].ID
					switch {
					case math.IsNaN(v):
						return fmt.Errorf("%w: %s missing for %s->%s at hour %d", ErrInvalid, c.name, from, to, h)
					case math.IsInf(v, 0):
						return fmt.Errorf("%w: %s is infinite for %s->%s at hour %d", ErrInvalid, c.name, from, to, h)
					case c.positive && v <= 0:
						return fmt.Errorf("%w: %s must be > 0 for %s->%s at hour %d, got %g", ErrInvalid, c.name, from, to, h, v)
					case v < 0:
						return fmt.Errorf("%w: %s must be >= 0 for %s->%s at hour %d, got %g", ErrInvalid, c.name, from, to, h, v)
					}
				}
			}
		}
	}
	return nil
}

// Fingerprint returns a stable hex digest of the dataset contents.
func (d *Dataset) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	putFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	for _, l := range d.Locations {
		h.Write([]byte(l.ID))
		h.Write([]byte{0})
		putFloat(l.Lat)
		putFloat(l.Lng)
	}
	for _, m := range []Matrix{d.Risk, d.Speed, d.FuelRate} {
		for i := range m {
			for j := range m[i] {
				for _, v := range m[i][j] {
					putFloat(v)
				}
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Uniform builds a dataset where every edge has the same cost at every hour.
// Useful for tests and for reducing the problem to a static TSP.
func Uniform(locs []Location, risk, speed, fuelRate float64) *Dataset {
	n := len(locs)
	d := &Dataset{
		Locations: append([]Location(nil), locs...),
		Risk:      NewMatrix(n),
		Speed:     NewMatrix(n),
		FuelRate:  NewMatrix(n),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			for h := 0; h < HoursPerDay; h++ {
				d.Risk[i][j][h] = risk
				d.Speed[i][j][h] = speed
				d.FuelRate[i][j][h] = fuelRate
			}
		}
	}
	return d
}
