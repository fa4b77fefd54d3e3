package dataset

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareLocations() []Location {
	return []Location{
		{ID: "A", Lat: 0, Lng: 0},
		{ID: "B", Lat: 0, Lng: 0.1},
		{ID: "C", Lat: 0.1, Lng: 0.1},
		{ID: "D", Lat: 0.1, Lng: 0},
	}
}

func TestIstanbulIsValid(t *testing.T) {
	d := Istanbul()
	require.NoError(t, d.Validate())
	assert.Equal(t, 8, d.Len())

	i, ok := d.Index("kadikoy")
	require.True(t, ok)
	j, ok := d.Index("fatih")
	require.True(t, ok)
	// rush hour is slower and riskier than midday
	assert.Less(t, d.Speed[i][j][8], d.Speed[i][j][12])
	assert.Greater(t, d.Risk[i][j][8], d.Risk[i][j][12])
	assert.Greater(t, d.FuelRate[i][j][8], d.FuelRate[i][j][12])
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(d *Dataset)
	}{
		{"no locations", func(d *Dataset) { *d = Dataset{} }},
		{"duplicate id", func(d *Dataset) { d.Locations[1].ID = "A" }},
		{"empty id", func(d *Dataset) { d.Locations[2].ID = "" }},
		{"bad latitude", func(d *Dataset) { d.Locations[0].Lat = 95 }},
		{"missing entry", func(d *Dataset) { d.Speed[0][1][5] = math.NaN() }},
		{"zero speed", func(d *Dataset) { d.Speed[1][2][0] = 0 }},
		{"negative fuel", func(d *Dataset) { d.FuelRate[2][3][23] = -0.1 }},
		{"negative risk", func(d *Dataset) { d.Risk[3][0][12] = -1 }},
		{"infinite risk", func(d *Dataset) { d.Risk[3][0][12] = math.Inf(1) }},
		{"short matrix", func(d *Dataset) { d.Risk = d.Risk[:2] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Uniform(squareLocations(), 0.1, 40, 0.08)
			tc.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "want ErrInvalid, got %v", err)
		})
	}
}

func TestZeroRiskIsAllowed(t *testing.T) {
	d := Uniform(squareLocations(), 0, 40, 0.08)
	assert.NoError(t, d.Validate())
}

func TestFingerprintTracksContent(t *testing.T) {
	a := Uniform(squareLocations(), 0.1, 40, 0.08)
	b := Uniform(squareLocations(), 0.1, 40, 0.08)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	b.Speed[0][1][3] = 41
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

const twoStops = `
locations:
  - {id: depot, name: Depot, lat: 41.0, lng: 28.9}
  - {id: shop, name: Shop, lat: 41.1, lng: 29.0}
edges:
  - from: depot
    to: shop
    symmetric: true
    risk: 0.05
    speed: [20, 20, 20, 20, 20, 20, 30, 30, 30, 30, 30, 30, 40, 40, 40, 40, 40, 40, 50, 50, 50, 50, 50, 50]
    fuelRate: 0.09
`

func TestParseYAMLScalarsListsAndSymmetry(t *testing.T) {
	d, err := ParseYAML([]byte(twoStops))
	require.NoError(t, err)
	require.Equal(t, []string{"depot", "shop"}, d.IDs())

	assert.Equal(t, 0.05, d.Risk[0][1][17])
	assert.Equal(t, 20.0, d.Speed[0][1][0])
	assert.Equal(t, 50.0, d.Speed[0][1][23])
	// symmetric shorthand fills the reverse direction
	assert.Equal(t, d.Speed[0][1], d.Speed[1][0])
	assert.Equal(t, 0.09, d.FuelRate[1][0][9])
}

func TestParseYAMLExplicitReverseWins(t *testing.T) {
	doc := twoStops + `
  - {from: shop, to: depot, risk: 0.5, speed: 10, fuelRate: 0.2}
`
	d, err := ParseYAML([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 0.5, d.Risk[1][0][0])
	assert.Equal(t, 10.0, d.Speed[1][0][12])
}

func TestParseYAMLMissingEdge(t *testing.T) {
	doc := `
locations:
  - {id: a, lat: 0, lng: 0}
  - {id: b, lat: 0, lng: 1}
edges:
  - {from: a, to: b, risk: 0.1, speed: 30, fuelRate: 0.1}
`
	_, err := ParseYAML([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "b->a")
}

func TestParseYAMLErrors(t *testing.T) {
	cases := map[string]string{
		"unknown location": `
locations: [{id: a, lat: 0, lng: 0}]
edges: [{from: a, to: z, risk: 0, speed: 1, fuelRate: 1}]
`,
		"short hourly list": `
locations: [{id: a, lat: 0, lng: 0}, {id: b, lat: 0, lng: 1}]
edges: [{from: a, to: b, symmetric: true, risk: [1, 2], speed: 1, fuelRate: 1}]
`,
		"self loop": `
locations: [{id: a, lat: 0, lng: 0}]
edges: [{from: a, to: a, risk: 0, speed: 1, fuelRate: 1}]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoStops), 0o600))
	d, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
