package opt

import (
	"math"
	"time"

	"ecoroute/internal/dataset"
)

// CO2PerLitre converts litres of diesel burned to kg of CO2.
const CO2PerLitre = 2.68

// Totals are the four aggregate metrics of a route.
type Totals struct {
	DurationMin float64 `json:"totalDurationMin"`
	FuelL       float64 `json:"totalFuelL"`
	CO2Kg       float64 `json:"totalCo2Kg"`
	Risk        float64 `json:"totalRisk"`
}

// Leg is the cost breakdown of one traversed edge.
type Leg struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	Hour        int     `json:"hour"`
	DistanceKm  float64 `json:"distanceKm"`
	DurationMin float64 `json:"durationMin"`
	FuelL       float64 `json:"fuelL"`
	CO2Kg       float64 `json:"co2Kg"`
	Risk        float64 `json:"risk"`
	ArrivalMin  float64 `json:"arrivalMin"` // minutes since midnight of the start day
}

// Evaluation is the full cost of one route.
type Evaluation struct {
	Totals
	DistanceKm float64
	Feasible   bool
	Legs       []Leg
}

// hourBucket maps a clock reading in minutes since midnight to an hour of day.
func hourBucket(clockMin float64) int {
	h := int(math.Floor(clockMin/60)) % dataset.HoursPerDay
	if h < 0 {
		h += dataset.HoursPerDay
	}
	return h
}

// Evaluator walks routes edge by edge against the time-dependent cost matrices.
// It is safe for concurrent use: it only reads the dataset and its own distance table.
type Evaluator struct {
	ds       *dataset.Dataset
	ids      []string
	distKm   [][]float64
	startMin float64
	ceiling  float64
	closed   bool
}

// NewEvaluator precomputes the static distance table for ds.
func NewEvaluator(ds *dataset.Dataset, start time.Duration, ceiling float64, closed bool) *Evaluator {
	return &Evaluator{
		ds:       ds,
		ids:      ds.IDs(),
		distKm:   distanceTable(ds.Locations),
		startMin: start.Minutes(),
		ceiling:  ceiling,
		closed:   closed,
	}
}

// Evaluate computes totals and legs for route. The hour bucket of every edge comes from
// the clock after all preceding edges, so cost depends on the whole visiting order.
func (e *Evaluator) Evaluate(route []int) Evaluation {
	var ev Evaluation
	if len(route) < 2 {
		ev.Feasible = Feasible(0, e.ceiling)
		return ev
	}
	edges := len(route) - 1
	if e.closed {
		edges++
	}
	ev.Legs = make([]Leg, 0, edges)
	clock := e.startMin
	for k := 0; k < edges; k++ {
		from, to := route[k], route[(k+1)%len(route)]
		hour := hourBucket(clock)
		km := e.distKm[from][to]
		durMin := km / e.ds.Speed[from][to][hour] * 60
		fuel := km * e.ds.FuelRate[from][to][hour]
		co2 := fuel * CO2PerLitre
		risk := e.ds.Risk[from][to][hour]
		clock += durMin

		ev.DurationMin += durMin
		ev.FuelL += fuel
		ev.CO2Kg += co2
		ev.Risk += risk
		ev.DistanceKm += km
		ev.Legs = append(ev.Legs, Leg{
			From:        e.ids[from],
			To:          e.ids[to],
			Hour:        hour,
			DistanceKm:  km,
			DurationMin: durMin,
			FuelL:       fuel,
			CO2Kg:       co2,
			Risk:        risk,
			ArrivalMin:  clock,
		})
	}
	ev.Feasible = Feasible(ev.Risk, e.ceiling)
	return ev
}

func distanceTable(locs []dataset.Location) [][]float64 {
	n := len(locs)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			if i != j {
				out[i][j] = haversineKm(locs[i].Lat, locs[i].Lng, locs[j].Lat, locs[j].Lng)
			}
		}
	}
	return out
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
