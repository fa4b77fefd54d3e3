package model

import "time"

// Wire types for the HTTP API and persisted records.

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	RunID           string   `json:"runId,omitempty"`
	PopulationSize  int      `json:"populationSize"`
	Generations     int      `json:"generations"`
	Objective       string   `json:"objective"`
	MaxRisk         float64  `json:"maxRisk"`
	Seed            int64    `json:"seed,omitempty"`
	StartTime       string   `json:"startTime,omitempty"`    // HH:MM, default 08:00
	MutationRate    *float64 `json:"mutationRate,omitempty"` // omitted selects 0.2, 0 disables mutation
	TournamentSize  int      `json:"tournamentSize,omitempty"`
	StagnationLimit int      `json:"stagnationLimit,omitempty"`
	ClosedTour      bool     `json:"closedTour,omitempty"`
	SeedHeuristic   bool     `json:"seedHeuristic,omitempty"`
	Weights         *Weights `json:"weights,omitempty"`
}

type Weights struct {
	Duration float64 `json:"duration"`
	Emission float64 `json:"emission"`
	Risk     float64 `json:"risk"`
}

const (
	RunCompleted  = "completed"
	RunInfeasible = "infeasible"
)

// Run is one finished search as stored and returned by the API.
type Run struct {
	ID               string        `json:"id"`
	Status           string        `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	Request          SearchRequest `json:"request"`
	Route            []string      `json:"route,omitempty"`
	TotalDurationMin float64       `json:"totalDurationMin"`
	TotalFuelL       float64       `json:"totalFuelL"`
	TotalCO2Kg       float64       `json:"totalCo2Kg"`
	TotalRisk        float64       `json:"totalRisk"`
	DistanceKm       float64       `json:"distanceKm"`
	Legs             []Leg         `json:"legs,omitempty"`
	Stats            RunStats      `json:"stats"`
}

type Leg struct {
	Seq         int     `json:"seq"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Hour        int     `json:"hour"`
	DistanceKm  float64 `json:"distanceKm"`
	DurationMin float64 `json:"durationMin"`
	FuelL       float64 `json:"fuelL"`
	CO2Kg       float64 `json:"co2Kg"`
	Risk        float64 `json:"risk"`
	Arrival     string  `json:"arrival"` // HH:MM, +Nd suffix past midnight
}

type RunStats struct {
	Seed           int64   `json:"seed"`
	Generations    int     `json:"generations"`
	BestGeneration int     `json:"bestGeneration"`
	Evaluations    int     `json:"evaluations"`
	Improvements   int     `json:"improvements"`
	StoppedEarly   bool    `json:"stoppedEarly"`
	Score          float64 `json:"score"`
	ElapsedMs      int64   `json:"elapsedMs"`
	Cached         bool    `json:"cached"`
}

// Progress is published per generation on the run's event channel.
type Progress struct {
	RunID         string  `json:"runId"`
	Type          string  `json:"type"` // generation, completed, infeasible, failed
	Generation    int     `json:"generation"`
	BestScore     float64 `json:"bestScore"`
	HasFeasible   bool    `json:"hasFeasible"`
	FeasibleCount int     `json:"feasibleCount"`
	MeanScore     float64 `json:"meanScore"`
}

// Scenarios
type ScenarioInput struct {
	Name  string `json:"name"`
	RunID string `json:"runId"`
}

type Scenario struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RunID       string    `json:"runId"`
	Objective   string    `json:"objective"`
	DurationMin float64   `json:"durationMin"`
	FuelL       float64   `json:"fuelL"`
	CO2Kg       float64   `json:"co2Kg"`
	Risk        float64   `json:"risk"`
	CreatedAt   time.Time `json:"createdAt"`
}

type LocationOut struct {
	ID   string  `json:"id"`
	Name string  `json:"name,omitempty"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// WebhookDeliveryOut is the read model of a queued or finished delivery.
type WebhookDeliveryOut struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId"`
	EventType      string     `json:"eventType"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	ResponseCode   int        `json:"responseCode,omitempty"`
	LatencyMs      int        `json:"latencyMs,omitempty"`
}
