package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"ecoroute/internal/metrics"
	"ecoroute/internal/model"
	"ecoroute/internal/obs"
	"ecoroute/internal/opt"
	"ecoroute/internal/store"
	"ecoroute/internal/webhooks"
)

func (s *Server) limits() Limits {
	return Limits{MaxPopulation: s.Cfg.MaxPopulation, MaxGenerations: s.Cfg.MaxGenerations, Workers: s.Cfg.SearchWorkers}
}

// SearchHandler handles POST /v1/search
func (s *Server) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "search rate limit exceeded", r.URL.Path)
		return
	}
	var req model.SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	cfg, err := searchConfig(&req, s.limits())
	if err != nil {
		metrics.SearchRuns.WithLabelValues("-", "invalid").Inc()
		writeProblem(w, http.StatusBadRequest, "Invalid search request", err.Error(), r.URL.Path)
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if !s.active.claim(req.RunID) {
		writeProblem(w, http.StatusConflict, "Run id in use", "a search with this runId is in progress", "/v1/runs/"+req.RunID)
		return
	}
	defer s.active.release(req.RunID)
	switch _, err := s.Store.GetRun(r.Context(), req.RunID); {
	case err == nil:
		writeProblem(w, http.StatusConflict, "Run id in use", "runId already names a stored run", "/v1/runs/"+req.RunID)
		return
	case !errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
		return
	}
	objective := cfg.Objective.String()

	key := ""
	if req.Seed != 0 {
		key = s.cacheKey(req)
		if cached, ok := s.cache.Get(key); ok {
			run := cached
			run.ID = req.RunID
			run.Request = req
			run.CreatedAt = time.Now().UTC()
			run.Stats.Cached = true
			s.saveRun(r.Context(), run)
			s.finish(r.Context(), run)
			metrics.SearchRuns.WithLabelValues(objective, "cached").Inc()
			writeJSON(w, http.StatusOK, run)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.Cfg.SearchTimeout)
	defer cancel()
	pump := s.startProgress(req.RunID)
	cfg.OnGeneration = pump.generation

	start := time.Now()
	out, m, err := s.search(ctx, cfg)
	pump.close()
	elapsed := time.Since(start)
	metrics.SearchDuration.WithLabelValues(objective).Observe(elapsed.Seconds())
	metrics.GenerationsTotal.Add(float64(m.Generations))

	switch {
	case err == nil:
		run := buildRun(req, model.RunCompleted, out, m, elapsed)
		s.saveRun(r.Context(), run)
		if key != "" {
			s.cache.Add(key, run)
		}
		s.finish(r.Context(), run)
		metrics.SearchRuns.WithLabelValues(objective, "completed").Inc()
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, opt.ErrNoFeasibleRoute):
		run := buildRun(req, model.RunInfeasible, nil, m, elapsed)
		s.saveRun(r.Context(), run)
		s.finish(r.Context(), run)
		metrics.SearchRuns.WithLabelValues(objective, "infeasible").Inc()
		writeProblem(w, http.StatusUnprocessableEntity, "No feasible route",
			"relax the risk ceiling or increase the generation count", "/v1/runs/"+run.ID)
	case errors.Is(err, opt.ErrInvalidConfig):
		metrics.SearchRuns.WithLabelValues(objective, "invalid").Inc()
		writeProblem(w, http.StatusBadRequest, "Invalid search request", err.Error(), r.URL.Path)
	default:
		s.publish(req.RunID, model.Progress{RunID: req.RunID, Type: "failed", Generation: m.Generations})
		metrics.SearchRuns.WithLabelValues(objective, "canceled").Inc()
		switch {
		case r.Context().Err() != nil:
			// client went away; nobody is left to answer
		case errors.Is(err, context.DeadlineExceeded):
			writeProblem(w, http.StatusServiceUnavailable, "Search timed out", "reduce the population size or generation count", r.URL.Path)
		default:
			writeProblem(w, http.StatusInternalServerError, "Search failed", err.Error(), r.URL.Path)
		}
	}
}

func (s *Server) search(ctx context.Context, cfg opt.Config) (out *opt.Outcome, m opt.Metrics, err error) {
	defer obs.Time(ctx, "search."+cfg.Objective.String())(&err)
	return opt.Search(ctx, s.Dataset, cfg)
}

// cacheKey identifies a seeded request against the loaded dataset.
func (s *Server) cacheKey(req model.SearchRequest) string {
	req.RunID = ""
	b, _ := json.Marshal(req)
	return s.Dataset.Fingerprint() + "|" + string(b)
}

func (s *Server) saveRun(ctx context.Context, run model.Run) {
	if err := s.Store.SaveRun(ctx, run); err != nil {
		log.Printf("req_id=%s [api] save run=%s err=%v", obs.RequestID(ctx), run.ID, err)
	}
}

// finish publishes the terminal progress event and queues webhooks for run.
func (s *Server) finish(ctx context.Context, run model.Run) {
	event := webhooks.EventSearchCompleted
	if run.Status == model.RunInfeasible {
		event = webhooks.EventSearchInfeasible
	}
	s.publish(run.ID, finalProgress(run))
	if err := s.Pub.Emit(ctx, event, run.ID, run); err != nil {
		log.Printf("req_id=%s [api] %v", obs.RequestID(ctx), err)
	}
}

func buildRun(req model.SearchRequest, status string, out *opt.Outcome, m opt.Metrics, elapsed time.Duration) model.Run {
	run := model.Run{
		ID:        req.RunID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		Request:   req,
		Stats: model.RunStats{
			Seed:         m.Seed,
			Generations:  m.Generations,
			Evaluations:  m.Evaluations,
			Improvements: m.Improvements,
			StoppedEarly: m.StoppedEarly,
			ElapsedMs:    elapsed.Milliseconds(),
		},
	}
	if out == nil {
		return run
	}
	run.Route = out.Route
	run.TotalDurationMin = out.DurationMin
	run.TotalFuelL = out.FuelL
	run.TotalCO2Kg = out.CO2Kg
	run.TotalRisk = out.Risk
	run.DistanceKm = out.DistanceKm
	run.Stats.BestGeneration = out.Generation
	run.Stats.Score = out.Score
	run.Legs = make([]model.Leg, len(out.Legs))
	for i, l := range out.Legs {
		run.Legs[i] = model.Leg{
			Seq: i + 1, From: l.From, To: l.To, Hour: l.Hour,
			DistanceKm: l.DistanceKm, DurationMin: l.DurationMin, FuelL: l.FuelL, CO2Kg: l.CO2Kg, Risk: l.Risk,
			Arrival: opt.FormatClock(l.ArrivalMin),
		}
	}
	return run
}

// RunsHandler handles GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListRuns(r.Context(), cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, next))
}

// RunByIDHandler handles GET /v1/runs/{id} and GET /v1/runs/{id}/events/stream
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch {
	case len(parts) == 1:
		run, err := s.Store.GetRun(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream":
		s.streamRun(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// LocationsHandler handles GET /v1/locations
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out := make([]model.LocationOut, 0, s.Dataset.Len())
	for _, l := range s.Dataset.Locations {
		out = append(out, model.LocationOut{ID: l.ID, Name: l.Name, Lat: l.Lat, Lng: l.Lng})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "fingerprint": s.Dataset.Fingerprint()})
}

// OptimizerConfigHandler returns search defaults and limits
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	dw := opt.DefaultWeights()
	writeJSON(w, http.StatusOK, map[string]any{
		"defaults": map[string]any{
			"populationSize": 100,
			"generations":    300,
			"objective":      opt.ObjectiveBlended.String(),
			"maxRisk":        1.2,
			"startTime":      opt.FormatClock(opt.DefaultStart.Minutes()),
			"mutationRate":   opt.DefaultMutationRate,
			"tournamentSize": opt.DefaultTournamentSize,
			"weights":        model.Weights{Duration: dw.Duration, Emission: dw.Emission, Risk: dw.Risk},
		},
		"limits": map[string]any{
			"maxPopulation":  s.Cfg.MaxPopulation,
			"maxGenerations": s.Cfg.MaxGenerations,
			"searchTimeout":  s.Cfg.SearchTimeout.String(),
		},
		"objectives":  []string{"duration", "emission", "risk", "blended"},
		"co2PerLitre": opt.CO2PerLitre,
	})
}

// ScenariosHandler handles POST/GET /v1/scenarios
func (s *Server) ScenariosHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var in model.ScenarioInput
		if err := decodeJSON(w, r, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		in.Name = strings.TrimSpace(in.Name)
		if in.Name == "" || in.RunID == "" {
			writeProblem(w, http.StatusBadRequest, "Invalid scenario", "name and runId are required", r.URL.Path)
			return
		}
		run, err := s.Store.GetRun(r.Context(), in.RunID)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Run not found", in.RunID, r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
			return
		}
		if run.Status != model.RunCompleted {
			writeProblem(w, http.StatusConflict, "Run has no route", "only completed runs can be saved as scenarios", r.URL.Path)
			return
		}
		sc, err := s.Store.CreateScenario(r.Context(), model.Scenario{
			Name:        in.Name,
			RunID:       run.ID,
			Objective:   run.Request.Objective,
			DurationMin: run.TotalDurationMin,
			FuelL:       run.TotalFuelL,
			CO2Kg:       run.TotalCO2Kg,
			Risk:        run.TotalRisk,
		})
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create scenario failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sc)
	case http.MethodGet:
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListScenarios(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List scenarios failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, newPage(items, next))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ScenarioByIDHandler handles DELETE /v1/scenarios/{id}
func (s *Server) ScenarioByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.deleteByID(w, r, "/v1/scenarios/", s.Store.DeleteScenario)
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscription(req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor, limit := pageParams(r)
		items, next, err := s.Store.ListSubscriptions(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, newPage(items, next))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func validateSubscription(req model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return errors.New("events must not be empty")
	}
	for _, e := range req.Events {
		if e != "*" && !slices.Contains(webhooks.Events, e) {
			return errors.New("unknown event " + e + " (allowed: " + strings.Join(webhooks.Events, ", ") + ", *)")
		}
	}
	return nil
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.deleteByID(w, r, "/v1/subscriptions/", s.Store.DeleteSubscription)
}

func (s *Server) deleteByID(w http.ResponseWriter, r *http.Request, prefix string, del func(context.Context, string) error) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	err := del(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Delete failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/webhooks/deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), status, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, next))
}

// WebhookDeliveryRetryHandler handles POST /v1/webhooks/deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/webhooks/deliveries/"), "/retry")
	err := s.Store.RetryWebhookDelivery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Delivery not found", id, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the SQL store and Redis broker when configured.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	for _, dep := range []any{s.Store, s.Broker} {
		p, ok := dep.(pinger)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
