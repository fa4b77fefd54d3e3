package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecoroute/internal/config"
	"ecoroute/internal/dataset"
	"ecoroute/internal/model"
	"ecoroute/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		Port:               "8080",
		RateRPS:            1000,
		RateBurst:          1000,
		CacheSize:          16,
		SearchTimeout:      30 * time.Second,
		MaxPopulation:      300,
		MaxGenerations:     1000,
		SearchWorkers:      2,
		WebhookMaxAttempts: 3,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg, store.NewMemory(), NewBroker(), dataset.Istanbul())
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func searchBody(runID string, seed int64, maxRisk float64) model.SearchRequest {
	return model.SearchRequest{RunID: runID, PopulationSize: 40, Generations: 60, Objective: "blended", MaxRisk: maxRisk, Seed: seed}
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	rr = do(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSearchCompleted(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPost, "/v1/search", searchBody("", 42, 1.2))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	run := decode[model.Run](t, rr)

	assert.Equal(t, model.RunCompleted, run.Status)
	assert.NotEmpty(t, run.ID)
	assert.Len(t, run.Route, 8)
	require.Len(t, run.Legs, 7)
	assert.LessOrEqual(t, run.TotalRisk, 1.2)
	assert.Equal(t, int64(42), run.Stats.Seed)
	assert.Equal(t, 1, run.Legs[0].Seq)
	assert.Equal(t, run.Route[0], run.Legs[0].From)
	assert.False(t, run.Stats.Cached)

	rr = do(t, h, http.MethodGet, "/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, run.Route, decode[model.Run](t, rr).Route)

	rr = do(t, h, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[page[model.Run]](t, rr).Items, 1)

	rr = do(t, h, http.MethodGet, "/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSearchSeededRequestIsCached(t *testing.T) {
	h := newTestServer(t).Handler()
	first := decode[model.Run](t, do(t, h, http.MethodPost, "/v1/search", searchBody("a", 7, 1.2)))
	rr := do(t, h, http.MethodPost, "/v1/search", searchBody("b", 7, 1.2))
	require.Equal(t, http.StatusOK, rr.Code)
	second := decode[model.Run](t, rr)

	assert.Equal(t, "b", second.ID)
	assert.True(t, second.Stats.Cached)
	assert.Equal(t, first.Route, second.Route)
	assert.Equal(t, first.TotalDurationMin, second.TotalDurationMin)
}

func TestSearchInfeasible(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodPost, "/v1/search", searchBody("tight", 1, 0.05))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	p := decode[Problem](t, rr)
	assert.Equal(t, "No feasible route", p.Title)
	assert.Equal(t, "relax the risk ceiling or increase the generation count", p.Detail)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = do(t, h, http.MethodGet, p.Instance, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	run := decode[model.Run](t, rr)
	assert.Equal(t, model.RunInfeasible, run.Status)
	assert.Empty(t, run.Route)
	assert.Equal(t, 60, run.Stats.Generations)
}

func TestSearchValidation(t *testing.T) {
	h := newTestServer(t).Handler()
	cases := map[string]any{
		"malformed":     `{"populationSize":`,
		"unknown field": `{"populationSize":10,"generations":10,"objective":"risk","maxRisk":1,"speed":3}`,
		"population":    model.SearchRequest{PopulationSize: 0, Generations: 10, Objective: "risk", MaxRisk: 1},
		"objective":     model.SearchRequest{PopulationSize: 10, Generations: 10, Objective: "fast", MaxRisk: 1},
		"max risk":      model.SearchRequest{PopulationSize: 10, Generations: 10, Objective: "risk", MaxRisk: -1},
		"start time":    model.SearchRequest{PopulationSize: 10, Generations: 10, Objective: "risk", MaxRisk: 1, StartTime: "8am"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/search", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
	rr := do(t, h, http.MethodGet, "/v1/search", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSearchRateLimited(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.RateRPS = 0.001; c.RateBurst = 1 }).Handler()
	rr := do(t, h, http.MethodPost, "/v1/search", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, h, http.MethodPost, "/v1/search", searchBody("", 1, 1.2))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestSearchPublishesProgress(t *testing.T) {
	s := newTestServer(t)
	ch := s.Broker.Subscribe("progress-1")
	req := model.SearchRequest{RunID: "progress-1", PopulationSize: 20, Generations: 5, Objective: "duration", MaxRisk: 1.2, Seed: 3}
	rr := do(t, s.Handler(), http.MethodPost, "/v1/search", req)
	require.Equal(t, http.StatusOK, rr.Code)

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) == 0 || types[len(types)-1] != model.RunCompleted {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
		case <-timeout:
			t.Fatalf("timeout, got %v", types)
		}
	}
	assert.Equal(t, []string{"generation", "generation", "generation", "generation", "generation", "completed"}, types)
}

func TestScenarios(t *testing.T) {
	h := newTestServer(t).Handler()
	run := decode[model.Run](t, do(t, h, http.MethodPost, "/v1/search", searchBody("r1", 5, 1.2)))
	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/v1/search", searchBody("r2", 5, 0.05)).Code)

	rr := do(t, h, http.MethodPost, "/v1/scenarios", model.ScenarioInput{Name: "morning", RunID: run.ID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sc := decode[model.Scenario](t, rr)
	assert.Equal(t, run.TotalCO2Kg, sc.CO2Kg)
	assert.Equal(t, "blended", sc.Objective)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/scenarios", model.ScenarioInput{Name: "x", RunID: "nope"}).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/v1/scenarios", model.ScenarioInput{Name: "x", RunID: "r2"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/scenarios", model.ScenarioInput{RunID: run.ID}).Code)

	rr = do(t, h, http.MethodGet, "/v1/scenarios", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[page[model.Scenario]](t, rr).Items, 1)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/scenarios/"+sc.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/scenarios/"+sc.ID, nil).Code)
}

func TestSubscriptionsQueueDeliveries(t *testing.T) {
	h := newTestServer(t).Handler()
	bad := []model.SubscriptionRequest{
		{URL: "ftp://hooks", Events: []string{"search.completed"}},
		{URL: "http://hooks.local/x", Events: nil},
		{URL: "http://hooks.local/x", Events: []string{"route.done"}},
	}
	for _, b := range bad {
		assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/subscriptions", b).Code, b)
	}
	rr := do(t, h, http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{URL: "http://hooks.local/x", Events: []string{"*"}, Secret: "s3"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sub := decode[model.Subscription](t, rr)

	rr = do(t, h, http.MethodGet, "/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	subs := decode[page[model.Subscription]](t, rr).Items
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].Secret)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/search", searchBody("hooked", 9, 1.2)).Code)

	rr = do(t, h, http.MethodGet, "/v1/webhooks/deliveries?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	deliveries := decode[page[model.WebhookDeliveryOut]](t, rr).Items
	require.Len(t, deliveries, 1)
	assert.Equal(t, "search.completed", deliveries[0].EventType)
	assert.Equal(t, sub.ID, deliveries[0].SubscriptionID)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/v1/webhooks/deliveries/"+deliveries[0].ID+"/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/webhooks/deliveries/nope/retry", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil).Code)
}

func TestLocationsAndOptimizerConfig(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodGet, "/v1/locations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var locs struct {
		Items       []model.LocationOut `json:"items"`
		Fingerprint string              `json:"fingerprint"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &locs))
	assert.Len(t, locs.Items, 8)
	assert.NotEmpty(t, locs.Fingerprint)

	rr = do(t, h, http.MethodGet, "/v1/optimizer/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cfg struct {
		Defaults map[string]any `json:"defaults"`
		Limits   map[string]any `json:"limits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
	assert.Equal(t, "blended", cfg.Defaults["objective"])
	assert.Equal(t, "08:00", cfg.Defaults["startTime"])
	assert.Equal(t, float64(300), cfg.Limits["maxPopulation"])
}

func TestMetricsAndDebug(t *testing.T) {
	h := newTestServer(t).Handler()
	do(t, h, http.MethodGet, "/healthz", nil)
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")

	rr = do(t, h, http.MethodGet, "/debug/info", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"goVersion"`)
}

// startSearch posts req in the background and waits until the run is in flight
// or already stored. The channel yields the response status.
func startSearch(t *testing.T, s *Server, baseURL string, req model.SearchRequest) <-chan int {
	t.Helper()
	status := make(chan int, 1)
	go func() {
		raw, _ := json.Marshal(req)
		resp, err := http.Post(baseURL+"/v1/search", "application/json", bytes.NewReader(raw))
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	require.Eventually(t, func() bool {
		_, state, _ := s.runStatus(context.Background(), req.RunID)
		return state != runUnknown
	}, 3*time.Second, time.Millisecond)
	return status
}

func longSearch(runID string) model.SearchRequest {
	return model.SearchRequest{RunID: runID, PopulationSize: 60, Generations: 800, Objective: "risk", MaxRisk: 1.2, Seed: 11}
}

func sseEvents(t *testing.T, body io.Reader) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if l := sc.Text(); strings.HasPrefix(l, "event: ") {
			events = append(events, strings.TrimPrefix(l, "event: "))
		}
	}
	return events
}

func TestRunEventStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	status := startSearch(t, s, srv.URL, longSearch("sse-1"))
	resp, err := http.Get(srv.URL + "/v1/runs/sse-1/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the stream closes itself after the final event
	events := sseEvents(t, resp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, model.RunCompleted, events[len(events)-1])
	assert.Equal(t, http.StatusOK, <-status)
}

func TestRunEventStreamFinishedRun(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/search", searchBody("late-1", 3, 1.2)).Code)
	require.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/v1/search", searchBody("late-2", 3, 0.05)).Code)

	rr := do(t, h, http.MethodGet, "/v1/runs/late-1/events/stream", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"runId":"late-1"`)
	assert.Equal(t, []string{model.RunCompleted}, sseEvents(t, rr.Body))

	rr = do(t, h, http.MethodGet, "/v1/runs/late-2/events/stream", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{model.RunInfeasible}, sseEvents(t, rr.Body))

	rr = do(t, h, http.MethodGet, "/v1/runs/nobody/events/stream", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func dialWS(t *testing.T, srv *httptest.Server) (*websocket.Conn, func() wsMessage) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	read := func() wsMessage {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	require.Equal(t, "connection_ack", read().Type)
	return conn, read
}

func TestWebSocketProgress(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn, read := dialWS(t, srv)

	status := startSearch(t, s, srv.URL, longSearch("ws-1"))
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"runId":"ws-1"}`)}))

	var last model.Progress
	for {
		m := read()
		if m.Type == "complete" {
			break
		}
		require.Equal(t, "next", m.Type)
		assert.Equal(t, "1", m.ID)
		require.NoError(t, json.Unmarshal(m.Payload, &last))
	}
	assert.Equal(t, model.RunCompleted, last.Type)
	assert.Equal(t, "ws-1", last.RunID)
	assert.Equal(t, http.StatusOK, <-status)
}

func TestWebSocketFinishedAndUnknownRuns(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	require.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodPost, "/v1/search", searchBody("ws-done", 2, 1.2)).Code)
	conn, read := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "a", Payload: json.RawMessage(`{"runId":"ws-done"}`)}))
	m := read()
	require.Equal(t, "next", m.Type)
	var p model.Progress
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	assert.Equal(t, model.RunCompleted, p.Type)
	assert.Equal(t, "complete", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "b", Payload: json.RawMessage(`{"runId":"ws-none"}`)}))
	m = read()
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "b", m.ID)
	assert.JSONEq(t, `{"message":"run not found"}`, string(m.Payload))
}

func TestSearchRunIDConflicts(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	first := decode[model.Run](t, do(t, h, http.MethodPost, "/v1/search", searchBody("taken", 4, 1.2)))

	// reusing a stored id leaves the stored run untouched
	rr := do(t, h, http.MethodPost, "/v1/search", searchBody("taken", 9, 0.05))
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	assert.Equal(t, "/v1/runs/taken", decode[Problem](t, rr).Instance)
	stored := decode[model.Run](t, do(t, h, http.MethodGet, "/v1/runs/taken", nil))
	assert.Equal(t, model.RunCompleted, stored.Status)
	assert.Equal(t, first.Route, stored.Route)

	require.True(t, s.active.claim("busy"))
	rr = do(t, h, http.MethodPost, "/v1/search", searchBody("busy", 4, 1.2))
	assert.Equal(t, http.StatusConflict, rr.Code)
	s.active.release("busy")
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/search", searchBody("busy", 4, 1.2)).Code)

	for _, bad := range []string{"a/b", "has space", strings.Repeat("x", 65)} {
		rr = do(t, h, http.MethodPost, "/v1/search", searchBody(bad, 4, 1.2))
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
	}
}

func TestSearchWithoutMutation(t *testing.T) {
	h := newTestServer(t).Handler()
	req := searchBody("", 6, 1.2)
	zero := 0.0
	req.MutationRate = &zero
	rr := do(t, h, http.MethodPost, "/v1/search", req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	run := decode[model.Run](t, rr)
	require.NotNil(t, run.Request.MutationRate)
	assert.Zero(t, *run.Request.MutationRate)
}

func hs256Token(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	input := enc(map[string]string{"alg": "HS256", "typ": "JWT"}) + "." + enc(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestManagementEndpointsRequireAdmin(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.AuthMode = "hmac"; c.AuthSecret = "k" }).Handler()
	get := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusUnauthorized, get(""))
	assert.Equal(t, http.StatusUnauthorized, get(hs256Token(t, "wrong", map[string]any{"role": "admin"})))
	assert.Equal(t, http.StatusForbidden, get(hs256Token(t, "k", map[string]any{"role": "viewer"})))
	assert.Equal(t, http.StatusOK, get(hs256Token(t, "k", map[string]any{"role": "admin"})))

	// search stays open
	rr := do(t, h, http.MethodGet, "/v1/locations", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOpenAPI(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := do(t, h, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Paths, "/v1/search")

	rr = do(t, h, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/yaml", rr.Header().Get("Content-Type"))
}
