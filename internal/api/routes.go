package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ecoroute/internal/metrics"
)

// Handler returns the full API with logging, metrics and request IDs applied.
func (s *Server) Handler() http.Handler {
	metrics.RegisterDefault()
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, h))
	}

	// Search and runs
	handle("/v1/search", s.SearchHandler)
	handle("/v1/runs", s.RunsHandler)
	handle("/v1/runs/", s.RunByIDHandler) // includes /events/stream
	handle("/v1/ws", s.WSHandler)

	// Catalog
	handle("/v1/locations", s.LocationsHandler)
	handle("/v1/optimizer/config", s.OptimizerConfigHandler)

	// Scenarios, subscriptions, deliveries
	handle("/v1/scenarios", s.ScenariosHandler)
	handle("/v1/scenarios/", s.ScenarioByIDHandler)
	handle("/v1/subscriptions", s.requireAdmin(s.SubscriptionsHandler))
	handle("/v1/subscriptions/", s.requireAdmin(s.SubscriptionByIDHandler))
	handle("/v1/webhooks/deliveries", s.requireAdmin(s.WebhookDeliveriesHandler))
	handle("/v1/webhooks/deliveries/", s.requireAdmin(s.WebhookDeliveryRetryHandler))

	// Ops
	handle("/healthz", s.HealthHandler)
	handle("/readyz", s.ReadyHandler)
	handle("/debug/info", s.requireAdmin(s.DebugJSON))
	handle("/openapi.yaml", s.OpenAPIHandler)
	handle("/openapi.json", s.OpenAPIHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return withRequestID(mux)
}
