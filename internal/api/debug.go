package api

import (
	"net/http"
	"time"

	"ecoroute/internal/buildinfo"
)

// DebugJSON reports build stamps and the effective, secret-free configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                 s.Cfg.Port,
			"RATE_RPS":             s.Cfg.RateRPS,
			"RATE_BURST":           s.Cfg.RateBurst,
			"CACHE_SIZE":           s.Cfg.CacheSize,
			"SEARCH_TIMEOUT":       s.Cfg.SearchTimeout.String(),
			"SEARCH_WORKERS":       s.Cfg.SearchWorkers,
			"MAX_POPULATION":       s.Cfg.MaxPopulation,
			"MAX_GENERATIONS":      s.Cfg.MaxGenerations,
			"WEBHOOK_MAX_ATTEMPTS": s.Cfg.WebhookMaxAttempts,
			"HAS_DATABASE_URL":     s.Cfg.DatabaseURL != "",
			"HAS_SQLITE_PATH":      s.Cfg.SQLitePath != "",
			"HAS_REDIS_URL":        s.Cfg.RedisURL != "",
			"DATASET_PATH":         s.Cfg.DatasetPath,
			"AUTH_MODE":            s.Auth.Mode,
		},
		"dataset": map[string]any{
			"locations":   s.Dataset.Len(),
			"fingerprint": s.Dataset.Fingerprint(),
		},
		"cache": map[string]int{"entries": s.cache.Len()},
	})
}
