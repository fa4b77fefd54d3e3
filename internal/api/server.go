package api

import (
	"context"
	"fmt"
	"io"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"ecoroute/internal/auth"
	"ecoroute/internal/config"
	"ecoroute/internal/dataset"
	"ecoroute/internal/model"
	"ecoroute/internal/store"
	"ecoroute/internal/webhooks"
)

type Server struct {
	Cfg     config.Config
	Store   store.Store
	Pub     *webhooks.Publisher
	Broker  EventBroker
	Dataset *dataset.Dataset
	Auth    *auth.Verifier

	limiter *rate.Limiter
	cache   *lru.Cache[string, model.Run] // seeded searches only
	active  activeRuns
}

// New wires a Server from already opened dependencies.
func New(cfg config.Config, st store.Store, broker EventBroker, ds *dataset.Dataset) (*Server, error) {
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	cache, err := lru.New[string, model.Run](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("new server: cache: %w", err)
	}
	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.AuthSecret, cfg.AuthJWKSURL, cfg.AuthRoleClaim)
	if err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	return &Server{
		Cfg:     cfg,
		Store:   st,
		Pub:     webhooks.NewPublisher(st),
		Broker:  broker,
		Dataset: ds,
		Auth:    verifier,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		cache:   cache,
	}, nil
}

// NewServer opens the store, broker and dataset named by cfg. Without DATABASE_URL or
// SQLITE_PATH runs are kept in memory; without REDIS_URL progress stays in process.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		sq, err := store.NewSQL(ctx, store.DriverPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = sq
	case cfg.SQLitePath != "":
		sq, err := store.NewSQL(ctx, store.DriverSQLite, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = sq
	default:
		st = store.NewMemory()
	}

	var broker EventBroker = NewBroker()
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("[api] redis unavailable, using in-process broker: %v", err)
		} else {
			broker = rb
		}
	}

	ds := dataset.Istanbul()
	if cfg.DatasetPath != "" {
		loaded, err := dataset.LoadYAML(cfg.DatasetPath)
		if err != nil {
			return nil, err
		}
		ds = loaded
	}
	log.Printf("[api] dataset locations=%d fingerprint=%s", ds.Len(), ds.Fingerprint())
	return New(cfg, st, broker, ds)
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Cfg.WebhookMaxAttempts)
}

// Close releases the store and broker connections.
func (s *Server) Close() error {
	var first error
	for _, c := range []any{s.Broker, s.Store} {
		if cl, ok := c.(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
