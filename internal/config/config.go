// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string // PostgreSQL; takes precedence over SQLitePath
	SQLitePath  string
	RedisURL    string
	DatasetPath string // YAML dataset; built-in Istanbul set when empty

	RateRPS   float64
	RateBurst int
	CacheSize int

	SearchTimeout  time.Duration
	MaxPopulation  int
	MaxGenerations int
	SearchWorkers  int

	WebhookMaxAttempts int

	AuthMode      string // off, hmac or jwks; guards subscription and delivery endpoints
	AuthSecret    string
	AuthJWKSURL   string
	AuthRoleClaim string
}

// Load reads a .env file if one exists, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	return FromEnv()
}

// FromEnv reads the environment without touching .env files.
func FromEnv() (Config, error) {
	p := parser{}
	c := Config{
		Port:        envOr("PORT", "8080"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:  strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatasetPath: strings.TrimSpace(os.Getenv("DATASET_PATH")),

		RateRPS:   p.float("RATE_RPS", 2),
		RateBurst: p.int("RATE_BURST", 4),
		CacheSize: p.int("CACHE_SIZE", 128),

		SearchTimeout:  p.duration("SEARCH_TIMEOUT", 60*time.Second),
		MaxPopulation:  p.int("MAX_POPULATION", 1000),
		MaxGenerations: p.int("MAX_GENERATIONS", 5000),
		SearchWorkers:  p.int("SEARCH_WORKERS", runtime.GOMAXPROCS(0)),

		WebhookMaxAttempts: p.int("WEBHOOK_MAX_ATTEMPTS", 10),

		AuthMode:      strings.ToLower(envOr("AUTH_MODE", "off")),
		AuthSecret:    os.Getenv("AUTH_HMAC_SECRET"),
		AuthJWKSURL:   strings.TrimSpace(os.Getenv("AUTH_JWKS_URL")),
		AuthRoleClaim: envOr("AUTH_ROLE_CLAIM", "role"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	switch {
	case c.RateRPS <= 0:
		return Config{}, fmt.Errorf("config: RATE_RPS must be > 0")
	case c.RateBurst < 1:
		return Config{}, fmt.Errorf("config: RATE_BURST must be >= 1")
	case c.CacheSize < 1:
		return Config{}, fmt.Errorf("config: CACHE_SIZE must be >= 1")
	case c.SearchTimeout <= 0:
		return Config{}, fmt.Errorf("config: SEARCH_TIMEOUT must be > 0")
	case c.MaxPopulation < 1 || c.MaxGenerations < 1:
		return Config{}, fmt.Errorf("config: MAX_POPULATION and MAX_GENERATIONS must be >= 1")
	case c.SearchWorkers < 1:
		return Config{}, fmt.Errorf("config: SEARCH_WORKERS must be >= 1")
	case c.WebhookMaxAttempts < 1:
		return Config{}, fmt.Errorf("config: WEBHOOK_MAX_ATTEMPTS must be >= 1")
	}
	return c, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// parser keeps the first malformed value it sees.
type parser struct{ err error }

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (p *parser) int(key string, def int) int {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := envOr(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
