package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"ecoroute/internal/model"
)

// Driver names accepted by NewSQL.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Queries are written with ? placeholders and rebound per driver.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		run_id TEXT NOT NULL,
		objective TEXT NOT NULL,
		duration_min DOUBLE PRECISION NOT NULL,
		fuel_l DOUBLE PRECISION NOT NULL,
		co2_kg DOUBLE PRECISION NOT NULL,
		risk DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		events TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at BIGINT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		response_code INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		dedup_key TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_deliveries_due ON webhook_deliveries (status, next_attempt_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS webhook_deliveries_dedup ON webhook_deliveries (event_type, url, dedup_key)`,
}

// SQL stores everything in a relational database through database/sql. The schema
// sticks to types both PostgreSQL and SQLite accept; times are unix milliseconds.
type SQL struct {
	db *sqlx.DB
}

// NewSQL opens dsn with driver (DriverPostgres or DriverSQLite), verifies the
// connection and creates missing tables.
func NewSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(q), args...)
}

func (s *SQL) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) selectPage(ctx context.Context, dest any, table, columns, where, cursor string, limit int, args ...any) error {
	q := "SELECT " + columns + " FROM " + table
	var conds []string
	if where != "" {
		conds = append(conds, where)
	}
	if cursor != "" {
		conds = append(conds, "id > ?")
		args = append(args, cursor)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id LIMIT ?"
	args = append(args, limit)
	return s.db.SelectContext(ctx, dest, s.db.Rebind(q), args...)
}

func nextCursor(n, limit int, lastID string) string {
	if n == limit {
		return lastID
	}
	return ""
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Runs

type runRow struct {
	ID        string `db:"id"`
	Status    string `db:"status"`
	CreatedAt int64  `db:"created_at"`
	Doc       string `db:"doc"`
}

func (r runRow) run() (model.Run, error) {
	var run model.Run
	if err := json.Unmarshal([]byte(r.Doc), &run); err != nil {
		return model.Run{}, fmt.Errorf("store: decode run %s: %w", r.ID, err)
	}
	return run, nil
}

func (s *SQL) SaveRun(ctx context.Context, run model.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: encode run: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO runs (id, status, created_at, doc) VALUES (?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET status=excluded.status, doc=excluded.doc`,
		run.ID, run.Status, millis(run.CreatedAt), string(doc))
	return err
}

func (s *SQL) GetRun(ctx context.Context, id string) (model.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, status, created_at, doc FROM runs WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	if err != nil {
		return model.Run{}, err
	}
	return row.run()
}

func (s *SQL) ListRuns(ctx context.Context, cursor string, limit int) ([]model.Run, string, error) {
	limit = pageSize(limit)
	var rows []runRow
	if err := s.selectPage(ctx, &rows, "runs", "id, status, created_at, doc", "", cursor, limit); err != nil {
		return nil, "", err
	}
	out := make([]model.Run, 0, len(rows))
	last := ""
	for _, r := range rows {
		run, err := r.run()
		if err != nil {
			return nil, "", err
		}
		out = append(out, run)
		last = r.ID
	}
	return out, nextCursor(len(rows), limit, last), nil
}

// Scenarios

type scenarioRow struct {
	ID          string  `db:"id"`
	Name        string  `db:"name"`
	RunID       string  `db:"run_id"`
	Objective   string  `db:"objective"`
	DurationMin float64 `db:"duration_min"`
	FuelL       float64 `db:"fuel_l"`
	CO2Kg       float64 `db:"co2_kg"`
	Risk        float64 `db:"risk"`
	CreatedAt   int64   `db:"created_at"`
}

func (r scenarioRow) scenario() model.Scenario {
	return model.Scenario{
		ID: r.ID, Name: r.Name, RunID: r.RunID, Objective: r.Objective,
		DurationMin: r.DurationMin, FuelL: r.FuelL, CO2Kg: r.CO2Kg, Risk: r.Risk,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

func (s *SQL) CreateScenario(ctx context.Context, sc model.Scenario) (model.Scenario, error) {
	sc.ID = uuid.New().String()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	sc.CreatedAt = fromMillis(millis(sc.CreatedAt))
	_, err := s.exec(ctx, `INSERT INTO scenarios (id, name, run_id, objective, duration_min, fuel_l, co2_kg, risk, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Name, sc.RunID, sc.Objective, sc.DurationMin, sc.FuelL, sc.CO2Kg, sc.Risk, millis(sc.CreatedAt))
	if err != nil {
		return model.Scenario{}, err
	}
	return sc, nil
}

func (s *SQL) ListScenarios(ctx context.Context, cursor string, limit int) ([]model.Scenario, string, error) {
	limit = pageSize(limit)
	var rows []scenarioRow
	cols := "id, name, run_id, objective, duration_min, fuel_l, co2_kg, risk, created_at"
	if err := s.selectPage(ctx, &rows, "scenarios", cols, "", cursor, limit); err != nil {
		return nil, "", err
	}
	out := make([]model.Scenario, 0, len(rows))
	last := ""
	for _, r := range rows {
		out = append(out, r.scenario())
		last = r.ID
	}
	return out, nextCursor(len(rows), limit, last), nil
}

func (s *SQL) DeleteScenario(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM scenarios WHERE id=?`, id)
}

// Subscriptions

type subscriptionRow struct {
	ID     string `db:"id"`
	URL    string `db:"url"`
	Events string `db:"events"`
	Secret string `db:"secret"`
}

func (r subscriptionRow) subscription() model.Subscription {
	var events []string
	if r.Events != "" {
		events = strings.Split(r.Events, ",")
	}
	return model.Subscription{ID: r.ID, URL: r.URL, Events: events, Secret: r.Secret}
}

func (s *SQL) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	_, err := s.exec(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES (?,?,?,?)`,
		id, req.URL, strings.Join(req.Events, ","), req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (s *SQL) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, url, events, secret FROM subscriptions ORDER BY id`); err != nil {
		return nil, err
	}
	var out []model.Subscription
	for _, r := range rows {
		sub := r.subscription()
		if hasEvent(sub.Events, eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *SQL) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = pageSize(limit)
	var rows []subscriptionRow
	if err := s.selectPage(ctx, &rows, "subscriptions", "id, url, events, secret", "", cursor, limit); err != nil {
		return nil, "", err
	}
	out := make([]model.Subscription, 0, len(rows))
	last := ""
	for _, r := range rows {
		out = append(out, r.subscription())
		last = r.ID
	}
	return out, nextCursor(len(rows), limit, last), nil
}

func (s *SQL) DeleteSubscription(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
}

// Webhook deliveries

type deliveryRow struct {
	ID             string `db:"id"`
	SubscriptionID string `db:"subscription_id"`
	EventType      string `db:"event_type"`
	URL            string `db:"url"`
	Secret         string `db:"secret"`
	Payload        string `db:"payload"`
	Status         string `db:"status"`
	Attempts       int    `db:"attempts"`
	NextAttemptAt  int64  `db:"next_attempt_at"`
	LastError      string `db:"last_error"`
	ResponseCode   int    `db:"response_code"`
	LatencyMs      int    `db:"latency_ms"`
}

// EnqueueWebhook queues payload for url. A payload already queued for the same
// event and url is not queued twice; the existing delivery id is returned.
func (s *SQL) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	now := millis(time.Now())
	res, err := s.exec(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key, created_at)
		VALUES (?,?,?,?,?,?,?,0,?,?,?)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`,
		id, subscriptionID, eventType, url, secret, string(payload), DeliveryPending, now, dk, now)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var existing string
		err := s.db.GetContext(ctx, &existing, s.db.Rebind(`SELECT id FROM webhook_deliveries WHERE event_type=? AND url=? AND dedup_key=?`), eventType, url, dk)
		return existing, err
	}
	return id, nil
}

func (s *SQL) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, last_error, response_code, latency_ms
		FROM webhook_deliveries WHERE status IN (?, ?) AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`),
		DeliveryPending, DeliveryRetry, millis(time.Now()), limit)
	if err != nil {
		return nil, err
	}
	out := make([]WebhookDelivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, WebhookDelivery{
			ID: r.ID, SubscriptionID: r.SubscriptionID, EventType: r.EventType, URL: r.URL,
			Secret: r.Secret, Payload: []byte(r.Payload), Status: r.Status, Attempts: r.Attempts,
		})
	}
	return out, nil
}

func (s *SQL) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		return s.execOne(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status=?, response_code=?, latency_ms=? WHERE id=?`,
			DeliveryDelivered, responseCode, latencyMs, id)
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	return s.execOne(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status=?, last_error=?, next_attempt_at=?, response_code=?, latency_ms=? WHERE id=?`,
		DeliveryRetry, lastError, millis(next), responseCode, latencyMs, id)
}

func (s *SQL) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	return s.execOne(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status=?, last_error=?, response_code=?, latency_ms=? WHERE id=?`,
		DeliveryFailed, lastError, responseCode, latencyMs, id)
}

func (s *SQL) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]model.WebhookDeliveryOut, string, error) {
	limit = pageSize(limit)
	var rows []deliveryRow
	cols := "id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, last_error, response_code, latency_ms"
	var err error
	if status != "" {
		err = s.selectPage(ctx, &rows, "webhook_deliveries", cols, "status = ?", cursor, limit, status)
	} else {
		err = s.selectPage(ctx, &rows, "webhook_deliveries", cols, "", cursor, limit)
	}
	if err != nil {
		return nil, "", err
	}
	out := make([]model.WebhookDeliveryOut, 0, len(rows))
	last := ""
	for _, r := range rows {
		d := model.WebhookDeliveryOut{
			ID: r.ID, SubscriptionID: r.SubscriptionID, EventType: r.EventType, Status: r.Status,
			Attempts: r.Attempts, LastError: r.LastError, ResponseCode: r.ResponseCode, LatencyMs: r.LatencyMs,
		}
		if r.Status == DeliveryPending || r.Status == DeliveryRetry {
			t := fromMillis(r.NextAttemptAt)
			d.NextAttemptAt = &t
		}
		out = append(out, d)
		last = r.ID
	}
	return out, nextCursor(len(rows), limit, last), nil
}

func (s *SQL) RetryWebhookDelivery(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE webhook_deliveries SET status=?, next_attempt_at=? WHERE id=?`,
		DeliveryPending, millis(time.Now()), id)
}
