package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecoroute/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu         sync.Mutex
	runs       map[string]model.Run
	runIDs     []string // insertion order
	scenarios  []model.Scenario
	subs       []model.Subscription
	deliveries map[string]*memDelivery
	delIDs     []string
}

func NewMemory() *Memory {
	return &Memory{
		runs:       map[string]model.Run{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
	dedupKey      string
}

// page returns up to limit items after the one whose id equals cursor, and the
// cursor for the following page ("" when exhausted).
func page[T any](list []T, id func(T) string, cursor string, limit int) ([]T, string) {
	start := 0
	if cursor != "" {
		for i := range list {
			if id(list[i]) == cursor {
				start = i + 1
				break
			}
		}
	}
	limit = pageSize(limit)
	end := min(start+limit, len(list))
	if start > end {
		start = end
	}
	items := append([]T{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = id(list[end-1])
	}
	return items, next
}

func (m *Memory) SaveRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.runIDs = append(m.runIDs, run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRuns(ctx context.Context, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, next := page(m.runIDs, func(s string) string { return s }, cursor, limit)
	out := make([]model.Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.runs[id])
	}
	return out, next, nil
}

func (m *Memory) CreateScenario(ctx context.Context, sc model.Scenario) (model.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc.ID = uuid.New().String()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	m.scenarios = append(m.scenarios, sc)
	return sc, nil
}

func (m *Memory) ListScenarios(ctx context.Context, cursor string, limit int) ([]model.Scenario, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, next := page(m.scenarios, func(s model.Scenario) string { return s.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) DeleteScenario(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.scenarios {
		if s.ID == id {
			m.scenarios = append(m.scenarios[:i], m.scenarios[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: append([]string(nil), req.Events...), Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		if hasEvent(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, next := page(m.subs, func(s model.Subscription) string { return s.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.ID == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := computeDedupKey(payload)
	for _, existing := range m.delIDs {
		d := m.deliveries[existing]
		if d.EventType == eventType && d.URL == url && d.dedupKey == dk {
			return existing, nil
		}
	}
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		dedupKey:        dk,
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   time.Now(),
	}
	m.delIDs = append(m.delIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delIDs {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]model.WebhookDeliveryOut, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []model.WebhookDeliveryOut
	for _, id := range m.delIDs {
		d := m.deliveries[id]
		if status != "" && d.Status != status {
			continue
		}
		out := model.WebhookDeliveryOut{
			ID: d.ID, SubscriptionID: d.SubscriptionID, EventType: d.EventType, Status: d.Status,
			Attempts: d.Attempts, LastError: d.LastError, ResponseCode: d.ResponseCode, LatencyMs: d.LatencyMs,
		}
		if d.Status == DeliveryPending || d.Status == DeliveryRetry {
			next := d.NextAttemptAt
			out.NextAttemptAt = &next
		}
		all = append(all, out)
	}
	items, next := page(all, func(d model.WebhookDeliveryOut) string { return d.ID }, cursor, limit)
	return items, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = time.Now()
	return nil
}

func hasEvent(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}
