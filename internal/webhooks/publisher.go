package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"ecoroute/internal/store"
)

// Event types emitted after a search finishes.
const (
	EventSearchCompleted  = "search.completed"
	EventSearchInfeasible = "search.infeasible"
)

// Events lists every event type a subscription may name ("*" matches all).
var Events = []string{EventSearchCompleted, EventSearchInfeasible}

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit queues one delivery per subscription for eventType. The event id is
// derived from subjectID so a repeated emit for the same run is deduplicated.
func (p *Publisher) Emit(ctx context.Context, eventType, subjectID string, data any) error {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%s_%s", eventType, subjectID),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: marshal: %w", eventType, err)
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Printf("[webhooks] enqueue sub=%s event=%s err=%v", s.ID, eventType, err)
		}
	}
	return nil
}
