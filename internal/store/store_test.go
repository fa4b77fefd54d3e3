package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecoroute/internal/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQL(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func sampleRun(id, status string) model.Run {
	return model.Run{
		ID:        id,
		Status:    status,
		CreatedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		Request:   model.SearchRequest{PopulationSize: 50, Generations: 100, Objective: "duration", MaxRisk: 1},
		Route:     []string{"A", "B", "C"},
		TotalRisk: 0.3,
		Legs: []model.Leg{
			{Seq: 1, From: "A", To: "B", Hour: 8, Arrival: "08:17"},
			{Seq: 2, From: "B", To: "C", Hour: 8, Arrival: "08:34"},
		},
		Stats: model.RunStats{Seed: 42, Generations: 100},
	}
}

func TestRunsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			run := sampleRun("run-1", model.RunCompleted)
			require.NoError(t, s.SaveRun(ctx, run))
			got, err := s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, run, got)

			// saving again replaces the record
			run.Status = model.RunInfeasible
			require.NoError(t, s.SaveRun(ctx, run))
			got, err = s.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, model.RunInfeasible, got.Status)

			_, err = s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListRunsPaginates(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"r1", "r2", "r3"} {
				require.NoError(t, s.SaveRun(ctx, sampleRun(id, model.RunCompleted)))
			}
			first, next, err := s.ListRuns(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, first, 2)
			require.NotEmpty(t, next)

			rest, next, err := s.ListRuns(ctx, next, 2)
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Empty(t, next)

			seen := map[string]bool{}
			for _, r := range append(first, rest...) {
				seen[r.ID] = true
			}
			assert.Len(t, seen, 3)
		})
	}
}

func TestScenarios(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sc, err := s.CreateScenario(ctx, model.Scenario{Name: "rush hour", RunID: "run-1", Objective: "blended", DurationMin: 61.5, FuelL: 3.2, CO2Kg: 8.576, Risk: 0.41})
			require.NoError(t, err)
			require.NotEmpty(t, sc.ID)
			assert.False(t, sc.CreatedAt.IsZero())

			list, _, err := s.ListScenarios(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, sc.Name, list[0].Name)
			assert.Equal(t, sc.CO2Kg, list[0].CO2Kg)
			assert.True(t, sc.CreatedAt.Equal(list[0].CreatedAt))

			require.NoError(t, s.DeleteScenario(ctx, sc.ID))
			assert.ErrorIs(t, s.DeleteScenario(ctx, sc.ID), ErrNotFound)
			list, _, err = s.ListScenarios(ctx, "", 10)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestSubscriptionsMatchEvents(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			done, err := s.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a", Events: []string{"search.completed"}, Secret: "s1"})
			require.NoError(t, err)
			_, err = s.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b", Events: []string{"search.completed", "search.infeasible"}})
			require.NoError(t, err)

			subs, err := s.GetSubscriptionsForEvent(ctx, "search.infeasible")
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, "http://b", subs[0].URL)

			subs, err = s.GetSubscriptionsForEvent(ctx, "search.completed")
			require.NoError(t, err)
			assert.Len(t, subs, 2)

			require.NoError(t, s.DeleteSubscription(ctx, done.ID))
			assert.ErrorIs(t, s.DeleteSubscription(ctx, done.ID), ErrNotFound)
			all, _, err := s.ListSubscriptions(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestWebhookQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueWebhook(ctx, "sub-1", "search.completed", "http://x", "sec", []byte(`{"id":"evt"}`))
			require.NoError(t, err)

			due, err := s.FetchDueWebhookDeliveries(ctx, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, id, due[0].ID)
			assert.Equal(t, `{"id":"evt"}`, string(due[0].Payload))
			assert.Equal(t, DeliveryPending, due[0].Status)

			// a failed attempt scheduled in the future is not due
			later := time.Now().Add(time.Hour)
			require.NoError(t, s.MarkWebhookDelivery(ctx, id, false, &later, "boom", 500, 12))
			due, err = s.FetchDueWebhookDeliveries(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, due)

			list, _, err := s.ListWebhookDeliveries(ctx, DeliveryRetry, "", 10)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, 1, list[0].Attempts)
			assert.Equal(t, "boom", list[0].LastError)
			assert.Equal(t, 500, list[0].ResponseCode)
			require.NotNil(t, list[0].NextAttemptAt)

			require.NoError(t, s.FailWebhookDelivery(ctx, id, "gave up", 500, 10))
			list, _, err = s.ListWebhookDeliveries(ctx, DeliveryFailed, "", 10)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Nil(t, list[0].NextAttemptAt)

			require.NoError(t, s.RetryWebhookDelivery(ctx, id))
			due, err = s.FetchDueWebhookDeliveries(ctx, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)

			require.NoError(t, s.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 5))
			list, _, err = s.ListWebhookDeliveries(ctx, DeliveryDelivered, "", 10)
			require.NoError(t, err)
			require.Len(t, list, 1)

			assert.ErrorIs(t, s.RetryWebhookDelivery(ctx, "nope"), ErrNotFound)
		})
	}
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, defaultPageSize, pageSize(0))
	assert.Equal(t, defaultPageSize, pageSize(maxPageSize+1))
	assert.Equal(t, 7, pageSize(7))
}
