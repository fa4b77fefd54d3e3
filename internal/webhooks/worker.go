package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"ecoroute/internal/metrics"
	"ecoroute/internal/store"
)

const (
	batchSize   = 50
	maxBackoff  = time.Hour
	tickEvery   = time.Second
	sendTimeout = 5 * time.Second
)

type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	MaxAttempts int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewWorker(s store.Store, maxAttempts int) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: sendTimeout},
		MaxAttempts: maxAttempts,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start polls for due deliveries until Close is called.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Close stops the poll loop and waits for the in-flight batch. Call it only after Start.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
	})
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, batchSize)
	if err != nil {
		log.Printf("[webhooks] fetch due err=%v", err)
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	code, latency, err := w.send(ctx, it)
	success := err == nil
	status := "delivered"
	switch {
	case success:
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = "failed"
		log.Printf("[webhooks] giving up id=%s event=%s attempts=%d err=%v", it.ID, it.EventType, it.Attempts+1, err)
		err = w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), code, latency)
	default:
		status = "retry"
		next := time.Now().Add(nextBackoff(it.Attempts))
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, err.Error(), code, latency)
	}
	if err != nil {
		log.Printf("[webhooks] record outcome id=%s err=%v", it.ID, err)
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

// send POSTs the payload; any non-2xx response is an error.
func (w *Worker) send(ctx context.Context, it store.WebhookDelivery) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	req.Header.Set("X-Delivery-ID", it.ID)
	if it.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		return 0, latency, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, latency, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, latency, nil
}

// nextBackoff doubles from one second and caps at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		return maxBackoff
	}
	return min(time.Second*time.Duration(1<<attempts), maxBackoff)
}
