// Package main runs a demo WebSocket client that watches a search evolve.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	runID := uuid.New().String()

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}

	// the search request blocks until the run ends, so post it first and
	// subscribe once it is in flight
	go func() {
		body, _ := json.Marshal(map[string]any{
			"runId": runID, "populationSize": 200, "generations": 2000, "objective": "blended", "maxRisk": 1.2,
		})
		resp, err := http.Post(base+"/v1/search", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("search: %v", err)
			return
		}
		_ = resp.Body.Close()
		log.Printf("search %s -> %s", runID, resp.Status)
	}()
	time.Sleep(200 * time.Millisecond)

	pl, _ := json.Marshal(map[string]string{"runId": runID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			if m.Type == "complete" || m.Type == "error" {
				return
			}
		}
	}()

	select {
	case <-time.After(60 * time.Second):
	case <-done:
	}
}
