package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Progress over WebSocket, framed like graphql-transport-ws:
// connection_init -> connection_ack, subscribe {id, payload:{runId}} -> next* -> complete.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsReadTimeout = 60 * time.Second
	wsPingEvery   = 20 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	RunID string `json:"runId"`
}

func wsError(id, message string) wsMessage {
	payload, _ := json.Marshal(map[string]string{"message": message})
	return wsMessage{Type: "error", ID: id, Payload: payload}
}

// WSHandler handles /v1/ws
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// gorilla connections allow one concurrent writer
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	type sub struct {
		runID string
		ch    chan Event
	}
	var mu sync.Mutex
	subs := map[string]sub{}
	unsubscribe := func(id string) {
		mu.Lock()
		s0, ok := subs[id]
		delete(subs, id)
		mu.Unlock()
		if ok {
			s.Broker.Unsubscribe(s0.runID, s0.ch)
		}
	}
	closed := make(chan struct{})
	defer func() {
		close(closed)
		mu.Lock()
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		mu.Unlock()
		for _, id := range ids {
			unsubscribe(id)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	acked := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			if acked {
				continue
			}
			acked = true
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(wsPingEvery)
				defer ticker.Stop()
				for {
					select {
					case <-closed:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl subscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			switch {
			case !acked:
				_ = write(wsError(msg.ID, "connection_init required"))
				continue
			case msg.ID == "" || pl.RunID == "":
				_ = write(wsError(msg.ID, "id and runId required"))
				continue
			}
			mu.Lock()
			_, dup := subs[msg.ID]
			mu.Unlock()
			if dup {
				_ = write(wsError(msg.ID, "subscription id in use"))
				continue
			}
			ch := s.Broker.Subscribe(pl.RunID)
			run, state, err := s.runStatus(r.Context(), pl.RunID)
			if state != runActive {
				s.Broker.Unsubscribe(pl.RunID, ch)
				switch {
				case err != nil:
					_ = write(wsError(msg.ID, err.Error()))
				case state == runUnknown:
					_ = write(wsError(msg.ID, "run not found"))
				default:
					data, _ := json.Marshal(finalProgress(run))
					_ = write(wsMessage{Type: "next", ID: msg.ID, Payload: data})
					_ = write(wsMessage{Type: "complete", ID: msg.ID})
				}
				continue
			}
			mu.Lock()
			subs[msg.ID] = sub{runID: pl.RunID, ch: ch}
			mu.Unlock()
			go func(id string, c chan Event) {
				for evt := range c {
					_ = write(wsMessage{Type: "next", ID: id, Payload: evt.Data})
					if terminal(evt.Type) {
						unsubscribe(id)
						break
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			unsubscribe(msg.ID)
		}
	}
}
