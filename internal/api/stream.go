package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ecoroute/internal/model"
	"ecoroute/internal/opt"
	"ecoroute/internal/store"
)

const heartbeatEvery = 15 * time.Second

// terminal reports whether a progress event ends the run's stream.
func terminal(eventType string) bool {
	return eventType == model.RunCompleted || eventType == model.RunInfeasible || eventType == "failed"
}

// activeRuns holds the ids of searches in flight on this process.
type activeRuns struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// claim reserves id and reports false when a search already holds it.
func (a *activeRuns) claim(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[id]; ok {
		return false
	}
	if a.ids == nil {
		a.ids = map[string]struct{}{}
	}
	a.ids[id] = struct{}{}
	return true
}

func (a *activeRuns) release(id string) {
	a.mu.Lock()
	delete(a.ids, id)
	a.mu.Unlock()
}

func (a *activeRuns) has(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

type runState int

const (
	runUnknown runState = iota
	runActive
	runDone
)

// runStatus reports whether id names a stored run, a search in flight, or
// neither. Subscribe first: a search saves its run before publishing the final
// event and releases its id only after that, so a subscriber that sees runActive
// will receive the final event.
func (s *Server) runStatus(ctx context.Context, id string) (model.Run, runState, error) {
	active := s.active.has(id)
	run, err := s.Store.GetRun(ctx, id)
	switch {
	case err == nil:
		return run, runDone, nil
	case !errors.Is(err, store.ErrNotFound):
		return model.Run{}, runUnknown, err
	case active:
		return model.Run{}, runActive, nil
	}
	return model.Run{}, runUnknown, nil
}

// finalProgress is the terminal progress event of a finished run.
func finalProgress(run model.Run) model.Progress {
	return model.Progress{
		RunID:       run.ID,
		Type:        run.Status,
		Generation:  run.Stats.Generations,
		BestScore:   run.Stats.Score,
		HasFeasible: run.Status == model.RunCompleted,
	}
}

func (s *Server) publish(runID string, p model.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.Broker.Publish(runID, Event{Type: p.Type, Data: data})
}

// progressPump decouples the search loop from broker latency. Generations that
// arrive while the buffer is full are dropped.
type progressPump struct {
	runID string
	ch    chan model.Progress
	done  chan struct{}
}

func (s *Server) startProgress(runID string) *progressPump {
	p := &progressPump{runID: runID, ch: make(chan model.Progress, 64), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for pr := range p.ch {
			s.publish(runID, pr)
		}
	}()
	return p
}

func (p *progressPump) generation(g opt.GenerationStats) {
	select {
	case p.ch <- model.Progress{
		RunID:         p.runID,
		Type:          "generation",
		Generation:    g.Generation,
		BestScore:     g.BestScore,
		HasFeasible:   g.HasFeasible,
		FeasibleCount: g.FeasibleCount,
		MeanScore:     g.MeanScore,
	}:
	default:
	}
}

// close flushes queued progress; call once the search has returned.
func (p *progressPump) close() {
	close(p.ch)
	<-p.done
}

// streamRun serves run progress as Server-Sent Events until the run ends or the
// client leaves. A finished run gets its final event at once.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	run, state, err := s.runStatus(r.Context(), id)
	switch {
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
		return
	case state == runUnknown:
		writeProblem(w, http.StatusNotFound, "Run not found", "no stored or running search has this id", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if state == runDone {
		data, _ := json.Marshal(finalProgress(run))
		fmt.Fprintf(w, "event: %s\n", run.Status)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return
	}

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"runId\":%q,\"ts\":%q}\n\n", id, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
			if terminal(evt.Type) {
				return
			}
		case <-ticker.C:
			heartbeat()
		}
	}
}
