// Package service exposes the workflow engine over HTTP: starting
// instances, submitting events to paused ones, and inspecting status.
package service

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statekit/statekit/flow"
	"github.com/statekit/statekit/flow/store"
)

// Server is the HTTP facade over one engine and its executor.
type Server struct {
	engine   *flow.Engine
	executor *flow.Executor
	mux      *http.ServeMux
}

// NewServer wires the routes for an engine/executor pair.
//
// Routes:
//
//	POST /execute         start an instance and run it asynchronously
//	GET  /status/{id}     current state and context snapshot
//	POST /submit/{id}     feed an event to a paused instance and resume it
//	GET  /paused          the paused-instance index with elapsed seconds
//	GET  /healthz         liveness, including the timeout monitor
//	GET  /metrics         Prometheus exposition
func NewServer(engine *flow.Engine, executor *flow.Executor) *Server {
	s := &Server{engine: engine, executor: executor, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /execute", s.handleExecute)
	s.mux.HandleFunc("GET /status/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /submit/{id}", s.handleSubmit)
	s.mux.HandleFunc("GET /paused", s.handlePaused)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type executeRequest struct {
	IDPrefix     string         `json:"idPrefix,omitempty"`
	InitialState map[string]any `json:"initialState,omitempty"`
}

type executeResponse struct {
	InstanceID string `json:"instanceId"`
	State      string `json:"state"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	sc, err := s.engine.Start(r.Context(), req.IDPrefix, req.InitialState)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.executor.ExecuteAsync(sc.ID)

	writeJSON(w, http.StatusAccepted, executeResponse{InstanceID: sc.ID, State: sc.CurrentStateID})
}

type statusResponse struct {
	InstanceID string         `json:"instanceId"`
	State      string         `json:"state"`
	Terminal   bool           `json:"terminal"`
	Paused     bool           `json:"paused"`
	LocalState map[string]any `json:"localState"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, err := s.engine.Context(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown instance: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		InstanceID: sc.ID,
		State:      sc.CurrentStateID,
		Terminal:   s.engine.Flow().IsTerminal(sc.CurrentStateID),
		Paused:     sc.IsPaused(),
		LocalState: sc.LocalState,
		UpdatedAt:  sc.LastUpdatedAt,
	})
}

type submitRequest struct {
	EventType string         `json:"eventType"`
	EventName string         `json:"eventName,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type submitResponse struct {
	InstanceID string `json:"instanceId"`
	State      string `json:"state"`
	Success    bool   `json:"success"`
}

// handleSubmit feeds an external event to an instance. The step clears
// the durable pause marker; the paused index entry is removed afterwards
// and the durable loop restarted.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "eventType is required")
		return
	}

	res, err := s.executor.TriggerEvent(r.Context(), id, req.EventType, req.EventName, req.Payload)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown instance: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.executor.RemovePausedInstance(id)
	s.executor.ContinueExecution(id)

	state, err := s.engine.CurrentState(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{InstanceID: id, State: state, Success: res.Success})
}

type pausedEntry struct {
	InstanceID string `json:"instanceId"`
	State      string `json:"state"`
	PausedAt   int64  `json:"pausedAt"`
	ElapsedSec int64  `json:"elapsedSec"`
	TimeoutSec *int   `json:"timeoutSec,omitempty"`
}

func (s *Server) handlePaused(w http.ResponseWriter, r *http.Request) {
	infos := s.executor.PausedInstances()
	now := time.Now().UnixMilli()

	out := make([]pausedEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, pausedEntry{
			InstanceID: info.InstanceID,
			State:      info.StateID,
			PausedAt:   info.PausedAt,
			ElapsedSec: (now - info.PausedAt) / 1000,
			TimeoutSec: info.Timeout,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": out, "count": len(out)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "store": err.Error()})
		return
	}
	if !s.executor.MonitorHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "monitor": "stalled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("service: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
