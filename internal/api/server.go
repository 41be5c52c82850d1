// Package api exposes the engine over HTTP: a JSON control surface plus a
// websocket feed of live events and status.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gridsight/gridsight/internal/config"
	"github.com/gridsight/gridsight/internal/engine"
	"github.com/gridsight/gridsight/internal/monitoring"
	"github.com/gridsight/gridsight/internal/store"
	"github.com/gridsight/gridsight/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server wires the engine, the optional store, and the websocket hub into
// an HTTP handler set.
type Server struct {
	engine    *engine.Engine
	store     *store.Store
	hub       *Hub
	sessionID string
}

// NewServer creates a server. st may be nil when persistence is disabled;
// sessionID scopes step/round reads when a store is attached.
func NewServer(eng *engine.Engine, st *store.Store, hub *Hub, sessionID string) *Server {
	return &Server{engine: eng, store: st, hub: hub, sessionID: sessionID}
}

// Hub returns the attached websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/steps", s.listSteps)
	mux.HandleFunc("/api/rounds", s.listRounds)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/params", s.params)
	mux.HandleFunc("/api/command", s.command)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.ServeWS)
	}
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("[api] encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "ok",
		"build":  version.Info(),
	})
}

// showState returns the live pipeline snapshot plus the step history.
func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"status":     s.engine.Status(),
		"steps":      s.engine.Steps(),
		"grid":       s.engine.Grid(),
		"session_id": s.sessionID,
	})
}

// listSteps returns persisted steps for a session (default: the live one).
func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.sessionID
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	steps, err := s.store.ListSteps(sessionID, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("listing steps: %v", err))
		return
	}
	s.writeJSON(w, steps)
}

func (s *Server) listRounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.sessionID
	}
	rounds, err := s.store.ListRounds(sessionID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("listing rounds: %v", err))
		return
	}
	s.writeJSON(w, rounds)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "persistence disabled")
		return
	}
	sessions, err := s.store.Sessions(0)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("listing sessions: %v", err))
		return
	}
	s.writeJSON(w, sessions)
}

// params serves the active tuning config on GET and applies an overlay on
// POST. A POST body contains only the fields to change.
func (s *Server) params(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.engine.Tuning())
	case http.MethodPost:
		var overlay config.TuningConfig
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&overlay); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decoding params: %v", err))
			return
		}
		if err := s.engine.ApplyTuning(&overlay); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, s.engine.Tuning())
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

// command executes a control verb against the engine.
func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decoding command: %v", err))
		return
	}

	switch req.Command {
	case "start":
		s.engine.Start(context.Background())
	case "stop":
		s.engine.Stop()
	case "calibrate":
		s.engine.Calibrate()
	case "arm":
		s.engine.Arm()
	case "reset":
		s.engine.Reset()
	case "undo":
		s.engine.Undo()
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown command %q", req.Command))
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"command": req.Command,
		"status":  s.engine.Status(),
	})
}
