// Package rest implements the engine's HTTP control surface. Every
// response uses the same envelope: success flag, optional message,
// optional data payload.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ottohome/ottoengine/internal/engine"
)

// Envelope is the uniform response body.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// requestBody wraps mutating request payloads.
type requestBody struct {
	Data map[string]any `json:"data"`
}

// Server is the REST control surface over one engine.
type Server struct {
	address string
	port    int
	engine  *engine.Engine
	logger  *slog.Logger
	server  *http.Server

	// shutdown, when set, is invoked by the shutdown endpoint after
	// the response is written.
	shutdown func()
}

// NewServer builds a Server. The shutdown callback may be nil, which
// disables the shutdown endpoint.
func NewServer(address string, port int, eng *engine.Engine, shutdown func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		engine:   eng,
		shutdown: shutdown,
		logger:   logger,
	}
}

// Handler assembles the route table. Exposed for handler tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /rest/ping", s.handlePing)
	mux.HandleFunc("GET /rest/reload", s.handleReload)
	mux.HandleFunc("POST /rest/reload", s.handleReload)

	mux.HandleFunc("GET /rest/rules", s.handleRuleList)
	mux.HandleFunc("GET /rest/rule/{id}", s.handleRuleGet)
	mux.HandleFunc("PUT /rest/rule", s.handleRulePut)
	mux.HandleFunc("PUT /rest/rule/{id}", s.handleRulePut)
	mux.HandleFunc("DELETE /rest/rule/{id}", s.handleRuleDelete)

	mux.HandleFunc("GET /rest/entities", s.handleEntityList)
	mux.HandleFunc("GET /rest/states", s.handleStateList)
	mux.HandleFunc("GET /rest/states/{entityID}", s.handleStateGet)
	mux.HandleFunc("GET /rest/services", s.handleServiceList)
	mux.HandleFunc("GET /rest/logs", s.handleLogs)

	mux.HandleFunc("PUT /rest/clock/check", s.handleClockCheck)
	mux.HandleFunc("POST /rest/clock/check", s.handleClockCheck)
	mux.HandleFunc("GET /shutdown", s.handleShutdown)

	return s.withLogging(mux)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("starting REST server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeData(w http.ResponseWriter, data any) {
	s.writeEnvelope(w, http.StatusOK, Envelope{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeEnvelope(w, status, Envelope{Success: false, Message: msg})
}

// engineStatus maps façade errors to HTTP: a timeout means the engine
// is wedged, anything else is internal.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrTimeout) {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, http.StatusOK, Envelope{Success: true, Message: "pong"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReloadRules(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeEnvelope(w, http.StatusOK, Envelope{Success: true, Message: "rules reloaded"})
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.Rules()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rules))
	for _, ar := range rules {
		out = append(out, ar.Serialize())
	}
	s.writeData(w, out)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ar, err := s.engine.Rule(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if ar == nil {
		s.writeError(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	s.writeData(w, ar.Serialize())
}

// handleRulePut stores a rule descriptor. When the descriptor carries
// its own id it wins over the path id.
func (s *Server) handleRulePut(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if body.Data == nil {
		s.writeError(w, http.StatusBadRequest, "request body needs a data object")
		return
	}
	if _, ok := body.Data["id"]; !ok {
		body.Data["id"] = r.PathValue("id")
	}
	ar, err := s.engine.Codec().DecodeRuleMap(body.Data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.SaveRule(r.Context(), ar); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeEnvelope(w, http.StatusOK, Envelope{Success: true, Message: "rule saved: " + ar.ID})
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.engine.DeleteRule(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	s.writeEnvelope(w, http.StatusOK, Envelope{Success: true, Message: "rule deleted: " + id})
}

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request) {
	entities, err := s.engine.Entities()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeData(w, entities)
}

func (s *Server) handleStateList(w http.ResponseWriter, r *http.Request) {
	states, err := s.engine.SnapshotEntities()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeData(w, states)
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entityID")
	es, err := s.engine.GetEntityState(entityID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if es == nil {
		s.writeError(w, http.StatusNotFound, "unknown entity: "+entityID)
		return
	}
	s.writeData(w, es)
}

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request) {
	services, err := s.engine.Services()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeData(w, services)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, s.engine.EngineLog().Records())
}

// handleClockCheck validates a time spec without scheduling it.
func (s *Server) handleClockCheck(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if body.Data == nil {
		s.writeError(w, http.StatusBadRequest, "request body needs a data object")
		return
	}
	next, err := s.engine.CheckTimeSpec(body.Data)
	if err != nil {
		s.writeEnvelope(w, http.StatusOK, Envelope{Success: false, Message: err.Error()})
		return
	}
	s.writeEnvelope(w, http.StatusOK, Envelope{
		Success: true,
		Data:    map[string]any{"next_time": next.Format(time.RFC3339)},
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		s.writeError(w, http.StatusNotImplemented, "shutdown is not enabled")
		return
	}
	s.writeEnvelope(w, http.StatusOK, Envelope{Success: true, Message: "shutting down"})
	go s.shutdown()
}
