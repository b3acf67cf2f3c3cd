// Package testserver runs a loopback stand-in for the Home Assistant
// websocket API. It answers the handshake and command frames the
// engine sends, and rebroadcasts any other frame to every other
// connected client so a test harness can inject events by hand.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server accepts websocket sessions on /api/websocket.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	nextID  int
	clients map[int]*session

	// Seeded get_states and get_services payloads.
	states   []map[string]any
	services map[string]any
}

// session is one connected client. Writes are serialized per session.
type session struct {
	id   int
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *session) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewServer builds a test server bound to address:port.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		logger:   logger,
		clients:  make(map[int]*session),
		services: map[string]any{},
	}
}

// SeedStates sets the payload returned for get_states.
func (s *Server) SeedStates(states []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = states
}

// SeedServices sets the payload returned for get_services.
func (s *Server) SeedServices(services map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = services
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/websocket", s.handleWebsocket)
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.address, s.port),
		Handler: mux,
	}
	s.logger.Info("starting test server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the listener and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.nextID++
	c := &session{id: s.nextID, conn: conn}
	s.clients[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("client disconnected", "client", c.id)
	}()

	s.logger.Info("client connected", "client", c.id)
	if err := c.writeJSON(map[string]any{"type": "auth_required", "ha_version": "test"}); err != nil {
		return
	}

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handleFrame(c, msg)
	}
}

// handleFrame answers command frames itself and rebroadcasts anything
// it does not recognize, so harness clients can push event frames at
// the engine.
func (s *Server) handleFrame(c *session, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "auth":
		c.writeJSON(map[string]any{"type": "auth_ok", "ha_version": "test"})
	case "ping":
		c.writeJSON(map[string]any{"id": msg["id"], "type": "pong"})
	case "subscribe_events":
		s.result(c, msg, nil)
	case "get_states":
		s.mu.Lock()
		states := s.states
		s.mu.Unlock()
		if states == nil {
			states = []map[string]any{}
		}
		s.result(c, msg, states)
	case "get_services":
		s.mu.Lock()
		services := s.services
		s.mu.Unlock()
		s.result(c, msg, services)
	case "call_service":
		s.logger.Info("service called",
			"client", c.id,
			"domain", msg["domain"],
			"service", msg["service"],
		)
		s.result(c, msg, nil)
	default:
		s.broadcast(c, msg)
	}
}

func (s *Server) result(c *session, msg map[string]any, payload any) {
	out := map[string]any{
		"id":      msg["id"],
		"type":    "result",
		"success": true,
	}
	if payload != nil {
		out["result"] = payload
	}
	if err := c.writeJSON(out); err != nil {
		s.logger.Error("write failed", "client", c.id, "error", err)
	}
}

// broadcast forwards a frame verbatim to every other client, stamping
// a time_fired if the frame looks like an event and lacks one.
func (s *Server) broadcast(from *session, msg map[string]any) {
	if event, ok := msg["event"].(map[string]any); ok {
		if _, has := event["time_fired"]; !has {
			event["time_fired"] = time.Now().UTC().Format(time.RFC3339Nano)
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*session, 0, len(s.clients))
	for _, c := range s.clients {
		if c.id != from.id {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			s.logger.Error("broadcast write failed", "client", c.id, "error", err)
		}
	}
}
