// Package hass speaks the Home Assistant websocket API: the
// authenticated client that sends command frames and the supervisor
// that routes inbound frames into the engine.
package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ottohome/ottoengine/internal/model"
)

// ErrConnectionLost reports that the websocket dropped and the request
// could not complete.
var ErrConnectionLost = errors.New("connection lost")

// requestTimeout bounds how long a command frame waits for its result.
const requestTimeout = 30 * time.Second

// Client is one authenticated websocket session. Writes are serialized
// through connMu; message ids increase monotonically from 1 for the
// lifetime of the session.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	msgID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan result

	events chan Event
	done   chan struct{}
}

// Event is a subscribed event frame, payload still raw.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

// frame is the generic websocket message envelope.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type result struct {
	success bool
	result  json.RawMessage
	err     *frameError
}

// wireState is an entity state as it appears on the wire.
type wireState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

func (w *wireState) toModel() *model.EntityState {
	if w == nil {
		return nil
	}
	return model.NewEntityState(w.EntityID, w.State, w.Attributes, w.LastChanged)
}

// stateChangedData is the payload of a state_changed event.
type stateChangedData struct {
	EntityID string     `json:"entity_id"`
	OldState *wireState `json:"old_state"`
	NewState *wireState `json:"new_state"`
}

// URL builds the websocket endpoint for a Home Assistant host.
func URL(host string, port int, tls bool) string {
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/api/websocket", scheme, host, port)
}

// NewClient creates an unconnected client for the given endpoint.
func NewClient(url, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     url,
		token:   token,
		logger:  logger,
		pending: make(map[int64]chan result),
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}
}

// Connect dials the endpoint, completes the auth handshake, and starts
// the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info("connecting", "url", c.url)
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	// State snapshots for large installations can be several MB.
	conn.SetReadLimit(100 * 1024 * 1024)

	var authReq frame
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	auth := map[string]string{"type": "auth", "access_token": c.token}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp frame
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
	case "auth_invalid":
		conn.Close()
		return fmt.Errorf("authentication rejected")
	default:
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	c.conn = conn
	c.logger.Info("authenticated")
	go c.readLoop(conn)
	return nil
}

// Close shuts the connection. Pending requests fail with
// ErrConnectionLost once the read loop notices.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Done is closed when the read loop exits, however it exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Events is the stream of subscribed event frames.
func (c *Client) Events() <-chan Event { return c.events }

// Subscribe registers for events of one type.
func (c *Client) Subscribe(ctx context.Context, eventType string) error {
	msg := map[string]any{
		"type":       "subscribe_events",
		"event_type": eventType,
	}
	if _, err := c.sendAndWait(ctx, msg); err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}
	c.logger.Info("subscribed", "event_type", eventType)
	return nil
}

// Ping sends a keepalive frame and waits for the pong result.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sendAndWait(ctx, map[string]any{"type": "ping"}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// GetStates fetches the full entity state snapshot.
func (c *Client) GetStates(ctx context.Context) ([]*model.EntityState, error) {
	raw, err := c.sendAndWait(ctx, map[string]any{"type": "get_states"})
	if err != nil {
		return nil, fmt.Errorf("get_states: %w", err)
	}
	var wire []wireState
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("get_states: decode: %w", err)
	}
	states := make([]*model.EntityState, 0, len(wire))
	for i := range wire {
		states = append(states, wire[i].toModel())
	}
	return states, nil
}

// GetServices fetches the service registry, one registration per
// domain.
func (c *Client) GetServices(ctx context.Context) ([]model.ServiceRegistration, error) {
	raw, err := c.sendAndWait(ctx, map[string]any{"type": "get_services"})
	if err != nil {
		return nil, fmt.Errorf("get_services: %w", err)
	}
	var domains map[string]map[string]any
	if err := json.Unmarshal(raw, &domains); err != nil {
		return nil, fmt.Errorf("get_services: decode: %w", err)
	}
	regs := make([]model.ServiceRegistration, 0, len(domains))
	for domain, services := range domains {
		regs = append(regs, model.ServiceRegistrationFromWire(domain, services))
	}
	return regs, nil
}

// CallService invokes a remote service and waits for the result frame.
func (c *Client) CallService(ctx context.Context, call model.ServiceCall) error {
	msg := map[string]any{
		"type":         "call_service",
		"domain":       call.Domain,
		"service":      call.Service,
		"service_data": call.ServiceData,
	}
	if _, err := c.sendAndWait(ctx, msg); err != nil {
		return fmt.Errorf("call_service %s.%s: %w", call.Domain, call.Service, err)
	}
	return nil
}

// sendAndWait assigns the next message id, sends the frame, and blocks
// for the matching result.
func (c *Client) sendAndWait(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	id := c.msgID.Add(1)
	msg["id"] = id

	respCh := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	var err error
	if conn == nil {
		err = ErrConnectionLost
	} else {
		err = conn.WriteJSON(msg)
	}
	c.connMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if !resp.success {
			if resp.err != nil {
				return nil, fmt.Errorf("%s: %s", resp.err.Code, resp.err.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.result, nil
	case <-c.done:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("timeout waiting for result")
	}
}

// readLoop reads frames until the connection fails, dispatching result
// frames to their waiters and event frames onto the event channel.
// Frame types are matched exactly; anything unrecognized is logged and
// skipped.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)
	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket closed")
			} else {
				c.logger.Error("websocket read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- result{success: msg.Success, result: msg.Result, err: msg.Error}
			}
			c.pendingMu.Unlock()
		case "event":
			if msg.Event == nil {
				c.logger.Warn("event frame without payload")
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "event_type", msg.Event.Type)
			}
		case "pong":
			// Pong frames echo the ping's id rather than arriving as
			// results.
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- result{success: true}
			}
			c.pendingMu.Unlock()
		default:
			c.logger.Warn("unhandled frame type", "type", msg.Type)
		}
	}
}
