package testserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ottohome/ottoengine/internal/hass"
)

// startTestServer runs the websocket handler on an ephemeral port and
// returns its ws:// URL.
func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer("", 0, nil)
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handleWebsocket))
	t.Cleanup(httpSrv.Close)
	return srv, strings.Replace(httpSrv.URL, "http://", "ws://", 1)
}

// dialRaw opens a plain websocket session and completes the auth
// handshake, standing in for a test harness.
func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != "auth_required" {
		t.Fatalf("greeting = %v, want auth_required", frame["type"])
	}
	if err := conn.WriteJSON(map[string]any{"type": "auth", "access_token": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != "auth_ok" {
		t.Fatalf("auth response = %v, want auth_ok", frame["type"])
	}
	return conn
}

func TestServerSpeaksClientProtocol(t *testing.T) {
	srv, url := startTestServer(t)
	srv.SeedStates([]map[string]any{
		{
			"entity_id":    "light.kitchen",
			"state":        "on",
			"attributes":   map[string]any{"friendly_name": "Kitchen"},
			"last_changed": "2026-08-24T12:00:00Z",
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := hass.NewClient(url, "token", nil)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := client.Subscribe(ctx, "state_changed"); err != nil {
		t.Errorf("Subscribe() error = %v", err)
	}

	states, err := client.GetStates(ctx)
	if err != nil {
		t.Fatalf("GetStates() error = %v", err)
	}
	if len(states) != 1 || states[0].EntityID != "light.kitchen" {
		t.Errorf("GetStates() = %v, want seeded light.kitchen", states)
	}
	if states[0].FriendlyName != "Kitchen" {
		t.Errorf("FriendlyName = %q, want Kitchen", states[0].FriendlyName)
	}

	services, err := client.GetServices(ctx)
	if err != nil {
		t.Fatalf("GetServices() error = %v", err)
	}
	if len(services) != 0 {
		t.Errorf("GetServices() = %v, want empty", services)
	}
}

func TestServerBroadcastsToOtherClients(t *testing.T) {
	_, url := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engineClient := hass.NewClient(url, "token", nil)
	if err := engineClient.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer engineClient.Close()

	harness := dialRaw(t, url)

	// The harness injects an event frame; the server must forward it
	// to the engine client, not echo it back to the harness.
	err := harness.WriteJSON(map[string]any{
		"type": "event",
		"event": map[string]any{
			"event_type": "timer_ended",
			"data":       map[string]any{"timer": "laundry"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-engineClient.Events():
		if ev.Type != "timer_ended" {
			t.Errorf("event type = %q, want timer_ended", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast event never arrived")
	}
}
