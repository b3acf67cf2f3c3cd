package hass

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ottohome/ottoengine/internal/model"
)

func TestDecodeEventStateChanged(t *testing.T) {
	payload := `{
		"entity_id": "light.kitchen",
		"old_state": {"entity_id": "light.kitchen", "state": "off", "attributes": {}, "last_changed": "2026-08-24T11:00:00Z"},
		"new_state": {"entity_id": "light.kitchen", "state": "on", "attributes": {"friendly_name": "Kitchen"}, "last_changed": "2026-08-24T12:00:00Z"}
	}`
	fired := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	decoded, err := decodeEvent(Event{
		Type:      "state_changed",
		Data:      json.RawMessage(payload),
		TimeFired: fired,
	})
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}

	sc, ok := decoded.(*model.StateChangedEvent)
	if !ok {
		t.Fatalf("decoded = %T, want *model.StateChangedEvent", decoded)
	}
	if sc.EntityID != "light.kitchen" {
		t.Errorf("EntityID = %q", sc.EntityID)
	}
	if sc.OldState == nil || sc.OldState.State != "off" {
		t.Errorf("OldState = %+v, want off", sc.OldState)
	}
	if sc.NewState == nil || sc.NewState.State != "on" {
		t.Errorf("NewState = %+v, want on", sc.NewState)
	}
	if sc.NewState.FriendlyName != "Kitchen" {
		t.Errorf("FriendlyName = %q, want Kitchen", sc.NewState.FriendlyName)
	}
	if !sc.TimeFired.Equal(fired) {
		t.Errorf("TimeFired = %v, want %v", sc.TimeFired, fired)
	}
}

func TestDecodeEventStateChangedNullOldState(t *testing.T) {
	payload := `{
		"entity_id": "light.new",
		"old_state": null,
		"new_state": {"entity_id": "light.new", "state": "on", "attributes": {}, "last_changed": "2026-08-24T12:00:00Z"}
	}`
	decoded, err := decodeEvent(Event{Type: "state_changed", Data: json.RawMessage(payload)})
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	sc := decoded.(*model.StateChangedEvent)
	if sc.OldState != nil {
		t.Errorf("OldState = %+v, want nil", sc.OldState)
	}
}

func TestDecodeEventGeneric(t *testing.T) {
	decoded, err := decodeEvent(Event{
		Type: "timer_ended",
		Data: json.RawMessage(`{"timer": "laundry"}`),
	})
	if err != nil {
		t.Fatalf("decodeEvent() error = %v", err)
	}
	he, ok := decoded.(*model.HassEvent)
	if !ok {
		t.Fatalf("decoded = %T, want *model.HassEvent", decoded)
	}
	if he.EventType != "timer_ended" || he.Data["timer"] != "laundry" {
		t.Errorf("decoded event = %+v", he)
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	if _, err := decodeEvent(Event{Type: "state_changed", Data: json.RawMessage(`{nope`)}); err == nil {
		t.Error("decodeEvent() on malformed payload succeeded, want error")
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		host string
		port int
		tls  bool
		want string
	}{
		{"hass.local", 8123, false, "ws://hass.local:8123/api/websocket"},
		{"hass.local", 443, true, "wss://hass.local:443/api/websocket"},
	}
	for _, tt := range tests {
		if got := URL(tt.host, tt.port, tt.tls); got != tt.want {
			t.Errorf("URL(%s, %d, %v) = %q, want %q", tt.host, tt.port, tt.tls, got, tt.want)
		}
	}
}
