package model

import (
	"testing"
	"time"
)

func TestNewEntityStateLiftsConvenienceFields(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	es := NewEntityState("light.kitchen", "on", map[string]any{
		"friendly_name": "Kitchen",
		"hidden":        true,
		"brightness":    200,
	}, at)

	if es.FriendlyName != "Kitchen" {
		t.Errorf("FriendlyName = %q, want Kitchen", es.FriendlyName)
	}
	if !es.Hidden {
		t.Error("Hidden = false, want true")
	}
}

func TestNewEntityStateNilAttributes(t *testing.T) {
	es := NewEntityState("light.kitchen", "on", nil, time.Now())
	if es.Attributes == nil {
		t.Error("Attributes = nil, want empty map")
	}
}

func TestEntityStateEqual(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	base := NewEntityState("light.kitchen", "on", map[string]any{"brightness": 100}, at)

	tests := []struct {
		name  string
		other *EntityState
		want  bool
	}{
		{"identical observation", NewEntityState("light.kitchen", "on", nil, at), true},
		{"attribute drift only", NewEntityState("light.kitchen", "on", map[string]any{"brightness": 50}, at), true},
		{"different state", NewEntityState("light.kitchen", "off", nil, at), false},
		{"different time", NewEntityState("light.kitchen", "on", nil, at.Add(time.Second)), false},
		{"different entity", NewEntityState("light.porch", "on", nil, at), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Equal(tt.other); got != tt.want {
				t.Errorf("Equal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntityStateCopyIsolation(t *testing.T) {
	es := NewEntityState("light.kitchen", "on", map[string]any{"brightness": 100}, time.Now())
	dup := es.Copy()
	dup.State = "off"
	dup.Attributes["brightness"] = 0

	if es.State != "on" || es.Attributes["brightness"] != 100 {
		t.Errorf("copy mutation leaked into original: %+v", es)
	}
}

func TestServiceRegistrationFromWire(t *testing.T) {
	reg := ServiceRegistrationFromWire("light", map[string]any{
		"turn_on": map[string]any{
			"description": "Turn a light on",
			"fields": map[string]any{
				"entity_id": map[string]any{
					"description": "Target light",
					"example":     "light.kitchen",
				},
			},
		},
		"turn_off": map[string]any{},
	})

	if reg.Domain != "light" {
		t.Errorf("Domain = %q, want light", reg.Domain)
	}
	if len(reg.Services) != 2 {
		t.Fatalf("len(Services) = %d, want 2", len(reg.Services))
	}
	var turnOn *Service
	for i := range reg.Services {
		if reg.Services[i].Name == "turn_on" {
			turnOn = &reg.Services[i]
		}
	}
	if turnOn == nil {
		t.Fatal("turn_on service missing")
	}
	if turnOn.Description != "Turn a light on" {
		t.Errorf("Description = %q", turnOn.Description)
	}
	if len(turnOn.Fields) != 1 || turnOn.Fields[0].Name != "entity_id" {
		t.Errorf("Fields = %+v", turnOn.Fields)
	}
}
