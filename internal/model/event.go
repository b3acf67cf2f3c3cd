package model

import "time"

// EventTypeStateChanged is the event type carrying entity state transitions.
const EventTypeStateChanged = "state_changed"

// HassEvent is a generic event received from Home Assistant.
type HassEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	TimeFired time.Time      `json:"time_fired"`
}

// StateChangedEvent is the state_changed refinement of HassEvent. The
// old state may be nil for newly created entities.
type StateChangedEvent struct {
	EntityID  string
	OldState  *EntityState
	NewState  *EntityState
	TimeFired time.Time
}

// ServiceCall is an outbound service invocation.
type ServiceCall struct {
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

// NewServiceCall builds a ServiceCall, normalizing nil data to an empty
// map so the wire frame always carries a service_data object.
func NewServiceCall(domain, service string, data map[string]any) ServiceCall {
	if data == nil {
		data = map[string]any{}
	}
	return ServiceCall{Domain: domain, Service: service, ServiceData: data}
}
