// Package model defines the data objects shared across the engine:
// entity states, events, and the service registry mirrored from the
// remote Home Assistant instance.
package model

import "time"

// EntityState is the engine's view of one Home Assistant entity.
type EntityState struct {
	EntityID     string         `json:"entity_id"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes"`
	LastChanged  time.Time      `json:"last_changed"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Hidden       bool           `json:"hidden,omitempty"`
}

// NewEntityState builds an EntityState, lifting the friendly_name and
// hidden convenience fields out of the attribute map.
func NewEntityState(entityID, state string, attributes map[string]any, lastChanged time.Time) *EntityState {
	if attributes == nil {
		attributes = map[string]any{}
	}
	e := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: lastChanged,
	}
	if fn, ok := attributes["friendly_name"].(string); ok {
		e.FriendlyName = fn
	}
	if hidden, ok := attributes["hidden"].(bool); ok {
		e.Hidden = hidden
	}
	return e
}

// Equal reports whether two states describe the same observation.
// Identity is entity_id + state + last_changed; attribute drift alone
// does not count as a change.
func (e *EntityState) Equal(other *EntityState) bool {
	if other == nil {
		return false
	}
	return e.EntityID == other.EntityID &&
		e.State == other.State &&
		e.LastChanged.Equal(other.LastChanged)
}

// Copy returns a deep copy of the state. Attribute values are copied
// one level deep, which is sufficient for snapshot isolation: callers
// never mutate nested attribute structure.
func (e *EntityState) Copy() *EntityState {
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	dup := *e
	dup.Attributes = attrs
	return &dup
}

// EntityInfo is the directory entry returned by the entity listing.
type EntityInfo struct {
	EntityID     string `json:"entity_id"`
	FriendlyName string `json:"friendly_name"`
	Hidden       bool   `json:"hidden"`
}
