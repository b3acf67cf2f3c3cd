// Package engine wires the automation engine together: the state
// store mirroring the remote instance, listener indexes that route
// events to rules, the scheduler binding for time triggers, and a
// thread-safe façade over it all.
package engine

import (
	"sort"
	"sync"

	"github.com/ottohome/ottoengine/internal/model"
	"github.com/ottohome/ottoengine/internal/rule"
)

// Store holds everything the engine knows: the entity state mirror,
// the remote service registry, loaded rules, and a generic group/key
// store for engine-internal values. The engine goroutine is the only
// writer; reads may come from any goroutine and return copies.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*model.EntityState
	services map[string]model.ServiceRegistration
	rules    map[string]*rule.AutomationRule
	values   map[string]map[string]any
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]*model.EntityState),
		services: make(map[string]model.ServiceRegistration),
		rules:    make(map[string]*rule.AutomationRule),
		values:   make(map[string]map[string]any),
	}
}

// EntityState returns a copy of one entity's state, or nil if unknown.
func (s *Store) EntityState(entityID string) *model.EntityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	es, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	return es.Copy()
}

// SetEntityState upserts one entity's state.
func (s *Store) SetEntityState(es *model.EntityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[es.EntityID] = es
}

// RemoveEntity drops an entity from the mirror.
func (s *Store) RemoveEntity(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, entityID)
}

// ApplyEntitySnapshot upserts every state in a get_states result.
// Entities absent from the snapshot are kept; removal only happens
// through state_changed events with a null new state.
func (s *Store) ApplyEntitySnapshot(states []*model.EntityState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, es := range states {
		s.entities[es.EntityID] = es
	}
}

// SnapshotEntities returns copies of every entity state, ordered by
// entity id.
func (s *Store) SnapshotEntities() []*model.EntityState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.EntityState, 0, len(s.entities))
	for _, es := range s.entities {
		out = append(out, es.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntityInfos returns the entity directory, ordered by entity id.
func (s *Store) EntityInfos() []model.EntityInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EntityInfo, 0, len(s.entities))
	for _, es := range s.entities {
		out = append(out, model.EntityInfo{
			EntityID:     es.EntityID,
			FriendlyName: es.FriendlyName,
			Hidden:       es.Hidden,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// SetServices replaces the service registry.
func (s *Store) SetServices(regs []model.ServiceRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = make(map[string]model.ServiceRegistration, len(regs))
	for _, reg := range regs {
		s.services[reg.Domain] = reg
	}
}

// Services returns the registry ordered by domain.
func (s *Store) Services() []model.ServiceRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ServiceRegistration, 0, len(s.services))
	for _, reg := range s.services {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// SetRule upserts a loaded rule.
func (s *Store) SetRule(r *rule.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

// Rule returns a loaded rule by id, or nil.
func (s *Store) Rule(id string) *rule.AutomationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules[id]
}

// Rules returns the loaded rules ordered by id.
func (s *Store) Rules() []*rule.AutomationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rule.AutomationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClearRules drops every loaded rule, ahead of a reload.
func (s *Store) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[string]*rule.AutomationRule)
}

// Get reads a value from the generic group/key store.
func (s *Store) Get(group, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.values[group]
	if !ok {
		return nil, false
	}
	v, ok := g[key]
	return v, ok
}

// Set writes a value into the generic group/key store.
func (s *Store) Set(group, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.values[group]
	if !ok {
		g = make(map[string]any)
		s.values[group] = g
	}
	g[key] = value
}
