package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ottohome/ottoengine/internal/clock"
	"github.com/ottohome/ottoengine/internal/enginelog"
	"github.com/ottohome/ottoengine/internal/hass"
	"github.com/ottohome/ottoengine/internal/model"
	"github.com/ottohome/ottoengine/internal/persist"
	"github.com/ottohome/ottoengine/internal/rule"
)

// ErrTimeout reports a façade call that could not reach the engine
// goroutine within the call deadline.
var ErrTimeout = errors.New("engine call timed out")

// callTimeout bounds every façade call.
const callTimeout = 5 * time.Second

// listener binds one rule's trigger into an index.
type listener struct {
	r *rule.AutomationRule
	t rule.Trigger
}

// Engine is the core: a single goroutine consumes the command channel
// and is the only writer of the store and listener indexes. External
// callers go through the façade methods, which enqueue closures and
// wait with a bounded deadline. Rule invocations run on their own
// goroutines and only read.
type Engine struct {
	store   *Store
	clock   *clock.EngineClock
	elog    *enginelog.Log
	rules   persist.Store
	codec   rule.Codec
	now     clock.Source
	logger  *slog.Logger
	runner  *rule.Runner
	cmds    chan func()
	stopped chan struct{}
	runCtx  context.Context

	connMu sync.RWMutex
	conn   hass.ServiceCaller

	// Owned by the engine goroutine.
	stateListeners map[string][]listener
	eventListeners map[string][]listener
	timeTriggerIDs []string
}

// Options carries the engine's collaborators.
type Options struct {
	Store     *Store
	Clock     *clock.EngineClock
	EngineLog *enginelog.Log
	Rules     persist.Store
	Codec     rule.Codec
	Now       clock.Source
	Logger    *slog.Logger
}

// New assembles an Engine. Store, EngineLog, Now, and Logger default
// when nil; Clock and Rules are required.
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.EngineLog == nil {
		opts.EngineLog = enginelog.New(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		store:          opts.Store,
		clock:          opts.Clock,
		elog:           opts.EngineLog,
		rules:          opts.Rules,
		codec:          opts.Codec,
		now:            opts.Now,
		logger:         opts.Logger,
		cmds:           make(chan func(), 64),
		stopped:        make(chan struct{}),
		stateListeners: make(map[string][]listener),
		eventListeners: make(map[string][]listener),
	}
	e.runner = rule.NewRunner(e, opts.Logger)
	return e
}

// Run consumes the command channel until ctx is cancelled. Everything
// that mutates engine state executes here.
func (e *Engine) Run(ctx context.Context) {
	e.runCtx = ctx
	e.logger.Info("engine started")
	defer e.logger.Info("engine stopped")
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.cmds:
			fn()
		}
	}
}

// submit enqueues a closure and waits for it to finish, bounded by
// callTimeout on both the enqueue and the wait.
func (e *Engine) submit(fn func()) error {
	done := make(chan struct{})
	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-timer.C:
		return ErrTimeout
	}
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// post enqueues a closure without waiting for completion. Once Run has
// returned nothing drains the channel, so the closure is dropped
// instead of blocking the caller.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.stopped:
		e.logger.Warn("engine stopped, dropping command")
	}
}

// --- rule.Env ---

// EntityState returns a copy of one entity's current state or nil.
func (e *Engine) EntityState(entityID string) *model.EntityState {
	return e.store.EntityState(entityID)
}

// Now reads the engine's time source.
func (e *Engine) Now() time.Time { return e.now() }

// CallService sends a service call over the current connection.
func (e *Engine) CallService(ctx context.Context, call model.ServiceCall) error {
	e.connMu.RLock()
	conn := e.conn
	e.connMu.RUnlock()
	if conn == nil {
		return hass.ErrConnectionLost
	}
	return conn.CallService(ctx, call)
}

// EngineLog returns the observability ring.
func (e *Engine) EngineLog() *enginelog.Log { return e.elog }

// --- hass.EngineSink ---

// Rebuild installs a fresh session: rebinds the outbound connection,
// replaces the entity and service snapshots, and reloads rules. Runs
// on the engine goroutine; blocks the supervisor until done.
func (e *Engine) Rebuild(ctx context.Context, conn hass.ServiceCaller,
	states []*model.EntityState, services []model.ServiceRegistration) error {

	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()

	errCh := make(chan error, 1)
	select {
	case e.cmds <- func() {
		e.store.ApplyEntitySnapshot(states)
		e.store.SetServices(services)
		errCh <- e.loadRules(ctx)
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	e.logger.Info("engine rebuilt",
		"entities", len(states), "service_domains", len(services))
	return nil
}

// RouteEvent enqueues one decoded event for routing on the engine
// goroutine. The store update lands before any listener sees the
// event.
func (e *Engine) RouteEvent(ev any) {
	e.post(func() { e.routeEvent(ev) })
}

// routeEvent applies the event to the store, records it, and fans it
// out to matching listeners. Engine goroutine only.
func (e *Engine) routeEvent(ev any) {
	switch event := ev.(type) {
	case *model.StateChangedEvent:
		if event.NewState != nil {
			e.store.SetEntityState(event.NewState)
		} else {
			e.store.RemoveEntity(event.EntityID)
		}
		newState := ""
		if event.NewState != nil {
			newState = event.NewState.State
		}
		e.elog.AddEvent(model.EventTypeStateChanged, map[string]any{
			"entity_id": event.EntityID,
			"new_state": newState,
		})
		for _, l := range e.stateListeners[event.EntityID] {
			e.invoke(l, ev)
		}
	case *model.HassEvent:
		e.elog.AddEvent(event.EventType, event.Data)
		for _, l := range e.eventListeners[event.EventType] {
			e.invoke(l, ev)
		}
	default:
		e.logger.Warn("unroutable event", "type", fmt.Sprintf("%T", ev))
	}
}

// invoke launches one rule invocation on its own goroutine.
func (e *Engine) invoke(l listener, ev any) {
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go e.runner.Invoke(ctx, l.r, l.t, ev)
}

// loadRules replaces the loaded rule set from persistence: clears the
// listener indexes and scheduled time triggers, then registers every
// rule the store lists. Engine goroutine only.
func (e *Engine) loadRules(ctx context.Context) error {
	for _, id := range e.timeTriggerIDs {
		e.clock.RemoveTimeSpecAction(id)
	}
	e.timeTriggerIDs = nil
	e.stateListeners = make(map[string][]listener)
	e.eventListeners = make(map[string][]listener)
	e.store.ClearRules()

	rules, err := e.rules.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, r := range rules {
		e.registerRule(r)
	}
	e.logger.Info("rules loaded", "count", len(rules))
	return nil
}

// registerRule indexes a rule's triggers. Disabled rules register too:
// the enabled gate is re-checked at invocation time so a toggle takes
// effect without a reload of the indexes.
func (e *Engine) registerRule(r *rule.AutomationRule) {
	e.store.SetRule(r)
	for _, t := range r.Triggers {
		switch trigger := t.(type) {
		case *rule.StateTrigger:
			e.stateListeners[trigger.EntityID] = append(
				e.stateListeners[trigger.EntityID], listener{r: r, t: t})
		case *rule.NumericStateTrigger:
			e.stateListeners[trigger.EntityID] = append(
				e.stateListeners[trigger.EntityID], listener{r: r, t: t})
		case *rule.EventTrigger:
			e.eventListeners[trigger.EventType] = append(
				e.eventListeners[trigger.EventType], listener{r: r, t: t})
		case *rule.TimeTrigger:
			l := listener{r: r, t: t}
			err := e.clock.AddTimeSpecAction(trigger.ID, func(ctx context.Context) {
				e.runner.Invoke(ctx, l.r, l.t, nil)
			}, trigger.Spec, e.now())
			if err != nil {
				e.logger.Error("failed to schedule time trigger",
					"rule_id", r.ID, "error", err)
				continue
			}
			e.timeTriggerIDs = append(e.timeTriggerIDs, trigger.ID)
		case *rule.HomeAssistantTrigger:
			// Inert by contract.
		default:
			e.logger.Warn("unregisterable trigger",
				"rule_id", r.ID, "platform", t.Platform())
		}
	}
}

// --- façade ---

// GetValue reads one value from the group/key store.
func (e *Engine) GetValue(group, key string) (any, bool, error) {
	var v any
	var ok bool
	err := e.submit(func() { v, ok = e.store.Get(group, key) })
	return v, ok, err
}

// SetValue writes one value into the group/key store.
func (e *Engine) SetValue(group, key string, value any) error {
	return e.submit(func() { e.store.Set(group, key, value) })
}

// GetEntityState returns a copy of one entity's state, or nil.
func (e *Engine) GetEntityState(entityID string) (*model.EntityState, error) {
	var es *model.EntityState
	err := e.submit(func() { es = e.store.EntityState(entityID) })
	return es, err
}

// SnapshotEntities returns copies of every entity state.
func (e *Engine) SnapshotEntities() ([]*model.EntityState, error) {
	var out []*model.EntityState
	err := e.submit(func() { out = e.store.SnapshotEntities() })
	return out, err
}

// Entities returns the entity directory.
func (e *Engine) Entities() ([]model.EntityInfo, error) {
	var out []model.EntityInfo
	err := e.submit(func() { out = e.store.EntityInfos() })
	return out, err
}

// Services returns the mirrored service registry.
func (e *Engine) Services() ([]model.ServiceRegistration, error) {
	var out []model.ServiceRegistration
	err := e.submit(func() { out = e.store.Services() })
	return out, err
}

// Rules returns the loaded rules ordered by id.
func (e *Engine) Rules() ([]*rule.AutomationRule, error) {
	var out []*rule.AutomationRule
	err := e.submit(func() { out = e.store.Rules() })
	return out, err
}

// Rule returns one loaded rule, or nil if not loaded.
func (e *Engine) Rule(id string) (*rule.AutomationRule, error) {
	var r *rule.AutomationRule
	err := e.submit(func() { r = e.store.Rule(id) })
	return r, err
}

// SaveRule persists a rule and upserts it into the loaded set. Its
// triggers take effect on the next reload.
func (e *Engine) SaveRule(ctx context.Context, r *rule.AutomationRule) error {
	if err := e.rules.SaveRule(ctx, r); err != nil {
		return err
	}
	return e.submit(func() { e.store.SetRule(r) })
}

// DeleteRule removes a rule's stored descriptor. The loaded set keeps
// running the rule until the next reload.
func (e *Engine) DeleteRule(ctx context.Context, id string) (bool, error) {
	return e.rules.DeleteRule(ctx, id)
}

// ReloadRules re-reads persistence and rebuilds listener indexes and
// the schedule.
func (e *Engine) ReloadRules(ctx context.Context) error {
	var loadErr error
	if err := e.submit(func() { loadErr = e.loadRules(ctx) }); err != nil {
		return err
	}
	return loadErr
}

// CheckTimeSpec validates a time spec descriptor without scheduling
// it and reports its next firing instant. Pure; no engine round-trip.
func (e *Engine) CheckTimeSpec(m map[string]any) (time.Time, error) {
	spec, err := clock.FromMap(m, e.codec.DefaultTZ)
	if err != nil {
		return time.Time{}, err
	}
	return spec.NextFrom(e.now())
}

// Codec exposes the descriptor codec configured for this engine.
func (e *Engine) Codec() rule.Codec { return e.codec }
