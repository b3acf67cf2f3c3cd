package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ottohome/ottoengine/internal/clock"
	"github.com/ottohome/ottoengine/internal/model"
	"github.com/ottohome/ottoengine/internal/persist"
	"github.com/ottohome/ottoengine/internal/rule"
)

// fakeConn records service calls and signals on each one.
type fakeConn struct {
	mu    sync.Mutex
	calls []model.ServiceCall
	ch    chan model.ServiceCall
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan model.ServiceCall, 16)}
}

func (f *fakeConn) CallService(ctx context.Context, call model.ServiceCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	f.ch <- call
	return nil
}

const doorRule = `{
  "id": "door_light",
  "triggers": [
    {"platform": "state", "entity_id": "binary_sensor.door", "to": "on"}
  ],
  "rule_condition": {
    "condition": "state", "entity_id": "binary_sensor.door", "state": "on"
  },
  "actions": [
    {"sequence": [
      {"domain": "light", "service": "turn_on", "data": {"entity_id": "light.hall"}}
    ]}
  ]
}`

// startEngine builds an engine over a temp file store and runs it for
// the duration of the test.
func startEngine(t *testing.T, ruleJSON map[string]string) (*Engine, *fakeConn) {
	t.Helper()

	dir := t.TempDir()
	for name, content := range ruleJSON {
		if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	codec := rule.Codec{DefaultTZ: "UTC"}
	store, err := persist.NewFileStore(dir, codec, nil)
	if err != nil {
		t.Fatal(err)
	}

	eng := New(Options{
		Clock: clock.New(nil, nil),
		Rules: store,
		Codec: codec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	conn := newFakeConn()
	initial := []*model.EntityState{
		model.NewEntityState("binary_sensor.door", "off", nil, time.Now()),
		model.NewEntityState("light.hall", "off", nil, time.Now()),
	}
	if err := eng.Rebuild(ctx, conn, initial, []model.ServiceRegistration{{Domain: "light"}}); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	return eng, conn
}

func doorEvent(newState string) *model.StateChangedEvent {
	at := time.Now()
	return &model.StateChangedEvent{
		EntityID:  "binary_sensor.door",
		OldState:  model.NewEntityState("binary_sensor.door", "off", nil, at.Add(-time.Minute)),
		NewState:  model.NewEntityState("binary_sensor.door", newState, nil, at),
		TimeFired: at,
	}
}

func TestEngineFiresRuleOnStateChange(t *testing.T) {
	_, conn := startEngineWithDoorRule(t)

	select {
	case call := <-conn.ch:
		if call.Domain != "light" || call.Service != "turn_on" {
			t.Errorf("call = %s.%s, want light.turn_on", call.Domain, call.Service)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rule did not call the service")
	}
}

// startEngineWithDoorRule routes the matching event after startup. The
// door rule's condition reads the triggering entity's state, so a
// firing proves the store was updated before the listener ran.
func startEngineWithDoorRule(t *testing.T) (*Engine, *fakeConn) {
	t.Helper()
	eng, conn := startEngine(t, map[string]string{"door_light": doorRule})
	eng.RouteEvent(doorEvent("on"))
	return eng, conn
}

func TestEngineIgnoresNonMatchingEvent(t *testing.T) {
	eng, conn := startEngine(t, map[string]string{"door_light": doorRule})

	eng.RouteEvent(doorEvent("off"))

	select {
	case call := <-conn.ch:
		t.Errorf("unexpected service call %s.%s", call.Domain, call.Service)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineStoreUpdatedBeforeListeners(t *testing.T) {
	eng, conn := startEngineWithDoorRule(t)

	select {
	case <-conn.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("rule did not fire")
	}

	es, err := eng.GetEntityState("binary_sensor.door")
	if err != nil {
		t.Fatal(err)
	}
	if es == nil || es.State != "on" {
		t.Errorf("stored state = %v, want on", es)
	}
}

func TestEngineValues(t *testing.T) {
	eng, _ := startEngine(t, nil)

	if err := eng.SetValue("engine", "mode", "test"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	v, ok, err := eng.GetValue("engine", "mode")
	if err != nil {
		t.Fatalf("GetValue() error = %v", err)
	}
	if !ok || v != "test" {
		t.Errorf("GetValue() = %v, %v; want test, true", v, ok)
	}
}

func TestEngineRulesFacade(t *testing.T) {
	eng, _ := startEngine(t, map[string]string{"door_light": doorRule})

	rules, err := eng.Rules()
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "door_light" {
		t.Fatalf("Rules() = %v, want [door_light]", rules)
	}

	r, err := eng.Rule("door_light")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("Rule() = nil for a loaded rule")
	}
	if r, _ := eng.Rule("ghost"); r != nil {
		t.Error("Rule() returned a rule for an unknown id")
	}
}

func TestEngineSaveAndDeleteRule(t *testing.T) {
	eng, _ := startEngine(t, nil)
	ctx := context.Background()

	r, err := eng.Codec().DecodeRule([]byte(doorRule))
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.SaveRule(ctx, r); err != nil {
		t.Fatalf("SaveRule() error = %v", err)
	}

	got, err := eng.Rule("door_light")
	if err != nil || got == nil {
		t.Fatalf("Rule() after save = %v, %v", got, err)
	}

	deleted, err := eng.DeleteRule(ctx, "door_light")
	if err != nil || !deleted {
		t.Fatalf("DeleteRule() = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = eng.DeleteRule(ctx, "door_light")
	if err != nil || deleted {
		t.Errorf("second DeleteRule() = %v, %v; want false, nil", deleted, err)
	}
}

func TestEngineReloadPicksUpNewRules(t *testing.T) {
	eng, _ := startEngine(t, nil)
	ctx := context.Background()

	rules, err := eng.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Fatalf("Rules() = %v, want empty before save", rules)
	}

	r, err := eng.Codec().DecodeRule([]byte(doorRule))
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.SaveRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadRules(ctx); err != nil {
		t.Fatalf("ReloadRules() error = %v", err)
	}

	rules, err = eng.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Errorf("Rules() after reload = %d rules, want 1", len(rules))
	}
}

func TestEngineCheckTimeSpec(t *testing.T) {
	eng, _ := startEngine(t, nil)

	next, err := eng.CheckTimeSpec(map[string]any{"minute": "*/5"})
	if err != nil {
		t.Errorf("CheckTimeSpec(valid) error = %v", err)
	}
	if !next.After(time.Now()) {
		t.Errorf("CheckTimeSpec next = %v, want a future instant", next)
	}
	if _, err := eng.CheckTimeSpec(map[string]any{"minute": "99"}); err == nil {
		t.Error("CheckTimeSpec(invalid) succeeded, want error")
	}
}

func TestRouteEventAfterStopNeverBlocks(t *testing.T) {
	codec := rule.Codec{DefaultTZ: "UTC"}
	store, err := persist.NewFileStore(t.TempDir(), codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := New(Options{Clock: clock.New(nil, nil), Rules: store, Codec: codec})

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	cancel()

	// Well past the command buffer size; every call must return even
	// though nothing drains the channel anymore.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			eng.RouteEvent(doorEvent("on"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RouteEvent blocked after the engine stopped")
	}
}

func TestEngineCallServiceWithoutConnection(t *testing.T) {
	codec := rule.Codec{DefaultTZ: "UTC"}
	store, err := persist.NewFileStore(t.TempDir(), codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := New(Options{Clock: clock.New(nil, nil), Rules: store, Codec: codec})

	err = eng.CallService(context.Background(), model.NewServiceCall("light", "turn_on", nil))
	if err == nil {
		t.Error("CallService() with no connection succeeded, want error")
	}
}
