package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ottohome/ottoengine/internal/clock"
	"github.com/ottohome/ottoengine/internal/engine"
	"github.com/ottohome/ottoengine/internal/persist"
	"github.com/ottohome/ottoengine/internal/rule"
)

// startServer wires a REST server over a live engine with an empty
// temp rule store.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	codec := rule.Codec{DefaultTZ: "UTC"}
	store, err := persist.NewFileStore(t.TempDir(), codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.Options{
		Clock: clock.New(nil, nil),
		Rules: store,
		Codec: codec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	srv := NewServer("", 0, eng, nil, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func doRequest(t *testing.T, method, url string, body any) (*http.Response, Envelope) {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

var putRuleBody = map[string]any{
	"data": map[string]any{
		"id": "porch",
		"triggers": []any{
			map[string]any{"platform": "state", "entity_id": "binary_sensor.dusk", "to": "on"},
		},
		"actions": []any{
			map[string]any{"sequence": []any{
				map[string]any{"domain": "light", "service": "turn_on"},
			}},
		},
	},
}

func TestPing(t *testing.T) {
	srv := startServer(t)
	resp, env := doRequest(t, http.MethodGet, srv.URL+"/rest/ping", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !env.Success || env.Message != "pong" {
		t.Errorf("envelope = %+v, want success pong", env)
	}
}

func TestRuleLifecycle(t *testing.T) {
	srv := startServer(t)

	// Save.
	resp, env := doRequest(t, http.MethodPut, srv.URL+"/rest/rule/porch", putRuleBody)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("PUT status = %d, envelope = %+v", resp.StatusCode, env)
	}

	// List includes it.
	_, env = doRequest(t, http.MethodGet, srv.URL+"/rest/rules", nil)
	rules, ok := env.Data.([]any)
	if !ok || len(rules) != 1 {
		t.Fatalf("GET /rest/rules data = %v, want one rule", env.Data)
	}

	// Fetch it.
	resp, env = doRequest(t, http.MethodGet, srv.URL+"/rest/rule/porch", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("GET status = %d, envelope = %+v", resp.StatusCode, env)
	}
	descriptor, ok := env.Data.(map[string]any)
	if !ok || descriptor["id"] != "porch" {
		t.Errorf("descriptor = %v, want id porch", env.Data)
	}

	// Delete it.
	resp, env = doRequest(t, http.MethodDelete, srv.URL+"/rest/rule/porch", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("DELETE status = %d, envelope = %+v", resp.StatusCode, env)
	}

	// Second delete is a miss.
	resp, env = doRequest(t, http.MethodDelete, srv.URL+"/rest/rule/porch", nil)
	if resp.StatusCode != http.StatusNotFound || env.Success {
		t.Errorf("second DELETE status = %d, envelope = %+v, want 404", resp.StatusCode, env)
	}
}

func TestRulePutDescriptorIDWins(t *testing.T) {
	srv := startServer(t)

	resp, env := doRequest(t, http.MethodPut, srv.URL+"/rest/rule/some-other-id", putRuleBody)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("PUT status = %d, envelope = %+v", resp.StatusCode, env)
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/rest/rule/porch", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("rule not stored under its descriptor id (status %d)", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/rest/rule/some-other-id", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("rule stored under the path id (status %d)", resp.StatusCode)
	}
}

func TestRulePutRejectsBadDescriptor(t *testing.T) {
	srv := startServer(t)

	body := map[string]any{"data": map[string]any{
		"id":       "bad",
		"triggers": []any{map[string]any{"platform": "mqtt"}},
		"actions":  []any{},
	}}
	resp, env := doRequest(t, http.MethodPut, srv.URL+"/rest/rule/bad", body)
	if resp.StatusCode != http.StatusBadRequest || env.Success {
		t.Errorf("status = %d, envelope = %+v, want 400 failure", resp.StatusCode, env)
	}

	resp, env = doRequest(t, http.MethodPut, srv.URL+"/rest/rule/bad", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing data object: status = %d, want 400", resp.StatusCode)
	}
}

func TestRuleGetMissing(t *testing.T) {
	srv := startServer(t)
	resp, env := doRequest(t, http.MethodGet, srv.URL+"/rest/rule/ghost", nil)
	if resp.StatusCode != http.StatusNotFound || env.Success {
		t.Errorf("status = %d, envelope = %+v, want 404 failure", resp.StatusCode, env)
	}
}

func TestStateAndEntityEndpoints(t *testing.T) {
	srv := startServer(t)

	resp, env := doRequest(t, http.MethodGet, srv.URL+"/rest/entities", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("entities status = %d, envelope = %+v", resp.StatusCode, env)
	}
	resp, env = doRequest(t, http.MethodGet, srv.URL+"/rest/states", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("states status = %d, envelope = %+v", resp.StatusCode, env)
	}
	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/rest/states/light.ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", resp.StatusCode)
	}
}

func TestClockCheck(t *testing.T) {
	srv := startServer(t)

	_, env := doRequest(t, http.MethodPut, srv.URL+"/rest/clock/check",
		map[string]any{"data": map[string]any{"minute": "*/5"}})
	if !env.Success {
		t.Errorf("valid spec rejected: %+v", env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["next_time"] == "" {
		t.Errorf("data = %v, want a next_time field", env.Data)
	}

	_, env = doRequest(t, http.MethodPut, srv.URL+"/rest/clock/check",
		map[string]any{"data": map[string]any{"minute": "99"}})
	if env.Success {
		t.Errorf("invalid spec accepted: %+v", env)
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv := startServer(t)
	resp, env := doRequest(t, http.MethodGet, srv.URL+"/rest/logs", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("logs status = %d, envelope = %+v", resp.StatusCode, env)
	}
}

func TestShutdownDisabled(t *testing.T) {
	srv := startServer(t)
	resp, env := doRequest(t, http.MethodGet, srv.URL+"/shutdown", nil)
	if resp.StatusCode != http.StatusNotImplemented || env.Success {
		t.Errorf("status = %d, envelope = %+v, want 501 failure", resp.StatusCode, env)
	}
}

func TestReload(t *testing.T) {
	srv := startServer(t)
	resp, env := doRequest(t, http.MethodPost, srv.URL+"/rest/reload", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("reload status = %d, envelope = %+v", resp.StatusCode, env)
	}
}
