package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zw-go/internal/api"
	"zw-go/internal/testutil"
	"zw-go/internal/witness"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	store := testutil.NewTestStore(t)
	engine := witness.NewEngine(store, witness.NewNopLogger(), testutil.FixedClock(),
		testutil.NewStubIDGenerator(), witness.DefaultParams(), nil)
	return api.NewServer(engine, store, witness.NewNopLogger(), nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func register(t *testing.T, h http.Handler, hostname string) (id, key string) {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/machines", map[string]any{
		"hostname": hostname, "platform": "linux", "ssh_user": "zfs",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", hostname, w.Code, w.Body.String())
	}
	resp := decode(t, w)
	return resp["id"].(string), resp["api_key"].(string)
}

func reportCheckpoints(t *testing.T, h http.Handler, id, key string, days ...int) {
	t.Helper()
	snaps := make([]map[string]any, 0, len(days))
	for _, d := range days {
		snaps = append(snaps, map[string]any{
			"pool": "tank", "dataset": "tank/data",
			"name":       fmt.Sprintf("daily-202506%02d-000000", d),
			"created_at": time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC),
			"size":       100,
		})
	}
	w := do(t, h, http.MethodPost, "/api/v1/machines/"+id+"/snapshots",
		map[string]any{"snapshots": snaps}, map[string]string{"X-API-Key": key})
	if w.Code != http.StatusAccepted {
		t.Fatalf("report snapshots: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)
	if w := do(t, h, http.MethodGet, "/healthz", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestRegisterMachineEndpoint(t *testing.T) {
	h := newTestServer(t)

	id, key := register(t, h, "alpha.local")
	if id == "" || key == "" {
		t.Fatalf("missing identity: id=%q key=%q", id, key)
	}

	t.Run("re-registration returns the same identity", func(t *testing.T) {
		again, againKey := register(t, h, "alpha.local")
		if again != id || againKey != key {
			t.Errorf("identity changed: %s/%s vs %s/%s", again, againKey, id, key)
		}
	})

	t.Run("hostname required", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/machines", map[string]any{"platform": "linux"}, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status %d", w.Code)
		}
	})
}

func TestMachineAuth(t *testing.T) {
	h := newTestServer(t)
	id, key := register(t, h, "alpha.local")

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"missing key", "/api/v1/machines/" + id + "/heartbeat", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v1/machines/" + id + "/heartbeat", map[string]string{"X-API-Key": "wrong"}, http.StatusUnauthorized},
		{"unknown machine", "/api/v1/machines/ghost/heartbeat", map[string]string{"X-API-Key": key}, http.StatusNotFound},
		{"valid key", "/api/v1/machines/" + id + "/heartbeat", map[string]string{"X-API-Key": key}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, tt.path, nil, tt.headers)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestInstructionFlow(t *testing.T) {
	h := newTestServer(t)
	idA, keyA := register(t, h, "alpha.local")
	idB, keyB := register(t, h, "beta.local")

	w := do(t, h, http.MethodPost, "/api/v1/groups", map[string]any{
		"name": "pair", "member_ids": []string{idA, idB},
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create group: status %d body %s", w.Code, w.Body.String())
	}
	group := decode(t, w)
	groupID := group["id"].(string)
	if group["topology"] != "bidirectional" || group["strategy"] != "manual" {
		t.Errorf("defaults not applied: %v", group)
	}

	reportCheckpoints(t, h, idA, keyA, 1, 8, 12)
	reportCheckpoints(t, h, idB, keyB, 1)

	t.Run("lagging machine receives an instruction", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/machines/"+idB+"/instructions", nil, map[string]string{"X-API-Key": keyB})
		if w.Code != http.StatusOK {
			t.Fatalf("status %d body %s", w.Code, w.Body.String())
		}
		instrs := decode(t, w)["instructions"].([]any)
		if len(instrs) != 1 {
			t.Fatalf("instructions = %v", instrs)
		}
		in := instrs[0].(map[string]any)
		if in["target_machine"] != idB || in["end_snapshot"] != "daily-20250612-000000" {
			t.Errorf("instruction = %v", in)
		}
		if in["command"] == "" {
			t.Error("missing rendered command")
		}
	})

	t.Run("source machine receives none", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/machines/"+idA+"/instructions", nil, map[string]string{"X-API-Key": keyA})
		if w.Code != http.StatusOK {
			t.Fatalf("status %d", w.Code)
		}
		if instrs := decode(t, w)["instructions"].([]any); len(instrs) != 0 {
			t.Errorf("instructions = %v", instrs)
		}
	})

	t.Run("group states reflect the pass", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/groups/"+groupID+"/states", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status %d", w.Code)
		}
		states := decode(t, w)["states"].([]any)
		if len(states) != 2 {
			t.Fatalf("states = %v", states)
		}
	})

	t.Run("completion report", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/machines/"+idB+"/sync/state", map[string]any{
			"group_id": groupID, "dataset": "data", "status": "completed", "snapshot": "daily-20250612-000000",
		}, map[string]string{"X-API-Key": keyB})
		if w.Code != http.StatusNoContent {
			t.Fatalf("status %d body %s", w.Code, w.Body.String())
		}
	})

	t.Run("repeated completion is a conflict", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/machines/"+idB+"/sync/state", map[string]any{
			"group_id": groupID, "dataset": "data", "status": "completed", "snapshot": "daily-20250612-000000",
		}, map[string]string{"X-API-Key": keyB})
		if w.Code != http.StatusConflict {
			t.Fatalf("status %d, want 409", w.Code)
		}
	})

	t.Run("completed without snapshot rejected", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/machines/"+idB+"/sync/state", map[string]any{
			"group_id": groupID, "dataset": "data", "status": "completed",
		}, map[string]string{"X-API-Key": keyB})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status %d", w.Code)
		}
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/machines/"+idB+"/sync/state", map[string]any{
			"group_id": groupID, "dataset": "data", "status": "maybe",
		}, map[string]string{"X-API-Key": keyB})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status %d", w.Code)
		}
	})

	t.Run("group summary", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/api/v1/groups/"+groupID+"/summary", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status %d", w.Code)
		}
		summary := decode(t, w)
		if members := summary["members"].([]any); len(members) != 2 {
			t.Errorf("members = %v", members)
		}
	})
}

func TestCreateGroupValidation(t *testing.T) {
	h := newTestServer(t)
	idA, _ := register(t, h, "alpha.local")

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing name", map[string]any{"member_ids": []string{idA}}, http.StatusBadRequest},
		{"single member", map[string]any{"name": "solo", "member_ids": []string{idA}}, http.StatusBadRequest},
		{"unknown member", map[string]any{"name": "pair", "member_ids": []string{idA, "ghost"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/groups", tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestResolveConflictEndpoint(t *testing.T) {
	h := newTestServer(t)

	t.Run("manual is not a resolution", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/conflicts/c-1/resolve", map[string]any{"strategy": "manual"}, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status %d", w.Code)
		}
	})

	t.Run("unknown conflict", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/conflicts/c-1/resolve", map[string]any{"strategy": "use_newest"}, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("status %d body %s", w.Code, w.Body.String())
		}
	})
}

func TestMachinesHealthEndpoint(t *testing.T) {
	h := newTestServer(t)
	register(t, h, "alpha.local")

	w := do(t, h, http.MethodGet, "/api/v1/machines/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	machines := decode(t, w)["machines"].([]any)
	if len(machines) != 1 {
		t.Fatalf("machines = %v", machines)
	}
	m := machines[0].(map[string]any)
	if m["connectivity"] != "online" {
		t.Errorf("connectivity = %v, want online right after registration", m["connectivity"])
	}
	if _, leaked := m["api_key"]; leaked {
		t.Error("api_key disclosed outside registration")
	}
}
