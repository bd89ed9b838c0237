package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"raildispatch/backend/sim"
)

const lineTopology = `{
  "blocks": [
    {"id": "B1", "name": "West", "length_km": 1.0, "max_speed_kmh": 80, "adjacent_blocks": ["B2"]},
    {"id": "B2", "name": "Mid", "length_km": 1.0, "max_speed_kmh": 80, "adjacent_blocks": ["B1", "B3"]},
    {"id": "B3", "name": "East", "length_km": 1.0, "max_speed_kmh": 80, "adjacent_blocks": ["B2"]}
  ],
  "default_headway_sec": 120,
  "default_dwell_sec": 60
}`

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	engine := sim.NewEngine(func() (io.Reader, error) { return strings.NewReader(lineTopology), nil }, 42)
	engine.Roster = []sim.TrainConfig{
		{ID: "T1", Name: "EXP-12001", Priority: "EXPRESS", Route: []string{"B1", "B2", "B3"}},
	}
	require.NoError(t, engine.Reset())

	cfg := DefaultConfig()
	cfg.TickSleepSec = 0.001
	s := New(engine, cfg)

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		s.stopLoop()
		ts.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
}

func TestStateEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, "state", body["type"])
	require.Equal(t, "IDLE", body["status"])
}

func TestControlClampsParameters(t *testing.T) {
	s, ts := testServer(t)
	resp := postJSON(t, ts.URL+"/control", `{"simulation_speed": 99, "headway_sec": -3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, 10.0, s.engine.SimulationSpeed)
	require.Equal(t, 0, s.engine.HeadwaySec)
}

func TestInjectDelayValidation(t *testing.T) {
	_, ts := testServer(t)

	resp := postJSON(t, ts.URL+"/inject/delay", `{"train_id": "T1", "delay_minutes": 0}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/inject/delay", `{"train_id": "GHOST", "delay_minutes": 5}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/inject/delay", `{"train_id": "T1", "delay_minutes": 5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, "success", body["status"])
}

func TestApplyPlanSkipsMalformedHolds(t *testing.T) {
	_, ts := testServer(t)
	resp := postJSON(t, ts.URL+"/apply_plan", `{"holds":[
		{"train_id":"T1","block_id":"B2","not_before_offset_sec":60},
		{"train_id":"T1","block_id":"B3","not_before_offset_sec":1.5}
	]}`)
	body := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["holds_applied"])
}

func TestLifecycleOverHTTP(t *testing.T) {
	_, ts := testServer(t)

	// Snapshot surfaces are gated before completion.
	resp := postJSON(t, ts.URL+"/export_plan_input", `{}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/rerun-optimized?trials=1", `{}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Start and run the short demo line to completion.
	resp = postJSON(t, ts.URL+"/start", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/state")
		if err != nil {
			return false
		}
		return decodeBody(t, r)["status"] == "COMPLETED"
	}, 10*time.Second, 20*time.Millisecond)

	// Start after completion is a lifecycle conflict.
	resp = postJSON(t, ts.URL+"/start", `{}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Completed state unlocks snapshot, plan and rerun surfaces.
	resp = postJSON(t, ts.URL+"/export_plan_input", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody(t, resp)
	require.NotEmpty(t, snap["sim_time_iso"])

	resp = postJSON(t, ts.URL+"/optimize_plan?seed=7", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/rerun-optimized?seed=7&trials=2", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rerun := decodeBody(t, resp)
	require.Contains(t, rerun, "baseline")
	require.Contains(t, rerun, "meta")

	// Reset returns to IDLE and start works again.
	resp = postJSON(t, ts.URL+"/reset", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	require.Equal(t, "IDLE", decodeBody(t, resp)["status"])
	resp = postJSON(t, ts.URL+"/start", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketReceivesInitialState(t *testing.T) {
	_, ts := testServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(msg, &state))
	require.Equal(t, "state", state["type"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "raildispatch_ticks_total")
}
