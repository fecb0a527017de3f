package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YassineXScenery/lampsync/internal/coordinator"
	"github.com/YassineXScenery/lampsync/internal/peer"
	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/storage"
)

const testAuthToken = "test-secret-token"

type testEnv struct {
	api   *HTTPAPI
	coord *coordinator.Coordinator
	peers *peer.Set
	store *storage.SignalStore
}

func setupHTTPAPI(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lampd.db")
	store, err := storage.Open(context.Background(), path, storage.OpenOptions{Timeout: time.Second, Retries: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	coord := coordinator.New(coordinator.Config{SelfID: "node-a"}, store, nil, coordinator.WithLogger(zap.NewNop()))
	if err := coord.LoadInitialState(context.Background()); err != nil {
		t.Fatalf("load state: %v", err)
	}
	peers := peer.NewSet()

	api := NewHTTPAPI(coord, peers, store, testAuthToken, zap.NewNop())
	return &testEnv{api: api, coord: coord, peers: peers, store: store}
}

func authRequest(method, path string, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type stateResponse struct {
	Data stateView `json:"data"`
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) stateView {
	t.Helper()
	var resp stateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var resp apiError
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return resp
}

func TestHTTPAPIRequiresAuth(t *testing.T) {
	env := setupHTTPAPI(t)
	handler := env.api.Handler()

	for _, path := range []string{"/api/v1/state", "/api/v1/peers", "/api/v1/signals"} {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer wrong")
		w := serve(handler, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
		if code := decodeError(t, w).Code; code != "AUTH_REQUIRED" {
			t.Errorf("%s: expected AUTH_REQUIRED, got %s", path, code)
		}
	}
}

func TestHTTPAPIGetState(t *testing.T) {
	env := setupHTTPAPI(t)
	w := serve(env.api.Handler(), authRequest("GET", "/api/v1/state", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	state := decodeState(t, w)
	if state.Mode != shared.ModePark || state.ModeName != "Park" {
		t.Errorf("mode = %s/%s, want P/Park", state.Mode, state.ModeName)
	}
	if len(state.NextModes) != 1 || state.NextModes[0] != shared.ModeStandBy {
		t.Errorf("next modes = %v, want [S]", state.NextModes)
	}
	if state.Channels[shared.ProtocolLIN].Button != shared.ButtonNotPressed {
		t.Errorf("LIN = %+v", state.Channels[shared.ProtocolLIN])
	}
	if state.Offline {
		t.Error("node with store reported offline")
	}
}

func TestHTTPAPICorrelationID(t *testing.T) {
	env := setupHTTPAPI(t)
	handler := env.api.Handler()

	req := authRequest("GET", "/api/v1/state", "")
	req.Header.Set(correlationHeader, "corr-123")
	if got := serve(handler, req).Header().Get(correlationHeader); got != "corr-123" {
		t.Errorf("expected echoed correlation id, got %q", got)
	}

	if got := serve(handler, authRequest("GET", "/api/v1/state", "")).Header().Get(correlationHeader); got == "" {
		t.Error("expected generated correlation id")
	}
}

func TestHTTPAPIChangeMode(t *testing.T) {
	env := setupHTTPAPI(t)
	handler := env.api.Handler()

	w := serve(handler, authRequest("POST", "/api/v1/mode", `{"mode":"standby"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	state := decodeState(t, w)
	if state.Mode != shared.ModeStandBy || state.ModeVersion != 1 {
		t.Errorf("state = %s/%d, want S/1", state.Mode, state.ModeVersion)
	}

	mode, version, err := env.store.ActiveMode(context.Background())
	if err != nil {
		t.Fatalf("ActiveMode: %v", err)
	}
	if mode != shared.ModeStandBy || version != 1 {
		t.Errorf("persisted = %s/%d, want S/1", mode, version)
	}
}

func TestHTTPAPIChangeModeErrors(t *testing.T) {
	env := setupHTTPAPI(t)
	handler := env.api.Handler()

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"bad json", `{"mode":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown mode", `{"mode":"hazard"}`, http.StatusBadRequest, "INVALID_MODE"},
		{"illegal transition", `{"mode":"W"}`, http.StatusConflict, "INVALID_TRANSITION"},
		{"self transition", `{"mode":"P"}`, http.StatusConflict, "INVALID_TRANSITION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(handler, authRequest("POST", "/api/v1/mode", tt.body))
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if code := decodeError(t, w).Code; code != tt.wantErr {
				t.Errorf("expected %s, got %s", tt.wantErr, code)
			}
		})
	}

	if env.coord.Snapshot().Mode != shared.ModePark {
		t.Error("rejected requests changed the mode")
	}
}

func TestHTTPAPIToggle(t *testing.T) {
	env := setupHTTPAPI(t)
	handler := env.api.Handler()

	w := serve(handler, authRequest("POST", "/api/v1/channels/CAN/toggle", ""))
	if w.Code != http.StatusConflict || decodeError(t, w).Code != "BUTTON_DISABLED" {
		t.Fatalf("toggle in Park: expected 409 BUTTON_DISABLED, got %d", w.Code)
	}

	for _, m := range []string{"S", "W"} {
		if w := serve(handler, authRequest("POST", "/api/v1/mode", `{"mode":"`+m+`"}`)); w.Code != http.StatusOK {
			t.Fatalf("mode %s: expected 200, got %d", m, w.Code)
		}
	}

	w = serve(handler, authRequest("POST", "/api/v1/channels/lin/toggle", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	state := decodeState(t, w)
	if got := state.Channels[shared.ProtocolLIN]; got.Lamp != shared.LampOn || got.Button != shared.ButtonPressed {
		t.Errorf("LIN = %+v, want on/pressed", got)
	}
	if state.Focus != shared.ProtocolLIN {
		t.Errorf("focus = %s, want LIN", state.Focus)
	}

	w = serve(handler, authRequest("POST", "/api/v1/channels/FLEX/toggle", ""))
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != "INVALID_PROTOCOL" {
		t.Errorf("unknown protocol: expected 400 INVALID_PROTOCOL, got %d", w.Code)
	}
}

func TestHTTPAPIListPeers(t *testing.T) {
	env := setupHTTPAPI(t)
	env.peers.Add(netip.MustParseAddrPort("10.0.0.7:65432"), "node-b")
	env.peers.Add(netip.MustParseAddrPort("10.0.0.3:65432"), "node-c")

	w := serve(env.api.Handler(), authRequest("GET", "/api/v1/peers", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Data []peerView `json:"data"`
		Meta apiMeta    `json:"meta"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Meta.Total != 2 || len(resp.Data) != 2 {
		t.Fatalf("expected 2 peers, got %+v", resp)
	}
	if resp.Data[0].Addr != "10.0.0.3:65432" || resp.Data[1].Source != "node-b" {
		t.Errorf("unexpected peers: %+v", resp.Data)
	}
}

func TestHTTPAPIListSignals(t *testing.T) {
	env := setupHTTPAPI(t)
	handler := env.api.Handler()
	ctx := context.Background()

	if _, err := env.coord.ChangeMode(ctx, shared.ModeStandBy); err != nil {
		t.Fatalf("ChangeMode: %v", err)
	}
	if _, err := env.coord.ChangeMode(ctx, shared.ModeFlash); err != nil {
		t.Fatalf("ChangeMode: %v", err)
	}
	if _, err := env.coord.ToggleButton(ctx, shared.ProtocolCAN); err != nil {
		t.Fatalf("ToggleButton: %v", err)
	}

	w := serve(handler, authRequest("GET", "/api/v1/signals?protocol=CAN&limit=10", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data []storage.SignalRecord `json:"data"`
		Meta apiMeta                `json:"meta"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 2 || resp.Meta.Limit != 10 {
		t.Fatalf("expected 2 CAN rows with limit 10, got %d rows, meta %+v", len(resp.Data), resp.Meta)
	}
	for _, row := range resp.Data {
		if row.Protocol != "CAN" {
			t.Errorf("unexpected protocol in row %+v", row)
		}
	}

	w = serve(handler, authRequest("GET", "/api/v1/signals?protocol=USB", ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad protocol, got %d", w.Code)
	}
}

func TestHTTPAPISignalsOffline(t *testing.T) {
	coord := coordinator.New(coordinator.Config{SelfID: "node-a"}, nil, nil)
	api := NewHTTPAPI(coord, peer.NewSet(), nil, testAuthToken, nil)

	w := serve(api.Handler(), authRequest("GET", "/api/v1/signals", ""))
	if w.Code != http.StatusServiceUnavailable || decodeError(t, w).Code != "STORE_UNAVAILABLE" {
		t.Errorf("expected 503 STORE_UNAVAILABLE, got %d", w.Code)
	}
}

type failingController struct{}

func (failingController) Snapshot() coordinator.State { return coordinator.State{} }

func (failingController) ChangeMode(context.Context, shared.Mode) (coordinator.State, error) {
	return coordinator.State{}, &coordinator.PersistenceError{Op: "mode_change", Err: errors.New("disk full")}
}

func (failingController) ToggleButton(context.Context, shared.Protocol) (coordinator.Channel, error) {
	return coordinator.Channel{}, errors.New("boom")
}

func (failingController) Subscribe(int) (<-chan coordinator.Event, func()) {
	ch := make(chan coordinator.Event)
	return ch, func() {}
}

func TestHTTPAPIPersistenceFailure(t *testing.T) {
	api := NewHTTPAPI(failingController{}, peer.NewSet(), nil, testAuthToken, nil)
	handler := api.Handler()

	w := serve(handler, authRequest("POST", "/api/v1/mode", `{"mode":"S"}`))
	if w.Code != http.StatusServiceUnavailable || decodeError(t, w).Code != "PERSISTENCE_FAILED" {
		t.Errorf("expected 503 PERSISTENCE_FAILED, got %d", w.Code)
	}

	w = serve(handler, authRequest("POST", "/api/v1/channels/CAN/toggle", ""))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

type fakeRunning bool

func (f fakeRunning) Running() bool { return bool(f) }

func TestHTTPAPIHealth(t *testing.T) {
	env := setupHTTPAPI(t)
	env.api.SetHealthChecker(NewHealthChecker(env.store, fakeRunning(true)))
	handler := env.api.Handler()

	if w := serve(handler, httptest.NewRequest("GET", "/healthz", nil)); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}

	w := serve(handler, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", w.Code)
	}
	var result HealthCheckResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != HealthHealthy || result.Components["database"].Status != StatusOK {
		t.Errorf("unexpected readiness: %+v", result)
	}

	env.api.SetHealthChecker(NewHealthChecker(nil, fakeRunning(false)))
	w = serve(env.api.Handler(), httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz offline: expected 503, got %d", w.Code)
	}
}

func TestHTTPAPIMetricsEndpoint(t *testing.T) {
	env := setupHTTPAPI(t)
	w := serve(env.api.Handler(), httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected default Go collectors in /metrics output")
	}
}

func TestHTTPAPIEventStream(t *testing.T) {
	env := setupHTTPAPI(t)
	srv := httptest.NewServer(env.api.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on unauthenticated dial, got %v", resp)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testAuthToken)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := env.coord.ChangeMode(context.Background(), shared.ModeStandBy); err != nil {
		t.Fatalf("ChangeMode: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev coordinator.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != coordinator.EventModeChanged || ev.Mode != shared.ModeStandBy || ev.PreviousMode != shared.ModePark {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHTTPAPIConflictsLoggedWithCorrelationID(t *testing.T) {
	env := setupHTTPAPI(t)
	core, logs := observer.New(zapcore.WarnLevel)
	handler := NewHTTPAPI(env.coord, env.peers, env.store, testAuthToken, zap.New(core)).Handler()

	req := authRequest("POST", "/api/v1/mode", `{"mode":"F"}`)
	req.Header.Set("X-Correlation-ID", "corr-park-flash")
	if w := serve(handler, req); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	req = authRequest("POST", "/api/v1/channels/CAN/toggle", "")
	req.Header.Set("X-Correlation-ID", "corr-toggle")
	if w := serve(handler, req); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	entries := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(entries))
	}
	want := []struct{ msg, id string }{
		{"mode change failed", "corr-park-flash"},
		{"button toggle failed", "corr-toggle"},
	}
	for i, e := range entries {
		if e.Message != want[i].msg {
			t.Errorf("entry %d message = %q, want %q", i, e.Message, want[i].msg)
		}
		if got := e.ContextMap()["correlation_id"]; got != want[i].id {
			t.Errorf("entry %d correlation_id = %v, want %s", i, got, want[i].id)
		}
	}
}
