// Package api serves the node's HTTP surface: state, mode and button
// control, peers, the signal log, health checks, metrics and a websocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YassineXScenery/lampsync/internal/coordinator"
	"github.com/YassineXScenery/lampsync/internal/peer"
	"github.com/YassineXScenery/lampsync/internal/pwf"
	"github.com/YassineXScenery/lampsync/internal/shared"
	"github.com/YassineXScenery/lampsync/internal/storage"
)

// Controller is the coordinator surface the API drives.
type Controller interface {
	Snapshot() coordinator.State
	ChangeMode(ctx context.Context, mode shared.Mode) (coordinator.State, error)
	ToggleButton(ctx context.Context, p shared.Protocol) (coordinator.Channel, error)
	Subscribe(buffer int) (<-chan coordinator.Event, func())
}

type PeerLister interface {
	Snapshot() []peer.Info
}

type SignalReader interface {
	RecentSignals(ctx context.Context, p shared.Protocol, limit int) ([]storage.SignalRecord, error)
}

const correlationHeader = "X-Correlation-ID"

type HTTPAPI struct {
	ctrl          Controller
	peers         PeerLister
	signals       SignalReader
	authToken     string
	logger        *zap.Logger
	healthChecker *HealthChecker
}

// NewHTTPAPI builds the API. signals may be nil when the node runs offline.
func NewHTTPAPI(ctrl Controller, peers PeerLister, signals SignalReader, authToken string, logger *zap.Logger) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		ctrl:      ctrl,
		peers:     peers,
		signals:   signals,
		authToken: authToken,
		logger:    logger,
	}
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.healthChecker = hc
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/state", a.requireAuth(http.HandlerFunc(a.handleGetState)))
	mux.Handle("POST /api/v1/mode", a.requireAuth(http.HandlerFunc(a.handleChangeMode)))
	mux.Handle("POST /api/v1/channels/{protocol}/toggle", a.requireAuth(http.HandlerFunc(a.handleToggle)))
	mux.Handle("GET /api/v1/peers", a.requireAuth(http.HandlerFunc(a.handleListPeers)))
	mux.Handle("GET /api/v1/signals", a.requireAuth(http.HandlerFunc(a.handleListSignals)))
	mux.Handle("GET /ws/events", a.requireAuth(http.HandlerFunc(a.handleEventStream)))

	return a.withCorrelationID(mux)
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAPI) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(shared.WithCorrelationID(r.Context(), id)))
	})
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	writeJSON(w, http.StatusOK, a.healthChecker.CheckLiveness(r.Context()))
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	result := a.healthChecker.CheckReadiness(r.Context())
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, result)
}

type channelView struct {
	Lamp   shared.LampState   `json:"lamp"`
	Button shared.ButtonState `json:"button"`
}

type stateView struct {
	Mode        shared.Mode                     `json:"mode"`
	ModeName    string                          `json:"mode_name"`
	ModeVersion uint64                          `json:"mode_version"`
	NextModes   []shared.Mode                   `json:"next_modes"`
	Focus       shared.Protocol                 `json:"focus"`
	Channels    map[shared.Protocol]channelView `json:"channels"`
	Offline     bool                            `json:"offline"`
	UpdatedAt   *time.Time                      `json:"updated_at,omitempty"`
}

func newStateView(s coordinator.State) stateView {
	view := stateView{
		Mode:        s.Mode,
		ModeName:    s.Mode.Name(),
		ModeVersion: s.ModeVersion,
		NextModes:   pwf.Successors(s.Mode),
		Focus:       s.Focus,
		Channels:    make(map[shared.Protocol]channelView, len(s.Channels)),
		Offline:     s.Offline,
	}
	for p, ch := range s.Channels {
		view.Channels[p] = channelView{Lamp: ch.Lamp, Button: ch.Button}
	}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view
}

func (a *HTTPAPI) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Data: newStateView(a.ctrl.Snapshot())})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (a *HTTPAPI) handleChangeMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	mode, err := shared.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MODE")
		return
	}

	ctx := r.Context()
	state, err := a.ctrl.ChangeMode(ctx, mode)
	if err != nil {
		a.writeControlError(ctx, w, "mode change failed", err)
		return
	}

	shared.LogWithContext(ctx, a.logger, "mode changed via api",
		zap.String("mode", string(state.Mode)),
		zap.Uint64("mode_version", state.ModeVersion))
	writeJSON(w, http.StatusOK, apiResponse{Data: newStateView(state)})
}

func (a *HTTPAPI) handleToggle(w http.ResponseWriter, r *http.Request) {
	p, err := shared.ParseProtocol(r.PathValue("protocol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PROTOCOL")
		return
	}

	ctx := r.Context()
	if _, err := a.ctrl.ToggleButton(ctx, p); err != nil {
		a.writeControlError(ctx, w, "button toggle failed", err)
		return
	}

	shared.LogWithContext(ctx, a.logger, "button toggled via api", zap.String("protocol", string(p)))
	writeJSON(w, http.StatusOK, apiResponse{Data: newStateView(a.ctrl.Snapshot())})
}

func (a *HTTPAPI) writeControlError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, pwf.ErrInvalidTransition):
		shared.LogWarnWithContext(ctx, a.logger, msg, zap.Error(err))
		writeError(w, http.StatusConflict, err.Error(), "INVALID_TRANSITION")
	case errors.Is(err, coordinator.ErrButtonDisabled):
		shared.LogWarnWithContext(ctx, a.logger, msg, zap.Error(err))
		writeError(w, http.StatusConflict, err.Error(), "BUTTON_DISABLED")
	case coordinator.IsPersistenceError(err):
		shared.LogErrorWithContext(ctx, a.logger, msg, err)
		writeError(w, http.StatusServiceUnavailable, err.Error(), "PERSISTENCE_FAILED")
	default:
		shared.LogErrorWithContext(ctx, a.logger, msg, err)
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

type peerView struct {
	Addr      string    `json:"addr"`
	Source    string    `json:"source,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

func (a *HTTPAPI) handleListPeers(w http.ResponseWriter, r *http.Request) {
	infos := a.peers.Snapshot()
	out := make([]peerView, 0, len(infos))
	for _, info := range infos {
		out = append(out, peerView{
			Addr:      info.Addr.String(),
			Source:    info.Source,
			FirstSeen: info.FirstSeen,
			LastSeen:  info.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: out, Meta: &apiMeta{Total: len(out)}})
}

func (a *HTTPAPI) handleListSignals(w http.ResponseWriter, r *http.Request) {
	if a.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal store not configured", "STORE_UNAVAILABLE")
		return
	}

	var p shared.Protocol
	if raw := r.URL.Query().Get("protocol"); raw != "" {
		parsed, err := shared.ParseProtocol(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PROTOCOL")
			return
		}
		p = parsed
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}

	ctx := r.Context()
	rows, err := a.signals.RecentSignals(ctx, p, limit)
	if err != nil {
		shared.LogErrorWithContext(ctx, a.logger, "failed to read signal log", err)
		writeError(w, http.StatusInternalServerError, "failed to read signal log", "QUERY_FAILED")
		return
	}
	if rows == nil {
		rows = []storage.SignalRecord{}
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: rows, Meta: &apiMeta{Total: len(rows), Limit: limit}})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
