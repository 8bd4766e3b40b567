// Package httpapi fronts the management surface with JSON over HTTP for the
// upper control plane. It is a thin adapter: every route maps one-to-one to
// a ManagementAPI operation, and broker error kinds map to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/meshgrid/confbroker/internal/broker"
	"github.com/meshgrid/confbroker/internal/wire"
)

// Management is the slice of the management API the server serves.
// Satisfied by *broker.ManagementAPI.
type Management interface {
	ListDevices(ctx context.Context, organizationID string) ([]broker.DeviceSummary, error)
	ValidateConfig(ctx context.Context, organizationID, deviceID string, cfg wire.NetworkConfig) (*wire.ValidateConfigResponse, error)
	RunNetworkInstance(ctx context.Context, organizationID, deviceID string, cfg wire.NetworkConfig) (string, error)
	StopNetworkInstance(ctx context.Context, organizationID, deviceID, instID string) error
	ListNetworkInstances(ctx context.Context, organizationID, deviceID string) (*broker.InstanceList, error)
	CollectNetworkInfo(ctx context.Context, organizationID, deviceID string, instIDs []string) (*wire.CollectNetworkInfoResponse, error)
	UpdateNetworkState(ctx context.Context, organizationID, instID string, disabled bool) error
	GetNetworkConfig(ctx context.Context, organizationID, instID string) (wire.NetworkConfig, error)
	BatchRunNetworkInstance(ctx context.Context, organizationID string, items []broker.BatchRunItem) []broker.BatchResult
	BatchStopNetworkInstance(ctx context.Context, organizationID string, items []broker.BatchStopItem) []broker.BatchResult
}

type Config struct {
	Logger *slog.Logger
	Mgmt   Management
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Mgmt == nil {
		return errors.New("management api is required")
	}
	return nil
}

type Server struct {
	log  *slog.Logger
	mgmt Management
	mux  *http.ServeMux
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:  cfg.Logger,
		mgmt: cfg.Mgmt,
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/organizations/{org}/devices", s.handleListDevices)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/devices/{device}/config/validate", s.handleValidateConfig)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/devices/{device}/instances", s.handleRunInstance)
	s.mux.HandleFunc("GET /api/v1/organizations/{org}/devices/{device}/instances", s.handleListInstances)
	s.mux.HandleFunc("DELETE /api/v1/organizations/{org}/devices/{device}/instances/{inst}", s.handleStopInstance)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/devices/{device}/info", s.handleCollectInfo)
	s.mux.HandleFunc("PUT /api/v1/organizations/{org}/instances/{inst}/state", s.handleUpdateState)
	s.mux.HandleFunc("GET /api/v1/organizations/{org}/instances/{inst}/config", s.handleGetConfig)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/batch/run", s.handleBatchRun)
	s.mux.HandleFunc("POST /api/v1/organizations/{org}/batch/stop", s.handleBatchStop)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrSessionNotFound), errors.Is(err, broker.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrSessionNotReady):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrInvalidRequest), errors.Is(err, broker.ErrInvalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, broker.ErrRPCFailure):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode[T any](r *http.Request) (T, error) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, errors.Join(broker.ErrInvalidRequest, err)
	}
	return v, nil
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.mgmt.ListDevices(r.Context(), r.PathValue("org"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type configBody struct {
	Config wire.NetworkConfig `json:"config"`
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := decode[configBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	verdict, err := s.mgmt.ValidateConfig(r.Context(), r.PathValue("org"), r.PathValue("device"), body.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleRunInstance(w http.ResponseWriter, r *http.Request) {
	body, err := decode[configBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	instID, err := s.mgmt.RunNetworkInstance(r.Context(), r.PathValue("org"), r.PathValue("device"), body.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"inst_id": instID})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgmt.ListNetworkInstances(r.Context(), r.PathValue("org"), r.PathValue("device"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	err := s.mgmt.StopNetworkInstance(r.Context(), r.PathValue("org"), r.PathValue("device"), r.PathValue("inst"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{})
}

type collectInfoBody struct {
	InstIDs []string `json:"inst_ids"`
}

func (s *Server) handleCollectInfo(w http.ResponseWriter, r *http.Request) {
	body, err := decode[collectInfoBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.mgmt.CollectNetworkInfo(r.Context(), r.PathValue("org"), r.PathValue("device"), body.InstIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

type stateBody struct {
	Disabled bool `json:"disabled"`
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	body, err := decode[stateBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	err = s.mgmt.UpdateNetworkState(r.Context(), r.PathValue("org"), r.PathValue("inst"), body.Disabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.mgmt.GetNetworkConfig(r.Context(), r.PathValue("org"), r.PathValue("inst"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, configBody{Config: cfg})
}

type batchResult struct {
	DeviceID string `json:"device_id"`
	InstID   string `json:"inst_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func toBatchResults(results []broker.BatchResult) []batchResult {
	out := make([]batchResult, 0, len(results))
	for _, r := range results {
		br := batchResult{DeviceID: r.DeviceID, InstID: r.InstID}
		if r.Err != nil {
			br.Error = r.Err.Error()
		}
		out = append(out, br)
	}
	return out
}

func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	body, err := decode[struct {
		Items []broker.BatchRunItem `json:"items"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	results := s.mgmt.BatchRunNetworkInstance(r.Context(), r.PathValue("org"), body.Items)
	s.writeJSON(w, http.StatusOK, map[string]any{"results": toBatchResults(results)})
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	body, err := decode[struct {
		Items []broker.BatchStopItem `json:"items"`
	}](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	results := s.mgmt.BatchStopNetworkInstance(r.Context(), r.PathValue("org"), body.Items)
	s.writeJSON(w, http.StatusOK, map[string]any{"results": toBatchResults(results)})
}
