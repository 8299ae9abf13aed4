// Package server provides REST handlers for host report ingest and registration.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/openhvx/openhvx/internal/domain"
	"github.com/openhvx/openhvx/internal/services/powersync"
)

// HostRestHandler provides REST API endpoints for host operations.
type HostRestHandler struct {
	server *Server
	logger *zap.Logger
}

// NewHostRestHandler creates a new host REST handler.
func NewHostRestHandler(s *Server) *HostRestHandler {
	return &HostRestHandler{
		server: s,
		logger: s.logger.Named("host-rest"),
	}
}

// registerRequest is the body of a host registration call.
type registerRequest struct {
	Hostname     string `json:"hostname"`
	ManagementIP string `json:"management_ip,omitempty"`
}

// ServeHTTP handles REST API requests for hosts.
// Routes:
//   - POST /api/hosts/{id}/register - Register or reconnect a host
//   - POST /api/hosts/{id}/heartbeat - Refresh a host's liveness lease
//   - POST /api/hosts/{id}/vm-state-report - Periodic VM power-state report
//   - POST /api/hosts/{id}/vm-state-ping-report?force=true - Ping-path report
//   - POST /api/hosts/{id}/sync-reset - Clear power-state sync tracking
//   - GET  /api/hosts/{id} - Get a host record
//   - GET  /api/hosts - List hosts
func (h *HostRestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/hosts")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Expected GET")
			return
		}
		h.handleList(w, r)
		return
	}

	parts := strings.Split(path, "/")
	hostID := parts[0]
	if hostID == "" {
		writeError(w, http.StatusBadRequest, "missing_host_id", "Host ID is required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Expected GET")
			return
		}
		h.handleGet(w, r, hostID)
		return
	}

	action := parts[1]
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Expected POST")
		return
	}

	switch action {
	case "register":
		h.handleRegister(w, r, hostID)
	case "heartbeat":
		h.handleHeartbeat(w, r, hostID)
	case "vm-state-report":
		h.handleStateReport(w, r, hostID)
	case "vm-state-ping-report":
		h.handlePingReport(w, r, hostID)
	case "sync-reset":
		h.handleSyncReset(w, r, hostID)
	default:
		writeError(w, http.StatusNotFound, "unknown_action", "Unknown host action: "+action)
	}
}

func (h *HostRestHandler) handleRegister(w http.ResponseWriter, r *http.Request, hostID string) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	registered, err := h.server.hostService.Register(r.Context(), &domain.Host{
		ID:           hostID,
		Hostname:     req.Hostname,
		ManagementIP: req.ManagementIP,
	})
	if err != nil {
		h.logger.Error("Host registration failed", zap.String("host_id", hostID), zap.Error(err))
		writeError(w, statusForError(err), "registration_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, registered)
}

func (h *HostRestHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request, hostID string) {
	if err := h.server.hostService.Heartbeat(r.Context(), hostID); err != nil {
		writeError(w, statusForError(err), "heartbeat_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *HostRestHandler) handleStateReport(w http.ResponseWriter, r *http.Request, hostID string) {
	report, err := decodeReport(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_report", err.Error())
		return
	}

	if err := h.server.reconciler.ProcessHostVMStateReport(r.Context(), hostID, report); err != nil {
		h.logger.Error("Report processing failed", zap.String("host_id", hostID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"entries": len(report)})
}

func (h *HostRestHandler) handlePingReport(w http.ResponseWriter, r *http.Request, hostID string) {
	report, err := decodeReport(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_report", err.Error())
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if err := h.server.reconciler.ProcessHostVMStatePingReport(r.Context(), hostID, report, force); err != nil {
		h.logger.Error("Ping report processing failed", zap.String("host_id", hostID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"entries": len(report)})
}

func (h *HostRestHandler) handleSyncReset(w http.ResponseWriter, r *http.Request, hostID string) {
	if err := h.server.reconciler.ResetHostSyncState(r.Context(), hostID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *HostRestHandler) handleGet(w http.ResponseWriter, r *http.Request, hostID string) {
	hostRecord, err := h.server.hostService.Get(r.Context(), hostID)
	if err != nil {
		writeError(w, statusForError(err), "host_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hostRecord)
}

func (h *HostRestHandler) handleList(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.server.hostService.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "host_list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

// VMRestHandler provides read access to VM records.
type VMRestHandler struct {
	server *Server
	logger *zap.Logger
}

// NewVMRestHandler creates a new VM REST handler.
func NewVMRestHandler(s *Server) *VMRestHandler {
	return &VMRestHandler{
		server: s,
		logger: s.logger.Named("vm-rest"),
	}
}

// ServeHTTP handles REST API requests for VM records.
// Routes:
//   - GET /api/vms/{id} - Get a VM instance record
func (h *VMRestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vmID := strings.TrimPrefix(r.URL.Path, "/api/vms/")
	if vmID == "" || strings.Contains(vmID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_path", "Expected /api/vms/{id}")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Expected GET")
		return
	}

	vm, err := h.server.instanceRepo.Get(r.Context(), vmID)
	if err != nil {
		writeError(w, statusForError(err), "vm_lookup_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, vm)
}

// =============================================================================
// Helpers
// =============================================================================

// decodeReport reads a host VM state report from the request body. An empty
// body is a valid empty report.
func decodeReport(r *http.Request) (powersync.HostVMStateReport, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var report powersync.HostVMStateReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, err
	}
	return report, nil
}

func decodeBody(r *http.Request, dest interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dest)
}

func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func toJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
