package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"botvisor/internal/service"
	"botvisor/internal/systemd"

	"github.com/gorilla/mux"
)

const defaultLogLimit = 50

type ProcessHandler struct {
	svc *service.ProcessService
}

func NewProcessHandler(svc *service.ProcessService) *ProcessHandler {
	return &ProcessHandler{svc: svc}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrProcessNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrProcessAlreadyRunning), errors.Is(err, service.ErrProcessNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrScriptNotFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func limitParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return defaultLogLimit
}

func (h *ProcessHandler) GetProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetProcesses())
}

func (h *ProcessHandler) GetProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	p, ok := h.svc.FindProcess(name)
	if !ok {
		writeError(w, http.StatusNotFound, service.ErrProcessNotFound, "Process not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProcessHandler) StartProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.svc.StartProcess(name); err != nil {
		writeError(w, statusFor(err), err, "Failed to start process: "+name)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Status:  "started",
		Message: "Process " + name + " started successfully",
	})
}

func (h *ProcessHandler) StopProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.svc.StopProcess(name); err != nil {
		writeError(w, statusFor(err), err, "Failed to stop process: "+name)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Status:  "stopped",
		Message: "Process " + name + " stopped successfully",
	})
}

func (h *ProcessHandler) RestartProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.svc.RestartProcess(name); err != nil {
		writeError(w, statusFor(err), err, "Failed to restart process: "+name)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Status:  "restarted",
		Message: "Process " + name + " restarted successfully",
	})
}

func (h *ProcessHandler) GetDescriptors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetDescriptors())
}

func (h *ProcessHandler) GetDescriptor(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	d, ok := h.svc.GetDescriptor(name)
	if !ok {
		writeError(w, http.StatusNotFound, service.ErrProcessNotFound, "Process not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetUnit serves the descriptor as a systemd service unit.
func (h *ProcessHandler) GetUnit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	d, ok := h.svc.GetDescriptor(name)
	if !ok {
		writeError(w, http.StatusNotFound, service.ErrProcessNotFound, "Process not found: "+name)
		return
	}

	unit, err := systemd.Unit(d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err, "Failed to render unit")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+systemd.UnitName(d)+`"`)
	if _, err := io.Copy(w, unit); err != nil {
		slog.Error("write unit", "process", name, "err", err)
	}
}

func (h *ProcessHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	events, err := h.svc.History(r.Context(), name, limitParam(r))
	if err != nil {
		writeError(w, statusFor(err), err, "Failed to load history: "+name)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *ProcessHandler) Reload(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reload()
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrNoConfigFile) {
			status = http.StatusConflict
		}
		writeError(w, status, err, "Failed to reload configuration")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetLogs serves the newest log entries, optionally narrowed with ?level=.
func (h *ProcessHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	if level := r.URL.Query().Get("level"); level != "" {
		writeJSON(w, http.StatusOK, h.svc.GetLogsByLevel(level, limitParam(r)))
		return
	}
	writeJSON(w, http.StatusOK, h.svc.GetLogs(limitParam(r)))
}

func (h *ProcessHandler) GetWorkerLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetWorkerLogs(limitParam(r)))
}

func (h *ProcessHandler) GetSystemLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetSystemLogs(limitParam(r)))
}

func (h *ProcessHandler) GetWorkerSpecificLogs(w http.ResponseWriter, r *http.Request) {
	workerName := mux.Vars(r)["workerName"]
	writeJSON(w, http.StatusOK, h.svc.GetWorkerSpecificLogs(workerName, limitParam(r)))
}
