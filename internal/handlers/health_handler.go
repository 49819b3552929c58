package handlers

import (
	"net/http"
	"time"

	"botvisor/internal/service"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Active    int    `json:"active,omitempty"`
	Total     int    `json:"total,omitempty"`
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck reports ready along with how many processes are running.
func ReadyCheck(svc *service.ProcessService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, total := svc.GetStats()
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "ready",
			Timestamp: time.Now().Format(time.RFC3339),
			Active:    active,
			Total:     total,
		})
	}
}
